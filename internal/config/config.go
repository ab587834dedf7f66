// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Match economics
	DefaultFeePercent int
	MaxStake          int64

	// Match lifecycle timing
	JoinTimeout        time.Duration // awaiting_opponent matches older than this are cancelled
	ResultDueAfter     time.Duration // in_progress -> pending_result after this long
	EvidenceWindow     time.Duration // how long sides have to submit results
	MatchSweepInterval time.Duration

	// Settlement
	SettlementAttempts      int
	PostCheckDelay          time.Duration
	ForceFallbackSettlement bool // skip the atomic path even when available

	// Escrow and reconciliation
	HoldSweepInterval time.Duration
	StrandedHoldGrace time.Duration // unseated holds younger than this are left alone
	ReconcileInterval time.Duration

	// Security
	AdminSecret        string
	RateLimitRPM       int
	CORSAllowedOrigins []string

	// Integrations
	OTLPEndpoint        string
	NotifyWebhookURL    string
	NotifyWebhookSecret string // HMAC-SHA256 key for the X-Wager-Signature header
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultFeePercent         = 5
	DefaultMaxStake           = 100_000_000
	DefaultJoinTimeout        = 30 * time.Minute
	DefaultResultDueAfter     = time.Hour
	DefaultEvidenceWindow     = 15 * time.Minute
	DefaultMatchSweepInterval = 30 * time.Second
	DefaultSettlementAttempts = 4
	DefaultPostCheckDelay     = 2 * time.Second
	DefaultHoldSweepInterval  = time.Minute
	DefaultStrandedHoldGrace  = 10 * time.Minute
	DefaultReconcileInterval  = 5 * time.Minute
	DefaultRateLimitRPM       = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                    getEnv("PORT", DefaultPort),
		Env:                     getEnv("ENV", DefaultEnv),
		LogLevel:                getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:               getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		DefaultFeePercent:       int(getEnvInt64("DEFAULT_FEE_PERCENT", DefaultFeePercent)),
		MaxStake:                getEnvInt64("MAX_STAKE", DefaultMaxStake),
		JoinTimeout:             getEnvDuration("JOIN_TIMEOUT", DefaultJoinTimeout),
		ResultDueAfter:          getEnvDuration("RESULT_DUE_AFTER", DefaultResultDueAfter),
		EvidenceWindow:          getEnvDuration("EVIDENCE_WINDOW", DefaultEvidenceWindow),
		MatchSweepInterval:      getEnvDuration("MATCH_SWEEP_INTERVAL", DefaultMatchSweepInterval),
		SettlementAttempts:      int(getEnvInt64("SETTLEMENT_ATTEMPTS", DefaultSettlementAttempts)),
		PostCheckDelay:          getEnvDuration("POST_CHECK_DELAY", DefaultPostCheckDelay),
		ForceFallbackSettlement: getEnvBool("FORCE_FALLBACK_SETTLEMENT", false),
		HoldSweepInterval:       getEnvDuration("HOLD_SWEEP_INTERVAL", DefaultHoldSweepInterval),
		StrandedHoldGrace:       getEnvDuration("STRANDED_HOLD_GRACE", DefaultStrandedHoldGrace),
		ReconcileInterval:       getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		AdminSecret:             os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:            int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSAllowedOrigins:      getEnvList("CORS_ALLOWED_ORIGINS"),
		OTLPEndpoint:            os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		NotifyWebhookURL:        os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyWebhookSecret:     os.Getenv("NOTIFY_WEBHOOK_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane
func (c *Config) Validate() error {
	if c.DefaultFeePercent < 0 || c.DefaultFeePercent > 100 {
		return fmt.Errorf("DEFAULT_FEE_PERCENT must be between 0 and 100")
	}
	if c.MaxStake <= 0 {
		return fmt.Errorf("MAX_STAKE must be positive")
	}
	if c.JoinTimeout <= 0 || c.ResultDueAfter <= 0 || c.EvidenceWindow <= 0 {
		return fmt.Errorf("JOIN_TIMEOUT, RESULT_DUE_AFTER and EVIDENCE_WINDOW must be positive")
	}
	if c.StrandedHoldGrace < 0 {
		return fmt.Errorf("STRANDED_HOLD_GRACE must not be negative")
	}
	if c.SettlementAttempts < 1 {
		return fmt.Errorf("SETTLEMENT_ATTEMPTS must be at least 1")
	}
	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
