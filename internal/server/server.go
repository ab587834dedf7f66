// Package server wires the escrow services together and serves the HTTP API.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/mbd888/wagerescrow/internal/auth"
	"github.com/mbd888/wagerescrow/internal/config"
	"github.com/mbd888/wagerescrow/internal/escrow"
	"github.com/mbd888/wagerescrow/internal/health"
	"github.com/mbd888/wagerescrow/internal/idgen"
	"github.com/mbd888/wagerescrow/internal/ledger"
	"github.com/mbd888/wagerescrow/internal/logging"
	"github.com/mbd888/wagerescrow/internal/match"
	"github.com/mbd888/wagerescrow/internal/metrics"
	"github.com/mbd888/wagerescrow/internal/notify"
	"github.com/mbd888/wagerescrow/internal/ratelimit"
	"github.com/mbd888/wagerescrow/internal/realtime"
	"github.com/mbd888/wagerescrow/internal/reconciliation"
	"github.com/mbd888/wagerescrow/internal/retry"
	"github.com/mbd888/wagerescrow/internal/security"
	"github.com/mbd888/wagerescrow/internal/settlement"
	"github.com/mbd888/wagerescrow/internal/store/memory"
	"github.com/mbd888/wagerescrow/internal/store/postgres"
	"github.com/mbd888/wagerescrow/internal/traces"
	"github.com/mbd888/wagerescrow/internal/validation"
	"github.com/mbd888/wagerescrow/migrations"
)

// Version is reported by /health and in trace resources. Set by main.
var Version = "dev"

// Store is everything the services need from a storage backend. Both
// *memory.Store and *postgres.Store implement it.
type Store interface {
	ledger.Store
	escrow.Store
	match.Store
	settlement.Store
	settlement.StepStore
	settlement.AtomicStore
	settlement.CapabilityStore
	reconciliation.Store
	reconciliation.UnpaidLister
	health.Pinger
}

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	store  Store
	db     *sql.DB // nil when using in-memory storage
	logger *slog.Logger

	ledger      *ledger.Service
	escrow      *escrow.Manager
	escrowTimer *escrow.Timer
	guard       *settlement.Guard
	matches     *match.Service
	matchTimer  *match.Timer
	reconciler  *reconciliation.Service
	runner      *reconciliation.Runner
	reconTimer  *reconciliation.Timer
	hub         *realtime.Hub
	webhook     *notify.WebhookSink
	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	router         *gin.Engine
	httpSrv        *http.Server
	cancelRunCtx   context.CancelFunc
	shutdownTraces func(context.Context) error
	drainDelay     time.Duration

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore injects a storage backend instead of opening one from config.
func WithStore(store Store) Option {
	return func(s *Server) {
		s.store = store
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTraces = shutdownTraces

	if s.store == nil {
		if err := s.openStore(ctx); err != nil {
			return nil, err
		}
	}

	if err := s.buildServices(ctx); err != nil {
		return nil, err
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	s.healthy.Store(true)

	return s, nil
}

// openStore uses Postgres when DATABASE_URL is set, otherwise memory.
func (s *Server) openStore(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage; balances are lost on restart")
		s.store = memory.New()
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	applied, err := migrations.Up(ctx, db)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	s.db = db
	s.store = postgres.New(db)
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL), "migrations_applied", applied)
	return nil
}

func (s *Server) buildServices(ctx context.Context) error {
	cfg := s.cfg
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.SettlementAttempts

	s.hub = realtime.NewHub(logging.Component(s.logger, "realtime"))
	events := notify.Multi{s.hub}
	if cfg.NotifyWebhookURL != "" {
		if err := security.ValidateWebhookURL(cfg.NotifyWebhookURL, cfg.IsDevelopment(), nil); err != nil {
			return fmt.Errorf("NOTIFY_WEBHOOK_URL: %w", err)
		}
		s.webhook = notify.NewWebhookSink(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret, logging.Component(s.logger, "webhook"))
		events = append(events, s.webhook)
		s.logger.Info("webhook notifications enabled")
	}

	s.ledger = ledger.New(s.store)
	s.escrow = escrow.NewManager(s.store, events, s.logger).WithRetryPolicy(policy)

	primary := settlement.NewPrimary(s.store)
	fallback := settlement.NewFallback(s.store, s.escrow, s.ledger, s.logger)
	strategy, err := settlement.SelectStrategy(ctx, s.store, primary, fallback, cfg.ForceFallbackSettlement, s.logger)
	if err != nil {
		return err
	}

	s.reconciler = reconciliation.NewService(s.store, s.logger)
	s.guard = settlement.NewGuard(s.store, strategy, events, s.logger).
		WithRetryPolicy(policy).
		WithPostCheck(s.reconciler, cfg.PostCheckDelay)

	s.matches = match.NewService(s.store, s.escrow, s.guard, events, match.Config{
		DefaultFeePercent: cfg.DefaultFeePercent,
		MaxStake:          cfg.MaxStake,
		JoinTimeout:       cfg.JoinTimeout,
		ResultDueAfter:    cfg.ResultDueAfter,
		EvidenceWindow:    cfg.EvidenceWindow,
	}, s.logger)

	s.matchTimer = match.NewTimer(s.matches, cfg.MatchSweepInterval, logging.Component(s.logger, "match"))
	s.escrowTimer = escrow.NewTimer(s.escrow, cfg.HoldSweepInterval, cfg.StrandedHoldGrace, logging.Component(s.logger, "escrow"))
	s.runner = reconciliation.NewRunner(s.reconciler, s.store, s.guard, s.escrow,
		reconciliation.RunnerConfig{StrandedGrace: cfg.StrandedHoldGrace}, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.runner, cfg.ReconcileInterval, logging.Component(s.logger, "reconciliation"))

	s.health = health.NewRegistry(5 * time.Second)
	s.health.Register("store", health.Ping(s.store))
	s.health.Register("match_timer", health.Running(s.matchTimer.Running))
	s.health.Register("escrow_timer", health.Running(s.escrowTimer.Running))
	s.health.Register("reconciliation_timer", health.Running(s.reconTimer.Running))
	s.health.Register("settlement_path", health.Info(func() string { return string(s.guard.Path()) }))
	return nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(auth.Identity())
	s.router.Use(s.loggingMiddleware())

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         max(1, s.cfg.RateLimitRPM/6),
		CleanupInterval:   time.Minute,
	})
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.RequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Debug("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	matchHandler := match.NewHandler(s.matches)
	ledgerHandler := ledger.NewHandler(s.ledger)
	settlementHandler := settlement.NewHandler(s.guard)
	escrowHandler := escrow.NewHandler(s.escrow)
	reconHandler := reconciliation.NewHandler(s.reconciler, s.runner)

	v1 := s.router.Group("/v1")
	v1.Use(s.rateLimiter.Middleware(), validation.IDParamMiddleware("id"))
	v1.GET("/ws", func(c *gin.Context) { s.hub.HandleWebSocket(c.Writer, c.Request) })
	v1.GET("/realtime/stats", func(c *gin.Context) { c.JSON(http.StatusOK, s.hub.Stats()) })

	matchHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterRoutes(v1)
	settlementHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireUser())
	matchHandler.RegisterProtectedRoutes(protected)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret, s.cfg.IsDevelopment()))
	matchHandler.RegisterAdminRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	escrowHandler.RegisterAdminRoutes(admin)
	reconHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())
	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background loops. Run calls it; tests may call it
// directly with a cancellable context.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.hub.Run(runCtx)
	if s.webhook != nil {
		go s.webhook.Run(runCtx)
	}
	go s.matchTimer.Start(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.reconTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// One pass at startup finishes anything a previous process left behind.
	s.reconTimer.Trigger()

	s.ready.Store(true)
	s.logger.Info("server ready", "settlement_path", s.guard.Path())
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env, "version", Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.drainDelay > 0 {
		time.Sleep(s.drainDelay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	s.matchTimer.Stop()
	s.escrowTimer.Stop()
	s.reconTimer.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.rateLimiter.Stop()

	// post-checks skipped here are picked up by the next reconciliation run
	s.guard.Close()

	if err := s.shutdownTraces(ctx); err != nil {
		s.logger.Warn("trace exporter shutdown error", "error", err)
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
			errs = append(errs, err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
