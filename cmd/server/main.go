// Wagerescrow - escrow and settlement for head-to-head wager matches
package main

import (
	"context"
	"os"

	"github.com/mbd888/wagerescrow/internal/config"
	"github.com/mbd888/wagerescrow/internal/logging"
	"github.com/mbd888/wagerescrow/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting wagerescrow",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	storage := "memory"
	if cfg.DatabaseURL != "" {
		storage = "postgres"
	}
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"port", cfg.Port,
		"storage", storage,
		"fee_percent", cfg.DefaultFeePercent,
		"force_fallback_settlement", cfg.ForceFallbackSettlement,
	)

	server.Version = Version

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
