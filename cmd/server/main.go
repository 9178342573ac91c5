// Finomaly - transaction risk monitoring
package main

import (
	"context"
	"os"

	"github.com/finomaly/finomaly/internal/config"
	"github.com/finomaly/finomaly/internal/logging"
	"github.com/finomaly/finomaly/internal/server"
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
	logger.Info("starting finomaly",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"scoring_url", cfg.ScoringURL,
		"scoring_mode", cfg.ScoringMode,
		"settings_backend", cfg.SettingsBackend,
		"stream", cfg.StreamEnabled(),
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
