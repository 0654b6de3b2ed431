// Command server runs the step-up payment verification API.
package main

import (
	"context"
	"os"

	"github.com/mbd888/stepup/internal/config"
	"github.com/mbd888/stepup/internal/logging"
	"github.com/mbd888/stepup/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until config decides level and format
	logger := logging.New("info", "text")

	logger.Info("starting stepup",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
		"stripe", cfg.StripeSecretKey != "",
		"challenge_ttl", cfg.ChallengeTTL.String(),
	)

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
