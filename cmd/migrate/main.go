// Command migrate applies the embedded schema migrations and exits. The
// server also migrates at startup; this binary exists for pipelines that
// want the schema settled before rollout.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/danieloza/backoffice/internal/adapter/observability"
	"github.com/danieloza/backoffice/internal/adapter/repo/postgres"
	"github.com/danieloza/backoffice/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("migrate failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("migrations applied")
}
