// Command worker runs the job claim loop as a standalone process, for
// deployments that scale the worker tier separately from HTTP. The loop is
// identical to the one cmd/server embeds; replicas coexist because claims
// use FOR UPDATE SKIP LOCKED.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danieloza/backoffice/internal/adapter/observability"
	"github.com/danieloza/backoffice/internal/adapter/provider"
	"github.com/danieloza/backoffice/internal/adapter/repo/postgres"
	"github.com/danieloza/backoffice/internal/app"
	"github.com/danieloza/backoffice/internal/config"
	"github.com/danieloza/backoffice/internal/usecase"
	"github.com/danieloza/backoffice/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register Prometheus metrics in the worker process and expose them on a
	// dedicated listener so Prometheus can scrape job-queue metrics and the
	// orchestrator can probe liveness.
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	store := postgres.NewStore(pool)
	users := postgres.NewUserRepo(store)
	ledgerRepo := postgres.NewLedgerRepo(store)
	jobs := postgres.NewJobRepo(store)
	jobEvents := postgres.NewJobEventRepo(store)
	deadLetters := postgres.NewDeadLetterRepo(store)
	ops := postgres.NewOpsRepo(store)

	ledgerSvc := usecase.NewLedgerService(users, ledgerRepo)
	processSvc := usecase.NewProcessService(store, jobs, jobEvents, ledgerSvc, deadLetters)

	wk := worker.New(processSvc, provider.NewMock(), cfg.ReplicatePollTimeout()+time.Minute)
	wk.Register(provider.NewReplicate(cfg))

	// The sweeper rides along so a split deployment (server with
	// MVP_WORKER_ENABLED=false) still recovers stale jobs.
	sweeper := app.NewStaleSweeper(processSvc, ops, cfg.StaleAfter())

	var bg sync.WaitGroup
	bg.Add(1)
	go func() { defer bg.Done(); wk.Run(ctx) }()
	bg.Add(1)
	go func() { defer bg.Done(); sweeper.Run(ctx) }()

	slog.Info("worker started, send TERM or INT to terminate")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	slog.Info("signal received, shutting down", slog.String("signal", sig.String()))

	// Stop claiming and let the in-flight settle finish.
	cancel()
	done := make(chan struct{})
	go func() { bg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(cfg.ServerShutdownTimeout):
		slog.Warn("claim loop did not stop in time")
	}
	slog.Info("worker stopped")
}
