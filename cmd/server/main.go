// Command server starts the backoffice HTTP server. With MVP_WORKER_ENABLED
// it also embeds the job worker and the stale-job sweeper, which is the
// single-binary deployment used everywhere below real production scale.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	stripeadapter "github.com/danieloza/backoffice/internal/adapter/billing/stripe"
	httpserver "github.com/danieloza/backoffice/internal/adapter/httpserver"
	"github.com/danieloza/backoffice/internal/adapter/notify"
	"github.com/danieloza/backoffice/internal/adapter/observability"
	"github.com/danieloza/backoffice/internal/adapter/provider"
	"github.com/danieloza/backoffice/internal/adapter/repo/postgres"
	"github.com/danieloza/backoffice/internal/app"
	"github.com/danieloza/backoffice/internal/config"
	"github.com/danieloza/backoffice/internal/domain"
	"github.com/danieloza/backoffice/internal/service/loginlimit"
	"github.com/danieloza/backoffice/internal/usecase"
	"github.com/danieloza/backoffice/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, job and webhook instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Background loops stop on this context; the HTTP server has its own
	// shutdown below.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	store := postgres.NewStore(pool)
	users := postgres.NewUserRepo(store)
	sessions := postgres.NewSessionRepo(store)
	ledgerRepo := postgres.NewLedgerRepo(store)
	webhooks := postgres.NewWebhookRepo(store)
	jobs := postgres.NewJobRepo(store)
	jobEvents := postgres.NewJobEventRepo(store)
	deadLetters := postgres.NewDeadLetterRepo(store)
	incidents := postgres.NewIncidentRepo(store)
	tasks := postgres.NewTaskRepo(store)
	audits := postgres.NewAuditRepo(store)
	ops := postgres.NewOpsRepo(store)

	// Retention trims session and event bookkeeping; ledger and jobs are
	// kept forever.
	if cfg.RetentionDays > 0 {
		retention := postgres.NewRetention(store, cfg.RetentionDays)
		go retention.RunPeriodic(ctx, 24*time.Hour)
		slog.Info("retention sweeper started", slog.Int("retention_days", cfg.RetentionDays))
	}

	// Login limiter: Redis when configured so lockouts hold across
	// replicas, else in-process.
	var limiter domain.LoginLimiter
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url parse failed", slog.Any("error", err))
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		limiter = loginlimit.NewRedis(rdb, cfg.LoginWindow(), cfg.AuthLoginMaxAttempts, cfg.LoginLock())
		slog.Info("login limiter using redis")
	} else {
		limiter = loginlimit.NewMemory(cfg.LoginWindow(), cfg.AuthLoginMaxAttempts, cfg.LoginLock())
	}

	playbook, err := config.LoadPlaybook(cfg.GuardrailsPlaybookPath)
	if err != nil {
		slog.Error("playbook load failed", slog.Any("error", err))
		os.Exit(1)
	}

	mailer := notify.NewSMTPMailer(cfg)
	slack := notify.NewSlackNotifier(cfg.OpsSlackWebhookURL)

	// Usecases
	ledgerSvc := usecase.NewLedgerService(users, ledgerRepo)
	authSvc := usecase.NewAuthService(store, users, sessions, limiter, cfg.SessionTTL())
	billingSvc := usecase.NewBillingService(store, webhooks, ledgerSvc,
		stripeadapter.NewClient(cfg.StripeSecretKey),
		stripeadapter.NewVerifier(cfg.StripeWebhookSecret),
		cfg.StripeCreditPriceCents)
	processSvc := usecase.NewProcessService(store, jobs, jobEvents, ledgerSvc, deadLetters)
	jobSvc := usecase.NewJobService(store, users, jobs, jobEvents, ledgerSvc, deadLetters, ops)
	guardrailsSvc := usecase.NewGuardrailsService(store, incidents, tasks, audits,
		app.PlaybookFromConfig(playbook), mailer, slack, cfg.OpsAlertEmail)

	dbCheck := func(ctx context.Context) error { return pool.Ping(ctx) }

	srv := httpserver.NewServer(cfg, authSvc, ledgerSvc, billingSvc, jobSvc, guardrailsSvc, dbCheck)

	var bg sync.WaitGroup
	if cfg.WorkerEnabled {
		// The run timeout covers the full Replicate poll budget plus the
		// create call and its retries.
		wk := worker.New(processSvc, provider.NewMock(), cfg.ReplicatePollTimeout()+time.Minute)
		wk.Register(provider.NewReplicate(cfg))
		srv.Worker = func() httpserver.WorkerStatus {
			st := wk.Status()
			return httpserver.WorkerStatus{
				Required:      true,
				Running:       st.Running,
				LastHeartbeat: st.LastHeartbeat,
				Processed:     st.Processed,
				Failures:      st.Failures,
			}
		}
		bg.Add(1)
		go func() { defer bg.Done(); wk.Run(ctx) }()

		sweeper := app.NewStaleSweeper(processSvc, ops, cfg.StaleAfter())
		bg.Add(1)
		go func() { defer bg.Done(); sweeper.Run(ctx) }()
	} else {
		slog.Info("embedded worker disabled")
	}

	if cfg.SeedDemo && cfg.IsDev() {
		seedDemo(ctx, store, authSvc, ledgerSvc)
	}

	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancelShutdown()
	_ = srvHTTP.Shutdown(shutdownCtx)

	// Stop the claim loop and sweeper, then wait so an in-flight job can
	// settle before the process exits.
	cancel()
	done := make(chan struct{})
	go func() { bg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(cfg.ServerShutdownTimeout):
		slog.Warn("background loops did not stop in time")
	}
}
