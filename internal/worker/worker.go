// Package worker runs the job claim loop.
//
// The loop claims one queued job at a time, dispatches it to a provider
// outside any database transaction and settles the outcome in a fresh
// transaction. Multiple replicas are safe because the claim statement uses
// FOR UPDATE SKIP LOCKED.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/danieloza/backoffice/internal/adapter/observability"
	"github.com/danieloza/backoffice/internal/domain"
)

const settleTimeout = 15 * time.Second

// Processor is the slice of the process service the loop drives: one claim
// and the two settle paths. usecase.ProcessService satisfies it.
type Processor interface {
	ClaimNext(ctx domain.Context) (domain.Job, bool, error)
	SettleSuccess(ctx domain.Context, job domain.Job, providerJobID string, result json.RawMessage) error
	SettleFailure(ctx domain.Context, job domain.Job, errText string) error
}

// Status is a point-in-time snapshot of the loop, read by the readiness
// endpoint and the admin ops surface.
type Status struct {
	Running       bool
	LastHeartbeat time.Time
	Processed     uint64
	Failures      uint64
}

// Worker claims queued jobs and drives them to a terminal state through the
// process service. Providers are selected by the job's provider field; an
// unknown provider falls back to the mock adapter so a queued job can never
// wedge the loop.
type Worker struct {
	process    Processor
	providers  map[string]domain.Provider
	fallback   domain.Provider
	runTimeout time.Duration
	idleSleep  time.Duration

	running       atomic.Bool
	lastHeartbeat atomic.Int64
	processed     atomic.Uint64
	failures      atomic.Uint64
}

// New constructs a Worker. fallback handles jobs whose provider name has no
// registered adapter; runTimeout bounds a single provider run.
func New(process Processor, fallback domain.Provider, runTimeout time.Duration) *Worker {
	if runTimeout <= 0 {
		runTimeout = 5 * time.Minute
	}
	w := &Worker{
		process:    process,
		providers:  map[string]domain.Provider{},
		fallback:   fallback,
		runTimeout: runTimeout,
		idleSleep:  1 * time.Second,
	}
	if fallback != nil {
		w.Register(fallback)
	}
	return w
}

// Register adds a provider adapter, keyed by its lowercased name.
func (w *Worker) Register(p domain.Provider) {
	w.providers[strings.ToLower(strings.TrimSpace(p.Name()))] = p
}

// Run executes the claim loop until ctx is cancelled. Shutdown is
// cooperative: cancellation stops further claims and aborts the in-flight
// provider call, while the final settle transaction runs on its own context
// so it can still commit.
func (w *Worker) Run(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)
	slog.Info("worker started", slog.Duration("run_timeout", w.runTimeout))
	for {
		if ctx.Err() != nil {
			slog.Info("worker stopped")
			return
		}
		w.beat()
		job, ok, err := w.process.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("worker stopped")
				return
			}
			w.failures.Add(1)
			slog.Error("job claim failed", slog.Any("error", err))
			w.idle(ctx)
			continue
		}
		if !ok {
			w.idle(ctx)
			continue
		}
		w.runJob(ctx, job)
	}
}

// Status reports the loop state for readiness and ops metrics.
func (w *Worker) Status() Status {
	var hb time.Time
	if ns := w.lastHeartbeat.Load(); ns > 0 {
		hb = time.Unix(0, ns).UTC()
	}
	return Status{
		Running:       w.running.Load(),
		LastHeartbeat: hb,
		Processed:     w.processed.Load(),
		Failures:      w.failures.Load(),
	}
}

// runJob dispatches one claimed job and settles the outcome. Provider I/O is
// bounded by runTimeout; the settle transaction gets a background context so
// shutdown cannot abort it mid-commit.
func (w *Worker) runJob(ctx context.Context, job domain.Job) {
	tracer := otel.Tracer("worker.loop")
	ctx, span := tracer.Start(ctx, "worker.RunJob")
	defer span.End()

	p := w.providerFor(job.Provider)
	slog.Info("job claimed",
		slog.Int64("job_id", job.ID),
		slog.String("provider", p.Name()),
		slog.String("operation", job.Operation),
		slog.Int("attempt", job.AttemptCount),
		slog.Int("max_attempts", job.MaxAttempts))
	observability.ClaimJob(p.Name())
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, w.runTimeout)
	providerJobID, result, err := p.Run(runCtx, job)
	cancel()
	dur := time.Since(start)

	settleCtx, cancelSettle := context.WithTimeout(context.Background(), settleTimeout)
	defer cancelSettle()

	if err != nil {
		observability.FailJob(p.Name(), dur)
		span.RecordError(err)
		slog.Warn("provider run failed",
			slog.Int64("job_id", job.ID),
			slog.String("provider", p.Name()),
			slog.Int("attempt", job.AttemptCount),
			slog.Duration("elapsed", dur),
			slog.Any("error", err))
		if serr := w.process.SettleFailure(settleCtx, job, err.Error()); serr != nil {
			w.failures.Add(1)
			slog.Error("job settle failed", slog.Int64("job_id", job.ID), slog.Any("error", serr))
			return
		}
		if job.AttemptCount >= job.MaxAttempts {
			observability.DeadLetterJob(p.Name())
		}
		w.processed.Add(1)
		return
	}

	if serr := w.process.SettleSuccess(settleCtx, job, providerJobID, result); serr != nil {
		observability.FailJob(p.Name(), dur)
		w.failures.Add(1)
		slog.Error("job settle failed", slog.Int64("job_id", job.ID), slog.Any("error", serr))
		return
	}
	observability.CompleteJob(p.Name(), dur)
	slog.Info("job succeeded",
		slog.Int64("job_id", job.ID),
		slog.String("provider", p.Name()),
		slog.Int("attempt", job.AttemptCount),
		slog.Duration("elapsed", dur))
	w.processed.Add(1)
}

func (w *Worker) providerFor(name string) domain.Provider {
	if p, ok := w.providers[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p
	}
	return w.fallback
}

func (w *Worker) beat() {
	now := time.Now().UTC()
	w.lastHeartbeat.Store(now.UnixNano())
	observability.Heartbeat(now)
}

func (w *Worker) idle(ctx context.Context) {
	t := time.NewTimer(w.idleSleep)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
