package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/danieloza/backoffice/internal/adapter/observability"
	"github.com/danieloza/backoffice/internal/domain"
	"github.com/danieloza/backoffice/internal/usecase"
)

// StaleSweeper requeues or fails running jobs whose worker died mid-flight.
// It runs once at startup and then on a timer, so a crashed replica's jobs
// come back within one stale window.
type StaleSweeper struct {
	process    usecase.ProcessService
	ops        domain.OpsRepo
	staleAfter time.Duration
	interval   time.Duration
}

// NewStaleSweeper builds a sweeper for the given stale window. The sweep
// interval is half the window, never under 30s.
func NewStaleSweeper(process usecase.ProcessService, ops domain.OpsRepo, staleAfter time.Duration) *StaleSweeper {
	if staleAfter < 30*time.Second {
		staleAfter = 30 * time.Second
	}
	interval := staleAfter / 2
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	return &StaleSweeper{process: process, ops: ops, staleAfter: staleAfter, interval: interval}
}

// Run blocks until ctx is cancelled.
func (s *StaleSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stale job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StaleSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StaleSweeper.sweepOnce")
	defer span.End()

	const batchSize = 100
	cutoff := time.Now().UTC().Add(-s.staleAfter)
	span.SetAttributes(
		attribute.Int("jobs.batch_size", batchSize),
		attribute.Float64("jobs.stale_after_seconds", s.staleAfter.Seconds()),
	)

	recovered, err := s.process.RecoverStale(ctx, cutoff, batchSize)
	if err != nil {
		span.RecordError(err)
		slog.Error("stale job sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("jobs.recovered", recovered))
	if recovered > 0 {
		slog.Info("stale jobs recovered", slog.Int("count", recovered))
	}

	if s.ops != nil {
		snap, err := s.ops.Snapshot(ctx, time.Now().UTC())
		if err != nil {
			slog.Warn("queue depth refresh failed", slog.Any("error", err))
			return
		}
		observability.QueueDepth.Set(float64(snap.JobsByStatus[string(domain.JobQueued)]))
	}
}
