package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Retention purges rows past the configured horizon. Ledger entries, jobs,
// dead letters, incidents, tasks and audit rows are kept forever; only
// session and event bookkeeping is trimmed.
type Retention struct {
	Store *Store
	Days  int
}

// NewRetention builds a retention sweeper; days <= 0 disables it.
func NewRetention(s *Store, days int) *Retention {
	return &Retention{Store: s, Days: days}
}

// SweepOnce deletes expired sessions, settled webhook events and job events
// of long-finished jobs in one transaction.
func (r *Retention) SweepOnce(ctx context.Context) error {
	if r.Days <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -r.Days)

	var sessions, webhooks, jobEvents int64
	err := r.Store.WithTx(ctx, func(ctx context.Context) error {
		tag, err := r.Store.q(ctx).Exec(ctx,
			`DELETE FROM auth_sessions
			WHERE expires_at < $1 OR (revoked_at IS NOT NULL AND revoked_at < $1)`, cutoff)
		if err != nil {
			return fmt.Errorf("op=retention.sessions: %w", err)
		}
		sessions = tag.RowsAffected()

		tag, err = r.Store.q(ctx).Exec(ctx,
			`DELETE FROM webhook_events
			WHERE received_at < $1 AND status IN ('processed', 'duplicate', 'ignored')`, cutoff)
		if err != nil {
			return fmt.Errorf("op=retention.webhooks: %w", err)
		}
		webhooks = tag.RowsAffected()

		tag, err = r.Store.q(ctx).Exec(ctx,
			`DELETE FROM job_events
			WHERE job_id IN (
				SELECT id FROM jobs
				WHERE status IN ('succeeded', 'failed') AND finished_at < $1
			)`, cutoff)
		if err != nil {
			return fmt.Errorf("op=retention.job_events: %w", err)
		}
		jobEvents = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return err
	}

	slog.Info("retention sweep completed",
		slog.Int64("sessions", sessions),
		slog.Int64("webhook_events", webhooks),
		slog.Int64("job_events", jobEvents),
		slog.Time("cutoff", cutoff),
	)
	return nil
}

// RunPeriodic sweeps once at startup and then on the interval until the
// context is cancelled.
func (r *Retention) RunPeriodic(ctx context.Context, interval time.Duration) {
	if r.Days <= 0 {
		return
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if err := r.SweepOnce(ctx); err != nil {
		slog.Error("retention sweep failed", slog.Any("error", err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.SweepOnce(ctx); err != nil {
				slog.Error("retention sweep failed", slog.Any("error", err))
			}
		}
	}
}
