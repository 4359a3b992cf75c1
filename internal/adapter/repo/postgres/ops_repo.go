package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/danieloza/backoffice/internal/domain"
)

// OpsRepo aggregates the operational snapshot served by the admin API.
type OpsRepo struct{ store *Store }

// NewOpsRepo constructs an OpsRepo on the shared store.
func NewOpsRepo(s *Store) *OpsRepo { return &OpsRepo{store: s} }

// Snapshot computes queue depth per status, recent failure counts and the
// p95 runtime of jobs finished in the last 24h.
func (r *OpsRepo) Snapshot(ctx domain.Context, now time.Time) (domain.OpsSnapshot, error) {
	tracer := otel.Tracer("repo.ops")
	ctx, span := tracer.Start(ctx, "ops.Snapshot")
	defer span.End()

	snap := domain.OpsSnapshot{JobsByStatus: map[string]int64{
		"queued": 0, "running": 0, "succeeded": 0, "failed": 0,
	}}
	hourAgo := now.Add(-time.Hour)
	dayAgo := now.Add(-24 * time.Hour)

	rows, err := r.store.q(ctx).Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return snap, fmt.Errorf("op=ops.jobs_by_status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return snap, fmt.Errorf("op=ops.jobs_by_status: %w", err)
		}
		snap.JobsByStatus[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("op=ops.jobs_by_status: %w", err)
	}

	err = r.store.q(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_events WHERE status='failed' AND received_at >= $1`,
		hourAgo).Scan(&snap.WebhookFailures1h)
	if err != nil {
		return snap, fmt.Errorf("op=ops.webhook_failures: %w", err)
	}

	err = r.store.q(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status='failed' AND finished_at >= $1`,
		hourAgo).Scan(&snap.JobFailures1h)
	if err != nil {
		return snap, fmt.Errorf("op=ops.job_failures: %w", err)
	}

	err = r.store.q(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE created_at >= $1`,
		dayAgo).Scan(&snap.DeadLetters24h)
	if err != nil {
		return snap, fmt.Errorf("op=ops.dead_letters: %w", err)
	}

	err = r.store.q(ctx).QueryRow(ctx,
		`SELECT COALESCE(percentile_cont(0.95) WITHIN GROUP (
			ORDER BY EXTRACT(EPOCH FROM (finished_at - started_at))), 0)
		FROM jobs
		WHERE status IN ('succeeded', 'failed')
		  AND started_at IS NOT NULL AND finished_at >= $1`,
		dayAgo).Scan(&snap.JobDurationP95s)
	if err != nil {
		return snap, fmt.Errorf("op=ops.duration_p95: %w", err)
	}

	return snap, nil
}
