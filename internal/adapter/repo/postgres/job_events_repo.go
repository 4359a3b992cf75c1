package postgres

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/danieloza/backoffice/internal/domain"
)

// JobEventRepo appends and lists the per-job history.
type JobEventRepo struct{ store *Store }

// NewJobEventRepo constructs a JobEventRepo on the shared store.
func NewJobEventRepo(s *Store) *JobEventRepo { return &JobEventRepo{store: s} }

// Append records one history event.
func (r *JobEventRepo) Append(ctx domain.Context, jobID int64, eventType domain.JobEventType, payload json.RawMessage) error {
	tracer := otel.Tracer("repo.job_events")
	ctx, span := tracer.Start(ctx, "job_events.Append")
	defer span.End()
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	_, err := r.store.q(ctx).Exec(ctx,
		`INSERT INTO job_events (job_id, event_type, payload) VALUES ($1, $2, $3)`,
		jobID, eventType, payload)
	if err != nil {
		return fmt.Errorf("op=job_event.append: %w", err)
	}
	return nil
}

// ListByJob returns the job's history oldest first.
func (r *JobEventRepo) ListByJob(ctx domain.Context, jobID int64, limit int) ([]domain.JobEvent, error) {
	tracer := otel.Tracer("repo.job_events")
	ctx, span := tracer.Start(ctx, "job_events.ListByJob")
	defer span.End()
	rows, err := r.store.q(ctx).Query(ctx,
		`SELECT id, job_id, event_type, payload, created_at FROM job_events WHERE job_id=$1 ORDER BY id LIMIT $2`,
		jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job_event.list: %w", err)
	}
	defer rows.Close()
	var out []domain.JobEvent
	for rows.Next() {
		var e domain.JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=job_event.list: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job_event.list: %w", err)
	}
	return out, nil
}
