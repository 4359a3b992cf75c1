package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/danieloza/backoffice/internal/domain"
)

// DeadLetterRepo records jobs that exhausted their retry budget.
type DeadLetterRepo struct{ store *Store }

// NewDeadLetterRepo constructs a DeadLetterRepo on the shared store.
func NewDeadLetterRepo(s *Store) *DeadLetterRepo { return &DeadLetterRepo{store: s} }

// Insert is idempotent per job: created=false means a dead letter already
// exists for the job.
func (r *DeadLetterRepo) Insert(ctx domain.Context, d domain.DeadLetter) (bool, error) {
	tracer := otel.Tracer("repo.dead_letters")
	ctx, span := tracer.Start(ctx, "dead_letters.Insert")
	defer span.End()
	payload := d.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	q := `INSERT INTO dead_letters (job_id, user_id, reason, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO NOTHING
		RETURNING id`
	var id int64
	err := r.store.q(ctx).QueryRow(ctx, q, d.JobID, d.UserID, d.Reason, payload).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("op=dead_letter.insert: %w", err)
	}
	return true, nil
}

// List returns the newest dead letters first.
func (r *DeadLetterRepo) List(ctx domain.Context, limit int) ([]domain.DeadLetter, error) {
	tracer := otel.Tracer("repo.dead_letters")
	ctx, span := tracer.Start(ctx, "dead_letters.List")
	defer span.End()
	rows, err := r.store.q(ctx).Query(ctx,
		`SELECT id, job_id, user_id, reason, payload, created_at FROM dead_letters ORDER BY created_at DESC, id DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("op=dead_letter.list: %w", err)
	}
	defer rows.Close()
	var out []domain.DeadLetter
	for rows.Next() {
		var d domain.DeadLetter
		if err := rows.Scan(&d.ID, &d.JobID, &d.UserID, &d.Reason, &d.Payload, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=dead_letter.list: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=dead_letter.list: %w", err)
	}
	return out, nil
}
