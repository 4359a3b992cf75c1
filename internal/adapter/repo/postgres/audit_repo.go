package postgres

import (
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/danieloza/backoffice/internal/domain"
)

// AuditRepo appends and lists per-task audit rows.
type AuditRepo struct{ store *Store }

// NewAuditRepo constructs an AuditRepo on the shared store.
func NewAuditRepo(s *Store) *AuditRepo { return &AuditRepo{store: s} }

// Append records one task mutation.
func (r *AuditRepo) Append(ctx domain.Context, taskID int64, actor, action string, change json.RawMessage) error {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.Append")
	defer span.End()
	if len(change) == 0 {
		change = []byte(`{}`)
	}
	_, err := r.store.q(ctx).Exec(ctx,
		`INSERT INTO incident_task_audit (task_id, actor, action, change) VALUES ($1, $2, $3, $4)`,
		taskID, actor, action, change)
	if err != nil {
		return fmt.Errorf("op=audit.append: %w", err)
	}
	return nil
}

// List returns the newest audit rows, filtered to one task when taskID > 0.
func (r *AuditRepo) List(ctx domain.Context, taskID int64, limit int) ([]domain.IncidentTaskAudit, error) {
	tracer := otel.Tracer("repo.audit")
	ctx, span := tracer.Start(ctx, "audit.List")
	defer span.End()
	if limit <= 0 {
		limit = 200
	}
	q := `SELECT id, task_id, actor, action, change, created_at
		FROM incident_task_audit`
	args := []any{limit}
	if taskID > 0 {
		q += ` WHERE task_id=$2`
		args = append(args, taskID)
	}
	q += ` ORDER BY id DESC LIMIT $1`
	rows, err := r.store.q(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=audit.list: %w", err)
	}
	defer rows.Close()
	var out []domain.IncidentTaskAudit
	for rows.Next() {
		var a domain.IncidentTaskAudit
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Actor, &a.Action, &a.Change, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=audit.list: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=audit.list: %w", err)
	}
	return out, nil
}
