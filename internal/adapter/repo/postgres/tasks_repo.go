package postgres

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/danieloza/backoffice/internal/domain"
)

// TaskRepo persists incident follow-up tasks.
type TaskRepo struct{ store *Store }

// NewTaskRepo constructs a TaskRepo on the shared store.
func NewTaskRepo(s *Store) *TaskRepo { return &TaskRepo{store: s} }

const taskCols = `id, incident_id, status, owner, priority, due_at, title, action_type, payload,
	updated_at, done_at, overdue_since, retry_count, reopen_count,
	COALESCE(last_sla_alert_bucket, ''), last_sla_alert_at, created_at`

func scanTask(row pgx.Row) (domain.IncidentTask, error) {
	var t domain.IncidentTask
	err := row.Scan(&t.ID, &t.IncidentID, &t.Status, &t.Owner, &t.Priority, &t.DueAt, &t.Title,
		&t.ActionType, &t.Payload, &t.UpdatedAt, &t.DoneAt, &t.OverdueSince,
		&t.RetryCount, &t.ReopenCount, &t.LastSLAAlertBucket, &t.LastSLAAlertAt, &t.CreatedAt)
	return t, err
}

// Insert creates a task.
func (r *TaskRepo) Insert(ctx domain.Context, t domain.IncidentTask) (domain.IncidentTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Insert")
	defer span.End()
	payload := t.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	q := `INSERT INTO incident_tasks (incident_id, status, owner, priority, due_at, title, action_type, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + taskCols
	ins, err := scanTask(r.store.q(ctx).QueryRow(ctx, q,
		t.IncidentID, t.Status, t.Owner, t.Priority, t.DueAt, t.Title, t.ActionType, payload))
	if err != nil {
		return domain.IncidentTask{}, fmt.Errorf("op=task.insert: %w", err)
	}
	return ins, nil
}

// ByID loads one task.
func (r *TaskRepo) ByID(ctx domain.Context, id int64) (domain.IncidentTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ByID")
	defer span.End()
	t, err := scanTask(r.store.q(ctx).QueryRow(ctx,
		`SELECT `+taskCols+` FROM incident_tasks WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.IncidentTask{}, fmt.Errorf("op=task.by_id: %w", domain.ErrNotFound)
		}
		return domain.IncidentTask{}, fmt.Errorf("op=task.by_id: %w", err)
	}
	return t, nil
}

// LockByID loads a task under FOR UPDATE for the optimistic-concurrency
// check and the subsequent write.
func (r *TaskRepo) LockByID(ctx domain.Context, id int64) (domain.IncidentTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.LockByID")
	defer span.End()
	t, err := scanTask(r.store.q(ctx).QueryRow(ctx,
		`SELECT `+taskCols+` FROM incident_tasks WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.IncidentTask{}, fmt.Errorf("op=task.lock: %w", domain.ErrNotFound)
		}
		return domain.IncidentTask{}, fmt.Errorf("op=task.lock: %w", err)
	}
	return t, nil
}

// Update writes the mutable fields; updated_at is set to at, which clients
// echo back as expected_updated_at on their next edit.
func (r *TaskRepo) Update(ctx domain.Context, t domain.IncidentTask, at time.Time) (domain.IncidentTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Update")
	defer span.End()
	payload := t.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	q := `UPDATE incident_tasks SET status=$2, owner=$3, priority=$4, due_at=$5, title=$6, payload=$7,
			done_at=$8, overdue_since=$9, retry_count=$10, reopen_count=$11, updated_at=$12
		WHERE id=$1
		RETURNING ` + taskCols
	u, err := scanTask(r.store.q(ctx).QueryRow(ctx, q,
		t.ID, t.Status, t.Owner, t.Priority, t.DueAt, t.Title, payload,
		t.DoneAt, t.OverdueSince, t.RetryCount, t.ReopenCount, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.IncidentTask{}, fmt.Errorf("op=task.update: %w", domain.ErrNotFound)
		}
		return domain.IncidentTask{}, fmt.Errorf("op=task.update: %w", err)
	}
	return u, nil
}

// List returns tasks matching the filter, most recently updated first.
func (r *TaskRepo) List(ctx domain.Context, f domain.TaskFilter) ([]domain.IncidentTask, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.List")
	defer span.End()
	var (
		where []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		where = append(where, cond+"$"+strconv.Itoa(len(args)))
	}
	if f.Status != "" {
		add("status=", f.Status)
	}
	if f.Owner != "" {
		add("owner=", f.Owner)
	}
	if f.Priority != "" {
		add("priority=", f.Priority)
	}
	if f.IncidentID > 0 {
		add("incident_id=", f.IncidentID)
	}
	if f.OverdueOnly {
		where = append(where, "overdue_since IS NOT NULL")
	}
	q := `SELECT ` + taskCols + ` FROM incident_tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	q += " ORDER BY updated_at DESC, id DESC LIMIT $" + strconv.Itoa(len(args))
	rows, err := r.store.q(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=task.list: %w", err)
	}
	defer rows.Close()
	var out []domain.IncidentTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.list: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.list: %w", err)
	}
	return out, nil
}

// HasActiveForAction reports whether a pending or in-progress task already
// exists for (incident, action_type).
func (r *TaskRepo) HasActiveForAction(ctx domain.Context, incidentID int64, actionType string) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.HasActiveForAction")
	defer span.End()
	var exists bool
	err := r.store.q(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM incident_tasks
			WHERE incident_id=$1 AND action_type=$2 AND status IN ('pending', 'in_progress'))`,
		incidentID, actionType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("op=task.has_active: %w", err)
	}
	return exists, nil
}

// SetSLAAlert records the alerted bucket. updated_at stays untouched so an
// alert never invalidates a client's expected_updated_at.
func (r *TaskRepo) SetSLAAlert(ctx domain.Context, id int64, bucket domain.SLABucket, at time.Time) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.SetSLAAlert")
	defer span.End()
	_, err := r.store.q(ctx).Exec(ctx,
		`UPDATE incident_tasks SET last_sla_alert_bucket=$2, last_sla_alert_at=$3 WHERE id=$1`,
		id, bucket, at)
	if err != nil {
		return fmt.Errorf("op=task.sla_alert: %w", err)
	}
	return nil
}
