package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/danieloza/backoffice/internal/domain"
)

// JobRepo persists jobs and implements the single-flight claim.
type JobRepo struct{ store *Store }

// NewJobRepo constructs a JobRepo on the shared store.
func NewJobRepo(s *Store) *JobRepo { return &JobRepo{store: s} }

const jobCols = `id, user_id, provider, operation, input, status, attempt_count, max_attempts, credits_cost,
	available_at, started_at, finished_at, COALESCE(provider_job_id, ''), result, COALESCE(last_error, ''),
	idem_key, created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.UserID, &j.Provider, &j.Operation, &j.Input, &j.Status,
		&j.AttemptCount, &j.MaxAttempts, &j.CreditsCost, &j.AvailableAt, &j.StartedAt,
		&j.FinishedAt, &j.ProviderJobID, &j.Result, &j.LastError, &j.IdemKey,
		&j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// Insert creates a queued job. ErrConflict on an idem_key race for the
// same user.
func (r *JobRepo) Insert(ctx domain.Context, j domain.Job) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Insert")
	defer span.End()
	span.SetAttributes(attribute.String("job.provider", j.Provider), attribute.String("job.operation", j.Operation))
	input := j.Input
	if len(input) == 0 {
		input = []byte(`{}`)
	}
	q := `INSERT INTO jobs (user_id, provider, operation, input, status, attempt_count, max_attempts, credits_cost, available_at, idem_key)
		VALUES ($1, $2, $3, $4, 'queued', 0, $5, $6, $7, $8)
		RETURNING ` + jobCols
	ins, err := scanJob(r.store.q(ctx).QueryRow(ctx, q,
		j.UserID, j.Provider, j.Operation, input, j.MaxAttempts, j.CreditsCost, j.AvailableAt, j.IdemKey))
	if err != nil {
		if IsUniqueViolation(err) {
			return domain.Job{}, fmt.Errorf("op=job.insert: idem key race: %w", domain.ErrConflict)
		}
		return domain.Job{}, fmt.Errorf("op=job.insert: %w", err)
	}
	return ins, nil
}

// ByID loads a job by id.
func (r *JobRepo) ByID(ctx domain.Context, id int64) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ByID")
	defer span.End()
	j, err := scanJob(r.store.q(ctx).QueryRow(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.by_id: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.by_id: %w", err)
	}
	return j, nil
}

// ByIDForUser loads a job scoped to its owner.
func (r *JobRepo) ByIDForUser(ctx domain.Context, id, userID int64) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ByIDForUser")
	defer span.End()
	j, err := scanJob(r.store.q(ctx).QueryRow(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE id=$1 AND user_id=$2`, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.by_id_user: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.by_id_user: %w", err)
	}
	return j, nil
}

// LockByID re-locks a job row for settlement.
func (r *JobRepo) LockByID(ctx domain.Context, id int64) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.LockByID")
	defer span.End()
	j, err := scanJob(r.store.q(ctx).QueryRow(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.lock: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.lock: %w", err)
	}
	return j, nil
}

// ByIdemKey loads the job a user created under an idempotency key.
func (r *JobRepo) ByIdemKey(ctx domain.Context, userID int64, key string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ByIdemKey")
	defer span.End()
	j, err := scanJob(r.store.q(ctx).QueryRow(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE user_id=$1 AND idem_key=$2 LIMIT 1`, userID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.by_idem: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.by_idem: %w", err)
	}
	return j, nil
}

// ListByUser returns the user's newest jobs first.
func (r *JobRepo) ListByUser(ctx domain.Context, userID int64, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListByUser")
	defer span.End()
	rows, err := r.store.q(ctx).Query(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE user_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	return out, nil
}

// ClaimNext atomically claims the oldest runnable queued job and moves it to
// running. SKIP LOCKED keeps concurrent workers from double-claiming;
// attempt_count increments on claim. ErrNotFound when the queue is empty.
func (r *JobRepo) ClaimNext(ctx domain.Context, now time.Time) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClaimNext")
	defer span.End()
	q := `WITH next AS (
			SELECT id FROM jobs
			WHERE status='queued' AND available_at <= $1
			ORDER BY available_at, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE jobs j
		SET status='running', attempt_count=j.attempt_count+1,
			started_at=COALESCE(j.started_at, $1), updated_at=$1
		FROM next WHERE j.id=next.id
		RETURNING j.id, j.user_id, j.provider, j.operation, j.input, j.status, j.attempt_count, j.max_attempts,
			j.credits_cost, j.available_at, j.started_at, j.finished_at, COALESCE(j.provider_job_id, ''), j.result,
			COALESCE(j.last_error, ''), j.idem_key, j.created_at, j.updated_at`
	j, err := scanJob(r.store.q(ctx).QueryRow(ctx, q, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, domain.ErrNotFound
		}
		return domain.Job{}, fmt.Errorf("op=job.claim: %w", err)
	}
	return j, nil
}

// Requeue schedules a retry.
func (r *JobRepo) Requeue(ctx domain.Context, id int64, availableAt time.Time, lastError string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Requeue")
	defer span.End()
	_, err := r.store.q(ctx).Exec(ctx,
		`UPDATE jobs SET status='queued', available_at=$2, last_error=$3, updated_at=now() WHERE id=$1`,
		id, availableAt, lastError)
	if err != nil {
		return fmt.Errorf("op=job.requeue: %w", err)
	}
	return nil
}

// MarkSucceeded finalizes a successful run. A non-empty providerJobID wins
// over a previously stored one.
func (r *JobRepo) MarkSucceeded(ctx domain.Context, id int64, result json.RawMessage, providerJobID string, at time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkSucceeded")
	defer span.End()
	res := result
	if len(res) == 0 {
		res = []byte(`{}`)
	}
	_, err := r.store.q(ctx).Exec(ctx,
		`UPDATE jobs SET status='succeeded', result=$2,
			provider_job_id=COALESCE(NULLIF($3, ''), provider_job_id),
			finished_at=$4, updated_at=$4, last_error=NULL
		WHERE id=$1`, id, res, providerJobID, at)
	if err != nil {
		return fmt.Errorf("op=job.succeed: %w", err)
	}
	return nil
}

// MarkFailed finalizes a permanently failed job.
func (r *JobRepo) MarkFailed(ctx domain.Context, id int64, lastError string, at time.Time) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkFailed")
	defer span.End()
	_, err := r.store.q(ctx).Exec(ctx,
		`UPDATE jobs SET status='failed', last_error=$2, finished_at=$3, updated_at=$3 WHERE id=$1`,
		id, lastError, at)
	if err != nil {
		return fmt.Errorf("op=job.fail: %w", err)
	}
	return nil
}

// StaleRunning lists running jobs whose updated_at fell behind the stale
// horizon, oldest first. The sweeper re-locks each one in its own
// transaction before acting.
func (r *JobRepo) StaleRunning(ctx domain.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.StaleRunning")
	defer span.End()
	rows, err := r.store.q(ctx).Query(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE status='running' AND updated_at < $1 ORDER BY updated_at LIMIT $2`,
		olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.stale: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.stale: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.stale: %w", err)
	}
	return out, nil
}
