package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danieloza/backoffice/internal/domain"
)

// JobService creates and reads jobs. Creation pairs the queued row with its
// opening credit hold in one transaction; moving jobs out of queued/running
// belongs to ProcessService.
type JobService struct {
	Tx     domain.TxRunner
	Users  domain.UserRepo
	Jobs   domain.JobRepo
	Events domain.JobEventRepo
	Ledger LedgerService
	Dead   domain.DeadLetterRepo
	Ops    domain.OpsRepo
}

// NewJobService constructs a JobService with its dependencies.
func NewJobService(tx domain.TxRunner, u domain.UserRepo, j domain.JobRepo, e domain.JobEventRepo, l LedgerService, d domain.DeadLetterRepo, o domain.OpsRepo) JobService {
	return JobService{Tx: tx, Users: u, Jobs: j, Events: e, Ledger: l, Dead: d, Ops: o}
}

// CreateJobInput is the validated request to enqueue work.
type CreateJobInput struct {
	Provider    string          `json:"provider" validate:"required,min=2,max=80"`
	Operation   string          `json:"operation" validate:"required,min=2,max=120"`
	Input       json.RawMessage `json:"input"`
	CreditsCost int64           `json:"credits_cost" validate:"min=1,max=1000000"`
	MaxAttempts int             `json:"max_attempts" validate:"min=1,max=20"`
	// IdemKey comes from the Idempotency-Key header, not the body.
	IdemKey string `json:"-"`
}

// CreatedJob is the creation response: the job plus the balance the hold
// left behind. Replayed is true when an idempotency key matched a prior
// call and no second hold was placed.
type CreatedJob struct {
	Job          domain.Job
	BalanceAfter int64
	Replayed     bool
}

// CreateJob places the credit hold and enqueues the job atomically.
func (s JobService) CreateJob(ctx domain.Context, userID int64, in CreateJobInput) (CreatedJob, error) {
	if in.Provider == "" || in.Operation == "" {
		return CreatedJob{}, fmt.Errorf("%w: provider and operation required", domain.ErrInvalidArgument)
	}
	if in.CreditsCost < 1 {
		return CreatedJob{}, fmt.Errorf("%w: credits_cost must be >= 1", domain.ErrInvalidArgument)
	}
	if in.MaxAttempts < 1 || in.MaxAttempts > 20 {
		return CreatedJob{}, fmt.Errorf("%w: max_attempts must be in range 1..20", domain.ErrInvalidArgument)
	}
	if in.IdemKey != "" {
		if replay, ok, err := s.replayByIdemKey(ctx, userID, in.IdemKey); err != nil {
			return CreatedJob{}, err
		} else if ok {
			return replay, nil
		}
	}

	var out CreatedJob
	err := s.Tx.WithTx(ctx, func(ctx domain.Context) error {
		if _, err := s.Users.LockByID(ctx, userID); err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: user not found", domain.ErrNotFound)
			}
			return err
		}
		var key *string
		if in.IdemKey != "" {
			key = &in.IdemKey
		}
		job, err := s.Jobs.Insert(ctx, domain.Job{
			UserID:      userID,
			Provider:    in.Provider,
			Operation:   in.Operation,
			Input:       in.Input,
			MaxAttempts: in.MaxAttempts,
			CreditsCost: in.CreditsCost,
			AvailableAt: time.Now().UTC(),
			IdemKey:     key,
		})
		if err != nil {
			return err
		}
		hold, err := s.Ledger.PlaceHold(ctx, userID, job.ID, in.CreditsCost)
		if err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]int64{
			"credits_cost":   in.CreditsCost,
			"balance_before": hold.BalanceBefore,
			"balance_after":  hold.BalanceAfter,
		})
		if err := s.Events.Append(ctx, job.ID, domain.JobEventQueued, payload); err != nil {
			return err
		}
		out = CreatedJob{Job: job, BalanceAfter: hold.BalanceAfter}
		return nil
	})
	if err != nil {
		// Two concurrent calls with the same key: the loser of the unique
		// race returns the winner's job.
		if in.IdemKey != "" && errors.Is(err, domain.ErrConflict) {
			if replay, ok, rerr := s.replayByIdemKey(ctx, userID, in.IdemKey); rerr == nil && ok {
				return replay, nil
			}
		}
		return CreatedJob{}, err
	}
	return out, nil
}

func (s JobService) replayByIdemKey(ctx domain.Context, userID int64, key string) (CreatedJob, bool, error) {
	job, err := s.Jobs.ByIdemKey(ctx, userID, key)
	if err != nil {
		if isNotFound(err) {
			return CreatedJob{}, false, nil
		}
		return CreatedJob{}, false, err
	}
	balance, err := s.Ledger.Balance(ctx, userID)
	if err != nil {
		return CreatedJob{}, false, err
	}
	return CreatedJob{Job: job, BalanceAfter: balance, Replayed: true}, true, nil
}

// GetJob returns a user's job with its history, oldest event first.
func (s JobService) GetJob(ctx domain.Context, userID, jobID int64) (domain.Job, []domain.JobEvent, error) {
	job, err := s.Jobs.ByIDForUser(ctx, jobID, userID)
	if err != nil {
		if isNotFound(err) {
			return domain.Job{}, nil, fmt.Errorf("%w: job not found", domain.ErrNotFound)
		}
		return domain.Job{}, nil, err
	}
	events, err := s.Events.ListByJob(ctx, jobID, 1000)
	if err != nil {
		return domain.Job{}, nil, err
	}
	return job, events, nil
}

// ListJobs returns the user's newest jobs first. Limit defaults to 50,
// capped at 200.
func (s JobService) ListJobs(ctx domain.Context, userID int64, limit int) ([]domain.Job, error) {
	if limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return s.Jobs.ListByUser(ctx, userID, limit)
}

// AdjustCredits applies an admin balance correction.
func (s JobService) AdjustCredits(ctx domain.Context, userID, amount int64, reason, idemKey string) (AdjustResult, error) {
	var out AdjustResult
	err := s.Tx.WithTx(ctx, func(ctx domain.Context) error {
		res, err := s.Ledger.Adjust(ctx, userID, amount, reason, idemKey)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: user not found", domain.ErrNotFound)
			}
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return AdjustResult{}, err
	}
	return out, nil
}

// Metrics returns the SQL-derived operational snapshot.
func (s JobService) Metrics(ctx domain.Context) (domain.OpsSnapshot, error) {
	return s.Ops.Snapshot(ctx, time.Now().UTC())
}

// DeadLetters returns the newest dead letters. Limit defaults to 100,
// capped at 1000.
func (s JobService) DeadLetters(ctx domain.Context, limit int) ([]domain.DeadLetter, error) {
	if limit < 1 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	return s.Dead.List(ctx, limit)
}
