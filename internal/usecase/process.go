package usecase

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/danieloza/backoffice/internal/domain"
	"github.com/danieloza/backoffice/pkg/textx"
)

// maxErrorTextLen caps provider error text before it lands in jobs.last_error,
// job_events and dead_letters. Upstream APIs sometimes echo whole request
// bodies into error messages.
const maxErrorTextLen = 2000

// ProcessService owns every transition out of queued/running: the claim,
// both settle paths and stale recovery. Provider I/O happens between its
// calls, never inside them, so no row lock outlives a statement for long.
type ProcessService struct {
	Tx     domain.TxRunner
	Jobs   domain.JobRepo
	Events domain.JobEventRepo
	Ledger LedgerService
	Dead   domain.DeadLetterRepo
}

// NewProcessService constructs a ProcessService with its dependencies.
func NewProcessService(tx domain.TxRunner, j domain.JobRepo, e domain.JobEventRepo, l LedgerService, d domain.DeadLetterRepo) ProcessService {
	return ProcessService{Tx: tx, Jobs: j, Events: e, Ledger: l, Dead: d}
}

// ClaimNext claims the oldest runnable job and records its started event in
// the same transaction. ok is false when the queue is empty.
func (s ProcessService) ClaimNext(ctx domain.Context) (domain.Job, bool, error) {
	var job domain.Job
	claimed := false
	err := s.Tx.WithTx(ctx, func(ctx domain.Context) error {
		j, err := s.Jobs.ClaimNext(ctx, time.Now().UTC())
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		payload, _ := json.Marshal(map[string]int{"attempt": j.AttemptCount})
		if err := s.Events.Append(ctx, j.ID, domain.JobEventStarted, payload); err != nil {
			return err
		}
		job = j
		claimed = true
		return nil
	})
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("op=process.ClaimNext: %w", err)
	}
	return job, claimed, nil
}

// SettleSuccess finalizes a successful run: the hold converts to a consume
// (release + consume, net -credits_cost) and the job stores its result.
// A job no longer running (raced by the sweeper) is left alone.
func (s ProcessService) SettleSuccess(ctx domain.Context, job domain.Job, providerJobID string, result json.RawMessage) error {
	err := s.Tx.WithTx(ctx, func(ctx domain.Context) error {
		locked, err := s.Jobs.LockByID(ctx, job.ID)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		if locked.Status != domain.JobRunning {
			return nil
		}
		if err := s.Ledger.ReleaseHold(ctx, locked.UserID, locked.ID, locked.CreditsCost, domain.ReleaseOnSuccess); err != nil {
			return err
		}
		if err := s.Ledger.ConsumeForJob(ctx, locked.UserID, locked.ID, locked.CreditsCost); err != nil {
			return err
		}
		if err := s.Jobs.MarkSucceeded(ctx, locked.ID, result, providerJobID, time.Now().UTC()); err != nil {
			return err
		}
		payload, _ := json.Marshal(map[string]int{"attempt": locked.AttemptCount})
		return s.Events.Append(ctx, locked.ID, domain.JobEventSucceeded, payload)
	})
	if err != nil {
		return fmt.Errorf("op=process.SettleSuccess: %w", err)
	}
	return nil
}

// SettleFailure schedules a retry while attempts remain, else fails the job:
// hold released, dead letter recorded, at most once per job.
func (s ProcessService) SettleFailure(ctx domain.Context, job domain.Job, errText string) error {
	err := s.Tx.WithTx(ctx, func(ctx domain.Context) error {
		locked, err := s.Jobs.LockByID(ctx, job.ID)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		if locked.Status != domain.JobRunning {
			return nil
		}
		return s.failOrRetryLocked(ctx, locked, errText, "max_attempts_exhausted", false)
	})
	if err != nil {
		return fmt.Errorf("op=process.SettleFailure: %w", err)
	}
	return nil
}

// RecoverStale re-queues or fails running jobs whose updated_at fell behind
// olderThan (a worker died mid-run). Each job settles in its own
// transaction under a fresh row lock. Returns how many jobs were acted on.
func (s ProcessService) RecoverStale(ctx domain.Context, olderThan time.Time, limit int) (int, error) {
	stale, err := s.Jobs.StaleRunning(ctx, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("op=process.RecoverStale: %w", err)
	}
	recovered := 0
	for _, job := range stale {
		acted := false
		err := s.Tx.WithTx(ctx, func(ctx domain.Context) error {
			locked, err := s.Jobs.LockByID(ctx, job.ID)
			if err != nil {
				if isNotFound(err) {
					return nil
				}
				return err
			}
			// Re-check under the lock: the worker may have settled or
			// touched the job between the scan and now.
			if locked.Status != domain.JobRunning || !locked.UpdatedAt.Before(olderThan) {
				return nil
			}
			acted = true
			return s.failOrRetryLocked(ctx, locked, "stale running job recovered", "stale_running_exhausted", true)
		})
		if err != nil {
			return recovered, fmt.Errorf("op=process.RecoverStale: %w", err)
		}
		if acted {
			recovered++
		}
	}
	return recovered, nil
}

// failOrRetryLocked applies the retry-or-fail decision to a locked running
// job. recovered marks sweeper-driven settlements in events and dead
// letters.
func (s ProcessService) failOrRetryLocked(ctx domain.Context, locked domain.Job, errText, deadReason string, recovered bool) error {
	errText = textx.Truncate(textx.SanitizeText(errText), maxErrorTextLen)
	if locked.AttemptCount < locked.MaxAttempts {
		delay := domain.BackoffDelay(locked.AttemptCount)
		if err := s.Jobs.Requeue(ctx, locked.ID, time.Now().UTC().Add(delay), errText); err != nil {
			return err
		}
		fields := map[string]any{
			"attempt":            locked.AttemptCount,
			"next_retry_seconds": int(delay.Seconds()),
			"error":              errText,
		}
		if recovered {
			fields["recovered"] = "true"
		}
		payload, _ := json.Marshal(fields)
		return s.Events.Append(ctx, locked.ID, domain.JobEventRetryScheduled, payload)
	}

	if err := s.Ledger.ReleaseHold(ctx, locked.UserID, locked.ID, locked.CreditsCost, domain.ReleaseOnFail); err != nil {
		return err
	}
	if err := s.Jobs.MarkFailed(ctx, locked.ID, errText, time.Now().UTC()); err != nil {
		return err
	}
	fields := map[string]any{"attempt": locked.AttemptCount, "error": errText}
	if recovered {
		fields["recovered"] = "true"
	}
	payload, _ := json.Marshal(fields)
	if err := s.Events.Append(ctx, locked.ID, domain.JobEventFailed, payload); err != nil {
		return err
	}
	deadFields := map[string]any{
		"attempt_count": locked.AttemptCount,
		"max_attempts":  locked.MaxAttempts,
		"error":         errText,
	}
	if recovered {
		deadFields["recovered"] = "true"
	}
	deadPayload, _ := json.Marshal(deadFields)
	_, err := s.Dead.Insert(ctx, domain.DeadLetter{
		JobID:   locked.ID,
		UserID:  locked.UserID,
		Reason:  deadReason,
		Payload: deadPayload,
	})
	return err
}
