// Package usecase contains application business logic services.
package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danieloza/backoffice/internal/domain"
)

// LedgerService is the sole writer of credit_ledger. Every write locks the
// user row first and recomputes balance_after under that lock, so the
// running balance stays monotone per user. All methods assume the caller's
// transaction; none of them commit.
type LedgerService struct {
	Users  domain.UserRepo
	Ledger domain.LedgerRepo
}

// NewLedgerService constructs a LedgerService with its repositories.
func NewLedgerService(u domain.UserRepo, l domain.LedgerRepo) LedgerService {
	return LedgerService{Users: u, Ledger: l}
}

// ApplyResult reports the outcome of an idempotent ledger write. Applied is
// false when the idempotency key already existed; Entry then carries the
// prior row.
type ApplyResult struct {
	Applied bool
	Entry   domain.LedgerEntry
}

// HoldResult carries the balances around a freshly placed hold.
type HoldResult struct {
	BalanceBefore int64
	BalanceAfter  int64
}

// Balance returns the user's current balance (sum over all entries).
func (s LedgerService) Balance(ctx domain.Context, userID int64) (int64, error) {
	return s.Ledger.SumBalance(ctx, userID)
}

// Entries returns the user's most recent ledger entries, newest first.
func (s LedgerService) Entries(ctx domain.Context, userID int64, limit int) ([]domain.LedgerEntry, error) {
	if limit < 1 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return s.Ledger.ListByUser(ctx, userID, limit)
}

// ApplyTopup credits a user from an external payment event. At-most-once
// per idemKey.
func (s LedgerService) ApplyTopup(ctx domain.Context, userID, credits int64, sourceType, sourceID, idemKey string, meta json.RawMessage) (ApplyResult, error) {
	if credits <= 0 {
		return ApplyResult{}, fmt.Errorf("%w: topup credits must be positive", domain.ErrInvalidArgument)
	}
	if _, err := s.Users.LockByID(ctx, userID); err != nil {
		return ApplyResult{}, fmt.Errorf("op=ledger.ApplyTopup: %w", err)
	}
	balance, err := s.Ledger.SumBalance(ctx, userID)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("op=ledger.ApplyTopup: %w", err)
	}
	entry, applied, err := s.Ledger.Insert(ctx, domain.LedgerEntry{
		UserID:         userID,
		EntryType:      domain.EntryTopup,
		Amount:         credits,
		BalanceAfter:   balance + credits,
		SourceType:     sourceType,
		SourceID:       sourceID,
		IdempotencyKey: idemKey,
		Meta:           meta,
	})
	if err != nil {
		return ApplyResult{}, fmt.Errorf("op=ledger.ApplyTopup: %w", err)
	}
	if !applied {
		// Replayed key: the insert wrote nothing, load the existing row.
		entry, err = s.Ledger.ByIdempotencyKey(ctx, idemKey)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("op=ledger.ApplyTopup: %w", err)
		}
	}
	return ApplyResult{Applied: applied, Entry: entry}, nil
}

// PlaceHold reserves creditsCost for a job with one negative hold entry.
// The user row lock taken here is the serialization point preventing
// overspend under concurrent holds.
func (s LedgerService) PlaceHold(ctx domain.Context, userID, jobID, creditsCost int64) (HoldResult, error) {
	if creditsCost <= 0 {
		return HoldResult{}, fmt.Errorf("%w: credits_cost must be positive", domain.ErrInvalidArgument)
	}
	if _, err := s.Users.LockByID(ctx, userID); err != nil {
		return HoldResult{}, fmt.Errorf("op=ledger.PlaceHold: %w", err)
	}
	balance, err := s.Ledger.SumBalance(ctx, userID)
	if err != nil {
		return HoldResult{}, fmt.Errorf("op=ledger.PlaceHold: %w", err)
	}
	if balance < creditsCost {
		return HoldResult{}, fmt.Errorf("%w: required=%d, available=%d", domain.ErrInsufficientCredits, creditsCost, balance)
	}
	meta, _ := json.Marshal(map[string]any{"job_id": jobID, "kind": "reservation"})
	_, _, err = s.Ledger.Insert(ctx, domain.LedgerEntry{
		UserID:         userID,
		EntryType:      domain.EntryHold,
		Amount:         -creditsCost,
		BalanceAfter:   balance - creditsCost,
		SourceType:     "job",
		SourceID:       fmt.Sprintf("%d", jobID),
		IdempotencyKey: domain.JobHoldKey(jobID),
		Meta:           meta,
	})
	if err != nil {
		return HoldResult{}, fmt.Errorf("op=ledger.PlaceHold: %w", err)
	}
	return HoldResult{BalanceBefore: balance, BalanceAfter: balance - creditsCost}, nil
}

// ReleaseHold refunds a job's hold. Idempotent per (job, reason); no-op
// when creditsCost <= 0 or the user vanished.
func (s LedgerService) ReleaseHold(ctx domain.Context, userID, jobID, creditsCost int64, reason domain.ReleaseReason) error {
	if creditsCost <= 0 {
		return nil
	}
	if _, err := s.Users.LockByID(ctx, userID); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("op=ledger.ReleaseHold: %w", err)
	}
	balance, err := s.Ledger.SumBalance(ctx, userID)
	if err != nil {
		return fmt.Errorf("op=ledger.ReleaseHold: %w", err)
	}
	meta, _ := json.Marshal(map[string]any{"job_id": jobID, "reason": string(reason)})
	_, _, err = s.Ledger.Insert(ctx, domain.LedgerEntry{
		UserID:         userID,
		EntryType:      domain.EntryRelease,
		Amount:         creditsCost,
		BalanceAfter:   balance + creditsCost,
		SourceType:     "job",
		SourceID:       fmt.Sprintf("%d", jobID),
		IdempotencyKey: domain.JobReleaseKey(jobID, reason),
		Meta:           meta,
	})
	if err != nil {
		return fmt.Errorf("op=ledger.ReleaseHold: %w", err)
	}
	return nil
}

// ConsumeForJob burns a succeeded job's credits. Idempotent per job; no-op
// when creditsCost <= 0 or the user vanished.
func (s LedgerService) ConsumeForJob(ctx domain.Context, userID, jobID, creditsCost int64) error {
	if creditsCost <= 0 {
		return nil
	}
	if _, err := s.Users.LockByID(ctx, userID); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("op=ledger.ConsumeForJob: %w", err)
	}
	balance, err := s.Ledger.SumBalance(ctx, userID)
	if err != nil {
		return fmt.Errorf("op=ledger.ConsumeForJob: %w", err)
	}
	meta, _ := json.Marshal(map[string]any{"job_id": jobID, "reason": "job_succeeded"})
	_, _, err = s.Ledger.Insert(ctx, domain.LedgerEntry{
		UserID:         userID,
		EntryType:      domain.EntryConsume,
		Amount:         -creditsCost,
		BalanceAfter:   balance - creditsCost,
		SourceType:     "job",
		SourceID:       fmt.Sprintf("%d", jobID),
		IdempotencyKey: domain.JobConsumeKey(jobID),
		Meta:           meta,
	})
	if err != nil {
		return fmt.Errorf("op=ledger.ConsumeForJob: %w", err)
	}
	return nil
}

// AdjustResult reports an admin adjustment. On a replay (Applied=false)
// Amount and BalanceAfter come from the existing entry.
type AdjustResult struct {
	Applied        bool      `json:"applied"`
	IdempotencyKey string    `json:"idempotency_key"`
	Amount         int64     `json:"amount"`
	BalanceBefore  int64     `json:"balance_before,omitempty"`
	BalanceAfter   int64     `json:"balance_after"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

// Adjust applies a signed admin correction to a user's balance. A caller
// supplied idemKey wins; otherwise the deterministic fallback keyed on
// (user, reason, amount) dedupes accidental double submits.
func (s LedgerService) Adjust(ctx domain.Context, userID, amount int64, reason, idemKey string) (AdjustResult, error) {
	if amount == 0 {
		return AdjustResult{}, fmt.Errorf("%w: adjustment amount cannot be zero", domain.ErrInvalidArgument)
	}
	if idemKey == "" {
		idemKey = domain.AdminAdjustKey(userID, reason, amount)
	}
	if _, err := s.Users.LockByID(ctx, userID); err != nil {
		return AdjustResult{}, fmt.Errorf("op=ledger.Adjust: %w", err)
	}
	balance, err := s.Ledger.SumBalance(ctx, userID)
	if err != nil {
		return AdjustResult{}, fmt.Errorf("op=ledger.Adjust: %w", err)
	}
	meta, _ := json.Marshal(map[string]any{"reason": reason})
	entry, applied, err := s.Ledger.Insert(ctx, domain.LedgerEntry{
		UserID:         userID,
		EntryType:      domain.EntryAdjustment,
		Amount:         amount,
		BalanceAfter:   balance + amount,
		SourceType:     "admin",
		SourceID:       "manual_adjustment",
		IdempotencyKey: idemKey,
		Meta:           meta,
	})
	if err != nil {
		return AdjustResult{}, fmt.Errorf("op=ledger.Adjust: %w", err)
	}
	if !applied {
		prior, err := s.Ledger.ByIdempotencyKey(ctx, idemKey)
		if err != nil {
			return AdjustResult{}, fmt.Errorf("op=ledger.Adjust: %w", err)
		}
		return AdjustResult{
			Applied:        false,
			IdempotencyKey: idemKey,
			Amount:         prior.Amount,
			BalanceAfter:   prior.BalanceAfter,
			CreatedAt:      prior.CreatedAt,
		}, nil
	}
	return AdjustResult{
		Applied:        true,
		IdempotencyKey: idemKey,
		Amount:         amount,
		BalanceBefore:  balance,
		BalanceAfter:   balance + amount,
		CreatedAt:      entry.CreatedAt,
	}, nil
}

func isNotFound(err error) bool { return errors.Is(err, domain.ErrNotFound) }
