package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/danieloza/backoffice/internal/domain"
)

// LedgerRepo appends and reads credit_ledger rows. The table is append-only;
// there are no update or delete paths.
type LedgerRepo struct{ store *Store }

// NewLedgerRepo constructs a LedgerRepo on the shared store.
func NewLedgerRepo(s *Store) *LedgerRepo { return &LedgerRepo{store: s} }

const ledgerCols = `id, user_id, entry_type, amount, balance_after, source_type, source_id, idempotency_key, meta, created_at`

func scanLedgerEntry(row pgx.Row) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := row.Scan(&e.ID, &e.UserID, &e.EntryType, &e.Amount, &e.BalanceAfter,
		&e.SourceType, &e.SourceID, &e.IdempotencyKey, &e.Meta, &e.CreatedAt)
	return e, err
}

// Insert appends an entry. The unique idempotency key makes the write
// at-most-once: applied=false with a zero entry means the key already
// exists and nothing was written.
func (r *LedgerRepo) Insert(ctx domain.Context, e domain.LedgerEntry) (domain.LedgerEntry, bool, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Insert")
	defer span.End()
	span.SetAttributes(
		attribute.String("ledger.entry_type", string(e.EntryType)),
		attribute.String("ledger.idempotency_key", e.IdempotencyKey),
	)
	meta := e.Meta
	if len(meta) == 0 {
		meta = []byte(`{}`)
	}
	q := `INSERT INTO credit_ledger (user_id, entry_type, amount, balance_after, source_type, source_id, idempotency_key, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING ` + ledgerCols
	ins, err := scanLedgerEntry(r.store.q(ctx).QueryRow(ctx, q,
		e.UserID, e.EntryType, e.Amount, e.BalanceAfter, e.SourceType, e.SourceID, e.IdempotencyKey, meta))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LedgerEntry{}, false, nil
		}
		return domain.LedgerEntry{}, false, fmt.Errorf("op=ledger.insert: %w", err)
	}
	return ins, true, nil
}

// ByIdempotencyKey loads the entry a key points at, if any.
func (r *LedgerRepo) ByIdempotencyKey(ctx domain.Context, key string) (domain.LedgerEntry, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.ByIdempotencyKey")
	defer span.End()
	q := `SELECT ` + ledgerCols + ` FROM credit_ledger WHERE idempotency_key=$1`
	e, err := scanLedgerEntry(r.store.q(ctx).QueryRow(ctx, q, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.LedgerEntry{}, fmt.Errorf("op=ledger.by_key: %w", domain.ErrNotFound)
		}
		return domain.LedgerEntry{}, fmt.Errorf("op=ledger.by_key: %w", err)
	}
	return e, nil
}

// SumBalance returns the user's balance: the signed sum of all entries.
func (r *LedgerRepo) SumBalance(ctx domain.Context, userID int64) (int64, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.SumBalance")
	defer span.End()
	var sum int64
	err := r.store.q(ctx).QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM credit_ledger WHERE user_id=$1`, userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("op=ledger.sum: %w", err)
	}
	return sum, nil
}

// ListByUser returns the newest entries first.
func (r *LedgerRepo) ListByUser(ctx domain.Context, userID int64, limit int) ([]domain.LedgerEntry, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.ListByUser")
	defer span.End()
	q := `SELECT ` + ledgerCols + ` FROM credit_ledger WHERE user_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`
	rows, err := r.store.q(ctx).Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=ledger.list: %w", err)
	}
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("op=ledger.list: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=ledger.list: %w", err)
	}
	return out, nil
}

// ListBySource returns entries tagged with a source, oldest first.
func (r *LedgerRepo) ListBySource(ctx domain.Context, sourceType, sourceID string) ([]domain.LedgerEntry, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.ListBySource")
	defer span.End()
	q := `SELECT ` + ledgerCols + ` FROM credit_ledger WHERE source_type=$1 AND source_id=$2 ORDER BY id`
	rows, err := r.store.q(ctx).Query(ctx, q, sourceType, sourceID)
	if err != nil {
		return nil, fmt.Errorf("op=ledger.by_source: %w", err)
	}
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("op=ledger.by_source: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=ledger.by_source: %w", err)
	}
	return out, nil
}
