// Package postgres implements the repository ports on PostgreSQL.
//
// Repos share one Store. A transaction started with Store.WithTx travels in
// the context, so the same repo methods serve transactional and plain
// callers; nested WithTx calls join the ambient transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/danieloza/backoffice/internal/domain"
)

// DBTX is the query surface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store owns the pool and the transaction helper shared by all repos.
type Store struct {
	Pool *pgxpool.Pool
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool) *Store { return &Store{Pool: pool} }

type txKey struct{}

// WithTx runs fn inside a transaction carried in the context. A nested call
// joins the transaction of the outer one; commit/rollback stays with the
// outermost caller.
func (s *Store) WithTx(ctx domain.Context, fn func(ctx domain.Context) error) error {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=store.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=store.commit: %w", err)
	}
	return nil
}

func txFrom(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey{}).(pgx.Tx)
	return tx
}

// q returns the ambient transaction when present, else the pool.
func (s *Store) q(ctx context.Context) DBTX {
	if tx := txFrom(ctx); tx != nil {
		return tx
	}
	return s.Pool
}

// Ping reports database reachability for readiness.
func (s *Store) Ping(ctx context.Context) error { return s.Pool.Ping(ctx) }

// IsUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
