package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/danieloza/backoffice/internal/domain"
)

// SessionRepo persists auth sessions; only token hashes are stored.
type SessionRepo struct{ store *Store }

// NewSessionRepo constructs a SessionRepo on the shared store.
func NewSessionRepo(s *Store) *SessionRepo { return &SessionRepo{store: s} }

const sessionCols = `id, user_id, token_hash, created_at, expires_at, last_used_at, revoked_at`

func scanSession(row pgx.Row) (domain.AuthSession, error) {
	var s domain.AuthSession
	err := row.Scan(&s.ID, &s.UserID, &s.TokenHash, &s.CreatedAt, &s.ExpiresAt, &s.LastUsedAt, &s.RevokedAt)
	return s, err
}

// Create inserts a session for the user.
func (r *SessionRepo) Create(ctx domain.Context, userID int64, tokenHash string, expiresAt time.Time) (domain.AuthSession, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.Create")
	defer span.End()
	q := `INSERT INTO auth_sessions (user_id, token_hash, expires_at) VALUES ($1, $2, $3) RETURNING ` + sessionCols
	s, err := scanSession(r.store.q(ctx).QueryRow(ctx, q, userID, tokenHash, expiresAt))
	if err != nil {
		return domain.AuthSession{}, fmt.Errorf("op=session.create: %w", err)
	}
	return s, nil
}

// ByTokenHash loads a session by its token hash.
func (r *SessionRepo) ByTokenHash(ctx domain.Context, tokenHash string) (domain.AuthSession, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.ByTokenHash")
	defer span.End()
	q := `SELECT ` + sessionCols + ` FROM auth_sessions WHERE token_hash=$1`
	s, err := scanSession(r.store.q(ctx).QueryRow(ctx, q, tokenHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AuthSession{}, fmt.Errorf("op=session.by_token: %w", domain.ErrNotFound)
		}
		return domain.AuthSession{}, fmt.Errorf("op=session.by_token: %w", err)
	}
	return s, nil
}

// TouchLastUsed stamps last_used_at on a validated session.
func (r *SessionRepo) TouchLastUsed(ctx domain.Context, id int64, at time.Time) error {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.TouchLastUsed")
	defer span.End()
	_, err := r.store.q(ctx).Exec(ctx, `UPDATE auth_sessions SET last_used_at=$2 WHERE id=$1`, id, at)
	if err != nil {
		return fmt.Errorf("op=session.touch: %w", err)
	}
	return nil
}

// RevokeByTokenHash revokes the session holding the presented token and
// returns how many rows changed (0 when the token is unknown or already
// revoked).
func (r *SessionRepo) RevokeByTokenHash(ctx domain.Context, tokenHash string, at time.Time) (int64, error) {
	tracer := otel.Tracer("repo.sessions")
	ctx, span := tracer.Start(ctx, "sessions.RevokeByTokenHash")
	defer span.End()
	tag, err := r.store.q(ctx).Exec(ctx,
		`UPDATE auth_sessions SET revoked_at=$2 WHERE token_hash=$1 AND revoked_at IS NULL`, tokenHash, at)
	if err != nil {
		return 0, fmt.Errorf("op=session.revoke: %w", err)
	}
	return tag.RowsAffected(), nil
}
