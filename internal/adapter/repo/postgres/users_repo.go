package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/danieloza/backoffice/internal/domain"
)

// UserRepo persists and loads user accounts.
type UserRepo struct{ store *Store }

// NewUserRepo constructs a UserRepo on the shared store.
func NewUserRepo(s *Store) *UserRepo { return &UserRepo{store: s} }

const userCols = `id, email, password_hash, is_active, created_at`

func scanUser(row pgx.Row) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsActive, &u.CreatedAt)
	return u, err
}

// Create inserts a user. ErrConflict when the email is already registered
// (case-insensitive).
func (r *UserRepo) Create(ctx domain.Context, email, passwordHash string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Create")
	defer span.End()
	q := `INSERT INTO users (email, password_hash) VALUES ($1, $2) RETURNING ` + userCols
	u, err := scanUser(r.store.q(ctx).QueryRow(ctx, q, email, passwordHash))
	if err != nil {
		if IsUniqueViolation(err) {
			return domain.User{}, fmt.Errorf("op=user.create: email taken: %w", domain.ErrConflict)
		}
		return domain.User{}, fmt.Errorf("op=user.create: %w", err)
	}
	return u, nil
}

// ByEmail loads a user by case-insensitive email.
func (r *UserRepo) ByEmail(ctx domain.Context, email string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.ByEmail")
	defer span.End()
	q := `SELECT ` + userCols + ` FROM users WHERE LOWER(email)=LOWER($1)`
	u, err := scanUser(r.store.q(ctx).QueryRow(ctx, q, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=user.by_email: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.by_email: %w", err)
	}
	return u, nil
}

// ByID loads a user by id.
func (r *UserRepo) ByID(ctx domain.Context, id int64) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.ByID")
	defer span.End()
	q := `SELECT ` + userCols + ` FROM users WHERE id=$1`
	u, err := scanUser(r.store.q(ctx).QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=user.by_id: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.by_id: %w", err)
	}
	return u, nil
}

// LockByID takes the user row lock that serializes balance writes. Callers
// must hold an ambient transaction.
func (r *UserRepo) LockByID(ctx domain.Context, id int64) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.LockByID")
	defer span.End()
	q := `SELECT ` + userCols + ` FROM users WHERE id=$1 FOR UPDATE`
	u, err := scanUser(r.store.q(ctx).QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=user.lock: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.lock: %w", err)
	}
	return u, nil
}
