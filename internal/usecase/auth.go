package usecase

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danieloza/backoffice/internal/domain"
)

// AuthService handles registration, login, logout and session checks.
type AuthService struct {
	Tx         domain.TxRunner
	Users      domain.UserRepo
	Sessions   domain.SessionRepo
	Limiter    domain.LoginLimiter
	SessionTTL time.Duration
}

// NewAuthService constructs an AuthService with its dependencies.
func NewAuthService(tx domain.TxRunner, u domain.UserRepo, s domain.SessionRepo, l domain.LoginLimiter, ttl time.Duration) AuthService {
	return AuthService{Tx: tx, Users: u, Sessions: s, Limiter: l, SessionTTL: ttl}
}

// IssuedSession pairs a user with a freshly minted bearer token. The raw
// token exists only in this value and the response body.
type IssuedSession struct {
	User      domain.User
	Token     string
	ExpiresAt time.Time
}

// Register creates a user and logs it in.
func (s AuthService) Register(ctx domain.Context, email, password string) (IssuedSession, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if !strings.Contains(email, "@") {
		return IssuedSession{}, fmt.Errorf("%w: invalid email", domain.ErrInvalidArgument)
	}
	if !PasswordPolicyOK(password) {
		return IssuedSession{}, fmt.Errorf("%w: password must be at least 8 chars with letters and digits", domain.ErrInvalidArgument)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return IssuedSession{}, err
	}
	var out IssuedSession
	err = s.Tx.WithTx(ctx, func(ctx domain.Context) error {
		user, err := s.Users.Create(ctx, email, hash)
		if err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return fmt.Errorf("%w: email already exists", domain.ErrConflict)
			}
			return err
		}
		issued, err := s.issueSession(ctx, user)
		if err != nil {
			return err
		}
		out = issued
		return nil
	})
	if err != nil {
		return IssuedSession{}, err
	}
	return out, nil
}

// Login verifies credentials under the per-(email, ip) rate limit and
// issues a session. Bad credentials count against the limit; a disabled
// account does not.
func (s AuthService) Login(ctx domain.Context, email, password, ip string) (IssuedSession, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := s.Limiter.Allow(ctx, email, ip); err != nil {
		return IssuedSession{}, err
	}
	user, err := s.Users.ByEmail(ctx, email)
	if err != nil && !isNotFound(err) {
		return IssuedSession{}, err
	}
	if err != nil || !VerifyPassword(password, user.PasswordHash) {
		if ferr := s.Limiter.Fail(ctx, email, ip); ferr != nil {
			return IssuedSession{}, ferr
		}
		return IssuedSession{}, fmt.Errorf("%w: invalid credentials", domain.ErrUnauthorized)
	}
	if !user.IsActive {
		return IssuedSession{}, fmt.Errorf("%w: user is disabled", domain.ErrForbidden)
	}
	if err := s.Limiter.Reset(ctx, email, ip); err != nil {
		return IssuedSession{}, err
	}
	var out IssuedSession
	err = s.Tx.WithTx(ctx, func(ctx domain.Context) error {
		issued, err := s.issueSession(ctx, user)
		if err != nil {
			return err
		}
		out = issued
		return nil
	})
	if err != nil {
		return IssuedSession{}, err
	}
	return out, nil
}

// Logout revokes the session holding the presented token and reports how
// many sessions changed (0 for unknown or already revoked tokens).
func (s AuthService) Logout(ctx domain.Context, token string) (int64, error) {
	return s.Sessions.RevokeByTokenHash(ctx, HashToken(token), time.Now().UTC())
}

// Authenticate resolves a bearer token to its user, rejecting expired or
// revoked sessions and disabled accounts, and touches last_used_at.
func (s AuthService) Authenticate(ctx domain.Context, token string) (domain.User, domain.AuthSession, error) {
	sess, err := s.Sessions.ByTokenHash(ctx, HashToken(token))
	if err != nil {
		if isNotFound(err) {
			return domain.User{}, domain.AuthSession{}, fmt.Errorf("%w: invalid auth token", domain.ErrUnauthorized)
		}
		return domain.User{}, domain.AuthSession{}, err
	}
	now := time.Now().UTC()
	if sess.RevokedAt != nil {
		return domain.User{}, domain.AuthSession{}, fmt.Errorf("%w: invalid auth token", domain.ErrUnauthorized)
	}
	if !sess.ExpiresAt.After(now) {
		return domain.User{}, domain.AuthSession{}, fmt.Errorf("%w: session expired", domain.ErrUnauthorized)
	}
	user, err := s.Users.ByID(ctx, sess.UserID)
	if err != nil {
		if isNotFound(err) {
			return domain.User{}, domain.AuthSession{}, fmt.Errorf("%w: invalid auth token", domain.ErrUnauthorized)
		}
		return domain.User{}, domain.AuthSession{}, err
	}
	if !user.IsActive {
		return domain.User{}, domain.AuthSession{}, fmt.Errorf("%w: user is disabled", domain.ErrForbidden)
	}
	if err := s.Sessions.TouchLastUsed(ctx, sess.ID, now); err != nil {
		return domain.User{}, domain.AuthSession{}, err
	}
	return user, sess, nil
}

func (s AuthService) issueSession(ctx domain.Context, user domain.User) (IssuedSession, error) {
	token, tokenHash, err := newSessionToken()
	if err != nil {
		return IssuedSession{}, err
	}
	expiresAt := time.Now().UTC().Add(s.SessionTTL)
	if _, err := s.Sessions.Create(ctx, user.ID, tokenHash, expiresAt); err != nil {
		return IssuedSession{}, err
	}
	return IssuedSession{User: user, Token: token, ExpiresAt: expiresAt}, nil
}
