package httpserver

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/danieloza/backoffice/internal/domain"
)

var (
	errMissingToken  = fmt.Errorf("%w: missing bearer token", domain.ErrUnauthorized)
	errOriginBlocked = fmt.Errorf("%w: auth origin blocked", domain.ErrForbidden)
	errActorRequired = fmt.Errorf("%w: x-admin-actor (or actor field) is required", domain.ErrInvalidArgument)
)

type userKey struct{}

type authedUser struct {
	User    domain.User
	Session domain.AuthSession
}

// RequireUser authenticates the bearer token and stores the user in the
// request context.
func (s *Server) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, r, errMissingToken, nil)
			return
		}
		user, sess, err := s.Auth.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		Annotate(r, slog.Int64("user_id", user.ID))
		ctx := context.WithValue(r.Context(), userKey{}, authedUser{User: user, Session: sess})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CurrentUser returns the authenticated user stored by RequireUser.
func CurrentUser(r *http.Request) (domain.User, bool) {
	au, ok := r.Context().Value(userKey{}).(authedUser)
	return au.User, ok
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// RequireAdmin guards the operations surface with the shared admin secret.
// An unset secret disables the surface rather than opening it.
func (s *Server) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("x-admin-token")
		if presented == "" {
			presented = r.URL.Query().Get("token")
		}
		if !s.adminTokenOK(presented) {
			writeError(w, r, domain.ErrForbidden, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) adminTokenOK(presented string) bool {
	if s.Cfg.AdminToken == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.Cfg.AdminToken)) == 1
}

// requireActor resolves the audit actor for guardrails mutations from the
// x-admin-actor header or the request body's actor field.
func requireActor(r *http.Request, bodyActor string) (string, error) {
	actor := strings.TrimSpace(r.Header.Get("x-admin-actor"))
	if actor == "" {
		actor = strings.TrimSpace(bodyActor)
	}
	if actor == "" {
		return "", errActorRequired
	}
	if len(actor) > 120 {
		actor = actor[:120]
	}
	return actor, nil
}

// clientIP is the login limiter key; first X-Forwarded-For hop when present,
// else the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
