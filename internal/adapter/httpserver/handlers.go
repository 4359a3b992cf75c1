package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/danieloza/backoffice/internal/adapter/observability"
	"github.com/danieloza/backoffice/internal/config"
	"github.com/danieloza/backoffice/internal/domain"
	"github.com/danieloza/backoffice/internal/usecase"
)

// WorkerStatus is a point-in-time snapshot of the embedded worker, fed to
// readiness and the ops metrics endpoint.
type WorkerStatus struct {
	Required      bool
	Running       bool
	LastHeartbeat time.Time
	Processed     uint64
	Failures      uint64
}

// Server carries the services and checks the HTTP layer needs.
type Server struct {
	Cfg        config.Config
	Auth       usecase.AuthService
	Ledger     usecase.LedgerService
	Billing    usecase.BillingService
	Jobs       usecase.JobService
	Guardrails usecase.GuardrailsService

	// DBCheck pings the database for readiness.
	DBCheck func(context.Context) error
	// Worker reports the in-process worker state; nil means this binary
	// runs without one and readiness skips the heartbeat gate.
	Worker func() WorkerStatus
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, auth usecase.AuthService, ledger usecase.LedgerService, billing usecase.BillingService, jobs usecase.JobService, guardrails usecase.GuardrailsService, dbCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Auth: auth, Ledger: ledger, Billing: billing, Jobs: jobs, Guardrails: guardrails, DBCheck: dbCheck}
}

// RegisterHandler creates an account and returns its first session token.
func (s *Server) RegisterHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		issued, err := s.Auth.Register(r.Context(), req.Email, req.Password)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		Annotate(r, slog.Int64("user_id", issued.User.ID))
		writeOK(w, http.StatusOK, map[string]any{
			"user": map[string]any{
				"id":         issued.User.ID,
				"email":      issued.User.Email,
				"created_at": issued.User.CreatedAt,
			},
			"token":      issued.Token,
			"expires_at": issued.ExpiresAt,
		})
	}
}

// LoginHandler verifies credentials under the login rate limit.
func (s *Server) LoginHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		issued, err := s.Auth.Login(r.Context(), req.Email, req.Password, clientIP(r))
		if err != nil {
			if errors.Is(err, domain.ErrRateLimited) {
				observability.LoginThrottledTotal.Inc()
			}
			writeError(w, r, err, nil)
			return
		}
		Annotate(r, slog.Int64("user_id", issued.User.ID))
		writeOK(w, http.StatusOK, map[string]any{
			"user": map[string]any{
				"id":    issued.User.ID,
				"email": issued.User.Email,
			},
			"token":      issued.Token,
			"expires_at": issued.ExpiresAt,
		})
	}
}

// LogoutHandler revokes the presented session. The token is not
// authenticated first, so revoking an already dead token reports revoked=0.
func (s *Server) LogoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, r, errMissingToken, nil)
			return
		}
		revoked, err := s.Auth.Logout(r.Context(), token)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeOK(w, http.StatusOK, map[string]any{"revoked": revoked})
	}
}

// MeHandler returns the authenticated user.
func (s *Server) MeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r)
		if !ok {
			writeError(w, r, errMissingToken, nil)
			return
		}
		writeOK(w, http.StatusOK, map[string]any{
			"user": map[string]any{
				"id":         u.ID,
				"email":      u.Email,
				"is_active":  u.IsActive,
				"created_at": u.CreatedAt,
			},
		})
	}
}

// BalanceHandler returns the caller's current credit balance.
func (s *Server) BalanceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r)
		if !ok {
			writeError(w, r, errMissingToken, nil)
			return
		}
		balance, err := s.Ledger.Balance(r.Context(), u.ID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeOK(w, http.StatusOK, map[string]any{"user_id": u.ID, "balance": balance})
	}
}

// LedgerHandler lists the caller's ledger entries, newest first.
func (s *Server) LedgerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r)
		if !ok {
			writeError(w, r, errMissingToken, nil)
			return
		}
		limit, err := queryInt(r, "limit")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		entries, err := s.Ledger.Entries(r.Context(), u.ID, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if entries == nil {
			entries = []domain.LedgerEntry{}
		}
		writeOK(w, http.StatusOK, map[string]any{"entries": entries})
	}
}

// CheckoutHandler opens a Stripe Checkout session for a credit top-up.
func (s *Server) CheckoutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r)
		if !ok {
			writeError(w, r, errMissingToken, nil)
			return
		}
		var req struct {
			Credits    int64  `json:"credits"`
			SuccessURL string `json:"success_url"`
			CancelURL  string `json:"cancel_url"`
			Currency   string `json:"currency"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		res, err := s.Billing.StartCheckout(r.Context(), u.ID, req.Credits, req.SuccessURL, req.CancelURL, req.Currency)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			OK bool `json:"ok"`
			usecase.CheckoutResult
		}{true, res})
	}
}

// StripeWebhookHandler ingests signed Stripe events. The signature is the
// authentication; no session is involved.
func (s *Server) StripeWebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			writeError(w, r, domain.ErrInvalidArgument, nil)
			return
		}
		out, err := s.Billing.IngestStripeEvent(r.Context(), payload, r.Header.Get("Stripe-Signature"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		observability.ObserveWebhook(out.Status)
		Annotate(r, slog.String("stripe_event_id", out.EventID))
		writeJSON(w, http.StatusOK, struct {
			OK bool `json:"ok"`
			usecase.WebhookOutcome
		}{true, out})
	}
}

// CreateJobHandler places the credit hold and enqueues a job.
func (s *Server) CreateJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r)
		if !ok {
			writeError(w, r, errMissingToken, nil)
			return
		}
		var req usecase.CreateJobInput
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if req.MaxAttempts == 0 {
			req.MaxAttempts = domain.DefaultMaxAttempts
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}
		req.IdemKey = r.Header.Get("Idempotency-Key")
		created, err := s.Jobs.CreateJob(r.Context(), u.ID, req)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		Annotate(r, slog.Int64("job_id", created.Job.ID))
		payload := map[string]any{
			"job":           created.Job,
			"balance_after": created.BalanceAfter,
		}
		if created.Replayed {
			payload["idempotent_replay"] = true
		}
		writeOK(w, http.StatusOK, payload)
	}
}

// ListJobsHandler lists the caller's jobs, newest first.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r)
		if !ok {
			writeError(w, r, errMissingToken, nil)
			return
		}
		limit, err := queryInt(r, "limit")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		jobs, err := s.Jobs.ListJobs(r.Context(), u.ID, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if jobs == nil {
			jobs = []domain.Job{}
		}
		writeOK(w, http.StatusOK, map[string]any{"jobs": jobs})
	}
}

// GetJobHandler returns one of the caller's jobs with its event history.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := CurrentUser(r)
		if !ok {
			writeError(w, r, errMissingToken, nil)
			return
		}
		jobID, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		job, events, err := s.Jobs.GetJob(r.Context(), u.ID, jobID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		Annotate(r, slog.Int64("job_id", job.ID))
		if events == nil {
			events = []domain.JobEvent{}
		}
		writeOK(w, http.StatusOK, map[string]any{"job": job, "events": events})
	}
}

// HealthzHandler is the trivial liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeOK(w, http.StatusOK, nil)
	}
}

// ReadyHandler fuses the DB ping with the worker heartbeat. When a worker
// is expected, a heartbeat older than 30s fails readiness so the replica
// drops out of rotation before jobs pile up.
func (s *Server) ReadyHandler() http.HandlerFunc {
	const maxHeartbeatAge = 30.0
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		dbOK := true
		var dbError any
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				dbOK = false
				dbError = err.Error()
			}
		}

		var st WorkerStatus
		if s.Worker != nil {
			st = s.Worker()
		}
		workerOK := !st.Required
		var lastHeartbeat, heartbeatAge any
		if !st.LastHeartbeat.IsZero() {
			age := time.Since(st.LastHeartbeat).Seconds()
			if age < 0 {
				age = 0
			}
			lastHeartbeat = st.LastHeartbeat
			heartbeatAge = age
			if st.Required {
				workerOK = age <= maxHeartbeatAge
			}
		}

		ready := dbOK && workerOK
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{
			"ok":                     ready,
			"db_ok":                  dbOK,
			"db_error":               dbError,
			"worker_required":        st.Required,
			"worker_running":         st.Running,
			"worker_last_heartbeat":  lastHeartbeat,
			"worker_heartbeat_age_s": heartbeatAge,
		})
	}
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidArgument, name)
	}
	return n, nil
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("%w: invalid %s", domain.ErrInvalidArgument, name)
	}
	return id, nil
}

// parseID parses a query-string id where 0 means "no filter".
func parseID(raw, name string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("%w: invalid %s", domain.ErrInvalidArgument, name)
	}
	return id, nil
}
