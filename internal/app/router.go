// Package app wires configuration, adapters and background loops into
// runnable server and worker processes.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/danieloza/backoffice/internal/adapter/httpserver"
	"github.com/danieloza/backoffice/internal/adapter/observability"
	"github.com/danieloza/backoffice/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Auth endpoints: origin allowlist plus per-IP limits against
	// credential stuffing.
	r.Group(func(ar chi.Router) {
		ar.Use(httpserver.AuthOriginCheck(cfg.OriginAllowlist()))
		ar.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		ar.Post("/api/auth/register", srv.RegisterHandler())
		ar.Post("/api/auth/login", srv.LoginHandler())
		ar.Post("/api/auth/logout", srv.LogoutHandler())
	})

	// Session-scoped API.
	r.Group(func(ur chi.Router) {
		ur.Use(srv.RequireUser)
		ur.Get("/api/auth/me", srv.MeHandler())
		ur.Get("/api/credits/balance", srv.BalanceHandler())
		ur.Get("/api/credits/ledger", srv.LedgerHandler())
		ur.Post("/api/billing/checkout-session", srv.CheckoutHandler())
		ur.Post("/api/jobs", srv.CreateJobHandler())
		ur.Get("/api/jobs", srv.ListJobsHandler())
		ur.Get("/api/jobs/{id}", srv.GetJobHandler())
	})

	// Stripe webhook: the signature is the authentication.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		wr.Post("/api/billing/stripe/webhook", srv.StripeWebhookHandler())
	})

	// Operations surface behind the shared admin secret.
	r.Group(func(adm chi.Router) {
		adm.Use(srv.RequireAdmin)
		adm.Get("/api/ops/metrics", srv.OpsMetricsHandler())
		adm.Get("/api/ops/dead-letters", srv.DeadLettersHandler())
		adm.Post("/api/ops/credits/adjust", srv.AdjustCreditsHandler())
		adm.Route("/api/admin/guardrails", func(g chi.Router) {
			g.Post("/incidents", srv.UpsertIncidentHandler())
			g.Get("/incidents", srv.ListIncidentsHandler())
			g.Post("/incidents/{id}/status", srv.IncidentStatusHandler())
			g.Post("/tasks/sync", srv.SyncTasksHandler())
			g.Get("/tasks", srv.ListTasksHandler())
			g.Post("/tasks/{id}/status", srv.TaskStatusHandler())
			g.Post("/tasks/batch/done", srv.BatchDoneHandler())
			g.Post("/tasks/batch/postpone", srv.BatchPostponeHandler())
			g.Get("/tasks/audit", srv.TaskAuditHandler())
		})
	})

	// Health and metrics
	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/api/ready", srv.ReadyHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
