package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danieloza/backoffice/internal/adapter/observability"
	"github.com/danieloza/backoffice/internal/domain"
	"github.com/danieloza/backoffice/internal/usecase"
)

type workerInfo struct {
	Required       bool       `json:"required"`
	Running        bool       `json:"running"`
	LastHeartbeat  *time.Time `json:"last_heartbeat"`
	HeartbeatAgeS  *float64   `json:"heartbeat_age_s"`
	ProcessedTotal uint64     `json:"processed_total"`
	FailuresTotal  uint64     `json:"failures_total"`
}

// OpsMetricsHandler returns the SQL-derived snapshot merged with the
// in-process worker counters.
func (s *Server) OpsMetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.Jobs.Metrics(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var wi workerInfo
		if s.Worker != nil {
			st := s.Worker()
			wi.Required = st.Required
			wi.Running = st.Running
			wi.ProcessedTotal = st.Processed
			wi.FailuresTotal = st.Failures
			if !st.LastHeartbeat.IsZero() {
				hb := st.LastHeartbeat
				age := time.Since(hb).Seconds()
				if age < 0 {
					age = 0
				}
				wi.LastHeartbeat = &hb
				wi.HeartbeatAgeS = &age
			}
		}
		writeJSON(w, http.StatusOK, struct {
			OK bool `json:"ok"`
			domain.OpsSnapshot
			Worker workerInfo `json:"worker"`
		}{true, snap, wi})
	}
}

// DeadLettersHandler lists the newest dead letters.
func (s *Server) DeadLettersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		deads, err := s.Jobs.DeadLetters(r.Context(), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if deads == nil {
			deads = []domain.DeadLetter{}
		}
		writeOK(w, http.StatusOK, map[string]any{"dead_letters": deads})
	}
}

// AdjustCreditsHandler applies a signed admin correction to a user balance.
func (s *Server) AdjustCreditsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UserID         int64  `json:"user_id"`
			Amount         int64  `json:"amount"`
			Reason         string `json:"reason"`
			IdempotencyKey string `json:"idempotency_key"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if req.UserID < 1 {
			writeError(w, r, fmt.Errorf("%w: user_id is required", domain.ErrInvalidArgument), nil)
			return
		}
		if strings.TrimSpace(req.Reason) == "" {
			writeError(w, r, fmt.Errorf("%w: reason is required", domain.ErrInvalidArgument), nil)
			return
		}
		res, err := s.Jobs.AdjustCredits(r.Context(), req.UserID, req.Amount, req.Reason, req.IdempotencyKey)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("credits adjusted",
			slog.Int64("user_id", req.UserID),
			slog.Int64("amount", req.Amount),
			slog.Bool("applied", res.Applied))
		writeJSON(w, http.StatusOK, struct {
			OK bool `json:"ok"`
			usecase.AdjustResult
		}{true, res})
	}
}

// UpsertIncidentHandler records an incident occurrence, deduping on the
// (type, channel, title) fingerprint.
func (s *Server) UpsertIncidentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			usecase.UpsertIncidentInput
			Actor string `json:"actor"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		actor, err := requireActor(r, req.Actor)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		incident, created, err := s.Guardrails.UpsertIncident(r.Context(), req.UpsertIncidentInput)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("incident upserted",
			slog.String("actor", actor),
			slog.Int64("incident_id", incident.ID),
			slog.Bool("created", created))
		writeOK(w, http.StatusOK, map[string]any{"incident": incident, "created": created})
	}
}

// ListIncidentsHandler lists incidents, optionally filtered by status.
func (s *Server) ListIncidentsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		items, err := s.Guardrails.ListIncidents(r.Context(), r.URL.Query().Get("status"), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if items == nil {
			items = []domain.Incident{}
		}
		writeOK(w, http.StatusOK, map[string]any{"items": items})
	}
}

// IncidentStatusHandler moves an incident between open/ack/resolved.
func (s *Server) IncidentStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		incidentID, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req struct {
			Status string `json:"status"`
			Actor  string `json:"actor"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		actor, err := requireActor(r, req.Actor)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		status := strings.ToLower(strings.TrimSpace(req.Status))
		if err := s.Guardrails.SetIncidentStatus(r.Context(), incidentID, status); err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("incident status changed",
			slog.String("actor", actor),
			slog.Int64("incident_id", incidentID),
			slog.String("status", status))
		writeOK(w, http.StatusOK, map[string]any{"incident_id": incidentID, "status": status})
	}
}

// SyncTasksHandler materializes playbook tasks for open incidents.
func (s *Server) SyncTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Actor string `json:"actor"`
		}
		// Body is optional for sync; the actor may land in the header.
		_ = decodeJSON(r, &req)
		actor, err := requireActor(r, req.Actor)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		created, err := s.Guardrails.SyncTasks(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		LoggerFrom(r).Info("tasks synced", slog.String("actor", actor), slog.Int("created", created))
		writeOK(w, http.StatusOK, map[string]any{"created": created})
	}
}

// ListTasksHandler lists enriched tasks and runs the P1 SLA alert pass.
func (s *Server) ListTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		incidentID := int64(0)
		if raw := strings.TrimSpace(r.URL.Query().Get("incident_id")); raw != "" {
			incidentID, err = parseID(raw, "incident_id")
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
		}
		overdueOnly := false
		if raw := strings.TrimSpace(r.URL.Query().Get("overdue_only")); raw != "" {
			overdueOnly = raw == "1" || strings.EqualFold(raw, "true")
		}
		f := domain.TaskFilter{
			Status:      r.URL.Query().Get("status"),
			Owner:       r.URL.Query().Get("owner"),
			Priority:    r.URL.Query().Get("priority"),
			IncidentID:  incidentID,
			OverdueOnly: overdueOnly,
			Limit:       limit,
		}
		items, sent, err := s.Guardrails.ListTasks(r.Context(), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if sent > 0 {
			observability.SLAAlertsTotal.Add(float64(sent))
		}
		if items == nil {
			items = []usecase.TaskView{}
		}
		writeOK(w, http.StatusOK, map[string]any{"items": items, "sla_alerts_sent": sent})
	}
}

// TaskStatusHandler applies one guarded edit to a task.
func (s *Server) TaskStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID, err := pathID(r, "id")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var req struct {
			Status            string `json:"status"`
			Owner             string `json:"owner"`
			Priority          string `json:"priority"`
			DueAt             string `json:"due_at"`
			ExpectedUpdatedAt string `json:"expected_updated_at"`
			Reason            string `json:"reason"`
			Actor             string `json:"actor"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		actor, err := requireActor(r, req.Actor)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		status := strings.ToLower(strings.TrimSpace(req.Status))
		if status == "" {
			writeError(w, r, fmt.Errorf("%w: status must be pending/in_progress/done/cancelled", domain.ErrInvalidArgument), nil)
			return
		}
		in := usecase.UpdateTaskInput{
			Status:            status,
			Owner:             req.Owner,
			Priority:          req.Priority,
			ExpectedUpdatedAt: req.ExpectedUpdatedAt,
			Reason:            req.Reason,
		}
		if raw := strings.TrimSpace(req.DueAt); raw != "" {
			due, perr := time.Parse(time.RFC3339, raw)
			if perr != nil {
				writeError(w, r, fmt.Errorf("%w: due_at must be RFC3339", domain.ErrInvalidArgument), nil)
				return
			}
			in.DueAt = &due
		}
		task, err := s.Guardrails.UpdateTaskStatus(r.Context(), taskID, actor, in)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeOK(w, http.StatusOK, map[string]any{"task_id": taskID, "status": status, "task": task})
	}
}

// BatchDoneHandler marks a batch of tasks done.
func (s *Server) BatchDoneHandler() http.HandlerFunc {
	return s.batchHandler(func(ctx domain.Context, actor, reason string, items []usecase.BatchItem) (usecase.BatchResult, error) {
		return s.Guardrails.BatchDone(ctx, actor, reason, items)
	})
}

// BatchPostponeHandler pushes a batch of task due dates out by 24h.
func (s *Server) BatchPostponeHandler() http.HandlerFunc {
	return s.batchHandler(func(ctx domain.Context, actor, reason string, items []usecase.BatchItem) (usecase.BatchResult, error) {
		return s.Guardrails.BatchPostpone(ctx, actor, reason, items)
	})
}

func (s *Server) batchHandler(apply func(domain.Context, string, string, []usecase.BatchItem) (usecase.BatchResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Items  []usecase.BatchItem `json:"items"`
			Reason string              `json:"reason"`
			Actor  string              `json:"actor"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		actor, err := requireActor(r, req.Actor)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		res, err := apply(r.Context(), actor, req.Reason, req.Items)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			OK bool `json:"ok"`
			usecase.BatchResult
		}{true, res})
	}
}

// TaskAuditHandler lists the task audit trail, newest first.
func (s *Server) TaskAuditHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		taskID := int64(0)
		if raw := strings.TrimSpace(r.URL.Query().Get("task_id")); raw != "" {
			taskID, err = parseID(raw, "task_id")
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
		}
		items, err := s.Guardrails.AuditLog(r.Context(), taskID, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if items == nil {
			items = []domain.IncidentTaskAudit{}
		}
		writeOK(w, http.StatusOK, map[string]any{"items": items})
	}
}
