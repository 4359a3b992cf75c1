package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/danieloza/backoffice/internal/domain"
)

// GuardrailsService owns incident intake and the follow-up task machine:
// fingerprint-deduped incidents, playbook-driven task creation, optimistic
// task edits with an audit trail, and P1 SLA alerting.
type GuardrailsService struct {
	Tx        domain.TxRunner
	Incidents domain.IncidentRepo
	Tasks     domain.TaskRepo
	Audits    domain.AuditRepo
	Playbook  domain.Playbook
	Mailer    domain.Mailer
	Notifier  domain.Notifier
	// AlertEmail receives P1 SLA emails; empty disables the email leg.
	AlertEmail string
}

// NewGuardrailsService constructs a GuardrailsService with its dependencies.
func NewGuardrailsService(tx domain.TxRunner, inc domain.IncidentRepo, tasks domain.TaskRepo, audits domain.AuditRepo, pb domain.Playbook, m domain.Mailer, n domain.Notifier, alertEmail string) GuardrailsService {
	return GuardrailsService{Tx: tx, Incidents: inc, Tasks: tasks, Audits: audits, Playbook: pb, Mailer: m, Notifier: n, AlertEmail: alertEmail}
}

// UpsertIncidentInput is one reported incident occurrence.
type UpsertIncidentInput struct {
	Severity     string          `json:"severity"`
	IncidentType string          `json:"incident_type"`
	Channel      string          `json:"channel"`
	Title        string          `json:"title"`
	Details      json.RawMessage `json:"details,omitempty"`
}

// UpsertIncident records an incident occurrence, deduping on the
// (type, channel, title) fingerprint. A repeat refreshes severity and
// details; a repeat of a resolved incident reopens it.
func (s GuardrailsService) UpsertIncident(ctx domain.Context, in UpsertIncidentInput) (domain.Incident, bool, error) {
	incidentType := strings.TrimSpace(in.IncidentType)
	if incidentType == "" {
		return domain.Incident{}, false, fmt.Errorf("%w: incident_type is required", domain.ErrInvalidArgument)
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Incident{}, false, fmt.Errorf("%w: title is required", domain.ErrInvalidArgument)
	}
	severity := strings.ToLower(strings.TrimSpace(in.Severity))
	if severity == "" {
		severity = "medium"
	}
	channel := strings.TrimSpace(in.Channel)
	fingerprint := domain.IncidentFingerprint(incidentType, channel, title)

	var (
		out     domain.Incident
		created bool
	)
	err := s.Tx.WithTx(ctx, func(ctx domain.Context) error {
		inserted, fresh, err := s.Incidents.Insert(ctx, domain.Incident{
			Fingerprint:  fingerprint,
			Severity:     severity,
			IncidentType: incidentType,
			Channel:      channel,
			Title:        title,
			Details:      in.Details,
			Status:       domain.IncidentOpen,
		})
		if err != nil {
			return err
		}
		if fresh {
			out, created = inserted, true
			return nil
		}
		existing, err := s.Incidents.LockByFingerprint(ctx, fingerprint)
		if err != nil {
			return err
		}
		existing.Severity = severity
		if len(in.Details) > 0 {
			existing.Details = in.Details
		}
		if existing.Status == domain.IncidentResolved {
			existing.Status = domain.IncidentOpen
			existing.AcknowledgedAt = nil
			existing.ResolvedAt = nil
		}
		out, err = s.Incidents.Update(ctx, existing)
		return err
	})
	if err != nil {
		return domain.Incident{}, false, err
	}
	return out, created, nil
}

// SetIncidentStatus moves an incident between open, ack and resolved.
// ack stamps acknowledged_at, resolved stamps resolved_at, open clears both.
func (s GuardrailsService) SetIncidentStatus(ctx domain.Context, id int64, status string) error {
	v := strings.ToLower(strings.TrimSpace(status))
	if v != string(domain.IncidentOpen) && v != string(domain.IncidentAck) && v != string(domain.IncidentResolved) {
		return fmt.Errorf("%w: status must be open/ack/resolved", domain.ErrInvalidArgument)
	}
	return s.Tx.WithTx(ctx, func(ctx domain.Context) error {
		inc, err := s.Incidents.ByID(ctx, id)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: incident not found", domain.ErrNotFound)
			}
			return err
		}
		now := time.Now().UTC()
		switch domain.IncidentStatus(v) {
		case domain.IncidentAck:
			inc.Status = domain.IncidentAck
			inc.AcknowledgedAt = &now
		case domain.IncidentResolved:
			inc.Status = domain.IncidentResolved
			inc.ResolvedAt = &now
		default:
			inc.Status = domain.IncidentOpen
			inc.AcknowledgedAt = nil
			inc.ResolvedAt = nil
		}
		_, err = s.Incidents.Update(ctx, inc)
		return err
	})
}

// ListIncidents returns incidents newest-updated first, optionally filtered
// by status. Limit defaults to 100 and is capped at 500.
func (s GuardrailsService) ListIncidents(ctx domain.Context, status string, limit int) ([]domain.Incident, error) {
	if limit == 0 {
		limit = 100
	}
	if limit < 1 || limit > 500 {
		return nil, fmt.Errorf("%w: limit must be in range 1..500", domain.ErrInvalidArgument)
	}
	v := strings.ToLower(strings.TrimSpace(status))
	if v != "" && v != string(domain.IncidentOpen) && v != string(domain.IncidentAck) && v != string(domain.IncidentResolved) {
		return nil, fmt.Errorf("%w: status must be open/ack/resolved", domain.ErrInvalidArgument)
	}
	return s.Incidents.List(ctx, v, limit)
}

// SyncTasks materializes playbook tasks for open incidents and returns the
// number created. Idempotent: an (incident, action_type) pair is skipped
// while a pending or in_progress task for it exists. The due window follows
// the incident severity (4h for critical/high, else 12h) even when the
// playbook pins the priority.
func (s GuardrailsService) SyncTasks(ctx domain.Context) (int, error) {
	created := 0
	err := s.Tx.WithTx(ctx, func(ctx domain.Context) error {
		incidents, err := s.Incidents.List(ctx, string(domain.IncidentOpen), 200)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		for _, inc := range incidents {
			snapshot, err := json.Marshal(map[string]string{
				"incident_type": inc.IncidentType,
				"severity":      inc.Severity,
				"channel":       inc.Channel,
				"title":         inc.Title,
			})
			if err != nil {
				return err
			}
			window := 12 * time.Hour
			if highSeverity(inc.Severity) {
				window = 4 * time.Hour
			}
			due := now.Add(window)
			for _, tpl := range s.Playbook.TemplatesFor(inc.IncidentType) {
				if tpl.ActionType == "" {
					continue
				}
				active, err := s.Tasks.HasActiveForAction(ctx, inc.ID, tpl.ActionType)
				if err != nil {
					return err
				}
				if active {
					continue
				}
				priority := tpl.Priority
				if priority == "" {
					priority = domain.PriorityP2
					if highSeverity(inc.Severity) {
						priority = domain.PriorityP1
					}
				}
				owner := tpl.Owner
				if owner == "" {
					owner = "ops"
				}
				dueAt := due
				_, err = s.Tasks.Insert(ctx, domain.IncidentTask{
					IncidentID: inc.ID,
					Status:     domain.TaskPending,
					Owner:      owner,
					Priority:   priority,
					DueAt:      &dueAt,
					Title:      strings.ReplaceAll(tpl.Title, "{channel}", channelLabel(inc.Channel)),
					ActionType: tpl.ActionType,
					Payload:    snapshot,
				})
				if err != nil {
					return err
				}
				created++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}

// UpdateTaskInput mutates one task. Zero-valued fields are left as they
// are; ExpectedUpdatedAt, when set, must match the stored updated_at.
type UpdateTaskInput struct {
	Status            string
	Owner             string
	Priority          string
	DueAt             *time.Time
	ExpectedUpdatedAt string
	Reason            string
}

type fieldDiff struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// UpdateTaskStatus applies one guarded edit to a task and appends the
// per-field diff to the audit log. Reopening a terminal task to
// in_progress bumps retry_count and reopen_count.
func (s GuardrailsService) UpdateTaskStatus(ctx domain.Context, taskID int64, actor string, in UpdateTaskInput) (domain.IncidentTask, error) {
	status := strings.ToLower(strings.TrimSpace(in.Status))
	if status != "" && !validTaskStatus(status) {
		return domain.IncidentTask{}, fmt.Errorf("%w: status must be pending/in_progress/done/cancelled", domain.ErrInvalidArgument)
	}
	priority := strings.ToUpper(strings.TrimSpace(in.Priority))
	if priority != "" && priority != string(domain.PriorityP1) && priority != string(domain.PriorityP2) && priority != string(domain.PriorityP3) {
		return domain.IncidentTask{}, fmt.Errorf("%w: priority must be P1/P2/P3", domain.ErrInvalidArgument)
	}

	var out domain.IncidentTask
	err := s.Tx.WithTx(ctx, func(ctx domain.Context) error {
		t, err := s.Tasks.LockByID(ctx, taskID)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: task not found", domain.ErrNotFound)
			}
			return err
		}
		if expected := strings.TrimSpace(in.ExpectedUpdatedAt); expected != "" {
			want, perr := time.Parse(time.RFC3339Nano, expected)
			if perr != nil || !want.Equal(t.UpdatedAt) {
				return fmt.Errorf("%w: task was updated by another user, refresh and retry", domain.ErrConflict)
			}
		}

		now := time.Now().UTC()
		before := t
		if status != "" {
			next := domain.TaskStatus(status)
			if domain.TerminalTask(t.Status) && next == domain.TaskInProgress {
				t.RetryCount++
				t.ReopenCount++
			}
			t.Status = next
			if next == domain.TaskDone {
				t.DoneAt = &now
			} else {
				t.DoneAt = nil
			}
		}
		if owner := clip(strings.TrimSpace(in.Owner), 80); owner != "" {
			t.Owner = owner
		}
		if priority != "" {
			t.Priority = domain.TaskPriority(priority)
		}
		if in.DueAt != nil {
			due := in.DueAt.UTC()
			t.DueAt = &due
			t.OverdueSince = nil
		}
		if domain.TerminalTask(t.Status) {
			t.OverdueSince = nil
		} else if t.DueAt != nil && now.After(*t.DueAt) && t.OverdueSince == nil {
			t.OverdueSince = &now
		}

		change := map[string]any{}
		if t.Status != before.Status {
			change["status"] = fieldDiff{From: string(before.Status), To: string(t.Status)}
		}
		if t.Owner != before.Owner {
			change["owner"] = fieldDiff{From: before.Owner, To: t.Owner}
		}
		if t.Priority != before.Priority {
			change["priority"] = fieldDiff{From: string(before.Priority), To: string(t.Priority)}
		}
		if !equalTimePtr(t.DueAt, before.DueAt) {
			change["due_at"] = fieldDiff{From: fmtTimePtr(before.DueAt), To: fmtTimePtr(t.DueAt)}
		}
		if reason := clip(strings.TrimSpace(in.Reason), 300); reason != "" {
			change["reason"] = reason
		}
		raw, err := json.Marshal(change)
		if err != nil {
			return err
		}

		updated, err := s.Tasks.Update(ctx, t, now)
		if err != nil {
			return err
		}
		if err := s.Audits.Append(ctx, updated.ID, actor, "update", raw); err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return domain.IncidentTask{}, err
	}
	return out, nil
}

// BatchItem targets one task in a batch mutation.
type BatchItem struct {
	TaskID            int64  `json:"task_id"`
	ExpectedUpdatedAt string `json:"expected_updated_at"`
}

// BatchResult reports a batch mutation. TaskIDs lists every requested id in
// order; Conflicts the ones that lost the optimistic check. A missing task
// is neither changed nor a conflict.
type BatchResult struct {
	Changed   int     `json:"changed"`
	TaskIDs   []int64 `json:"task_ids"`
	Conflicts []int64 `json:"conflicts"`
}

// BatchDone marks each task done, one transaction per item so a conflict on
// one task leaves the rest applied.
func (s GuardrailsService) BatchDone(ctx domain.Context, actor, reason string, items []BatchItem) (BatchResult, error) {
	if len(items) == 0 {
		return BatchResult{}, fmt.Errorf("%w: items required", domain.ErrInvalidArgument)
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "batch_done"
	}
	res := BatchResult{TaskIDs: make([]int64, 0, len(items)), Conflicts: []int64{}}
	for _, item := range items {
		res.TaskIDs = append(res.TaskIDs, item.TaskID)
		_, err := s.UpdateTaskStatus(ctx, item.TaskID, actor, UpdateTaskInput{
			Status:            string(domain.TaskDone),
			ExpectedUpdatedAt: item.ExpectedUpdatedAt,
			Reason:            reason,
		})
		switch {
		case err == nil:
			res.Changed++
		case errors.Is(err, domain.ErrConflict):
			res.Conflicts = append(res.Conflicts, item.TaskID)
		case errors.Is(err, domain.ErrNotFound):
		default:
			return BatchResult{}, err
		}
	}
	return res, nil
}

// BatchPostpone pushes each task's due_at out by 24 hours, counted from now
// when the task has no due date. Same per-item isolation as BatchDone.
func (s GuardrailsService) BatchPostpone(ctx domain.Context, actor, reason string, items []BatchItem) (BatchResult, error) {
	if len(items) == 0 {
		return BatchResult{}, fmt.Errorf("%w: items required", domain.ErrInvalidArgument)
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "batch_postpone_24h"
	}
	res := BatchResult{TaskIDs: make([]int64, 0, len(items)), Conflicts: []int64{}}
	for _, item := range items {
		res.TaskIDs = append(res.TaskIDs, item.TaskID)
		t, err := s.Tasks.ByID(ctx, item.TaskID)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return BatchResult{}, err
		}
		base := time.Now().UTC()
		if t.DueAt != nil {
			base = *t.DueAt
		}
		next := base.Add(24 * time.Hour)
		_, err = s.UpdateTaskStatus(ctx, item.TaskID, actor, UpdateTaskInput{
			DueAt:             &next,
			ExpectedUpdatedAt: item.ExpectedUpdatedAt,
			Reason:            reason,
		})
		switch {
		case err == nil:
			res.Changed++
		case errors.Is(err, domain.ErrConflict):
			res.Conflicts = append(res.Conflicts, item.TaskID)
		case errors.Is(err, domain.ErrNotFound):
		default:
			return BatchResult{}, err
		}
	}
	return res, nil
}

// TaskView is a task with SLA enrichment computed at read time.
type TaskView struct {
	domain.IncidentTask
	OverdueHours float64          `json:"overdue_hours"`
	SLABucket    domain.SLABucket `json:"sla_bucket"`
}

// ListTasks returns enriched tasks and runs the P1 SLA alert pass over the
// page, returning how many alerts fired. Limit defaults to 120, cap 500.
func (s GuardrailsService) ListTasks(ctx domain.Context, f domain.TaskFilter) ([]TaskView, int, error) {
	if f.Limit == 0 {
		f.Limit = 120
	}
	if f.Limit < 1 || f.Limit > 500 {
		return nil, 0, fmt.Errorf("%w: limit must be in range 1..500", domain.ErrInvalidArgument)
	}
	f.Status = strings.ToLower(strings.TrimSpace(f.Status))
	if f.Status != "" && !validTaskStatus(f.Status) {
		return nil, 0, fmt.Errorf("%w: status must be pending/in_progress/done/cancelled", domain.ErrInvalidArgument)
	}
	f.Owner = strings.TrimSpace(f.Owner)
	f.Priority = strings.ToUpper(strings.TrimSpace(f.Priority))

	rows, err := s.Tasks.List(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	now := time.Now().UTC()
	views := make([]TaskView, 0, len(rows))
	for _, t := range rows {
		views = append(views, enrichTask(t, now))
	}
	sent := s.dispatchP1Alerts(ctx, views, now)
	return views, sent, nil
}

// enrichTask computes overdue_hours and the SLA bucket for a task. Only
// pending and in_progress tasks accrue overdue time; overdue_since falls
// back to due_at when the stored stamp is missing.
func enrichTask(t domain.IncidentTask, now time.Time) TaskView {
	v := TaskView{IncidentTask: t, SLABucket: domain.BucketOnTime}
	active := t.Status == domain.TaskPending || t.Status == domain.TaskInProgress
	if active && t.DueAt != nil && now.After(*t.DueAt) {
		v.OverdueHours = math.Round(now.Sub(*t.DueAt).Hours()*100) / 100
		if v.OverdueSince == nil {
			v.OverdueSince = t.DueAt
		}
	}
	v.SLABucket = domain.BucketFor(v.OverdueHours)
	return v
}

// dispatchP1Alerts fires at most one alert per task per bucket escalation.
// Delivery failures are logged, never surfaced to the caller.
func (s GuardrailsService) dispatchP1Alerts(ctx domain.Context, views []TaskView, now time.Time) int {
	sent := 0
	for i := range views {
		v := &views[i]
		if v.Priority != domain.PriorityP1 {
			continue
		}
		if v.Status != domain.TaskPending && v.Status != domain.TaskInProgress {
			continue
		}
		if v.SLABucket == domain.BucketOnTime {
			continue
		}
		if string(v.SLABucket) == v.LastSLAAlertBucket {
			continue
		}
		text := fmt.Sprintf("P1 SLA alert [%s] task=%d incident=%d owner=%s title=%s due_at=%s",
			v.SLABucket, v.ID, v.IncidentID, v.Owner, v.Title, fmtTimePtr(v.DueAt))
		if s.AlertEmail != "" && s.Mailer != nil {
			if err := s.Mailer.Send(ctx, s.AlertEmail, "[OPS] "+text, text); err != nil {
				slog.Warn("sla alert email failed", slog.Int64("task_id", v.ID), slog.Any("error", err))
			}
		}
		if s.Notifier != nil {
			if err := s.Notifier.Notify(ctx, text); err != nil {
				slog.Warn("sla alert notify failed", slog.Int64("task_id", v.ID), slog.Any("error", err))
			}
		}
		if err := s.markSLAAlert(ctx, v.ID, v.SLABucket, now); err != nil {
			slog.Warn("sla alert mark failed", slog.Int64("task_id", v.ID), slog.Any("error", err))
			continue
		}
		v.LastSLAAlertBucket = string(v.SLABucket)
		at := now
		v.LastSLAAlertAt = &at
		sent++
	}
	return sent
}

func (s GuardrailsService) markSLAAlert(ctx domain.Context, id int64, bucket domain.SLABucket, now time.Time) error {
	return s.Tx.WithTx(ctx, func(ctx domain.Context) error {
		if err := s.Tasks.SetSLAAlert(ctx, id, bucket, now); err != nil {
			return err
		}
		change, err := json.Marshal(map[string]string{"bucket": string(bucket)})
		if err != nil {
			return err
		}
		return s.Audits.Append(ctx, id, "system", "sla_alert", change)
	})
}

// AuditLog returns task audit rows newest first; task_id 0 means all tasks.
// Limit defaults to 200 and is capped at 1000.
func (s GuardrailsService) AuditLog(ctx domain.Context, taskID int64, limit int) ([]domain.IncidentTaskAudit, error) {
	if limit == 0 {
		limit = 200
	}
	if limit < 1 || limit > 1000 {
		return nil, fmt.Errorf("%w: limit must be in range 1..1000", domain.ErrInvalidArgument)
	}
	if taskID < 0 {
		taskID = 0
	}
	return s.Audits.List(ctx, taskID, limit)
}

func validTaskStatus(s string) bool {
	switch domain.TaskStatus(s) {
	case domain.TaskPending, domain.TaskInProgress, domain.TaskDone, domain.TaskCancelled:
		return true
	}
	return false
}

func highSeverity(s string) bool {
	switch strings.ToLower(s) {
	case "critical", "high":
		return true
	}
	return false
}

func channelLabel(ch string) string {
	if strings.TrimSpace(ch) == "" {
		return "channel"
	}
	return ch
}

func clip(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
