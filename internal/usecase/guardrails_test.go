package usecase_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danieloza/backoffice/internal/domain"
	"github.com/danieloza/backoffice/internal/usecase"
)

func newGuardrails(s *memStore, pb domain.Playbook, m *fakeMailer, n *fakeNotifier, alertEmail string) usecase.GuardrailsService {
	return usecase.NewGuardrailsService(fakeTx{}, fakeIncidents{s}, fakeTasks{s}, fakeAudits{s}, pb, m, n, alertEmail)
}

func opsPlaybook() fakePlaybook {
	return fakePlaybook{
		rules: map[string][]domain.TaskTemplate{
			"lead_drop": {
				{ActionType: "check_integration", Title: "Check integration for {channel}"},
				{ActionType: "notify_oncall", Owner: "oncall", Title: "Page on-call", Priority: domain.PriorityP1},
			},
		},
		fallback: []domain.TaskTemplate{{ActionType: "triage", Title: "Triage incident"}},
	}
}

func TestGuardrails_UpsertIncident_DedupesOnFingerprint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemStore()
	svc := newGuardrails(s, opsPlaybook(), &fakeMailer{}, &fakeNotifier{}, "")

	first, created, err := svc.UpsertIncident(ctx, usecase.UpsertIncidentInput{
		Severity: "CRITICAL", IncidentType: "lead_drop", Channel: "webhook", Title: "Lead flow stopped",
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "critical", first.Severity)
	assert.Equal(t, domain.IncidentOpen, first.Status)
	assert.Equal(t, domain.IncidentFingerprint("lead_drop", "webhook", "Lead flow stopped"), first.Fingerprint)

	again, created, err := svc.UpsertIncident(ctx, usecase.UpsertIncidentInput{
		Severity: "low", IncidentType: "lead_drop", Channel: "webhook", Title: "Lead flow stopped",
		Details: json.RawMessage(`{"count":3}`),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "low", again.Severity)
	assert.JSONEq(t, `{"count":3}`, string(again.Details))

	// A repeat without details keeps the stored ones.
	again, _, err = svc.UpsertIncident(ctx, usecase.UpsertIncidentInput{
		IncidentType: "lead_drop", Channel: "webhook", Title: "Lead flow stopped",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":3}`, string(again.Details))
	assert.Equal(t, "medium", again.Severity)
}

func TestGuardrails_UpsertIncident_ReopensResolved(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemStore()
	svc := newGuardrails(s, opsPlaybook(), &fakeMailer{}, &fakeNotifier{}, "")

	inc, _, err := svc.UpsertIncident(ctx, usecase.UpsertIncidentInput{
		IncidentType: "billing_gap", Title: "No invoices since 09:00",
	})
	require.NoError(t, err)
	require.NoError(t, svc.SetIncidentStatus(ctx, inc.ID, "resolved"))
	require.NotNil(t, s.incidents[inc.ID].ResolvedAt)

	reopened, created, err := svc.UpsertIncident(ctx, usecase.UpsertIncidentInput{
		IncidentType: "billing_gap", Title: "No invoices since 09:00",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, domain.IncidentOpen, reopened.Status)
	assert.Nil(t, reopened.AcknowledgedAt)
	assert.Nil(t, reopened.ResolvedAt)
}

func TestGuardrails_UpsertIncident_Validation(t *testing.T) {
	t.Parallel()
	svc := newGuardrails(newMemStore(), opsPlaybook(), &fakeMailer{}, &fakeNotifier{}, "")
	ctx := context.Background()

	_, _, err := svc.UpsertIncident(ctx, usecase.UpsertIncidentInput{Title: "x"})
	assert.EqualError(t, err, "invalid argument: incident_type is required")

	_, _, err = svc.UpsertIncident(ctx, usecase.UpsertIncidentInput{IncidentType: "x"})
	assert.EqualError(t, err, "invalid argument: title is required")
}

func TestGuardrails_SetIncidentStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemStore()
	svc := newGuardrails(s, opsPlaybook(), &fakeMailer{}, &fakeNotifier{}, "")
	inc, _, err := svc.UpsertIncident(ctx, usecase.UpsertIncidentInput{IncidentType: "lead_drop", Title: "t"})
	require.NoError(t, err)

	require.NoError(t, svc.SetIncidentStatus(ctx, inc.ID, "ack"))
	assert.Equal(t, domain.IncidentAck, s.incidents[inc.ID].Status)
	assert.NotNil(t, s.incidents[inc.ID].AcknowledgedAt)

	require.NoError(t, svc.SetIncidentStatus(ctx, inc.ID, "open"))
	assert.Nil(t, s.incidents[inc.ID].AcknowledgedAt)
	assert.Nil(t, s.incidents[inc.ID].ResolvedAt)

	err = svc.SetIncidentStatus(ctx, inc.ID, "closed")
	assert.EqualError(t, err, "invalid argument: status must be open/ack/resolved")

	err = svc.SetIncidentStatus(ctx, 999, "ack")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.EqualError(t, err, "not found: incident not found")
}

func TestGuardrails_ListIncidents_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemStore()
	svc := newGuardrails(s, opsPlaybook(), &fakeMailer{}, &fakeNotifier{}, "")
	_, _, err := svc.UpsertIncident(ctx, usecase.UpsertIncidentInput{IncidentType: "a", Title: "a"})
	require.NoError(t, err)
	inc, _, err := svc.UpsertIncident(ctx, usecase.UpsertIncidentInput{IncidentType: "b", Title: "b"})
	require.NoError(t, err)
	require.NoError(t, svc.SetIncidentStatus(ctx, inc.ID, "resolved"))

	all, err := svc.ListIncidents(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := svc.ListIncidents(ctx, "open", 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "a", open[0].IncidentType)

	_, err = svc.ListIncidents(ctx, "weird", 0)
	assert.EqualError(t, err, "invalid argument: status must be open/ack/resolved")

	_, err = svc.ListIncidents(ctx, "", 501)
	assert.EqualError(t, err, "invalid argument: limit must be in range 1..500")
}

func TestGuardrails_SyncTasks_MaterializesPlaybook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemStore()
	svc := newGuardrails(s, opsPlaybook(), &fakeMailer{}, &fakeNotifier{}, "")
	inc, _, err := svc.UpsertIncident(ctx, usecase.UpsertIncidentInput{
		Severity: "critical", IncidentType: "lead_drop", Channel: "webhook", Title: "Lead flow stopped",
	})
	require.NoError(t, err)

	created, err := svc.SyncTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	byAction := map[string]domain.IncidentTask{}
	for _, task := range s.tasks {
		byAction[task.ActionType] = *task
	}
	require.Len(t, byAction, 2)

	check := byAction["check_integration"]
	assert.Equal(t, inc.ID, check.IncidentID)
	assert.Equal(t, domain.TaskPending, check.Status)
	assert.Equal(t, "ops", check.Owner)
	// Critical severity raises the unpinned template to P1.
	assert.Equal(t, domain.PriorityP1, check.Priority)
	assert.Equal(t, "Check integration for webhook", check.Title)
	require.NotNil(t, check.DueAt)
	assert.WithinDuration(t, time.Now().UTC().Add(4*time.Hour), *check.DueAt, 2*time.Second)

	var snapshot map[string]string
	require.NoError(t, json.Unmarshal(check.Payload, &snapshot))
	assert.Equal(t, map[string]string{
		"incident_type": "lead_drop",
		"severity":      "critical",
		"channel":       "webhook",
		"title":         "Lead flow stopped",
	}, snapshot)

	oncall := byAction["notify_oncall"]
	assert.Equal(t, "oncall", oncall.Owner)
	assert.Equal(t, domain.PriorityP1, oncall.Priority)
	assert.Equal(t, "Page on-call", oncall.Title)

	// Active tasks block re-creation.
	created, err = svc.SyncTasks(ctx)
	require.NoError(t, err)
	assert.Zero(t, created)

	// A finished action is eligible again on the next sync.
	_, err = svc.UpdateTaskStatus(ctx, check.ID, "ops", usecase.UpdateTaskInput{Status: "done"})
	require.NoError(t, err)
	created, err = svc.SyncTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
}

func TestGuardrails_SyncTasks_FallbackTemplateAndWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemStore()
	svc := newGuardrails(s, opsPlaybook(), &fakeMailer{}, &fakeNotifier{}, "")
	_, _, err := svc.UpsertIncident(ctx, usecase.UpsertIncidentInput{
		Severity: "low", IncidentType: "mystery", Title: "Something odd",
	})
	require.NoError(t, err)

	created, err := svc.SyncTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, created)

	var task domain.IncidentTask
	for _, stored := range s.tasks {
		task = *stored
	}
	assert.Equal(t, "triage", task.ActionType)
	assert.Equal(t, domain.PriorityP2, task.Priority)
	assert.Equal(t, "ops", task.Owner)
	require.NotNil(t, task.DueAt)
	assert.WithinDuration(t, time.Now().UTC().Add(12*time.Hour), *task.DueAt, 2*time.Second)
}

func TestGuardrails_SyncTasks_SkipsNonOpenAndBlankChannel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemStore()
	svc := newGuardrails(s, opsPlaybook(), &fakeMailer{}, &fakeNotifier{}, "")

	inc, _, err := svc.UpsertIncident(ctx, usecase.UpsertIncidentInput{
		Severity: "high", IncidentType: "lead_drop", Title: "No channel set",
	})
	require.NoError(t, err)
	require.NoError(t, svc.SetIncidentStatus(ctx, inc.ID, "ack"))

	created, err := svc.SyncTasks(ctx)
	require.NoError(t, err)
	assert.Zero(t, created)

	require.NoError(t, svc.SetIncidentStatus(ctx, inc.ID, "open"))
	created, err = svc.SyncTasks(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, created)

	// The placeholder falls back to the literal word when no channel is set.
	for _, task := range s.tasks {
		if task.ActionType == "check_integration" {
			assert.Equal(t, "Check integration for channel", task.Title)
		}
	}
}

func TestGuardrails_UpdateTask_OptimisticConcurrency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemStore()
	svc := newGuardrails(s, opsPlaybook(), &fakeMailer{}, &fakeNotifier{}, "")
	task := seedTask(t, s, domain.PriorityP2, nil)

	stamp := s.tasks[task.ID].UpdatedAt.Format(time.RFC3339Nano)
	_, err := svc.UpdateTaskStatus(ctx, task.ID, "alice", usecase.UpdateTaskInput{
		Status: "in_progress", ExpectedUpdatedAt: stamp,
	})
	require.NoError(t, err)

	// The stamp is stale now; a second writer with it loses.
	_, err = svc.UpdateTaskStatus(ctx, task.ID, "bob", usecase.UpdateTaskInput{
		Status: "done", ExpectedUpdatedAt: stamp,
	})
	require.ErrorIs(t, err, domain.ErrConflict)
	assert.EqualError(t, err, "conflict: task was updated by another user, refresh and retry")

	_, err = svc.UpdateTaskStatus(ctx, task.ID, "bob", usecase.UpdateTaskInput{
		Status: "done", ExpectedUpdatedAt: "not-a-timestamp",
	})
	require.ErrorIs(t, err, domain.ErrConflict)

	assert.Equal(t, domain.TaskInProgress, s.tasks[task.ID].Status)
}

func TestGuardrails_UpdateTask_DoneAndReopenCounters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemStore()
	svc := newGuardrails(s, opsPlaybook(), &fakeMailer{}, &fakeNotifier{}, "")
	task := seedTask(t, s, domain.PriorityP2, nil)

	done, err := svc.UpdateTaskStatus(ctx, task.ID, "alice", usecase.UpdateTaskInput{Status: "done", Reason: "handled"})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskDone, done.Status)
	require.NotNil(t, done.DoneAt)

	audits, err := svc.AuditLog(ctx, task.ID, 0)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "alice", audits[0].Actor)
	assert.Equal(t, "update", audits[0].Action)
	var change map[string]any
	require.NoError(t, json.Unmarshal(audits[0].Change, &change))
	assert.Equal(t, map[string]any{"from": "pending", "to": "done"}, change["status"])
	assert.Equal(t, "handled", change["reason"])

	reopened, err := svc.UpdateTaskStatus(ctx, task.ID, "alice", usecase.UpdateTaskInput{Status: "in_progress"})
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.RetryCount)
	assert.Equal(t, 1, reopened.ReopenCount)
	assert.Nil(t, reopened.DoneAt)
}

func TestGuardrails_UpdateTask_FieldEditsClipAndDiff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemStore()
	svc := newGuardrails(s, opsPlaybook(), &fakeMailer{}, &fakeNotifier{}, "")
	task := seedTask(t, s, domain.PriorityP2, nil)

	due := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	longOwner := strings.Repeat("x", 100)
	updated, err := svc.UpdateTaskStatus(ctx, task.ID, "alice", usecase.UpdateTaskInput{
		Owner:    longOwner,
		Priority: "p3",
		DueAt:    &due,
		Reason:   strings.Repeat("r", 350),
	})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 80), updated.Owner)
	assert.Equal(t, domain.PriorityP3, updated.Priority)
	require.NotNil(t, updated.DueAt)
	assert.True(t, updated.DueAt.Equal(due))

	audits, err := svc.AuditLog(ctx, task.ID, 0)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	var change map[string]any
	require.NoError(t, json.Unmarshal(audits[0].Change, &change))
	assert.Contains(t, change, "owner")
	assert.Contains(t, change, "priority")
	assert.Equal(t, map[string]any{"from": "P2", "to": "P3"}, change["priority"])
	assert.Equal(t, "2026-09-01T12:00:00Z", change["due_at"].(map[string]any)["to"])
	assert.Len(t, change["reason"].(string), 300)
}

func TestGuardrails_UpdateTask_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newGuardrails(newMemStore(), opsPlaybook(), &fakeMailer{}, &fakeNotifier{}, "")

	_, err := svc.UpdateTaskStatus(ctx, 1, "a", usecase.UpdateTaskInput{Status: "archived"})
	assert.EqualError(t, err, "invalid argument: status must be pending/in_progress/done/cancelled")

	_, err = svc.UpdateTaskStatus(ctx, 1, "a", usecase.UpdateTaskInput{Priority: "P9"})
	assert.EqualError(t, err, "invalid argument: priority must be P1/P2/P3")

	_, err = svc.UpdateTaskStatus(ctx, 404, "a", usecase.UpdateTaskInput{Status: "done"})
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.EqualError(t, err, "not found: task not found")
}

func TestGuardrails_UpdateTask_OverdueStamps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemStore()
	svc := newGuardrails(s, opsPlaybook(), &fakeMailer{}, &fakeNotifier{}, "")
	past := time.Now().UTC().Add(-time.Hour)
	task := seedTask(t, s, domain.PriorityP2, &past)

	// Any edit of an overdue active task stamps overdue_since once.
	updated, err := svc.UpdateTaskStatus(ctx, task.ID, "a", usecase.UpdateTaskInput{Owner: "alice"})
	require.NoError(t, err)
	require.NotNil(t, updated.OverdueSince)
	assert.WithinDuration(t, time.Now().UTC(), *updated.OverdueSince, 2*time.Second)

	// Moving the deadline out clears the stamp.
	future := time.Now().UTC().Add(2 * time.Hour)
	updated, err = svc.UpdateTaskStatus(ctx, task.ID, "a", usecase.UpdateTaskInput{DueAt: &future})
	require.NoError(t, err)
	assert.Nil(t, updated.OverdueSince)

	// Terminal states never carry the stamp.
	pastAgain := time.Now().UTC().Add(-time.Hour)
	updated, err = svc.UpdateTaskStatus(ctx, task.ID, "a", usecase.UpdateTaskInput{DueAt: &pastAgain})
	require.NoError(t, err)
	require.NotNil(t, updated.OverdueSince)
	updated, err = svc.UpdateTaskStatus(ctx, task.ID, "a", usecase.UpdateTaskInput{Status: "cancelled"})
	require.NoError(t, err)
	assert.Nil(t, updated.OverdueSince)
}

func TestGuardrails_BatchDone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemStore()
	svc := newGuardrails(s, opsPlaybook(), &fakeMailer{}, &fakeNotifier{}, "")
	a := seedTask(t, s, domain.PriorityP2, nil)
	b := seedTask(t, s, domain.PriorityP2, nil)
	c := seedTask(t, s, domain.PriorityP2, nil)

	res, err := svc.BatchDone(ctx, "alice", "", []usecase.BatchItem{
		{TaskID: a.ID},
		{TaskID: 999},
		{TaskID: b.ID, ExpectedUpdatedAt: "2000-01-01T00:00:00Z"},
		{TaskID: c.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Changed)
	assert.Equal(t, []int64{a.ID, 999, b.ID, c.ID}, res.TaskIDs)
	assert.Equal(t, []int64{b.ID}, res.Conflicts)

	assert.Equal(t, domain.TaskDone, s.tasks[a.ID].Status)
	assert.Equal(t, domain.TaskPending, s.tasks[b.ID].Status)
	assert.Equal(t, domain.TaskDone, s.tasks[c.ID].Status)

	audits, err := svc.AuditLog(ctx, a.ID, 0)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	var change map[string]any
	require.NoError(t, json.Unmarshal(audits[0].Change, &change))
	assert.Equal(t, "batch_done", change["reason"])

	_, err = svc.BatchDone(ctx, "alice", "", nil)
	assert.EqualError(t, err, "invalid argument: items required")
}

func TestGuardrails_BatchPostpone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemStore()
	svc := newGuardrails(s, opsPlaybook(), &fakeMailer{}, &fakeNotifier{}, "")
	due := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	withDue := seedTask(t, s, domain.PriorityP2, &due)
	noDue := seedTask(t, s, domain.PriorityP2, nil)

	res, err := svc.BatchPostpone(ctx, "alice", "", []usecase.BatchItem{
		{TaskID: withDue.ID},
		{TaskID: noDue.ID},
		{TaskID: 999},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Changed)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, []int64{withDue.ID, noDue.ID, 999}, res.TaskIDs)

	// An existing deadline shifts exactly 24h; a missing one counts from now.
	require.NotNil(t, s.tasks[withDue.ID].DueAt)
	assert.True(t, s.tasks[withDue.ID].DueAt.Equal(due.Add(24*time.Hour)))
	require.NotNil(t, s.tasks[noDue.ID].DueAt)
	assert.WithinDuration(t, time.Now().UTC().Add(24*time.Hour), *s.tasks[noDue.ID].DueAt, 2*time.Second)

	audits, err := svc.AuditLog(ctx, withDue.ID, 0)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	var change map[string]any
	require.NoError(t, json.Unmarshal(audits[0].Change, &change))
	assert.Equal(t, "batch_postpone_24h", change["reason"])
	assert.Contains(t, change, "due_at")
}

func TestGuardrails_ListTasks_EnrichmentAndP1Alerts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemStore()
	mailer := &fakeMailer{}
	notifier := &fakeNotifier{}
	svc := newGuardrails(s, opsPlaybook(), mailer, notifier, "ops@example.com")

	due := time.Now().UTC().Add(-5 * time.Hour)
	task := seedTask(t, s, domain.PriorityP1, &due)

	views, sent, err := svc.ListTasks(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, 1, sent)

	v := views[0]
	assert.InDelta(t, 5.0, v.OverdueHours, 0.01)
	assert.Equal(t, domain.Bucket4to24, v.SLABucket)
	require.NotNil(t, v.OverdueSince)
	assert.True(t, v.OverdueSince.Equal(due))
	assert.Equal(t, string(domain.Bucket4to24), v.LastSLAAlertBucket)

	wantText := fmt.Sprintf("P1 SLA alert [4-24h] task=%d incident=%d owner=ops title=Page on-call due_at=%s",
		task.ID, task.IncidentID, due.Format(time.RFC3339))
	require.Len(t, notifier.texts, 1)
	assert.Equal(t, wantText, notifier.texts[0])
	require.Len(t, mailer.subjects, 1)
	assert.Equal(t, "[OPS] "+wantText, mailer.subjects[0])
	assert.Equal(t, []string{"ops@example.com"}, mailer.to)

	assert.Equal(t, string(domain.Bucket4to24), s.tasks[task.ID].LastSLAAlertBucket)
	audits, err := svc.AuditLog(ctx, task.ID, 0)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "system", audits[0].Actor)
	assert.Equal(t, "sla_alert", audits[0].Action)
	assert.JSONEq(t, `{"bucket":"4-24h"}`, string(audits[0].Change))

	// Same bucket on the next read: no second alert.
	_, sent, err = svc.ListTasks(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	assert.Zero(t, sent)

	// Escalating into the next bucket alerts once more.
	older := time.Now().UTC().Add(-30 * time.Hour)
	s.tasks[task.ID].DueAt = &older
	views, sent, err = svc.ListTasks(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, domain.BucketOver24, views[0].SLABucket)
	assert.Len(t, notifier.texts, 2)
}

func TestGuardrails_ListTasks_AlertsOnlyActiveOverdueP1(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemStore()
	notifier := &fakeNotifier{}
	mailer := &fakeMailer{}
	svc := newGuardrails(s, opsPlaybook(), mailer, notifier, "")

	past := time.Now().UTC().Add(-2 * time.Hour)
	future := time.Now().UTC().Add(2 * time.Hour)
	seedTask(t, s, domain.PriorityP2, &past)   // overdue but not P1
	seedTask(t, s, domain.PriorityP1, &future) // P1 but on time
	doneOverdue := seedTask(t, s, domain.PriorityP1, &past)
	s.tasks[doneOverdue.ID].Status = domain.TaskDone

	p1 := seedTask(t, s, domain.PriorityP1, &past)

	views, sent, err := svc.ListTasks(ctx, domain.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, views, 4)
	assert.Equal(t, 1, sent)
	require.Len(t, notifier.texts, 1)
	assert.Contains(t, notifier.texts[0], fmt.Sprintf("task=%d", p1.ID))
	// No alert address configured: the email leg stays quiet.
	assert.Empty(t, mailer.to)

	// Terminal tasks read as on_time regardless of their old deadline.
	for _, view := range views {
		if view.ID == doneOverdue.ID {
			assert.Zero(t, view.OverdueHours)
			assert.Equal(t, domain.BucketOnTime, view.SLABucket)
		}
	}
}

func TestGuardrails_ListTasks_FilterValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc := newGuardrails(newMemStore(), opsPlaybook(), &fakeMailer{}, &fakeNotifier{}, "")

	_, _, err := svc.ListTasks(ctx, domain.TaskFilter{Limit: 501})
	assert.EqualError(t, err, "invalid argument: limit must be in range 1..500")

	_, _, err = svc.ListTasks(ctx, domain.TaskFilter{Status: "archived"})
	assert.EqualError(t, err, "invalid argument: status must be pending/in_progress/done/cancelled")
}

func TestGuardrails_AuditLog_Limits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newMemStore()
	svc := newGuardrails(s, opsPlaybook(), &fakeMailer{}, &fakeNotifier{}, "")
	a := seedTask(t, s, domain.PriorityP2, nil)
	b := seedTask(t, s, domain.PriorityP2, nil)
	_, err := svc.UpdateTaskStatus(ctx, a.ID, "x", usecase.UpdateTaskInput{Status: "done"})
	require.NoError(t, err)
	_, err = svc.UpdateTaskStatus(ctx, b.ID, "x", usecase.UpdateTaskInput{Status: "done"})
	require.NoError(t, err)

	all, err := svc.AuditLog(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	// Newest first.
	assert.Equal(t, b.ID, all[0].TaskID)

	only, err := svc.AuditLog(ctx, a.ID, 0)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, a.ID, only[0].TaskID)

	_, err = svc.AuditLog(ctx, 0, 1001)
	assert.EqualError(t, err, "invalid argument: limit must be in range 1..1000")

	neg, err := svc.AuditLog(ctx, -1, 0)
	require.NoError(t, err)
	assert.Len(t, neg, 2)
}

// seedTask inserts one pending P-priority task directly into the store.
func seedTask(t *testing.T, s *memStore, priority domain.TaskPriority, dueAt *time.Time) domain.IncidentTask {
	t.Helper()
	s.incSeq++
	task, err := fakeTasks{s}.Insert(context.Background(), domain.IncidentTask{
		IncidentID: s.incSeq,
		Status:     domain.TaskPending,
		Owner:      "ops",
		Priority:   priority,
		DueAt:      dueAt,
		Title:      "Page on-call",
		ActionType: "notify_oncall",
		Payload:    json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	return task
}
