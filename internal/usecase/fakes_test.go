package usecase_test

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/danieloza/backoffice/internal/domain"
)

// memStore backs the repository fakes with plain maps and slices. It keeps
// the contracts the services rely on (idempotency-key dedupe, not-found
// sentinels, claim ordering) without any real locking.
type memStore struct {
	users   map[int64]domain.User
	userSeq int64

	sessions map[string]domain.AuthSession
	sessSeq  int64

	entries  []domain.LedgerEntry
	entrySeq int64

	hooks   map[string]*domain.WebhookEvent
	hookSeq int64

	jobs   map[int64]*domain.Job
	jobSeq int64

	events   []domain.JobEvent
	eventSeq int64

	deads   []domain.DeadLetter
	deadSeq int64

	incidents map[int64]*domain.Incident
	incSeq    int64

	tasks   map[int64]*domain.IncidentTask
	taskSeq int64

	audits   []domain.IncidentTaskAudit
	auditSeq int64
}

func newMemStore() *memStore {
	return &memStore{
		users:     map[int64]domain.User{},
		sessions:  map[string]domain.AuthSession{},
		hooks:     map[string]*domain.WebhookEvent{},
		jobs:      map[int64]*domain.Job{},
		incidents: map[int64]*domain.Incident{},
		tasks:     map[int64]*domain.IncidentTask{},
	}
}

func (s *memStore) addUser(email, passwordHash string, active bool) domain.User {
	s.userSeq++
	u := domain.User{ID: s.userSeq, Email: email, PasswordHash: passwordHash, IsActive: active, CreatedAt: time.Now().UTC()}
	s.users[u.ID] = u
	return u
}

func (s *memStore) seedBalance(userID, amount int64) {
	s.entrySeq++
	s.entries = append(s.entries, domain.LedgerEntry{
		ID:             s.entrySeq,
		UserID:         userID,
		EntryType:      domain.EntryTopup,
		Amount:         amount,
		BalanceAfter:   amount,
		SourceType:     "seed",
		SourceID:       "seed",
		IdempotencyKey: fmt.Sprintf("seed:%d:%d", userID, s.entrySeq),
		CreatedAt:      time.Now().UTC(),
	})
}

func (s *memStore) balance(userID int64) int64 {
	var sum int64
	for _, e := range s.entries {
		if e.UserID == userID {
			sum += e.Amount
		}
	}
	return sum
}

func (s *memStore) entriesByType(userID int64, t domain.EntryType) []domain.LedgerEntry {
	var out []domain.LedgerEntry
	for _, e := range s.entries {
		if e.UserID == userID && e.EntryType == t {
			out = append(out, e)
		}
	}
	return out
}

func (s *memStore) eventsFor(jobID int64) []domain.JobEvent {
	var out []domain.JobEvent
	for _, e := range s.events {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	return out
}

// fakeTx runs the function directly; nesting works the same way it does
// against the real store, where inner calls join the ambient transaction.
type fakeTx struct{}

func (fakeTx) WithTx(ctx domain.Context, fn func(domain.Context) error) error { return fn(ctx) }

type fakeUsers struct{ s *memStore }

func (f fakeUsers) Create(_ domain.Context, email, passwordHash string) (domain.User, error) {
	for _, u := range f.s.users {
		if u.Email == email {
			return domain.User{}, fmt.Errorf("insert user: %w", domain.ErrConflict)
		}
	}
	return f.s.addUser(email, passwordHash, true), nil
}

func (f fakeUsers) ByEmail(_ domain.Context, email string) (domain.User, error) {
	for _, u := range f.s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return domain.User{}, domain.ErrNotFound
}

func (f fakeUsers) ByID(_ domain.Context, id int64) (domain.User, error) {
	u, ok := f.s.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (f fakeUsers) LockByID(ctx domain.Context, id int64) (domain.User, error) {
	return f.ByID(ctx, id)
}

type fakeSessions struct{ s *memStore }

func (f fakeSessions) Create(_ domain.Context, userID int64, tokenHash string, expiresAt time.Time) (domain.AuthSession, error) {
	f.s.sessSeq++
	sess := domain.AuthSession{ID: f.s.sessSeq, UserID: userID, TokenHash: tokenHash, CreatedAt: time.Now().UTC(), ExpiresAt: expiresAt}
	f.s.sessions[tokenHash] = sess
	return sess, nil
}

func (f fakeSessions) ByTokenHash(_ domain.Context, tokenHash string) (domain.AuthSession, error) {
	sess, ok := f.s.sessions[tokenHash]
	if !ok {
		return domain.AuthSession{}, domain.ErrNotFound
	}
	return sess, nil
}

func (f fakeSessions) TouchLastUsed(_ domain.Context, id int64, at time.Time) error {
	for k, sess := range f.s.sessions {
		if sess.ID == id {
			sess.LastUsedAt = &at
			f.s.sessions[k] = sess
		}
	}
	return nil
}

func (f fakeSessions) RevokeByTokenHash(_ domain.Context, tokenHash string, at time.Time) (int64, error) {
	sess, ok := f.s.sessions[tokenHash]
	if !ok || sess.RevokedAt != nil {
		return 0, nil
	}
	sess.RevokedAt = &at
	f.s.sessions[tokenHash] = sess
	return 1, nil
}

type fakeLedgerRepo struct{ s *memStore }

func (f fakeLedgerRepo) Insert(_ domain.Context, e domain.LedgerEntry) (domain.LedgerEntry, bool, error) {
	for _, prev := range f.s.entries {
		if prev.IdempotencyKey == e.IdempotencyKey {
			// Same contract as the SQL repo: conflicting keys write
			// nothing and return a zero entry.
			return domain.LedgerEntry{}, false, nil
		}
	}
	f.s.entrySeq++
	e.ID = f.s.entrySeq
	e.CreatedAt = time.Now().UTC()
	f.s.entries = append(f.s.entries, e)
	return e, true, nil
}

func (f fakeLedgerRepo) ByIdempotencyKey(_ domain.Context, key string) (domain.LedgerEntry, error) {
	for _, e := range f.s.entries {
		if e.IdempotencyKey == key {
			return e, nil
		}
	}
	return domain.LedgerEntry{}, domain.ErrNotFound
}

func (f fakeLedgerRepo) SumBalance(_ domain.Context, userID int64) (int64, error) {
	return f.s.balance(userID), nil
}

func (f fakeLedgerRepo) ListByUser(_ domain.Context, userID int64, limit int) ([]domain.LedgerEntry, error) {
	out := []domain.LedgerEntry{}
	for i := len(f.s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if f.s.entries[i].UserID == userID {
			out = append(out, f.s.entries[i])
		}
	}
	return out, nil
}

func (f fakeLedgerRepo) ListBySource(_ domain.Context, sourceType, sourceID string) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for _, e := range f.s.entries {
		if e.SourceType == sourceType && e.SourceID == sourceID {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeWebhooks struct{ s *memStore }

func (f fakeWebhooks) Insert(_ domain.Context, provider, eventID, eventType string, payload []byte) (int64, bool, error) {
	key := provider + "|" + eventID
	if prev, ok := f.s.hooks[key]; ok {
		return prev.ID, false, nil
	}
	f.s.hookSeq++
	f.s.hooks[key] = &domain.WebhookEvent{
		ID: f.s.hookSeq, Provider: provider, EventID: eventID, EventType: eventType,
		Payload: payload, ReceivedAt: time.Now().UTC(), Status: domain.WebhookReceived,
	}
	return f.s.hookSeq, true, nil
}

func (f fakeWebhooks) MarkStatus(_ domain.Context, id int64, status domain.WebhookStatus, errorText string, at time.Time) error {
	for _, h := range f.s.hooks {
		if h.ID == id {
			h.Status = status
			h.ErrorText = errorText
			h.ProcessedAt = &at
		}
	}
	return nil
}

func (f fakeWebhooks) ByProviderEventID(_ domain.Context, provider, eventID string) (domain.WebhookEvent, error) {
	if h, ok := f.s.hooks[provider+"|"+eventID]; ok {
		return *h, nil
	}
	return domain.WebhookEvent{}, domain.ErrNotFound
}

type fakeJobs struct{ s *memStore }

func (f fakeJobs) Insert(_ domain.Context, j domain.Job) (domain.Job, error) {
	if j.IdemKey != nil {
		for _, prev := range f.s.jobs {
			if prev.UserID == j.UserID && prev.IdemKey != nil && *prev.IdemKey == *j.IdemKey {
				return domain.Job{}, fmt.Errorf("insert job: %w", domain.ErrConflict)
			}
		}
	}
	f.s.jobSeq++
	j.ID = f.s.jobSeq
	j.Status = domain.JobQueued
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	cp := j
	f.s.jobs[j.ID] = &cp
	return j, nil
}

func (f fakeJobs) ByID(_ domain.Context, id int64) (domain.Job, error) {
	j, ok := f.s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (f fakeJobs) ByIDForUser(_ domain.Context, id, userID int64) (domain.Job, error) {
	j, ok := f.s.jobs[id]
	if !ok || j.UserID != userID {
		return domain.Job{}, domain.ErrNotFound
	}
	return *j, nil
}

func (f fakeJobs) LockByID(ctx domain.Context, id int64) (domain.Job, error) {
	return f.ByID(ctx, id)
}

func (f fakeJobs) ByIdemKey(_ domain.Context, userID int64, key string) (domain.Job, error) {
	for _, j := range f.s.jobs {
		if j.UserID == userID && j.IdemKey != nil && *j.IdemKey == key {
			return *j, nil
		}
	}
	return domain.Job{}, domain.ErrNotFound
}

func (f fakeJobs) ListByUser(_ domain.Context, userID int64, limit int) ([]domain.Job, error) {
	var out []domain.Job
	for _, j := range f.s.jobs {
		if j.UserID == userID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f fakeJobs) ClaimNext(_ domain.Context, now time.Time) (domain.Job, error) {
	var pick *domain.Job
	for _, j := range f.s.jobs {
		if j.Status != domain.JobQueued || j.AvailableAt.After(now) {
			continue
		}
		if pick == nil || j.AvailableAt.Before(pick.AvailableAt) ||
			(j.AvailableAt.Equal(pick.AvailableAt) && j.ID < pick.ID) {
			pick = j
		}
	}
	if pick == nil {
		return domain.Job{}, domain.ErrNotFound
	}
	pick.Status = domain.JobRunning
	pick.AttemptCount++
	if pick.StartedAt == nil {
		at := now
		pick.StartedAt = &at
	}
	pick.UpdatedAt = now
	return *pick, nil
}

func (f fakeJobs) Requeue(_ domain.Context, id int64, availableAt time.Time, lastError string) error {
	j, ok := f.s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = domain.JobQueued
	j.AvailableAt = availableAt
	j.LastError = lastError
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (f fakeJobs) MarkSucceeded(_ domain.Context, id int64, result json.RawMessage, providerJobID string, at time.Time) error {
	j, ok := f.s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = domain.JobSucceeded
	j.Result = result
	if providerJobID != "" {
		j.ProviderJobID = providerJobID
	}
	j.FinishedAt = &at
	j.UpdatedAt = at
	return nil
}

func (f fakeJobs) MarkFailed(_ domain.Context, id int64, lastError string, at time.Time) error {
	j, ok := f.s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = domain.JobFailed
	j.LastError = lastError
	j.FinishedAt = &at
	j.UpdatedAt = at
	return nil
}

func (f fakeJobs) StaleRunning(_ domain.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	var out []domain.Job
	for _, j := range f.s.jobs {
		if j.Status == domain.JobRunning && j.UpdatedAt.Before(olderThan) {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeJobEvents struct{ s *memStore }

func (f fakeJobEvents) Append(_ domain.Context, jobID int64, eventType domain.JobEventType, payload json.RawMessage) error {
	f.s.eventSeq++
	f.s.events = append(f.s.events, domain.JobEvent{
		ID: f.s.eventSeq, JobID: jobID, EventType: eventType, Payload: payload, CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (f fakeJobEvents) ListByJob(_ domain.Context, jobID int64, limit int) ([]domain.JobEvent, error) {
	out := []domain.JobEvent{}
	for _, e := range f.s.events {
		if e.JobID == jobID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeDead struct{ s *memStore }

func (f fakeDead) Insert(_ domain.Context, d domain.DeadLetter) (bool, error) {
	for _, prev := range f.s.deads {
		if prev.JobID == d.JobID {
			return false, nil
		}
	}
	f.s.deadSeq++
	d.ID = f.s.deadSeq
	d.CreatedAt = time.Now().UTC()
	f.s.deads = append(f.s.deads, d)
	return true, nil
}

func (f fakeDead) List(_ domain.Context, limit int) ([]domain.DeadLetter, error) {
	out := []domain.DeadLetter{}
	for i := len(f.s.deads) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.s.deads[i])
	}
	return out, nil
}

type fakeIncidents struct{ s *memStore }

func (f fakeIncidents) Insert(_ domain.Context, inc domain.Incident) (domain.Incident, bool, error) {
	for _, prev := range f.s.incidents {
		if prev.Fingerprint == inc.Fingerprint {
			return domain.Incident{}, false, nil
		}
	}
	f.s.incSeq++
	inc.ID = f.s.incSeq
	now := time.Now().UTC()
	inc.CreatedAt, inc.UpdatedAt = now, now
	cp := inc
	f.s.incidents[inc.ID] = &cp
	return inc, true, nil
}

func (f fakeIncidents) LockByFingerprint(_ domain.Context, fingerprint string) (domain.Incident, error) {
	for _, inc := range f.s.incidents {
		if inc.Fingerprint == fingerprint {
			return *inc, nil
		}
	}
	return domain.Incident{}, domain.ErrNotFound
}

func (f fakeIncidents) Update(_ domain.Context, inc domain.Incident) (domain.Incident, error) {
	stored, ok := f.s.incidents[inc.ID]
	if !ok {
		return domain.Incident{}, domain.ErrNotFound
	}
	inc.CreatedAt = stored.CreatedAt
	inc.UpdatedAt = time.Now().UTC()
	*stored = inc
	return inc, nil
}

func (f fakeIncidents) ByID(_ domain.Context, id int64) (domain.Incident, error) {
	inc, ok := f.s.incidents[id]
	if !ok {
		return domain.Incident{}, domain.ErrNotFound
	}
	return *inc, nil
}

func (f fakeIncidents) List(_ domain.Context, status string, limit int) ([]domain.Incident, error) {
	out := []domain.Incident{}
	for _, inc := range f.s.incidents {
		if status == "" || string(inc.Status) == status {
			out = append(out, *inc)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].UpdatedAt.Equal(out[b].UpdatedAt) {
			return out[a].UpdatedAt.After(out[b].UpdatedAt)
		}
		return out[a].ID > out[b].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeTasks struct{ s *memStore }

func (f fakeTasks) Insert(_ domain.Context, t domain.IncidentTask) (domain.IncidentTask, error) {
	for _, prev := range f.s.tasks {
		if prev.IncidentID == t.IncidentID && prev.ActionType == t.ActionType && !domain.TerminalTask(prev.Status) {
			return domain.IncidentTask{}, fmt.Errorf("insert task: %w", domain.ErrConflict)
		}
	}
	f.s.taskSeq++
	t.ID = f.s.taskSeq
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	cp := t
	f.s.tasks[t.ID] = &cp
	return t, nil
}

func (f fakeTasks) ByID(_ domain.Context, id int64) (domain.IncidentTask, error) {
	t, ok := f.s.tasks[id]
	if !ok {
		return domain.IncidentTask{}, domain.ErrNotFound
	}
	return *t, nil
}

func (f fakeTasks) LockByID(ctx domain.Context, id int64) (domain.IncidentTask, error) {
	return f.ByID(ctx, id)
}

func (f fakeTasks) Update(_ domain.Context, t domain.IncidentTask, at time.Time) (domain.IncidentTask, error) {
	stored, ok := f.s.tasks[t.ID]
	if !ok {
		return domain.IncidentTask{}, domain.ErrNotFound
	}
	t.CreatedAt = stored.CreatedAt
	t.LastSLAAlertBucket = stored.LastSLAAlertBucket
	t.LastSLAAlertAt = stored.LastSLAAlertAt
	t.UpdatedAt = at
	*stored = t
	return t, nil
}

func (f fakeTasks) List(_ domain.Context, flt domain.TaskFilter) ([]domain.IncidentTask, error) {
	out := []domain.IncidentTask{}
	now := time.Now().UTC()
	for _, t := range f.s.tasks {
		if flt.Status != "" && string(t.Status) != flt.Status {
			continue
		}
		if flt.Owner != "" && t.Owner != flt.Owner {
			continue
		}
		if flt.Priority != "" && string(t.Priority) != flt.Priority {
			continue
		}
		if flt.IncidentID > 0 && t.IncidentID != flt.IncidentID {
			continue
		}
		if flt.OverdueOnly && (t.DueAt == nil || !now.After(*t.DueAt) || domain.TerminalTask(t.Status)) {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].UpdatedAt.Equal(out[b].UpdatedAt) {
			return out[a].UpdatedAt.After(out[b].UpdatedAt)
		}
		return out[a].ID > out[b].ID
	})
	if flt.Limit > 0 && len(out) > flt.Limit {
		out = out[:flt.Limit]
	}
	return out, nil
}

func (f fakeTasks) HasActiveForAction(_ domain.Context, incidentID int64, actionType string) (bool, error) {
	for _, t := range f.s.tasks {
		if t.IncidentID == incidentID && t.ActionType == actionType && !domain.TerminalTask(t.Status) {
			return true, nil
		}
	}
	return false, nil
}

func (f fakeTasks) SetSLAAlert(_ domain.Context, id int64, bucket domain.SLABucket, at time.Time) error {
	t, ok := f.s.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.LastSLAAlertBucket = string(bucket)
	alertAt := at
	t.LastSLAAlertAt = &alertAt
	return nil
}

type fakeAudits struct{ s *memStore }

func (f fakeAudits) Append(_ domain.Context, taskID int64, actor, action string, change json.RawMessage) error {
	f.s.auditSeq++
	f.s.audits = append(f.s.audits, domain.IncidentTaskAudit{
		ID: f.s.auditSeq, TaskID: taskID, Actor: actor, Action: action, Change: change, CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (f fakeAudits) List(_ domain.Context, taskID int64, limit int) ([]domain.IncidentTaskAudit, error) {
	out := []domain.IncidentTaskAudit{}
	for i := len(f.s.audits) - 1; i >= 0 && len(out) < limit; i-- {
		if taskID > 0 && f.s.audits[i].TaskID != taskID {
			continue
		}
		out = append(out, f.s.audits[i])
	}
	return out, nil
}

type fakeOps struct{ snap domain.OpsSnapshot }

func (f *fakeOps) Snapshot(_ domain.Context, _ time.Time) (domain.OpsSnapshot, error) {
	return f.snap, nil
}

type fakeLimiter struct {
	allowErr error
	fails    int
	resets   int
}

func (l *fakeLimiter) Allow(_ domain.Context, _, _ string) error { return l.allowErr }
func (l *fakeLimiter) Fail(_ domain.Context, _, _ string) error  { l.fails++; return nil }
func (l *fakeLimiter) Reset(_ domain.Context, _, _ string) error { l.resets++; return nil }

type fakeCheckout struct {
	got  domain.CheckoutParams
	sess domain.CheckoutSession
	err  error
}

func (c *fakeCheckout) CreateCheckoutSession(_ domain.Context, p domain.CheckoutParams) (domain.CheckoutSession, error) {
	c.got = p
	if c.err != nil {
		return domain.CheckoutSession{}, c.err
	}
	return c.sess, nil
}

type fakeVerifier struct {
	env domain.WebhookEnvelope
	err error
}

func (v fakeVerifier) Verify(_ []byte, _ string) (domain.WebhookEnvelope, error) {
	if v.err != nil {
		return domain.WebhookEnvelope{}, v.err
	}
	return v.env, nil
}

type fakeMailer struct {
	to       []string
	subjects []string
	err      error
}

func (m *fakeMailer) Send(_ domain.Context, to, subject, _ string) error {
	if m.err != nil {
		return m.err
	}
	m.to = append(m.to, to)
	m.subjects = append(m.subjects, subject)
	return nil
}

type fakeNotifier struct {
	texts []string
	err   error
}

func (n *fakeNotifier) Notify(_ domain.Context, text string) error {
	if n.err != nil {
		return n.err
	}
	n.texts = append(n.texts, text)
	return nil
}

type fakePlaybook struct {
	rules    map[string][]domain.TaskTemplate
	fallback []domain.TaskTemplate
}

func (p fakePlaybook) TemplatesFor(incidentType string) []domain.TaskTemplate {
	if ts, ok := p.rules[incidentType]; ok {
		return ts
	}
	return p.fallback
}
