package domain

import (
	"encoding/json"
	"time"
)

// TxRunner scopes a function to one database transaction. Nested calls
// join the ambient transaction. Every cross-row mutation in the ledger,
// job, webhook and guardrail flows runs under WithTx.
type TxRunner interface {
	WithTx(ctx Context, fn func(ctx Context) error) error
}

// Repositories (ports). Implementations read an ambient transaction from
// the context when present, else use the pool.

//go:generate mockery --name=Provider --with-expecter --filename=provider_mock.go
//go:generate mockery --name=Mailer --with-expecter --filename=mailer_mock.go
//go:generate mockery --name=Notifier --with-expecter --filename=notifier_mock.go
//go:generate mockery --name=CheckoutClient --with-expecter --filename=checkout_client_mock.go
//go:generate mockery --name=WebhookVerifier --with-expecter --filename=webhook_verifier_mock.go
//go:generate mockery --name=LoginLimiter --with-expecter --filename=login_limiter_mock.go

type UserRepo interface {
	Create(ctx Context, email, passwordHash string) (User, error)
	ByEmail(ctx Context, email string) (User, error)
	ByID(ctx Context, id int64) (User, error)
	// LockByID acquires the user row lock that serializes balance writes.
	LockByID(ctx Context, id int64) (User, error)
}

type SessionRepo interface {
	Create(ctx Context, userID int64, tokenHash string, expiresAt time.Time) (AuthSession, error)
	ByTokenHash(ctx Context, tokenHash string) (AuthSession, error)
	TouchLastUsed(ctx Context, id int64, at time.Time) error
	RevokeByTokenHash(ctx Context, tokenHash string, at time.Time) (int64, error)
}

type LedgerRepo interface {
	// Insert appends an entry. applied=false means the idempotency key
	// already exists and nothing was written.
	Insert(ctx Context, e LedgerEntry) (entry LedgerEntry, applied bool, err error)
	ByIdempotencyKey(ctx Context, key string) (LedgerEntry, error)
	SumBalance(ctx Context, userID int64) (int64, error)
	ListByUser(ctx Context, userID int64, limit int) ([]LedgerEntry, error)
	ListBySource(ctx Context, sourceType, sourceID string) ([]LedgerEntry, error)
}

type WebhookRepo interface {
	// Insert dedupes on (provider, event_id); created=false means replay.
	Insert(ctx Context, provider, eventID, eventType string, payload []byte) (id int64, created bool, err error)
	MarkStatus(ctx Context, id int64, status WebhookStatus, errorText string, at time.Time) error
	ByProviderEventID(ctx Context, provider, eventID string) (WebhookEvent, error)
}

type JobRepo interface {
	Insert(ctx Context, j Job) (Job, error)
	ByID(ctx Context, id int64) (Job, error)
	ByIDForUser(ctx Context, id, userID int64) (Job, error)
	// LockByID re-locks a job for settlement; settle paths assert status
	// afterwards.
	LockByID(ctx Context, id int64) (Job, error)
	ByIdemKey(ctx Context, userID int64, key string) (Job, error)
	ListByUser(ctx Context, userID int64, limit int) ([]Job, error)
	// ClaimNext atomically claims the oldest runnable queued job
	// (FOR UPDATE SKIP LOCKED) and moves it to running, incrementing
	// attempt_count. ErrNotFound when the queue is empty.
	ClaimNext(ctx Context, now time.Time) (Job, error)
	Requeue(ctx Context, id int64, availableAt time.Time, lastError string) error
	MarkSucceeded(ctx Context, id int64, result json.RawMessage, providerJobID string, at time.Time) error
	MarkFailed(ctx Context, id int64, lastError string, at time.Time) error
	StaleRunning(ctx Context, olderThan time.Time, limit int) ([]Job, error)
}

type JobEventRepo interface {
	Append(ctx Context, jobID int64, eventType JobEventType, payload json.RawMessage) error
	ListByJob(ctx Context, jobID int64, limit int) ([]JobEvent, error)
}

type DeadLetterRepo interface {
	// Insert is idempotent per job_id; created=false means one exists.
	Insert(ctx Context, d DeadLetter) (created bool, err error)
	List(ctx Context, limit int) ([]DeadLetter, error)
}

type IncidentRepo interface {
	// Insert dedupes on fingerprint; created=false means the row exists.
	Insert(ctx Context, inc Incident) (Incident, bool, error)
	LockByFingerprint(ctx Context, fingerprint string) (Incident, error)
	Update(ctx Context, inc Incident) (Incident, error)
	ByID(ctx Context, id int64) (Incident, error)
	List(ctx Context, status string, limit int) ([]Incident, error)
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	Status      string
	Owner       string
	Priority    string
	IncidentID  int64
	OverdueOnly bool
	Limit       int
}

type TaskRepo interface {
	Insert(ctx Context, t IncidentTask) (IncidentTask, error)
	ByID(ctx Context, id int64) (IncidentTask, error)
	LockByID(ctx Context, id int64) (IncidentTask, error)
	Update(ctx Context, t IncidentTask, at time.Time) (IncidentTask, error)
	List(ctx Context, f TaskFilter) ([]IncidentTask, error)
	HasActiveForAction(ctx Context, incidentID int64, actionType string) (bool, error)
	SetSLAAlert(ctx Context, id int64, bucket SLABucket, at time.Time) error
}

type AuditRepo interface {
	Append(ctx Context, taskID int64, actor, action string, change json.RawMessage) error
	List(ctx Context, taskID int64, limit int) ([]IncidentTaskAudit, error)
}

// OpsSnapshot is the SQL-derived operational metrics payload.
type OpsSnapshot struct {
	JobsByStatus      map[string]int64 `json:"queue_depth"`
	WebhookFailures1h int64            `json:"webhook_failed_last_hour"`
	JobFailures1h     int64            `json:"jobs_failed_last_hour"`
	DeadLetters24h    int64            `json:"dead_letters_last_24h"`
	JobDurationP95s   float64          `json:"job_duration_p95_seconds_24h"`
}

type OpsRepo interface {
	Snapshot(ctx Context, now time.Time) (OpsSnapshot, error)
}

// Provider runs external work for a claimed job. Run happens outside any
// database transaction and must honor ctx deadlines.
type Provider interface {
	Name() string
	Run(ctx Context, j Job) (providerJobID string, result json.RawMessage, err error)
}

// TaskTemplate is one task a playbook prescribes for an incident type.
// An empty Priority defers to the incident severity.
type TaskTemplate struct {
	ActionType string
	Owner      string
	Title      string
	Priority   TaskPriority
}

// Playbook maps incident types to the tasks that should exist for them.
type Playbook interface {
	TemplatesFor(incidentType string) []TaskTemplate
}

// Mailer delivers a plain-text alert email.
type Mailer interface {
	Send(ctx Context, to, subject, body string) error
}

// Notifier posts a short alert message (Slack webhook in production).
type Notifier interface {
	Notify(ctx Context, text string) error
}

// CheckoutParams describes a credits purchase to start.
type CheckoutParams struct {
	UserID      int64
	Credits     int64
	AmountCents int64
	Currency    string
	SuccessURL  string
	CancelURL   string
	ProductName string
}

// CheckoutSession is the provider-side session handle.
type CheckoutSession struct {
	ID  string `json:"checkout_session_id"`
	URL string `json:"url"`
}

type CheckoutClient interface {
	CreateCheckoutSession(ctx Context, p CheckoutParams) (CheckoutSession, error)
}

// WebhookEnvelope is a verified inbound event.
type WebhookEnvelope struct {
	EventID   string
	EventType string
	Data      json.RawMessage
}

// WebhookVerifier checks the provider signature over the raw body and
// returns the parsed envelope. ErrInvalidArgument on any verification
// failure.
type WebhookVerifier interface {
	Verify(payload []byte, signature string) (WebhookEnvelope, error)
}

// LoginLimiter throttles login attempts per (email, client IP).
// Allow returns ErrRateLimited while the key is locked out.
type LoginLimiter interface {
	Allow(ctx Context, email, ip string) error
	Fail(ctx Context, email, ip string) error
	Reset(ctx Context, email, ip string) error
}
