package domain

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Context is an alias so ports stay readable without importing std context
// at every call site.
type Context = context.Context

// User is an account that owns credits, sessions and jobs.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthSession stores only the SHA-256 hash of the bearer token.
// A session is valid iff RevokedAt is nil and now < ExpiresAt.
type AuthSession struct {
	ID         int64      `json:"id"`
	UserID     int64      `json:"user_id"`
	TokenHash  string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryTopup      EntryType = "topup"
	EntryHold       EntryType = "hold"
	EntryRelease    EntryType = "release"
	EntryConsume    EntryType = "consume"
	EntryAdjustment EntryType = "adjustment"
)

// LedgerEntry is an append-only signed movement of credits.
// Signs: topup>=0, hold<0, release>0, consume<0, adjustment any non-zero.
// BalanceAfter is the running sum for the user up to and including this row.
type LedgerEntry struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id"`
	EntryType      EntryType       `json:"entry_type"`
	Amount         int64           `json:"amount"`
	BalanceAfter   int64           `json:"balance_after"`
	SourceType     string          `json:"source_type"`
	SourceID       string          `json:"source_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Meta           json.RawMessage `json:"meta,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// WebhookStatus enumerates webhook event dispositions.
type WebhookStatus string

const (
	WebhookReceived  WebhookStatus = "received"
	WebhookProcessed WebhookStatus = "processed"
	WebhookDuplicate WebhookStatus = "duplicate"
	WebhookIgnored   WebhookStatus = "ignored"
	WebhookFailed    WebhookStatus = "failed"
)

// WebhookEvent is the dedupe anchor for inbound provider events,
// unique on (provider, event_id).
type WebhookEvent struct {
	ID          int64           `json:"id"`
	Provider    string          `json:"provider"`
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
	Status      WebhookStatus   `json:"status"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	ErrorText   string          `json:"error_text,omitempty"`
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// DefaultMaxAttempts applies when a job is created without an explicit
// attempt budget.
const DefaultMaxAttempts = 5

// Job is a unit of provider work paid for with a credit hold.
type Job struct {
	ID            int64           `json:"id"`
	UserID        int64           `json:"user_id"`
	Provider      string          `json:"provider"`
	Operation     string          `json:"operation"`
	Input         json.RawMessage `json:"input,omitempty"`
	Status        JobStatus       `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	MaxAttempts   int             `json:"max_attempts"`
	CreditsCost   int64           `json:"credits_cost"`
	AvailableAt   time.Time       `json:"available_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	ProviderJobID string          `json:"provider_job_id,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	IdemKey       *string         `json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Terminal reports whether the job reached a final state.
func (j Job) Terminal() bool { return j.Status == JobSucceeded || j.Status == JobFailed }

// JobEventType enumerates job history events.
type JobEventType string

const (
	JobEventQueued         JobEventType = "queued"
	JobEventStarted        JobEventType = "started"
	JobEventRetryScheduled JobEventType = "retry_scheduled"
	JobEventSucceeded      JobEventType = "succeeded"
	JobEventFailed         JobEventType = "failed"
)

// JobEvent is an append-only history row for diagnostics.
type JobEvent struct {
	ID        int64           `json:"id"`
	JobID     int64           `json:"job_id"`
	EventType JobEventType    `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// DeadLetter records a job that exhausted its retry budget; at most one per job.
type DeadLetter struct {
	ID        int64           `json:"id"`
	JobID     int64           `json:"job_id"`
	UserID    int64           `json:"user_id"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// IncidentStatus enumerates incident states.
type IncidentStatus string

const (
	IncidentOpen     IncidentStatus = "open"
	IncidentAck      IncidentStatus = "ack"
	IncidentResolved IncidentStatus = "resolved"
)

// Incident is a guardrail finding, deduplicated by fingerprint.
type Incident struct {
	ID             int64           `json:"id"`
	Fingerprint    string          `json:"fingerprint"`
	Severity       string          `json:"severity"`
	IncidentType   string          `json:"incident_type"`
	Channel        string          `json:"channel"`
	Title          string          `json:"title"`
	Details        json.RawMessage `json:"details,omitempty"`
	Status         IncidentStatus  `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// TaskStatus enumerates incident task states.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// TerminalTask reports whether s is a final task state.
func TerminalTask(s TaskStatus) bool { return s == TaskDone || s == TaskCancelled }

// TaskPriority enumerates SLA priorities.
type TaskPriority string

const (
	PriorityP1 TaskPriority = "P1"
	PriorityP2 TaskPriority = "P2"
	PriorityP3 TaskPriority = "P3"
)

// IncidentTask is a follow-up action attached to an incident. At most one
// non-terminal task may exist per (incident_id, action_type).
type IncidentTask struct {
	ID                 int64           `json:"id"`
	IncidentID         int64           `json:"incident_id"`
	Status             TaskStatus      `json:"status"`
	Owner              string          `json:"owner"`
	Priority           TaskPriority    `json:"priority"`
	DueAt              *time.Time      `json:"due_at,omitempty"`
	Title              string          `json:"title"`
	ActionType         string          `json:"action_type"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at"`
	DoneAt             *time.Time      `json:"done_at,omitempty"`
	OverdueSince       *time.Time      `json:"overdue_since,omitempty"`
	RetryCount         int             `json:"retry_count"`
	ReopenCount        int             `json:"reopen_count"`
	LastSLAAlertBucket string          `json:"last_sla_alert_bucket,omitempty"`
	LastSLAAlertAt     *time.Time      `json:"last_sla_alert_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// IncidentTaskAudit is an append-only diff of one task mutation.
type IncidentTaskAudit struct {
	ID        int64           `json:"id"`
	TaskID    int64           `json:"task_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Change    json.RawMessage `json:"change,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SLABucket names an overdue band used to deduplicate P1 alerts.
type SLABucket string

const (
	BucketOnTime SLABucket = "on_time"
	BucketUnder4 SLABucket = "0-4h"
	Bucket4to24  SLABucket = "4-24h"
	BucketOver24 SLABucket = "24h+"
)

// BucketFor maps hours overdue to its SLA bucket.
func BucketFor(overdueHours float64) SLABucket {
	switch {
	case overdueHours > 24:
		return BucketOver24
	case overdueHours > 4:
		return Bucket4to24
	case overdueHours > 0:
		return BucketUnder4
	default:
		return BucketOnTime
	}
}

// ReleaseReason tags which settlement path released a job's hold.
type ReleaseReason string

const (
	ReleaseOnSuccess ReleaseReason = "release_on_success"
	ReleaseOnFail    ReleaseReason = "release_on_fail"
)

// Deterministic idempotency keys. Globally unique via the ledger's
// unique constraint; repeating a logical operation reuses its key.

// StripeTopupKey keys the topup applied for a Stripe event.
func StripeTopupKey(eventID string) string { return fmt.Sprintf("stripe:%s:topup", eventID) }

// JobHoldKey keys the opening hold of a job.
func JobHoldKey(jobID int64) string { return fmt.Sprintf("job:%d:hold", jobID) }

// JobReleaseKey keys the single release entry of a terminal job.
func JobReleaseKey(jobID int64, reason ReleaseReason) string {
	return fmt.Sprintf("job:%d:%s", jobID, reason)
}

// JobConsumeKey keys the consume entry of a succeeded job.
func JobConsumeKey(jobID int64) string { return fmt.Sprintf("job:%d:consume", jobID) }

// AdminAdjustKey is the fallback key when an admin adjustment names none.
func AdminAdjustKey(userID int64, reason string, amount int64) string {
	h := sha1.Sum([]byte(fmt.Sprintf("%s|%d", reason, amount)))
	return fmt.Sprintf("admin:adjust:%d:%s", userID, hex.EncodeToString(h[:]))
}

// IncidentFingerprint dedupes incidents: first 24 hex chars of
// SHA1(lower("type|channel|title")).
func IncidentFingerprint(incidentType, channel, title string) string {
	base := strings.ToLower(fmt.Sprintf("%s|%s|%s", incidentType, channel, title))
	h := sha1.Sum([]byte(base))
	return hex.EncodeToString(h[:])[:24]
}

// BackoffDelay returns the retry delay after the given attempt:
// base 10s, factor 3, capped at 900s.
func BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := 10.0
	for i := 1; i < attempt; i++ {
		delay *= 3
		if delay >= 900 {
			delay = 900
			break
		}
	}
	if delay > 900 {
		delay = 900
	}
	return time.Duration(delay * float64(time.Second))
}
