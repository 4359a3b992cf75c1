package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/danieloza/backoffice/internal/domain"
)

// WebhookRepo persists inbound webhook events, unique on (provider, event_id).
type WebhookRepo struct{ store *Store }

// NewWebhookRepo constructs a WebhookRepo on the shared store.
func NewWebhookRepo(s *Store) *WebhookRepo { return &WebhookRepo{store: s} }

const webhookCols = `id, provider, event_id, event_type, payload, received_at, status, processed_at, COALESCE(error_text, '')`

func scanWebhookEvent(row pgx.Row) (domain.WebhookEvent, error) {
	var w domain.WebhookEvent
	err := row.Scan(&w.ID, &w.Provider, &w.EventID, &w.EventType, &w.Payload,
		&w.ReceivedAt, &w.Status, &w.ProcessedAt, &w.ErrorText)
	return w, err
}

// Insert records the event in status 'received'. created=false means the
// (provider, event_id) pair was seen before and nothing was written.
func (r *WebhookRepo) Insert(ctx domain.Context, provider, eventID, eventType string, payload []byte) (int64, bool, error) {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.Insert")
	defer span.End()
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	q := `INSERT INTO webhook_events (provider, event_id, event_type, payload, status)
		VALUES ($1, $2, $3, $4, 'received')
		ON CONFLICT (provider, event_id) DO NOTHING
		RETURNING id`
	var id int64
	err := r.store.q(ctx).QueryRow(ctx, q, provider, eventID, eventType, payload).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("op=webhook.insert: %w", err)
	}
	return id, true, nil
}

// MarkStatus finalizes the event's disposition.
func (r *WebhookRepo) MarkStatus(ctx domain.Context, id int64, status domain.WebhookStatus, errorText string, at time.Time) error {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.MarkStatus")
	defer span.End()
	var errVal *string
	if errorText != "" {
		errVal = &errorText
	}
	_, err := r.store.q(ctx).Exec(ctx,
		`UPDATE webhook_events SET status=$2, error_text=$3, processed_at=$4 WHERE id=$1`,
		id, status, errVal, at)
	if err != nil {
		return fmt.Errorf("op=webhook.mark: %w", err)
	}
	return nil
}

// ByProviderEventID loads one event by its dedupe pair.
func (r *WebhookRepo) ByProviderEventID(ctx domain.Context, provider, eventID string) (domain.WebhookEvent, error) {
	tracer := otel.Tracer("repo.webhooks")
	ctx, span := tracer.Start(ctx, "webhooks.ByProviderEventID")
	defer span.End()
	q := `SELECT ` + webhookCols + ` FROM webhook_events WHERE provider=$1 AND event_id=$2`
	w, err := scanWebhookEvent(r.store.q(ctx).QueryRow(ctx, q, provider, eventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WebhookEvent{}, fmt.Errorf("op=webhook.by_event: %w", domain.ErrNotFound)
		}
		return domain.WebhookEvent{}, fmt.Errorf("op=webhook.by_event: %w", err)
	}
	return w, nil
}
