package usecase

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danieloza/backoffice/internal/domain"
)

// BillingService creates checkout sessions and ingests provider webhooks.
type BillingService struct {
	Tx               domain.TxRunner
	Webhooks         domain.WebhookRepo
	Ledger           LedgerService
	Checkout         domain.CheckoutClient
	Verifier         domain.WebhookVerifier
	CreditPriceCents int64
}

// NewBillingService constructs a BillingService with its dependencies.
func NewBillingService(tx domain.TxRunner, w domain.WebhookRepo, l LedgerService, c domain.CheckoutClient, v domain.WebhookVerifier, creditPriceCents int64) BillingService {
	return BillingService{Tx: tx, Webhooks: w, Ledger: l, Checkout: c, Verifier: v, CreditPriceCents: creditPriceCents}
}

// CheckoutResult is the started checkout session for the response body.
type CheckoutResult struct {
	SessionID   string `json:"checkout_session_id"`
	URL         string `json:"url"`
	Credits     int64  `json:"credits"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

// StartCheckout creates a provider checkout session that will pay for the
// given number of credits. The webhook applies the credits later; nothing
// is written here.
func (s BillingService) StartCheckout(ctx domain.Context, userID, credits int64, successURL, cancelURL, currency string) (CheckoutResult, error) {
	if credits < 1 {
		return CheckoutResult{}, fmt.Errorf("%w: credits must be positive", domain.ErrInvalidArgument)
	}
	if !absoluteURL(successURL) {
		return CheckoutResult{}, fmt.Errorf("%w: success_url must be absolute", domain.ErrInvalidArgument)
	}
	if !absoluteURL(cancelURL) {
		return CheckoutResult{}, fmt.Errorf("%w: cancel_url must be absolute", domain.ErrInvalidArgument)
	}
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = "usd"
	}
	sess, err := s.Checkout.CreateCheckoutSession(ctx, domain.CheckoutParams{
		UserID:      userID,
		Credits:     credits,
		AmountCents: s.CreditPriceCents,
		Currency:    currency,
		SuccessURL:  successURL,
		CancelURL:   cancelURL,
		ProductName: "DANIELOZA AI Credits",
	})
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("%w: stripe checkout session failed: %v", domain.ErrUpstream, err)
	}
	return CheckoutResult{
		SessionID:   sess.ID,
		URL:         sess.URL,
		Credits:     credits,
		AmountCents: s.CreditPriceCents * credits,
		Currency:    currency,
	}, nil
}

// WebhookOutcome reports how an inbound event was settled. A duplicate
// leaves the original row untouched.
type WebhookOutcome struct {
	Status    string `json:"status"`
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
}

// IngestStripeEvent verifies, dedupes and applies one Stripe event. The
// insert and all its effects share one transaction, so a replayed event id
// can never top up twice and a mid-flight failure re-opens the event for
// the sender's retry. Malformed-but-authentic events settle as failed rows
// rather than errors.
func (s BillingService) IngestStripeEvent(ctx domain.Context, payload []byte, signature string) (WebhookOutcome, error) {
	env, err := s.Verifier.Verify(payload, signature)
	if err != nil {
		return WebhookOutcome{}, err
	}
	if env.EventID == "" {
		return WebhookOutcome{}, fmt.Errorf("%w: missing event id", domain.ErrInvalidArgument)
	}
	out := WebhookOutcome{EventID: env.EventID, EventType: env.EventType}
	err = s.Tx.WithTx(ctx, func(ctx domain.Context) error {
		id, created, err := s.Webhooks.Insert(ctx, "stripe", env.EventID, env.EventType, payload)
		if err != nil {
			return err
		}
		if !created {
			out.Status = string(domain.WebhookDuplicate)
			return nil
		}
		status := domain.WebhookIgnored
		var errText string
		if env.EventType == "checkout.session.completed" {
			var aerr error
			status, errText, aerr = s.applyCheckoutCompleted(ctx, env)
			if aerr != nil {
				return aerr
			}
		}
		out.Status = string(status)
		return s.Webhooks.MarkStatus(ctx, id, status, errText, time.Now().UTC())
	})
	if err != nil {
		return WebhookOutcome{}, err
	}
	return out, nil
}

// applyCheckoutCompleted resolves the purchasing user and credits from the
// checkout session and applies the topup. Validation problems are
// dispositions, not errors: the row settles as failed and the ledger stays
// untouched. A non-nil error means a store failure and rolls back the
// whole ingest.
func (s BillingService) applyCheckoutCompleted(ctx domain.Context, env domain.WebhookEnvelope) (domain.WebhookStatus, string, error) {
	var sess struct {
		ID                string            `json:"id"`
		ClientReferenceID string            `json:"client_reference_id"`
		Metadata          map[string]string `json:"metadata"`
	}
	_ = json.Unmarshal(env.Data, &sess)

	rawUser := strings.TrimSpace(sess.Metadata["user_id"])
	if rawUser == "" {
		rawUser = strings.TrimSpace(sess.ClientReferenceID)
	}
	if rawUser == "" {
		return domain.WebhookFailed, "missing user_id (expected metadata.user_id or client_reference_id)", nil
	}
	credits, err := strconv.ParseInt(strings.TrimSpace(sess.Metadata["credits"]), 10, 64)
	if err != nil || credits <= 0 {
		return domain.WebhookFailed, "missing positive credits value in metadata.credits", nil
	}
	userID, err := strconv.ParseInt(rawUser, 10, 64)
	if err != nil {
		return domain.WebhookFailed, fmt.Sprintf("user not found: %s", rawUser), nil
	}

	sourceID := sess.ID
	if sourceID == "" {
		sourceID = env.EventID
	}
	meta, _ := json.Marshal(map[string]string{
		"stripe_event_id":   env.EventID,
		"stripe_session_id": sourceID,
		"type":              env.EventType,
	})
	_, err = s.Ledger.ApplyTopup(ctx, userID, credits, "stripe_event", sourceID, domain.StripeTopupKey(env.EventID), meta)
	if err != nil {
		if isNotFound(err) {
			return domain.WebhookFailed, fmt.Sprintf("user not found: %s", rawUser), nil
		}
		return domain.WebhookFailed, "", err
	}
	return domain.WebhookProcessed, "", nil
}

func absoluteURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}
