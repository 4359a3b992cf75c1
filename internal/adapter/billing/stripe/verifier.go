package stripe

import (
	"fmt"

	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/danieloza/backoffice/internal/domain"
)

// Verifier checks Stripe webhook signatures against the endpoint secret.
type Verifier struct {
	secret string
}

// NewVerifier constructs a Verifier for the given webhook signing secret.
func NewVerifier(secret string) Verifier { return Verifier{secret: secret} }

// Verify implements domain.WebhookVerifier. API version mismatches are
// tolerated because the account's webhook version is pinned independently
// of this SDK.
func (v Verifier) Verify(payload []byte, signature string) (domain.WebhookEnvelope, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.WebhookEnvelope{}, fmt.Errorf("%w: invalid stripe signature: %v", domain.ErrInvalidArgument, err)
	}
	return domain.WebhookEnvelope{
		EventID:   event.ID,
		EventType: string(event.Type),
		Data:      event.Data.Raw,
	}, nil
}
