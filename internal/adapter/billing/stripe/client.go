// Package stripe adapts Stripe Checkout and webhooks to the billing ports.
package stripe

import (
	"fmt"
	"strconv"

	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"

	"github.com/danieloza/backoffice/internal/domain"
)

// Client creates Checkout sessions for credit purchases.
type Client struct {
	sessions *session.Client
}

// NewClient constructs a Client using the given secret API key.
func NewClient(apiKey string) *Client {
	return &Client{sessions: &session.Client{
		B:   stripego.GetBackend(stripego.APIBackend),
		Key: apiKey,
	}}
}

// CreateCheckoutSession implements domain.CheckoutClient. One session buys
// p.Credits units at p.AmountCents each; the webhook needs the user id and
// credit count back, so both travel as metadata with the user id doubled
// into client_reference_id.
func (c *Client) CreateCheckoutSession(ctx domain.Context, p domain.CheckoutParams) (domain.CheckoutSession, error) {
	sess, err := c.sessions.New(checkoutParams(ctx, p))
	if err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("op=stripe.CreateCheckoutSession: %w", err)
	}
	return domain.CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func checkoutParams(ctx domain.Context, p domain.CheckoutParams) *stripego.CheckoutSessionParams {
	userID := strconv.FormatInt(p.UserID, 10)
	params := &stripego.CheckoutSessionParams{
		Mode:              stripego.String(string(stripego.CheckoutSessionModePayment)),
		SuccessURL:        stripego.String(p.SuccessURL),
		CancelURL:         stripego.String(p.CancelURL),
		ClientReferenceID: stripego.String(userID),
		LineItems: []*stripego.CheckoutSessionLineItemParams{{
			PriceData: &stripego.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripego.String(p.Currency),
				UnitAmount: stripego.Int64(p.AmountCents),
				ProductData: &stripego.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripego.String(p.ProductName),
				},
			},
			Quantity: stripego.Int64(p.Credits),
		}},
	}
	params.Context = ctx
	params.AddMetadata("user_id", userID)
	params.AddMetadata("credits", strconv.FormatInt(p.Credits, 10))
	return params
}
