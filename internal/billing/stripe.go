package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const signatureTolerance = 5 * time.Minute

// StripeConfig holds the credentials and redirect targets for Stripe.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	PriceID       string
	WebBaseURL    string
}

// StripeGateway implements Gateway with stripe-go.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
	priceID       string
	successURL    string
	cancelURL     string
}

// NewStripe creates a Stripe-backed gateway.
func NewStripe(cfg StripeConfig) *StripeGateway {
	base := strings.TrimRight(cfg.WebBaseURL, "/")
	return &StripeGateway{
		api:           client.New(cfg.SecretKey, nil),
		webhookSecret: cfg.WebhookSecret,
		priceID:       cfg.PriceID,
		successURL:    base + "/billing?success=true",
		cancelURL:     base + "/pricing?canceled=true",
	}
}

// CreateCheckoutSession starts a PRO subscription checkout and returns its hosted URL.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		CustomerEmail:      stripe.String(req.Email),
		ClientReferenceID:  stripe.String(req.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(g.priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(g.successURL),
		CancelURL:  stripe.String(g.cancelURL),
	}
	params.Context = ctx
	params.AddMetadata("userId", req.UserID)

	session, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return session.URL, nil
}

// ParseEvent verifies the Stripe-Signature header and decodes handled event types.
func (g *StripeGateway) ParseEvent(payload []byte, signatureHeader string) (*Event, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signatureHeader, g.webhookSecret,
		webhook.ConstructEventOptions{
			Tolerance:                signatureTolerance,
			IgnoreAPIVersionMismatch: true,
		})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return decodeEvent(evt)
}

func decodeEvent(evt stripe.Event) (*Event, error) {
	out := &Event{ID: evt.ID, Type: string(evt.Type)}
	if evt.Data == nil {
		return nil, ErrInvalidPayload
	}

	switch out.Type {
	case EventCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		userID := session.Metadata["userId"]
		if userID == "" {
			userID = session.ClientReferenceID
		}
		out.Checkout = &CheckoutCompleted{
			SessionID:     session.ID,
			UserID:        userID,
			CustomerID:    customerID(session.Customer),
			CustomerEmail: session.CustomerEmail,
		}

	case EventInvoicePaid, EventInvoiceFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		out.Invoice = &InvoiceEvent{
			InvoiceID:        inv.ID,
			CustomerID:       customerID(inv.Customer),
			AmountPaid:       inv.AmountPaid,
			AmountDue:        inv.AmountDue,
			Currency:         string(inv.Currency),
			InvoicePDF:       inv.InvoicePDF,
			HostedInvoiceURL: inv.HostedInvoiceURL,
			Description:      inv.Description,
			PeriodStart:      unixTime(inv.PeriodStart),
			PeriodEnd:        unixTime(inv.PeriodEnd),
		}

	case EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		out.Subscription = &SubscriptionEvent{
			SubscriptionID: sub.ID,
			CustomerID:     customerID(sub.Customer),
			Status:         string(sub.Status),
		}
	}

	if out.ID == "" {
		return nil, errors.Join(ErrInvalidPayload, errors.New("event has no id"))
	}
	return out, nil
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func unixTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
