// Package billing talks to Stripe: hosted checkout and webhook event decoding.
package billing

import (
	"context"
	"errors"
	"time"
)

// Stripe event types the service reacts to.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventInvoicePaid         = "invoice.payment_succeeded"
	EventInvoiceFailed       = "invoice.payment_failed"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

var (
	// ErrBillingDisabled is returned when no Stripe credentials are configured.
	ErrBillingDisabled = errors.New("billing is not configured")
	// ErrInvalidSignature indicates the webhook signature did not verify.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrInvalidPayload indicates a verified event whose object could not be decoded.
	ErrInvalidPayload = errors.New("invalid webhook payload")
)

// CheckoutRequest describes a subscription checkout for one user.
type CheckoutRequest struct {
	UserID string
	Email  string
}

// Event is a verified Stripe event. Exactly one of the typed payloads is set
// for handled types; all are nil for types the service ignores.
type Event struct {
	ID           string
	Type         string
	Checkout     *CheckoutCompleted
	Invoice      *InvoiceEvent
	Subscription *SubscriptionEvent
}

// CheckoutCompleted is the payload of checkout.session.completed.
type CheckoutCompleted struct {
	SessionID     string
	UserID        string
	CustomerID    string
	CustomerEmail string
}

// InvoiceEvent is the payload of invoice.payment_* events.
type InvoiceEvent struct {
	InvoiceID        string
	CustomerID       string
	AmountPaid       int64
	AmountDue        int64
	Currency         string
	InvoicePDF       string
	HostedInvoiceURL string
	Description      string
	PeriodStart      *time.Time
	PeriodEnd        *time.Time
}

// SubscriptionEvent is the payload of customer.subscription.* events.
type SubscriptionEvent struct {
	SubscriptionID string
	CustomerID     string
	Status         string
}

// Gateway is the billing provider surface used by the service layer.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error)
	ParseEvent(payload []byte, signatureHeader string) (*Event, error)
}

// Disabled is a Gateway used when Stripe is not configured.
type Disabled struct{}

// CreateCheckoutSession always fails with ErrBillingDisabled.
func (Disabled) CreateCheckoutSession(context.Context, CheckoutRequest) (string, error) {
	return "", ErrBillingDisabled
}

// ParseEvent always fails with ErrBillingDisabled.
func (Disabled) ParseEvent([]byte, string) (*Event, error) {
	return nil, ErrBillingDisabled
}
