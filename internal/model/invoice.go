package model

import "time"

// InvoiceStatus mirrors the Stripe invoice status values we persist.
type InvoiceStatus string

const (
	InvoicePaid          InvoiceStatus = "paid"
	InvoiceOpen          InvoiceStatus = "open"
	InvoiceVoid          InvoiceStatus = "void"
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceUncollectible InvoiceStatus = "uncollectible"
)

// Invoice is a billing record mirrored from Stripe.
type Invoice struct {
	ID               string        `json:"id"`
	UserID           string        `json:"-"`
	StripeInvoiceID  string        `json:"stripeInvoiceId"`
	Amount           int64         `json:"amount"`
	Currency         string        `json:"currency"`
	Status           InvoiceStatus `json:"status"`
	InvoicePDF       string        `json:"invoicePdf,omitempty"`
	HostedInvoiceURL string        `json:"hostedInvoiceUrl,omitempty"`
	Description      string        `json:"description,omitempty"`
	PeriodStart      *time.Time    `json:"periodStart,omitempty"`
	PeriodEnd        *time.Time    `json:"periodEnd,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// SubscriptionSummary describes a user's plan and quota usage.
type SubscriptionSummary struct {
	Plan           Plan `json:"plan"`
	CustomerLinked bool `json:"customerLinked"`
	ActiveKeys     int  `json:"activeKeys"`
	// Zero means unlimited.
	KeyLimit int `json:"keyLimit"`
}

// EventClaim is the ledger's answer when a webhook delivery asks to apply an event.
type EventClaim int

const (
	// EventClaimed means this delivery owns the event and must complete or release it.
	EventClaimed EventClaim = iota + 1
	// EventInFlight means another delivery is applying the event right now.
	EventInFlight
	// EventCompleted means the event was already applied.
	EventCompleted
)
