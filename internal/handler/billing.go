package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/vaultapi/vaultapi/internal/auth"
	"github.com/vaultapi/vaultapi/internal/model"
)

// BillingService is the billing surface used by BillingHandler.
type BillingService interface {
	CreateCheckout(ctx context.Context, userID string) (string, error)
	HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error
	ListInvoices(ctx context.Context, userID string) ([]*model.Invoice, error)
	Subscription(ctx context.Context, userID string) (*model.SubscriptionSummary, error)
}

// stripeSignatureHeader carries the webhook signature.
const stripeSignatureHeader = "Stripe-Signature"

// BillingHandler handles checkout, invoices and Stripe webhooks.
type BillingHandler struct {
	logger *slog.Logger
	svc    BillingService
}

// NewBillingHandler creates a new BillingHandler.
func NewBillingHandler(logger *slog.Logger, svc BillingService) *BillingHandler {
	return &BillingHandler{logger: logger, svc: svc}
}

// InvoiceList is the invoices response.
type InvoiceList struct {
	Invoices []*model.Invoice `json:"invoices"`
}

// Checkout handles POST /api/billing/checkout
func (h *BillingHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	session := auth.MustSessionFromContext(r.Context())

	url, err := h.svc.CreateCheckout(r.Context(), session.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// Invoices handles GET /api/billing/invoices
func (h *BillingHandler) Invoices(w http.ResponseWriter, r *http.Request) {
	session := auth.MustSessionFromContext(r.Context())

	invoices, err := h.svc.ListInvoices(r.Context(), session.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, InvoiceList{Invoices: invoices})
}

// Subscription handles GET /api/billing/subscription
func (h *BillingHandler) Subscription(w http.ResponseWriter, r *http.Request) {
	session := auth.MustSessionFromContext(r.Context())

	summary, err := h.svc.Subscription(r.Context(), session.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// Webhook handles POST /api/billing/webhook. The raw body is needed for
// signature verification, so it is read untouched.
func (h *BillingHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, err)
		return
	}

	if err := h.svc.HandleWebhook(r.Context(), payload, r.Header.Get(stripeSignatureHeader)); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
