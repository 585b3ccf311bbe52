package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vaultapi/vaultapi/internal/billing"
	"github.com/vaultapi/vaultapi/internal/metrics"
	"github.com/vaultapi/vaultapi/internal/model"
	"github.com/vaultapi/vaultapi/internal/repository"
)

// BillingService handles checkout, Stripe webhooks and billing views.
type BillingService struct {
	store     BillingStore
	gateway   billing.Gateway
	ledger    EventLedger
	freeLimit int
	metrics   metrics.Recorder
	logger    *slog.Logger
}

// NewBillingService creates a new BillingService. ledger may be nil to disable
// webhook deduplication; a nil gateway disables checkout and webhooks.
func NewBillingService(store BillingStore, gateway billing.Gateway, ledger EventLedger, freeLimit int, recorder metrics.Recorder, logger *slog.Logger) *BillingService {
	if gateway == nil {
		gateway = billing.Disabled{}
	}
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingService{
		store:     store,
		gateway:   gateway,
		ledger:    ledger,
		freeLimit: freeLimit,
		metrics:   recorder,
		logger:    logger,
	}
}

// CreateCheckout starts a PRO subscription checkout and returns its hosted URL.
func (s *BillingService) CreateCheckout(ctx context.Context, userID string) (string, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("load user: %w", err)
	}
	if user.Plan == model.PlanPro {
		return "", ErrAlreadyPro
	}

	url, err := s.gateway.CreateCheckoutSession(ctx, billing.CheckoutRequest{
		UserID: user.ID,
		Email:  user.Email,
	})
	if err != nil {
		if errors.Is(err, billing.ErrBillingDisabled) {
			return "", ErrBillingDisabled
		}
		s.logger.Error("checkout session failed",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return "", ErrCheckoutUnavailable
	}
	return url, nil
}

// HandleWebhook verifies and applies one Stripe event. Redeliveries of an
// applied event are acknowledged without being applied twice; a redelivery
// that arrives while the event is still being applied gets ErrWebhookInFlight
// so Stripe keeps retrying it.
func (s *BillingService) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	event, err := s.gateway.ParseEvent(payload, signatureHeader)
	if err != nil {
		if errors.Is(err, billing.ErrBillingDisabled) {
			return ErrBillingDisabled
		}
		s.logger.Warn("rejected webhook", slog.String("error", err.Error()))
		return ErrInvalidWebhook
	}

	claimed := false
	if s.ledger != nil {
		claim, err := s.ledger.ClaimEvent(ctx, event.ID)
		switch {
		case err != nil:
			s.logger.Warn("webhook ledger unavailable", slog.String("error", err.Error()))
		case claim == model.EventCompleted:
			s.metrics.IncWebhookEvent(event.Type, metrics.OutcomeDuplicate)
			return nil
		case claim == model.EventInFlight:
			s.metrics.IncWebhookEvent(event.Type, metrics.OutcomeInFlight)
			return ErrWebhookInFlight
		default:
			claimed = true
		}
	}

	outcome, err := s.apply(ctx, event)
	if err != nil {
		s.metrics.IncWebhookEvent(event.Type, metrics.OutcomeFailed)
		s.logger.Error("webhook event failed",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()),
		)
		if claimed {
			if ferr := s.ledger.ForgetEvent(ctx, event.ID); ferr != nil {
				s.logger.Warn("failed to release webhook event", slog.String("error", ferr.Error()))
			}
		}
		return fmt.Errorf("%w: %v", ErrWebhookFailed, err)
	}

	if claimed {
		if cerr := s.ledger.CompleteEvent(ctx, event.ID); cerr != nil {
			s.logger.Warn("failed to record webhook event", slog.String("event_id", event.ID), slog.String("error", cerr.Error()))
		}
	}

	s.metrics.IncWebhookEvent(event.Type, outcome)
	s.logger.Info("webhook event handled",
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
		slog.String("outcome", outcome),
	)
	return nil
}

func (s *BillingService) apply(ctx context.Context, event *billing.Event) (string, error) {
	switch {
	case event.Checkout != nil:
		return s.applyCheckout(ctx, event.Checkout)
	case event.Invoice != nil && event.Type == billing.EventInvoicePaid:
		return s.applyInvoice(ctx, event.Invoice, model.InvoicePaid)
	case event.Invoice != nil && event.Type == billing.EventInvoiceFailed:
		return s.applyInvoice(ctx, event.Invoice, model.InvoiceOpen)
	case event.Subscription != nil:
		return s.downgrade(ctx, event.Subscription.CustomerID)
	}
	return metrics.OutcomeIgnored, nil
}

func (s *BillingService) applyCheckout(ctx context.Context, c *billing.CheckoutCompleted) (string, error) {
	if c.UserID == "" {
		s.logger.Warn("checkout session without user reference", slog.String("session_id", c.SessionID))
		return metrics.OutcomeIgnored, nil
	}

	if err := s.store.UpgradeUserPlan(ctx, c.UserID, c.CustomerID); err != nil {
		switch {
		case errors.Is(err, repository.ErrUserNotFound):
			s.logger.Warn("checkout for unknown user", slog.String("user_id", c.UserID))
			return metrics.OutcomeIgnored, nil
		case errors.Is(err, repository.ErrCustomerLinked):
			s.logger.Warn("checkout customer already linked to another user",
				slog.String("user_id", c.UserID),
				slog.String("customer_id", c.CustomerID),
				slog.String("session_id", c.SessionID),
			)
			return metrics.OutcomeIgnored, nil
		}
		return "", err
	}

	s.metrics.IncPlanChange(string(model.PlanPro))
	return metrics.OutcomeProcessed, nil
}

func (s *BillingService) applyInvoice(ctx context.Context, inv *billing.InvoiceEvent, status model.InvoiceStatus) (string, error) {
	user, err := s.store.GetUserByStripeCustomerID(ctx, inv.CustomerID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.logger.Warn("invoice for unknown customer", slog.String("customer_id", inv.CustomerID))
			return metrics.OutcomeIgnored, nil
		}
		return "", err
	}

	amount := inv.AmountPaid
	if status != model.InvoicePaid {
		amount = inv.AmountDue
	}

	record := &model.Invoice{
		ID:               newID(),
		UserID:           user.ID,
		StripeInvoiceID:  inv.InvoiceID,
		Amount:           amount,
		Currency:         strings.ToLower(inv.Currency),
		Status:           status,
		InvoicePDF:       inv.InvoicePDF,
		HostedInvoiceURL: inv.HostedInvoiceURL,
		Description:      inv.Description,
		PeriodStart:      inv.PeriodStart,
		PeriodEnd:        inv.PeriodEnd,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.UpsertInvoice(ctx, record); err != nil {
		return "", err
	}

	if status == model.InvoicePaid {
		return metrics.OutcomeProcessed, nil
	}
	return s.downgrade(ctx, inv.CustomerID)
}

func (s *BillingService) downgrade(ctx context.Context, customerID string) (string, error) {
	userID, err := s.store.SetPlanByStripeCustomer(ctx, customerID, model.PlanFree)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.logger.Warn("downgrade for unknown customer", slog.String("customer_id", customerID))
			return metrics.OutcomeIgnored, nil
		}
		return "", err
	}

	s.metrics.IncPlanChange(string(model.PlanFree))
	s.logger.Info("user downgraded", slog.String("user_id", userID))
	return metrics.OutcomeProcessed, nil
}

// ListInvoices returns the user's invoices, newest first.
func (s *BillingService) ListInvoices(ctx context.Context, userID string) ([]*model.Invoice, error) {
	invoices, err := s.store.ListInvoicesByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return invoices, nil
}

// Subscription summarizes the user's plan and key usage.
func (s *BillingService) Subscription(ctx context.Context, userID string) (*model.SubscriptionSummary, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("load user: %w", err)
	}

	active, err := s.store.CountActiveAPIKeys(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("count keys: %w", err)
	}

	return &model.SubscriptionSummary{
		Plan:           user.Plan,
		CustomerLinked: user.StripeCustomerID != nil && *user.StripeCustomerID != "",
		ActiveKeys:     active,
		KeyLimit:       user.Plan.KeyLimit(s.freeLimit),
	}, nil
}
