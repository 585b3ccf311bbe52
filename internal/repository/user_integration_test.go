//go:build integration

package repository

import (
	"errors"
	"strings"
	"testing"

	"github.com/vaultapi/vaultapi/internal/model"
	"github.com/vaultapi/vaultapi/internal/testutil"
)

func TestIntegrationUserRepository_DuplicateEmail(t *testing.T) {
	ctx, repo := newRepositoryTestEnv(t)
	user := createTestUser(t, ctx, repo)

	dup := testutil.NewTestUser(t)
	dup.Email = strings.ToUpper(user.Email)
	if err := repo.CreateUser(ctx, dup); !errors.Is(err, ErrEmailExists) {
		t.Errorf("CreateUser duplicate error = %v, want ErrEmailExists", err)
	}

	got, err := repo.GetUserByEmail(ctx, strings.ToUpper(user.Email))
	if err != nil {
		t.Fatalf("GetUserByEmail failed: %v", err)
	}
	if got.ID != user.ID || got.Plan != model.PlanFree {
		t.Errorf("GetUserByEmail = %+v", got)
	}
}

func TestIntegrationUserRepository_PlanTransitions(t *testing.T) {
	ctx, repo := newRepositoryTestEnv(t)
	user := createTestUser(t, ctx, repo)

	if err := repo.UpgradeUserPlan(ctx, user.ID, "cus_123"); err != nil {
		t.Fatalf("UpgradeUserPlan failed: %v", err)
	}

	byCustomer, err := repo.GetUserByStripeCustomerID(ctx, "cus_123")
	if err != nil {
		t.Fatalf("GetUserByStripeCustomerID failed: %v", err)
	}
	if byCustomer.ID != user.ID || byCustomer.Plan != model.PlanPro {
		t.Errorf("after upgrade got %+v", byCustomer)
	}

	userID, err := repo.SetPlanByStripeCustomer(ctx, "cus_123", model.PlanFree)
	if err != nil {
		t.Fatalf("SetPlanByStripeCustomer failed: %v", err)
	}
	if userID != user.ID {
		t.Errorf("SetPlanByStripeCustomer returned %q, want %q", userID, user.ID)
	}

	if _, err := repo.SetPlanByStripeCustomer(ctx, "cus_missing", model.PlanFree); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("unknown customer error = %v, want ErrUserNotFound", err)
	}
	if err := repo.UpgradeUserPlan(ctx, "missing", "cus_x"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("unknown user upgrade error = %v, want ErrUserNotFound", err)
	}
}

func TestIntegrationUserRepository_CustomerLinkedElsewhere(t *testing.T) {
	ctx, repo := newRepositoryTestEnv(t)
	owner := createTestUser(t, ctx, repo)
	other := createTestUser(t, ctx, repo)
	customerID := testutil.UniqueID("cus")

	if err := repo.UpgradeUserPlan(ctx, owner.ID, customerID); err != nil {
		t.Fatalf("UpgradeUserPlan owner failed: %v", err)
	}
	if err := repo.UpgradeUserPlan(ctx, other.ID, customerID); !errors.Is(err, ErrCustomerLinked) {
		t.Fatalf("UpgradeUserPlan other error = %v, want ErrCustomerLinked", err)
	}

	got, err := repo.GetUserByID(ctx, other.ID)
	if err != nil {
		t.Fatalf("GetUserByID failed: %v", err)
	}
	if got.Plan != model.PlanFree || got.StripeCustomerID != nil {
		t.Errorf("other user changed: %+v", got)
	}

	// Re-linking the same customer to its owner is not a conflict.
	if err := repo.UpgradeUserPlan(ctx, owner.ID, customerID); err != nil {
		t.Errorf("UpgradeUserPlan owner again: %v", err)
	}
}

func TestIntegrationInvoiceRepository_Upsert(t *testing.T) {
	ctx, repo := newRepositoryTestEnv(t)
	user := createTestUser(t, ctx, repo)

	inv := testutil.NewTestInvoice(t, user.ID)
	inv.Status = model.InvoiceOpen
	if err := repo.UpsertInvoice(ctx, inv); err != nil {
		t.Fatalf("UpsertInvoice failed: %v", err)
	}
	firstID := inv.ID

	again := testutil.NewTestInvoice(t, user.ID)
	again.StripeInvoiceID = inv.StripeInvoiceID
	again.Status = model.InvoicePaid
	again.InvoicePDF = "https://pay.stripe.com/invoice.pdf"
	if err := repo.UpsertInvoice(ctx, again); err != nil {
		t.Fatalf("second UpsertInvoice failed: %v", err)
	}
	if again.ID != firstID {
		t.Errorf("upsert should keep the original row ID, got %s want %s", again.ID, firstID)
	}

	invoices, err := repo.ListInvoicesByUserID(ctx, user.ID)
	if err != nil {
		t.Fatalf("ListInvoicesByUserID failed: %v", err)
	}
	if len(invoices) != 1 {
		t.Fatalf("got %d invoices, want 1", len(invoices))
	}
	if invoices[0].Status != model.InvoicePaid || invoices[0].InvoicePDF == "" {
		t.Errorf("invoice not refreshed: %+v", invoices[0])
	}
}
