package repository

import (
	"context"
	"fmt"

	"github.com/vaultapi/vaultapi/internal/model"
)

// UpsertInvoice inserts or refreshes an invoice keyed by its Stripe ID.
func (r *Repository) UpsertInvoice(ctx context.Context, inv *model.Invoice) error {
	query := `
		INSERT INTO invoices (
			id, user_id, stripe_invoice_id, amount, currency, status,
			invoice_pdf, hosted_invoice_url, description, period_start, period_end,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (stripe_invoice_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			status = EXCLUDED.status,
			invoice_pdf = COALESCE(EXCLUDED.invoice_pdf, invoices.invoice_pdf),
			hosted_invoice_url = COALESCE(EXCLUDED.hosted_invoice_url, invoices.hosted_invoice_url),
			description = COALESCE(EXCLUDED.description, invoices.description),
			period_start = COALESCE(EXCLUDED.period_start, invoices.period_start),
			period_end = COALESCE(EXCLUDED.period_end, invoices.period_end),
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		inv.ID,
		inv.UserID,
		inv.StripeInvoiceID,
		inv.Amount,
		inv.Currency,
		inv.Status,
		nullIfEmpty(inv.InvoicePDF),
		nullIfEmpty(inv.HostedInvoiceURL),
		nullIfEmpty(inv.Description),
		inv.PeriodStart,
		inv.PeriodEnd,
		inv.CreatedAt,
	).Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert invoice: %w", err)
	}
	return nil
}

// ListInvoicesByUserID returns a user's invoices, newest first.
func (r *Repository) ListInvoicesByUserID(ctx context.Context, userID string) ([]*model.Invoice, error) {
	query := `
		SELECT id, user_id, stripe_invoice_id, amount, currency, status,
			COALESCE(invoice_pdf, ''), COALESCE(hosted_invoice_url, ''), COALESCE(description, ''),
			period_start, period_end, created_at, updated_at
		FROM invoices
		WHERE user_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	invoices := make([]*model.Invoice, 0)
	for rows.Next() {
		var inv model.Invoice
		err := rows.Scan(
			&inv.ID,
			&inv.UserID,
			&inv.StripeInvoiceID,
			&inv.Amount,
			&inv.Currency,
			&inv.Status,
			&inv.InvoicePDF,
			&inv.HostedInvoiceURL,
			&inv.Description,
			&inv.PeriodStart,
			&inv.PeriodEnd,
			&inv.CreatedAt,
			&inv.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, &inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invoices: %w", err)
	}
	return invoices, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
