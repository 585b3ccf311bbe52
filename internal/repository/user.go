package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vaultapi/vaultapi/internal/model"
)

// Common errors for user repository operations.
var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailExists  = errors.New("email already exists")
	// ErrCustomerLinked means the Stripe customer belongs to a different user.
	ErrCustomerLinked = errors.New("stripe customer linked to another user")
)

const userColumns = `id, email, password_hash, plan, stripe_customer_id, created_at, updated_at`

// CreateUser inserts a new user into the database.
func (r *Repository) CreateUser(ctx context.Context, user *model.User) error {
	query := `
		INSERT INTO users (id, email, password_hash, plan, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`

	_, err := r.pool.Exec(ctx, query,
		user.ID,
		user.Email,
		user.PasswordHash,
		user.Plan,
		user.CreatedAt,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	user.UpdatedAt = user.CreatedAt
	return nil
}

// GetUserByID retrieves a user by their ID.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

// GetUserByEmail retrieves a user by their email address, case-insensitively.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE LOWER(email) = LOWER($1)`
	return scanUser(r.pool.QueryRow(ctx, query, email))
}

// GetUserByStripeCustomerID retrieves the user linked to a Stripe customer.
func (r *Repository) GetUserByStripeCustomerID(ctx context.Context, customerID string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE stripe_customer_id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, customerID))
}

// UpgradeUserPlan sets the user to PRO and links the Stripe customer.
func (r *Repository) UpgradeUserPlan(ctx context.Context, userID, customerID string) error {
	query := `
		UPDATE users
		SET plan = $2, stripe_customer_id = COALESCE(NULLIF($3, ''), stripe_customer_id), updated_at = $4
		WHERE id = $1
	`

	result, err := r.pool.Exec(ctx, query, userID, model.PlanPro, customerID, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCustomerLinked
		}
		return fmt.Errorf("failed to upgrade user plan: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetPlanByStripeCustomer changes the plan of the user linked to a Stripe customer.
func (r *Repository) SetPlanByStripeCustomer(ctx context.Context, customerID string, plan model.Plan) (string, error) {
	query := `
		UPDATE users
		SET plan = $2, updated_at = $3
		WHERE stripe_customer_id = $1
		RETURNING id
	`

	var userID string
	err := r.pool.QueryRow(ctx, query, customerID, plan, time.Now().UTC()).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("failed to set plan by customer: %w", err)
	}
	return userID, nil
}

// SetUserPlanByEmail changes a user's plan directly. Used by operator tooling.
func (r *Repository) SetUserPlanByEmail(ctx context.Context, email string, plan model.Plan) error {
	query := `UPDATE users SET plan = $2, updated_at = $3 WHERE LOWER(email) = LOWER($1)`

	result, err := r.pool.Exec(ctx, query, email, plan, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set user plan: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var user model.User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.Plan,
		&user.StripeCustomerID,
		&user.CreatedAt,
		&user.UpdatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}

	return &user, nil
}
