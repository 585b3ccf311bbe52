package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vaultapi/vaultapi/internal/model"
)

// Common errors for API key repository operations.
var (
	ErrAPIKeyNotFound   = errors.New("API key not found")
	ErrKeyHashExists    = errors.New("API key already stored")
	ErrPlanLimitReached = errors.New("plan API key limit reached")
)

const apiKeyColumns = `
	id, user_id, name, provider, provider_config, prefix, last4, hash,
	enc_ciphertext, enc_nonce, provider_secret_ciphertext, provider_secret_nonce,
	revoked, revoked_at, last_used_at, created_at, updated_at`

// CreateAPIKeyWithinLimit inserts a key unless the owner's plan ceiling is reached.
// The owning user row is locked so concurrent creates cannot both pass the count.
func (r *Repository) CreateAPIKeyWithinLimit(ctx context.Context, key *model.APIKey, freeLimit int) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		var plan model.Plan
		err := tx.QueryRow(ctx, `SELECT plan FROM users WHERE id = $1 FOR UPDATE`, key.UserID).Scan(&plan)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("failed to lock user: %w", err)
		}

		if limit := plan.KeyLimit(freeLimit); limit > 0 {
			var active int
			err := tx.QueryRow(ctx,
				`SELECT COUNT(*) FROM api_keys WHERE user_id = $1 AND revoked = FALSE`, key.UserID,
			).Scan(&active)
			if err != nil {
				return fmt.Errorf("failed to count API keys: %w", err)
			}
			if active >= limit {
				return ErrPlanLimitReached
			}
		}

		return insertAPIKey(ctx, tx, key)
	})
}

func insertAPIKey(ctx context.Context, tx pgx.Tx, key *model.APIKey) error {
	query := `
		INSERT INTO api_keys (
			id, user_id, name, provider, provider_config, prefix, last4, hash,
			enc_ciphertext, enc_nonce, provider_secret_ciphertext, provider_secret_nonce,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`

	var providerConfig any
	if len(key.ProviderConfig) > 0 {
		providerConfig = string(key.ProviderConfig)
	}

	_, err := tx.Exec(ctx, query,
		key.ID,
		key.UserID,
		key.Name,
		key.Provider,
		providerConfig,
		key.Prefix,
		key.Last4,
		key.Hash,
		key.Ciphertext,
		key.Nonce,
		key.ProviderSecretCiphertext,
		key.ProviderSecretNonce,
		key.CreatedAt,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return ErrKeyHashExists
		}
		return fmt.Errorf("failed to create API key: %w", err)
	}

	key.UpdatedAt = key.CreatedAt
	return nil
}

// GetAPIKeyForUser retrieves a key owned by the user, revoked or not.
func (r *Repository) GetAPIKeyForUser(ctx context.Context, userID, id string) (*model.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = $1 AND user_id = $2`
	return scanAPIKey(r.pool.QueryRow(ctx, query, id, userID))
}

// GetActiveAPIKeyForUser retrieves a non-revoked key owned by the user.
func (r *Repository) GetActiveAPIKeyForUser(ctx context.Context, userID, id string) (*model.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = $1 AND user_id = $2 AND revoked = FALSE`
	return scanAPIKey(r.pool.QueryRow(ctx, query, id, userID))
}

// GetActiveAPIKeyByHash retrieves a non-revoked key and its owner's plan by lookup hash.
func (r *Repository) GetActiveAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, model.Plan, error) {
	query := `
		SELECT k.id, k.user_id, k.name, k.provider, k.provider_config, k.prefix, k.last4, k.hash,
			k.enc_ciphertext, k.enc_nonce, k.provider_secret_ciphertext, k.provider_secret_nonce,
			k.revoked, k.revoked_at, k.last_used_at, k.created_at, k.updated_at, u.plan
		FROM api_keys k
		JOIN users u ON u.id = k.user_id
		WHERE k.hash = $1 AND k.revoked = FALSE
	`

	var key model.APIKey
	var plan model.Plan
	err := r.pool.QueryRow(ctx, query, hash).Scan(append(apiKeyDest(&key), &plan)...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", ErrAPIKeyNotFound
		}
		return nil, "", fmt.Errorf("failed to get API key by hash: %w", err)
	}
	return &key, plan, nil
}

// ListAPIKeysByUserID retrieves all API keys for a user, newest first.
func (r *Repository) ListAPIKeysByUserID(ctx context.Context, userID string) ([]*model.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC, id DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list API keys: %w", err)
	}
	defer rows.Close()

	keys := make([]*model.APIKey, 0)
	for rows.Next() {
		var key model.APIKey
		if err := rows.Scan(apiKeyDest(&key)...); err != nil {
			return nil, fmt.Errorf("failed to scan API key: %w", err)
		}
		keys = append(keys, &key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating API keys: %w", err)
	}

	return keys, nil
}

// CountActiveAPIKeys returns how many non-revoked keys the user holds.
func (r *Repository) CountActiveAPIKeys(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE user_id = $1 AND revoked = FALSE`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count API keys: %w", err)
	}
	return count, nil
}

// RevokeAPIKey marks a user's key as revoked and returns its lookup hash.
// Unknown, foreign and already revoked keys all yield ErrAPIKeyNotFound.
func (r *Repository) RevokeAPIKey(ctx context.Context, userID, id string) (string, error) {
	query := `
		UPDATE api_keys
		SET revoked = TRUE, revoked_at = $3, updated_at = $3
		WHERE id = $1 AND user_id = $2 AND revoked = FALSE
		RETURNING hash
	`

	var hash string
	err := r.pool.QueryRow(ctx, query, id, userID, time.Now().UTC()).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrAPIKeyNotFound
		}
		return "", fmt.Errorf("failed to revoke API key: %w", err)
	}

	return hash, nil
}

// UpdateAPIKeyLastUsed updates the last_used_at timestamp.
// Should be called asynchronously after a successful verification.
func (r *Repository) UpdateAPIKeyLastUsed(ctx context.Context, id string) error {
	query := `
		UPDATE api_keys
		SET last_used_at = $2
		WHERE id = $1
	`

	_, err := r.pool.Exec(ctx, query, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update API key last used: %w", err)
	}

	return nil
}

// TouchAPIKeys applies a batch of last-used timestamps. A key's timestamp
// never moves backwards, so replayed or reordered batches are harmless.
func (r *Repository) TouchAPIKeys(ctx context.Context, usedAt map[string]time.Time) (int64, error) {
	if len(usedAt) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(usedAt))
	times := make([]time.Time, 0, len(usedAt))
	for id, at := range usedAt {
		ids = append(ids, id)
		times = append(times, at.UTC())
	}

	query := `
		UPDATE api_keys AS k
		SET last_used_at = u.used_at
		FROM unnest($1::varchar[], $2::timestamptz[]) AS u(id, used_at)
		WHERE k.id = u.id
		  AND (k.last_used_at IS NULL OR k.last_used_at < u.used_at)
	`

	tag, err := r.pool.Exec(ctx, query, ids, times)
	if err != nil {
		return 0, fmt.Errorf("failed to touch API keys: %w", err)
	}

	return tag.RowsAffected(), nil
}

func apiKeyDest(key *model.APIKey) []any {
	return []any{
		&key.ID,
		&key.UserID,
		&key.Name,
		&key.Provider,
		&key.ProviderConfig,
		&key.Prefix,
		&key.Last4,
		&key.Hash,
		&key.Ciphertext,
		&key.Nonce,
		&key.ProviderSecretCiphertext,
		&key.ProviderSecretNonce,
		&key.Revoked,
		&key.RevokedAt,
		&key.LastUsedAt,
		&key.CreatedAt,
		&key.UpdatedAt,
	}
}

func scanAPIKey(row pgx.Row) (*model.APIKey, error) {
	var key model.APIKey
	if err := row.Scan(apiKeyDest(&key)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, fmt.Errorf("failed to scan API key: %w", err)
	}
	return &key, nil
}
