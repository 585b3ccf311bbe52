// Package testutil holds helpers shared by integration and end-to-end tests.
package testutil

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/vaultapi/vaultapi/internal/auth"
	"github.com/vaultapi/vaultapi/internal/model"
	"github.com/vaultapi/vaultapi/migrations"
)

// RequireEnv returns an environment variable or skips the test if missing.
func RequireEnv(t testing.TB, key string) string {
	t.Helper()
	value := os.Getenv(key)
	if value == "" {
		t.Skipf("%s not set", key)
	}
	return value
}

const advisoryLockID int64 = 420420

// AcquireDBLock grabs a global advisory lock to serialize DB tests.
func AcquireDBLock(ctx context.Context, pool *pgxpool.Pool) (func() error, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	unlock := func() error {
		defer conn.Release()
		if _, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockID); err != nil {
			return fmt.Errorf("release advisory lock: %w", err)
		}
		return nil
	}

	return unlock, nil
}

// ResetSchema drops every table and reapplies the embedded migrations.
func ResetSchema(ctx context.Context, pool *pgxpool.Pool) error {
	downs, err := fs.Glob(migrations.FS, "*.down.sql")
	if err != nil {
		return fmt.Errorf("list down migrations: %w", err)
	}
	ups, err := fs.Glob(migrations.FS, "*.up.sql")
	if err != nil {
		return fmt.Errorf("list up migrations: %w", err)
	}

	sort.Sort(sort.Reverse(sort.StringSlice(downs)))
	sort.Strings(ups)

	for _, name := range downs {
		if err := execFile(ctx, pool, name); err != nil {
			return err
		}
	}
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS schema_migrations"); err != nil {
		return fmt.Errorf("drop schema_migrations: %w", err)
	}
	for _, name := range ups {
		if err := execFile(ctx, pool, name); err != nil {
			return err
		}
	}
	return nil
}

func execFile(ctx context.Context, pool *pgxpool.Pool, name string) error {
	body, err := fs.ReadFile(migrations.FS, name)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if _, err := pool.Exec(ctx, string(body)); err != nil {
		return fmt.Errorf("apply %s: %w", name, err)
	}
	return nil
}

// FlushRedis clears the current Redis database.
func FlushRedis(ctx context.Context, client *redis.Client) error {
	return client.FlushDB(ctx).Err()
}

// ============================================================================
// Test Data Factories
// ============================================================================

var seq atomic.Int64

// UniqueID generates a unique ID for tests.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), seq.Add(1))
}

// UniqueEmail generates a unique email address for tests.
func UniqueEmail(prefix string) string {
	return strings.ToLower(UniqueID(prefix)) + "@example.test"
}

// NewTestUser creates a FREE user with a throwaway password hash.
func NewTestUser(t testing.TB) *model.User {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &model.User{
		ID:           ulid.Make().String(),
		Email:        UniqueEmail("user"),
		PasswordHash: "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA",
		Plan:         model.PlanFree,
		CreatedAt:    now,
	}
}

// NewTestAPIKey creates a custom key for userID with placeholder sealed material.
func NewTestAPIKey(t testing.TB, userID string) *model.APIKey {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	described := auth.DescribeKey(UniqueID("vk_testkey_material"))
	return &model.APIKey{
		ID:         ulid.Make().String(),
		UserID:     userID,
		Name:       "Test Key",
		Provider:   model.ProviderCustom,
		Prefix:     described.Prefix,
		Last4:      described.Last4,
		Hash:       described.Hash,
		Ciphertext: []byte("sealed"),
		Nonce:      []byte("nonce-nonce-"),
		CreatedAt:  now,
	}
}

// NewTestInvoice creates a paid invoice for userID.
func NewTestInvoice(t testing.TB, userID string) *model.Invoice {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &model.Invoice{
		ID:              ulid.Make().String(),
		UserID:          userID,
		StripeInvoiceID: UniqueID("in"),
		Amount:          900,
		Currency:        "usd",
		Status:          model.InvoicePaid,
		CreatedAt:       now,
	}
}

// StripeSignatureHeader builds a Stripe-Signature header value for payload.
// The signed string is "{timestamp}.{payload}".
func StripeSignatureHeader(secret string, timestamp time.Time, payload []byte) string {
	ts := timestamp.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}
