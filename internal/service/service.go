// Package service provides business logic for the application.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vaultapi/vaultapi/internal/model"
)

// Service errors. Handlers map these to HTTP statuses.
var (
	ErrInvalidEmail       = errors.New("a valid email address is required")
	ErrWeakPassword       = errors.New("password must be between 8 and 128 characters")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidSession     = errors.New("session is invalid or expired")
	ErrUserNotFound       = errors.New("user not found")

	ErrInvalidName           = errors.New("name must be between 1 and 50 characters")
	ErrInvalidValue          = errors.New("value must be 20 to 200 characters with no whitespace")
	ErrInvalidProvider       = errors.New("provider must be CUSTOM or SUPABASE")
	ErrInvalidProviderConfig = errors.New("SUPABASE keys require providerConfig with url, anonKey and serviceRoleKey")
	ErrPlanLimitReached      = errors.New("plan API key limit reached")
	ErrDuplicateKey          = errors.New("this key is already stored")
	ErrKeyNotFound           = errors.New("API key not found")
	ErrInvalidAPIKey         = errors.New("invalid API key")
	ErrDecryptFailed         = errors.New("stored key could not be decrypted")

	ErrAlreadyPro          = errors.New("user is already on the PRO plan")
	ErrInvalidWebhook      = errors.New("webhook signature or payload is invalid")
	ErrBillingDisabled     = errors.New("billing is not configured")
	ErrWebhookFailed       = errors.New("webhook event could not be applied")
	ErrWebhookInFlight     = errors.New("webhook event is already being processed")
	ErrCheckoutUnavailable = errors.New("checkout could not be started")
)

// UserStore is the user persistence the services depend on.
type UserStore interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
}

// SessionStore tracks logged-out sessions.
type SessionStore interface {
	RevokeSession(ctx context.Context, tokenID string, ttl time.Duration) error
	IsSessionRevoked(ctx context.Context, tokenID string) (bool, error)
}

// APIKeyStore is the key persistence the key service depends on.
type APIKeyStore interface {
	CreateAPIKeyWithinLimit(ctx context.Context, key *model.APIKey, freeLimit int) error
	ListAPIKeysByUserID(ctx context.Context, userID string) ([]*model.APIKey, error)
	GetActiveAPIKeyForUser(ctx context.Context, userID, id string) (*model.APIKey, error)
	GetActiveAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, model.Plan, error)
	RevokeAPIKey(ctx context.Context, userID, id string) (string, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id string) error
}

// UsageSink receives successful verifications for asynchronous
// last-used bookkeeping. RecordKeyUsage must not block.
type UsageSink interface {
	RecordKeyUsage(keyID, userID string, at time.Time)
}

// KeyCache caches validated key identities. Once RevokeKeyContext has run for
// a cache key, GetKeyContext misses and SetKeyContext reports false.
type KeyCache interface {
	GetKeyContext(ctx context.Context, cacheKey string) (*model.KeyContext, error)
	SetKeyContext(ctx context.Context, cacheKey string, key *model.KeyContext) (bool, error)
	RevokeKeyContext(ctx context.Context, cacheKey string) error
}

// Sealer encrypts secrets at rest.
type Sealer interface {
	Seal(plaintext string) (ciphertext, nonce []byte, err error)
	Open(ciphertext, nonce []byte) (string, error)
}

// BillingStore is the persistence the billing service depends on.
type BillingStore interface {
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByStripeCustomerID(ctx context.Context, customerID string) (*model.User, error)
	UpgradeUserPlan(ctx context.Context, userID, customerID string) error
	SetPlanByStripeCustomer(ctx context.Context, customerID string, plan model.Plan) (string, error)
	UpsertInvoice(ctx context.Context, inv *model.Invoice) error
	ListInvoicesByUserID(ctx context.Context, userID string) ([]*model.Invoice, error)
	CountActiveAPIKeys(ctx context.Context, userID string) (int, error)
}

// EventLedger deduplicates billing webhook deliveries. A claimed event must be
// completed or forgotten by its owner.
type EventLedger interface {
	ClaimEvent(ctx context.Context, eventID string) (model.EventClaim, error)
	CompleteEvent(ctx context.Context, eventID string) error
	ForgetEvent(ctx context.Context, eventID string) error
}

func newID() string {
	return ulid.Make().String()
}
