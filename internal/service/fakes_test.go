package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vaultapi/vaultapi/internal/billing"
	"github.com/vaultapi/vaultapi/internal/model"
	"github.com/vaultapi/vaultapi/internal/repository"
	"github.com/vaultapi/vaultapi/internal/sealer"
)

// memStore mimics the repository's observable behavior in memory.
type memStore struct {
	mu       sync.Mutex
	users    map[string]*model.User
	keys     map[string]*model.APIKey
	invoices map[string]*model.Invoice
	touched  map[string]int
	failWith error
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]*model.User),
		keys:     make(map[string]*model.APIKey),
		invoices: make(map[string]*model.Invoice),
		touched:  make(map[string]int),
	}
}

func (m *memStore) addUser(email string, plan model.Plan) *model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := &model.User{ID: newID(), Email: email, Plan: plan, CreatedAt: time.Now().UTC()}
	m.users[u.ID] = u
	return u
}

func (m *memStore) CreateUser(_ context.Context, user *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return repository.ErrEmailExists
		}
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

func (m *memStore) GetUserByID(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	u, ok := m.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *memStore) GetUserByStripeCustomerID(_ context.Context, customerID string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.StripeCustomerID != nil && *u.StripeCustomerID == customerID {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *memStore) UpgradeUserPlan(_ context.Context, userID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	u, ok := m.users[userID]
	if !ok {
		return repository.ErrUserNotFound
	}
	for id, other := range m.users {
		if id != userID && customerID != "" && other.StripeCustomerID != nil && *other.StripeCustomerID == customerID {
			return repository.ErrCustomerLinked
		}
	}
	u.Plan = model.PlanPro
	if customerID != "" {
		u.StripeCustomerID = &customerID
	}
	return nil
}

func (m *memStore) SetPlanByStripeCustomer(_ context.Context, customerID string, plan model.Plan) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.StripeCustomerID != nil && *u.StripeCustomerID == customerID {
			u.Plan = plan
			return u.ID, nil
		}
	}
	return "", repository.ErrUserNotFound
}

func (m *memStore) UpsertInvoice(_ context.Context, inv *model.Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.invoices[inv.StripeInvoiceID]; ok {
		existing.Status = inv.Status
		existing.Amount = inv.Amount
		return nil
	}
	cp := *inv
	m.invoices[inv.StripeInvoiceID] = &cp
	return nil
}

func (m *memStore) ListInvoicesByUserID(_ context.Context, userID string) ([]*model.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Invoice, 0)
	for _, inv := range m.invoices {
		if inv.UserID == userID {
			cp := *inv
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) countActive(userID string) int {
	n := 0
	for _, k := range m.keys {
		if k.UserID == userID && !k.Revoked {
			n++
		}
	}
	return n
}

func (m *memStore) CountActiveAPIKeys(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countActive(userID), nil
}

func (m *memStore) CreateAPIKeyWithinLimit(_ context.Context, key *model.APIKey, freeLimit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[key.UserID]
	if !ok {
		return repository.ErrUserNotFound
	}
	if limit := u.Plan.KeyLimit(freeLimit); limit > 0 && m.countActive(key.UserID) >= limit {
		return repository.ErrPlanLimitReached
	}
	for _, k := range m.keys {
		if k.Hash == key.Hash {
			return repository.ErrKeyHashExists
		}
	}
	cp := *key
	m.keys[key.ID] = &cp
	return nil
}

func (m *memStore) ListAPIKeysByUserID(_ context.Context, userID string) ([]*model.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.APIKey, 0)
	for _, k := range m.keys {
		if k.UserID == userID {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *memStore) GetActiveAPIKeyForUser(_ context.Context, userID, id string) (*model.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.UserID != userID || k.Revoked {
		return nil, repository.ErrAPIKeyNotFound
	}
	cp := *k
	return &cp, nil
}

func (m *memStore) GetActiveAPIKeyByHash(_ context.Context, hash string) (*model.APIKey, model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.Hash == hash && !k.Revoked {
			cp := *k
			return &cp, m.users[k.UserID].Plan, nil
		}
	}
	return nil, "", repository.ErrAPIKeyNotFound
}

func (m *memStore) RevokeAPIKey(_ context.Context, userID, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.UserID != userID || k.Revoked {
		return "", repository.ErrAPIKeyNotFound
	}
	now := time.Now().UTC()
	k.Revoked = true
	k.RevokedAt = &now
	return k.Hash, nil
}

func (m *memStore) UpdateAPIKeyLastUsed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touched[id]++
	return nil
}

func (m *memStore) touchCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.touched[id]
}

// memCache implements KeyCache, SessionStore and EventLedger.
type memCache struct {
	mu          sync.Mutex
	keys        map[string]model.KeyContext
	revokedKeys map[string]bool
	revoked     map[string]time.Duration
	events      map[string]model.EventClaim
	err         error
	// evictFailures fails this many RevokeKeyContext calls before succeeding.
	evictFailures int
	evictCalls    int
}

func newMemCache() *memCache {
	return &memCache{
		keys:        make(map[string]model.KeyContext),
		revokedKeys: make(map[string]bool),
		revoked:     make(map[string]time.Duration),
		events:      make(map[string]model.EventClaim),
	}
}

func (c *memCache) GetKeyContext(_ context.Context, cacheKey string) (*model.KeyContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	kc, ok := c.keys[cacheKey]
	if !ok || c.revokedKeys[cacheKey] {
		return nil, nil
	}
	return &kc, nil
}

func (c *memCache) SetKeyContext(_ context.Context, cacheKey string, key *model.KeyContext) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	if c.revokedKeys[cacheKey] {
		return false, nil
	}
	c.keys[cacheKey] = *key
	return true, nil
}

func (c *memCache) RevokeKeyContext(_ context.Context, cacheKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictCalls++
	if c.evictCalls <= c.evictFailures {
		return errCacheDown
	}
	c.revokedKeys[cacheKey] = true
	delete(c.keys, cacheKey)
	return nil
}

func (c *memCache) cached(cacheKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.keys[cacheKey]
	return ok
}

func (c *memCache) RevokeSession(_ context.Context, tokenID string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.revoked[tokenID] = ttl
	return nil
}

func (c *memCache) IsSessionRevoked(_ context.Context, tokenID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	_, ok := c.revoked[tokenID]
	return ok, nil
}

func (c *memCache) ClaimEvent(_ context.Context, eventID string) (model.EventClaim, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	if state, ok := c.events[eventID]; ok {
		return state, nil
	}
	c.events[eventID] = model.EventInFlight
	return model.EventClaimed, nil
}

func (c *memCache) CompleteEvent(_ context.Context, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[eventID] = model.EventCompleted
	return nil
}

func (c *memCache) ForgetEvent(_ context.Context, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.events, eventID)
	return nil
}

// seen reports whether the event was recorded as applied.
func (c *memCache) seen(eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[eventID] == model.EventCompleted
}

func (c *memCache) inFlight(eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[eventID] == model.EventInFlight
}

// fakeGateway returns canned events keyed by payload.
type fakeGateway struct {
	checkoutURL string
	checkoutErr error
	lastReq     billing.CheckoutRequest
	events      map[string]*billing.Event
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, req billing.CheckoutRequest) (string, error) {
	g.lastReq = req
	if g.checkoutErr != nil {
		return "", g.checkoutErr
	}
	return g.checkoutURL, nil
}

func (g *fakeGateway) ParseEvent(payload []byte, header string) (*billing.Event, error) {
	if header != "valid" {
		return nil, billing.ErrInvalidSignature
	}
	ev, ok := g.events[string(payload)]
	if !ok {
		return nil, billing.ErrInvalidPayload
	}
	return ev, nil
}

var (
	errStoreDown = errors.New("store unavailable")
	errCacheDown = errors.New("cache unavailable")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSealer(t *testing.T) *sealer.Sealer {
	t.Helper()
	key, err := sealer.GenerateMasterKey()
	require.NoError(t, err)
	s, err := sealer.FromBase64(key)
	require.NoError(t, err)
	return s
}
