package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultapi/vaultapi/internal/auth"
	"github.com/vaultapi/vaultapi/internal/metrics"
	"github.com/vaultapi/vaultapi/internal/model"
)

const testFreeLimit = 3

type keyFixture struct {
	svc   *APIKeyService
	store *memStore
	cache *memCache
	rec   *metrics.InMemoryRecorder
}

func newKeyFixture(t *testing.T) *keyFixture {
	t.Helper()
	store := newMemStore()
	cache := newMemCache()
	rec := metrics.NewInMemory()
	svc := NewAPIKeyService(store, cache, newTestSealer(t), testFreeLimit, rec, discardLogger())
	t.Cleanup(svc.Wait)
	return &keyFixture{svc: svc, store: store, cache: cache, rec: rec}
}

func TestAPIKeyService_CreateValidation(t *testing.T) {
	t.Parallel()
	f := newKeyFixture(t)
	user := f.store.addUser("a@example.com", model.PlanFree)

	validSupabase := &model.SupabaseProviderInput{
		URL:            "https://abc.supabase.co",
		AnonKey:        strings.Repeat("a", 40),
		ServiceRoleKey: strings.Repeat("s", 40),
	}

	tests := []struct {
		name    string
		input   model.APIKeyCreateRequest
		wantErr error
	}{
		{"empty_name", model.APIKeyCreateRequest{Name: "  "}, ErrInvalidName},
		{"long_name", model.APIKeyCreateRequest{Name: strings.Repeat("n", 51)}, ErrInvalidName},
		{"bad_provider", model.APIKeyCreateRequest{Name: "x", Provider: "AWS"}, ErrInvalidProvider},
		{"short_value", model.APIKeyCreateRequest{Name: "x", Value: "too-short"}, ErrInvalidValue},
		{"long_value", model.APIKeyCreateRequest{Name: "x", Value: strings.Repeat("v", 201)}, ErrInvalidValue},
		{"value_with_spaces", model.APIKeyCreateRequest{Name: "x", Value: "this value has spaces in it"}, ErrInvalidValue},
		{"value_with_newline", model.APIKeyCreateRequest{Name: "x", Value: "sk_live_0123456789\nabcdefghij"}, ErrInvalidValue},
		{"supabase_missing_config", model.APIKeyCreateRequest{Name: "x", Provider: model.ProviderSupabase}, ErrInvalidProviderConfig},
		{
			name: "supabase_relative_url",
			input: model.APIKeyCreateRequest{Name: "x", Provider: model.ProviderSupabase, ProviderConfig: &model.SupabaseProviderInput{
				URL: "abc.supabase.co", AnonKey: validSupabase.AnonKey, ServiceRoleKey: validSupabase.ServiceRoleKey,
			}},
			wantErr: ErrInvalidProviderConfig,
		},
		{
			name: "supabase_ftp_url",
			input: model.APIKeyCreateRequest{Name: "x", Provider: model.ProviderSupabase, ProviderConfig: &model.SupabaseProviderInput{
				URL: "ftp://abc.supabase.co", AnonKey: validSupabase.AnonKey, ServiceRoleKey: validSupabase.ServiceRoleKey,
			}},
			wantErr: ErrInvalidProviderConfig,
		},
		{
			name: "supabase_missing_service_role",
			input: model.APIKeyCreateRequest{Name: "x", Provider: model.ProviderSupabase, ProviderConfig: &model.SupabaseProviderInput{
				URL: validSupabase.URL, AnonKey: validSupabase.AnonKey,
			}},
			wantErr: ErrInvalidProviderConfig,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), user.ID, tc.input)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	count, err := f.store.CountActiveAPIKeys(context.Background(), user.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestAPIKeyService_CreateGeneratesAndSeals(t *testing.T) {
	t.Parallel()
	f := newKeyFixture(t)
	ctx := context.Background()
	user := f.store.addUser("b@example.com", model.PlanFree)

	created, err := f.svc.Create(ctx, user.ID, model.APIKeyCreateRequest{Name: " Production "})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(created.Key, auth.KeyPrefix))
	assert.Equal(t, "Production", created.Name)
	assert.Equal(t, model.ProviderCustom, created.Provider)
	assert.Equal(t, created.Key[len(created.Key)-4:], created.Last4)

	stored := f.store.keys[created.ID]
	require.NotNil(t, stored)
	assert.Equal(t, auth.HashAPIKey(created.Key), stored.Hash)
	assert.NotContains(t, string(stored.Ciphertext), created.Key)

	revealed, err := f.svc.Reveal(ctx, user.ID, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Key, revealed.Key)
	assert.Empty(t, revealed.ServiceRoleKey)

	snap := f.rec.Snapshot()
	assert.Equal(t, uint64(1), snap.KeysCreated)
	assert.Equal(t, uint64(1), snap.KeysRevealed)
}

func TestAPIKeyService_CreateStoresProviderSecrets(t *testing.T) {
	t.Parallel()
	f := newKeyFixture(t)
	ctx := context.Background()
	user := f.store.addUser("secrets@example.com", model.PlanPro)

	tests := []struct {
		name  string
		value string
	}{
		{"aws_secret", "wJalrXUtnFEMI/K7MDENG/bPxRfiCYEXAMPLEKEY"},
		{"std_base64", "c2stbGl2ZS0wMTIzNDU2Nzg5YWJjZGVm+/9xYQ=="},
		{"url_token", "ghp_" + strings.Repeat("Z", 16) + ":" + strings.Repeat("9", 16)},
		{"exactly_200", strings.Repeat("x", 200)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			created, err := f.svc.Create(ctx, user.ID, model.APIKeyCreateRequest{Name: tc.name, Value: tc.value})
			require.NoError(t, err)
			assert.Equal(t, tc.value, created.Key)

			revealed, err := f.svc.Reveal(ctx, user.ID, created.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.value, revealed.Key)

			kc, err := f.svc.Verify(ctx, tc.value)
			require.NoError(t, err)
			assert.Equal(t, created.ID, kc.KeyID)
		})
	}
}

func TestAPIKeyService_CreateSupabase(t *testing.T) {
	t.Parallel()
	f := newKeyFixture(t)
	ctx := context.Background()
	user := f.store.addUser("c@example.com", model.PlanFree)

	anon := "eyJhbGciOiJIUzI1NiJ9." + strings.Repeat("a", 200) + ".sig"
	created, err := f.svc.Create(ctx, user.ID, model.APIKeyCreateRequest{
		Name:     "supabase",
		Provider: model.ProviderSupabase,
		ProviderConfig: &model.SupabaseProviderInput{
			URL:            "https://abc.supabase.co",
			AnonKey:        anon,
			ServiceRoleKey: "service-role-" + strings.Repeat("r", 30),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, anon, created.Key)

	var cfg model.SupabaseConfig
	require.NoError(t, json.Unmarshal(created.ProviderConfig, &cfg))
	assert.Equal(t, "https://abc.supabase.co", cfg.URL)
	assert.NotContains(t, string(created.ProviderConfig), "service-role")

	revealed, err := f.svc.Reveal(ctx, user.ID, created.ID)
	require.NoError(t, err)
	assert.Equal(t, anon, revealed.Key)
	assert.Equal(t, "service-role-"+strings.Repeat("r", 30), revealed.ServiceRoleKey)
}

func TestAPIKeyService_FreePlanCeiling(t *testing.T) {
	t.Parallel()
	f := newKeyFixture(t)
	ctx := context.Background()
	user := f.store.addUser("d@example.com", model.PlanFree)

	var ids []string
	for i := 0; i < testFreeLimit; i++ {
		created, err := f.svc.Create(ctx, user.ID, model.APIKeyCreateRequest{Name: "k"})
		require.NoError(t, err)
		ids = append(ids, created.ID)
	}

	_, err := f.svc.Create(ctx, user.ID, model.APIKeyCreateRequest{Name: "one too many"})
	assert.ErrorIs(t, err, ErrPlanLimitReached)

	// Revoking frees a slot.
	require.NoError(t, f.svc.Revoke(ctx, user.ID, ids[0]))
	_, err = f.svc.Create(ctx, user.ID, model.APIKeyCreateRequest{Name: "replacement"})
	assert.NoError(t, err)

	pro := f.store.addUser("pro@example.com", model.PlanPro)
	for i := 0; i < testFreeLimit+2; i++ {
		_, err := f.svc.Create(ctx, pro.ID, model.APIKeyCreateRequest{Name: "p"})
		require.NoError(t, err)
	}
}

func TestAPIKeyService_ConcurrentCreatesRespectCeiling(t *testing.T) {
	t.Parallel()
	f := newKeyFixture(t)
	user := f.store.addUser("race@example.com", model.PlanFree)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		limited int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Create(context.Background(), user.ID, model.APIKeyCreateRequest{Name: "k"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case assert.ErrorIs(t, err, ErrPlanLimitReached):
				limited++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, testFreeLimit, created)
	assert.Equal(t, 10-testFreeLimit, limited)
}

func TestAPIKeyService_DuplicateValue(t *testing.T) {
	t.Parallel()
	f := newKeyFixture(t)
	ctx := context.Background()
	user := f.store.addUser("e@example.com", model.PlanPro)

	value := "sk_live_" + strings.Repeat("q", 30)
	_, err := f.svc.Create(ctx, user.ID, model.APIKeyCreateRequest{Name: "first", Value: value})
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, user.ID, model.APIKeyCreateRequest{Name: "second", Value: value})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestAPIKeyService_RevokeAndReveal(t *testing.T) {
	t.Parallel()
	f := newKeyFixture(t)
	ctx := context.Background()
	owner := f.store.addUser("owner@example.com", model.PlanFree)
	other := f.store.addUser("other@example.com", model.PlanFree)

	created, err := f.svc.Create(ctx, owner.ID, model.APIKeyCreateRequest{Name: "k"})
	require.NoError(t, err)

	_, err = f.svc.Reveal(ctx, other.ID, created.ID)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.ErrorIs(t, f.svc.Revoke(ctx, other.ID, created.ID), ErrKeyNotFound)

	require.NoError(t, f.svc.Revoke(ctx, owner.ID, created.ID))
	assert.ErrorIs(t, f.svc.Revoke(ctx, owner.ID, created.ID), ErrKeyNotFound)

	_, err = f.svc.Reveal(ctx, owner.ID, created.ID)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	list, err := f.svc.List(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Revoked)
}

func TestAPIKeyService_RevealDetectsTampering(t *testing.T) {
	t.Parallel()
	f := newKeyFixture(t)
	ctx := context.Background()
	user := f.store.addUser("tamper@example.com", model.PlanFree)

	created, err := f.svc.Create(ctx, user.ID, model.APIKeyCreateRequest{Name: "k"})
	require.NoError(t, err)

	f.store.mu.Lock()
	f.store.keys[created.ID].Ciphertext[0] ^= 0xff
	f.store.mu.Unlock()

	_, err = f.svc.Reveal(ctx, user.ID, created.ID)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestAPIKeyService_Verify(t *testing.T) {
	t.Parallel()
	f := newKeyFixture(t)
	ctx := context.Background()
	user := f.store.addUser("verify@example.com", model.PlanPro)

	created, err := f.svc.Create(ctx, user.ID, model.APIKeyCreateRequest{Name: "ci"})
	require.NoError(t, err)

	kc, err := f.svc.Verify(ctx, created.Key)
	require.NoError(t, err)
	assert.Equal(t, created.ID, kc.KeyID)
	assert.Equal(t, user.ID, kc.UserID)
	assert.Equal(t, model.PlanPro, kc.Plan)

	// Second lookup is served from the cache.
	_, err = f.svc.Verify(ctx, created.Key)
	require.NoError(t, err)
	snap := f.rec.Snapshot()
	assert.Equal(t, uint64(1), snap.KeyCacheMisses)
	assert.Equal(t, uint64(1), snap.KeyCacheHits)

	f.svc.Wait()
	assert.Equal(t, 2, f.store.touchCount(created.ID))

	require.NoError(t, f.svc.Revoke(ctx, user.ID, created.ID))
	_, err = f.svc.Verify(ctx, created.Key)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	_, err = f.svc.Verify(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
	_, err = f.svc.Verify(ctx, "vk_"+strings.Repeat("z", 40))
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestAPIKeyService_VerifyWithoutCache(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	svc := NewAPIKeyService(store, nil, newTestSealer(t), testFreeLimit, nil, discardLogger())
	t.Cleanup(svc.Wait)
	user := store.addUser("nocache@example.com", model.PlanFree)

	created, err := svc.Create(context.Background(), user.ID, model.APIKeyCreateRequest{Name: "k"})
	require.NoError(t, err)

	kc, err := svc.Verify(context.Background(), created.Key)
	require.NoError(t, err)
	assert.Equal(t, model.PlanFree, kc.Plan)
	require.NoError(t, svc.Revoke(context.Background(), user.ID, created.ID))
}

type recordingSink struct {
	mu    sync.Mutex
	calls []string
}

func (s *recordingSink) RecordKeyUsage(keyID, userID string, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, keyID+"/"+userID)
}

func TestAPIKeyService_VerifyUsesUsageSink(t *testing.T) {
	t.Parallel()
	f := newKeyFixture(t)
	sink := &recordingSink{}
	f.svc.SetUsageSink(sink)
	ctx := context.Background()
	user := f.store.addUser("sink@example.com", model.PlanFree)

	created, err := f.svc.Create(ctx, user.ID, model.APIKeyCreateRequest{Name: "stream"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = f.svc.Verify(ctx, created.Key)
		require.NoError(t, err)
	}

	f.svc.Wait()
	assert.Equal(t, 0, f.store.touchCount(created.ID), "direct writes bypassed when a sink is set")
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []string{created.ID + "/" + user.ID, created.ID + "/" + user.ID}, sink.calls)
}

// racingStore runs onLookup once, after the active row has been read and
// before Verify caches it.
type racingStore struct {
	*memStore
	onLookup func()
}

func (s *racingStore) GetActiveAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, model.Plan, error) {
	key, plan, err := s.memStore.GetActiveAPIKeyByHash(ctx, hash)
	if hook := s.onLookup; hook != nil {
		s.onLookup = nil
		hook()
	}
	return key, plan, err
}

func TestAPIKeyService_RevokeDuringVerify(t *testing.T) {
	t.Parallel()
	store := &racingStore{memStore: newMemStore()}
	cache := newMemCache()
	svc := NewAPIKeyService(store, cache, newTestSealer(t), testFreeLimit, nil, discardLogger())
	t.Cleanup(svc.Wait)
	ctx := context.Background()
	user := store.addUser("race-revoke@example.com", model.PlanFree)

	created, err := svc.Create(ctx, user.ID, model.APIKeyCreateRequest{Name: "k"})
	require.NoError(t, err)

	store.onLookup = func() {
		require.NoError(t, svc.Revoke(ctx, user.ID, created.ID))
	}

	_, err = svc.Verify(ctx, created.Key)
	assert.ErrorIs(t, err, ErrInvalidAPIKey, "lookup raced with revoke")
	assert.False(t, cache.cached(auth.QuickHash(auth.HashAPIKey(created.Key))), "revoked key must not be cached")

	_, err = svc.Verify(ctx, created.Key)
	assert.ErrorIs(t, err, ErrInvalidAPIKey, "verify after revoke completed")
}

func TestAPIKeyService_RevokeEviction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		failures  int
		wantErr   bool
		wantCalls int
	}{
		{"first_try", 0, false, 1},
		{"recovers_after_retry", evictAttempts - 1, false, evictAttempts},
		{"cache_down", evictAttempts + 5, true, evictAttempts},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newKeyFixture(t)
			ctx := context.Background()
			user := f.store.addUser(tc.name+"@example.com", model.PlanFree)

			created, err := f.svc.Create(ctx, user.ID, model.APIKeyCreateRequest{Name: "k"})
			require.NoError(t, err)
			_, err = f.svc.Verify(ctx, created.Key)
			require.NoError(t, err)

			f.cache.mu.Lock()
			f.cache.evictFailures = tc.failures
			f.cache.mu.Unlock()

			err = f.svc.Revoke(ctx, user.ID, created.ID)
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errCacheDown)
				assert.NotErrorIs(t, err, ErrKeyNotFound)
			} else {
				require.NoError(t, err)
				_, err = f.svc.Verify(ctx, created.Key)
				assert.ErrorIs(t, err, ErrInvalidAPIKey)
			}

			f.cache.mu.Lock()
			defer f.cache.mu.Unlock()
			assert.Equal(t, tc.wantCalls, f.cache.evictCalls)
		})
	}
}
