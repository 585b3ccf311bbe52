package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/vaultapi/vaultapi/internal/auth"
	"github.com/vaultapi/vaultapi/internal/metrics"
	"github.com/vaultapi/vaultapi/internal/model"
	"github.com/vaultapi/vaultapi/internal/repository"
)

const (
	maxKeyNameLen  = 50
	minKeyValueLen = 20
	maxKeyValueLen = 200

	lastUsedTimeout = 5 * time.Second

	evictAttempts = 3
	evictBackoff  = 25 * time.Millisecond
)

// APIKeyService handles key storage, reveal and verification.
type APIKeyService struct {
	store     APIKeyStore
	cache     KeyCache
	sealer    Sealer
	freeLimit int
	metrics   metrics.Recorder
	logger    *slog.Logger
	usage     UsageSink

	touches sync.WaitGroup
}

// NewAPIKeyService creates a new APIKeyService. keyCache may be nil.
func NewAPIKeyService(store APIKeyStore, keyCache KeyCache, sealer Sealer, freeLimit int, recorder metrics.Recorder, logger *slog.Logger) *APIKeyService {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKeyService{
		store:     store,
		cache:     keyCache,
		sealer:    sealer,
		freeLimit: freeLimit,
		metrics:   recorder,
		logger:    logger,
	}
}

// SetUsageSink routes last-used updates through sink instead of writing
// them directly.
func (s *APIKeyService) SetUsageSink(sink UsageSink) {
	s.usage = sink
}

// Create validates input, seals the key and stores it within the owner's plan ceiling.
// The returned response is the only place the plaintext key ever appears.
func (s *APIKeyService) Create(ctx context.Context, userID string, input model.APIKeyCreateRequest) (*model.APIKeyCreateResponse, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" || utf8.RuneCountInString(name) > maxKeyNameLen {
		return nil, ErrInvalidName
	}

	provider := input.Provider
	if provider == "" {
		provider = model.ProviderCustom
	}
	if !provider.Valid() {
		return nil, ErrInvalidProvider
	}

	var (
		plaintext      string
		providerSecret string
		providerConfig json.RawMessage
	)

	switch provider {
	case model.ProviderSupabase:
		cfg, err := validateSupabase(input.ProviderConfig)
		if err != nil {
			return nil, err
		}
		plaintext = cfg.AnonKey
		providerSecret = cfg.ServiceRoleKey
		providerConfig, err = json.Marshal(model.SupabaseConfig{URL: cfg.URL})
		if err != nil {
			return nil, fmt.Errorf("encode provider config: %w", err)
		}
	default:
		value := strings.TrimSpace(input.Value)
		if value == "" {
			generated, err := auth.GenerateAPIKey()
			if err != nil {
				return nil, fmt.Errorf("generate key: %w", err)
			}
			plaintext = generated.Plaintext
			break
		}
		if n := utf8.RuneCountInString(value); n < minKeyValueLen || n > maxKeyValueLen || !auth.ValidateKeyFormat(value) {
			return nil, ErrInvalidValue
		}
		plaintext = value
	}

	desc := auth.DescribeKey(plaintext)
	ciphertext, nonce, err := s.sealer.Seal(plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}

	now := time.Now().UTC()
	key := &model.APIKey{
		ID:             newID(),
		UserID:         userID,
		Name:           name,
		Provider:       provider,
		ProviderConfig: providerConfig,
		Prefix:         desc.Prefix,
		Last4:          desc.Last4,
		Hash:           desc.Hash,
		Ciphertext:     ciphertext,
		Nonce:          nonce,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if providerSecret != "" {
		key.ProviderSecretCiphertext, key.ProviderSecretNonce, err = s.sealer.Seal(providerSecret)
		if err != nil {
			return nil, fmt.Errorf("seal provider secret: %w", err)
		}
	}

	if err := s.store.CreateAPIKeyWithinLimit(ctx, key, s.freeLimit); err != nil {
		switch {
		case errors.Is(err, repository.ErrPlanLimitReached):
			return nil, ErrPlanLimitReached
		case errors.Is(err, repository.ErrKeyHashExists):
			return nil, ErrDuplicateKey
		case errors.Is(err, repository.ErrUserNotFound):
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("store key: %w", err)
	}

	s.metrics.IncKeyCreated(string(provider))
	s.logger.Info("api key created",
		slog.String("user_id", userID),
		slog.String("key_id", key.ID),
		slog.String("provider", string(provider)),
	)

	return &model.APIKeyCreateResponse{
		APIKeyResponse: key.ToResponse(),
		Key:            plaintext,
	}, nil
}

// List returns all keys owned by the user, newest first.
func (s *APIKeyService) List(ctx context.Context, userID string) ([]model.APIKeyResponse, error) {
	keys, err := s.store.ListAPIKeysByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	out := make([]model.APIKeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.ToResponse())
	}
	return out, nil
}

// Revoke marks an active key revoked and evicts it from the validation cache.
// An error is returned if the cache could not be told about the revocation.
func (s *APIKeyService) Revoke(ctx context.Context, userID, id string) error {
	hash, err := s.store.RevokeAPIKey(ctx, userID, id)
	if err != nil {
		if errors.Is(err, repository.ErrAPIKeyNotFound) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("revoke key: %w", err)
	}

	if err := s.evict(ctx, auth.QuickHash(hash)); err != nil {
		s.logger.Error("failed to evict revoked key from cache",
			slog.String("key_id", id),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("evict revoked key: %w", err)
	}

	s.metrics.IncKeyRevoked()
	s.logger.Info("api key revoked", slog.String("user_id", userID), slog.String("key_id", id))
	return nil
}

func (s *APIKeyService) evict(ctx context.Context, cacheKey string) error {
	if s.cache == nil {
		return nil
	}

	var err error
	for attempt := 1; attempt <= evictAttempts; attempt++ {
		if err = s.cache.RevokeKeyContext(ctx, cacheKey); err == nil {
			return nil
		}
		if attempt == evictAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * evictBackoff):
		}
	}
	return err
}

// Reveal decrypts an active key owned by the user.
func (s *APIKeyService) Reveal(ctx context.Context, userID, id string) (*model.APIKeyRevealResponse, error) {
	key, err := s.store.GetActiveAPIKeyForUser(ctx, userID, id)
	if err != nil {
		if errors.Is(err, repository.ErrAPIKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("load key: %w", err)
	}
	if key.IsRevoked() {
		return nil, ErrKeyNotFound
	}

	plaintext, err := s.sealer.Open(key.Ciphertext, key.Nonce)
	if err != nil {
		s.logger.Error("failed to open sealed key",
			slog.String("key_id", key.ID),
			slog.String("error", err.Error()),
		)
		return nil, ErrDecryptFailed
	}

	out := &model.APIKeyRevealResponse{ID: key.ID, Key: plaintext}
	if len(key.ProviderSecretCiphertext) > 0 {
		secret, err := s.sealer.Open(key.ProviderSecretCiphertext, key.ProviderSecretNonce)
		if err != nil {
			s.logger.Error("failed to open sealed provider secret",
				slog.String("key_id", key.ID),
				slog.String("error", err.Error()),
			)
			return nil, ErrDecryptFailed
		}
		out.ServiceRoleKey = secret
	}

	s.metrics.IncKeyRevealed()
	return out, nil
}

// Verify resolves a presented key to its identity. Revoked and unknown keys
// both yield ErrInvalidAPIKey.
func (s *APIKeyService) Verify(ctx context.Context, rawKey string) (*model.KeyContext, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" || !auth.ValidateKeyFormat(rawKey) {
		s.metrics.IncKeyVerification(metrics.OutcomeInvalid)
		return nil, ErrInvalidAPIKey
	}

	hash := auth.HashAPIKey(rawKey)
	cacheKey := auth.QuickHash(hash)

	if s.cache != nil {
		cached, err := s.cache.GetKeyContext(ctx, cacheKey)
		if err != nil {
			s.logger.Warn("key cache lookup failed", slog.String("error", err.Error()))
		}
		if cached != nil {
			s.metrics.IncKeyCacheHit()
			s.metrics.IncKeyVerification(metrics.OutcomeValid)
			s.touch(cached.KeyID, cached.UserID)
			return cached, nil
		}
		s.metrics.IncKeyCacheMiss()
	}

	key, plan, err := s.store.GetActiveAPIKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repository.ErrAPIKeyNotFound) {
			s.metrics.IncKeyVerification(metrics.OutcomeInvalid)
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("lookup key: %w", err)
	}
	if key.IsRevoked() {
		s.metrics.IncKeyVerification(metrics.OutcomeInvalid)
		return nil, ErrInvalidAPIKey
	}

	kc := &model.KeyContext{
		KeyID:  key.ID,
		UserID: key.UserID,
		Name:   key.Name,
		Plan:   plan,
		Prefix: key.Prefix,
		Last4:  key.Last4,
	}

	if s.cache != nil {
		stored, err := s.cache.SetKeyContext(ctx, cacheKey, kc)
		switch {
		case err != nil:
			s.logger.Warn("key cache store failed", slog.String("error", err.Error()))
		case !stored:
			// Revoked between the lookup and now.
			s.metrics.IncKeyVerification(metrics.OutcomeInvalid)
			return nil, ErrInvalidAPIKey
		}
	}

	s.metrics.IncKeyVerification(metrics.OutcomeValid)
	s.touch(key.ID, key.UserID)
	return kc, nil
}

// Wait blocks until pending direct last-used writes finish.
func (s *APIKeyService) Wait() {
	s.touches.Wait()
}

func (s *APIKeyService) touch(keyID, userID string) {
	if s.usage != nil {
		s.usage.RecordKeyUsage(keyID, userID, time.Now())
		return
	}

	s.touches.Add(1)
	go func() {
		defer s.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), lastUsedTimeout)
		defer cancel()
		if err := s.store.UpdateAPIKeyLastUsed(ctx, keyID); err != nil {
			s.logger.Warn("failed to record key usage",
				slog.String("key_id", keyID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func validateSupabase(cfg *model.SupabaseProviderInput) (*model.SupabaseProviderInput, error) {
	if cfg == nil {
		return nil, ErrInvalidProviderConfig
	}

	out := &model.SupabaseProviderInput{
		URL:            strings.TrimSpace(cfg.URL),
		AnonKey:        strings.TrimSpace(cfg.AnonKey),
		ServiceRoleKey: strings.TrimSpace(cfg.ServiceRoleKey),
	}

	u, err := url.Parse(out.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, ErrInvalidProviderConfig
	}
	if !auth.ValidateKeyFormat(out.AnonKey) || !auth.ValidateKeyFormat(out.ServiceRoleKey) {
		return nil, ErrInvalidProviderConfig
	}
	return out, nil
}
