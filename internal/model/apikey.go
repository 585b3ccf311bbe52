package model

import (
	"encoding/json"
	"time"
)

// Provider identifies where a stored key comes from.
type Provider string

const (
	ProviderCustom   Provider = "CUSTOM"
	ProviderSupabase Provider = "SUPABASE"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	return p == ProviderCustom || p == ProviderSupabase
}

// SupabaseConfig is the non-secret provider configuration persisted with a Supabase key.
type SupabaseConfig struct {
	URL string `json:"url"`
}

// APIKey represents a stored API key. Secret material is only held sealed.
type APIKey struct {
	ID             string
	UserID         string
	Name           string
	Provider       Provider
	ProviderConfig json.RawMessage
	Prefix         string
	Last4          string
	Hash           string
	Ciphertext     []byte
	Nonce          []byte
	// Sealed Supabase service role key, nil for custom keys.
	ProviderSecretCiphertext []byte
	ProviderSecretNonce      []byte
	Revoked                  bool
	RevokedAt                *time.Time
	LastUsedAt               *time.Time
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// IsRevoked returns true if the key has been revoked.
func (k *APIKey) IsRevoked() bool {
	return k.Revoked
}

// Masked renders the key for display, e.g. "vk_…a1B2".
func (k *APIKey) Masked() string {
	return k.Prefix + "…" + k.Last4
}

// APIKeyResponse is the listing view of a key (no secrets).
type APIKeyResponse struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Provider       Provider        `json:"provider"`
	ProviderConfig json.RawMessage `json:"providerConfig,omitempty"`
	Prefix         string          `json:"prefix"`
	Last4          string          `json:"last4"`
	Revoked        bool            `json:"revoked"`
	LastUsedAt     *time.Time      `json:"lastUsedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// ToResponse converts an APIKey to APIKeyResponse.
func (k *APIKey) ToResponse() APIKeyResponse {
	return APIKeyResponse{
		ID:             k.ID,
		Name:           k.Name,
		Provider:       k.Provider,
		ProviderConfig: k.ProviderConfig,
		Prefix:         k.Prefix,
		Last4:          k.Last4,
		Revoked:        k.Revoked,
		LastUsedAt:     k.LastUsedAt,
		CreatedAt:      k.CreatedAt,
		UpdatedAt:      k.UpdatedAt,
	}
}

// SupabaseProviderInput is the provider configuration accepted on create.
type SupabaseProviderInput struct {
	URL            string `json:"url"`
	AnonKey        string `json:"anonKey"`
	ServiceRoleKey string `json:"serviceRoleKey"`
}

// APIKeyCreateRequest represents a request to create a new API key.
type APIKeyCreateRequest struct {
	Name           string                 `json:"name"`
	Provider       Provider               `json:"provider,omitempty"`
	Value          string                 `json:"value,omitempty"`
	ProviderConfig *SupabaseProviderInput `json:"providerConfig,omitempty"`
}

// APIKeyCreateResponse includes the plaintext key (shown only once).
type APIKeyCreateResponse struct {
	APIKeyResponse
	Key string `json:"key"`
}

// APIKeyRevealResponse carries decrypted secrets for an active key.
type APIKeyRevealResponse struct {
	ID             string `json:"id"`
	Key            string `json:"key"`
	ServiceRoleKey string `json:"serviceRoleKey,omitempty"`
}

// KeyContext is the identity resolved from a presented API key.
type KeyContext struct {
	KeyID  string `json:"keyId"`
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Plan   Plan   `json:"plan"`
	Prefix string `json:"prefix"`
	Last4  string `json:"last4"`
}
