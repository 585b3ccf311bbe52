// Package sealer encrypts stored secrets with AES-256-GCM under a single master key.
package sealer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeySize is the required master key length in bytes.
	KeySize   = 32
	nonceSize = 12
)

var (
	// ErrInvalidMasterKey indicates the master key is not 32 bytes of base64.
	ErrInvalidMasterKey = errors.New("master key must be base64 encoding of 32 bytes")
	// ErrDecrypt covers tampered ciphertext, a wrong key and malformed nonces alike.
	ErrDecrypt = errors.New("failed to decrypt sealed value")
)

// ParseMasterKey decodes a base64 (standard or URL, padded or not) master key.
func ParseMasterKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		key, err := enc.DecodeString(encoded)
		if err == nil && len(key) == KeySize {
			return key, nil
		}
	}
	return nil, ErrInvalidMasterKey
}

// GenerateMasterKey returns a fresh random master key, base64 encoded.
func GenerateMasterKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate master key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Sealer seals and opens values. It is safe for concurrent use.
type Sealer struct {
	aead cipher.AEAD
}

// New creates a Sealer from a raw 32-byte key.
func New(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != KeySize {
		return nil, ErrInvalidMasterKey
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	return &Sealer{aead: aead}, nil
}

// FromBase64 parses an encoded master key and creates a Sealer.
func FromBase64(encoded string) (*Sealer, error) {
	key, err := ParseMasterKey(encoded)
	if err != nil {
		return nil, err
	}
	return New(key)
}

// Seal encrypts plaintext under a fresh random nonce.
// The returned ciphertext includes the GCM tag.
func (s *Sealer) Seal(plaintext string) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nil, nonce, []byte(plaintext), nil), nonce, nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(ciphertext, nonce []byte) (string, error) {
	if len(nonce) != nonceSize {
		return "", ErrDecrypt
	}
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}
