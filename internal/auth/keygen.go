package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Generated key format: vk_{base64url(32 random bytes)}
// Example: vk_q3J9m2Zf0aLk8c7VbT1xYwR4sPdN6hE5uGiOyK2jMnA
const (
	KeyPrefix      = "vk_"
	keySecretBytes = 32

	maxPrefixLen      = 10
	fallbackPrefixLen = 8
	last4Len          = 4
)

var (
	// ErrInvalidKeyFormat indicates the presented key is not a plausible API key.
	ErrInvalidKeyFormat = errors.New("invalid API key format")
	// keyFormatRegex matches keys that are worth a database lookup: any
	// provider secret without whitespace or control characters.
	keyFormatRegex = regexp.MustCompile(`^[^\s\p{Cc}]{20,512}$`)
)

// GeneratedKey contains the parts of a newly generated or imported API key.
type GeneratedKey struct {
	Plaintext string // Full key (show once only)
	Hash      string // SHA-256 hex for lookup
	Prefix    string // Masked display prefix
	Last4     string
}

// GenerateAPIKey creates a new random API key.
func GenerateAPIKey() (*GeneratedKey, error) {
	secret := make([]byte, keySecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return DescribeKey(KeyPrefix + base64.RawURLEncoding.EncodeToString(secret)), nil
}

// DescribeKey derives the lookup hash and display mask for a plaintext key.
func DescribeKey(plaintext string) *GeneratedKey {
	prefix, last4 := MaskAPIKey(plaintext)
	return &GeneratedKey{
		Plaintext: plaintext,
		Hash:      HashAPIKey(plaintext),
		Prefix:    prefix,
		Last4:     last4,
	}
}

// HashAPIKey returns the SHA-256 hex digest used to look keys up.
// Keys are high entropy, so an unsalted digest is sufficient for lookup.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// QuickHash shortens a lookup hash into the Redis key used for cached key
// identities and revocation markers.
func QuickHash(lookupHash string) string {
	sum := sha256.Sum256([]byte(lookupHash))
	return hex.EncodeToString(sum[:16])
}

// MaskAPIKey returns the display prefix and last four characters of a key.
// The prefix runs through the first underscore when one appears early enough,
// otherwise it is the first eight characters.
func MaskAPIKey(key string) (prefix, last4 string) {
	if len(key) <= last4Len {
		return "", key
	}
	last4 = key[len(key)-last4Len:]

	if i := strings.IndexByte(key, '_'); i >= 0 && i < len(key)-5 {
		end := i + 1
		if end > maxPrefixLen {
			end = maxPrefixLen
		}
		return key[:end], last4
	}

	end := fallbackPrefixLen
	if end > len(key)-last4Len {
		end = len(key) - last4Len
	}
	return key[:end], last4
}

// ValidateKeyFormat checks if the key is worth looking up.
func ValidateKeyFormat(key string) bool {
	return keyFormatRegex.MatchString(key)
}
