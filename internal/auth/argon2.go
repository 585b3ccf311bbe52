// Package auth provides credential hashing, API key material and session tokens.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const passwordSaltLen = 16

// passwordCost is the Argon2id work factor recorded in every account password hash.
type passwordCost struct {
	memoryKiB uint32
	passes    uint32
	lanes     uint8
	keyLen    uint32
}

// accountPasswordCost follows the OWASP Argon2id baseline (64 MiB, 3 passes).
var accountPasswordCost = passwordCost{memoryKiB: 64 * 1024, passes: 3, lanes: 4, keyLen: 32}

var (
	// ErrInvalidHash indicates a stored password hash cannot be decoded.
	ErrInvalidHash = errors.New("invalid hash format")
	// ErrIncompatibleVersion indicates the hash was made by another Argon2 revision.
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	// ErrEmptyPassword is returned when hashing an empty password.
	ErrEmptyPassword = errors.New("password is empty")
)

func (c passwordCost) derive(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, c.passes, c.memoryKiB, c.lanes, c.keyLen)
}

// encode renders $argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>.
func (c passwordCost) encode(salt, key []byte) string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, c.memoryKiB, c.passes, c.lanes,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	)
}

// HashPassword hashes an account password for the users table.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}

	salt := make([]byte, passwordSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	return accountPasswordCost.encode(salt, accountPasswordCost.derive(password, salt)), nil
}

// VerifyPassword reports whether password matches a stored account hash.
// The hash's own cost parameters are used, so older hashes keep verifying.
func VerifyPassword(password, encodedHash string) (bool, error) {
	cost, salt, want, err := decodePasswordHash(encodedHash)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(cost.derive(password, salt), want) == 1, nil
}

func decodePasswordHash(encoded string) (passwordCost, []byte, []byte, error) {
	var cost passwordCost

	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return cost, nil, nil, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return cost, nil, nil, ErrInvalidHash
	}
	if version != argon2.Version {
		return cost, nil, nil, ErrIncompatibleVersion
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &cost.memoryKiB, &cost.passes, &cost.lanes); err != nil {
		return cost, nil, nil, ErrInvalidHash
	}
	// argon2.IDKey panics on zero lanes or passes.
	if cost.memoryKiB == 0 || cost.passes == 0 || cost.lanes == 0 {
		return cost, nil, nil, ErrInvalidHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil || len(salt) == 0 {
		return cost, nil, nil, ErrInvalidHash
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return cost, nil, nil, ErrInvalidHash
	}
	cost.keyLen = uint32(len(key))

	return cost, salt, key, nil
}
