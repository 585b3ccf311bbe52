package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vaultapi/vaultapi/internal/model"
)

const (
	// keyCachePrefix is the Redis key prefix for validated API key identities.
	keyCachePrefix = "apikey:ctx:"
	// keyRevokedPrefix marks a key revoked so no verification can cache it again.
	keyRevokedPrefix = "apikey:revoked:"
	// keyCacheTTL bounds how long a plan change can take to reach cached keys.
	keyCacheTTL = 5 * time.Minute
	// keyRevokedTTL outlives any context cached before the revocation.
	keyRevokedTTL = 2 * keyCacheTTL
)

// setUnlessRevokedScript caches a key context only while no revocation
// marker exists. Returns 1 when stored, 0 when the key was revoked.
var setUnlessRevokedScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[2]) == 1 then
		return 0
	end
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
`)

// GetKeyContext retrieves a cached key identity by cache key.
// Returns nil on a miss and for revoked keys.
func (c *Cache) GetKeyContext(ctx context.Context, cacheKey string) (*model.KeyContext, error) {
	vals, err := c.client.MGet(ctx, keyCachePrefix+cacheKey, keyRevokedPrefix+cacheKey).Result()
	if err != nil {
		return nil, fmt.Errorf("get key context: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] != nil {
		return nil, nil
	}

	data, ok := vals[0].(string)
	if !ok {
		return nil, nil
	}

	var cached model.KeyContext
	if err := json.Unmarshal([]byte(data), &cached); err != nil {
		// Corrupted cache entry - treat as miss
		return nil, nil //nolint:nilerr
	}

	return &cached, nil
}

// SetKeyContext caches a key identity. It reports false without storing
// anything when the key has been revoked.
func (c *Cache) SetKeyContext(ctx context.Context, cacheKey string, key *model.KeyContext) (bool, error) {
	data, err := json.Marshal(key)
	if err != nil {
		return false, fmt.Errorf("marshal key context: %w", err)
	}

	stored, err := setUnlessRevokedScript.Run(ctx, c.client,
		[]string{keyCachePrefix + cacheKey, keyRevokedPrefix + cacheKey},
		data, keyCacheTTL.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("set key context: %w", err)
	}
	return stored == 1, nil
}

// RevokeKeyContext marks a key revoked and drops its cached identity in one
// transaction.
func (c *Cache) RevokeKeyContext(ctx context.Context, cacheKey string) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keyRevokedPrefix+cacheKey, time.Now().Unix(), keyRevokedTTL)
		pipe.Del(ctx, keyCachePrefix+cacheKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("revoke key context: %w", err)
	}
	return nil
}
