package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// sessionDenyPrefix is the Redis key prefix for logged-out session token IDs.
const sessionDenyPrefix = "session:revoked:"

// RevokeSession denylists a session token ID until ttl elapses.
func (c *Cache) RevokeSession(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return c.client.Set(ctx, sessionDenyPrefix+tokenID, "1", ttl).Err()
}

// IsSessionRevoked reports whether the token ID has been logged out.
func (c *Cache) IsSessionRevoked(ctx context.Context, tokenID string) (bool, error) {
	err := c.client.Get(ctx, sessionDenyPrefix+tokenID).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
