package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vaultapi/vaultapi/internal/model"
)

const (
	// eventPrefix is the Redis key prefix for billing event ledger entries.
	eventPrefix = "billing:event:"
	// Stripe retries deliveries for up to three days.
	eventTTL = 72 * time.Hour
	// eventClaimTTL frees an event whose owner died mid-apply.
	eventClaimTTL = 5 * time.Minute

	eventStateProcessing = "processing"
	eventStateDone       = "done"
)

// ClaimEvent takes ownership of an event for processing. Only the delivery
// that gets model.EventClaimed may apply it.
func (c *Cache) ClaimEvent(ctx context.Context, eventID string) (model.EventClaim, error) {
	key := eventPrefix + eventID
	claimed, err := c.client.SetNX(ctx, key, eventStateProcessing, eventClaimTTL).Result()
	if err != nil {
		return 0, fmt.Errorf("claim event: %w", err)
	}
	if claimed {
		return model.EventClaimed, nil
	}

	state, err := c.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Released between the two calls; let the sender retry.
		return model.EventInFlight, nil
	case err != nil:
		return 0, fmt.Errorf("read event state: %w", err)
	case state == eventStateDone:
		return model.EventCompleted, nil
	}
	return model.EventInFlight, nil
}

// CompleteEvent records a claimed event as applied.
func (c *Cache) CompleteEvent(ctx context.Context, eventID string) error {
	if err := c.client.Set(ctx, eventPrefix+eventID, eventStateDone, eventTTL).Err(); err != nil {
		return fmt.Errorf("complete event: %w", err)
	}
	return nil
}

// ForgetEvent releases a claimed event so a failed delivery can be retried.
func (c *Cache) ForgetEvent(ctx context.Context, eventID string) error {
	return c.client.Del(ctx, eventPrefix+eventID).Err()
}
