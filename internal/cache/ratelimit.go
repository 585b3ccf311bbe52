package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// bucketScope names one family of token buckets shared by every API instance.
type bucketScope struct {
	prefix string
	// idle buckets expire after ttl; a full bucket and a missing one behave the same.
	ttl time.Duration
}

var (
	// accountBuckets enforce the plan tier of a signed-in user or key owner.
	accountBuckets = bucketScope{prefix: "ratelimit:user:", ttl: 2 * time.Minute}
	// verifyIPBuckets guard key verification before any key lookup happens.
	verifyIPBuckets = bucketScope{prefix: "ratelimit:ip:", ttl: 10 * time.Second}
)

// RateLimitResult contains the result of a rate limit check.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// takeTokenScript refills a bucket for the elapsed time and takes one token.
// KEYS[1] bucket; ARGV rate (tokens/s), burst, now (fractional seconds), ttl (ms).
// Returns {allowed, retry_after_ms, tokens_left}.
var takeTokenScript = redis.NewScript(`
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local now = tonumber(ARGV[3])

	local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
	local tokens = tonumber(state[1]) or burst
	local ts = tonumber(state[2]) or now

	if now > ts then
		tokens = math.min(burst, tokens + (now - ts) * rate)
	end

	local allowed = 0
	local retry_ms = 0
	if tokens >= 1 then
		tokens = tokens - 1
		allowed = 1
	else
		retry_ms = math.ceil((1 - tokens) / rate * 1000)
	end

	redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', now)
	redis.call('PEXPIRE', KEYS[1], ARGV[4])

	return {allowed, retry_ms, math.floor(tokens)}
`)

// CheckUserRateLimit takes a token from the account's bucket. A non-positive
// rate means the tier is unlimited.
func (c *Cache) CheckUserRateLimit(ctx context.Context, userID string, ratePerMinute, burst int) (*RateLimitResult, error) {
	if ratePerMinute <= 0 {
		return &RateLimitResult{
			Allowed:   true,
			Remaining: int64(burst),
			ResetAt:   time.Now().Add(time.Minute),
		}, nil
	}
	return c.take(ctx, accountBuckets, userID, float64(ratePerMinute)/60, burst)
}

// CheckIPRateLimit takes a token from the caller's verification bucket.
// Addresses are stored hashed.
func (c *Cache) CheckIPRateLimit(ctx context.Context, ip string, ratePerSecond, burst int) (*RateLimitResult, error) {
	return c.take(ctx, verifyIPBuckets, hashIP(ip), float64(ratePerSecond), burst)
}

// take returns an error when Redis is unavailable; callers decide whether to fail open.
func (c *Cache) take(ctx context.Context, scope bucketScope, id string, rate float64, burst int) (*RateLimitResult, error) {
	now := time.Now()
	nowSec := float64(now.UnixMicro()) / 1e6

	res, err := takeTokenScript.Run(ctx, c.client,
		[]string{scope.prefix + id},
		rate, burst, nowSec, scope.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("rate limit %s: %w", scope.prefix, err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("rate limit %s: unexpected reply %v", scope.prefix, res)
	}

	remaining := res[2]
	refill := time.Duration(math.Ceil(float64(int64(burst)-remaining)/rate)) * time.Second

	return &RateLimitResult{
		Allowed:    res[0] == 1,
		Remaining:  remaining,
		ResetAt:    now.Add(refill),
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
	}, nil
}

// hashIP keys IP buckets by the first 8 bytes of SHA-256 so raw client
// addresses never reach Redis.
func hashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:8])
}
