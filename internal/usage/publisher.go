package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vaultapi/vaultapi/internal/metrics"
)

const (
	// MaxStreamLen is the approximate max length of the stream.
	MaxStreamLen = 100000

	// PublishTimeout is the max time to wait for Redis publish.
	PublishTimeout = 100 * time.Millisecond
)

// Publisher enqueues key usage events to the Redis stream.
type Publisher struct {
	redis   *redis.Client
	logger  *slog.Logger
	metrics metrics.Recorder

	inflight sync.WaitGroup
}

// NewPublisher creates a new usage event publisher.
func NewPublisher(client *redis.Client, logger *slog.Logger, recorder metrics.Recorder) *Publisher {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Publisher{
		redis:   client,
		logger:  logger.With("component", "usage.publisher"),
		metrics: recorder,
	}
}

// Publish adds an event to the stream synchronously.
func (p *Publisher) Publish(ctx context.Context, event Event) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	id, err := p.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		MaxLen: MaxStreamLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"payload": string(data),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}

	return id, nil
}

// RecordKeyUsage publishes without blocking the caller. Failures are
// logged and counted; a dropped event only delays last_used_at.
func (p *Publisher) RecordKeyUsage(keyID, userID string, at time.Time) {
	event := Event{KeyID: keyID, UserID: userID, UsedAt: at.UnixMilli()}

	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), PublishTimeout)
		defer cancel()

		streamID, err := p.Publish(ctx, event)
		if err != nil {
			p.logger.Warn("failed to publish key usage",
				"key_id", keyID,
				"error", err,
			)
			p.metrics.IncUsageEventPublished(metrics.OutcomeDropped)
			return
		}

		p.logger.Debug("key usage published",
			"key_id", keyID,
			"stream_id", streamID,
		)
		p.metrics.IncUsageEventPublished(metrics.OutcomeSuccess)
	}()
}

// Wait blocks until in-flight publishes finish.
func (p *Publisher) Wait() {
	p.inflight.Wait()
}
