// Package usage moves key verification events through a Redis stream so
// last-used timestamps are written in batches off the request path.
package usage

import (
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	// StreamKey is the Redis stream for key usage events.
	StreamKey = "stream:key_usage"

	// DeadLetterStreamKey is the Redis stream for poison messages.
	DeadLetterStreamKey = "stream:key_usage:dlq"

	maxIDLength = 26
)

// Event is the compact stream payload for one successful verification.
type Event struct {
	KeyID  string `json:"kid"`
	UserID string `json:"uid"`
	UsedAt int64  `json:"t"` // Unix milliseconds
}

// Validate checks the fields the worker relies on.
func (e Event) Validate() error {
	if e.KeyID == "" {
		return errors.New("kid is required")
	}
	if len(e.KeyID) > maxIDLength {
		return errors.New("kid too long")
	}
	if e.UserID == "" {
		return errors.New("uid is required")
	}
	if len(e.UserID) > maxIDLength {
		return errors.New("uid too long")
	}
	if e.UsedAt <= 0 {
		return errors.New("t must be set")
	}
	return nil
}

// latestUse collapses events to the newest timestamp per key.
func latestUse(events []Event) map[string]time.Time {
	out := make(map[string]time.Time, len(events))
	for _, e := range events {
		at := time.UnixMilli(e.UsedAt).UTC()
		if prev, ok := out[e.KeyID]; !ok || at.After(prev) {
			out[e.KeyID] = at
		}
	}
	return out
}

// NewConsumerID creates a stable-ish consumer ID for Redis consumer groups.
func NewConsumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "api"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
}
