// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Outcome labels shared by recorders.
const (
	OutcomeSuccess      = "success"
	OutcomeFailure      = "failure"
	OutcomeValid        = "valid"
	OutcomeInvalid      = "invalid"
	OutcomeProcessed    = "processed"
	OutcomeDuplicate    = "duplicate"
	OutcomeInFlight     = "in_flight"
	OutcomeIgnored      = "ignored"
	OutcomeFailed       = "failed"
	OutcomeDropped      = "dropped"
	OutcomeDeadLettered = "dead_lettered"
)

// Recorder captures metric events for the application.
type Recorder interface {
	// Account metrics
	IncSignup()
	IncLogin(outcome string)

	// Key lifecycle metrics
	IncKeyCreated(provider string)
	IncKeyRevoked()
	IncKeyRevealed()
	IncKeyVerification(outcome string)
	IncKeyCacheHit()
	IncKeyCacheMiss()

	// Key usage stream metrics
	IncUsageEventPublished(outcome string)
	IncUsageEventProcessed(outcome string)
	SetUsageQueueDepth(depth int64)
	ObserveUsageBatch(size int, duration time.Duration)

	// Billing metrics
	IncWebhookEvent(eventType, outcome string)
	IncPlanChange(plan string)

	// HTTP metrics
	ObserveHTTPRequest(method, route string, status int, duration time.Duration)
}

// Snapshotter exposes a snapshot of current metrics.
type Snapshotter interface {
	Snapshot() Snapshot
}
