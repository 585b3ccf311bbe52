package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) IncSignup()                                            {}
func (n *NoopRecorder) IncLogin(outcome string)                               {}
func (n *NoopRecorder) IncKeyCreated(provider string)                         {}
func (n *NoopRecorder) IncKeyRevoked()                                        {}
func (n *NoopRecorder) IncKeyRevealed()                                       {}
func (n *NoopRecorder) IncKeyVerification(outcome string)                     {}
func (n *NoopRecorder) IncKeyCacheHit()                                       {}
func (n *NoopRecorder) IncKeyCacheMiss()                                      {}
func (n *NoopRecorder) IncUsageEventPublished(outcome string)                 {}
func (n *NoopRecorder) IncUsageEventProcessed(outcome string)                 {}
func (n *NoopRecorder) SetUsageQueueDepth(depth int64)                        {}
func (n *NoopRecorder) ObserveUsageBatch(size int, duration time.Duration)    {}
func (n *NoopRecorder) IncWebhookEvent(eventType, outcome string)             {}
func (n *NoopRecorder) IncPlanChange(plan string)                             {}
func (n *NoopRecorder) ObserveHTTPRequest(string, string, int, time.Duration) {}
