package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	Signups        uint64
	LoginSuccess   uint64
	LoginFailure   uint64
	KeysCreated    uint64
	KeysRevoked    uint64
	KeysRevealed   uint64
	KeysVerified   uint64
	KeysRejected   uint64
	KeyCacheHits   uint64
	KeyCacheMisses uint64
	HTTPRequests   uint64
	// UsagePublished and UsageProcessed are keyed by outcome.
	UsagePublished  map[string]uint64
	UsageProcessed  map[string]uint64
	UsageQueueDepth int64
	UsageBatches    uint64
	// WebhookEvents is keyed by "type/outcome".
	WebhookEvents map[string]uint64
	PlanChanges   map[string]uint64
}

// InMemoryRecorder stores metrics in memory for tests.
type InMemoryRecorder struct {
	signups        uint64
	loginSuccess   uint64
	loginFailure   uint64
	keysCreated    uint64
	keysRevoked    uint64
	keysRevealed   uint64
	keysVerified   uint64
	keysRejected   uint64
	keyCacheHits   uint64
	keyCacheMisses uint64
	httpRequests   uint64
	usageDepth     int64
	usageBatches   uint64

	mu             sync.Mutex
	webhookEvents  map[string]uint64
	planChanges    map[string]uint64
	usagePublished map[string]uint64
	usageProcessed map[string]uint64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{
		webhookEvents:  make(map[string]uint64),
		planChanges:    make(map[string]uint64),
		usagePublished: make(map[string]uint64),
		usageProcessed: make(map[string]uint64),
	}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	m.mu.Lock()
	events := make(map[string]uint64, len(m.webhookEvents))
	for k, v := range m.webhookEvents {
		events[k] = v
	}
	plans := make(map[string]uint64, len(m.planChanges))
	for k, v := range m.planChanges {
		plans[k] = v
	}
	published := copyCounts(m.usagePublished)
	processed := copyCounts(m.usageProcessed)
	m.mu.Unlock()

	return Snapshot{
		Signups:         atomic.LoadUint64(&m.signups),
		LoginSuccess:    atomic.LoadUint64(&m.loginSuccess),
		LoginFailure:    atomic.LoadUint64(&m.loginFailure),
		KeysCreated:     atomic.LoadUint64(&m.keysCreated),
		KeysRevoked:     atomic.LoadUint64(&m.keysRevoked),
		KeysRevealed:    atomic.LoadUint64(&m.keysRevealed),
		KeysVerified:    atomic.LoadUint64(&m.keysVerified),
		KeysRejected:    atomic.LoadUint64(&m.keysRejected),
		KeyCacheHits:    atomic.LoadUint64(&m.keyCacheHits),
		KeyCacheMisses:  atomic.LoadUint64(&m.keyCacheMisses),
		HTTPRequests:    atomic.LoadUint64(&m.httpRequests),
		UsagePublished:  published,
		UsageProcessed:  processed,
		UsageQueueDepth: atomic.LoadInt64(&m.usageDepth),
		UsageBatches:    atomic.LoadUint64(&m.usageBatches),
		WebhookEvents:   events,
		PlanChanges:     plans,
	}
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// IncSignup increments the signup counter.
func (m *InMemoryRecorder) IncSignup() {
	atomic.AddUint64(&m.signups, 1)
}

// IncLogin increments the login counter for the outcome.
func (m *InMemoryRecorder) IncLogin(outcome string) {
	if outcome == OutcomeSuccess {
		atomic.AddUint64(&m.loginSuccess, 1)
		return
	}
	atomic.AddUint64(&m.loginFailure, 1)
}

// IncKeyCreated increments the key created counter.
func (m *InMemoryRecorder) IncKeyCreated(provider string) {
	atomic.AddUint64(&m.keysCreated, 1)
}

// IncKeyRevoked increments the key revoked counter.
func (m *InMemoryRecorder) IncKeyRevoked() {
	atomic.AddUint64(&m.keysRevoked, 1)
}

// IncKeyRevealed increments the key revealed counter.
func (m *InMemoryRecorder) IncKeyRevealed() {
	atomic.AddUint64(&m.keysRevealed, 1)
}

// IncKeyVerification increments the verification counter for the outcome.
func (m *InMemoryRecorder) IncKeyVerification(outcome string) {
	if outcome == OutcomeValid {
		atomic.AddUint64(&m.keysVerified, 1)
		return
	}
	atomic.AddUint64(&m.keysRejected, 1)
}

// IncKeyCacheHit increments the key cache hit counter.
func (m *InMemoryRecorder) IncKeyCacheHit() {
	atomic.AddUint64(&m.keyCacheHits, 1)
}

// IncKeyCacheMiss increments the key cache miss counter.
func (m *InMemoryRecorder) IncKeyCacheMiss() {
	atomic.AddUint64(&m.keyCacheMisses, 1)
}

// IncUsageEventPublished counts a usage event handed to the stream.
func (m *InMemoryRecorder) IncUsageEventPublished(outcome string) {
	m.mu.Lock()
	m.usagePublished[outcome]++
	m.mu.Unlock()
}

// IncUsageEventProcessed counts a usage event consumed from the stream.
func (m *InMemoryRecorder) IncUsageEventProcessed(outcome string) {
	m.mu.Lock()
	m.usageProcessed[outcome]++
	m.mu.Unlock()
}

// SetUsageQueueDepth records pending plus unread stream entries.
func (m *InMemoryRecorder) SetUsageQueueDepth(depth int64) {
	atomic.StoreInt64(&m.usageDepth, depth)
}

// ObserveUsageBatch counts an applied batch.
func (m *InMemoryRecorder) ObserveUsageBatch(size int, duration time.Duration) {
	atomic.AddUint64(&m.usageBatches, 1)
}

// IncWebhookEvent counts a billing event by type and outcome.
func (m *InMemoryRecorder) IncWebhookEvent(eventType, outcome string) {
	m.mu.Lock()
	m.webhookEvents[eventType+"/"+outcome]++
	m.mu.Unlock()
}

// IncPlanChange counts a plan transition by target plan.
func (m *InMemoryRecorder) IncPlanChange(plan string) {
	m.mu.Lock()
	m.planChanges[plan]++
	m.mu.Unlock()
}

// ObserveHTTPRequest counts a served request.
func (m *InMemoryRecorder) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	atomic.AddUint64(&m.httpRequests, 1)
}
