package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func exerciseRecorder(r Recorder) {
	r.IncSignup()
	r.IncLogin(OutcomeSuccess)
	r.IncLogin(OutcomeFailure)
	r.IncKeyCreated("CUSTOM")
	r.IncKeyRevoked()
	r.IncKeyRevealed()
	r.IncKeyVerification(OutcomeValid)
	r.IncKeyVerification(OutcomeInvalid)
	r.IncKeyCacheHit()
	r.IncKeyCacheMiss()
	r.IncUsageEventPublished(OutcomeSuccess)
	r.IncUsageEventPublished(OutcomeDropped)
	r.IncUsageEventProcessed(OutcomeDeadLettered)
	r.SetUsageQueueDepth(7)
	r.ObserveUsageBatch(12, 3*time.Millisecond)
	r.IncWebhookEvent("checkout.session.completed", OutcomeProcessed)
	r.IncPlanChange("PRO")
	r.ObserveHTTPRequest("GET", "/api/keys", 200, 15*time.Millisecond)
}

func TestInMemoryRecorder_Snapshot(t *testing.T) {
	t.Parallel()

	rec := NewInMemory()
	exerciseRecorder(rec)
	snap := rec.Snapshot()

	if snap.Signups != 1 || snap.LoginSuccess != 1 || snap.LoginFailure != 1 {
		t.Errorf("auth counters wrong: %+v", snap)
	}
	if snap.KeysCreated != 1 || snap.KeysRevoked != 1 || snap.KeysRevealed != 1 {
		t.Errorf("key counters wrong: %+v", snap)
	}
	if snap.KeysVerified != 1 || snap.KeysRejected != 1 {
		t.Errorf("verification counters wrong: %+v", snap)
	}
	if snap.UsagePublished[OutcomeDropped] != 1 || snap.UsageProcessed[OutcomeDeadLettered] != 1 {
		t.Errorf("usage events wrong: published=%v processed=%v", snap.UsagePublished, snap.UsageProcessed)
	}
	if snap.UsageQueueDepth != 7 || snap.UsageBatches != 1 {
		t.Errorf("usage depth=%d batches=%d", snap.UsageQueueDepth, snap.UsageBatches)
	}
	if snap.WebhookEvents["checkout.session.completed/processed"] != 1 {
		t.Errorf("webhook events = %v", snap.WebhookEvents)
	}
	if snap.PlanChanges["PRO"] != 1 {
		t.Errorf("plan changes = %v", snap.PlanChanges)
	}

	// Snapshot maps are copies.
	snap.PlanChanges["PRO"] = 99
	if rec.Snapshot().PlanChanges["PRO"] != 1 {
		t.Error("snapshot should not alias recorder state")
	}
}

func TestNoopRecorder(t *testing.T) {
	t.Parallel()
	exerciseRecorder(NewNoop())
}

func TestPrometheusRecorder_Exposition(t *testing.T) {
	t.Parallel()

	rec := NewPrometheus()
	exerciseRecorder(rec)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rr.Body)
	out := string(body)

	for _, want := range []string{
		"vaultapi_auth_signups_total 1",
		`vaultapi_auth_logins_total{outcome="failure"} 1`,
		`vaultapi_keys_created_total{provider="CUSTOM"} 1`,
		`vaultapi_billing_webhook_events_total{outcome="processed",type="checkout.session.completed"} 1`,
		`vaultapi_usage_events_published_total{outcome="dropped"} 1`,
		"vaultapi_usage_queue_depth 7",
		"vaultapi_usage_batch_size_count 1",
		`vaultapi_http_request_duration_seconds_count{method="GET",route="/api/keys",status="200"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
