package usage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vaultapi/vaultapi/internal/metrics"
)

func TestEvent_Validate(t *testing.T) {
	t.Parallel()

	valid := Event{KeyID: "01HV0000000000000000000000", UserID: "01HU0000000000000000000000", UsedAt: time.Now().UnixMilli()}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}

	cases := []struct {
		name  string
		event Event
	}{
		{"missing_key", Event{UserID: "u", UsedAt: 1}},
		{"key_too_long", Event{KeyID: strings.Repeat("k", 27), UserID: "u", UsedAt: 1}},
		{"missing_user", Event{KeyID: "k", UsedAt: 1}},
		{"user_too_long", Event{KeyID: "k", UserID: strings.Repeat("u", 27), UsedAt: 1}},
		{"missing_time", Event{KeyID: "k", UserID: "u"}},
		{"negative_time", Event{KeyID: "k", UserID: "u", UsedAt: -5}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.event.Validate(); err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
		})
	}
}

func TestLatestUse_KeepsNewestPerKey(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	events := []Event{
		{KeyID: "a", UserID: "u", UsedAt: base.Add(2 * time.Second).UnixMilli()},
		{KeyID: "b", UserID: "u", UsedAt: base.UnixMilli()},
		{KeyID: "a", UserID: "u", UsedAt: base.UnixMilli()},
		{KeyID: "a", UserID: "u", UsedAt: base.Add(time.Second).UnixMilli()},
	}

	got := latestUse(events)
	if len(got) != 2 {
		t.Fatalf("latestUse returned %d keys, want 2", len(got))
	}
	if !got["a"].Equal(base.Add(2 * time.Second)) {
		t.Errorf("a = %v, want %v", got["a"], base.Add(2*time.Second))
	}
	if !got["b"].Equal(base) {
		t.Errorf("b = %v, want %v", got["b"], base)
	}
}

func TestDecodeMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		values     map[string]interface{}
		wantReason string
	}{
		{"valid", map[string]interface{}{"payload": `{"kid":"k1","uid":"u1","t":1700000000000}`}, ""},
		{"missing_payload", map[string]interface{}{"other": "x"}, "invalid_format"},
		{"not_json", map[string]interface{}{"payload": "{nope"}, "unmarshal_error"},
		{"invalid_fields", map[string]interface{}{"payload": `{"kid":"k1"}`}, "validation_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event, reason, err := decodeMessage(redis.XMessage{ID: "1-0", Values: tt.values})
			if tt.wantReason == "" {
				if err != nil {
					t.Fatalf("decodeMessage() error = %v", err)
				}
				if event.KeyID != "k1" || event.UserID != "u1" {
					t.Errorf("decoded %+v", event)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", reason, tt.wantReason)
			}
		})
	}
}

func TestIsConsumerGroupExistsError(t *testing.T) {
	t.Parallel()

	if !isConsumerGroupExistsError(errors.New("BUSYGROUP Consumer Group name already exists")) {
		t.Error("BUSYGROUP should be recognised")
	}
	if isConsumerGroupExistsError(errors.New("ERR no such key")) {
		t.Error("other errors should not be treated as BUSYGROUP")
	}
	if isConsumerGroupExistsError(nil) {
		t.Error("nil is not BUSYGROUP")
	}
}

type flakyRepo struct {
	mu       sync.Mutex
	failures int
	calls    int
	applied  []map[string]time.Time
}

func (r *flakyRepo) TouchAPIKeys(_ context.Context, usedAt map[string]time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		return 0, errors.New("db unavailable")
	}
	r.applied = append(r.applied, usedAt)
	return int64(len(usedAt)), nil
}

func newTestWorker(repo Repository, recorder metrics.Recorder) *Worker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWorker(nil, repo, logger, "test-consumer", recorder)
	w.SetRetryBackoff(time.Millisecond)
	return w
}

func TestWorker_ProcessBatchWithRetry(t *testing.T) {
	t.Parallel()

	events := []Event{
		{KeyID: "a", UserID: "u", UsedAt: 1000},
		{KeyID: "a", UserID: "u", UsedAt: 2000},
	}

	t.Run("recovers", func(t *testing.T) {
		t.Parallel()

		repo := &flakyRepo{failures: 2}
		rec := metrics.NewInMemory()
		w := newTestWorker(repo, rec)

		if err := w.processBatchWithRetry(context.Background(), events); err != nil {
			t.Fatalf("processBatchWithRetry() error = %v", err)
		}
		if repo.calls != 3 {
			t.Errorf("calls = %d, want 3", repo.calls)
		}
		if len(repo.applied) != 1 || !repo.applied[0]["a"].Equal(time.UnixMilli(2000)) {
			t.Errorf("applied = %v", repo.applied)
		}
		snap := rec.Snapshot()
		if snap.UsageProcessed[metrics.OutcomeSuccess] != 2 || snap.UsageBatches != 1 {
			t.Errorf("usage metrics = %+v", snap.UsageProcessed)
		}
	})

	t.Run("gives_up", func(t *testing.T) {
		t.Parallel()

		repo := &flakyRepo{failures: DefaultMaxRetries}
		rec := metrics.NewInMemory()
		w := newTestWorker(repo, rec)

		if err := w.processBatchWithRetry(context.Background(), events); err == nil {
			t.Fatal("expected error after exhausting retries")
		}
		if repo.calls != DefaultMaxRetries {
			t.Errorf("calls = %d, want %d", repo.calls, DefaultMaxRetries)
		}
		if got := rec.Snapshot().UsageProcessed[metrics.OutcomeFailed]; got != 2 {
			t.Errorf("failed events = %d, want 2", got)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()

		repo := &flakyRepo{failures: DefaultMaxRetries}
		w := newTestWorker(repo, nil)
		w.SetRetryBackoff(time.Hour)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := w.processBatchWithRetry(ctx, events); !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}
	})
}

func TestWorker_ShutdownBeforeRun(t *testing.T) {
	t.Parallel()

	w := newTestWorker(&flakyRepo{}, nil)
	if err := w.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() on idle worker = %v", err)
	}
}
