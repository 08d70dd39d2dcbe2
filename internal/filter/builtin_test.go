package filter

import (
	"testing"
	"time"

	"github.com/vthunder/medulla/internal/types"
)

func TestExpiryFilterDropsStale(t *testing.T) {
	now := time.Now().UTC()
	live := testSignal(types.SignalUserMessage, "hi")
	stale := testSignal(types.SignalPluginEvent, "")
	stale.ExpiresAt = now.Add(-time.Second)
	eternal := testSignal(types.SignalExternalEvent, "")
	eternal.ExpiresAt = time.Time{}

	out := NewExpiryFilter().Process([]*types.Signal{live, stale, eternal}, &Context{Now: now})

	if len(out) != 2 {
		t.Fatalf("kept %d signals, want 2", len(out))
	}
	if out[0] != live || out[1] != eternal {
		t.Errorf("wrong survivors: %v", out)
	}
}

func TestNormalizeFilter(t *testing.T) {
	now := time.Now().UTC()
	sig := testSignal(types.SignalUserMessage, "  hello  ")
	sig.Timestamp = time.Time{}
	sig.Metrics.Confidence = 0
	over := testSignal(types.SignalReaction, "")
	over.Metrics.Confidence = 1.5

	NewNormalizeFilter().Process([]*types.Signal{sig, over}, &Context{Now: now})

	if !sig.Timestamp.Equal(now) {
		t.Errorf("timestamp = %v, want %v", sig.Timestamp, now)
	}
	if sig.Metrics.Confidence != 1 {
		t.Errorf("confidence = %v, want 1", sig.Metrics.Confidence)
	}
	if got := sig.Data.Payload["text"]; got != "hello" {
		t.Errorf("text = %q, want hello", got)
	}
	if over.Metrics.Confidence != 1 {
		t.Errorf("clamped confidence = %v, want 1", over.Metrics.Confidence)
	}
}

func TestDedupeFilterCollapsesIdentical(t *testing.T) {
	a := testSignal(types.SignalUserMessage, "ping")
	a.Metrics.Value = 0.5
	b := testSignal(types.SignalUserMessage, "ping")
	b.Metrics.Value = 0.9
	b.ExpiresAt = a.ExpiresAt.Add(time.Minute)
	other := testSignal(types.SignalUserMessage, "different")

	out := NewDedupeFilter().Process([]*types.Signal{a, b, other}, &Context{})

	if len(out) != 2 {
		t.Fatalf("kept %d signals, want 2", len(out))
	}
	if out[0] != a {
		t.Fatalf("survivor is not the earliest record")
	}
	if got := a.Data.Payload["aggregatedCount"]; got != 2 {
		t.Errorf("aggregatedCount = %v, want 2", got)
	}
	if a.Metrics.Value != 0.9 {
		t.Errorf("value = %v, want max 0.9", a.Metrics.Value)
	}
	if !a.ExpiresAt.Equal(b.ExpiresAt) {
		t.Errorf("expiry not extended to %v", b.ExpiresAt)
	}
}

func TestDedupeFilterSumsPriorCounts(t *testing.T) {
	a := testSignal(types.SignalPluginEvent, "")
	a.Data.Kind = "com.example.poller:feed_item"
	a.Data.Payload = map[string]any{"aggregatedCount": 3}
	b := testSignal(types.SignalPluginEvent, "")
	b.Data.Kind = "com.example.poller:feed_item"

	out := NewDedupeFilter().Process([]*types.Signal{a, b}, &Context{})

	if len(out) != 1 {
		t.Fatalf("kept %d signals, want 1", len(out))
	}
	if got := a.Data.Payload["aggregatedCount"]; got != 4 {
		t.Errorf("aggregatedCount = %v, want 4", got)
	}
}

func TestDedupeFilterKeepsDistinctKinds(t *testing.T) {
	a := testSignal(types.SignalPluginEvent, "")
	a.Data.Kind = "com.example.poller:feed_item"
	b := testSignal(types.SignalPluginEvent, "")
	b.Data.Kind = "com.example.poller:poll_done"

	out := NewDedupeFilter().Process([]*types.Signal{a, b}, &Context{})

	if len(out) != 2 {
		t.Errorf("kept %d signals, want 2", len(out))
	}
}
