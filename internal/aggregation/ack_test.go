package aggregation

import (
	"testing"
	"time"

	"github.com/vthunder/medulla/internal/types"
)

// TestAckDefaultOverrideDelta pins the default delta at 0.25.
func TestAckDefaultOverrideDelta(t *testing.T) {
	if DefaultOverrideDelta != 0.25 {
		t.Fatalf("default override delta = %v, want 0.25", DefaultOverrideDelta)
	}

	r := NewAckRegistry(0)
	now := time.Now().UTC()
	r.Put(types.Ack{
		SignalType: "contact_pressure",
		AckType:    types.AckDeferred,
		DeferUntil: now.Add(time.Hour),
		ValueAtAck: 0.4,
	})

	if !r.Blocks("contact_pressure", "autonomic", 0.64, now) {
		t.Error("0.24 shift should still be blocked")
	}
	if r.Blocks("contact_pressure", "autonomic", 0.65, now) {
		t.Error("0.25 shift should override")
	}
}

// TestAckPerAckOverrideDelta verifies an ack's own delta wins over the
// registry default.
func TestAckPerAckOverrideDelta(t *testing.T) {
	r := NewAckRegistry(0)
	now := time.Now().UTC()
	r.Put(types.Ack{
		SignalType:    "social_debt",
		AckType:       types.AckDeferred,
		DeferUntil:    now.Add(time.Hour),
		ValueAtAck:    0.5,
		OverrideDelta: 0.1,
	})

	if r.Blocks("social_debt", "autonomic", 0.61, now) {
		t.Error("0.11 shift should override a 0.1 delta")
	}
}

// TestAckSourceFallback verifies an exact (type, source) ack wins over
// the any-source entry.
func TestAckSourceFallback(t *testing.T) {
	r := NewAckRegistry(0)
	now := time.Now().UTC()

	r.Put(types.Ack{SignalType: "plugin_event", AckType: types.AckSuppressed})
	r.Put(types.Ack{SignalType: "plugin_event", Source: "plugin.a", AckType: types.AckHandled})

	// plugin.a hits its handled ack, which clears; the wildcard then
	// applies on the next read.
	if !r.Blocks("plugin_event", "plugin.a", 0, now) {
		t.Error("first read should be blocked by the handled ack")
	}
	if !r.Blocks("plugin_event", "plugin.a", 0, now) {
		t.Error("second read should fall back to the suppressed wildcard")
	}

	// Other sources only ever see the wildcard.
	if !r.Blocks("plugin_event", "plugin.b", 0, now) {
		t.Error("wildcard should block other sources")
	}
}

// TestAckClearAndList verifies clear removes exactly one class.
func TestAckClearAndList(t *testing.T) {
	r := NewAckRegistry(0)
	r.Put(types.Ack{SignalType: "a", AckType: types.AckSuppressed})
	r.Put(types.Ack{SignalType: "b", AckType: types.AckSuppressed})

	if len(r.List()) != 2 {
		t.Fatalf("expected 2 acks, got %d", len(r.List()))
	}
	if !r.Clear("a", "") {
		t.Error("clear should report an existing ack")
	}
	if r.Clear("a", "") {
		t.Error("second clear should report nothing to remove")
	}
	if len(r.List()) != 1 {
		t.Errorf("expected 1 ack left, got %d", len(r.List()))
	}
}
