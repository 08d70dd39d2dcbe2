package recipient

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vthunder/medulla/internal/storage"
)

// TestIDFormat tests the id derivation: rcpt_ prefix plus 16 lowercase
// hex characters, stable for the same route
func TestIDFormat(t *testing.T) {
	id := ComputeID("telegram", "chat-42")
	if !strings.HasPrefix(id, "rcpt_") {
		t.Errorf("expected rcpt_ prefix, got %s", id)
	}
	if len(id) != len("rcpt_")+16 {
		t.Errorf("expected 16 hex chars after prefix, got %s", id)
	}
	if id != strings.ToLower(id) {
		t.Errorf("expected lowercase hex, got %s", id)
	}
	if again := ComputeID("telegram", "chat-42"); again != id {
		t.Errorf("id not deterministic: %s vs %s", id, again)
	}
	if other := ComputeID("telegram", "chat-43"); other == id {
		t.Error("different destinations must not share an id")
	}
}

// TestGetOrCreateRoundTrip tests create, resolve, lookup and re-create
// stability
func TestGetOrCreateRoundTrip(t *testing.T) {
	r := NewRegistry()

	id, err := r.GetOrCreate("discord", "user-7")
	if err != nil {
		t.Fatalf("getOrCreate failed: %v", err)
	}

	route, ok := r.Resolve(id)
	if !ok || route.Channel != "discord" || route.Destination != "user-7" {
		t.Errorf("resolve returned %+v ok=%v", route, ok)
	}

	looked, ok := r.Lookup("discord", "user-7")
	if !ok || looked != id {
		t.Errorf("lookup returned %s ok=%v, want %s", looked, ok, id)
	}

	same, err := r.GetOrCreate("discord", "user-7")
	if err != nil || same != id {
		t.Errorf("second getOrCreate returned %s err=%v, want %s", same, err, id)
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 record, got %d", r.Count())
	}
}

// TestCollisionFailsLoud tests that an id collision with a different
// route returns ErrCollision instead of remapping
func TestCollisionFailsLoud(t *testing.T) {
	r := NewRegistry()

	// Forge a record occupying the id that (telegram, 123) hashes to,
	// but under a different route.
	forged := Record{
		RecipientID:  ComputeID("telegram", "123"),
		Channel:      "discord",
		Destination:  "999",
		RegisteredAt: time.Now(),
		LastSeenAt:   time.Now(),
	}
	if err := r.Import([]Record{forged}); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	_, err := r.GetOrCreate("telegram", "123")
	if !errors.Is(err, ErrCollision) {
		t.Fatalf("expected ErrCollision, got %v", err)
	}
	// The original mapping must be intact.
	route, ok := r.Resolve(forged.RecipientID)
	if !ok || route.Channel != "discord" {
		t.Error("collision must not overwrite the existing record")
	}
}

// TestNulSeparatorRoutes tests that routes which concatenate to the
// same byte string are kept distinct or rejected, never merged
func TestNulSeparatorRoutes(t *testing.T) {
	r := NewRegistry()

	// ("a\0b", "c") and ("a", "b\0c") hash identically; the second
	// registration must fail loud rather than silently share the id.
	if _, err := r.GetOrCreate("a\x00b", "c"); err != nil {
		t.Fatalf("first route failed: %v", err)
	}
	_, err := r.GetOrCreate("a", "b\x00c")
	if !errors.Is(err, ErrCollision) {
		t.Fatalf("expected ErrCollision for ambiguous route, got %v", err)
	}
}

// TestTouchAndRemove tests last-seen updates and removal
func TestTouchAndRemove(t *testing.T) {
	r := NewRegistry()
	id, _ := r.GetOrCreate("console", "local")

	before, _ := r.GetRecord(id)
	time.Sleep(5 * time.Millisecond)
	if !r.Touch(id) {
		t.Fatal("touch reported unknown id")
	}
	after, _ := r.GetRecord(id)
	if !after.LastSeenAt.After(before.LastSeenAt) {
		t.Error("touch did not advance lastSeenAt")
	}

	if !r.Remove(id) {
		t.Fatal("remove reported unknown id")
	}
	if r.Remove(id) {
		t.Error("second remove should report missing")
	}
	if _, ok := r.Resolve(id); ok {
		t.Error("resolve should miss after remove")
	}
	if _, ok := r.Lookup("console", "local"); ok {
		t.Error("lookup should miss after remove")
	}
}

// TestImportValidation tests that malformed ids, duplicate ids and
// duplicate routes are rejected wholesale
func TestImportValidation(t *testing.T) {
	now := time.Now()
	good := Record{RecipientID: ComputeID("x", "1"), Channel: "x", Destination: "1", RegisteredAt: now, LastSeenAt: now}

	cases := []struct {
		name    string
		records []Record
	}{
		{"malformed prefix", []Record{{RecipientID: "user_abc123", Channel: "x", Destination: "2"}}},
		{"empty id", []Record{{RecipientID: "", Channel: "x", Destination: "2"}}},
		{"duplicate id", []Record{good, {RecipientID: good.RecipientID, Channel: "y", Destination: "3"}}},
		{"duplicate route", []Record{good, {RecipientID: ComputeID("x", "other"), Channel: "x", Destination: "1"}}},
	}

	for _, tc := range cases {
		r := NewRegistry()
		r.GetOrCreate("pre", "existing")
		if err := r.Import(tc.records); err == nil {
			t.Errorf("%s: expected import to fail", tc.name)
		}
		// Failed import must leave prior contents untouched.
		if _, ok := r.Lookup("pre", "existing"); !ok {
			t.Errorf("%s: failed import clobbered registry", tc.name)
		}
	}
}

// TestPersistentRoundTrip tests that records survive a flush and a
// reload from the same store
func TestPersistentRoundTrip(t *testing.T) {
	store := storage.NewMemoryStore()

	p, err := NewPersistent(store, Options{})
	if err != nil {
		t.Fatalf("new persistent failed: %v", err)
	}
	id, err := p.GetOrCreate("discord", "user-9")
	if err != nil {
		t.Fatalf("getOrCreate failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	p2, err := NewPersistent(store, Options{})
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	defer p2.Close()

	again, err := p2.GetOrCreate("discord", "user-9")
	if err != nil {
		t.Fatalf("getOrCreate after reload failed: %v", err)
	}
	if again != id {
		t.Errorf("id changed across restart: %s vs %s", again, id)
	}
}

// TestPersistentDebounce tests that mutations within the debounce
// window produce a single deferred save
func TestPersistentDebounce(t *testing.T) {
	store := storage.NewMemoryStore()
	p, err := NewPersistent(store, Options{Debounce: 250 * time.Millisecond})
	if err != nil {
		t.Fatalf("new persistent failed: %v", err)
	}
	defer p.Close()

	p.GetOrCreate("c", "1")
	p.GetOrCreate("c", "2")

	if _, ok, _ := store.Get(SnapshotKey); ok {
		t.Fatal("save should be deferred past the debounce window")
	}

	deadline := time.After(2 * time.Second)
	for {
		if data, ok, _ := store.Get(SnapshotKey); ok {
			var records []Record
			if err := json.Unmarshal(data, &records); err != nil {
				t.Fatalf("snapshot not valid JSON: %v", err)
			}
			if len(records) != 2 {
				t.Fatalf("expected 2 records in snapshot, got %d", len(records))
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("debounced save never happened")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// TestPersistentCorruptSnapshot tests that a corrupt snapshot starts
// empty unless strict mode is set
func TestPersistentCorruptSnapshot(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Set(SnapshotKey, []byte(`{"not":"an array"`))

	p, err := NewPersistent(store, Options{})
	if err != nil {
		t.Fatalf("lenient mode should not fail: %v", err)
	}
	if p.Count() != 0 {
		t.Errorf("expected empty registry after corrupt snapshot, got %d", p.Count())
	}
	p.Close()

	store2 := storage.NewMemoryStore()
	store2.Set(SnapshotKey, []byte(`garbage`))
	if _, err := NewPersistent(store2, Options{Strict: true}); err == nil {
		t.Error("strict mode should fail on corrupt snapshot")
	}
}

// TestPersistentRejectsPartialSnapshot tests that a snapshot with one
// bad record loads nothing rather than the valid subset
func TestPersistentRejectsPartialSnapshot(t *testing.T) {
	now := time.Now().UTC()
	records := []Record{
		{RecipientID: ComputeID("a", "1"), Channel: "a", Destination: "1", RegisteredAt: now, LastSeenAt: now},
		{RecipientID: "bogus", Channel: "b", Destination: "2", RegisteredAt: now, LastSeenAt: now},
	}
	data, _ := json.Marshal(records)

	store := storage.NewMemoryStore()
	store.Set(SnapshotKey, data)

	p, err := NewPersistent(store, Options{})
	if err != nil {
		t.Fatalf("lenient mode should not fail: %v", err)
	}
	defer p.Close()
	if p.Count() != 0 {
		t.Errorf("partial load forbidden: expected 0 records, got %d", p.Count())
	}
}
