package storage

import (
	"testing"
)

// storeUnderTest runs the shared contract checks against any Store.
func storeUnderTest(t *testing.T, s Store) {
	t.Helper()

	// Missing key
	if _, ok, err := s.Get("absent"); err != nil || ok {
		t.Errorf("expected miss for absent key, ok=%v err=%v", ok, err)
	}

	// Set / Get round trip
	if err := s.Set("plugin:com.example.a:greeting", []byte(`{"text":"hi"}`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	v, ok, err := s.Get("plugin:com.example.a:greeting")
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if string(v) != `{"text":"hi"}` {
		t.Errorf("unexpected value: %s", v)
	}

	// Overwrite
	if err := s.Set("plugin:com.example.a:greeting", []byte(`{"text":"yo"}`)); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	v, _, _ = s.Get("plugin:com.example.a:greeting")
	if string(v) != `{"text":"yo"}` {
		t.Errorf("expected overwritten value, got %s", v)
	}

	// Prefix listing is sorted and namespace-scoped
	s.Set("plugin:com.example.a:zebra", []byte(`1`))
	s.Set("plugin:com.example.b:other", []byte(`2`))
	keys, err := s.Keys("plugin:com.example.a:")
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "plugin:com.example.a:greeting" || keys[1] != "plugin:com.example.a:zebra" {
		t.Errorf("unexpected keys: %v", keys)
	}

	// Delete is idempotent
	if err := s.Delete("plugin:com.example.a:zebra"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := s.Delete("plugin:com.example.a:zebra"); err != nil {
		t.Errorf("second delete should not error: %v", err)
	}
	if _, ok, _ := s.Get("plugin:com.example.a:zebra"); ok {
		t.Error("expected key gone after delete")
	}
}

// TestMemoryStore tests the in-memory store contract
func TestMemoryStore(t *testing.T) {
	storeUnderTest(t, NewMemoryStore())
}

// TestSQLiteStore tests the SQLite store contract
func TestSQLiteStore(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()
	storeUnderTest(t, s)
}

// TestSQLitePersistence tests that values survive reopening the database
func TestSQLitePersistence(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := s.Set("recipient-registry", []byte(`[]`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	s.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()

	v, ok, err := s2.Get("recipient-registry")
	if err != nil || !ok {
		t.Fatalf("expected persisted value, ok=%v err=%v", ok, err)
	}
	if string(v) != `[]` {
		t.Errorf("unexpected value after reopen: %s", v)
	}
}

// TestKeysEscaping tests that prefixes containing LIKE wildcards match
// literally
func TestKeysEscaping(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer s.Close()

	s.Set("a_b:one", []byte(`1`))
	s.Set("axb:two", []byte(`2`))

	keys, err := s.Keys("a_b:")
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "a_b:one" {
		t.Errorf("wildcard leaked into prefix match: %v", keys)
	}
}
