package plugin

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/storage"
)

// MaxQueryLimit caps how many records one query may return.
const MaxQueryLimit = 1000

// Storage is a plugin's private keyspace over the shared store. All
// keys live under "plugin:<id>:" and count against the plugin's byte
// budget.
type Storage struct {
	pluginID string
	prefix   string
	store    storage.Store

	mu        sync.Mutex
	maxBytes  int64
	warnBytes int64
	usedBytes int64
	warned    bool
}

// NewStorage opens the namespace for pluginID and measures current
// usage. maxMB <= 0 disables the budget.
func NewStorage(pluginID string, store storage.Store, maxMB, warnPercent float64) (*Storage, error) {
	s := &Storage{
		pluginID: pluginID,
		prefix:   "plugin:" + pluginID + ":",
		store:    store,
	}
	if maxMB > 0 {
		s.maxBytes = int64(maxMB * 1024 * 1024)
		if warnPercent > 0 {
			s.warnBytes = int64(float64(s.maxBytes) * warnPercent / 100)
		}
	}
	if err := s.measure(); err != nil {
		return nil, fmt.Errorf("failed to measure storage for %s: %w", pluginID, err)
	}
	return s, nil
}

// measure recomputes usedBytes by walking the namespace.
func (s *Storage) measure() error {
	keys, err := s.store.Keys(s.prefix)
	if err != nil {
		return err
	}
	var used int64
	for _, k := range keys {
		v, ok, err := s.store.Get(k)
		if err != nil {
			return err
		}
		if ok {
			used += entrySize(strings.TrimPrefix(k, s.prefix), v)
		}
	}
	s.mu.Lock()
	s.usedBytes = used
	s.mu.Unlock()
	return nil
}

// entrySize is the billed size of one record: key plus value bytes.
func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}

// Get returns the raw JSON stored under key.
func (s *Storage) Get(key string) (json.RawMessage, bool, error) {
	v, ok, err := s.store.Get(s.prefix + key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, ok, nil
}

// GetInto unmarshals the value under key into out.
func (s *Storage) GetInto(key string, out any) (bool, error) {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// Set marshals value under key, enforcing the byte budget. Growth past
// the budget is rejected with ErrStorageLimitExceeded; crossing the
// warning line logs once until usage falls back below it.
func (s *Storage) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.SetRaw(key, raw)
}

// SetRaw stores pre-encoded JSON under key.
func (s *Storage) SetRaw(key string, raw json.RawMessage) error {
	old, existed, err := s.store.Get(s.prefix + key)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}

	newSize := entrySize(key, raw)
	var oldSize int64
	if existed {
		oldSize = entrySize(key, old)
	}

	s.mu.Lock()
	next := s.usedBytes - oldSize + newSize
	if s.maxBytes > 0 && next > s.maxBytes {
		used := s.usedBytes
		s.mu.Unlock()
		return fmt.Errorf("%w: %s would use %d of %d bytes", ErrStorageLimitExceeded, s.pluginID, used-oldSize+newSize, s.maxBytes)
	}
	warnNow := false
	if s.warnBytes > 0 {
		if next >= s.warnBytes && !s.warned {
			s.warned = true
			warnNow = true
		} else if next < s.warnBytes {
			s.warned = false
		}
	}
	s.mu.Unlock()

	if warnNow {
		logging.Warn("plugin", "%s storage at %d of %d bytes", s.pluginID, next, s.maxBytes)
	}

	if err := s.store.Set(s.prefix+key, raw); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	s.mu.Lock()
	s.usedBytes = s.usedBytes - oldSize + newSize
	s.mu.Unlock()
	return nil
}

// Delete removes key and releases its bytes.
func (s *Storage) Delete(key string) error {
	old, existed, err := s.store.Get(s.prefix + key)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if !existed {
		return nil
	}
	if err := s.store.Delete(s.prefix + key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}

	s.mu.Lock()
	s.usedBytes -= entrySize(key, old)
	if s.usedBytes < 0 {
		s.usedBytes = 0
	}
	s.mu.Unlock()
	return nil
}

// Keys lists the plugin's keys matching pattern. A pattern is a literal
// prefix, optionally ending in "*"; empty matches everything.
func (s *Storage) Keys(pattern string) ([]string, error) {
	pattern = strings.TrimSuffix(pattern, "*")
	keys, err := s.store.Keys(s.prefix + pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, s.prefix))
	}
	return out, nil
}

// QueryOptions shape a Query call.
type QueryOptions struct {
	Prefix  string
	Filter  func(key string, value json.RawMessage) bool
	Offset  int
	Limit   int    // 0 means MaxQueryLimit; capped at MaxQueryLimit
	OrderBy string // "key" (default) or "createdAt"
	Desc    bool
}

// Record is one query result.
type Record struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Query scans the namespace with optional filtering, ordering and
// pagination. Ordering by createdAt reads a top-level createdAt field
// from each value; records without one sort first.
func (s *Storage) Query(opts QueryOptions) ([]Record, error) {
	if opts.Limit <= 0 || opts.Limit > MaxQueryLimit {
		opts.Limit = MaxQueryLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	keys, err := s.Keys(opts.Prefix)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(keys))
	for _, k := range keys {
		raw, ok, err := s.Get(k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if opts.Filter != nil && !opts.Filter(k, raw) {
			continue
		}
		records = append(records, Record{Key: k, Value: raw})
	}

	switch opts.OrderBy {
	case "", "key":
		// Keys arrive sorted from the store.
	case "createdAt":
		sort.SliceStable(records, func(i, j int) bool {
			return createdAt(records[i].Value).Before(createdAt(records[j].Value))
		})
	default:
		return nil, fmt.Errorf("unknown orderBy %q", opts.OrderBy)
	}

	if opts.Desc {
		for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
			records[i], records[j] = records[j], records[i]
		}
	}

	if opts.Offset >= len(records) {
		return []Record{}, nil
	}
	records = records[opts.Offset:]
	if len(records) > opts.Limit {
		records = records[:opts.Limit]
	}
	return records, nil
}

// createdAt extracts a top-level createdAt timestamp, zero when absent
// or unparseable.
func createdAt(raw json.RawMessage) time.Time {
	var probe struct {
		CreatedAt time.Time `json:"createdAt"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return time.Time{}
	}
	return probe.CreatedAt
}

// UsedBytes returns the current billed usage.
func (s *Storage) UsedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usedBytes
}

// Clear wipes the whole namespace.
func (s *Storage) Clear() error {
	keys, err := s.store.Keys(s.prefix)
	if err != nil {
		return fmt.Errorf("failed to list namespace: %w", err)
	}
	for _, k := range keys {
		if err := s.store.Delete(k); err != nil {
			return fmt.Errorf("failed to delete %s: %w", k, err)
		}
	}
	s.mu.Lock()
	s.usedBytes = 0
	s.warned = false
	s.mu.Unlock()
	return nil
}

// AllData exports the namespace for migration.
func (s *Storage) AllData() (map[string]json.RawMessage, error) {
	keys, err := s.Keys("")
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		raw, ok, err := s.Get(k)
		if err != nil {
			return nil, err
		}
		if ok {
			out[k] = raw
		}
	}
	return out, nil
}

// RestoreData replaces the namespace contents with data, bypassing the
// warning ratchet but not the hard budget.
func (s *Storage) RestoreData(data map[string]json.RawMessage) error {
	if err := s.Clear(); err != nil {
		return err
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := s.SetRaw(k, data[k]); err != nil {
			return fmt.Errorf("failed to restore %s: %w", k, err)
		}
	}
	return nil
}
