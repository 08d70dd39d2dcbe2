package recipient

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ErrCollision means two different routes mapped to the same recipient
// id. This must surface to the caller; remapping silently would break
// every stored reference to the id.
var ErrCollision = errors.New("recipient_collision")

// IDPrefix starts every recipient id.
const IDPrefix = "rcpt_"

// Record is one known recipient.
type Record struct {
	RecipientID  string    `json:"recipientId"`
	Channel      string    `json:"channel"`
	Destination  string    `json:"destination"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}

// Route is the channel-side address of a recipient.
type Route struct {
	Channel     string `json:"channel"`
	Destination string `json:"destination"`
}

// ComputeID derives the stable opaque id for a route: "rcpt_" plus the
// first 8 bytes of sha256(channel || NUL || destination) in hex.
func ComputeID(channel, destination string) string {
	sum := sha256.Sum256([]byte(channel + "\x00" + destination))
	return IDPrefix + hex.EncodeToString(sum[:8])
}

// routeKey is the unambiguous map key for a route. A bare separator
// would conflate ("a\0b", "c") with ("a", "b\0c"), so the channel is
// length-prefixed.
func routeKey(channel, destination string) string {
	return strconv.Itoa(len(channel)) + ":" + channel + ":" + destination
}

// Registry maps opaque recipient ids to routes in both directions.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Record
	byRoute map[string]string // routeKey -> recipientId

	// onMutate, when set, runs after every state change while the lock
	// is still held. The persistent variant hooks its save scheduling
	// here.
	onMutate func()
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[string]*Record),
		byRoute: make(map[string]string),
	}
}

// GetOrCreate returns the id for a route, registering it on first
// sight. An id collision with a different route fails loud.
func (r *Registry) GetOrCreate(channel, destination string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byRoute[routeKey(channel, destination)]; ok {
		r.byID[id].LastSeenAt = time.Now().UTC()
		r.mutated()
		return id, nil
	}

	id := ComputeID(channel, destination)
	if existing, ok := r.byID[id]; ok {
		return "", fmt.Errorf("%w: id %s already maps to (%s, %s), refusing (%s, %s)",
			ErrCollision, id, existing.Channel, existing.Destination, channel, destination)
	}

	now := time.Now().UTC()
	rec := &Record{
		RecipientID:  id,
		Channel:      channel,
		Destination:  destination,
		RegisteredAt: now,
		LastSeenAt:   now,
	}
	r.byID[id] = rec
	r.byRoute[routeKey(channel, destination)] = id
	r.mutated()
	return id, nil
}

// Resolve returns the route for an id.
func (r *Registry) Resolve(id string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byID[id]
	if !ok {
		return Route{}, false
	}
	return Route{Channel: rec.Channel, Destination: rec.Destination}, true
}

// Lookup returns the id for a route without creating it.
func (r *Registry) Lookup(channel, destination string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byRoute[routeKey(channel, destination)]
	return id, ok
}

// GetRecord returns a copy of the record for an id.
func (r *Registry) GetRecord(id string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byID[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Touch updates the last-seen time for an id.
func (r *Registry) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return false
	}
	rec.LastSeenAt = time.Now().UTC()
	r.mutated()
	return true
}

// GetAll returns copies of all records, ordered by id.
func (r *Registry) GetAll() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exportLocked()
}

// Remove deletes an id. Returns whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	delete(r.byRoute, routeKey(rec.Channel, rec.Destination))
	r.mutated()
	return true
}

// Export returns a snapshot of all records, ordered by id.
func (r *Registry) Export() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.exportLocked()
}

func (r *Registry) exportLocked() []Record {
	out := make([]Record, 0, len(r.byID))
	for _, rec := range r.byID {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecipientID < out[j].RecipientID })
	return out
}

// Import replaces the registry contents with the given records. The
// whole batch is validated first: malformed id prefixes, duplicate ids
// and duplicate routes are all rejected, leaving the registry
// untouched.
func (r *Registry) Import(records []Record) error {
	byID := make(map[string]*Record, len(records))
	byRoute := make(map[string]string, len(records))

	for i := range records {
		rec := records[i]
		if len(rec.RecipientID) <= len(IDPrefix) || rec.RecipientID[:len(IDPrefix)] != IDPrefix {
			return fmt.Errorf("invalid record %d: malformed id %q", i, rec.RecipientID)
		}
		if _, dup := byID[rec.RecipientID]; dup {
			return fmt.Errorf("invalid record %d: duplicate id %s", i, rec.RecipientID)
		}
		key := routeKey(rec.Channel, rec.Destination)
		if _, dup := byRoute[key]; dup {
			return fmt.Errorf("invalid record %d: duplicate route (%s, %s)", i, rec.Channel, rec.Destination)
		}
		byID[rec.RecipientID] = &rec
		byRoute[key] = rec.RecipientID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = byID
	r.byRoute = byRoute
	r.mutated()
	return nil
}

// Count returns the number of known recipients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) mutated() {
	if r.onMutate != nil {
		r.onMutate()
	}
}
