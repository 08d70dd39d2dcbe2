package aggregation

import (
	"math"
	"sync"
	"time"

	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/types"
)

// DefaultOverrideDelta is how far a signal's value must move from its
// value at ack time before a deferred ack stops blocking it.
const DefaultOverrideDelta = 0.25

// AckRegistry tracks which signal classes cognition has already dealt
// with, so lingering aggregates don't wake the agent again and again.
type AckRegistry struct {
	mu            sync.Mutex
	acks          map[string]*types.Ack // (signalType, source) -> ack
	overrideDelta float64
}

// NewAckRegistry creates a registry. overrideDelta <= 0 selects the
// default.
func NewAckRegistry(overrideDelta float64) *AckRegistry {
	if overrideDelta <= 0 {
		overrideDelta = DefaultOverrideDelta
	}
	return &AckRegistry{
		acks:          make(map[string]*types.Ack),
		overrideDelta: overrideDelta,
	}
}

func ackKey(signalType, source string) string {
	return signalType + "\x00" + source
}

// Put records an ack, replacing any previous ack for the same class.
// An empty Source matches signals from any source.
func (r *AckRegistry) Put(ack types.Ack) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ack.AckedAt.IsZero() {
		ack.AckedAt = time.Now().UTC()
	}
	r.acks[ackKey(ack.SignalType, ack.Source)] = &ack
	logging.Debug("ack", "recorded %s ack for %s/%s", ack.AckType, ack.SignalType, ack.Source)
}

// Clear removes the ack for the given class. Returns true if one existed.
func (r *AckRegistry) Clear(signalType, source string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ackKey(signalType, source)
	if _, ok := r.acks[key]; !ok {
		return false
	}
	delete(r.acks, key)
	return true
}

// List returns a copy of all live acks.
func (r *AckRegistry) List() []types.Ack {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Ack, 0, len(r.acks))
	for _, a := range r.acks {
		out = append(out, *a)
	}
	return out
}

// Blocks reports whether an ack currently gates the given signal class.
//
// Handled acks block exactly once and clear themselves on that read.
// Deferred acks block until deferUntil passes or the value has moved at
// least overrideDelta from its value at ack time; either way the ack is
// then removed. Suppressed acks block until cleared explicitly.
func (r *AckRegistry) Blocks(signalType, source string, currentValue float64, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ack, key := r.lookup(signalType, source)
	if ack == nil {
		return false
	}

	switch ack.AckType {
	case types.AckHandled:
		delete(r.acks, key)
		return true

	case types.AckDeferred:
		if !ack.DeferUntil.IsZero() && now.After(ack.DeferUntil) {
			delete(r.acks, key)
			logging.Debug("ack", "defer on %s/%s expired", signalType, source)
			return false
		}
		delta := ack.OverrideDelta
		if delta <= 0 {
			delta = r.overrideDelta
		}
		if math.Abs(currentValue-ack.ValueAtAck) >= delta {
			delete(r.acks, key)
			logging.Debug("ack", "defer on %s/%s overridden by value shift %.2f -> %.2f",
				signalType, source, ack.ValueAtAck, currentValue)
			return false
		}
		return true

	case types.AckSuppressed:
		return true
	}
	return false
}

// lookup finds the ack for (signalType, source), falling back to the
// any-source entry. Caller holds the lock.
func (r *AckRegistry) lookup(signalType, source string) (*types.Ack, string) {
	key := ackKey(signalType, source)
	if a, ok := r.acks[key]; ok {
		return a, key
	}
	key = ackKey(signalType, "")
	if a, ok := r.acks[key]; ok {
		return a, key
	}
	return nil, ""
}
