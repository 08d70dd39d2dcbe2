package filter

import (
	"sort"
	"sync"
	"time"

	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/types"
)

// Context carries per-tick information into filters.
type Context struct {
	State         *types.AgentState
	CorrelationID string
	Now           time.Time
}

// Filter is a transform over a batch of signals. Handles lists the
// signal types it acts on; an empty list means every type. Process
// receives the whole batch and returns the transformed batch.
type Filter interface {
	ID() string
	Handles() []string
	Process(signals []*types.Signal, ctx *Context) []*types.Signal
}

type registered struct {
	filter   Filter
	priority int
	seq      int // tie-break: registration order
}

// Registry applies filters to incoming signals in priority order
// (lower runs first) before they merge with neuron output.
type Registry struct {
	mu      sync.RWMutex
	filters []registered
	nextSeq int
}

// NewRegistry creates an empty filter registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a filter at the given priority.
func (r *Registry) Register(f Filter, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.filters = append(r.filters, registered{filter: f, priority: priority, seq: r.nextSeq})
	r.nextSeq++
	sort.SliceStable(r.filters, func(i, j int) bool {
		if r.filters[i].priority != r.filters[j].priority {
			return r.filters[i].priority < r.filters[j].priority
		}
		return r.filters[i].seq < r.filters[j].seq
	})
	logging.Info("filter", "registered %s at priority %d", f.ID(), priority)
}

// Unregister removes a filter by id.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, reg := range r.filters {
		if reg.filter.ID() == id {
			r.filters = append(r.filters[:i], r.filters[i+1:]...)
			return
		}
	}
}

// IDs returns the registered filter ids in run order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.filters))
	for i, reg := range r.filters {
		out[i] = reg.filter.ID()
	}
	return out
}

// Process runs the batch through every filter in order. A panicking
// filter is logged and skipped, leaving its input batch unchanged.
func (r *Registry) Process(signals []*types.Signal, ctx *Context) []*types.Signal {
	r.mu.RLock()
	chain := make([]registered, len(r.filters))
	copy(chain, r.filters)
	r.mu.RUnlock()

	if ctx.Now.IsZero() {
		ctx.Now = time.Now().UTC()
	}

	for _, reg := range chain {
		if !anyHandled(reg.filter, signals) {
			continue
		}
		signals = runOne(reg.filter, signals, ctx)
	}
	return signals
}

func anyHandled(f Filter, signals []*types.Signal) bool {
	handles := f.Handles()
	if len(handles) == 0 {
		return len(signals) > 0
	}
	for _, sig := range signals {
		for _, h := range handles {
			if sig.Type == h {
				return true
			}
		}
	}
	return false
}

func runOne(f Filter, signals []*types.Signal, ctx *Context) (out []*types.Signal) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error("filter", "%s panicked: %v", f.ID(), rec)
			out = signals
		}
	}()
	return f.Process(signals, ctx)
}
