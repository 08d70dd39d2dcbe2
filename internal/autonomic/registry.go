package autonomic

import (
	"fmt"
	"sync"

	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/types"
)

// Registry holds the active neurons. Registration and removal are
// queued and applied at a tick boundary so the set never changes while
// a check pass is running.
type Registry struct {
	mu      sync.Mutex
	neurons map[string]Neuron
	order   []string // registration order, for stable check iteration

	pendingAdd    []Neuron
	pendingRemove []string
}

// NewRegistry creates an empty neuron registry.
func NewRegistry() *Registry {
	return &Registry{neurons: make(map[string]Neuron)}
}

// RegisterNeuron queues a neuron for activation at the next tick.
func (r *Registry) RegisterNeuron(n Neuron) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingAdd = append(r.pendingAdd, n)
}

// UnregisterNeuron queues a neuron for removal at the next tick.
func (r *Registry) UnregisterNeuron(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingRemove = append(r.pendingRemove, id)
}

// ApplyPendingChanges activates and removes queued neurons. Removals
// run first so a same-tick replace works.
func (r *Registry) ApplyPendingChanges() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyPendingLocked()
}

func (r *Registry) applyPendingLocked() {
	for _, id := range r.pendingRemove {
		if _, ok := r.neurons[id]; !ok {
			logging.Warn("autonomic", "unregister of unknown neuron %s ignored", id)
			continue
		}
		delete(r.neurons, id)
		for i, oid := range r.order {
			if oid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		logging.Info("autonomic", "neuron %s unregistered", id)
	}
	r.pendingRemove = nil

	for _, n := range r.pendingAdd {
		if _, dup := r.neurons[n.ID()]; dup {
			logging.Error("autonomic", "duplicate neuron %s ignored", n.ID())
			continue
		}
		r.neurons[n.ID()] = n
		r.order = append(r.order, n.ID())
		logging.Info("autonomic", "neuron %s registered (%s)", n.ID(), n.Description())
	}
	r.pendingAdd = nil
}

// CheckAll runs every active neuron. A neuron error or panic is logged
// and never interrupts the others.
func (r *Registry) CheckAll(state *types.AgentState, alertness float64, correlationID string) []*types.Signal {
	r.mu.Lock()
	neurons := make([]Neuron, 0, len(r.order))
	for _, id := range r.order {
		neurons = append(neurons, r.neurons[id])
	}
	r.mu.Unlock()

	var signals []*types.Signal
	for _, n := range neurons {
		sig := r.checkOne(n, state, alertness, correlationID)
		if sig != nil {
			signals = append(signals, sig)
		}
	}
	return signals
}

func (r *Registry) checkOne(n Neuron, state *types.AgentState, alertness float64, correlationID string) (sig *types.Signal) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error("autonomic", "neuron %s panicked: %v", n.ID(), rec)
			sig = nil
		}
	}()

	sig, err := n.Check(state, alertness, correlationID)
	if err != nil {
		logging.Error("autonomic", "neuron %s failed: %v", n.ID(), err)
		return nil
	}
	return sig
}

// Get returns the active neuron with the given id.
func (r *Registry) Get(id string) (Neuron, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.neurons[id]
	return n, ok
}

// ActiveIDs returns the ids of active neurons in registration order.
func (r *Registry) ActiveIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ValidateRequiredNeurons applies pending changes and verifies that
// every required neuron is active. A missing required neuron is a
// fatal startup condition for the caller.
func (r *Registry) ValidateRequiredNeurons(required ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyPendingLocked()

	var missing []string
	for _, id := range required {
		if _, ok := r.neurons[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required neurons missing: %v", missing)
	}
	return nil
}
