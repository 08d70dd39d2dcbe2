package autonomic

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vthunder/medulla/internal/change"
	"github.com/vthunder/medulla/internal/types"
)

// Neuron watches one quantity and emits a signal when it changes
// meaningfully. Implementations must be safe for repeated Check calls
// from the core loop.
type Neuron interface {
	ID() string
	SignalType() string
	Source() string
	Description() string
	Check(state *types.AgentState, alertness float64, correlationID string) (*types.Signal, error)
	Reset()
	LastValue() float64
}

// NeuronConfig tunes the shared emission mechanics.
type NeuronConfig struct {
	Change          change.Config
	AlwaysEmitAbove float64       // first-observation emit level; 0 disables
	MinInterval     time.Duration // refractory period between emissions
	TTL             time.Duration // lifetime of emitted signals
}

// DefaultNeuronConfig returns the standard neuron tuning.
func DefaultNeuronConfig() NeuronConfig {
	return NeuronConfig{
		Change:          change.DefaultConfig(),
		AlwaysEmitAbove: 0.9,
		MinInterval:     5 * time.Second,
		TTL:             60 * time.Second,
	}
}

// BaseNeuron carries the emission mechanics shared by all neurons:
// first-observation handling, the refractory period, significance
// detection and the previous-value bookkeeping.
//
// The previous value advances only on emission, so small drifts
// accumulate until they cross the threshold instead of being absorbed
// one sample at a time.
type BaseNeuron struct {
	id          string
	signalType  string
	source      string
	description string
	cfg         NeuronConfig

	mu            sync.Mutex
	hasPrevious   bool
	previousValue float64
	previousAt    time.Time
	lastEmittedAt time.Time
	lastValue     float64
}

// NewBaseNeuron wires the shared mechanics for a concrete neuron.
func NewBaseNeuron(id, signalType, source, description string, cfg NeuronConfig) BaseNeuron {
	return BaseNeuron{
		id:          id,
		signalType:  signalType,
		source:      source,
		description: description,
		cfg:         cfg,
	}
}

func (b *BaseNeuron) ID() string          { return b.id }
func (b *BaseNeuron) SignalType() string  { return b.signalType }
func (b *BaseNeuron) Source() string      { return b.source }
func (b *BaseNeuron) Description() string { return b.description }

// LastValue returns the most recently observed value.
func (b *BaseNeuron) LastValue() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastValue
}

// Reset forgets the baseline and refractory state.
func (b *BaseNeuron) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hasPrevious = false
	b.previousValue = 0
	b.previousAt = time.Time{}
	b.lastEmittedAt = time.Time{}
	b.lastValue = 0
}

// Evaluate runs the emission contract against a new observation and
// returns a signal if one should be emitted.
func (b *BaseNeuron) Evaluate(value, alertness float64, correlationID string) *types.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	b.lastValue = value

	// First observation establishes the baseline. Emit only when the
	// value is already at an always-emit level.
	if !b.hasPrevious {
		b.hasPrevious = true
		b.previousValue = value
		b.previousAt = now
		if b.cfg.AlwaysEmitAbove > 0 && value >= b.cfg.AlwaysEmitAbove {
			b.lastEmittedAt = now
			return b.signal(value, 0, change.Result{Priority: types.PriorityNormal}, correlationID, now)
		}
		return nil
	}

	// Refractory period.
	if !b.lastEmittedAt.IsZero() && now.Sub(b.lastEmittedAt) < b.cfg.MinInterval {
		return nil
	}

	res := change.Detect(b.previousValue, value, alertness, b.cfg.Change)
	if !res.Significant {
		return nil
	}

	rate := change.Rate(b.previousValue, value, now.Sub(b.previousAt))
	b.previousValue = value
	b.previousAt = now
	b.lastEmittedAt = now
	return b.signal(value, rate, res, correlationID, now)
}

func (b *BaseNeuron) signal(value, rate float64, res change.Result, correlationID string, now time.Time) *types.Signal {
	sig := &types.Signal{
		ID:            uuid.NewString(),
		Type:          b.signalType,
		Source:        b.source,
		Timestamp:     now,
		Priority:      res.Priority,
		CorrelationID: correlationID,
		ExpiresAt:     now.Add(b.cfg.TTL),
		Metrics: types.SignalMetrics{
			Value:        value,
			RateOfChange: rate,
			Confidence:   1.0,
		},
	}
	if res.Crossed != "" {
		direction := "down"
		if res.CrossedUpward {
			direction = "up"
		}
		sig.Data = types.SignalData{
			Kind: "threshold_crossing",
			Payload: map[string]any{
				"level":     res.Crossed,
				"direction": direction,
			},
		}
	}
	return sig
}

// DriveNeuron watches one agent-state drive.
type DriveNeuron struct {
	BaseNeuron
	drive string
}

// NewDriveNeuron creates a neuron watching the named drive.
func NewDriveNeuron(id, drive, description string, cfg NeuronConfig) *DriveNeuron {
	return &DriveNeuron{
		BaseNeuron: NewBaseNeuron(id, drive, "autonomic", description, cfg),
		drive:      drive,
	}
}

// Check reads the drive and runs the emission contract.
func (n *DriveNeuron) Check(state *types.AgentState, alertness float64, correlationID string) (*types.Signal, error) {
	value, ok := state.Drive(n.drive)
	if !ok {
		return nil, fmt.Errorf("unknown drive %q", n.drive)
	}
	return n.Evaluate(value, alertness, correlationID), nil
}

// FuncNeuron wraps a sampling function, for quantities that are not
// agent-state drives (plugin-provided readings, derived measures).
type FuncNeuron struct {
	BaseNeuron
	sample func(state *types.AgentState) (float64, error)
}

// NewFuncNeuron creates a neuron around a sampling function.
func NewFuncNeuron(id, signalType, source, description string, cfg NeuronConfig, sample func(state *types.AgentState) (float64, error)) *FuncNeuron {
	return &FuncNeuron{
		BaseNeuron: NewBaseNeuron(id, signalType, source, description, cfg),
		sample:     sample,
	}
}

// Check samples the quantity and runs the emission contract.
func (n *FuncNeuron) Check(state *types.AgentState, alertness float64, correlationID string) (*types.Signal, error) {
	value, err := n.sample(state)
	if err != nil {
		return nil, fmt.Errorf("failed to sample %s: %w", n.id, err)
	}
	return n.Evaluate(value, alertness, correlationID), nil
}
