package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vthunder/medulla/internal/autonomic"
	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/types"
)

// CoreAgentID is the built-in plugin's id. It loads as required: the
// alertness neuron it provides is what the rest of the pipeline
// modulates on.
const CoreAgentID = "core.agent"

// WakeupKind is the event kind for the agent's own scheduled wakeups.
var WakeupKind = EventKindFor(CoreAgentID, "agent_wakeup")

// CoreAgent is the built-in plugin providing the drive neurons and the
// daily wakeup schedule.
type CoreAgent struct {
	mu        sync.Mutex
	prim      *Primitives
	neuronIDs []string

	// WakeupHour is the daily wakeup's local hour; set before Load.
	WakeupHour int
}

// NewCoreAgent creates the built-in plugin.
func NewCoreAgent() *CoreAgent {
	return &CoreAgent{WakeupHour: 8}
}

// Manifest implements Module.
func (c *CoreAgent) Manifest() Manifest {
	return Manifest{
		ManifestVersion: ManifestVersion,
		ID:              CoreAgentID,
		Version:         "1.0.0",
		Description:     "drive neurons and the agent's own wakeup schedule",
		Provides: []Capability{
			{Type: "neurons", ID: "drives"},
			{Type: "schedule", ID: "agent-wakeup"},
			{Type: "event", ID: "agent_wakeup"},
		},
	}
}

// Activate registers the drive neurons, the wakeup event schema, and
// ensures the daily wakeup schedule exists.
func (c *CoreAgent) Activate(ctx context.Context, prim *Primitives) error {
	c.mu.Lock()
	c.prim = prim
	c.mu.Unlock()

	svcs := prim.Services
	if svcs == nil || svcs.RegisterNeuron == nil {
		return fmt.Errorf("host provides no neuron registration")
	}

	neurons := []autonomic.Neuron{
		autonomic.NewDriveNeuron(types.SignalAlertness, "alertness",
			"how awake the agent is; modulates every other threshold", autonomic.DefaultNeuronConfig()),
		autonomic.NewDriveNeuron(types.SignalEnergy, "energy",
			"capacity for effort, spent by activity", autonomic.DefaultNeuronConfig()),
		autonomic.NewDriveNeuron(types.SignalContactPressure, "contact_pressure",
			"accumulated pull toward reaching out", autonomic.DefaultNeuronConfig()),
		autonomic.NewDriveNeuron(types.SignalSocialDebt, "social_debt",
			"unanswered obligations to people", autonomic.DefaultNeuronConfig()),
		c.patternBreakNeuron(),
	}
	for _, n := range neurons {
		svcs.RegisterNeuron(n)
	}

	c.mu.Lock()
	c.neuronIDs = c.neuronIDs[:0]
	for _, n := range neurons {
		c.neuronIDs = append(c.neuronIDs, n.ID())
	}
	c.mu.Unlock()

	if svcs.RegisterEventSchema != nil {
		schema := EventSchema{
			Required: []string{"reason"},
			Fields:   map[string]string{"reason": "string"},
		}
		if err := svcs.RegisterEventSchema(WakeupKind, schema); err != nil {
			return fmt.Errorf("failed to register wakeup schema: %w", err)
		}
	}

	if err := c.ensureWakeupSchedule(prim); err != nil {
		return err
	}

	return prim.Storage.Set("activated_at", time.Now().UTC())
}

// Deactivate unregisters the neurons.
func (c *CoreAgent) Deactivate(ctx context.Context) error {
	c.mu.Lock()
	prim := c.prim
	ids := make([]string, len(c.neuronIDs))
	copy(ids, c.neuronIDs)
	c.prim = nil
	c.mu.Unlock()

	if prim != nil && prim.Services != nil && prim.Services.UnregisterNeuron != nil {
		for _, id := range ids {
			prim.Services.UnregisterNeuron(id)
		}
	}
	return nil
}

// OnEvent receives the wakeup fires.
func (c *CoreAgent) OnEvent(ctx context.Context, ev Event) error {
	if ev.Kind != WakeupKind {
		return nil
	}
	c.mu.Lock()
	prim := c.prim
	c.mu.Unlock()
	if prim == nil {
		return nil
	}
	logging.Debug("plugin", "%s wakeup fired (%s)", CoreAgentID, ev.FireID)
	return prim.Storage.Set("last_wakeup", ev.FiredAt)
}

// HealthCheck verifies the storage namespace still answers.
func (c *CoreAgent) HealthCheck(ctx context.Context) error {
	c.mu.Lock()
	prim := c.prim
	c.mu.Unlock()
	if prim == nil {
		return fmt.Errorf("not active")
	}
	_, _, err := prim.Storage.Get("activated_at")
	return err
}

// ensureWakeupSchedule creates the daily wakeup once; restarts find it
// already persisted.
func (c *CoreAgent) ensureWakeupSchedule(prim *Primitives) error {
	for _, e := range prim.Scheduler.List() {
		if e.Kind == WakeupKind {
			return nil
		}
	}
	_, err := prim.Scheduler.Schedule(ScheduleOptions{
		Kind: WakeupKind,
		Recurrence: &Recurrence{
			Frequency: FreqDaily,
			Hour:      c.WakeupHour,
		},
		Data: map[string]any{"reason": "daily wakeup"},
	})
	if err != nil {
		return fmt.Errorf("failed to create wakeup schedule: %w", err)
	}
	return nil
}

// patternBreakNeuron watches for silences that run well past the
// typical gap between interactions.
func (c *CoreAgent) patternBreakNeuron() autonomic.Neuron {
	var (
		mu       sync.Mutex
		lastSeen time.Time
		typical  = 4 * time.Hour
	)
	sample := func(state *types.AgentState) (float64, error) {
		mu.Lock()
		defer mu.Unlock()

		if state.LastInteractionAt.IsZero() {
			return 0, nil
		}
		if !state.LastInteractionAt.Equal(lastSeen) {
			if !lastSeen.IsZero() {
				gap := state.LastInteractionAt.Sub(lastSeen)
				typical = (typical*3 + gap) / 4
			}
			lastSeen = state.LastInteractionAt
		}
		if typical <= 0 {
			return 0, nil
		}

		// Score climbs from zero at twice the typical gap to one at
		// four times.
		ratio := float64(time.Since(state.LastInteractionAt)) / float64(typical)
		score := (ratio - 2) / 2
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		return score, nil
	}
	return autonomic.NewFuncNeuron(types.SignalPatternBreak, types.SignalPatternBreak,
		"autonomic", "silence running past the usual cadence",
		autonomic.DefaultNeuronConfig(), sample)
}
