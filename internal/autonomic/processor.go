package autonomic

import (
	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/types"
)

// Reactive drive adjustments per incoming stimulus. Slow decay back to
// baseline happens in the core loop's state dynamics, not here.
const (
	userMessagePressureBump  = 0.20
	userMessageAlertnessBump = 0.10
	reactionAlertnessBump    = 0.05
	pluginEventAlertnessBump = 0.02
)

// Result is one autonomic pass: the incoming signals merged with
// neuron emissions, plus requested state changes.
type Result struct {
	Signals []*types.Signal
	Intents []types.Intent
}

// Processor runs the autonomic layer: reflex drive adjustments for
// incoming stimuli, then a check pass over all registered neurons.
type Processor struct {
	registry *Registry
}

// NewProcessor creates a processor over the given neuron registry.
func NewProcessor(registry *Registry) *Processor {
	return &Processor{registry: registry}
}

// Registry exposes the neuron registry for wiring and validation.
func (p *Processor) Registry() *Registry {
	return p.registry
}

// Process applies queued neuron changes, derives reflex intents from
// the incoming signals, and merges in neuron emissions. Alertness for
// threshold adjustment is read from the state.
func (p *Processor) Process(state *types.AgentState, incoming []*types.Signal, correlationID string) Result {
	p.registry.ApplyPendingChanges()

	res := Result{Signals: incoming}
	for _, sig := range incoming {
		res.Intents = append(res.Intents, reflexIntents(sig)...)
	}

	emitted := p.registry.CheckAll(state, state.Alertness, correlationID)
	if len(emitted) > 0 {
		logging.Debug("autonomic", "%d neuron signal(s) emitted", len(emitted))
		res.Signals = append(res.Signals, emitted...)
	}
	return res
}

// reflexIntents maps a stimulus to immediate drive adjustments.
func reflexIntents(sig *types.Signal) []types.Intent {
	switch sig.Type {
	case types.SignalUserMessage:
		intents := []types.Intent{
			{Kind: types.IntentAdjustDrive, Drive: "contact_pressure", Delta: userMessagePressureBump},
			{Kind: types.IntentAdjustDrive, Drive: "alertness", Delta: userMessageAlertnessBump},
		}
		if rid := recipientOf(sig); rid != "" {
			intents = append(intents, types.Intent{Kind: types.IntentRecordInteraction, RecipientID: rid})
		}
		return intents
	case types.SignalReaction:
		return []types.Intent{
			{Kind: types.IntentAdjustDrive, Drive: "alertness", Delta: reactionAlertnessBump},
		}
	case types.SignalPluginEvent:
		return []types.Intent{
			{Kind: types.IntentAdjustDrive, Drive: "alertness", Delta: pluginEventAlertnessBump},
		}
	}
	return nil
}

func recipientOf(sig *types.Signal) string {
	if sig.Data.Payload == nil {
		return ""
	}
	rid, _ := sig.Data.Payload["recipientId"].(string)
	return rid
}
