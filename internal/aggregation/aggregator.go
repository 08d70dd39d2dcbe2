package aggregation

import (
	"sort"
	"sync"
	"time"

	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/types"
)

// Wake reasons, in precedence order.
const (
	ReasonUserMessage      = "user_message"
	ReasonThresholdCrossed = "threshold_crossed"
	ReasonPatternBreak     = "pattern_break"
	ReasonPluginEvent      = "plugin_event"
)

// aggregateRetention is how long an aggregate survives without fresh
// samples before it is dropped.
const aggregateRetention = 10 * time.Minute

// Config holds the wake thresholds.
type Config struct {
	ContactPressure     float64 // wake when contact_pressure value crosses this
	SocialDebt          float64
	LowEnergyMultiplier float64 // scales ContactPressure when energy is low
	LowEnergyBelow      float64
	PatternSensitivity  float64
}

// DefaultConfig returns the standard wake thresholds.
func DefaultConfig() Config {
	return Config{
		ContactPressure:     0.35,
		SocialDebt:          0.5,
		LowEnergyMultiplier: 1.3,
		LowEnergyBelow:      0.3,
		PatternSensitivity:  0.5,
	}
}

// Result is one tick's aggregation outcome.
type Result struct {
	Wake       bool
	Reason     string
	Aggregates []types.SignalAggregate // snapshot, sorted by (type, source)
	Triggers   []*types.Signal         // signals that justified the wake
}

// Aggregator folds signals into per-(type, source) running aggregates
// and decides when the accumulated picture warrants waking cognition.
// Signals it has seen are held until they expire, so a wake suppressed
// in one tick (by stress masking or an ack) can still happen later.
type Aggregator struct {
	mu         sync.Mutex
	cfg        Config
	acks       *AckRegistry
	aggregates map[string]*types.SignalAggregate
	pending    map[string]*types.Signal // signal id -> signal, awaiting delivery
}

// New creates an aggregator sharing the given ack registry.
func New(cfg Config, acks *AckRegistry) *Aggregator {
	return &Aggregator{
		cfg:        cfg,
		acks:       acks,
		aggregates: make(map[string]*types.SignalAggregate),
		pending:    make(map[string]*types.Signal),
	}
}

// Process folds the tick's signals in and evaluates the wake rules over
// everything still pending. Triggers stay pending until Consume is
// called, so a wake the core loop could not act on is re-asserted next
// tick.
func (a *Aggregator) Process(signals []*types.Signal, state *types.AgentState, now time.Time) *Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.prune(now)

	for _, sig := range signals {
		if sig.IsExpired(now) {
			continue
		}
		a.fold(sig, now)
		a.pending[sig.ID] = sig
	}

	res := &Result{Aggregates: a.snapshot()}

	// Wake rules, in order. A suppressed or deferred class never sets
	// the wake flag, but user messages are exempt from ack gating.
	var triggers []*types.Signal
	for _, sig := range a.sortedPending() {
		reason, ok := a.evaluate(sig, state, now)
		if !ok {
			continue
		}
		triggers = append(triggers, sig)
		if !res.Wake || precedence(reason) < precedence(res.Reason) {
			res.Reason = reason
		}
		res.Wake = true
	}
	res.Triggers = triggers

	if res.Wake {
		logging.Debug("aggregation", "wake: %s (%d trigger signals)", res.Reason, len(res.Triggers))
	}
	return res
}

// Consume removes delivered trigger signals from the pending set. The
// core loop calls this once cognition has actually received them.
func (a *Aggregator) Consume(signals []*types.Signal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, sig := range signals {
		delete(a.pending, sig.ID)
	}
}

// Aggregates returns the current snapshot without folding anything in.
func (a *Aggregator) Aggregates() []types.SignalAggregate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot()
}

// evaluate applies the ordered wake rules to one pending signal.
func (a *Aggregator) evaluate(sig *types.Signal, state *types.AgentState, now time.Time) (string, bool) {
	if sig.Type == types.SignalUserMessage {
		return ReasonUserMessage, true
	}

	if a.acks.Blocks(sig.Type, sig.Source, sig.Metrics.Value, now) {
		return "", false
	}

	switch sig.Type {
	case types.SignalContactPressure:
		threshold := a.cfg.ContactPressure
		if state.Energy < a.cfg.LowEnergyBelow {
			threshold *= a.cfg.LowEnergyMultiplier
		}
		if sig.Metrics.Value >= threshold {
			return ReasonThresholdCrossed, true
		}

	case types.SignalSocialDebt:
		if sig.Metrics.Value >= a.cfg.SocialDebt {
			return ReasonThresholdCrossed, true
		}

	case types.SignalPatternBreak:
		if sig.Metrics.Value >= a.cfg.PatternSensitivity {
			return ReasonPatternBreak, true
		}

	case types.SignalPluginEvent:
		return ReasonPluginEvent, true
	}
	return "", false
}

// fold updates the (type, source) aggregate with one signal.
func (a *Aggregator) fold(sig *types.Signal, now time.Time) {
	key := sig.AggregateKey()
	agg, ok := a.aggregates[key]
	if !ok {
		agg = &types.SignalAggregate{
			Type:        sig.Type,
			Source:      sig.Source,
			FirstSeenAt: sig.Timestamp,
		}
		a.aggregates[key] = agg
	}

	agg.PreviousValue = agg.CurrentValue
	agg.CurrentValue = sig.Metrics.Value
	if sig.Metrics.RateOfChange != 0 {
		agg.RateOfChange = sig.Metrics.RateOfChange
	} else {
		agg.RateOfChange = agg.CurrentValue - agg.PreviousValue
	}
	agg.SampleCount++
	agg.LastSeenAt = sig.Timestamp
	if agg.LastSeenAt.IsZero() {
		agg.LastSeenAt = now
	}
}

// prune drops expired pending signals and stale aggregates. Caller
// holds the lock.
func (a *Aggregator) prune(now time.Time) {
	for id, sig := range a.pending {
		if sig.IsExpired(now) {
			delete(a.pending, id)
		}
	}
	for key, agg := range a.aggregates {
		if now.Sub(agg.LastSeenAt) > aggregateRetention {
			delete(a.aggregates, key)
		}
	}
}

// snapshot copies the aggregates sorted by (type, source). Caller holds
// the lock.
func (a *Aggregator) snapshot() []types.SignalAggregate {
	out := make([]types.SignalAggregate, 0, len(a.aggregates))
	for _, agg := range a.aggregates {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Source < out[j].Source
	})
	return out
}

// sortedPending returns pending signals oldest first, so trigger order
// is stable. Caller holds the lock.
func (a *Aggregator) sortedPending() []*types.Signal {
	out := make([]*types.Signal, 0, len(a.pending))
	for _, sig := range a.pending {
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func precedence(reason string) int {
	switch reason {
	case ReasonUserMessage:
		return 0
	case ReasonThresholdCrossed:
		return 1
	case ReasonPatternBreak:
		return 2
	case ReasonPluginEvent:
		return 3
	}
	return 4
}
