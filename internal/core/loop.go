package core

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vthunder/medulla/internal/aggregation"
	"github.com/vthunder/medulla/internal/autonomic"
	"github.com/vthunder/medulla/internal/bus"
	"github.com/vthunder/medulla/internal/cognition"
	"github.com/vthunder/medulla/internal/filter"
	"github.com/vthunder/medulla/internal/journal"
	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/plugin"
	"github.com/vthunder/medulla/internal/queue"
	"github.com/vthunder/medulla/internal/recipient"
	"github.com/vthunder/medulla/internal/storage"
	"github.com/vthunder/medulla/internal/stress"
	"github.com/vthunder/medulla/internal/types"
)

// Cognition is what the loop wakes. *cognition.Dispatcher satisfies it.
type Cognition interface {
	Process(ctx context.Context, snap *cognition.Snapshot, allowSmart bool) (*cognition.Result, error)
}

// Config tunes the loop.
type Config struct {
	TickInterval time.Duration
	DrainBatch   int // max events pulled from the queue per tick
	SignalBuffer int // pushed-signal mailbox capacity
	Prune        queue.PruneConfig
	Dynamics     Dynamics

	// PrimaryRecipient is the fallback recipient for proactive sends.
	PrimaryRecipient string
}

// DefaultConfig returns the standard loop tuning.
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Second,
		DrainBatch:   32,
		SignalBuffer: 256,
		Prune: queue.PruneConfig{
			MaxAge:             10 * time.Minute,
			MaxPriorityToDrop:  types.PriorityNormal,
			EmergencyThreshold: 500,
		},
		Dynamics: DefaultDynamics(),
	}
}

// Deps wires the loop into the rest of the runtime. Queue, Filters,
// Autonomic, Aggregator and Acks are required; everything else
// degrades to a no-op when nil.
type Deps struct {
	Queue      *queue.Queue
	Bus        *bus.Bus
	Filters    *filter.Registry
	Autonomic  *autonomic.Processor
	Aggregator *aggregation.Aggregator
	Acks       *aggregation.AckRegistry
	Stress     *stress.Monitor
	Service    *plugin.SchedulerService
	Loader     *plugin.Loader
	Cognition  Cognition
	Recipients *recipient.Registry
	Journal    *journal.Journal
	Store      storage.Store

	// WakeScheduler is the built-in plugin's schedule book; wakeup
	// intents become one-shot entries on it.
	WakeScheduler *plugin.Scheduler

	// Deliver carries send_response intents to the recipient's channel.
	Deliver func(recipientID, text, status string) error
}

// Loop is the tick driver. It owns the agent state, the queue drain,
// and the per-tick ordering of filters, neurons, aggregation and
// cognition; everything it owns is touched only from its goroutine.
type Loop struct {
	cfg  Config
	deps Deps

	state   *types.AgentState
	dyn     Dynamics
	tickSeq uint64

	signalCh chan *types.Signal
}

// NewLoop creates the loop, restoring agent state from the previous
// run's mirror when one survives.
func NewLoop(cfg Config, deps Deps) *Loop {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = def.DrainBatch
	}
	if cfg.SignalBuffer <= 0 {
		cfg.SignalBuffer = def.SignalBuffer
	}
	if cfg.Dynamics == (Dynamics{}) {
		cfg.Dynamics = def.Dynamics
	}

	l := &Loop{
		cfg:      cfg,
		deps:     deps,
		state:    initialState(),
		dyn:      cfg.Dynamics,
		signalCh: make(chan *types.Signal, cfg.SignalBuffer),
	}

	if deps.Store != nil {
		if m, ok, err := ReadMirror(deps.Store); err != nil {
			logging.Warn("core", "previous state unreadable, starting fresh: %v", err)
		} else if ok {
			st := m.State
			l.state = &st
			logging.Info("core", "restored state from tick %d (energy %.2f, mood %.2f)",
				m.Tick, st.Energy, st.Mood)
		}
	}
	return l
}

// State returns a copy of the agent state.
func (l *Loop) State() types.AgentState {
	return *l.state
}

// PushSignal delivers a signal into the next tick. It never blocks; a
// full mailbox drops the signal with a warning.
func (l *Loop) PushSignal(sig *types.Signal) {
	select {
	case l.signalCh <- sig:
	default:
		logging.Warn("core", "signal mailbox full, dropping %s from %s", sig.Type, sig.Source)
	}
}

// PushEvent queues an external stimulus.
func (l *Loop) PushEvent(e *types.Event) {
	l.deps.Queue.Push(e)
}

// Run drives ticks until the context is cancelled. New queue arrivals
// trigger an early tick so user messages do not wait out the cadence.
func (l *Loop) Run(ctx context.Context) error {
	l.record(journal.Entry{Kind: journal.KindLifecycle, Detail: "started"})
	logging.Info("core", "loop running every %v", l.cfg.TickInterval)

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()
	last := time.Now().UTC()

	for {
		select {
		case <-ctx.Done():
			l.record(journal.Entry{Kind: journal.KindLifecycle, Detail: "stopped"})
			logging.Info("core", "loop stopped after %d ticks", l.tickSeq)
			return nil
		case now := <-ticker.C:
			l.Tick(ctx, now.UTC(), now.UTC().Sub(last))
			last = now.UTC()
		case <-l.deps.Queue.NotifyChannel():
			now := time.Now().UTC()
			l.Tick(ctx, now, now.Sub(last))
			last = now
		}
	}
}

// Tick runs one full pipeline pass: pending registrations, due
// schedules, queue drain, filters, neurons, aggregation, and cognition
// behind the stress mask. Nothing may panic through here; a tick always
// finishes and the next one runs.
func (l *Loop) Tick(ctx context.Context, now time.Time, dt time.Duration) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error("core", "tick %d panicked: %v", l.tickSeq, rec)
		}
	}()

	l.tickSeq++
	correlationID := uuid.NewString()

	// Queued scheduler changes land first, then due schedules fire into
	// the signal mailbox. The autonomic processor applies its own
	// pending neuron changes when it runs.
	if l.deps.Service != nil {
		l.deps.Service.ApplyPendingChanges()
		l.deps.Service.Tick(ctx, now, correlationID)
	}

	// Externally injected events join the queue before the drain.
	l.drainInbox()

	// Collapse bursts, then drain a batch into signals.
	l.deps.Queue.Aggregate()
	var incoming []*types.Signal
	for i := 0; i < l.cfg.DrainBatch; i++ {
		ev := l.deps.Queue.Pull()
		if ev == nil {
			break
		}
		sig := Translate(ev)
		sig.CorrelationID = correlationID
		incoming = append(incoming, sig)
	}
	incoming = append(incoming, l.drainSignals(correlationID)...)

	filtered := l.deps.Filters.Process(incoming, &filter.Context{
		State:         l.state,
		CorrelationID: correlationID,
		Now:           now,
	})

	// The autonomic layer runs at every stress level. Reflex intents
	// apply right after, so aggregation and cognition see this tick's
	// stimuli in the drives; neurons pick them up next tick.
	auto := l.deps.Autonomic.Process(l.state, filtered, correlationID)
	l.applyIntents(auto.Intents, now, correlationID, false)
	all := auto.Signals

	if l.deps.Bus != nil {
		for _, sig := range all {
			l.deps.Bus.Publish(sig)
		}
	}

	mask := stress.MaskFor(stress.LevelNormal)
	if l.deps.Stress != nil {
		mask = l.deps.Stress.Mask()
	}

	if mask.Aggregation {
		res := l.deps.Aggregator.Process(all, l.state, now)
		if res.Wake {
			if mask.Cognition && l.deps.Cognition != nil {
				l.dispatch(ctx, res, correlationID, mask.Smart, now)
			} else {
				// Triggers stay pending; the wake re-asserts once
				// cognition is available again.
				logging.Info("core", "wake (%s) held, cognition tier unavailable [%s]",
					res.Reason, correlationID)
			}
		}
	}

	l.dyn.Advance(l.state, dt, now)
	l.deps.Queue.Prune(l.cfg.Prune)
	l.writeMirror(now, correlationID)
}

// drainSignals empties the pushed-signal mailbox, stamping this tick's
// correlation id on signals that arrived without one.
func (l *Loop) drainSignals(correlationID string) []*types.Signal {
	var out []*types.Signal
	for {
		select {
		case sig := <-l.signalCh:
			if sig.CorrelationID == "" {
				sig.CorrelationID = correlationID
			}
			if sig.Type == types.SignalPluginEvent {
				l.record(journal.Entry{
					Kind:          journal.KindPluginEvent,
					Detail:        sig.Data.Kind,
					CorrelationID: sig.CorrelationID,
					Data:          map[string]any{"source": sig.Source},
				})
			}
			out = append(out, sig)
		default:
			return out
		}
	}
}

// dispatch runs cognition for one wake and applies its verdict.
func (l *Loop) dispatch(ctx context.Context, res *aggregation.Result, correlationID string, allowSmart bool, now time.Time) {
	l.record(journal.Entry{
		Kind:          journal.KindWake,
		Detail:        res.Reason,
		CorrelationID: correlationID,
		Data:          map[string]any{"triggers": len(res.Triggers)},
	})
	l.dyn.NoteWake(l.state)

	snap := &cognition.Snapshot{
		Aggregates:       res.Aggregates,
		Triggers:         res.Triggers,
		WakeReason:       res.Reason,
		State:            *l.state,
		CorrelationID:    correlationID,
		PrimaryRecipient: l.cfg.PrimaryRecipient,
	}
	result, err := l.deps.Cognition.Process(ctx, snap, allowSmart)
	if err != nil {
		// Transport trouble: leave the triggers pending and try again
		// next wake.
		logging.Error("core", "cognition failed [%s]: %v", correlationID, err)
		l.record(journal.Entry{Kind: journal.KindError, Detail: "cognition", CorrelationID: correlationID,
			Data: map[string]any{"error": err.Error()}})
		return
	}

	l.deps.Aggregator.Consume(res.Triggers)
	l.applyIntents(result.Intents, now, correlationID, result.UsedSmartRetry)

	if result.Response != nil {
		// Journaled on delivery.
		return
	}
	if ack := deferredAck(result.Intents); ack != nil {
		l.record(journal.Entry{Kind: journal.KindDefer, Detail: ack.Reason,
			CorrelationID: correlationID,
			Data:          map[string]any{"until": ack.DeferUntil.UTC().Format(time.RFC3339)}})
		return
	}
	l.record(journal.Entry{Kind: journal.KindNoAction, Detail: res.Reason,
		CorrelationID: correlationID,
		Data:          map[string]any{"confidence": result.Confidence}})
}

// deferredAck returns the first defer ack among the intents, if any.
func deferredAck(intents []types.Intent) *types.Ack {
	for _, in := range intents {
		if in.Kind == types.IntentAckSignal && in.Ack != nil && in.Ack.AckType == types.AckDeferred {
			return in.Ack
		}
	}
	return nil
}

// applyIntents is the single place pipeline verdicts mutate state or
// reach effectors.
func (l *Loop) applyIntents(intents []types.Intent, now time.Time, correlationID string, usedSmart bool) {
	for _, in := range intents {
		switch in.Kind {
		case types.IntentAdjustDrive:
			l.state.AdjustDrive(in.Drive, in.Delta)

		case types.IntentRecordInteraction:
			l.dyn.NoteInteraction(l.state, now)
			if in.RecipientID != "" && l.deps.Recipients != nil {
				l.deps.Recipients.Touch(in.RecipientID)
			}

		case types.IntentAckSignal:
			if in.Ack == nil {
				continue
			}
			ack := *in.Ack
			if ack.AckedAt.IsZero() {
				ack.AckedAt = now
			}
			l.deps.Acks.Put(ack)

		case types.IntentClearAck:
			l.deps.Acks.Clear(in.SignalType, in.Source)

		case types.IntentSendResponse:
			l.sendResponse(in, now, correlationID, usedSmart)

		case types.IntentScheduleWakeup:
			l.scheduleWakeup(in)

		case types.IntentCancelWakeup:
			l.cancelWakeup(in.ScheduleID)

		default:
			logging.Warn("core", "unknown intent kind %q", in.Kind)
		}
	}
}

// sendResponse hands a response to the delivery route and settles the
// social drives.
func (l *Loop) sendResponse(in types.Intent, now time.Time, correlationID string, usedSmart bool) {
	if l.deps.Deliver == nil {
		logging.Warn("core", "no delivery route for response to %s", in.RecipientID)
		return
	}
	if err := l.deps.Deliver(in.RecipientID, in.Text, in.Status); err != nil {
		logging.Error("core", "delivery to %s failed: %v", in.RecipientID, err)
		l.record(journal.Entry{Kind: journal.KindError, Detail: "delivery",
			CorrelationID: correlationID,
			Data:          map[string]any{"recipient": in.RecipientID, "error": err.Error()}})
		return
	}

	l.dyn.NoteResponse(l.state, now)
	if l.deps.Recipients != nil {
		l.deps.Recipients.Touch(in.RecipientID)
	}
	data := map[string]any{"status": in.Status}
	if usedSmart {
		data["smartRetry"] = true
	}
	l.record(journal.Entry{Kind: journal.KindResponse, Detail: in.RecipientID,
		CorrelationID: correlationID, Data: data})
}

// scheduleWakeup books a one-shot wakeup on the built-in plugin's
// scheduler; it fires back into the pipeline as a plugin event.
func (l *Loop) scheduleWakeup(in types.Intent) {
	if l.deps.WakeScheduler == nil {
		logging.Warn("core", "no wake scheduler, dropping wakeup at %v", in.WakeAt)
		return
	}
	reason := in.Reason
	if reason == "" {
		reason = "requested wakeup"
	}
	id, err := l.deps.WakeScheduler.Schedule(plugin.ScheduleOptions{
		FireAt: in.WakeAt,
		Kind:   plugin.WakeupKind,
		Data:   map[string]any{"reason": reason},
	})
	if err != nil {
		logging.Error("core", "failed to schedule wakeup: %v", err)
		return
	}
	logging.Debug("core", "wakeup %s booked for %v (%s)", id, in.WakeAt, reason)
}

func (l *Loop) cancelWakeup(scheduleID string) {
	if l.deps.WakeScheduler == nil || scheduleID == "" {
		return
	}
	ok, err := l.deps.WakeScheduler.Cancel(scheduleID)
	if err != nil {
		logging.Error("core", "failed to cancel wakeup %s: %v", scheduleID, err)
		return
	}
	if !ok {
		logging.Debug("core", "wakeup %s already gone", scheduleID)
	}
}

// record writes a journal entry, tolerating an absent journal.
func (l *Loop) record(entry journal.Entry) {
	if l.deps.Journal == nil {
		return
	}
	if err := l.deps.Journal.Log(entry); err != nil {
		logging.Warn("core", "journal write failed: %v", err)
	}
}
