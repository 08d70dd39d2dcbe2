package types

import (
	"time"

	"github.com/google/uuid"
)

// Priority defines the urgency of an event or signal. Lower is more urgent.
type Priority int

const (
	PriorityCritical Priority = 0 // alarms, safety - preempts all
	PriorityHigh     Priority = 1 // direct user messages
	PriorityNormal   Priority = 2 // scheduled work, plugin events
	PriorityLow      Priority = 3 // background observations
	PriorityIdle     Priority = 4 // exploration, housekeeping
)

// NumPriorities is the number of priority lanes.
const NumPriorities = 5

// String returns a string representation of Priority
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the five defined lanes.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityIdle
}

// Event sources. Events enter the queue from one of these origins.
const (
	SourceCommunication = "communication" // user messages, reactions
	SourceThoughts      = "thoughts"      // internally generated follow-ups
	SourceInternal      = "internal"      // drives, housekeeping
	SourceTime          = "time"          // clock-driven stimuli
	SourceSystem        = "system"        // process-level notices
	SourcePlugin        = "plugin"        // plugin-emitted events
)

// Well-known signal types flowing through the pipeline.
const (
	SignalUserMessage     = "user_message"
	SignalReaction        = "reaction"
	SignalPluginEvent     = "plugin_event"
	SignalExternalEvent   = "external_event"
	SignalContactPressure = "contact_pressure"
	SignalSocialDebt      = "social_debt"
	SignalPatternBreak    = "pattern_break"
	SignalAlertness       = "alertness"
	SignalEnergy          = "energy"
	SignalStressLevel     = "stress_level"
)

// Event is an external stimulus waiting in the priority queue
type Event struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`            // communication, thoughts, internal, time, system, plugin
	Channel   string         `json:"channel,omitempty"` // discord, console, ...
	Type      string         `json:"type"`              // user_message, reaction, wakeup, ...
	Priority  Priority       `json:"priority"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"` // aggregatedCount, firstOccurrence
}

// AggregationKey groups events that collapse into one record when they
// arrive close together.
func (e *Event) AggregationKey() string {
	return e.Source + "\x00" + e.Channel + "\x00" + e.Type
}

// SignalMetrics carries the measured quantities of a signal
type SignalMetrics struct {
	Value        float64 `json:"value"`
	RateOfChange float64 `json:"rateOfChange,omitempty"`
	Acceleration float64 `json:"acceleration,omitempty"`
	Confidence   float64 `json:"confidence"`
}

// SignalData is the variant payload of a signal, tagged by Kind
// (e.g. "com.example.reminder:reminder_due").
type SignalData struct {
	Kind    string         `json:"kind,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Signal is a typed, timestamped observation flowing through the pipeline
type Signal struct {
	ID            string        `json:"id"`
	Type          string        `json:"type"`
	Source        string        `json:"source"`
	Channel       string        `json:"channel,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	Priority      Priority      `json:"priority"`
	Metrics       SignalMetrics `json:"metrics"`
	Data          SignalData    `json:"data,omitempty"`
	CorrelationID string        `json:"correlationId,omitempty"`
	ExpiresAt     time.Time     `json:"expiresAt"`
}

// NewSignal mints a signal with a fresh id and the given lifetime.
func NewSignal(sigType, source string, priority Priority, ttl time.Duration) *Signal {
	now := time.Now().UTC()
	return &Signal{
		ID:        uuid.NewString(),
		Type:      sigType,
		Source:    source,
		Timestamp: now,
		Priority:  priority,
		ExpiresAt: now.Add(ttl),
	}
}

// IsExpired reports whether the signal should be purged.
func (s *Signal) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && s.ExpiresAt.Before(now)
}

// AggregateKey identifies the (type, source) aggregate this signal feeds.
func (s *Signal) AggregateKey() string {
	return s.Type + "\x00" + s.Source
}

// SignalAggregate is the running summary of one (type, source) pair
type SignalAggregate struct {
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	CurrentValue  float64   `json:"currentValue"`
	PreviousValue float64   `json:"previousValue"`
	RateOfChange  float64   `json:"rateOfChange"`
	SampleCount   int       `json:"sampleCount"`
	FirstSeenAt   time.Time `json:"firstSeenAt"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
}

// AckType classifies how a signal class was acknowledged
type AckType string

const (
	AckHandled    AckType = "handled"    // transient; clears on first read
	AckDeferred   AckType = "deferred"   // blocks until deferUntil or delta override
	AckSuppressed AckType = "suppressed" // blocks until removed
)

// Ack records that a signal class needs no cognition for now
type Ack struct {
	SignalType    string    `json:"signalType"`
	Source        string    `json:"source,omitempty"` // empty matches any source
	AckType       AckType   `json:"ackType"`
	AckedAt       time.Time `json:"ackedAt"`
	DeferUntil    time.Time `json:"deferUntil,omitempty"`
	ValueAtAck    float64   `json:"valueAtAck,omitempty"`
	OverrideDelta float64   `json:"overrideDelta,omitempty"` // 0 means default
	Reason        string    `json:"reason,omitempty"`
}

// AgentState is the agent's slow-moving internal condition. Drives are
// clamped to [0, 1].
type AgentState struct {
	Energy            float64   `json:"energy"`
	Alertness         float64   `json:"alertness"`
	ContactPressure   float64   `json:"contactPressure"`
	SocialDebt        float64   `json:"socialDebt"`
	Mood              float64   `json:"mood"` // -1 (low) .. 1 (high)
	LastInteractionAt time.Time `json:"lastInteractionAt,omitempty"`
}

// Drive returns the named drive's current value.
func (s *AgentState) Drive(name string) (float64, bool) {
	switch name {
	case "energy":
		return s.Energy, true
	case "alertness":
		return s.Alertness, true
	case "contact_pressure":
		return s.ContactPressure, true
	case "social_debt":
		return s.SocialDebt, true
	case "mood":
		return s.Mood, true
	}
	return 0, false
}

// AdjustDrive shifts the named drive by delta, clamping to its range.
func (s *AgentState) AdjustDrive(name string, delta float64) {
	switch name {
	case "energy":
		s.Energy = clamp01(s.Energy + delta)
	case "alertness":
		s.Alertness = clamp01(s.Alertness + delta)
	case "contact_pressure":
		s.ContactPressure = clamp01(s.ContactPressure + delta)
	case "social_debt":
		s.SocialDebt = clamp01(s.SocialDebt + delta)
	case "mood":
		s.Mood = clampRange(s.Mood+delta, -1, 1)
	}
}

// Intent kinds. Intents are the only way pipeline stages mutate agent
// state or reach effectors; the core loop applies them after each stage.
const (
	IntentAdjustDrive       = "adjust_drive"
	IntentRecordInteraction = "record_interaction"
	IntentAckSignal         = "ack_signal"
	IntentClearAck          = "clear_ack"
	IntentSendResponse      = "send_response"
	IntentScheduleWakeup    = "schedule_wakeup"
	IntentCancelWakeup      = "cancel_wakeup"
)

// Intent is a requested state mutation or effect. Only the fields
// relevant to Kind are set.
type Intent struct {
	Kind string `json:"kind"`

	// adjust_drive
	Drive string  `json:"drive,omitempty"`
	Delta float64 `json:"delta,omitempty"`

	// record_interaction / send_response
	RecipientID string `json:"recipientId,omitempty"`
	Text        string `json:"text,omitempty"`
	Status      string `json:"status,omitempty"` // conversation status on send_response

	// ack_signal / clear_ack
	Ack        *Ack   `json:"ack,omitempty"`
	SignalType string `json:"signalType,omitempty"`
	Source     string `json:"source,omitempty"`

	// schedule_wakeup / cancel_wakeup
	WakeAt     time.Time `json:"wakeAt,omitempty"`
	ScheduleID string    `json:"scheduleId,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

func clamp01(v float64) float64 {
	return clampRange(v, 0, 1)
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
