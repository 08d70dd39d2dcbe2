package cognition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/types"
)

// Snapshot is everything the dispatcher sees for one wake: the
// aggregates, the signals that justified waking, and the agent's state
// at that instant.
type Snapshot struct {
	Aggregates    []types.SignalAggregate
	Triggers      []*types.Signal
	WakeReason    string
	State         types.AgentState
	CorrelationID string

	// PrimaryRecipient is who proactive messages go to when no trigger
	// names a sender.
	PrimaryRecipient string
}

// Response is a message the agent wants delivered.
type Response struct {
	Text               string
	ConversationStatus string
	RecipientID        string
}

// Result is the dispatcher's verdict for one wake.
type Result struct {
	Confidence     float64
	Response       *Response // nil on no_action, defer or malformed output
	Intents        []types.Intent
	UsedSmartRetry bool
}

// Config tunes the dispatcher.
type Config struct {
	EnableSmartRetry bool
	RetryThreshold   float64
	ToolBudget       time.Duration
	MaxToolRounds    int
}

// DefaultConfig returns the standard dispatcher tuning.
func DefaultConfig() Config {
	return Config{
		EnableSmartRetry: true,
		RetryThreshold:   0.6,
		ToolBudget:       20 * time.Second,
		MaxToolRounds:    8,
	}
}

// Dispatcher runs the tool loop against a generator and translates the
// terminal outcome into intents.
type Dispatcher struct {
	gen   Generator
	smart Generator // nil disables the smart retry
	tools *ToolRegistry
	cfg   Config
}

// NewDispatcher creates a dispatcher. smart may be nil.
func NewDispatcher(gen, smart Generator, tools *ToolRegistry, cfg Config) *Dispatcher {
	if cfg.RetryThreshold <= 0 {
		cfg.RetryThreshold = 0.6
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 8
	}
	return &Dispatcher{gen: gen, smart: smart, tools: tools, cfg: cfg}
}

// Process runs one wake: build context, run the tool loop, and if the
// outcome's confidence falls below the threshold, retry once on the
// smart tier when allowed. Malformed terminal output yields a nil
// response at confidence zero, never user-visible text.
func (d *Dispatcher) Process(ctx context.Context, snap *Snapshot, allowSmart bool) (*Result, error) {
	messages := d.buildMessages(snap)

	outcome, err := d.run(ctx, d.gen, messages)
	if err != nil && !errors.Is(err, ErrMalformedResponse) {
		return nil, err
	}

	usedSmart := false
	confidence := 0.0
	if outcome != nil {
		confidence = outcome.Confidence
	}
	if confidence < d.cfg.RetryThreshold && d.cfg.EnableSmartRetry && allowSmart && d.smart != nil {
		logging.Info("cognition", "confidence %.2f below %.2f, retrying on smart tier [%s]",
			confidence, d.cfg.RetryThreshold, snap.CorrelationID)
		retried, retryErr := d.run(ctx, d.smart, messages)
		if retryErr == nil {
			outcome = retried
			usedSmart = true
		} else if !errors.Is(retryErr, ErrMalformedResponse) {
			logging.Error("cognition", "smart retry failed: %v", retryErr)
		} else {
			usedSmart = true
		}
	}

	if outcome == nil {
		logging.Warn("cognition", "no usable terminal output [%s]", snap.CorrelationID)
		return &Result{Confidence: 0, UsedSmartRetry: usedSmart}, nil
	}
	return d.resolve(outcome, snap, usedSmart), nil
}

// run drives the tool loop on one generator until the model calls the
// terminal tool or the round budget runs out.
func (d *Dispatcher) run(ctx context.Context, gen Generator, base []Message) (*FinalOutcome, error) {
	messages := make([]Message, len(base))
	copy(messages, base)

	defs := append(d.tools.Defs(), FinalToolDef())

	for round := 0; round < d.cfg.MaxToolRounds; round++ {
		reply, err := gen.Generate(ctx, Request{Messages: messages, Tools: defs})
		if err != nil {
			return nil, fmt.Errorf("generation failed: %w", err)
		}

		if len(reply.ToolCalls) == 0 {
			// Prose without the terminal tool ends nowhere useful.
			return nil, fmt.Errorf("%w: model answered without calling %s", ErrMalformedResponse, FinalToolName)
		}

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   reply.Content,
			ToolCalls: reply.ToolCalls,
		})

		for _, tc := range reply.ToolCalls {
			if tc.Function.Name == FinalToolName {
				return ParseFinal(tc.Function.Arguments)
			}

			result, err := d.tools.Execute(ctx, tc.Function.Name, tc.Function.Arguments, d.cfg.ToolBudget)
			if err != nil {
				logging.Warn("cognition", "tool %s: %v", tc.Function.Name, err)
				result = "error: " + err.Error()
			}
			messages = append(messages, Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
				Name:       tc.Function.Name,
			})
		}
	}
	return nil, fmt.Errorf("%w: no terminal call within %d rounds", ErrMalformedResponse, d.cfg.MaxToolRounds)
}

// resolve translates a terminal outcome into the result and its
// intents.
func (d *Dispatcher) resolve(outcome *FinalOutcome, snap *Snapshot, usedSmart bool) *Result {
	res := &Result{
		Confidence:     outcome.Confidence,
		UsedSmartRetry: usedSmart,
	}
	now := time.Now().UTC()

	switch outcome.Type {
	case FinalRespond:
		recipient := outcome.RecipientID
		if recipient == "" {
			recipient = defaultRecipient(snap.Triggers)
		}
		if recipient == "" {
			recipient = snap.PrimaryRecipient
		}
		res.Response = &Response{
			Text:               outcome.Text,
			ConversationStatus: outcome.ConversationStatus,
			RecipientID:        recipient,
		}
		res.Intents = append(res.Intents, types.Intent{
			Kind:        types.IntentSendResponse,
			RecipientID: recipient,
			Text:        outcome.Text,
			Status:      outcome.ConversationStatus,
		})
		res.Intents = append(res.Intents, ackTriggers(snap.Triggers, types.AckHandled, time.Time{}, "responded")...)

	case FinalNoAction:
		res.Intents = ackTriggers(snap.Triggers, types.AckHandled, time.Time{}, outcome.Reason)

	case FinalDefer:
		minutes := outcome.DeferMinutes
		if minutes <= 0 {
			minutes = 30
		}
		until := now.Add(time.Duration(minutes * float64(time.Minute)))
		res.Intents = ackTriggers(snap.Triggers, types.AckDeferred, until, outcome.Reason)
		res.Intents = append(res.Intents, types.Intent{
			Kind:   types.IntentScheduleWakeup,
			WakeAt: until,
			Reason: outcome.Reason,
		})
	}
	return res
}

// ackTriggers builds ack intents for the wake's triggers. User messages
// never carry acks; they always wake.
func ackTriggers(triggers []*types.Signal, ackType types.AckType, deferUntil time.Time, reason string) []types.Intent {
	var intents []types.Intent
	seen := map[string]bool{}
	for _, sig := range triggers {
		if sig.Type == types.SignalUserMessage {
			continue
		}
		key := sig.Type + "\x00" + sig.Source
		if seen[key] {
			continue
		}
		seen[key] = true
		intents = append(intents, types.Intent{
			Kind: types.IntentAckSignal,
			Ack: &types.Ack{
				SignalType: sig.Type,
				Source:     sig.Source,
				AckType:    ackType,
				DeferUntil: deferUntil,
				ValueAtAck: sig.Metrics.Value,
				Reason:     reason,
			},
		})
	}
	return intents
}

// defaultRecipient picks the newest user-message trigger's sender.
func defaultRecipient(triggers []*types.Signal) string {
	recipient := ""
	var newest time.Time
	for _, sig := range triggers {
		if sig.Type != types.SignalUserMessage {
			continue
		}
		id, _ := sig.Data.Payload["recipientId"].(string)
		if id != "" && (recipient == "" || sig.Timestamp.After(newest)) {
			recipient = id
			newest = sig.Timestamp
		}
	}
	return recipient
}

// buildMessages assembles the system and user turns for one wake.
func (d *Dispatcher) buildMessages(snap *Snapshot) []Message {
	var system strings.Builder
	system.WriteString("You are the always-on core of a digital agent. ")
	system.WriteString("You woke because something crossed a threshold; decide whether it deserves an outward action.\n\n")
	system.WriteString("Rules:\n")
	system.WriteString("- Use tools to inspect state or manage tasks before deciding.\n")
	system.WriteString(fmt.Sprintf("- End every turn with exactly one %s call.\n", FinalToolName))
	system.WriteString("- Respond only when it genuinely helps; silence is a valid choice.\n")
	system.WriteString("- Match the drive levels: low energy means shorter, calmer replies.\n")

	var user strings.Builder
	fmt.Fprintf(&user, "## Wake\nreason: %s\ntime: %s\n\n", snap.WakeReason, time.Now().UTC().Format(time.RFC3339))

	s := snap.State
	user.WriteString("## Drives\n")
	fmt.Fprintf(&user, "- energy: %.2f\n- alertness: %.2f\n- contact_pressure: %.2f\n- social_debt: %.2f\n",
		s.Energy, s.Alertness, s.ContactPressure, s.SocialDebt)
	if s.Mood != 0 {
		fmt.Fprintf(&user, "- mood: %.2f\n", s.Mood)
	}
	if !s.LastInteractionAt.IsZero() {
		fmt.Fprintf(&user, "- last interaction: %s ago\n", time.Since(s.LastInteractionAt).Round(time.Minute))
	}
	if snap.PrimaryRecipient != "" {
		fmt.Fprintf(&user, "- primary contact: %s\n", snap.PrimaryRecipient)
	}
	user.WriteString("\n")

	if len(snap.Triggers) > 0 {
		user.WriteString("## Triggers\n")
		for _, sig := range snap.Triggers {
			line := fmt.Sprintf("- %s from %s, value %.2f", sig.Type, sig.Source, sig.Metrics.Value)
			// Ids let tool calls and recipient overrides name the message.
			if id, ok := sig.Data.Payload["recipientId"].(string); ok && id != "" {
				line += ", recipient " + id
			}
			if id, ok := sig.Data.Payload["messageId"].(string); ok && id != "" {
				line += ", message " + id
			}
			if text, ok := sig.Data.Payload["text"].(string); ok && text != "" {
				line += fmt.Sprintf(": %q", logging.Truncate(text, 500))
			}
			user.WriteString(line + "\n")
		}
		user.WriteString("\n")
	}

	if len(snap.Aggregates) > 0 {
		user.WriteString("## Recent signals\n")
		for _, agg := range snap.Aggregates {
			fmt.Fprintf(&user, "- %s/%s: %.2f (was %.2f, %d samples)\n",
				agg.Type, agg.Source, agg.CurrentValue, agg.PreviousValue, agg.SampleCount)
		}
	}

	return []Message{
		{Role: "system", Content: system.String()},
		{Role: "user", Content: user.String()},
	}
}
