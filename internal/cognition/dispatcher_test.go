package cognition

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vthunder/medulla/internal/types"
)

// scriptedGen replays a fixed sequence of replies. Once the script runs
// out it repeats the last entry.
type scriptedGen struct {
	replies []*Reply
	errs    []error
	calls   []Request
}

func (g *scriptedGen) Generate(_ context.Context, req Request) (*Reply, error) {
	i := len(g.calls)
	g.calls = append(g.calls, req)
	if i < len(g.errs) && g.errs[i] != nil {
		return nil, g.errs[i]
	}
	if len(g.replies) == 0 {
		return &Reply{}, nil
	}
	if i >= len(g.replies) {
		i = len(g.replies) - 1
	}
	return g.replies[i], nil
}

func toolCallReply(name, args string) *Reply {
	return &Reply{ToolCalls: []ToolCall{{
		ID:       "call-" + name,
		Type:     "function",
		Function: FunctionCall{Name: name, Arguments: args},
	}}}
}

func finalReply(args string) *Reply {
	return toolCallReply(FinalToolName, args)
}

func userTrigger(recipientID string, ts time.Time) *types.Signal {
	return &types.Signal{
		ID:        "sig-user",
		Type:      types.SignalUserMessage,
		Source:    "discord",
		Timestamp: ts,
		Priority:  types.PriorityHigh,
		Data: types.SignalData{Payload: map[string]any{
			"text":        "are you around?",
			"recipientId": recipientID,
		}},
	}
}

func driveTrigger(sigType, source string, value float64) *types.Signal {
	return &types.Signal{
		ID:       "sig-" + sigType,
		Type:     sigType,
		Source:   source,
		Priority: types.PriorityNormal,
		Metrics:  types.SignalMetrics{Value: value, Confidence: 1},
	}
}

func testSnapshot(triggers ...*types.Signal) *Snapshot {
	return &Snapshot{
		Triggers:      triggers,
		WakeReason:    "user_message",
		State:         types.AgentState{Energy: 0.7, Alertness: 0.6, Mood: 0.2},
		CorrelationID: "corr-disp",
	}
}

// TestDispatcherRespond verifies the full happy path: a tool round, the
// terminal respond call, and the resulting intents.
func TestDispatcherRespond(t *testing.T) {
	reg := NewToolRegistry()
	if err := reg.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}
	gen := &scriptedGen{replies: []*Reply{
		toolCallReply("echo", `{"text":"checking"}`),
		finalReply(`{"type":"respond","text":"yes, here","conversationStatus":"active","confidence":0.9}`),
	}}
	d := NewDispatcher(gen, nil, reg, DefaultConfig())

	snap := testSnapshot(
		userTrigger("discord:123", time.Now()),
		driveTrigger(types.SignalContactPressure, "core-agent", 0.8),
	)
	res, err := d.Process(context.Background(), snap, true)
	if err != nil {
		t.Fatal(err)
	}

	if res.Response == nil {
		t.Fatal("no response")
	}
	if res.Response.Text != "yes, here" || res.Response.RecipientID != "discord:123" {
		t.Errorf("response = %+v", res.Response)
	}
	if res.Confidence != 0.9 || res.UsedSmartRetry {
		t.Errorf("confidence=%v usedSmart=%v", res.Confidence, res.UsedSmartRetry)
	}

	var send, acks int
	for _, in := range res.Intents {
		switch in.Kind {
		case types.IntentSendResponse:
			send++
			if in.RecipientID != "discord:123" || in.Text != "yes, here" || in.Status != "active" {
				t.Errorf("send intent = %+v", in)
			}
		case types.IntentAckSignal:
			acks++
			if in.Ack.SignalType != types.SignalContactPressure || in.Ack.AckType != types.AckHandled {
				t.Errorf("ack = %+v", in.Ack)
			}
			if in.Ack.ValueAtAck != 0.8 || in.Ack.Reason != "responded" {
				t.Errorf("ack detail = %+v", in.Ack)
			}
		}
	}
	if send != 1 || acks != 1 {
		t.Errorf("send=%d acks=%d (user messages must not be acked)", send, acks)
	}

	// Two generator rounds; the second must carry the assistant turn
	// and the tool result.
	if len(gen.calls) != 2 {
		t.Fatalf("generator calls = %d", len(gen.calls))
	}
	first := gen.calls[0].Messages
	if len(first) != 2 || first[0].Role != "system" || first[1].Role != "user" {
		t.Fatalf("first request messages = %+v", first)
	}
	if !strings.Contains(first[1].Content, "user_message") {
		t.Error("user turn missing wake reason")
	}
	second := gen.calls[1].Messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "call-echo" || last.Content != "checking" {
		t.Errorf("tool turn = %+v", last)
	}
	if second[len(second)-2].Role != "assistant" {
		t.Error("assistant turn missing before tool result")
	}
}

// TestDispatcherNoAction verifies staying silent acks the triggers and
// produces no response.
func TestDispatcherNoAction(t *testing.T) {
	gen := &scriptedGen{replies: []*Reply{
		finalReply(`{"type":"no_action","reason":"nothing new","confidence":0.8}`),
	}}
	d := NewDispatcher(gen, nil, NewToolRegistry(), DefaultConfig())

	snap := testSnapshot(driveTrigger(types.SignalContactPressure, "core-agent", 0.7))
	res, err := d.Process(context.Background(), snap, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != nil {
		t.Errorf("no_action produced a response: %+v", res.Response)
	}
	if len(res.Intents) != 1 {
		t.Fatalf("intents = %+v", res.Intents)
	}
	ack := res.Intents[0]
	if ack.Kind != types.IntentAckSignal || ack.Ack.AckType != types.AckHandled || ack.Ack.Reason != "nothing new" {
		t.Errorf("ack intent = %+v", ack)
	}
}

// TestDispatcherDefer verifies deferral acks with a deadline and
// schedules the wakeup. Duplicate trigger classes collapse to one ack.
func TestDispatcherDefer(t *testing.T) {
	gen := &scriptedGen{replies: []*Reply{
		finalReply(`{"type":"defer","reason":"mid-task","deferMinutes":45,"confidence":0.7}`),
	}}
	d := NewDispatcher(gen, nil, NewToolRegistry(), DefaultConfig())

	snap := testSnapshot(
		driveTrigger(types.SignalContactPressure, "core-agent", 0.7),
		driveTrigger(types.SignalContactPressure, "core-agent", 0.75),
	)
	res, err := d.Process(context.Background(), snap, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != nil {
		t.Error("defer produced a response")
	}

	var ack, wake *types.Intent
	for i := range res.Intents {
		switch res.Intents[i].Kind {
		case types.IntentAckSignal:
			if ack != nil {
				t.Fatal("duplicate trigger class acked twice")
			}
			ack = &res.Intents[i]
		case types.IntentScheduleWakeup:
			wake = &res.Intents[i]
		}
	}
	if ack == nil || wake == nil {
		t.Fatalf("intents = %+v", res.Intents)
	}
	if ack.Ack.AckType != types.AckDeferred {
		t.Errorf("ack type = %v", ack.Ack.AckType)
	}
	until := time.Until(ack.Ack.DeferUntil)
	if until < 44*time.Minute || until > 46*time.Minute {
		t.Errorf("deferUntil %v from now", until)
	}
	if !wake.WakeAt.Equal(ack.Ack.DeferUntil) || wake.Reason != "mid-task" {
		t.Errorf("wakeup = %+v", wake)
	}
}

// TestDispatcherDeferDefault verifies an omitted deferMinutes falls back
// to thirty minutes.
func TestDispatcherDeferDefault(t *testing.T) {
	gen := &scriptedGen{replies: []*Reply{
		finalReply(`{"type":"defer","reason":"later","confidence":0.7}`),
	}}
	d := NewDispatcher(gen, nil, NewToolRegistry(), DefaultConfig())

	res, err := d.Process(context.Background(), testSnapshot(driveTrigger(types.SignalContactPressure, "core-agent", 0.5)), true)
	if err != nil {
		t.Fatal(err)
	}
	for _, in := range res.Intents {
		if in.Kind == types.IntentScheduleWakeup {
			until := time.Until(in.WakeAt)
			if until < 29*time.Minute || until > 31*time.Minute {
				t.Errorf("default defer %v from now", until)
			}
			return
		}
	}
	t.Fatal("no wakeup intent")
}

// TestDispatcherMalformed verifies broken terminal output degrades to a
// silent zero-confidence result instead of surfacing model text.
func TestDispatcherMalformed(t *testing.T) {
	cases := []struct {
		name  string
		reply *Reply
	}{
		{"prose without final", &Reply{Content: "I think I should reply..."}},
		{"garbled final args", finalReply(`{"type":"respond","text":`)},
		{"unknown final type", finalReply(`{"type":"shout","confidence":0.9}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gen := &scriptedGen{replies: []*Reply{tc.reply}}
			d := NewDispatcher(gen, nil, NewToolRegistry(), DefaultConfig())

			res, err := d.Process(context.Background(), testSnapshot(), false)
			if err != nil {
				t.Fatal(err)
			}
			if res.Response != nil || res.Confidence != 0 || len(res.Intents) != 0 {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

// TestDispatcherTransportError verifies generator failures propagate as
// errors rather than silent results.
func TestDispatcherTransportError(t *testing.T) {
	gen := &scriptedGen{errs: []error{errors.New("connection refused")}}
	d := NewDispatcher(gen, nil, NewToolRegistry(), DefaultConfig())

	if _, err := d.Process(context.Background(), testSnapshot(), false); err == nil {
		t.Fatal("transport error swallowed")
	}
}

// TestDispatcherSmartRetry verifies a low-confidence verdict is retried
// once on the smart tier with a fresh transcript.
func TestDispatcherSmartRetry(t *testing.T) {
	gen := &scriptedGen{replies: []*Reply{
		finalReply(`{"type":"respond","text":"um, maybe?","confidence":0.3}`),
	}}
	smart := &scriptedGen{replies: []*Reply{
		finalReply(`{"type":"respond","text":"definitely","confidence":0.95}`),
	}}
	d := NewDispatcher(gen, smart, NewToolRegistry(), DefaultConfig())

	res, err := d.Process(context.Background(), testSnapshot(userTrigger("discord:9", time.Now())), true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.UsedSmartRetry || res.Confidence != 0.95 {
		t.Errorf("usedSmart=%v confidence=%v", res.UsedSmartRetry, res.Confidence)
	}
	if res.Response == nil || res.Response.Text != "definitely" {
		t.Errorf("response = %+v", res.Response)
	}
	if len(smart.calls) != 1 {
		t.Fatalf("smart calls = %d", len(smart.calls))
	}
	// The retry starts clean, not from the standard tier's transcript.
	if len(smart.calls[0].Messages) != 2 {
		t.Errorf("smart transcript length = %d", len(smart.calls[0].Messages))
	}
}

// TestDispatcherSmartRetrySkipped verifies the retry stays off when the
// wake's mask disallows it, when confidence is fine, or without a tier.
func TestDispatcherSmartRetrySkipped(t *testing.T) {
	lowReply := `{"type":"respond","text":"um","confidence":0.3}`

	t.Run("mask disallows", func(t *testing.T) {
		gen := &scriptedGen{replies: []*Reply{finalReply(lowReply)}}
		smart := &scriptedGen{replies: []*Reply{finalReply(`{"type":"respond","text":"no","confidence":1}`)}}
		d := NewDispatcher(gen, smart, NewToolRegistry(), DefaultConfig())

		res, err := d.Process(context.Background(), testSnapshot(), false)
		if err != nil {
			t.Fatal(err)
		}
		if res.UsedSmartRetry || len(smart.calls) != 0 {
			t.Errorf("retry ran: usedSmart=%v calls=%d", res.UsedSmartRetry, len(smart.calls))
		}
		if res.Confidence != 0.3 {
			t.Errorf("confidence = %v", res.Confidence)
		}
	})

	t.Run("confidence above threshold", func(t *testing.T) {
		gen := &scriptedGen{replies: []*Reply{finalReply(`{"type":"no_action","confidence":0.85}`)}}
		smart := &scriptedGen{}
		d := NewDispatcher(gen, smart, NewToolRegistry(), DefaultConfig())

		res, err := d.Process(context.Background(), testSnapshot(), true)
		if err != nil {
			t.Fatal(err)
		}
		if res.UsedSmartRetry || len(smart.calls) != 0 {
			t.Error("retry ran despite confident verdict")
		}
	})

	t.Run("no smart tier", func(t *testing.T) {
		gen := &scriptedGen{replies: []*Reply{finalReply(lowReply)}}
		d := NewDispatcher(gen, nil, NewToolRegistry(), DefaultConfig())

		res, err := d.Process(context.Background(), testSnapshot(), true)
		if err != nil {
			t.Fatal(err)
		}
		if res.UsedSmartRetry {
			t.Error("usedSmartRetry without a smart tier")
		}
	})
}

// TestDispatcherSmartRetryMalformed verifies a malformed retry keeps the
// standard tier's verdict, and that a malformed first pass is itself
// retried.
func TestDispatcherSmartRetryMalformed(t *testing.T) {
	t.Run("retry malformed keeps first", func(t *testing.T) {
		gen := &scriptedGen{replies: []*Reply{
			finalReply(`{"type":"respond","text":"tentative","confidence":0.4}`),
		}}
		smart := &scriptedGen{replies: []*Reply{{Content: "no tool call"}}}
		d := NewDispatcher(gen, smart, NewToolRegistry(), DefaultConfig())

		res, err := d.Process(context.Background(), testSnapshot(userTrigger("discord:9", time.Now())), true)
		if err != nil {
			t.Fatal(err)
		}
		if !res.UsedSmartRetry {
			t.Error("retry attempt not reported")
		}
		if res.Response == nil || res.Response.Text != "tentative" || res.Confidence != 0.4 {
			t.Errorf("first verdict lost: %+v", res)
		}
	})

	t.Run("malformed first pass retried", func(t *testing.T) {
		gen := &scriptedGen{replies: []*Reply{{Content: "rambling"}}}
		smart := &scriptedGen{replies: []*Reply{
			finalReply(`{"type":"no_action","reason":"all quiet","confidence":0.9}`),
		}}
		d := NewDispatcher(gen, smart, NewToolRegistry(), DefaultConfig())

		res, err := d.Process(context.Background(), testSnapshot(driveTrigger(types.SignalContactPressure, "core-agent", 0.6)), true)
		if err != nil {
			t.Fatal(err)
		}
		if !res.UsedSmartRetry || res.Confidence != 0.9 {
			t.Errorf("usedSmart=%v confidence=%v", res.UsedSmartRetry, res.Confidence)
		}
		if len(res.Intents) != 1 || res.Intents[0].Kind != types.IntentAckSignal {
			t.Errorf("intents = %+v", res.Intents)
		}
	})
}

// TestDispatcherRoundBudget verifies the loop gives up after the
// configured rounds when the model never calls the terminal tool.
func TestDispatcherRoundBudget(t *testing.T) {
	reg := NewToolRegistry()
	if err := reg.Register(echoTool("echo")); err != nil {
		t.Fatal(err)
	}
	gen := &scriptedGen{replies: []*Reply{
		toolCallReply("echo", `{"text":"again"}`),
	}}
	cfg := DefaultConfig()
	cfg.MaxToolRounds = 2
	cfg.EnableSmartRetry = false
	d := NewDispatcher(gen, nil, reg, cfg)

	res, err := d.Process(context.Background(), testSnapshot(), false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != nil || res.Confidence != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(gen.calls) != 2 {
		t.Errorf("generator calls = %d", len(gen.calls))
	}
}

// TestDispatcherToolErrorFedBack verifies a failing tool call becomes an
// error message in the transcript instead of aborting the loop.
func TestDispatcherToolErrorFedBack(t *testing.T) {
	gen := &scriptedGen{replies: []*Reply{
		toolCallReply("bogus", `{}`),
		finalReply(`{"type":"no_action","reason":"tool broken","confidence":0.7}`),
	}}
	d := NewDispatcher(gen, nil, NewToolRegistry(), DefaultConfig())

	res, err := d.Process(context.Background(), testSnapshot(), false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Confidence != 0.7 {
		t.Errorf("confidence = %v", res.Confidence)
	}
	second := gen.calls[1].Messages
	last := second[len(second)-1]
	if last.Role != "tool" || !strings.HasPrefix(last.Content, "error: ") {
		t.Errorf("tool turn = %+v", last)
	}
}

// TestDefaultRecipient verifies the newest user-message trigger wins.
func TestDefaultRecipient(t *testing.T) {
	old := userTrigger("discord:old", time.Now().Add(-time.Hour))
	recent := userTrigger("discord:new", time.Now())
	if got := defaultRecipient([]*types.Signal{old, recent}); got != "discord:new" {
		t.Errorf("recipient = %q", got)
	}
	if got := defaultRecipient([]*types.Signal{driveTrigger(types.SignalContactPressure, "x", 0.5)}); got != "" {
		t.Errorf("recipient without user message = %q", got)
	}
}

// TestPrimaryRecipientFallback covers proactive wakes: no trigger names
// a sender, so the response goes to the configured primary contact.
func TestPrimaryRecipientFallback(t *testing.T) {
	gen := &scriptedGen{replies: []*Reply{
		finalReply(`{"type":"respond","text":"thinking of you","confidence":0.8}`),
	}}
	d := NewDispatcher(gen, nil, NewToolRegistry(), DefaultConfig())

	snap := testSnapshot(driveTrigger(types.SignalContactPressure, "autonomic", 0.6))
	snap.WakeReason = "contact_pressure"
	snap.PrimaryRecipient = "rcpt_11aabb22ccdd3344"

	result, err := d.Process(context.Background(), snap, false)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Response == nil || result.Response.RecipientID != "rcpt_11aabb22ccdd3344" {
		t.Fatalf("response = %+v, want primary recipient", result.Response)
	}
}
