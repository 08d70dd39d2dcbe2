package core

import (
	"testing"
	"time"

	"github.com/vthunder/medulla/internal/types"
)

func TestTranslateUserMessage(t *testing.T) {
	before := time.Now().UTC()
	ev := &types.Event{
		Source:   types.SourceCommunication,
		Channel:  "discord",
		Type:     types.SignalUserMessage,
		Priority: types.PriorityHigh,
		Payload:  map[string]any{"text": "hello", "recipientId": "discord:42"},
	}

	sig := Translate(ev)

	if sig.Type != types.SignalUserMessage {
		t.Fatalf("type = %q, want %q", sig.Type, types.SignalUserMessage)
	}
	if sig.Source != "discord" {
		t.Errorf("source = %q, want discord", sig.Source)
	}
	if sig.Priority != types.PriorityHigh {
		t.Errorf("priority = %v, want %v", sig.Priority, types.PriorityHigh)
	}
	if sig.ID == "" || sig.Timestamp.IsZero() {
		t.Errorf("id/timestamp not filled: %q / %v", sig.ID, sig.Timestamp)
	}
	if got := sig.Data.Payload["text"]; got != "hello" {
		t.Errorf("payload text = %v, want hello", got)
	}
	if got := sig.Data.Payload["recipientId"]; got != "discord:42" {
		t.Errorf("payload recipientId = %v", got)
	}
	// Messages outlive the default signal lifetime so a backlog cannot
	// expire them before cognition sees them.
	if min := before.Add(4 * time.Minute); sig.ExpiresAt.Before(min) {
		t.Errorf("expiresAt = %v, want after %v", sig.ExpiresAt, min)
	}
}

func TestTranslateKinds(t *testing.T) {
	tests := []struct {
		name       string
		event      *types.Event
		wantType   string
		wantSource string
		wantKind   string
	}{
		{
			name:       "reaction keeps channel source",
			event:      &types.Event{Source: types.SourceCommunication, Channel: "discord", Type: types.SignalReaction},
			wantType:   types.SignalReaction,
			wantSource: "discord",
		},
		{
			name: "user message without channel",
			event: &types.Event{Source: types.SourceCommunication, Type: types.SignalUserMessage,
				Payload: map[string]any{"text": "hi"}},
			wantType:   types.SignalUserMessage,
			wantSource: types.SourceCommunication,
		},
		{
			name: "plugin event namespaced by owner",
			event: &types.Event{Source: types.SourcePlugin, Type: "schedule_fired",
				Payload: map[string]any{"kind": "com.example.fx:price_moved"}},
			wantType:   types.SignalPluginEvent,
			wantSource: "plugin.com.example.fx",
			wantKind:   "com.example.fx:price_moved",
		},
		{
			name:       "plugin event without kind",
			event:      &types.Event{Source: types.SourcePlugin, Type: "schedule_fired"},
			wantType:   types.SignalPluginEvent,
			wantSource: types.SourcePlugin,
		},
		{
			name:       "anything else becomes an external event",
			event:      &types.Event{Source: types.SourceSystem, Type: "disk_low"},
			wantType:   types.SignalExternalEvent,
			wantSource: types.SourceSystem,
			wantKind:   "system:disk_low",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := Translate(tt.event)
			if sig.Type != tt.wantType {
				t.Errorf("type = %q, want %q", sig.Type, tt.wantType)
			}
			if sig.Source != tt.wantSource {
				t.Errorf("source = %q, want %q", sig.Source, tt.wantSource)
			}
			if sig.Data.Kind != tt.wantKind {
				t.Errorf("data kind = %q, want %q", sig.Data.Kind, tt.wantKind)
			}
		})
	}
}

func TestTranslateValueOverride(t *testing.T) {
	ev := &types.Event{
		Source:  types.SourceSystem,
		Type:    "cpu_temp",
		Payload: map[string]any{"value": 0.42},
	}
	sig := Translate(ev)
	if sig.Metrics.Value != 0.42 {
		t.Errorf("value = %v, want 0.42", sig.Metrics.Value)
	}

	// Without an explicit value the signal reads as a full-strength
	// occurrence.
	plain := Translate(&types.Event{Source: types.SourceSystem, Type: "ping"})
	if plain.Metrics.Value != 1 || plain.Metrics.Confidence != 1 {
		t.Errorf("defaults = %v/%v, want 1/1", plain.Metrics.Value, plain.Metrics.Confidence)
	}
}

func TestTranslateBurstMeta(t *testing.T) {
	first := time.Now().UTC().Add(-30 * time.Second).Format(time.RFC3339)
	ev := &types.Event{
		Source:  types.SourceCommunication,
		Channel: "discord",
		Type:    types.SignalUserMessage,
		Payload: map[string]any{"text": "spam"},
		Meta:    map[string]any{"aggregatedCount": 4, "firstOccurrence": first},
	}

	sig := Translate(ev)
	if got := sig.Data.Payload["aggregatedCount"]; got != 4 {
		t.Errorf("aggregatedCount = %v, want 4", got)
	}
	if got := sig.Data.Payload["firstOccurrence"]; got != first {
		t.Errorf("firstOccurrence = %v, want %v", got, first)
	}
	// The original event payload must not be mutated.
	if _, ok := ev.Payload["aggregatedCount"]; ok {
		t.Error("translate mutated the event payload")
	}
}

func TestTranslateDefaults(t *testing.T) {
	sig := Translate(&types.Event{Source: types.SourceSystem, Type: "x", Priority: types.Priority(99)})
	if sig.Priority != types.PriorityNormal {
		t.Errorf("priority = %v, want normal", sig.Priority)
	}
	if sig.Timestamp.IsZero() {
		t.Error("timestamp not defaulted")
	}
	if sig.ExpiresAt.IsZero() {
		t.Error("expiry not set")
	}
}
