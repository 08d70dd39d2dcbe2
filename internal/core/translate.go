package core

import (
	"time"

	"github.com/google/uuid"

	"github.com/vthunder/medulla/internal/plugin"
	"github.com/vthunder/medulla/internal/types"
)

// Signal lifetimes by stimulus class. User messages must survive long
// enough to wake cognition even under a queue backlog.
const (
	messageTTL = 5 * time.Minute
	defaultTTL = time.Minute
)

// Translate maps one drained queue event onto the signal the pipeline
// runs on. The mapping is deterministic: the same event always yields
// the same signal shape, ids and expiry aside.
func Translate(e *types.Event) *types.Signal {
	now := time.Now().UTC()
	sig := &types.Signal{
		ID:        uuid.NewString(),
		Timestamp: e.Timestamp,
		Channel:   e.Channel,
		Priority:  e.Priority,
		Metrics:   types.SignalMetrics{Value: 1, Confidence: 1},
		ExpiresAt: now.Add(defaultTTL),
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = now
	}
	if !sig.Priority.Valid() {
		sig.Priority = types.PriorityNormal
	}

	payload := clonePayload(e.Payload)
	if v, ok := payload["value"].(float64); ok {
		sig.Metrics.Value = v
	}

	switch {
	case e.Source == types.SourceCommunication && e.Type == types.SignalUserMessage:
		sig.Type = types.SignalUserMessage
		sig.Source = channelOr(e, types.SourceCommunication)
		sig.ExpiresAt = now.Add(messageTTL)
		sig.Data = types.SignalData{Payload: payload}

	case e.Source == types.SourceCommunication && e.Type == types.SignalReaction:
		sig.Type = types.SignalReaction
		sig.Source = channelOr(e, types.SourceCommunication)
		sig.Data = types.SignalData{Payload: payload}

	case e.Source == types.SourcePlugin:
		kind, _ := payload["kind"].(string)
		sig.Type = types.SignalPluginEvent
		if owner := plugin.KindOwner(kind); owner != "" {
			sig.Source = "plugin." + owner
		} else {
			sig.Source = types.SourcePlugin
		}
		sig.Data = types.SignalData{Kind: kind, Payload: payload}

	default:
		sig.Type = types.SignalExternalEvent
		sig.Source = e.Source
		sig.Data = types.SignalData{Kind: e.Source + ":" + e.Type, Payload: payload}
	}

	// A collapsed burst keeps its count so cognition sees the volume.
	if e.Meta != nil {
		if sig.Data.Payload == nil {
			sig.Data.Payload = make(map[string]any)
		}
		if v, ok := e.Meta["aggregatedCount"]; ok {
			sig.Data.Payload["aggregatedCount"] = v
		}
		if v, ok := e.Meta["firstOccurrence"]; ok {
			sig.Data.Payload["firstOccurrence"] = v
		}
	}
	return sig
}

func channelOr(e *types.Event, fallback string) string {
	if e.Channel != "" {
		return e.Channel
	}
	return fallback
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
