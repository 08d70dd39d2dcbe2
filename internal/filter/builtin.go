package filter

import (
	"strings"
	"time"

	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/types"
)

// ExpiryFilter drops signals whose TTL lapsed while they waited in the
// queue or mailbox. Runs first so later filters never see stale input.
type ExpiryFilter struct{}

func NewExpiryFilter() *ExpiryFilter { return &ExpiryFilter{} }

func (f *ExpiryFilter) ID() string        { return "core.expiry" }
func (f *ExpiryFilter) Handles() []string { return nil }

func (f *ExpiryFilter) Process(signals []*types.Signal, ctx *Context) []*types.Signal {
	kept := make([]*types.Signal, 0, len(signals))
	for _, sig := range signals {
		if sig.IsExpired(ctx.Now) {
			logging.Debug("filter", "dropped expired %s from %s (age %s)",
				sig.Type, sig.Source, ctx.Now.Sub(sig.Timestamp).Round(time.Second))
			continue
		}
		kept = append(kept, sig)
	}
	return kept
}

// NormalizeFilter cleans signals up before anything downstream reads
// them: fills zero timestamps and confidences, clamps confidence into
// [0,1], and trims payload text.
type NormalizeFilter struct{}

func NewNormalizeFilter() *NormalizeFilter { return &NormalizeFilter{} }

func (f *NormalizeFilter) ID() string        { return "core.normalize" }
func (f *NormalizeFilter) Handles() []string { return nil }

func (f *NormalizeFilter) Process(signals []*types.Signal, ctx *Context) []*types.Signal {
	for _, sig := range signals {
		if sig.Timestamp.IsZero() {
			sig.Timestamp = ctx.Now
		}
		switch {
		case sig.Metrics.Confidence == 0:
			sig.Metrics.Confidence = 1
		case sig.Metrics.Confidence < 0:
			sig.Metrics.Confidence = 0
		case sig.Metrics.Confidence > 1:
			sig.Metrics.Confidence = 1
		}
		if text, ok := sig.Data.Payload["text"].(string); ok {
			sig.Data.Payload["text"] = strings.TrimSpace(text)
		}
	}
	return signals
}

// DedupeFilter collapses identical signals arriving in one batch into
// the earliest record, the same way the queue collapses event bursts.
// The survivor keeps the highest value and the latest expiry; the
// merged total rides in payload["aggregatedCount"].
type DedupeFilter struct{}

func NewDedupeFilter() *DedupeFilter { return &DedupeFilter{} }

func (f *DedupeFilter) ID() string        { return "core.dedupe" }
func (f *DedupeFilter) Handles() []string { return nil }

func (f *DedupeFilter) Process(signals []*types.Signal, ctx *Context) []*types.Signal {
	if len(signals) < 2 {
		return signals
	}

	seen := make(map[string]*types.Signal, len(signals))
	kept := make([]*types.Signal, 0, len(signals))
	for _, sig := range signals {
		key := dedupeKey(sig)
		survivor, ok := seen[key]
		if !ok {
			seen[key] = sig
			kept = append(kept, sig)
			continue
		}
		mergeDuplicate(survivor, sig)
	}
	return kept
}

func dedupeKey(sig *types.Signal) string {
	text, _ := sig.Data.Payload["text"].(string)
	return strings.Join([]string{sig.Type, sig.Source, sig.Channel, sig.Data.Kind, text}, "\x00")
}

func mergeDuplicate(survivor, dup *types.Signal) {
	if survivor.Data.Payload == nil {
		survivor.Data.Payload = make(map[string]any)
	}
	survivor.Data.Payload["aggregatedCount"] = signalCount(survivor) + signalCount(dup)
	if _, ok := survivor.Data.Payload["firstOccurrence"]; !ok {
		survivor.Data.Payload["firstOccurrence"] = survivor.Timestamp
	}
	if dup.Metrics.Value > survivor.Metrics.Value {
		survivor.Metrics.Value = dup.Metrics.Value
	}
	if dup.ExpiresAt.After(survivor.ExpiresAt) {
		survivor.ExpiresAt = dup.ExpiresAt
	}
}

// signalCount returns how many original signals a record represents.
func signalCount(sig *types.Signal) int {
	if sig.Data.Payload == nil {
		return 1
	}
	switch c := sig.Data.Payload["aggregatedCount"].(type) {
	case int:
		if c > 0 {
			return c
		}
	case float64:
		if c > 0 {
			return int(c)
		}
	}
	return 1
}
