package filter

import (
	"strings"
	"sync"

	"github.com/tsawler/prose/v3"

	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/types"
)

const (
	// noveltyAlpha weights entity density against divergence from
	// recent messages when scoring novelty.
	noveltyAlpha = 0.5

	// noveltyHistory bounds the sliding window of recent entity sets.
	noveltyHistory = 10

	// noveltyBoost caps how far novelty can raise a signal's value.
	noveltyBoost = 0.2
)

// Entity is one named thing found in a message.
type Entity struct {
	Text  string `json:"text"`
	Label string `json:"label"`
}

// Extractor names entities in free text. The default runs the prose
// NLP pipeline; tests substitute something deterministic.
type Extractor interface {
	Entities(text string) []Entity
}

// EnrichFilter annotates user messages with named entities and a
// novelty score. Entities land in payload["entities"]; the score
// blends entity density with how many of those entities are new
// relative to recent messages, rides in payload["novelty"], and
// nudges the signal's value so novel messages carry more weight
// through aggregation.
type EnrichFilter struct {
	extractor Extractor

	mu     sync.Mutex
	recent []map[string]struct{} // lowercased entity sets, oldest first
}

// NewEnrichFilter creates the enrichment filter. A nil extractor
// selects the prose pipeline.
func NewEnrichFilter(ex Extractor) *EnrichFilter {
	if ex == nil {
		ex = proseExtractor{}
	}
	return &EnrichFilter{extractor: ex}
}

func (f *EnrichFilter) ID() string        { return "core.enrich" }
func (f *EnrichFilter) Handles() []string { return []string{types.SignalUserMessage} }

func (f *EnrichFilter) Process(signals []*types.Signal, ctx *Context) []*types.Signal {
	for _, sig := range signals {
		if sig.Type != types.SignalUserMessage {
			continue
		}
		text, _ := sig.Data.Payload["text"].(string)
		if strings.TrimSpace(text) == "" {
			continue
		}

		entities := f.extractor.Entities(text)
		novelty := f.score(entities, len(strings.Fields(text)))

		if sig.Data.Payload == nil {
			sig.Data.Payload = make(map[string]any)
		}
		if len(entities) > 0 {
			sig.Data.Payload["entities"] = entities
		}
		sig.Data.Payload["novelty"] = novelty

		sig.Metrics.Value += noveltyBoost * novelty
		if sig.Metrics.Value > 1 {
			sig.Metrics.Value = 1
		}
	}
	return signals
}

// score blends entity density with divergence from the recent window.
// Messages naming nothing score a neutral divergence; first mention of
// an entity is maximally divergent.
func (f *EnrichFilter) score(entities []Entity, words int) float64 {
	density := 0.0
	if words > 0 {
		density = float64(len(entities)) / float64(words)
		if density > 1 {
			density = 1
		}
	}

	set := make(map[string]struct{}, len(entities))
	for _, e := range entities {
		set[strings.ToLower(e.Text)] = struct{}{}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	divergence := 0.5
	if len(set) > 0 {
		divergence = 1.0
		if len(f.recent) > 0 {
			known := 0
			for name := range set {
				for _, old := range f.recent {
					if _, ok := old[name]; ok {
						known++
						break
					}
				}
			}
			divergence = 1 - float64(known)/float64(len(set))
		}
		f.recent = append(f.recent, set)
		if len(f.recent) > noveltyHistory {
			f.recent = f.recent[1:]
		}
	}

	return noveltyAlpha*density + (1-noveltyAlpha)*divergence
}

type proseExtractor struct{}

func (proseExtractor) Entities(text string) []Entity {
	doc, err := prose.NewDocument(text)
	if err != nil {
		logging.Debug("filter", "entity extraction failed: %v", err)
		return nil
	}
	var out []Entity
	for _, ent := range doc.Entities() {
		out = append(out, Entity{Text: ent.Text, Label: ent.Label})
	}
	return out
}
