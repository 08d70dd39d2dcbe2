package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vthunder/medulla/internal/types"
)

// DefaultAggregationWindow is how close together events must be to be
// merged by Aggregate.
const DefaultAggregationWindow = 5 * time.Second

// PruneConfig controls Prune behavior.
type PruneConfig struct {
	MaxAge             time.Duration  // events older than this are dropped
	MaxPriorityToDrop  types.Priority // only lanes at or below this urgency are age-pruned
	EmergencyThreshold int            // 0 disables emergency dropping
}

// Queue is a FIFO-within-priority event queue. Pull scans lanes from
// critical downward and returns the first head, so an event is returned
// before any lower-urgency event regardless of arrival order.
type Queue struct {
	mu     sync.RWMutex
	lanes  [types.NumPriorities][]*types.Event
	window time.Duration

	notifyCh chan struct{} // signaled on push, non-blocking
}

// New creates an empty queue with the default aggregation window.
func New() *Queue {
	return NewWithWindow(DefaultAggregationWindow)
}

// NewWithWindow creates an empty queue with a custom aggregation window.
func NewWithWindow(window time.Duration) *Queue {
	return &Queue{
		window:   window,
		notifyCh: make(chan struct{}, 1),
	}
}

// NotifyChannel returns the channel signaled when new events arrive.
func (q *Queue) NotifyChannel() <-chan struct{} {
	return q.notifyCh
}

// Push appends an event to its priority lane. Missing ids and timestamps
// are filled in.
func (q *Queue) Push(e *types.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	p := e.Priority
	if !p.Valid() {
		p = types.PriorityNormal
		e.Priority = p
	}
	q.lanes[p] = append(q.lanes[p], e)

	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
}

// Pull removes and returns the most urgent event, or nil when empty.
func (q *Queue) Pull() *types.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := range q.lanes {
		if len(q.lanes[p]) == 0 {
			continue
		}
		e := q.lanes[p][0]
		q.lanes[p] = q.lanes[p][1:]
		return e
	}
	return nil
}

// Peek returns the most urgent event without removing it, or nil.
func (q *Queue) Peek() *types.Event {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for p := range q.lanes {
		if len(q.lanes[p]) > 0 {
			return q.lanes[p][0]
		}
	}
	return nil
}

// Size returns the total number of queued events.
func (q *Queue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.sizeLocked()
}

func (q *Queue) sizeLocked() int {
	n := 0
	for p := range q.lanes {
		n += len(q.lanes[p])
	}
	return n
}

// SizeByPriority returns the queued count per priority lane.
func (q *Queue) SizeByPriority() map[types.Priority]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	sizes := make(map[types.Priority]int, types.NumPriorities)
	for p := range q.lanes {
		sizes[types.Priority(p)] = len(q.lanes[p])
	}
	return sizes
}

// Aggregate merges events with the same (source, channel, type) whose
// timestamps fall within the aggregation window into the earliest record
// of the group. The survivor carries meta.aggregatedCount and
// meta.firstOccurrence. Returns the number of events removed.
//
// Windows are anchored at the first event of each group, so a second
// call in the same tick removes nothing.
func (q *Queue) Aggregate() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for p := range q.lanes {
		if len(q.lanes[p]) < 2 {
			continue
		}
		removed += q.aggregateLane(p)
	}
	return removed
}

type aggGroup struct {
	survivor *types.Event
	anchor   time.Time // earliest timestamp seen in the group
	count    int
	merged   bool
}

func (q *Queue) aggregateLane(p int) int {
	groups := make(map[string]*aggGroup)
	keep := q.lanes[p][:0]
	removed := 0

	for _, e := range q.lanes[p] {
		key := e.AggregationKey()
		g, ok := groups[key]
		if ok && absDuration(e.Timestamp.Sub(g.anchor)) <= q.window {
			g.count += eventCount(e)
			g.merged = true
			if e.Timestamp.Before(g.anchor) {
				g.anchor = e.Timestamp
			}
			removed++
			continue
		}
		// Start a new group; a prior group for this key fell outside
		// the window and stays as its own record.
		groups[key] = &aggGroup{survivor: e, anchor: e.Timestamp, count: eventCount(e)}
		keep = append(keep, e)
	}

	for _, g := range groups {
		if !g.merged {
			continue
		}
		if g.survivor.Meta == nil {
			g.survivor.Meta = make(map[string]any)
		}
		g.survivor.Meta["aggregatedCount"] = g.count
		g.survivor.Meta["firstOccurrence"] = g.anchor
	}

	q.lanes[p] = keep
	return removed
}

// eventCount returns how many original events a record represents.
func eventCount(e *types.Event) int {
	if e.Meta == nil {
		return 1
	}
	switch c := e.Meta["aggregatedCount"].(type) {
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

// Prune drops stale and excess events. Events older than MaxAge are
// removed from lanes at or below MaxPriorityToDrop urgency. If the queue
// is still larger than EmergencyThreshold, all idle events are dropped,
// then all low events.
func (q *Queue) Prune(cfg PruneConfig) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	if cfg.MaxAge > 0 {
		cutoff := time.Now().Add(-cfg.MaxAge)
		for p := range q.lanes {
			if types.Priority(p) < cfg.MaxPriorityToDrop {
				continue
			}
			keep := q.lanes[p][:0]
			for _, e := range q.lanes[p] {
				if e.Timestamp.Before(cutoff) {
					removed++
					continue
				}
				keep = append(keep, e)
			}
			q.lanes[p] = keep
		}
	}

	if cfg.EmergencyThreshold > 0 && q.sizeLocked() > cfg.EmergencyThreshold {
		for _, p := range []types.Priority{types.PriorityIdle, types.PriorityLow} {
			removed += len(q.lanes[p])
			q.lanes[p] = nil
			if q.sizeLocked() <= cfg.EmergencyThreshold {
				break
			}
		}
	}
	return removed
}

// Clear removes all events.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := range q.lanes {
		q.lanes[p] = nil
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
