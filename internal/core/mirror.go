package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/plugin"
	"github.com/vthunder/medulla/internal/storage"
	"github.com/vthunder/medulla/internal/stress"
	"github.com/vthunder/medulla/internal/types"
)

// StateKey is where the loop mirrors its snapshot in the shared store.
const StateKey = "core:state"

// InboxPrefix is where external processes drop events for the loop to
// pick up at the next tick.
const InboxPrefix = "mcp:inbox:"

// Mirror is the per-tick snapshot other processes read instead of
// sharing memory with the loop.
type Mirror struct {
	State         types.AgentState `json:"state"`
	Stress        stress.Status    `json:"stress"`
	QueueSizes    map[string]int   `json:"queueSizes"`
	Plugins       []plugin.Info    `json:"plugins"`
	Tick          uint64           `json:"tick"`
	CorrelationID string           `json:"correlationId"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// ReadMirror loads the last written snapshot.
func ReadMirror(store storage.Store) (*Mirror, bool, error) {
	raw, ok, err := store.Get(StateKey)
	if err != nil || !ok {
		return nil, false, err
	}
	var m Mirror
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false, fmt.Errorf("failed to decode state mirror: %w", err)
	}
	return &m, true, nil
}

// InjectEvent queues an event for the loop from another process. The
// loop drains the inbox at the start of each tick.
func InjectEvent(store storage.Store, ev *types.Event) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if !ev.Priority.Valid() {
		ev.Priority = types.PriorityNormal
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}
	key := InboxPrefix + ev.ID
	if err := store.Set(key, raw); err != nil {
		return "", fmt.Errorf("failed to queue event: %w", err)
	}
	return ev.ID, nil
}

// writeMirror publishes this tick's snapshot.
func (l *Loop) writeMirror(now time.Time, correlationID string) {
	if l.deps.Store == nil {
		return
	}

	m := Mirror{
		State:         *l.state,
		QueueSizes:    make(map[string]int),
		Tick:          l.tickSeq,
		CorrelationID: correlationID,
		UpdatedAt:     now,
	}
	for p, n := range l.deps.Queue.SizeByPriority() {
		m.QueueSizes[p.String()] = n
	}
	if l.deps.Stress != nil {
		m.Stress = l.deps.Stress.Snapshot()
	}
	if l.deps.Loader != nil {
		m.Plugins = l.deps.Loader.Infos()
	}

	raw, err := json.Marshal(m)
	if err != nil {
		logging.Error("core", "failed to encode state mirror: %v", err)
		return
	}
	if err := l.deps.Store.Set(StateKey, raw); err != nil {
		logging.Error("core", "failed to write state mirror: %v", err)
	}
}

// drainInbox moves injected events from the store into the queue.
func (l *Loop) drainInbox() {
	if l.deps.Store == nil {
		return
	}

	keys, err := l.deps.Store.Keys(InboxPrefix)
	if err != nil {
		logging.Error("core", "failed to list inbox: %v", err)
		return
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw, ok, err := l.deps.Store.Get(key)
		if err != nil {
			logging.Error("core", "failed to read %s: %v", key, err)
			continue
		}
		if err := l.deps.Store.Delete(key); err != nil {
			logging.Error("core", "failed to remove %s: %v", key, err)
			continue
		}
		if !ok {
			continue
		}

		var ev types.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			logging.Warn("core", "dropping malformed injected event %s: %v", key, err)
			continue
		}
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		if !ev.Priority.Valid() {
			ev.Priority = types.PriorityNormal
		}
		l.deps.Queue.Push(&ev)
		logging.Debug("core", "picked up injected event %s (%s/%s)", ev.ID, ev.Source, ev.Type)
	}
}
