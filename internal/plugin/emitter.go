package plugin

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/types"
)

// WarnSignalsPerMinute is where the emitter starts complaining about a
// chatty plugin when it carries no hard limit of its own.
const WarnSignalsPerMinute = 120

// Emitter lets a plugin push signals into the pipeline, namespaced and
// rate limited. Signals emitted between ticks pick up the correlation
// id of the tick that processes them.
type Emitter struct {
	pluginID string
	limit    int // per minute; 0 = unlimited
	push     func(*types.Signal)

	mu          sync.Mutex
	windowStart time.Time
	count       int
	warned      bool
}

// NewEmitter creates an emitter for pluginID. push may be nil, in
// which case emissions validate and count but go nowhere.
func NewEmitter(pluginID string, limit int, push func(*types.Signal)) *Emitter {
	return &Emitter{
		pluginID: pluginID,
		limit:    limit,
		push:     push,
	}
}

// Emit validates and pushes one plugin event signal. The kind must be
// namespaced under this plugin's id.
func (e *Emitter) Emit(kind string, payload map[string]any) error {
	if KindOwner(kind) != e.pluginID {
		return fmt.Errorf("%w: event kind %q not owned by %s", ErrValidationFailed, kind, e.pluginID)
	}

	warnAt := e.limit
	if warnAt <= 0 {
		warnAt = WarnSignalsPerMinute
	}

	now := time.Now().UTC()
	e.mu.Lock()
	if now.Sub(e.windowStart) >= time.Minute {
		e.windowStart = now
		e.count = 0
		e.warned = false
	}
	e.count++
	count := e.count
	warnNow := false
	if count >= warnAt && !e.warned {
		e.warned = true
		warnNow = true
	}
	e.mu.Unlock()

	if warnNow {
		logging.Warn("plugin", "%s emitted %d signals this minute", e.pluginID, count)
	}
	if e.limit > 0 && count > e.limit {
		return fmt.Errorf("%w: %s exceeded %d signals per minute", ErrRateLimited, e.pluginID, e.limit)
	}

	sig := &types.Signal{
		ID:        uuid.NewString(),
		Type:      types.SignalPluginEvent,
		Source:    "plugin." + e.pluginID,
		Timestamp: now,
		Priority:  types.PriorityNormal,
		ExpiresAt: now.Add(pluginEventTTL),
		Metrics:   types.SignalMetrics{Value: 1, Confidence: 1},
		Data: types.SignalData{
			Kind:    kind,
			Payload: payload,
		},
	}
	if e.push == nil {
		logging.Debug("plugin", "%s emitted %s with no sink wired", e.pluginID, kind)
		return nil
	}
	e.push(sig)
	return nil
}
