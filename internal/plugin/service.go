package plugin

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/types"
)

// DefaultMaxFiresPerTick bounds how many schedule fires one tick will
// process across all plugins; the rest wait for the next tick.
const DefaultMaxFiresPerTick = 10

// pluginEventTTL is the lifetime of signals emitted for fired
// schedules.
const pluginEventTTL = 60 * time.Second

type registration struct {
	scheduler *Scheduler
	handler   EventHandler // nil when the module doesn't take events
}

// SchedulerService drives every plugin's schedule book from the core
// tick. Registration changes queue until the next tick boundary so a
// tick never sees a half-changed roster.
type SchedulerService struct {
	mu         sync.Mutex
	regs       map[string]*registration
	order      []string
	paused     map[string]bool
	unregister map[string]bool
	maxFires   int
	push       func(*types.Signal)
}

// NewSchedulerService creates the service. maxFires <= 0 selects the
// default.
func NewSchedulerService(maxFires int) *SchedulerService {
	if maxFires <= 0 {
		maxFires = DefaultMaxFiresPerTick
	}
	return &SchedulerService{
		regs:       make(map[string]*registration),
		paused:     make(map[string]bool),
		unregister: make(map[string]bool),
		maxFires:   maxFires,
	}
}

// SetSignalSink wires where fired-schedule signals go. Without a sink
// fires are still marked, just not announced.
func (s *SchedulerService) SetSignalSink(push func(*types.Signal)) {
	s.mu.Lock()
	s.push = push
	s.mu.Unlock()
}

// Register adds or replaces a plugin's schedule book. Registering
// cancels any pending unregister for the same plugin.
func (s *SchedulerService) Register(pluginID string, sched *Scheduler, handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.unregister, pluginID)
	if _, exists := s.regs[pluginID]; !exists {
		s.order = append(s.order, pluginID)
	}
	s.regs[pluginID] = &registration{scheduler: sched, handler: handler}
	logging.Debug("scheduler", "registered %s", pluginID)
}

// QueueUnregister marks a plugin for removal at the next tick boundary.
func (s *SchedulerService) QueueUnregister(pluginID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regs[pluginID]; ok {
		s.unregister[pluginID] = true
	}
}

// ApplyPendingChanges removes queued unregistrations. Called at tick
// start; failures here only log, they never break the tick.
func (s *SchedulerService) ApplyPendingChanges() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for pluginID := range s.unregister {
		delete(s.regs, pluginID)
		delete(s.paused, pluginID)
		for i, id := range s.order {
			if id == pluginID {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		logging.Debug("scheduler", "unregistered %s", pluginID)
	}
	s.unregister = make(map[string]bool)
}

// Pause stops a plugin's schedules from firing; entries stay due and
// fire once resumed.
func (s *SchedulerService) Pause(pluginID string) {
	s.mu.Lock()
	s.paused[pluginID] = true
	s.mu.Unlock()
	logging.Info("scheduler", "paused %s", pluginID)
}

// Resume re-enables a paused plugin.
func (s *SchedulerService) Resume(pluginID string) {
	s.mu.Lock()
	delete(s.paused, pluginID)
	s.mu.Unlock()
	logging.Info("scheduler", "resumed %s", pluginID)
}

// Paused reports whether the plugin is paused.
func (s *SchedulerService) Paused(pluginID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused[pluginID]
}

// Schedules returns one plugin's entries.
func (s *SchedulerService) Schedules(pluginID string) ([]ScheduleEntry, bool) {
	s.mu.Lock()
	reg, ok := s.regs[pluginID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return reg.scheduler.List(), true
}

// AllSchedules returns every registered plugin's entries.
func (s *SchedulerService) AllSchedules() map[string][]ScheduleEntry {
	s.mu.Lock()
	regs := make(map[string]*registration, len(s.regs))
	for id, reg := range s.regs {
		regs[id] = reg
	}
	s.mu.Unlock()

	out := make(map[string][]ScheduleEntry, len(regs))
	for id, reg := range regs {
		out[id] = reg.scheduler.List()
	}
	return out
}

// Tick fires due schedules across all unpaused plugins, at most
// maxFires in total. Each fire is marked in the schedule book before
// its signal is emitted, so a crash in between loses the emission
// instead of repeating it.
func (s *SchedulerService) Tick(ctx context.Context, now time.Time, correlationID string) int {
	s.mu.Lock()
	order := make([]string, len(s.order))
	copy(order, s.order)
	regs := make(map[string]*registration, len(s.regs))
	for id, reg := range s.regs {
		regs[id] = reg
	}
	paused := make(map[string]bool, len(s.paused))
	for id := range s.paused {
		paused[id] = true
	}
	push := s.push
	s.mu.Unlock()

	fired := 0
	for _, pluginID := range order {
		if paused[pluginID] {
			continue
		}
		reg := regs[pluginID]
		if reg == nil {
			continue
		}

		for _, due := range reg.scheduler.CheckDue(now) {
			if fired >= s.maxFires {
				logging.Debug("scheduler", "fire budget reached, deferring remaining schedules to next tick")
				return fired
			}

			if err := reg.scheduler.MarkFired(due.Entry.ID, due.FireID, now); err != nil {
				logging.Error("scheduler", "%s: failed to mark %s fired, dropping emission: %v",
					pluginID, due.Entry.ID, err)
				continue
			}

			if push != nil {
				push(fireSignal(pluginID, due, now, correlationID))
			}
			if reg.handler != nil {
				ev := Event{
					Kind:       due.Entry.Kind,
					Payload:    due.Entry.Data,
					ScheduleID: due.Entry.ID,
					FireID:     due.FireID,
					FiredAt:    now,
				}
				if err := reg.handler.OnEvent(ctx, ev); err != nil {
					logging.Error("scheduler", "%s: onEvent for %s failed: %v", pluginID, due.Entry.ID, err)
				}
			}
			fired++
		}
	}
	return fired
}

// fireSignal builds the pipeline signal for one fired schedule.
func fireSignal(pluginID string, due Due, now time.Time, correlationID string) *types.Signal {
	payload := make(map[string]any, len(due.Entry.Data)+2)
	for k, v := range due.Entry.Data {
		payload[k] = v
	}
	payload["scheduleId"] = due.Entry.ID
	payload["fireId"] = due.FireID

	return &types.Signal{
		ID:            uuid.NewString(),
		Type:          types.SignalPluginEvent,
		Source:        "plugin." + pluginID,
		Timestamp:     now,
		Priority:      types.PriorityNormal,
		CorrelationID: correlationID,
		ExpiresAt:     now.Add(pluginEventTTL),
		Metrics:       types.SignalMetrics{Value: 1, Confidence: 1},
		Data: types.SignalData{
			Kind:    due.Entry.Kind,
			Payload: payload,
		},
	}
}
