package plugin

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vthunder/medulla/internal/storage"
	"github.com/vthunder/medulla/internal/types"
)

type handlerFunc func(ctx context.Context, ev Event) error

func (f handlerFunc) OnEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

func oneShot(t *testing.T, sched *Scheduler, fireAt time.Time) string {
	t.Helper()
	id, err := sched.Schedule(ScheduleOptions{FireAt: fireAt})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// TestServiceTickMarksBeforeEmit verifies the fire is committed to the
// schedule book before its signal and handler callback go out.
func TestServiceTickMarksBeforeEmit(t *testing.T) {
	store := storage.NewMemoryStore()
	sched, _ := NewScheduler("com.example.reminder", store, 0)
	now := time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC)
	oneShot(t, sched, now)

	var mu sync.Mutex
	var order []string

	svc := NewSchedulerService(0)
	svc.SetSignalSink(func(sig *types.Signal) {
		mu.Lock()
		defer mu.Unlock()
		// The one-shot must already be gone: marked before emitted.
		if remaining := sched.CheckDue(now); len(remaining) != 0 {
			order = append(order, "signal-before-mark")
			return
		}
		order = append(order, "signal:"+sig.Data.Payload["fireId"].(string))
	})
	svc.Register("com.example.reminder", sched, handlerFunc(func(_ context.Context, ev Event) error {
		mu.Lock()
		order = append(order, "event:"+ev.FireID)
		mu.Unlock()
		return nil
	}))

	fired := svc.Tick(context.Background(), now, "corr-1")
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 {
		t.Fatalf("order = %v", order)
	}
	if order[0] == "signal-before-mark" {
		t.Fatal("signal emitted before the fire was marked")
	}
	sigID := order[0][len("signal:"):]
	evID := order[1][len("event:"):]
	if order[0][:7] != "signal:" || order[1][:6] != "event:" || sigID != evID {
		t.Errorf("order = %v, want signal then event with matching fire id", order)
	}
	if _, ok := svc.Schedules("com.example.reminder"); !ok {
		t.Error("registered plugin not listed")
	}
}

// TestServiceFireSignalShape pins the fields of an emitted fire signal.
func TestServiceFireSignalShape(t *testing.T) {
	store := storage.NewMemoryStore()
	sched, _ := NewScheduler("com.example.reminder", store, 0)
	now := time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC)
	id, err := sched.Schedule(ScheduleOptions{
		FireAt: now,
		Kind:   "com.example.reminder:due",
		Data:   map[string]any{"note": "dentist"},
	})
	if err != nil {
		t.Fatal(err)
	}

	var got *types.Signal
	svc := NewSchedulerService(0)
	svc.SetSignalSink(func(sig *types.Signal) { got = sig })
	svc.Register("com.example.reminder", sched, nil)

	svc.Tick(context.Background(), now, "corr-7")
	if got == nil {
		t.Fatal("no signal emitted")
	}
	if got.Type != types.SignalPluginEvent {
		t.Errorf("type = %q", got.Type)
	}
	if got.Source != "plugin.com.example.reminder" {
		t.Errorf("source = %q", got.Source)
	}
	if got.Priority != types.PriorityNormal {
		t.Errorf("priority = %d", got.Priority)
	}
	if got.CorrelationID != "corr-7" {
		t.Errorf("correlationId = %q", got.CorrelationID)
	}
	if got.Data.Kind != "com.example.reminder:due" {
		t.Errorf("kind = %q", got.Data.Kind)
	}
	if got.Data.Payload["note"] != "dentist" {
		t.Errorf("payload note = %v", got.Data.Payload["note"])
	}
	if got.Data.Payload["scheduleId"] != id {
		t.Errorf("payload scheduleId = %v, want %s", got.Data.Payload["scheduleId"], id)
	}
	if got.Data.Payload["fireId"] == "" {
		t.Error("payload missing fireId")
	}
	if !got.ExpiresAt.Equal(now.Add(pluginEventTTL)) {
		t.Errorf("expiresAt = %s", got.ExpiresAt)
	}
}

// TestServiceFireBudget verifies the per-tick cap defers extra fires to
// the next tick instead of dropping them.
func TestServiceFireBudget(t *testing.T) {
	store := storage.NewMemoryStore()
	sched, _ := NewScheduler("com.example.reminder", store, 0)
	now := time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		oneShot(t, sched, now)
	}

	var fired []string
	svc := NewSchedulerService(2)
	svc.SetSignalSink(func(sig *types.Signal) {
		fired = append(fired, sig.Data.Payload["scheduleId"].(string))
	})
	svc.Register("com.example.reminder", sched, nil)

	if n := svc.Tick(context.Background(), now, "c1"); n != 2 {
		t.Fatalf("first tick fired %d, want 2", n)
	}
	if n := svc.Tick(context.Background(), now, "c2"); n != 1 {
		t.Fatalf("second tick fired %d, want 1", n)
	}
	if len(fired) != 3 {
		t.Fatalf("total fires = %d", len(fired))
	}
	seen := map[string]bool{}
	for _, id := range fired {
		if seen[id] {
			t.Errorf("schedule %s fired twice", id)
		}
		seen[id] = true
	}
}

// TestServicePause verifies paused plugins skip their due schedules and
// fire them once resumed.
func TestServicePause(t *testing.T) {
	store := storage.NewMemoryStore()
	sched, _ := NewScheduler("com.example.reminder", store, 0)
	now := time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC)
	oneShot(t, sched, now)

	count := 0
	svc := NewSchedulerService(0)
	svc.SetSignalSink(func(*types.Signal) { count++ })
	svc.Register("com.example.reminder", sched, nil)

	svc.Pause("com.example.reminder")
	if !svc.Paused("com.example.reminder") {
		t.Fatal("plugin not reported paused")
	}
	if n := svc.Tick(context.Background(), now, "c"); n != 0 || count != 0 {
		t.Fatalf("paused plugin fired: n=%d count=%d", n, count)
	}

	svc.Resume("com.example.reminder")
	if n := svc.Tick(context.Background(), now, "c"); n != 1 || count != 1 {
		t.Fatalf("resumed plugin did not fire: n=%d count=%d", n, count)
	}
}

// TestServiceQueuedUnregister verifies unregistration takes effect at
// the next tick boundary, and re-registering first cancels it.
func TestServiceQueuedUnregister(t *testing.T) {
	store := storage.NewMemoryStore()
	sched, _ := NewScheduler("com.example.reminder", store, 0)
	now := time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC)
	oneShot(t, sched, now)

	count := 0
	svc := NewSchedulerService(0)
	svc.SetSignalSink(func(*types.Signal) { count++ })
	svc.Register("com.example.reminder", sched, nil)

	svc.QueueUnregister("com.example.reminder")
	svc.ApplyPendingChanges()
	if n := svc.Tick(context.Background(), now, "c"); n != 0 || count != 0 {
		t.Fatalf("unregistered plugin fired: n=%d count=%d", n, count)
	}
	if _, ok := svc.Schedules("com.example.reminder"); ok {
		t.Error("unregistered plugin still listed")
	}

	// Re-register before the boundary cancels a queued unregister.
	svc.Register("com.example.reminder", sched, nil)
	svc.QueueUnregister("com.example.reminder")
	svc.Register("com.example.reminder", sched, nil)
	svc.ApplyPendingChanges()
	if n := svc.Tick(context.Background(), now, "c"); n != 1 {
		t.Fatalf("re-registered plugin did not fire: n=%d", n)
	}
}

// TestServiceAllSchedules verifies the cross-plugin snapshot.
func TestServiceAllSchedules(t *testing.T) {
	store := storage.NewMemoryStore()
	now := time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC)

	svc := NewSchedulerService(0)
	for i := 0; i < 2; i++ {
		id := fmt.Sprintf("com.example.p%d", i)
		sched, _ := NewScheduler(id, store, 0)
		oneShot(t, sched, now.Add(time.Duration(i)*time.Hour))
		svc.Register(id, sched, nil)
	}

	all := svc.AllSchedules()
	if len(all) != 2 {
		t.Fatalf("plugins = %d", len(all))
	}
	for id, entries := range all {
		if len(entries) != 1 {
			t.Errorf("%s: %d entries", id, len(entries))
		}
	}
}
