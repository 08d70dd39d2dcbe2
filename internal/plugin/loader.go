package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vthunder/medulla/internal/autonomic"
	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/storage"
	"github.com/vthunder/medulla/internal/types"
)

// LoaderConfig wires the loader into the host runtime. Store and
// Service are required; the rest are optional hooks.
type LoaderConfig struct {
	Store   storage.Store
	Service *SchedulerService
	Neurons *autonomic.Registry

	// PushSignal is where plugin emitters deliver their signals.
	PushSignal func(*types.Signal)

	// Defaults are the runtime-wide plugin limits; a manifest may
	// lower them for itself but never raise them.
	Defaults    Limits
	WarnPercent float64 // storage warning line, percent of the budget

	// Tool hooks, wired when cognition is present.
	RegisterTool    func(pluginID string, tool ToolSpec) error
	UnregisterTools func(pluginID string)
}

// LoadedPlugin is the loader's record of one active plugin.
type LoadedPlugin struct {
	Module     Module
	Manifest   Manifest
	Primitives *Primitives
	Required   bool
	LoadedAt   time.Time
}

// Info is the externally visible summary of a loaded plugin.
type Info struct {
	ID       string    `json:"id"`
	Version  string    `json:"version"`
	Required bool      `json:"required"`
	LoadedAt time.Time `json:"loadedAt"`
}

type schemaOwner struct {
	pluginID string
	schema   EventSchema
}

// Loader validates, activates and retires plugins. Admin operations
// (Load, Unload, HotSwap) are serialized; lookups are safe from any
// goroutine.
type Loader struct {
	cfg LoaderConfig

	adminMu sync.Mutex // serializes whole admin operations

	mu      sync.RWMutex // guards the maps below
	plugins map[string]*LoadedPlugin
	order   []string
	schemas map[string]*schemaOwner
	neurons map[string][]string // pluginID -> neuron ids it registered
}

// NewLoader creates a loader.
func NewLoader(cfg LoaderConfig) *Loader {
	if cfg.WarnPercent <= 0 {
		cfg.WarnPercent = 80
	}
	return &Loader{
		cfg:     cfg,
		plugins: make(map[string]*LoadedPlugin),
		schemas: make(map[string]*schemaOwner),
		neurons: make(map[string][]string),
	}
}

// Load validates and activates a plugin. A failed activation leaves no
// trace: the plugin's storage namespace and schedule book are cleared.
func (l *Loader) Load(ctx context.Context, m Module) error {
	l.adminMu.Lock()
	defer l.adminMu.Unlock()
	return l.load(ctx, m, false)
}

// LoadRequired loads a plugin and marks it required: it can then be
// neither unloaded nor hot-swapped.
func (l *Loader) LoadRequired(ctx context.Context, m Module) error {
	l.adminMu.Lock()
	defer l.adminMu.Unlock()
	return l.load(ctx, m, true)
}

func (l *Loader) load(ctx context.Context, m Module, required bool) error {
	manifest := m.Manifest()
	if err := manifest.Validate(); err != nil {
		return fmt.Errorf("failed to load %s: %w", manifest.ID, err)
	}

	l.mu.RLock()
	_, exists := l.plugins[manifest.ID]
	depErr := l.checkDepsLocked(&manifest)
	l.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, manifest.ID)
	}
	if depErr != nil {
		return fmt.Errorf("failed to load %s: %w", manifest.ID, depErr)
	}

	prim, err := l.buildPrimitives(manifest.ID, l.effectiveLimits(&manifest))
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", manifest.ID, err)
	}

	if err := m.Activate(ctx, prim); err != nil {
		l.scrub(manifest.ID, prim)
		return fmt.Errorf("%w: %s: %v", ErrActivationFailed, manifest.ID, err)
	}

	handler, _ := m.(EventHandler)
	l.cfg.Service.Register(manifest.ID, prim.Scheduler, handler)

	l.mu.Lock()
	l.plugins[manifest.ID] = &LoadedPlugin{
		Module:     m,
		Manifest:   manifest,
		Primitives: prim,
		Required:   required,
		LoadedAt:   time.Now().UTC(),
	}
	l.order = append(l.order, manifest.ID)
	l.mu.Unlock()

	logging.Info("plugin", "loaded %s v%s", manifest.ID, manifest.Version)
	return nil
}

// Unload deactivates a plugin and retires its hooks. Its stored data
// stays for a future reload; its scheduler is unregistered at the next
// tick boundary.
func (l *Loader) Unload(ctx context.Context, pluginID string) error {
	l.adminMu.Lock()
	defer l.adminMu.Unlock()

	l.mu.RLock()
	p, ok := l.plugins[pluginID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, pluginID)
	}
	if p.Required {
		return fmt.Errorf("%w: %s cannot be unloaded", ErrRequiredPlugin, pluginID)
	}

	if err := p.Module.Deactivate(ctx); err != nil {
		logging.Error("plugin", "%s deactivate failed: %v", pluginID, err)
	}
	l.retireHooks(pluginID)
	l.cfg.Service.QueueUnregister(pluginID)

	l.mu.Lock()
	delete(l.plugins, pluginID)
	l.removeFromOrderLocked(pluginID)
	l.mu.Unlock()

	logging.Info("plugin", "unloaded %s", pluginID)
	return nil
}

// HotSwap replaces a loaded plugin with a new version, carrying state
// across through the new module's migrate hook. A failed migration
// aborts with the old version untouched; a failed activation rolls the
// old version back.
func (l *Loader) HotSwap(ctx context.Context, next Module) error {
	l.adminMu.Lock()
	defer l.adminMu.Unlock()

	manifest := next.Manifest()
	if err := manifest.Validate(); err != nil {
		return fmt.Errorf("failed to swap %s: %w", manifest.ID, err)
	}

	l.mu.RLock()
	old, ok := l.plugins[manifest.ID]
	depErr := l.checkDepsLocked(&manifest)
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, manifest.ID)
	}
	if old.Required {
		return fmt.Errorf("%w: %s cannot be swapped", ErrRequiredPlugin, manifest.ID)
	}
	if depErr != nil {
		return fmt.Errorf("failed to swap %s: %w", manifest.ID, depErr)
	}

	migrator, ok := next.(Migrator)
	if !ok {
		return fmt.Errorf("%w: %s v%s has no migrate hook", ErrValidationFailed, manifest.ID, manifest.Version)
	}

	oldData, err := old.Primitives.Storage.AllData()
	if err != nil {
		return fmt.Errorf("failed to swap %s: %w", manifest.ID, err)
	}
	bundle := MigrationBundle{
		Storage:   oldData,
		Schedules: old.Primitives.Scheduler.MigrationData(),
		Config:    map[string]any{},
	}

	// Migrate before touching anything; a failure here leaves the old
	// version running as if nothing happened.
	migrated, err := migrator.Migrate(old.Manifest.Version, bundle)
	if err != nil {
		return fmt.Errorf("failed to swap %s: migration from v%s: %w", manifest.ID, old.Manifest.Version, err)
	}

	if err := old.Module.Deactivate(ctx); err != nil {
		logging.Error("plugin", "%s deactivate during swap failed: %v", manifest.ID, err)
	}
	l.retireHooks(manifest.ID)

	prim, err := l.buildPrimitives(manifest.ID, l.effectiveLimits(&manifest))
	if err == nil {
		err = prim.Storage.RestoreData(migrated.Storage)
	}
	if err == nil {
		err = prim.Scheduler.Restore(migrated.Schedules)
	}
	if err == nil {
		err = next.Activate(ctx, prim)
	}
	if err != nil {
		if rbErr := l.rollback(ctx, old, bundle); rbErr != nil {
			logging.Error("plugin", "%s rollback failed: %v", manifest.ID, rbErr)
			l.mu.Lock()
			delete(l.plugins, manifest.ID)
			l.removeFromOrderLocked(manifest.ID)
			l.mu.Unlock()
			l.cfg.Service.QueueUnregister(manifest.ID)
			return fmt.Errorf("%w: %s v%s failed and rollback to v%s failed too: %v",
				ErrActivationFailed, manifest.ID, manifest.Version, old.Manifest.Version, err)
		}
		return fmt.Errorf("%w: %s v%s: %v (rolled back to v%s)",
			ErrActivationFailed, manifest.ID, manifest.Version, err, old.Manifest.Version)
	}

	handler, _ := next.(EventHandler)
	l.cfg.Service.Register(manifest.ID, prim.Scheduler, handler)

	l.mu.Lock()
	l.plugins[manifest.ID] = &LoadedPlugin{
		Module:     next,
		Manifest:   manifest,
		Primitives: prim,
		LoadedAt:   time.Now().UTC(),
	}
	l.mu.Unlock()

	logging.Info("plugin", "swapped %s v%s -> v%s", manifest.ID, old.Manifest.Version, manifest.Version)
	return nil
}

// rollback restores the pre-swap bundle and reactivates the old module.
func (l *Loader) rollback(ctx context.Context, old *LoadedPlugin, bundle MigrationBundle) error {
	prim, err := l.buildPrimitives(old.Manifest.ID, l.effectiveLimits(&old.Manifest))
	if err != nil {
		return fmt.Errorf("failed to rebuild primitives: %w", err)
	}
	if err := prim.Storage.RestoreData(bundle.Storage); err != nil {
		return fmt.Errorf("failed to restore storage: %w", err)
	}
	if err := prim.Scheduler.Restore(bundle.Schedules); err != nil {
		return fmt.Errorf("failed to restore schedules: %w", err)
	}
	if err := old.Module.Activate(ctx, prim); err != nil {
		return fmt.Errorf("failed to reactivate v%s: %w", old.Manifest.Version, err)
	}

	handler, _ := old.Module.(EventHandler)
	l.cfg.Service.Register(old.Manifest.ID, prim.Scheduler, handler)

	l.mu.Lock()
	l.plugins[old.Manifest.ID] = &LoadedPlugin{
		Module:     old.Module,
		Manifest:   old.Manifest,
		Primitives: prim,
		Required:   old.Required,
		LoadedAt:   old.LoadedAt,
	}
	l.mu.Unlock()
	return nil
}

// Get returns a loaded plugin.
func (l *Loader) Get(pluginID string) (*LoadedPlugin, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.plugins[pluginID]
	return p, ok
}

// Infos lists loaded plugins in load order.
func (l *Loader) Infos() []Info {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Info, 0, len(l.order))
	for _, id := range l.order {
		p, ok := l.plugins[id]
		if !ok {
			continue
		}
		out = append(out, Info{
			ID:       id,
			Version:  p.Manifest.Version,
			Required: p.Required,
			LoadedAt: p.LoadedAt,
		})
	}
	return out
}

// ValidateEvent checks an event payload against its kind's registered
// schema. Kinds without a schema pass; schemas are opt-in.
func (l *Loader) ValidateEvent(kind string, payload map[string]any) error {
	l.mu.RLock()
	owner, ok := l.schemas[kind]
	l.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := owner.schema.Check(payload); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrValidationFailed, kind, err)
	}
	return nil
}

// DispatchEvent validates a payload and hands it to the owning
// plugin's event handler.
func (l *Loader) DispatchEvent(ctx context.Context, pluginID, kind string, payload map[string]any) error {
	if err := l.ValidateEvent(kind, payload); err != nil {
		return err
	}

	l.mu.RLock()
	p, ok := l.plugins[pluginID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, pluginID)
	}
	handler, ok := p.Module.(EventHandler)
	if !ok {
		return nil
	}
	return handler.OnEvent(ctx, Event{Kind: kind, Payload: payload, FiredAt: time.Now().UTC()})
}

// HealthCheck polls every plugin that self-reports. The map holds nil
// for healthy plugins.
func (l *Loader) HealthCheck(ctx context.Context) map[string]error {
	l.mu.RLock()
	plugins := make(map[string]*LoadedPlugin, len(l.plugins))
	for id, p := range l.plugins {
		plugins[id] = p
	}
	l.mu.RUnlock()

	out := make(map[string]error, len(plugins))
	for id, p := range plugins {
		if hc, ok := p.Module.(HealthChecker); ok {
			out[id] = hc.HealthCheck(ctx)
		} else {
			out[id] = nil
		}
	}
	return out
}

// checkDepsLocked verifies a manifest's dependencies against loaded
// plugins. Caller holds at least a read lock.
func (l *Loader) checkDepsLocked(m *Manifest) error {
	for _, dep := range m.Dependencies {
		loaded, ok := l.plugins[dep.ID]
		if !ok {
			return fmt.Errorf("%w: %s needs %s", ErrDependencyMissing, m.ID, dep.ID)
		}
		in, err := dep.InRange(loaded.Manifest.Version)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDependencyVersion, dep.ID, err)
		}
		if !in {
			max := dep.Max
			if max == "" {
				max = "any"
			}
			return fmt.Errorf("%w: %s v%s outside [%s, %s)", ErrDependencyVersion,
				dep.ID, loaded.Manifest.Version, dep.Min, max)
		}
	}
	return nil
}

// buildPrimitives constructs a plugin's runtime surface.
func (l *Loader) buildPrimitives(pluginID string, lim Limits) (*Primitives, error) {
	st, err := NewStorage(pluginID, l.cfg.Store, lim.MaxStorageMB, l.cfg.WarnPercent)
	if err != nil {
		return nil, err
	}
	sched, err := NewScheduler(pluginID, l.cfg.Store, lim.MaxSchedules)
	if err != nil {
		return nil, err
	}

	svcs := &Services{
		RegisterEventSchema: func(kind string, schema EventSchema) error {
			if KindOwner(kind) != pluginID {
				return fmt.Errorf("%w: event kind %q not owned by %s", ErrValidationFailed, kind, pluginID)
			}
			l.mu.Lock()
			l.schemas[kind] = &schemaOwner{pluginID: pluginID, schema: schema}
			l.mu.Unlock()
			return nil
		},
	}
	if l.cfg.Neurons != nil {
		svcs.RegisterNeuron = func(n autonomic.Neuron) {
			l.cfg.Neurons.RegisterNeuron(n)
			l.mu.Lock()
			l.neurons[pluginID] = append(l.neurons[pluginID], n.ID())
			l.mu.Unlock()
		}
		svcs.UnregisterNeuron = func(id string) {
			l.cfg.Neurons.UnregisterNeuron(id)
			l.mu.Lock()
			ids := l.neurons[pluginID]
			for i, nid := range ids {
				if nid == id {
					l.neurons[pluginID] = append(ids[:i], ids[i+1:]...)
					break
				}
			}
			l.mu.Unlock()
		}
	}
	if l.cfg.RegisterTool != nil {
		svcs.RegisterTool = func(tool ToolSpec) error {
			return l.cfg.RegisterTool(pluginID, tool)
		}
	}

	return &Primitives{
		Storage:   st,
		Scheduler: sched,
		Emitter:   NewEmitter(pluginID, lim.SignalsPerMinute, l.cfg.PushSignal),
		Services:  svcs,
	}, nil
}

// effectiveLimits folds manifest limits into the runtime defaults; a
// manifest can only tighten.
func (l *Loader) effectiveLimits(m *Manifest) Limits {
	lim := l.cfg.Defaults
	if m.Limits.MaxSchedules > 0 && (lim.MaxSchedules <= 0 || m.Limits.MaxSchedules < lim.MaxSchedules) {
		lim.MaxSchedules = m.Limits.MaxSchedules
	}
	if m.Limits.MaxStorageMB > 0 && (lim.MaxStorageMB <= 0 || m.Limits.MaxStorageMB < lim.MaxStorageMB) {
		lim.MaxStorageMB = m.Limits.MaxStorageMB
	}
	if m.Limits.SignalsPerMinute > 0 && (lim.SignalsPerMinute <= 0 || m.Limits.SignalsPerMinute < lim.SignalsPerMinute) {
		lim.SignalsPerMinute = m.Limits.SignalsPerMinute
	}
	return lim
}

// scrub erases a plugin's partial state after a failed activation.
func (l *Loader) scrub(pluginID string, prim *Primitives) {
	if err := prim.Storage.Clear(); err != nil {
		logging.Error("plugin", "failed to clear storage for %s: %v", pluginID, err)
	}
	if err := prim.Scheduler.Clear(); err != nil {
		logging.Error("plugin", "failed to clear schedules for %s: %v", pluginID, err)
	}
	l.retireHooks(pluginID)
}

// retireHooks tears down everything a plugin registered with the host:
// tools, neurons, event schemas.
func (l *Loader) retireHooks(pluginID string) {
	if l.cfg.UnregisterTools != nil {
		l.cfg.UnregisterTools(pluginID)
	}

	l.mu.Lock()
	ids := l.neurons[pluginID]
	delete(l.neurons, pluginID)
	for kind, owner := range l.schemas {
		if owner.pluginID == pluginID {
			delete(l.schemas, kind)
		}
	}
	l.mu.Unlock()

	if l.cfg.Neurons != nil {
		for _, id := range ids {
			l.cfg.Neurons.UnregisterNeuron(id)
		}
	}
}

// removeFromOrderLocked drops an id from the load order. Caller holds
// the write lock.
func (l *Loader) removeFromOrderLocked(pluginID string) {
	for i, id := range l.order {
		if id == pluginID {
			l.order = append(l.order[:i], l.order[i+1:]...)
			return
		}
	}
}
