package recipient

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/storage"
)

// SnapshotKey is where the registry snapshot lives in the store.
const SnapshotKey = "recipient-registry"

// DefaultSaveDebounce batches mutations into one save.
const DefaultSaveDebounce = 1 * time.Second

// Options configures the persistent registry.
type Options struct {
	Debounce time.Duration // 0 means DefaultSaveDebounce
	Strict   bool          // unreadable snapshot becomes a startup error
}

// PersistentRegistry is a Registry that loads its snapshot at init,
// saves on a debounce after mutations, and flushes synchronously on
// shutdown.
type PersistentRegistry struct {
	*Registry
	store    storage.Store
	debounce time.Duration

	saveMu sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewPersistent loads the snapshot from the store. A corrupt or
// unreadable snapshot starts the registry empty with an error log,
// unless Strict is set, in which case it is a startup error. A partial
// load never happens; the snapshot is validated as a whole.
func NewPersistent(store storage.Store, opts Options) (*PersistentRegistry, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultSaveDebounce
	}

	p := &PersistentRegistry{
		Registry: NewRegistry(),
		store:    store,
		debounce: opts.Debounce,
	}

	if err := p.load(); err != nil {
		if opts.Strict {
			return nil, fmt.Errorf("failed to load recipient registry: %w", err)
		}
		logging.Error("recipients", "snapshot unreadable, starting empty: %v", err)
		p.Registry = NewRegistry()
	}

	// Hook save scheduling only after the initial load so importing the
	// snapshot does not immediately rewrite it.
	p.Registry.onMutate = p.scheduleSave
	return p, nil
}

func (p *PersistentRegistry) load() error {
	data, ok, err := p.store.Get(SnapshotKey)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	if !ok {
		return nil // first run
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}
	if err := p.Registry.Import(records); err != nil {
		return fmt.Errorf("snapshot rejected: %w", err)
	}
	logging.Info("recipients", "loaded %d recipients", len(records))
	return nil
}

// scheduleSave arms the debounce timer. Runs with the registry lock
// held, so it must not save inline.
func (p *PersistentRegistry) scheduleSave() {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	if p.closed || p.timer != nil {
		return
	}
	p.timer = time.AfterFunc(p.debounce, p.saveNow)
}

func (p *PersistentRegistry) saveNow() {
	p.saveMu.Lock()
	p.timer = nil
	closed := p.closed
	p.saveMu.Unlock()

	if closed {
		return
	}
	if err := p.save(); err != nil {
		logging.Error("recipients", "save failed: %v", err)
	}
}

func (p *PersistentRegistry) save() error {
	records := p.Export()
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}
	if err := p.store.Set(SnapshotKey, data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	logging.Debug("recipients", "saved %d recipients", len(records))
	return nil
}

// Flush cancels any pending debounce and saves synchronously.
func (p *PersistentRegistry) Flush() error {
	p.saveMu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.saveMu.Unlock()

	return p.save()
}

// Close flushes and stops accepting further scheduled saves.
func (p *PersistentRegistry) Close() error {
	err := p.Flush()

	p.saveMu.Lock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.saveMu.Unlock()

	return err
}
