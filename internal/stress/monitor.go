package stress

import (
	"sync"
	"time"

	"github.com/vthunder/medulla/internal/logging"
)

// Status is a point-in-time reading for state mirrors and diagnostics.
type Status struct {
	Level      string    `json:"level"`
	LagP99Ms   float64   `json:"lagP99Ms"`
	CPUPercent float64   `json:"cpuPercent"`
	MeasuredAt time.Time `json:"measuredAt"`
}

// Monitor samples loop lag and process CPU in the background and keeps
// a smoothed stress level the core loop consults every tick.
type Monitor struct {
	cfg Config

	mu       sync.RWMutex
	hys      hysteresis
	lagP99   float64
	cpuPct   float64
	measured time.Time

	lag      *lagSampler
	cpu      *cpuSampler
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewMonitor creates a monitor with the given config; zero fields fall
// back to defaults.
func NewMonitor(cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.LagSampleInterval <= 0 {
		cfg.LagSampleInterval = def.LagSampleInterval
	}
	if cfg.CPUSampleInterval <= 0 {
		cfg.CPUSampleInterval = def.CPUSampleInterval
	}
	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = def.RecoveryDelay
	}
	if cfg.LagElevatedMs <= 0 {
		cfg.LagElevatedMs = def.LagElevatedMs
	}
	if cfg.LagHighMs <= 0 {
		cfg.LagHighMs = def.LagHighMs
	}
	if cfg.LagCriticalMs <= 0 {
		cfg.LagCriticalMs = def.LagCriticalMs
	}
	if cfg.CPUElevated <= 0 {
		cfg.CPUElevated = def.CPUElevated
	}
	if cfg.CPUHigh <= 0 {
		cfg.CPUHigh = def.CPUHigh
	}
	if cfg.CPUCritical <= 0 {
		cfg.CPUCritical = def.CPUCritical
	}

	return &Monitor{
		cfg: cfg,
		hys: hysteresis{recoveryDelay: cfg.RecoveryDelay},
		lag: &lagSampler{},
		cpu: newCPUSampler(),
	}
}

// Start launches the sampling goroutines.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(2)
	go m.sampleLoop()
	go m.evalLoop()
	logging.Info("stress", "monitor started (lag every %v, cpu every %v)",
		m.cfg.LagSampleInterval, m.cfg.CPUSampleInterval)
}

// Stop halts sampling. Safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
	logging.Info("stress", "monitor stopped")
}

// Level returns the current smoothed stress level.
func (m *Monitor) Level() Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hys.level
}

// Mask returns the tier mask for the current level.
func (m *Monitor) Mask() TierMask {
	return MaskFor(m.Level())
}

// Snapshot returns the latest readings.
func (m *Monitor) Snapshot() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		Level:      m.hys.level.String(),
		LagP99Ms:   m.lagP99,
		CPUPercent: m.cpuPct,
		MeasuredAt: m.measured,
	}
}

// sampleLoop measures how late each timer tick fires, an inexpensive
// stand-in for scheduler congestion.
func (m *Monitor) sampleLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.LagSampleInterval)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-m.stopChan:
			return
		case now := <-ticker.C:
			delay := now.Sub(last) - m.cfg.LagSampleInterval
			m.lag.record(float64(delay.Milliseconds()))
			last = now
		}
	}
}

// evalLoop folds the samplers into the hysteresis machine on the CPU
// cadence.
func (m *Monitor) evalLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CPUSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case now := <-ticker.C:
			m.observe(m.lag.p99(), m.cpu.percent(), now)
		}
	}
}

// observe runs one evaluation step. Split out so tests can drive the
// state machine with synthetic measurements.
func (m *Monitor) observe(lagP99, cpuPct float64, now time.Time) Level {
	measured := m.cfg.lagLevel(lagP99)
	if cl := m.cfg.cpuLevel(cpuPct); cl > measured {
		measured = cl
	}

	m.mu.Lock()
	old := m.hys.level
	level := m.hys.observe(measured, now)
	m.lagP99 = lagP99
	m.cpuPct = cpuPct
	m.measured = now
	m.mu.Unlock()

	if level != old {
		logging.Warn("stress", "level %s -> %s (lag p99 %.0fms, cpu %.0f%%)",
			old, level, lagP99, cpuPct)
		if m.cfg.OnLevelChange != nil {
			m.cfg.OnLevelChange(old, level, MaskFor(level))
		}
	}
	return level
}
