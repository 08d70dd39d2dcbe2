// Package stress watches the runtime's own health and answers one
// question each tick: which pipeline tiers can we afford right now?
package stress

import "time"

// Level is the current stress classification, ordered from calm to
// overloaded. Comparisons rely on the ordering.
type Level int

const (
	LevelNormal Level = iota
	LevelElevated
	LevelHigh
	LevelCritical
)

// String returns the level name used in logs and signals.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelElevated:
		return "elevated"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// TierMask says which pipeline tiers may run under a given level.
// Autonomic processing is never shed.
type TierMask struct {
	Autonomic   bool `json:"autonomic"`
	Aggregation bool `json:"aggregation"`
	Cognition   bool `json:"cognition"`
	Smart       bool `json:"smart"` // smart-model retry
}

// MaskFor returns the degradation ladder entry for a level: elevated
// sheds the smart retry, high sheds cognition, critical sheds
// everything but autonomic.
func MaskFor(l Level) TierMask {
	switch l {
	case LevelElevated:
		return TierMask{Autonomic: true, Aggregation: true, Cognition: true}
	case LevelHigh:
		return TierMask{Autonomic: true, Aggregation: true}
	case LevelCritical:
		return TierMask{Autonomic: true}
	default:
		return TierMask{Autonomic: true, Aggregation: true, Cognition: true, Smart: true}
	}
}

// Config tunes sampling cadence, level boundaries, and recovery.
type Config struct {
	LagSampleInterval time.Duration
	CPUSampleInterval time.Duration
	RecoveryDelay     time.Duration

	LagElevatedMs float64
	LagHighMs     float64
	LagCriticalMs float64
	CPUElevated   float64
	CPUHigh       float64
	CPUCritical   float64

	// OnLevelChange fires whenever the smoothed level moves, from the
	// monitor's own goroutine.
	OnLevelChange func(old, new Level, mask TierMask)
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		LagSampleInterval: 20 * time.Millisecond,
		CPUSampleInterval: 1 * time.Second,
		RecoveryDelay:     5 * time.Second,
		LagElevatedMs:     100,
		LagHighMs:         250,
		LagCriticalMs:     500,
		CPUElevated:       70,
		CPUHigh:           85,
		CPUCritical:       95,
	}
}

// lagLevel classifies a p99 loop lag in milliseconds.
func (c *Config) lagLevel(p99 float64) Level {
	switch {
	case p99 >= c.LagCriticalMs:
		return LevelCritical
	case p99 >= c.LagHighMs:
		return LevelHigh
	case p99 >= c.LagElevatedMs:
		return LevelElevated
	default:
		return LevelNormal
	}
}

// cpuLevel classifies a process CPU percentage.
func (c *Config) cpuLevel(pct float64) Level {
	switch {
	case pct >= c.CPUCritical:
		return LevelCritical
	case pct >= c.CPUHigh:
		return LevelHigh
	case pct >= c.CPUElevated:
		return LevelElevated
	default:
		return LevelNormal
	}
}

// hysteresis smooths level transitions: any rise applies instantly, but
// a drop needs RecoveryDelay of measurements below the current level,
// and then sheds one level per measurement.
type hysteresis struct {
	level         Level
	calmSince     time.Time // start of the current run of below-level measurements
	recoveryDelay time.Duration
}

func (h *hysteresis) observe(measured Level, now time.Time) Level {
	if measured > h.level {
		h.level = measured
		h.calmSince = time.Time{}
		return h.level
	}
	if measured == h.level {
		h.calmSince = time.Time{}
		return h.level
	}

	if h.calmSince.IsZero() {
		h.calmSince = now
		return h.level
	}
	if now.Sub(h.calmSince) >= h.recoveryDelay {
		h.level--
	}
	return h.level
}
