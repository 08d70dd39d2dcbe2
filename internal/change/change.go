package change

import (
	"math"
	"time"

	"github.com/vthunder/medulla/internal/types"
)

// NamedThreshold is a level boundary that triggers emission when crossed
// in either direction, independent of change magnitude.
type NamedThreshold struct {
	Name     string
	Value    float64
	Priority types.Priority
}

// Config tunes significance detection. The relative threshold widens as
// alertness falls: adjusted = base * (1 + influence*(1-alertness)),
// clamped to [0, max].
type Config struct {
	BaseThreshold      float64
	MinAbsoluteChange  float64
	AlertnessInfluence float64
	MaxThreshold       float64
	Named              []NamedThreshold
}

// DefaultConfig returns the standard detection tuning.
func DefaultConfig() Config {
	return Config{
		BaseThreshold:      0.10,
		MinAbsoluteChange:  0.01,
		AlertnessInfluence: 0.5,
		MaxThreshold:       0.5,
	}
}

// Result describes one detection pass.
type Result struct {
	Significant       bool
	Delta             float64
	Relative          float64
	AdjustedThreshold float64
	Crossed           string // named threshold crossed, "" if none
	CrossedUpward     bool
	Priority          types.Priority
}

// Detect runs the significance test between two readings.
//
// When either reading is zero there is no meaningful baseline, so only
// the absolute test applies. Otherwise the relative change is measured
// against the smaller magnitude, which makes a→b and b→a agree.
func Detect(previous, current, alertness float64, cfg Config) Result {
	r := Result{
		Delta:    current - previous,
		Priority: types.PriorityLow,
	}
	absDelta := math.Abs(r.Delta)

	if previous == 0 || current == 0 {
		r.Significant = absDelta >= cfg.MinAbsoluteChange
	} else {
		ref := math.Min(math.Abs(previous), math.Abs(current))
		r.Relative = absDelta / ref
		r.AdjustedThreshold = adjustedThreshold(alertness, cfg)
		r.Significant = absDelta >= cfg.MinAbsoluteChange && r.Relative >= r.AdjustedThreshold
	}

	// Named level crossings fire regardless of magnitude. When several
	// are crossed at once the most urgent one labels the result.
	for _, nt := range cfg.Named {
		before := previous >= nt.Value
		after := current >= nt.Value
		if before == after {
			continue
		}
		r.Significant = true
		if r.Crossed == "" || nt.Priority < r.Priority {
			r.Crossed = nt.Name
			r.CrossedUpward = after
		}
		if nt.Priority < r.Priority {
			r.Priority = nt.Priority
		}
	}

	return r
}

func adjustedThreshold(alertness float64, cfg Config) float64 {
	t := cfg.BaseThreshold * (1 + cfg.AlertnessInfluence*(1-alertness))
	if t < 0 {
		return 0
	}
	if t > cfg.MaxThreshold {
		return cfg.MaxThreshold
	}
	return t
}

// Rate returns the per-second rate of change between two readings.
func Rate(previous, current float64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return (current - previous) / secs
}

// Acceleration returns the per-second change between two rates.
func Acceleration(previousRate, currentRate float64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return (currentRate - previousRate) / secs
}
