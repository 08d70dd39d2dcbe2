package change

import (
	"math"
	"testing"
	"time"

	"github.com/vthunder/medulla/internal/types"
)

// TestDetectRelativeThreshold tests the worked example: a 10% move at
// full alertness is significant, the same move at zero alertness is not
func TestDetectRelativeThreshold(t *testing.T) {
	cfg := Config{
		BaseThreshold:      0.10,
		MinAbsoluteChange:  0.01,
		AlertnessInfluence: 0.5,
		MaxThreshold:       0.5,
	}

	r := Detect(0.50, 0.55, 1.0, cfg)
	if !r.Significant {
		t.Errorf("expected significant at alertness=1.0 (relative=%.3f threshold=%.3f)", r.Relative, r.AdjustedThreshold)
	}
	if math.Abs(r.AdjustedThreshold-0.10) > 1e-9 {
		t.Errorf("expected threshold 0.10 at full alertness, got %.3f", r.AdjustedThreshold)
	}

	r = Detect(0.50, 0.55, 0.0, cfg)
	if r.Significant {
		t.Errorf("expected not significant at alertness=0.0 (relative=%.3f threshold=%.3f)", r.Relative, r.AdjustedThreshold)
	}
	if math.Abs(r.AdjustedThreshold-0.15) > 1e-9 {
		t.Errorf("expected threshold 0.15 at zero alertness, got %.3f", r.AdjustedThreshold)
	}
}

// TestDetectSymmetry tests that significance is direction-independent
func TestDetectSymmetry(t *testing.T) {
	cfg := DefaultConfig()
	pairs := [][2]float64{
		{0.50, 0.55},
		{0.55, 0.50},
		{0.10, 0.90},
		{0.0, 0.05},
		{0.05, 0.0},
		{0.30, 0.30},
		{0.001, 0.002},
	}
	for _, alertness := range []float64{0.0, 0.5, 1.0} {
		for _, pair := range pairs {
			fwd := Detect(pair[0], pair[1], alertness, cfg)
			rev := Detect(pair[1], pair[0], alertness, cfg)
			if fwd.Significant != rev.Significant {
				t.Errorf("asymmetric result for (%v, %v) at alertness %v: forward=%v reverse=%v",
					pair[0], pair[1], alertness, fwd.Significant, rev.Significant)
			}
		}
	}
}

// TestDetectZeroBaseline tests that a zero baseline uses the absolute
// test only
func TestDetectZeroBaseline(t *testing.T) {
	cfg := DefaultConfig()

	if r := Detect(0, 0.005, 1.0, cfg); r.Significant {
		t.Error("change below minAbsoluteChange should not be significant")
	}
	if r := Detect(0, 0.02, 1.0, cfg); !r.Significant {
		t.Error("change above minAbsoluteChange from zero should be significant")
	}
}

// TestDetectMinAbsoluteGate tests that tiny values never fire on
// relative change alone
func TestDetectMinAbsoluteGate(t *testing.T) {
	cfg := DefaultConfig()
	// 100% relative change but only 0.002 absolute.
	if r := Detect(0.002, 0.004, 1.0, cfg); r.Significant {
		t.Errorf("expected absolute gate to suppress (delta=%.4f)", r.Delta)
	}
}

// TestDetectNamedCrossing tests that crossing a named level fires even
// when the magnitude test would not
func TestDetectNamedCrossing(t *testing.T) {
	cfg := Config{
		BaseThreshold:      0.50, // magnitude test essentially off
		MinAbsoluteChange:  0.001,
		AlertnessInfluence: 0,
		MaxThreshold:       0.9,
		Named: []NamedThreshold{
			{Name: "moderate", Value: 0.5, Priority: types.PriorityNormal},
			{Name: "high", Value: 0.8, Priority: types.PriorityHigh},
		},
	}

	r := Detect(0.48, 0.52, 1.0, cfg)
	if !r.Significant {
		t.Fatal("expected crossing to force significance")
	}
	if r.Crossed != "moderate" || !r.CrossedUpward {
		t.Errorf("expected upward moderate crossing, got %q upward=%v", r.Crossed, r.CrossedUpward)
	}
	if r.Priority != types.PriorityNormal {
		t.Errorf("expected normal priority, got %v", r.Priority)
	}

	// Downward crossing of the high level.
	r = Detect(0.85, 0.78, 1.0, cfg)
	if r.Crossed != "high" || r.CrossedUpward {
		t.Errorf("expected downward high crossing, got %q upward=%v", r.Crossed, r.CrossedUpward)
	}
	if r.Priority != types.PriorityHigh {
		t.Errorf("expected high priority, got %v", r.Priority)
	}

	// Jumping both levels at once reports the most urgent.
	r = Detect(0.2, 0.9, 1.0, cfg)
	if r.Crossed != "high" || r.Priority != types.PriorityHigh {
		t.Errorf("expected high to win, got %q at %v", r.Crossed, r.Priority)
	}
}

// TestRateHelpers tests the rate and acceleration helpers
func TestRateHelpers(t *testing.T) {
	if got := Rate(1.0, 3.0, 2*time.Second); got != 1.0 {
		t.Errorf("expected rate 1.0/s, got %v", got)
	}
	if got := Rate(1.0, 3.0, 0); got != 0 {
		t.Errorf("expected 0 for zero elapsed, got %v", got)
	}
	if got := Acceleration(1.0, 2.0, 500*time.Millisecond); got != 2.0 {
		t.Errorf("expected acceleration 2.0/s², got %v", got)
	}
}
