package core

import (
	"time"

	"github.com/vthunder/medulla/internal/types"
)

// Dynamics tunes how the drives drift between wakes. All rates are per
// hour of wall time; the loop applies them scaled by the tick length.
type Dynamics struct {
	EnergyRecoveryPerHour float64 // energy climbs back while resting
	WakeCost              float64 // energy spent per cognition wake
	AlertnessTrackPerHour float64 // fraction of the alertness-energy gap closed per hour

	ContactDecayPerHour float64 // ambient contact pressure decay
	ResponseRelief      float64 // contact pressure released by responding

	SilenceDebtAfter     time.Duration // silence before social debt starts accruing
	DebtPerHourOfSilence float64
	DebtRelief           float64 // social debt released by responding

	MoodDecayPerHour float64 // fraction of mood pulled back toward neutral per hour
}

// DefaultDynamics returns the standard drive tuning.
func DefaultDynamics() Dynamics {
	return Dynamics{
		EnergyRecoveryPerHour: 0.05,
		WakeCost:              0.02,
		AlertnessTrackPerHour: 0.5,
		ContactDecayPerHour:   0.05,
		ResponseRelief:        0.3,
		SilenceDebtAfter:      8 * time.Hour,
		DebtPerHourOfSilence:  0.02,
		DebtRelief:            0.4,
		MoodDecayPerHour:      0.1,
	}
}

// Advance applies one tick's drift to the slow drives.
func (d Dynamics) Advance(st *types.AgentState, dt time.Duration, now time.Time) {
	if dt <= 0 {
		return
	}
	h := dt.Hours()

	st.AdjustDrive("energy", d.EnergyRecoveryPerHour*h)

	// Alertness tracks energy with a lag.
	frac := d.AlertnessTrackPerHour * h
	if frac > 1 {
		frac = 1
	}
	st.AdjustDrive("alertness", (st.Energy-st.Alertness)*frac)

	st.AdjustDrive("contact_pressure", -d.ContactDecayPerHour*h)

	if !st.LastInteractionAt.IsZero() && now.Sub(st.LastInteractionAt) > d.SilenceDebtAfter {
		st.AdjustDrive("social_debt", d.DebtPerHourOfSilence*h)
	}

	moodFrac := d.MoodDecayPerHour * h
	if moodFrac > 1 {
		moodFrac = 1
	}
	st.AdjustDrive("mood", -st.Mood*moodFrac)
}

// NoteInteraction marks contact in either direction. Silence debt
// accrues from this point; relief only comes from the agent's own
// response.
func (d Dynamics) NoteInteraction(st *types.AgentState, now time.Time) {
	st.LastInteractionAt = now
}

// NoteResponse registers the agent answering; pressure and debt ease.
func (d Dynamics) NoteResponse(st *types.AgentState, now time.Time) {
	st.AdjustDrive("contact_pressure", -d.ResponseRelief)
	st.AdjustDrive("social_debt", -d.DebtRelief)
	st.LastInteractionAt = now
}

// NoteWake charges the energy cost of running cognition.
func (d Dynamics) NoteWake(st *types.AgentState) {
	st.AdjustDrive("energy", -d.WakeCost)
}

// initialState is where a fresh agent starts when no mirror survives
// from a previous run.
func initialState() *types.AgentState {
	return &types.AgentState{
		Energy:    0.8,
		Alertness: 0.6,
		Mood:      0.1,
	}
}
