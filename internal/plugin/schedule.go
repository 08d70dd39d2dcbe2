package plugin

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vthunder/medulla/internal/logging"
	"github.com/vthunder/medulla/internal/storage"
)

// maxFiredIDs bounds the per-schedule ledger of fire ids kept for
// replay protection.
const maxFiredIDs = 64

// Recurrence frequencies.
const (
	FreqDaily   = "daily"
	FreqWeekly  = "weekly"
	FreqMonthly = "monthly"
)

// Monthly anchor constraints.
const (
	ConstraintNextWeekend = "next-weekend"
	ConstraintNextWeekday = "next-weekday"
	ConstraintNextSat     = "next-saturday"
	ConstraintNextSun     = "next-sunday"
)

// Recurrence describes a repeating fire pattern. Wall times are
// interpreted in the schedule's timezone; stored instants are UTC.
type Recurrence struct {
	Frequency  string         `json:"frequency"`
	Interval   int            `json:"interval,omitempty"` // every N units, default 1
	DaysOfWeek []time.Weekday `json:"daysOfWeek,omitempty"`
	DayOfMonth int            `json:"dayOfMonth,omitempty"`
	AnchorDay  int            `json:"anchorDay,omitempty"`
	Constraint string         `json:"constraint,omitempty"`
	Hour       int            `json:"hour"`
	Minute     int            `json:"minute"`
}

// Validate checks the recurrence fields.
func (r *Recurrence) Validate() error {
	if r.Hour < 0 || r.Hour > 23 || r.Minute < 0 || r.Minute > 59 {
		return fmt.Errorf("%w: fire time %02d:%02d out of range", ErrValidationFailed, r.Hour, r.Minute)
	}
	if r.Interval < 0 {
		return fmt.Errorf("%w: negative interval", ErrValidationFailed)
	}

	switch r.Frequency {
	case FreqDaily:

	case FreqWeekly:
		if len(r.DaysOfWeek) == 0 {
			return fmt.Errorf("%w: weekly recurrence needs daysOfWeek", ErrValidationFailed)
		}
		for _, d := range r.DaysOfWeek {
			if d < time.Sunday || d > time.Saturday {
				return fmt.Errorf("%w: weekday %d out of range", ErrValidationFailed, d)
			}
		}

	case FreqMonthly:
		switch {
		case r.Constraint != "":
			if r.AnchorDay < 1 || r.AnchorDay > 31 {
				return fmt.Errorf("%w: anchorDay %d out of range", ErrValidationFailed, r.AnchorDay)
			}
			switch r.Constraint {
			case ConstraintNextWeekend, ConstraintNextWeekday, ConstraintNextSat, ConstraintNextSun:
			default:
				return fmt.Errorf("%w: unknown constraint %q", ErrValidationFailed, r.Constraint)
			}
		case r.DayOfMonth >= 1 && r.DayOfMonth <= 31:

		default:
			return fmt.Errorf("%w: monthly recurrence needs dayOfMonth or anchorDay+constraint", ErrValidationFailed)
		}

	default:
		return fmt.Errorf("%w: unknown frequency %q", ErrValidationFailed, r.Frequency)
	}
	return nil
}

// Next computes the first occurrence strictly after the given instant.
// Strides (every N days/weeks/months) are anchored on that instant,
// which is the occurrence that just fired, or creation time for new
// schedules. The result is UTC.
func (r *Recurrence) Next(after time.Time, loc *time.Location) (time.Time, error) {
	interval := r.Interval
	if interval < 1 {
		interval = 1
	}
	local := after.In(loc)

	switch r.Frequency {
	case FreqDaily:
		cand := resolveWall(local.Year(), local.Month(), local.Day(), r.Hour, r.Minute, loc)
		if cand.After(after) {
			return cand.UTC(), nil
		}
		next := local.AddDate(0, 0, interval)
		return resolveWall(next.Year(), next.Month(), next.Day(), r.Hour, r.Minute, loc).UTC(), nil

	case FreqWeekly:
		anchorWeek := weekStart(local)
		for offset := 0; offset < 7*(interval+1)+7; offset++ {
			day := local.AddDate(0, 0, offset)
			if !weekdayIn(day.Weekday(), r.DaysOfWeek) {
				continue
			}
			if daysBetween(anchorWeek, weekStart(day))/7%interval != 0 {
				continue
			}
			cand := resolveWall(day.Year(), day.Month(), day.Day(), r.Hour, r.Minute, loc)
			if cand.After(after) {
				return cand.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("no weekly occurrence found after %s", after)

	case FreqMonthly:
		year, month := local.Year(), local.Month()
		for k := 0; k < 48; k++ {
			y, m := addMonths(year, month, k*interval)
			day := r.dayInMonth(y, m, loc)
			if day == 0 {
				continue
			}
			cand := resolveWall(y, m, day, r.Hour, r.Minute, loc)
			if cand.After(after) {
				return cand.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("no monthly occurrence found after %s", after)
	}
	return time.Time{}, fmt.Errorf("unknown frequency %q", r.Frequency)
}

// dayInMonth picks the fire day for one month, or 0 when the month has
// none. DayOfMonth clamps to the month's length; anchorDay does not,
// since "on or after the 31st" simply doesn't happen in a 30-day month.
func (r *Recurrence) dayInMonth(year int, month time.Month, loc *time.Location) int {
	last := daysIn(year, month)
	if r.Constraint == "" {
		d := r.DayOfMonth
		if d > last {
			d = last
		}
		return d
	}

	for d := r.AnchorDay; d <= last; d++ {
		wd := time.Date(year, month, d, 12, 0, 0, 0, loc).Weekday()
		switch r.Constraint {
		case ConstraintNextWeekend:
			if wd == time.Saturday || wd == time.Sunday {
				return d
			}
		case ConstraintNextWeekday:
			if wd >= time.Monday && wd <= time.Friday {
				return d
			}
		case ConstraintNextSat:
			if wd == time.Saturday {
				return d
			}
		case ConstraintNextSun:
			if wd == time.Sunday {
				return d
			}
		}
	}
	return 0
}

// resolveWall builds the local wall time, advancing minute by minute
// past any DST gap so a skipped time lands on the first minute that
// actually exists.
func resolveWall(year int, month time.Month, day, hour, min int, loc *time.Location) time.Time {
	t := time.Date(year, month, day, hour, min, 0, 0, loc)
	if t.Hour() == hour && t.Minute() == min {
		return t
	}
	for i := 1; i <= 26*60; i++ {
		total := hour*60 + min + i
		d := day + total/(24*60)
		h := (total / 60) % 24
		m := total % 60
		cand := time.Date(year, month, d, h, m, 0, 0, loc)
		if cand.Hour() == h && cand.Minute() == m {
			return cand
		}
	}
	return t
}

func weekdayIn(wd time.Weekday, set []time.Weekday) bool {
	for _, d := range set {
		if d == wd {
			return true
		}
	}
	return false
}

// weekStart returns midnight Sunday of t's week as bare date fields in
// UTC, for stride arithmetic unaffected by DST.
func weekStart(t time.Time) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return d.AddDate(0, 0, -int(d.Weekday()))
}

func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 12, 0, 0, 0, time.UTC).Day()
}

func addMonths(year int, month time.Month, n int) (int, time.Month) {
	total := year*12 + int(month) - 1 + n
	return total / 12, time.Month(total%12 + 1)
}

// ScheduleEntry is one durable schedule.
type ScheduleEntry struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	FireAt      time.Time      `json:"fireAt"` // UTC
	Recurrence  *Recurrence    `json:"recurrence,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	LastFiredAt time.Time      `json:"lastFiredAt,omitempty"`
	LastFireID  string         `json:"lastFireId,omitempty"`
	FiredIDs    []string       `json:"firedIds,omitempty"`
}

// ScheduleOptions describe a new schedule. A zero FireAt with a
// recurrence means "first matching occurrence from now".
type ScheduleOptions struct {
	FireAt     time.Time
	Recurrence *Recurrence
	Timezone   string
	Kind       string
	Data       map[string]any
}

// Due is one schedule ready to fire, with a freshly minted fire id.
type Due struct {
	Entry  ScheduleEntry
	FireID string
}

// Scheduler is a plugin's durable schedule book. Every mutation is
// persisted synchronously, so a crash between marking a fire and
// emitting it loses the emission rather than doubling it.
type Scheduler struct {
	pluginID string
	store    storage.Store
	key      string
	max      int

	mu      sync.Mutex
	entries map[string]*ScheduleEntry
}

// NewScheduler opens the schedule book for pluginID, loading any
// persisted entries. max <= 0 disables the schedule cap.
func NewScheduler(pluginID string, store storage.Store, max int) (*Scheduler, error) {
	s := &Scheduler{
		pluginID: pluginID,
		store:    store,
		key:      "plugin-sched:" + pluginID,
		max:      max,
		entries:  make(map[string]*ScheduleEntry),
	}

	raw, ok, err := store.Get(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedules for %s: %w", pluginID, err)
	}
	if ok {
		var entries []*ScheduleEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("failed to decode schedules for %s: %w", pluginID, err)
		}
		for _, e := range entries {
			s.entries[e.ID] = e
		}
		logging.Debug("scheduler", "%s: loaded %d schedules", pluginID, len(entries))
	}
	return s, nil
}

// Schedule validates opts and persists a new entry, returning its id.
func (s *Scheduler) Schedule(opts ScheduleOptions) (string, error) {
	if opts.FireAt.IsZero() && opts.Recurrence == nil {
		return "", fmt.Errorf("%w: schedule needs fireAt or recurrence", ErrValidationFailed)
	}
	if opts.Kind == "" {
		opts.Kind = EventKindFor(s.pluginID, "schedule_fired")
	}
	if KindOwner(opts.Kind) != s.pluginID {
		return "", fmt.Errorf("%w: event kind %q not owned by %s", ErrValidationFailed, opts.Kind, s.pluginID)
	}

	loc := time.UTC
	if opts.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(opts.Timezone)
		if err != nil {
			return "", fmt.Errorf("%w: unknown timezone %q", ErrValidationFailed, opts.Timezone)
		}
	}

	fireAt := opts.FireAt.UTC()
	if opts.Recurrence != nil {
		if err := opts.Recurrence.Validate(); err != nil {
			return "", err
		}
		if opts.FireAt.IsZero() {
			next, err := opts.Recurrence.Next(time.Now().UTC(), loc)
			if err != nil {
				return "", fmt.Errorf("%w: %v", ErrValidationFailed, err)
			}
			fireAt = next
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.max > 0 && len(s.entries) >= s.max {
		return "", fmt.Errorf("%w: %s already has %d schedules", ErrScheduleLimitExceeded, s.pluginID, len(s.entries))
	}

	entry := &ScheduleEntry{
		ID:         uuid.NewString(),
		Kind:       opts.Kind,
		FireAt:     fireAt,
		Recurrence: opts.Recurrence,
		Timezone:   opts.Timezone,
		Data:       opts.Data,
		CreatedAt:  time.Now().UTC(),
	}
	s.entries[entry.ID] = entry

	if err := s.persistLocked(); err != nil {
		delete(s.entries, entry.ID)
		return "", err
	}
	logging.Debug("scheduler", "%s: scheduled %s (%s) for %s", s.pluginID, entry.ID, entry.Kind, entry.FireAt)
	return entry.ID, nil
}

// Cancel removes a schedule. Returns whether it existed.
func (s *Scheduler) Cancel(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return false, nil
	}
	delete(s.entries, id)
	if err := s.persistLocked(); err != nil {
		s.entries[id] = entry
		return false, err
	}
	return true, nil
}

// List returns all schedules sorted by fire time.
func (s *Scheduler) List() []ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Scheduler) listLocked() []ScheduleEntry {
	out := make([]ScheduleEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CheckDue returns the schedules whose fire time has passed, each with
// a freshly minted fire id. Nothing is persisted; MarkFired commits
// the fire.
func (s *Scheduler) CheckDue(now time.Time) []Due {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Due
	for _, e := range s.listLocked() {
		if !e.FireAt.After(now) {
			due = append(due, Due{Entry: e, FireID: uuid.NewString()})
		}
	}
	return due
}

// MarkFired commits one fire before its emission: records the fire id,
// advances recurring schedules past now, removes one-shots. A fire id
// already in the ledger is a no-op, which is what makes redelivery
// harmless.
func (s *Scheduler) MarkFired(id, fireID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("schedule %s not found", id)
	}
	for _, fid := range entry.FiredIDs {
		if fid == fireID {
			return nil
		}
	}

	entry.FiredIDs = append(entry.FiredIDs, fireID)
	if len(entry.FiredIDs) > maxFiredIDs {
		entry.FiredIDs = entry.FiredIDs[len(entry.FiredIDs)-maxFiredIDs:]
	}
	entry.LastFiredAt = now.UTC()
	entry.LastFireID = fireID

	if entry.Recurrence == nil {
		delete(s.entries, id)
		return s.persistLocked()
	}

	loc := time.UTC
	if entry.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(entry.Timezone)
		if err != nil {
			logging.Error("scheduler", "%s: schedule %s has bad timezone %q, using UTC", s.pluginID, id, entry.Timezone)
			loc = time.UTC
		}
	}

	// Advance from the fired occurrence; missed occurrences coalesce
	// into the fire that just happened.
	next, err := entry.Recurrence.Next(entry.FireAt, loc)
	if err != nil {
		return fmt.Errorf("failed to advance schedule %s: %w", id, err)
	}
	for !next.After(now) {
		next, err = entry.Recurrence.Next(next, loc)
		if err != nil {
			return fmt.Errorf("failed to advance schedule %s: %w", id, err)
		}
	}
	entry.FireAt = next
	return s.persistLocked()
}

// MigrationData exports all entries for a hot swap.
func (s *Scheduler) MigrationData() []ScheduleEntry {
	return s.List()
}

// Restore replaces the book's contents, used on the receiving side of
// a hot swap.
func (s *Scheduler) Restore(entries []ScheduleEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*ScheduleEntry, len(entries))
	for i := range entries {
		e := entries[i]
		s.entries[e.ID] = &e
	}
	return s.persistLocked()
}

// Clear removes every schedule and the persisted record.
func (s *Scheduler) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*ScheduleEntry)
	if err := s.store.Delete(s.key); err != nil {
		return fmt.Errorf("failed to clear schedules for %s: %w", s.pluginID, err)
	}
	return nil
}

// persistLocked writes the full entry set. Caller holds the lock.
func (s *Scheduler) persistLocked() error {
	raw, err := json.Marshal(s.listLocked())
	if err != nil {
		return fmt.Errorf("failed to encode schedules for %s: %w", s.pluginID, err)
	}
	if err := s.store.Set(s.key, raw); err != nil {
		return fmt.Errorf("failed to persist schedules for %s: %w", s.pluginID, err)
	}
	return nil
}
