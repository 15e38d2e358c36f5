package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/DavidDeeds/vsn300-pvoutput/internal/inverter"
)

// ErrStateCorrupt flags a persisted state file that could not be
// parsed. Callers recover by starting a fresh baseline.
var ErrStateCorrupt = errors.New("state file corrupt")

const (
	stateFileName = "state.json"

	// maxRecords bounds the rolling chart history: one entry per
	// 5-minute poll covers a full day.
	maxRecords = 288

	// minGeneratingPowerW is the floor below which the inverter is not
	// considered producing for uptime accounting.
	minGeneratingPowerW = 5
)

// Transition describes what the tracker decided about a new sample
// relative to the persisted daily state.
type Transition int

const (
	// TransitionSameDay continues the current baseline.
	TransitionSameDay Transition = iota
	// TransitionFirstSample starts the very first baseline.
	TransitionFirstSample
	// TransitionNewDay re-baselines because the local date rolled over.
	TransitionNewDay
	// TransitionCounterReset re-baselines because the lifetime counter
	// went backwards (firmware reset).
	TransitionCounterReset
)

func (t Transition) String() string {
	switch t {
	case TransitionSameDay:
		return "same-day"
	case TransitionFirstSample:
		return "first-sample"
	case TransitionNewDay:
		return "new-day"
	case TransitionCounterReset:
		return "counter-reset"
	default:
		return "unknown"
	}
}

// Record is one chart sample kept in the rolling history.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	PowerW    int       `json:"power_w"`
	EnergyWh  int       `json:"energy_wh"`
}

// DailyState is the persisted per-day accounting. One instance is
// active at a time and it is rewritten to disk after every update.
type DailyState struct {
	Date                 string    `json:"date"`
	BaselineEnergyWh     float64   `json:"baseline_energy_wh"`
	LastLifetimeEnergyWh float64   `json:"last_known_lifetime_energy_wh"`
	DailyEnergyWh        float64   `json:"daily_energy_wh"`
	UptimeStart          time.Time `json:"uptime_start_timestamp"`
	UptimeMinutesToday   float64   `json:"uptime_minutes_today"`
	PeakPowerW           int       `json:"peak_power_w"`
	LastSampleTS         time.Time `json:"last_sample_ts"`
	LastUpload           time.Time `json:"last_upload,omitempty"`
	Records              []Record  `json:"records"`
}

func (s *DailyState) clone() DailyState {
	out := *s
	out.Records = append([]Record(nil), s.Records...)
	return out
}

// Tracker derives daily energy from the inverter's lifetime counter
// against a baseline captured at the start of each local calendar day.
type Tracker struct {
	mu       sync.Mutex
	path     string
	loc      *time.Location
	interval time.Duration
	state    *DailyState
}

func New(stateDir string, loc *time.Location, pollInterval time.Duration) *Tracker {
	return &Tracker{
		path:     filepath.Join(stateDir, stateFileName),
		loc:      loc,
		interval: pollInterval,
	}
}

// Load reads the persisted state. A missing file is not an error; a
// corrupt one returns ErrStateCorrupt and leaves the tracker empty so
// the first sample starts a fresh baseline.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	raw, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}

	var state DailyState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	if state.Date == "" {
		return fmt.Errorf("%w: missing date", ErrStateCorrupt)
	}

	t.state = &state
	return nil
}

// Update folds one reading into the daily state, persists it and
// returns a snapshot. A failed disk write is logged and the in-memory
// state is still returned: the lifetime counter is monotonic across
// restarts, so at worst the latest increment is recomputed on the next
// poll after a crash.
func (t *Tracker) Update(r *inverter.Reading) DailyState {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := r.Timestamp.In(t.loc)
	today := now.Format("2006-01-02")

	tr := t.classify(today, r.LifetimeEnergyWh)
	switch tr {
	case TransitionFirstSample:
		t.state = &DailyState{
			Date:             today,
			BaselineEnergyWh: r.LifetimeEnergyWh,
			UptimeStart:      now,
		}
	case TransitionNewDay:
		log.Printf("Daily rollover (%s -> %s): resetting baseline to %.1f Wh",
			t.state.Date, today, r.LifetimeEnergyWh)
		t.state = &DailyState{
			Date:             today,
			BaselineEnergyWh: r.LifetimeEnergyWh,
			UptimeStart:      now,
		}
	case TransitionCounterReset:
		log.Printf("Lifetime counter reset (%.1f -> %.1f Wh): re-baselining",
			t.state.LastLifetimeEnergyWh, r.LifetimeEnergyWh)
		t.state.BaselineEnergyWh = r.LifetimeEnergyWh
		t.state.UptimeStart = now
	}

	prevSample := t.state.LastSampleTS

	t.state.LastLifetimeEnergyWh = r.LifetimeEnergyWh
	daily := r.LifetimeEnergyWh - t.state.BaselineEnergyWh
	if daily < 0 {
		daily = 0
	}
	t.state.DailyEnergyWh = daily

	if r.PowerW > t.state.PeakPowerW {
		t.state.PeakPowerW = r.PowerW
	}

	// Uptime only accrues while actually generating, and gaps after
	// downtime are capped so a long outage does not count as runtime.
	if !r.Night && r.PowerW > minGeneratingPowerW && !prevSample.IsZero() {
		elapsed := now.Sub(prevSample)
		if limit := 2 * t.interval; elapsed > limit {
			elapsed = limit
		}
		if elapsed > 0 {
			t.state.UptimeMinutesToday += elapsed.Minutes()
		}
	}

	t.state.LastSampleTS = now

	t.state.Records = append(t.state.Records, Record{
		Timestamp: now,
		PowerW:    r.PowerW,
		EnergyWh:  int(daily),
	})
	if len(t.state.Records) > maxRecords {
		t.state.Records = t.state.Records[len(t.state.Records)-maxRecords:]
	}

	if err := t.persistLocked(); err != nil {
		log.Printf("State persist failed: %v", err)
	}

	return t.state.clone()
}

func (t *Tracker) classify(today string, lifetimeWh float64) Transition {
	if t.state == nil {
		return TransitionFirstSample
	}
	if t.state.Date != today {
		return TransitionNewDay
	}
	if lifetimeWh < t.state.LastLifetimeEnergyWh {
		return TransitionCounterReset
	}
	return TransitionSameDay
}

// RecordUpload stamps the last successful upload and persists it.
func (t *Tracker) RecordUpload(ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == nil {
		return
	}
	t.state.LastUpload = ts.In(t.loc)
	if err := t.persistLocked(); err != nil {
		log.Printf("State persist failed: %v", err)
	}
}

// Snapshot returns a copy of the current state. The second result is
// false before the first successful update.
func (t *Tracker) Snapshot() (DailyState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == nil {
		return DailyState{}, false
	}
	return t.state.clone(), true
}

// persistLocked writes the state as one JSON document via a temp file
// and rename, so a crash mid-write leaves either the old or the new
// complete document on disk.
func (t *Tracker) persistLocked() error {
	raw, err := json.MarshalIndent(t.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(t.path), stateFileName+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, t.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Path returns the state file location.
func (t *Tracker) Path() string {
	return t.path
}
