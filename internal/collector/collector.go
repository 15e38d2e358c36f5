package collector

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/DavidDeeds/vsn300-pvoutput/internal/inverter"
	"github.com/DavidDeeds/vsn300-pvoutput/internal/tracker"
)

// Reader produces one decoded inverter sample per call.
type Reader interface {
	Read() (*inverter.Reading, error)
}

// Uploader pushes one status record to the monitoring service.
type Uploader interface {
	Upload(ctx context.Context, r *inverter.Reading, state tracker.DailyState) error
}

// Publisher mirrors a sample to the local broker.
type Publisher interface {
	Publish(r *inverter.Reading, state tracker.DailyState) error
}

// Data-quality labels shown on the dashboard, derived from the age of
// the last good sample.
const (
	DQLive    = "LIVE"
	DQStale   = "STALE"
	DQNoData  = "NO DATA"
	DQOffline = "OFFLINE"
)

// Snapshot is what the poll loop last computed. The dashboard serves
// copies of it and never touches the field bus itself.
type Snapshot struct {
	Reading   *inverter.Reading  `json:"reading"`
	State     tracker.DailyState `json:"state"`
	HasState  bool               `json:"has_state"`
	Connected bool               `json:"inverter_connected"`
	DQText    string             `json:"dq_text"`
	DQClass   string             `json:"dq_class"`
	DryRun    bool               `json:"dry_run"`
}

// Collector runs the poll cycle: read the inverter, fold the sample
// into the daily state, upload, publish. Each stage's failure is
// logged and the loop moves on to the next tick; nothing here is
// fatal. The loop is strictly sequential, so a tick that fires while a
// slow poll is still running is dropped by the ticker rather than
// overlapping it.
type Collector struct {
	reader    Reader
	trk       *tracker.Tracker
	uploader  Uploader
	publisher Publisher
	interval  time.Duration
	dryRun    bool

	mu           sync.RWMutex
	latest       Snapshot
	hasSnapshot  bool
	isCollecting bool
}

type CollectorConfig struct {
	Reader    Reader
	Tracker   *tracker.Tracker
	Uploader  Uploader
	Publisher Publisher
	Interval  time.Duration
	DryRun    bool
}

func NewCollector(cfg CollectorConfig) *Collector {
	return &Collector{
		reader:    cfg.Reader,
		trk:       cfg.Tracker,
		uploader:  cfg.Uploader,
		publisher: cfg.Publisher,
		interval:  cfg.Interval,
		dryRun:    cfg.DryRun,
	}
}

func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	c.isCollecting = true
	c.mu.Unlock()

	log.Printf("Starting poll loop with interval %s", c.interval)

	// Initial collection
	c.Collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Poll loop stopped")
			c.mu.Lock()
			c.isCollecting = false
			c.mu.Unlock()
			return nil
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect runs one full poll cycle.
func (c *Collector) Collect(ctx context.Context) {
	now := time.Now()

	reading, err := c.reader.Read()
	if err != nil {
		log.Printf("Error reading inverter: %v", err)
		c.storeOffline(now)
		return
	}

	state := c.trk.Update(reading)

	if c.uploader != nil {
		if reading.Night {
			log.Println("Nighttime: skipping upload (inverter asleep)")
		} else if err := c.uploader.Upload(ctx, reading, state); err != nil {
			log.Printf("Error uploading status: %v", err)
		} else {
			c.trk.RecordUpload(reading.Timestamp)
			if fresh, ok := c.trk.Snapshot(); ok {
				state = fresh
			}
		}
	}

	if c.publisher != nil {
		if err := c.publisher.Publish(reading, state); err != nil {
			log.Printf("Error publishing to MQTT: %v", err)
		}
	}

	snap := Snapshot{
		Reading:   reading,
		State:     state,
		HasState:  true,
		Connected: !reading.Night,
		DryRun:    c.dryRun,
	}
	snap.DQText, snap.DQClass = c.classifyFreshness(now, state.LastSampleTS, true)

	c.mu.Lock()
	c.latest = snap
	c.hasSnapshot = true
	c.mu.Unlock()

	log.Printf("Collected: Power=%dW, Today=%.0fWh, Lifetime=%.0fWh, V=%.1fV, Status=%s",
		reading.PowerW, state.DailyEnergyWh, reading.LifetimeEnergyWh,
		reading.VoltageV, reading.StatusText)
}

// storeOffline keeps the last known daily state visible but flags the
// inverter unreachable.
func (c *Collector) storeOffline(now time.Time) {
	state, hasState := c.trk.Snapshot()

	snap := Snapshot{
		State:     state,
		HasState:  hasState,
		Connected: false,
		DryRun:    c.dryRun,
	}
	snap.DQText, snap.DQClass = c.classifyFreshness(now, state.LastSampleTS, false)

	c.mu.Lock()
	if c.hasSnapshot {
		// Keep the last decoded reading for display.
		snap.Reading = c.latest.Reading
	}
	c.latest = snap
	c.hasSnapshot = true
	c.mu.Unlock()
}

func (c *Collector) classifyFreshness(now, lastSample time.Time, connected bool) (string, string) {
	if !connected {
		return DQOffline, "dq_off"
	}
	if lastSample.IsZero() {
		return DQNoData, "dq_off"
	}
	age := now.Sub(lastSample)
	switch {
	case age < c.interval*3/2:
		return DQLive, "dq_ok"
	case age < c.interval*3:
		return DQStale, "dq_warn"
	default:
		return DQNoData, "dq_off"
	}
}

// Latest returns a copy of the most recent snapshot. The second result
// is false until the first poll cycle has run.
func (c *Collector) Latest() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.hasSnapshot {
		return Snapshot{}, false
	}
	snap := c.latest
	snap.State.Records = append([]tracker.Record(nil), c.latest.State.Records...)
	return snap, true
}

func (c *Collector) IsCollecting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isCollecting
}
