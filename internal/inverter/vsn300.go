package inverter

import (
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/DavidDeeds/vsn300-pvoutput/internal/modbus"
)

var (
	// ErrUnreachable wraps any connect or transport failure talking to
	// the logger.
	ErrUnreachable = errors.New("inverter unreachable")
	// ErrDecode flags a register payload that cannot be interpreted.
	ErrDecode = errors.New("register decode failed")
)

// NightVoltageThreshold is the AC voltage below which the inverter is
// considered asleep. Below it the power register contains junk, so
// power is forced to zero instead of treating the sample as an error.
const NightVoltageThreshold = 100.0

// AC voltage plausibility window for display. Out-of-range values are
// kept in the reading but flagged.
const (
	MinPlausibleVoltage = 150.0
	MaxPlausibleVoltage = 270.0
)

type Reading struct {
	Timestamp time.Time `json:"timestamp"`

	PowerW           int     `json:"power_w"`
	VoltageV         float64 `json:"voltage_v"`
	GridFrequencyHz  float64 `json:"grid_freq_hz"`
	TemperatureC     float64 `json:"temperature_c"`
	LifetimeEnergyWh float64 `json:"lifetime_energy_wh"`

	StatusCode  uint16 `json:"status_code"`
	StatusText  string `json:"status_text"`
	StatusClass string `json:"status_class"`

	// Night is set when the AC voltage indicates the inverter is
	// asleep; PowerW is zero in that case regardless of the register.
	Night bool `json:"night"`

	// VoltageValid is false when the decoded voltage falls outside the
	// plausible AC window.
	VoltageValid bool `json:"voltage_valid"`
}

// VSN300 reads and decodes the legacy telemetry block of an
// ABB/Power-One VSN300 data logger.
type VSN300 struct {
	client *modbus.Client
	regs   RegisterMap
	debug  bool
}

func NewVSN300(client *modbus.Client, regs RegisterMap) *VSN300 {
	return &VSN300{client: client, regs: regs}
}

// SetDebug enables logging of every raw register block.
func (v *VSN300) SetDebug(debug bool) {
	v.debug = debug
}

// Read performs one block read and decodes it into a Reading. No
// retries happen here; the poll loop owns the retry cadence.
func (v *VSN300) Read() (*Reading, error) {
	words, err := v.client.ReadBlock(v.regs.BlockStart, v.regs.BlockCount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if v.debug {
		log.Printf("Regs %d..%d: %v", v.regs.BlockStart, int(v.regs.BlockStart)+len(words)-1, words)
	}
	return v.Decode(words, time.Now())
}

// RawBlock returns the undecoded register words for diagnostics.
func (v *VSN300) RawBlock() ([]uint16, error) {
	words, err := v.client.ReadBlock(v.regs.BlockStart, v.regs.BlockCount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return words, nil
}

// Decode interprets a register block according to the configured map.
func (v *VSN300) Decode(words []uint16, now time.Time) (*Reading, error) {
	if len(words) <= v.regs.maxOffset() {
		return nil, fmt.Errorf("%w: got %d registers, need at least %d", ErrDecode, len(words), v.regs.maxOffset()+1)
	}

	r := &Reading{
		Timestamp:       now,
		VoltageV:        float64(words[v.regs.Voltage]) / 10.0,
		GridFrequencyHz: float64(words[v.regs.Frequency]) / 100.0,
		TemperatureC:    float64(words[v.regs.Temperature]) / 10.0,
		PowerW:          int(words[v.regs.Power]),
		StatusCode:      words[v.regs.StatusCode],
	}

	// Lifetime energy: SunSpec acc32 plus a signed scale factor. The
	// logger serves the "low" word first but it carries the high half.
	sf := int(int16(words[v.regs.EnergyScale]))
	if sf < -10 || sf > 10 {
		return nil, fmt.Errorf("%w: implausible energy scale factor %d", ErrDecode, sf)
	}
	raw := uint32(words[v.regs.EnergyLow])<<16 | uint32(words[v.regs.EnergyHigh])
	r.LifetimeEnergyWh = float64(raw) * math.Pow10(sf)

	r.StatusText, r.StatusClass = DecodeStatus(r.StatusCode)
	r.VoltageValid = r.VoltageV >= MinPlausibleVoltage && r.VoltageV <= MaxPlausibleVoltage

	if r.VoltageV < NightVoltageThreshold {
		r.Night = true
		r.PowerW = 0
		r.StatusText, r.StatusClass = "Night", "night"
	}

	return r, nil
}
