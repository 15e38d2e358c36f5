package inverter

// VSN300 "legacy" Modbus block. The logger exposes the inverter's
// telemetry as holding registers 80..119; the offsets below are
// positions inside that block, not absolute addresses. Register maps
// differ between firmware revisions, so the map is injected rather
// than hardcoded at the call sites.

const (
	DefaultBlockStart = 80
	DefaultBlockCount = 40
)

type RegisterMap struct {
	BlockStart uint16
	BlockCount uint16

	// Offsets into the block.
	Voltage     int // U16, 0.1V
	Frequency   int // U16, 0.01Hz
	Power       int // U16, W
	StatusCode  int // U16
	Temperature int // U16, 0.1°C
	EnergyLow   int // high half of the lifetime counter (SunSpec word order)
	EnergyHigh  int // low half
	EnergyScale int // S16, power-of-ten scale factor
}

func DefaultRegisterMap() RegisterMap {
	return RegisterMap{
		BlockStart:  DefaultBlockStart,
		BlockCount:  DefaultBlockCount,
		Voltage:     0,  // register 80
		Frequency:   6,  // register 86
		Power:       4,  // register 84
		StatusCode:  8,  // register 88
		Temperature: 26, // register 106
		EnergyLow:   14, // register 94
		EnergyHigh:  15, // register 95
		EnergyScale: 16, // register 96
	}
}

// maxOffset returns the largest block offset the map touches.
func (m RegisterMap) maxOffset() int {
	max := m.Voltage
	for _, off := range []int{m.Frequency, m.Power, m.StatusCode, m.Temperature, m.EnergyLow, m.EnergyHigh, m.EnergyScale} {
		if off > max {
			max = off
		}
	}
	return max
}

// Inverter status codes as reported in the status register.
const (
	StatusOff      = 0
	StatusSleep    = 1
	StatusOn       = 4
	StatusFault    = 5
	StatusOnAlt    = 91
	StatusSleepAlt = 92
)

// DecodeStatus maps a raw status code to the label and CSS class shown
// on the dashboard.
func DecodeStatus(code uint16) (string, string) {
	switch code {
	case StatusOff:
		return "Off", "muted"
	case StatusSleep, StatusSleepAlt:
		return "Sleep", "sleep"
	case StatusOn, StatusOnAlt:
		return "ON", "ok"
	case StatusFault:
		return "Fault", "error"
	default:
		return "Unknown", "muted"
	}
}
