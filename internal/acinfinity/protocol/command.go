package protocol

import (
	"fmt"
	"math"
	"strings"
)

// Field opcodes. The same values identify the fields in model-data responses.
const (
	OpWorkMode byte = 16
	OpMinSpeed byte = 17 // "level off"
	OpMaxSpeed byte = 18 // "level on"
	OpAutoMode byte = 19
)

// WorkMode is the controller operating mode.
type WorkMode uint8

const (
	WorkModeUnknown WorkMode = 0
	WorkModeOff     WorkMode = 1
	WorkModeOn      WorkMode = 2
	WorkModeAuto    WorkMode = 3
)

func (m WorkMode) String() string {
	switch m {
	case WorkModeOff:
		return "off"
	case WorkModeOn:
		return "on"
	case WorkModeAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// ParseWorkMode parses "off", "on" or "auto" (case-insensitive).
func ParseWorkMode(s string) (WorkMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off":
		return WorkModeOff, nil
	case "on":
		return WorkModeOn, nil
	case "auto":
		return WorkModeAuto, nil
	}
	return WorkModeUnknown, fmt.Errorf("protocol: unknown work mode %q", s)
}

func (m WorkMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *WorkMode) UnmarshalText(b []byte) error {
	if string(b) == "unknown" {
		*m = WorkModeUnknown
		return nil
	}
	v, err := ParseWorkMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// AutoModeConfig holds the threshold triggers used in Auto mode.
// Temperatures are whole degrees Celsius, humidity whole percent.
type AutoModeConfig struct {
	HighTempEnabled     bool `json:"high_temp_enabled"`
	HighTempC           int  `json:"high_temp_c"`
	LowTempEnabled      bool `json:"low_temp_enabled"`
	LowTempC            int  `json:"low_temp_c"`
	HighHumidityEnabled bool `json:"high_humidity_enabled"`
	HighHumidityPct     int  `json:"high_humidity_pct"`
	LowHumidityEnabled  bool `json:"low_humidity_enabled"`
	LowHumidityPct      int  `json:"low_humidity_pct"`
}

// Field is one opcode/payload pair inside a command frame.
type Field struct {
	Opcode  byte
	Payload []byte
}

// DefaultEFamily lists the device types that append the [255, 0] trailer.
var DefaultEFamily = []int{7, 9, 11, 12}

var eFamilyTrailer = []byte{255, 0}

// Codec encodes commands for a configured set of E-family device types.
type Codec struct {
	eFamily map[int]struct{}
}

// NewCodec returns a Codec treating the given device types as E-family.
// A nil slice selects DefaultEFamily.
func NewCodec(eFamily []int) *Codec {
	if eFamily == nil {
		eFamily = DefaultEFamily
	}
	c := &Codec{eFamily: make(map[int]struct{}, len(eFamily))}
	for _, t := range eFamily {
		c.eFamily[t] = struct{}{}
	}
	return c
}

// IsEFamily reports whether deviceType needs the E-family trailer.
func (c *Codec) IsEFamily(deviceType int) bool {
	_, ok := c.eFamily[deviceType]
	return ok
}

// EncodeCommand builds a write frame carrying the given fields.
func (c *Codec) EncodeCommand(deviceType int, seq uint16, fields ...Field) []byte {
	var data []byte
	for _, f := range fields {
		data = append(data, f.Opcode, byte(len(f.Payload)))
		data = append(data, f.Payload...)
	}
	if c.IsEFamily(deviceType) {
		data = append(data, eFamilyTrailer...)
	}
	return wrap(KindWrite, data, seq)
}

// EncodeModelQuery builds the read request for the full model-data block.
func (c *Codec) EncodeModelQuery(deviceType int, seq uint16) []byte {
	return wrap(KindReadModel, []byte{OpWorkMode, OpMinSpeed, OpMaxSpeed, OpAutoMode}, seq)
}

// WorkModeField sets the operating mode.
func WorkModeField(m WorkMode) Field {
	return Field{Opcode: OpWorkMode, Payload: []byte{byte(m)}}
}

// MinSpeedField sets the speed used while Off and as the lower dynamic bound.
func MinSpeedField(level int) Field {
	return Field{Opcode: OpMinSpeed, Payload: []byte{byte(level)}}
}

// MaxSpeedField sets the speed used while On and as the upper dynamic bound.
func MaxSpeedField(level int) Field {
	return Field{Opcode: OpMaxSpeed, Payload: []byte{byte(level)}}
}

// AutoModeField carries the whole auto-mode block; the device has no
// per-threshold write.
func AutoModeField(cfg AutoModeConfig) Field {
	return Field{Opcode: OpAutoMode, Payload: []byte{
		triggerSwitches(cfg),
		byte(math.Round(CelsiusToFahrenheit(float64(cfg.HighTempC)))),
		byte(cfg.HighTempC),
		byte(math.Round(CelsiusToFahrenheit(float64(cfg.LowTempC)))),
		byte(cfg.LowTempC),
		byte(cfg.HighHumidityPct),
		byte(cfg.LowHumidityPct),
	}}
}

// triggerSwitches packs the enable flags into bits 3..0, set meaning enabled.
func triggerSwitches(cfg AutoModeConfig) byte {
	var b byte
	if cfg.HighTempEnabled {
		b |= 8
	}
	if cfg.LowTempEnabled {
		b |= 4
	}
	if cfg.HighHumidityEnabled {
		b |= 2
	}
	if cfg.LowHumidityEnabled {
		b |= 1
	}
	return b
}

// CelsiusToFahrenheit converts for the wire, rounded to two decimals. The
// Celsius value is authoritative.
func CelsiusToFahrenheit(c float64) float64 {
	return math.Round((c*9.0/5.0+32.0)*100) / 100
}
