package protocol

import (
	"fmt"
	"math"
)

// ModelDataMinLen is the shortest response that carries the whole
// model-data block.
const ModelDataMinLen = 28

// Byte offsets inside a model-data response frame.
const (
	offWorkMode     = 12
	offMinSpeed     = 15
	offMaxSpeed     = 18
	offSwitches     = 21
	offHighTempC    = 23
	offLowTempC     = 25
	offHighHumidity = 26
	offLowHumidity  = 27
)

// ModelData is the decoded full-state response to a model-data query.
type ModelData struct {
	WorkMode WorkMode
	MinSpeed int
	MaxSpeed int
	AutoMode AutoModeConfig
}

// DecodeModelResponse parses a model-data response frame. Payloads shorter
// than ModelDataMinLen or with a broken header return ErrMalformed.
func DecodeModelResponse(b []byte) (ModelData, error) {
	if len(b) < ModelDataMinLen {
		return ModelData{}, fmt.Errorf("%w: model data too short (%d bytes)", ErrMalformed, len(b))
	}
	if _, err := parseHeader(b); err != nil {
		return ModelData{}, err
	}

	sw := b[offSwitches]
	return ModelData{
		WorkMode: WorkMode(b[offWorkMode]),
		MinSpeed: int(b[offMinSpeed]),
		MaxSpeed: int(b[offMaxSpeed]),
		AutoMode: AutoModeConfig{
			HighTempEnabled:     !bit(sw, 4),
			LowTempEnabled:      !bit(sw, 5),
			HighHumidityEnabled: !bit(sw, 6),
			LowHumidityEnabled:  !bit(sw, 7),
			HighTempC:           int(b[offHighTempC]),
			LowTempC:            int(b[offLowTempC]),
			HighHumidityPct:     int(b[offHighHumidity]),
			LowHumidityPct:      int(b[offLowHumidity]),
		},
	}, nil
}

// EncodeModelResponse builds the response frame a device sends for a
// model-data query. It mirrors DecodeModelResponse and is used by simulators.
func EncodeModelResponse(seq uint16, md ModelData) []byte {
	var sw byte
	if !md.AutoMode.HighTempEnabled {
		sw |= 1 << 4
	}
	if !md.AutoMode.LowTempEnabled {
		sw |= 1 << 5
	}
	if !md.AutoMode.HighHumidityEnabled {
		sw |= 1 << 6
	}
	if !md.AutoMode.LowHumidityEnabled {
		sw |= 1 << 7
	}
	a := md.AutoMode
	fields := []byte{
		OpWorkMode, 1, byte(md.WorkMode),
		OpMinSpeed, 1, byte(md.MinSpeed),
		OpMaxSpeed, 1, byte(md.MaxSpeed),
		OpAutoMode, 7,
		sw,
		byte(math.Round(CelsiusToFahrenheit(float64(a.HighTempC)))), byte(a.HighTempC),
		byte(math.Round(CelsiusToFahrenheit(float64(a.LowTempC)))), byte(a.LowTempC),
		byte(a.HighHumidityPct), byte(a.LowHumidityPct),
	}
	return wrap(KindReadModel, fields, seq)
}

// DecodeFields splits TLV fields, dropping an E-family trailer if present.
func DecodeFields(b []byte) ([]Field, error) {
	var out []Field
	for len(b) > 0 {
		if len(b) == len(eFamilyTrailer) && b[0] == eFamilyTrailer[0] && b[1] == eFamilyTrailer[1] {
			break
		}
		if len(b) < 2 || len(b) < 2+int(b[1]) {
			return nil, fmt.Errorf("%w: truncated field", ErrMalformed)
		}
		n := int(b[1])
		out = append(out, Field{Opcode: b[0], Payload: b[2 : 2+n]})
		b = b[2+n:]
	}
	return out, nil
}

// bit reports whether bit pos (0 = LSB) of b is set.
func bit(b byte, pos uint) bool {
	return b>>pos&1 == 1
}
