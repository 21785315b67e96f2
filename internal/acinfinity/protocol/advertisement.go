package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ManufacturerID is the Bluetooth SIG company identifier AC Infinity
// controllers advertise under.
const ManufacturerID uint16 = 2306

// Advertisement payload offsets (after the company identifier).
const (
	advVersion  = 6
	advType     = 7
	advFlags    = 8
	advTemp     = 9
	advHumidity = 11
	advFan      = 13
	advVPD      = 14

	advMinLen = advType + 1
)

// Presence flags in the advertisement flags byte.
const (
	advFlagTemperature = 1 << 1
	advFlagHumidity    = 1 << 2
	advFlagFan         = 1 << 3
)

// Advertisement holds the fields carried by one manufacturer-data broadcast.
// A nil field was not present and must not overwrite cached state.
type Advertisement struct {
	MAC          string
	Version      *int
	DeviceType   *int
	TemperatureC *float64
	HumidityPct  *float64
	FanSpeed     *int
	VPDKPa       *float64
}

// DecodeManufacturerData parses a raw manufacturer-specific AD structure
// whose first two bytes are the little-endian company identifier.
func (c *Codec) DecodeManufacturerData(raw []byte) (Advertisement, bool) {
	if len(raw) < 2 {
		return Advertisement{}, false
	}
	return c.DecodeAdvertisement(binary.LittleEndian.Uint16(raw), raw[2:])
}

// DecodeAdvertisement decodes a manufacturer-data payload. It reports false
// when companyID is not ManufacturerID or the payload is too short to carry
// a device identity; both are normal for unrelated BLE traffic.
func (c *Codec) DecodeAdvertisement(companyID uint16, data []byte) (Advertisement, bool) {
	if companyID != ManufacturerID || len(data) < advMinLen {
		return Advertisement{}, false
	}

	version := int(data[advVersion])
	deviceType := int(data[advType])
	adv := Advertisement{
		MAC:        fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", data[0], data[1], data[2], data[3], data[4], data[5]),
		Version:    &version,
		DeviceType: &deviceType,
	}
	if len(data) <= advFlags {
		return adv, true
	}

	flags := data[advFlags]
	if flags&advFlagTemperature != 0 && len(data) >= advTemp+2 {
		v := float64(int16(binary.BigEndian.Uint16(data[advTemp:]))) / 100
		adv.TemperatureC = &v
	}
	if flags&advFlagHumidity != 0 && len(data) >= advHumidity+2 {
		v := float64(binary.BigEndian.Uint16(data[advHumidity:])) / 100
		adv.HumidityPct = &v
	}
	if flags&advFlagFan != 0 && len(data) > advFan {
		v := int(data[advFan])
		adv.FanSpeed = &v
	}
	if version >= 3 && c.IsEFamily(deviceType) && len(data) >= advVPD+2 {
		v := float64(binary.BigEndian.Uint16(data[advVPD:])) / 100
		adv.VPDKPa = &v
	}
	return adv, true
}

// EncodeAdvertisement builds a manufacturer-data payload (without the company
// identifier) from adv. Nil sensor fields are left out of the flags byte.
// Used by simulators and tests.
func EncodeAdvertisement(mac [6]byte, adv Advertisement) []byte {
	b := make([]byte, advVPD+2)
	copy(b, mac[:])
	if adv.Version != nil {
		b[advVersion] = byte(*adv.Version)
	}
	if adv.DeviceType != nil {
		b[advType] = byte(*adv.DeviceType)
	}
	if adv.TemperatureC != nil {
		b[advFlags] |= advFlagTemperature
		binary.BigEndian.PutUint16(b[advTemp:], uint16(int16(math.Round(*adv.TemperatureC*100))))
	}
	if adv.HumidityPct != nil {
		b[advFlags] |= advFlagHumidity
		binary.BigEndian.PutUint16(b[advHumidity:], uint16(math.Round(*adv.HumidityPct*100)))
	}
	if adv.FanSpeed != nil {
		b[advFlags] |= advFlagFan
		b[advFan] = byte(*adv.FanSpeed)
	}
	if adv.VPDKPa == nil {
		return b[:advVPD]
	}
	binary.BigEndian.PutUint16(b[advVPD:], uint16(math.Round(*adv.VPDKPa*100)))
	return b
}
