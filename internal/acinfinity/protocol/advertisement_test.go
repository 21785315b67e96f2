package protocol

import (
	"encoding/binary"
	"testing"
)

var testMAC = [6]byte{0xC0, 0xFF, 0xEE, 0x01, 0x02, 0x03}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestDecodeAdvertisementFullPayload(t *testing.T) {
	c := NewCodec(nil)
	payload := EncodeAdvertisement(testMAC, Advertisement{
		Version:      intPtr(3),
		DeviceType:   intPtr(11),
		TemperatureC: floatPtr(23.45),
		HumidityPct:  floatPtr(55.1),
		FanSpeed:     intPtr(6),
		VPDKPa:       floatPtr(1.23),
	})

	adv, ok := c.DecodeAdvertisement(ManufacturerID, payload)
	if !ok {
		t.Fatal("DecodeAdvertisement() ok = false, want true")
	}
	if adv.MAC != "C0:FF:EE:01:02:03" {
		t.Errorf("MAC = %q, want %q", adv.MAC, "C0:FF:EE:01:02:03")
	}
	if *adv.Version != 3 || *adv.DeviceType != 11 {
		t.Errorf("Version/DeviceType = %d/%d, want 3/11", *adv.Version, *adv.DeviceType)
	}
	if adv.TemperatureC == nil || *adv.TemperatureC != 23.45 {
		t.Errorf("TemperatureC = %v, want 23.45", adv.TemperatureC)
	}
	if adv.HumidityPct == nil || *adv.HumidityPct != 55.1 {
		t.Errorf("HumidityPct = %v, want 55.1", adv.HumidityPct)
	}
	if adv.FanSpeed == nil || *adv.FanSpeed != 6 {
		t.Errorf("FanSpeed = %v, want 6", adv.FanSpeed)
	}
	if adv.VPDKPa == nil || *adv.VPDKPa != 1.23 {
		t.Errorf("VPDKPa = %v, want 1.23", adv.VPDKPa)
	}
}

func TestDecodeAdvertisementNegativeTemperature(t *testing.T) {
	c := NewCodec(nil)
	payload := EncodeAdvertisement(testMAC, Advertisement{
		Version:      intPtr(1),
		DeviceType:   intPtr(1),
		TemperatureC: floatPtr(-5.5),
	})
	adv, ok := c.DecodeAdvertisement(ManufacturerID, payload)
	if !ok || adv.TemperatureC == nil || *adv.TemperatureC != -5.5 {
		t.Errorf("TemperatureC = %v (ok=%v), want -5.5", adv.TemperatureC, ok)
	}
}

func TestDecodeAdvertisementWrongManufacturer(t *testing.T) {
	c := NewCodec(nil)
	payload := EncodeAdvertisement(testMAC, Advertisement{Version: intPtr(1), DeviceType: intPtr(1)})
	if _, ok := c.DecodeAdvertisement(0x004C, payload); ok {
		t.Error("DecodeAdvertisement() ok = true for foreign company id")
	}
}

func TestDecodeAdvertisementAbsentFieldsStayNil(t *testing.T) {
	c := NewCodec(nil)
	payload := EncodeAdvertisement(testMAC, Advertisement{
		Version:    intPtr(3),
		DeviceType: intPtr(6),
		FanSpeed:   intPtr(4),
	})

	adv, ok := c.DecodeAdvertisement(ManufacturerID, payload)
	if !ok {
		t.Fatal("DecodeAdvertisement() ok = false")
	}
	if adv.TemperatureC != nil || adv.HumidityPct != nil || adv.VPDKPa != nil {
		t.Errorf("absent fields decoded: temp=%v hum=%v vpd=%v", adv.TemperatureC, adv.HumidityPct, adv.VPDKPa)
	}
	if adv.FanSpeed == nil || *adv.FanSpeed != 4 {
		t.Errorf("FanSpeed = %v, want 4", adv.FanSpeed)
	}
}

func TestDecodeAdvertisementVPDGating(t *testing.T) {
	c := NewCodec(nil)
	tests := []struct {
		name       string
		version    int
		deviceType int
		wantVPD    bool
	}{
		{"old firmware e-family", 2, 7, false},
		{"new firmware e-family", 3, 7, true},
		{"new firmware controller 67", 3, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := EncodeAdvertisement(testMAC, Advertisement{
				Version:    intPtr(tt.version),
				DeviceType: intPtr(tt.deviceType),
				VPDKPa:     floatPtr(0.9),
			})
			adv, _ := c.DecodeAdvertisement(ManufacturerID, payload)
			if (adv.VPDKPa != nil) != tt.wantVPD {
				t.Errorf("VPDKPa present = %v, want %v", adv.VPDKPa != nil, tt.wantVPD)
			}
		})
	}
}

func TestDecodeAdvertisementTruncated(t *testing.T) {
	c := NewCodec(nil)
	payload := EncodeAdvertisement(testMAC, Advertisement{
		Version:      intPtr(1),
		DeviceType:   intPtr(1),
		TemperatureC: floatPtr(20),
		HumidityPct:  floatPtr(50),
	})

	if _, ok := c.DecodeAdvertisement(ManufacturerID, payload[:advType]); ok {
		t.Error("payload without device type should be rejected")
	}

	// Cut inside the humidity field: temperature survives, humidity is absent.
	adv, ok := c.DecodeAdvertisement(ManufacturerID, payload[:advHumidity+1])
	if !ok {
		t.Fatal("DecodeAdvertisement() ok = false")
	}
	if adv.TemperatureC == nil {
		t.Error("TemperatureC should be decoded")
	}
	if adv.HumidityPct != nil {
		t.Errorf("HumidityPct = %v, want nil for truncated payload", *adv.HumidityPct)
	}
}

func TestDecodeManufacturerData(t *testing.T) {
	c := NewCodec(nil)
	payload := EncodeAdvertisement(testMAC, Advertisement{Version: intPtr(2), DeviceType: intPtr(7)})
	raw := binary.LittleEndian.AppendUint16(nil, ManufacturerID)
	raw = append(raw, payload...)

	adv, ok := c.DecodeManufacturerData(raw)
	if !ok {
		t.Fatal("DecodeManufacturerData() ok = false")
	}
	if *adv.DeviceType != 7 {
		t.Errorf("DeviceType = %d, want 7", *adv.DeviceType)
	}
	if _, ok := c.DecodeManufacturerData([]byte{0x02}); ok {
		t.Error("DecodeManufacturerData() should reject 1-byte input")
	}
}
