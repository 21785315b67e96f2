package acinfinity

import "github.com/chaz8081/acinfinity-ble/internal/acinfinity/protocol"

// State is a snapshot of the last-known device attributes. Sensor readings
// and AutoMode are nil until a broadcast or poll has populated them.
type State struct {
	Name            string                   `json:"name"`
	DeviceType      int                      `json:"device_type"`
	FirmwareVersion int                      `json:"firmware_version"`
	FanSpeed        int                      `json:"fan_speed"`
	TemperatureC    *float64                 `json:"temperature_c"`
	HumidityPct     *float64                 `json:"humidity_pct"`
	VPDKPa          *float64                 `json:"vpd_kpa"`
	WorkMode        protocol.WorkMode        `json:"work_mode"`
	MinSpeed        int                      `json:"min_speed"`
	MaxSpeed        int                      `json:"max_speed"`
	AutoMode        *protocol.AutoModeConfig `json:"auto_mode"`
	// ConfigDirty is set by local writes and cleared by the next full poll.
	ConfigDirty bool `json:"config_dirty"`
}

// clone returns a deep copy safe to hand to callers.
func (s State) clone() State {
	out := s
	out.TemperatureC = copyPtr(s.TemperatureC)
	out.HumidityPct = copyPtr(s.HumidityPct)
	out.VPDKPa = copyPtr(s.VPDKPa)
	out.AutoMode = copyPtr(s.AutoMode)
	return out
}

// mergeAdvertisement overwrites only the fields present in adv.
func (s *State) mergeAdvertisement(adv protocol.Advertisement) {
	if adv.Version != nil {
		s.FirmwareVersion = *adv.Version
	}
	if adv.DeviceType != nil {
		s.DeviceType = *adv.DeviceType
	}
	if adv.TemperatureC != nil {
		s.TemperatureC = copyPtr(adv.TemperatureC)
	}
	if adv.HumidityPct != nil {
		s.HumidityPct = copyPtr(adv.HumidityPct)
	}
	if adv.VPDKPa != nil {
		s.VPDKPa = copyPtr(adv.VPDKPa)
	}
	if adv.FanSpeed != nil {
		s.FanSpeed = *adv.FanSpeed
	}
}

// applyModelData replaces mode, limits and auto-mode config with a polled
// model-data block.
func (s *State) applyModelData(md protocol.ModelData) {
	s.WorkMode = md.WorkMode
	s.MinSpeed = md.MinSpeed
	s.MaxSpeed = md.MaxSpeed
	auto := md.AutoMode
	s.AutoMode = &auto
	s.deriveFanSpeed()
}

// deriveFanSpeed applies the Off/On speed rule. In Auto the device-reported
// speed stands.
func (s *State) deriveFanSpeed() {
	switch s.WorkMode {
	case protocol.WorkModeOff:
		s.FanSpeed = s.MinSpeed
	case protocol.WorkModeOn:
		s.FanSpeed = s.MaxSpeed
	}
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
