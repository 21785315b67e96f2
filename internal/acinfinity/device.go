// Package acinfinity is the device facade for AC Infinity BLE fan
// controllers. It keeps the cached device state, applies advertisements and
// runs connect/command/disconnect cycles for polls and configuration writes.
package acinfinity

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/chaz8081/acinfinity-ble/internal/acinfinity/protocol"
)

// Speed and threshold bounds accepted by the controller.
const (
	MinLevel = 0
	MaxLevel = 10

	MinThresholdTempC = 0
	MaxThresholdTempC = 90
)

// Transport is one GATT session with the controller. *ble.Session
// implements it.
type Transport interface {
	EnsureConnected(ctx context.Context) error
	SendCommand(ctx context.Context, frame []byte, match func([]byte) bool) ([]byte, error)
	Disconnect()
}

// Info seeds the device state before the first advertisement arrives.
type Info struct {
	Name    string
	Type    int
	Version int
}

// Device is the public API for one controller. All methods are safe for
// concurrent use; device exchanges are serialized.
type Device struct {
	address   string
	transport Transport
	codec     *protocol.Codec

	// opMu serializes connect/command/disconnect cycles and owns seq.
	opMu sync.Mutex
	seq  uint16

	mu    sync.RWMutex
	state State

	observers observers
}

// NewDevice creates a facade over transport. A nil codec uses the default
// E-family set.
func NewDevice(address string, transport Transport, codec *protocol.Codec, info Info) *Device {
	if codec == nil {
		codec = protocol.NewCodec(nil)
	}
	return &Device{
		address:   address,
		transport: transport,
		codec:     codec,
		state: State{
			Name:            info.Name,
			DeviceType:      info.Type,
			FirmwareVersion: info.Version,
		},
	}
}

// Address returns the device's BLE address.
func (d *Device) Address() string { return d.address }

// State returns a copy of the cached state.
func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.clone()
}

// Name returns the advertised local name, empty until one is seen.
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.Name
}

func (d *Device) FanSpeed() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.FanSpeed
}

func (d *Device) WorkMode() protocol.WorkMode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.WorkMode
}

// IsOn reports whether the fan is in manual On or Auto mode.
func (d *Device) IsOn() bool {
	m := d.WorkMode()
	return m == protocol.WorkModeOn || m == protocol.WorkModeAuto
}

func (d *Device) Temperature() (float64, bool) { return d.reading(func(s *State) *float64 { return s.TemperatureC }) }
func (d *Device) Humidity() (float64, bool)    { return d.reading(func(s *State) *float64 { return s.HumidityPct }) }
func (d *Device) VPD() (float64, bool)         { return d.reading(func(s *State) *float64 { return s.VPDKPa }) }

func (d *Device) reading(field func(*State) *float64) (float64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if p := field(&d.state); p != nil {
		return *p, true
	}
	return 0, false
}

func (d *Device) MinSpeed() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.MinSpeed
}

func (d *Device) MaxSpeed() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.MaxSpeed
}

// AutoMode returns the auto-mode configuration; ok is false before the
// first successful poll.
func (d *Device) AutoMode() (cfg protocol.AutoModeConfig, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state.AutoMode == nil {
		return protocol.AutoModeConfig{}, false
	}
	return *d.state.AutoMode, true
}

func (d *Device) ConfigDirty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.ConfigDirty
}

// Model returns the model name for the current device type.
func (d *Device) Model() (string, error) {
	d.mu.RLock()
	t := d.state.DeviceType
	d.mu.RUnlock()
	return ModelName(t)
}

// Capabilities reports which readings this model/firmware exposes.
func (d *Device) Capabilities() Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Capabilities{
		Humidity: d.state.DeviceType != TypeAirtap,
		VPD:      d.state.FirmwareVersion >= 3 && d.codec.IsEFamily(d.state.DeviceType),
	}
}

// UpdateNeeded applies the polling policy to this device's dirty flag.
func (d *Device) UpdateNeeded(sinceLastPoll time.Duration) bool {
	return NeedsPoll(sinceLastPoll, d.ConfigDirty())
}

// RegisterCallback subscribes fn to every state change and returns the
// unsubscribe function.
func (d *Device) RegisterCallback(fn func()) (unsubscribe func()) {
	return d.observers.register(fn)
}

// ApplyAdvertisement merges one manufacturer-data broadcast into the cached
// state. It reports false, changing nothing, for foreign or unusable
// payloads. A non-empty name replaces the cached name.
func (d *Device) ApplyAdvertisement(name string, companyID uint16, data []byte) bool {
	adv, ok := d.codec.DecodeAdvertisement(companyID, data)
	if !ok {
		return false
	}
	d.update(func(s *State) {
		if name != "" {
			s.Name = name
		}
		s.mergeAdvertisement(adv)
	})
	return true
}

// Poll requests the full model-data block and applies it. This is the only
// path that populates the auto-mode configuration, and the only one that
// clears ConfigDirty. A missing or malformed response leaves state untouched.
func (d *Device) Poll(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	slog.Debug("[DEVICE] updating model data", "address", d.address)
	deviceType := d.deviceType()

	var md protocol.ModelData
	var got bool
	err := d.withConnection(ctx, func() error {
		resp, err := d.send(ctx, func(seq uint16) []byte {
			return d.codec.EncodeModelQuery(deviceType, seq)
		})
		if err != nil || resp == nil {
			return err
		}
		md, err = protocol.DecodeModelResponse(resp)
		if err != nil {
			slog.Debug("[DEVICE] skipping update", "address", d.address, "len", len(resp), "frame", protocol.HexString(resp), "error", err)
			return nil
		}
		got = true
		return nil
	})
	if err != nil || !got {
		return err
	}

	d.update(func(s *State) {
		s.applyModelData(md)
		s.ConfigDirty = false
	})
	return nil
}

// TurnOff switches to Off; the fan then runs at the minimum speed limit.
func (d *Device) TurnOff(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	slog.Debug("[DEVICE] turning off", "address", d.address)
	return d.write(ctx, func(s *State) {
		s.WorkMode = protocol.WorkModeOff
		s.deriveFanSpeed()
	}, protocol.WorkModeField(protocol.WorkModeOff))
}

// TurnOn switches to On at the current maximum speed limit.
func (d *Device) TurnOn(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	slog.Debug("[DEVICE] turning on", "address", d.address)
	return d.write(ctx, func(s *State) {
		s.WorkMode = protocol.WorkModeOn
		s.deriveFanSpeed()
	}, protocol.WorkModeField(protocol.WorkModeOn))
}

// SetSpeed turns the fan on at level (1..10) by setting the maximum speed
// limit. Level 0 turns the fan off.
func (d *Device) SetSpeed(ctx context.Context, level int) error {
	if err := validateLevel("speed", level); err != nil {
		return err
	}
	if level == 0 {
		return d.TurnOff(ctx)
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	slog.Debug("[DEVICE] setting speed", "address", d.address, "level", level)
	return d.write(ctx, func(s *State) {
		s.WorkMode = protocol.WorkModeOn
		s.MaxSpeed = level
		s.deriveFanSpeed()
	}, protocol.WorkModeField(protocol.WorkModeOn), protocol.MaxSpeedField(level))
}

// SetModeAuto hands fan control to the auto-mode thresholds.
func (d *Device) SetModeAuto(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	slog.Debug("[DEVICE] setting mode to auto", "address", d.address)
	return d.write(ctx, func(s *State) {
		s.WorkMode = protocol.WorkModeAuto
	}, protocol.WorkModeField(protocol.WorkModeAuto))
}

// SetMinSpeed sets the speed used while Off and the lower bound in dynamic
// modes.
func (d *Device) SetMinSpeed(ctx context.Context, level int) error {
	if err := validateLevel("min speed", level); err != nil {
		return err
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	slog.Debug("[DEVICE] setting min speed", "address", d.address, "level", level)
	return d.write(ctx, func(s *State) {
		s.MinSpeed = level
		s.deriveFanSpeed()
	}, protocol.MinSpeedField(level))
}

// SetMaxSpeed sets the speed used while On and the upper bound in dynamic
// modes.
func (d *Device) SetMaxSpeed(ctx context.Context, level int) error {
	if err := validateLevel("max speed", level); err != nil {
		return err
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	slog.Debug("[DEVICE] setting max speed", "address", d.address, "level", level)
	return d.write(ctx, func(s *State) {
		s.MaxSpeed = level
		s.deriveFanSpeed()
	}, protocol.MaxSpeedField(level))
}

// SetAutoModeConfig sends a complete auto-mode configuration.
func (d *Device) SetAutoModeConfig(ctx context.Context, cfg protocol.AutoModeConfig) error {
	if err := validateAutoMode(cfg); err != nil {
		return err
	}

	d.opMu.Lock()
	defer d.opMu.Unlock()

	return d.writeAutoMode(ctx, cfg)
}

// SetAutoHighTemp sets the high temperature threshold, rounded to whole °C.
func (d *Device) SetAutoHighTemp(ctx context.Context, celsius float64) error {
	return d.updateAutoMode(ctx, func(c *protocol.AutoModeConfig) { c.HighTempC = int(math.Round(celsius)) })
}

// SetAutoLowTemp sets the low temperature threshold, rounded to whole °C.
func (d *Device) SetAutoLowTemp(ctx context.Context, celsius float64) error {
	return d.updateAutoMode(ctx, func(c *protocol.AutoModeConfig) { c.LowTempC = int(math.Round(celsius)) })
}

func (d *Device) SetAutoHighHumidity(ctx context.Context, pct int) error {
	return d.updateAutoMode(ctx, func(c *protocol.AutoModeConfig) { c.HighHumidityPct = pct })
}

func (d *Device) SetAutoLowHumidity(ctx context.Context, pct int) error {
	return d.updateAutoMode(ctx, func(c *protocol.AutoModeConfig) { c.LowHumidityPct = pct })
}

func (d *Device) SetAutoHighTempEnabled(ctx context.Context, enabled bool) error {
	return d.updateAutoMode(ctx, func(c *protocol.AutoModeConfig) { c.HighTempEnabled = enabled })
}

func (d *Device) SetAutoLowTempEnabled(ctx context.Context, enabled bool) error {
	return d.updateAutoMode(ctx, func(c *protocol.AutoModeConfig) { c.LowTempEnabled = enabled })
}

func (d *Device) SetAutoHighHumidityEnabled(ctx context.Context, enabled bool) error {
	return d.updateAutoMode(ctx, func(c *protocol.AutoModeConfig) { c.HighHumidityEnabled = enabled })
}

func (d *Device) SetAutoLowHumidityEnabled(ctx context.Context, enabled bool) error {
	return d.updateAutoMode(ctx, func(c *protocol.AutoModeConfig) { c.LowHumidityEnabled = enabled })
}

// updateAutoMode changes one field of the polled configuration and re-sends
// the whole block.
func (d *Device) updateAutoMode(ctx context.Context, mutate func(*protocol.AutoModeConfig)) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	cfg, ok := d.AutoMode()
	if !ok {
		return ErrConfigNotLoaded
	}
	mutate(&cfg)
	if err := validateAutoMode(cfg); err != nil {
		return err
	}
	return d.writeAutoMode(ctx, cfg)
}

// writeAutoMode sends cfg (caller holds opMu).
func (d *Device) writeAutoMode(ctx context.Context, cfg protocol.AutoModeConfig) error {
	slog.Debug("[DEVICE] setting auto mode config", "address", d.address, "config", fmt.Sprintf("%+v", cfg))
	return d.write(ctx, func(s *State) {
		s.AutoMode = &cfg
	}, protocol.AutoModeField(cfg))
}

// write runs one command cycle and, once the frame is on the wire, applies
// the local change and marks the configuration dirty. A missing response
// does not undo the change: the next poll confirms or corrects it.
// Caller holds opMu.
func (d *Device) write(ctx context.Context, apply func(*State), fields ...protocol.Field) error {
	deviceType := d.deviceType()
	err := d.withConnection(ctx, func() error {
		_, err := d.send(ctx, func(seq uint16) []byte {
			return d.codec.EncodeCommand(deviceType, seq, fields...)
		})
		return err
	})
	if err != nil {
		return err
	}

	d.update(func(s *State) {
		apply(s)
		s.ConfigDirty = true
	})
	return nil
}

// withConnection runs fn between EnsureConnected and Disconnect. Disconnect
// runs on every exit path once the connection is open.
func (d *Device) withConnection(ctx context.Context, fn func() error) error {
	if err := d.transport.EnsureConnected(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	defer d.transport.Disconnect()
	return fn()
}

// send encodes a frame with the next sequence number and awaits its
// response. A nil response means the device did not answer in time.
func (d *Device) send(ctx context.Context, build func(seq uint16) []byte) ([]byte, error) {
	d.seq++
	seq := d.seq
	resp, err := d.transport.SendCommand(ctx, build(seq), protocol.MatchSequence(seq))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	if resp == nil {
		slog.Debug("[DEVICE] no response", "address", d.address, "seq", seq)
	}
	return resp, nil
}

// update is the single mutation path: apply under the write lock, then
// notify observers once.
func (d *Device) update(fn func(*State)) {
	d.mu.Lock()
	fn(&d.state)
	d.mu.Unlock()
	d.observers.notify()
}

func (d *Device) deviceType() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.DeviceType
}

func validateLevel(what string, level int) error {
	if level < MinLevel || level > MaxLevel {
		return fmt.Errorf("%w: %s must be between %d and %d, got %d", ErrValidation, what, MinLevel, MaxLevel, level)
	}
	return nil
}

func validateAutoMode(cfg protocol.AutoModeConfig) error {
	for _, t := range []struct {
		name     string
		v, lo, hi int
	}{
		{"high temperature", cfg.HighTempC, MinThresholdTempC, MaxThresholdTempC},
		{"low temperature", cfg.LowTempC, MinThresholdTempC, MaxThresholdTempC},
		{"high humidity", cfg.HighHumidityPct, 0, 100},
		{"low humidity", cfg.LowHumidityPct, 0, 100},
	} {
		if t.v < t.lo || t.v > t.hi {
			return fmt.Errorf("%w: %s must be between %d and %d, got %d", ErrValidation, t.name, t.lo, t.hi, t.v)
		}
	}
	return nil
}
