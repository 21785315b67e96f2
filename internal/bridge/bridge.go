// Package bridge exposes a controller over MQTT: a retained JSON state
// document on every change and set/<field> command topics.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/acinfinity-ble/internal/acinfinity"
	"github.com/chaz8081/acinfinity-ble/internal/acinfinity/protocol"
)

// Client is the subset of mqtt.Client the bridge uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

var _ Client = (mqtt.Client)(nil)

// Controller is the device surface exposed over MQTT. *acinfinity.Device
// implements it.
type Controller interface {
	Address() string
	Model() (string, error)
	State() acinfinity.State
	RegisterCallback(fn func()) (unsubscribe func())

	TurnOn(ctx context.Context) error
	TurnOff(ctx context.Context) error
	SetSpeed(ctx context.Context, level int) error
	SetModeAuto(ctx context.Context) error
	SetMinSpeed(ctx context.Context, level int) error
	SetMaxSpeed(ctx context.Context, level int) error
	SetAutoHighTemp(ctx context.Context, celsius float64) error
	SetAutoLowTemp(ctx context.Context, celsius float64) error
	SetAutoHighHumidity(ctx context.Context, pct int) error
	SetAutoLowHumidity(ctx context.Context, pct int) error
	SetAutoHighTempEnabled(ctx context.Context, enabled bool) error
	SetAutoLowTempEnabled(ctx context.Context, enabled bool) error
	SetAutoHighHumidityEnabled(ctx context.Context, enabled bool) error
	SetAutoLowHumidityEnabled(ctx context.Context, enabled bool) error
}

var _ Controller = (*acinfinity.Device)(nil)

// Options configures topics and timing.
type Options struct {
	TopicPrefix    string
	QoS            byte
	CommandTimeout time.Duration // bound on one device command
	TokenTimeout   time.Duration // bound on broker acknowledgements
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopicPrefix:    "acinfinity",
		QoS:            1,
		CommandTimeout: 60 * time.Second,
		TokenTimeout:   10 * time.Second,
	}
}

// Availability payloads published on AvailabilityTopic.
const (
	Online  = "online"
	Offline = "offline"
)

type commandFunc func(ctx context.Context, payload string) error

// Bridge connects one controller to an MQTT broker session.
type Bridge struct {
	client Client
	dev    Controller
	opts   Options
	base   string

	commands map[string]commandFunc

	mu          sync.Mutex
	unsubscribe func()
	pending     sync.WaitGroup
}

// New creates a bridge. Topics live under <prefix>/<address>, with the
// address lower-cased and stripped of separators.
func New(client Client, dev Controller, opts Options) *Bridge {
	def := DefaultOptions()
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = def.TopicPrefix
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = def.CommandTimeout
	}
	if opts.TokenTimeout <= 0 {
		opts.TokenTimeout = def.TokenTimeout
	}
	b := &Bridge{
		client: client,
		dev:    dev,
		opts:   opts,
		base:   topicBase(opts.TopicPrefix, dev.Address()),
	}
	b.commands = b.commandTable()
	return b
}

// AvailabilityTopicFor returns the availability topic of the device at
// address, for configuring the broker will before a Bridge exists.
func AvailabilityTopicFor(prefix, address string) string {
	return topicBase(prefix, address) + "/availability"
}

func topicBase(prefix, address string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + topicID(address)
}

// topicID turns "AA:BB:CC:DD:EE:FF" into "aabbccddeeff".
func topicID(address string) string {
	return strings.ToLower(strings.NewReplacer(":", "", "-", "").Replace(address))
}

func (b *Bridge) StateTopic() string        { return b.base + "/state" }
func (b *Bridge) AvailabilityTopic() string { return b.base + "/availability" }
func (b *Bridge) commandTopic() string      { return b.base + "/set/#" }

// Start subscribes to command topics, announces availability and publishes
// the current state, then republishes on every device change.
func (b *Bridge) Start() error {
	if err := b.subscribe(); err != nil {
		return err
	}
	if err := b.wait(b.client.Publish(b.AvailabilityTopic(), b.opts.QoS, true, Online)); err != nil {
		return fmt.Errorf("bridge: publish availability: %w", err)
	}

	unsubscribe := b.dev.RegisterCallback(b.publishState)
	b.mu.Lock()
	b.unsubscribe = unsubscribe
	b.mu.Unlock()

	b.publishState()
	slog.Info("[MQTT] bridge started", "state_topic", b.StateTopic())
	return nil
}

// Resubscribe restores the command subscription and availability after a
// broker reconnect. It does nothing before Start.
func (b *Bridge) Resubscribe() {
	b.mu.Lock()
	started := b.unsubscribe != nil
	b.mu.Unlock()
	if !started {
		return
	}
	if err := b.subscribe(); err != nil {
		slog.Warn("[MQTT] resubscribe failed", "error", err)
		return
	}
	if err := b.wait(b.client.Publish(b.AvailabilityTopic(), b.opts.QoS, true, Online)); err != nil {
		slog.Warn("[MQTT] publish availability failed", "error", err)
	}
	b.publishState()
}

func (b *Bridge) subscribe() error {
	if err := b.wait(b.client.Subscribe(b.commandTopic(), b.opts.QoS, b.handleMessage)); err != nil {
		return fmt.Errorf("bridge: subscribe %s: %w", b.commandTopic(), err)
	}
	return nil
}

// Stop detaches from the device, waits for running commands and marks the
// device offline.
func (b *Bridge) Stop() {
	b.mu.Lock()
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	if err := b.wait(b.client.Unsubscribe(b.commandTopic())); err != nil {
		slog.Warn("[MQTT] unsubscribe failed", "error", err)
	}
	b.pending.Wait()
	if err := b.wait(b.client.Publish(b.AvailabilityTopic(), b.opts.QoS, true, Offline)); err != nil {
		slog.Warn("[MQTT] publish availability failed", "error", err)
	}
}

// stateDocument is the JSON published on StateTopic.
type stateDocument struct {
	Address string `json:"address"`
	Model   string `json:"model,omitempty"`
	acinfinity.State
}

// publishState runs inside device callbacks, so it never waits on the
// broker; delivery failures are logged from a separate goroutine.
func (b *Bridge) publishState() {
	doc := stateDocument{Address: b.dev.Address(), State: b.dev.State()}
	if model, err := b.dev.Model(); err == nil {
		doc.Model = model
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		slog.Error("[MQTT] encode state", "error", err)
		return
	}

	token := b.client.Publish(b.StateTopic(), b.opts.QoS, true, payload)
	go func() {
		if err := b.wait(token); err != nil {
			slog.Warn("[MQTT] publish state failed", "topic", b.StateTopic(), "error", err)
		}
	}()
}

// handleMessage is the paho callback for set/# topics. Device commands hold
// a BLE connection for seconds, so they run off the router goroutine.
func (b *Bridge) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	field := strings.TrimPrefix(msg.Topic(), b.base+"/set/")
	payload := string(msg.Payload())

	b.pending.Add(1)
	go func() {
		defer b.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.CommandTimeout)
		defer cancel()
		if err := b.execute(ctx, field, payload); err != nil {
			slog.Warn("[MQTT] command failed", "field", field, "payload", payload, "error", err)
		}
	}()
}

// ErrUnknownCommand is returned for set/<field> topics with no handler.
var ErrUnknownCommand = errors.New("bridge: unknown command")

// execute dispatches one command payload to the device.
func (b *Bridge) execute(ctx context.Context, field, payload string) error {
	cmd, ok := b.commands[field]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, field)
	}
	slog.Debug("[MQTT] command", "field", field, "payload", payload)
	return cmd(ctx, strings.TrimSpace(payload))
}

func (b *Bridge) commandTable() map[string]commandFunc {
	d := b.dev
	return map[string]commandFunc{
		"speed":     intCommand(d.SetSpeed),
		"min_speed": intCommand(d.SetMinSpeed),
		"max_speed": intCommand(d.SetMaxSpeed),
		"mode": func(ctx context.Context, p string) error {
			m, err := protocol.ParseWorkMode(p)
			if err != nil {
				return fmt.Errorf("%w: %w", acinfinity.ErrValidation, err)
			}
			switch m {
			case protocol.WorkModeOff:
				return d.TurnOff(ctx)
			case protocol.WorkModeOn:
				return d.TurnOn(ctx)
			default:
				return d.SetModeAuto(ctx)
			}
		},
		"auto/high_temp":             floatCommand(d.SetAutoHighTemp),
		"auto/low_temp":              floatCommand(d.SetAutoLowTemp),
		"auto/high_humidity":         intCommand(d.SetAutoHighHumidity),
		"auto/low_humidity":          intCommand(d.SetAutoLowHumidity),
		"auto/high_temp/enabled":     boolCommand(d.SetAutoHighTempEnabled),
		"auto/low_temp/enabled":      boolCommand(d.SetAutoLowTempEnabled),
		"auto/high_humidity/enabled": boolCommand(d.SetAutoHighHumidityEnabled),
		"auto/low_humidity/enabled":  boolCommand(d.SetAutoLowHumidityEnabled),
	}
}

func intCommand(set func(context.Context, int) error) commandFunc {
	return func(ctx context.Context, p string) error {
		v, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("%w: %q is not an integer", acinfinity.ErrValidation, p)
		}
		return set(ctx, v)
	}
}

func floatCommand(set func(context.Context, float64) error) commandFunc {
	return func(ctx context.Context, p string) error {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return fmt.Errorf("%w: %q is not a number", acinfinity.ErrValidation, p)
		}
		return set(ctx, v)
	}
}

// boolCommand accepts strconv booleans plus ON/OFF.
func boolCommand(set func(context.Context, bool) error) commandFunc {
	return func(ctx context.Context, p string) error {
		switch strings.ToLower(p) {
		case "on":
			return set(ctx, true)
		case "off":
			return set(ctx, false)
		}
		v, err := strconv.ParseBool(p)
		if err != nil {
			return fmt.Errorf("%w: %q is not a boolean", acinfinity.ErrValidation, p)
		}
		return set(ctx, v)
	}
}

// wait blocks for a broker acknowledgement up to TokenTimeout.
func (b *Bridge) wait(token mqtt.Token) error {
	if !token.WaitTimeout(b.opts.TokenTimeout) {
		return fmt.Errorf("bridge: timed out after %s", b.opts.TokenTimeout)
	}
	return token.Error()
}
