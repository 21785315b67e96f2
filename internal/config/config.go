package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/acinfinity-ble/internal/acinfinity/protocol"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	BLE      BLEConfig      `yaml:"ble"`
	Poll     PollConfig     `yaml:"poll"`
	Protocol ProtocolConfig `yaml:"protocol"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	LogLevel string         `yaml:"log_level"`
}

// DeviceConfig identifies the controller. Name, type and version seed the
// device state until the first advertisement arrives.
type DeviceConfig struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
	Type    int    `yaml:"type"`
	Version int    `yaml:"version"`
}

// BLEConfig holds connection timing.
type BLEConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	ReadyTimeout    time.Duration `yaml:"ready_timeout"` // wait for the first advertisement
}

// PollConfig controls the scheduling loop.
type PollConfig struct {
	Interval   time.Duration `yaml:"interval"`
	StaleAfter time.Duration `yaml:"stale_after"` // device unreachable if silent this long
}

// ProtocolConfig holds wire-format knobs.
type ProtocolConfig struct {
	EFamilyTypes []int `yaml:"e_family_types"`
}

// MQTTConfig holds the optional MQTT bridge settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

var addressPattern = regexp.MustCompile(`^([0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2}$|^[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}$`)

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "acinfinity-ble")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		BLE: BLEConfig{
			ConnectTimeout:  20 * time.Second,
			ResponseTimeout: 5 * time.Second,
			ReadyTimeout:    30 * time.Second,
		},
		Poll: PollConfig{
			Interval:   15 * time.Second,
			StaleAfter: 2 * time.Minute,
		},
		Protocol: ProtocolConfig{
			EFamilyTypes: append([]int(nil), protocol.DefaultEFamily...),
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "acinfinity-ble",
			TopicPrefix: "acinfinity",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. The device address is normalized to upper case.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Device.Address = strings.ToUpper(strings.TrimSpace(cfg.Device.Address))

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Address == "" {
		return errors.New("device.address must not be empty")
	}
	if !addressPattern.MatchString(c.Device.Address) {
		return fmt.Errorf("device.address must be a MAC (AA:BB:CC:DD:EE:FF) or platform UUID, got %q", c.Device.Address)
	}
	if c.Device.Type < 0 || c.Device.Version < 0 {
		return errors.New("device.type and device.version must be >= 0")
	}

	if c.BLE.ConnectTimeout <= 0 {
		return errors.New("ble.connect_timeout must be > 0")
	}
	if c.BLE.ResponseTimeout <= 0 {
		return errors.New("ble.response_timeout must be > 0")
	}
	if c.BLE.ReadyTimeout <= 0 {
		return errors.New("ble.ready_timeout must be > 0")
	}

	if c.Poll.Interval <= 0 {
		return errors.New("poll.interval must be > 0")
	}
	if c.Poll.StaleAfter < c.Poll.Interval {
		return fmt.Errorf("poll.stale_after (%s) must be >= poll.interval (%s)", c.Poll.StaleAfter, c.Poll.Interval)
	}

	for _, t := range c.Protocol.EFamilyTypes {
		if t < 0 || t > 255 {
			return fmt.Errorf("protocol.e_family_types: %d is not a device type byte", t)
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt.broker must not be empty when mqtt is enabled")
		}
		if c.MQTT.TopicPrefix == "" || strings.ContainsAny(c.MQTT.TopicPrefix, "#+") {
			return fmt.Errorf("mqtt.topic_prefix must be non-empty and free of wildcards, got %q", c.MQTT.TopicPrefix)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// WriteDefault writes a commented default config to DefaultConfigPath. It
// returns ("", nil) when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	header := "# acinfinity-ble configuration\n" +
		"# Set device.address to the controller's BLE address before starting.\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a log_level string to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
