package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chaz8081/acinfinity-ble/internal/acinfinity"
	"github.com/chaz8081/acinfinity-ble/internal/acinfinity/protocol"
	"github.com/chaz8081/acinfinity-ble/internal/ble"
	"github.com/chaz8081/acinfinity-ble/internal/bridge"
	"github.com/chaz8081/acinfinity-ble/internal/config"
	"github.com/chaz8081/acinfinity-ble/internal/coordinator"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/acinfinity-ble/config.yaml)")
	initConfig := flag.Bool("init", false, "write a default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Println("Config already exists at", config.DefaultConfigPath())
			return
		}
		fmt.Println("Wrote default config to", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	adapter := ble.NewTinyGoAdapter()
	if err := adapter.Enable(); err != nil {
		log.Fatalf("Failed to enable Bluetooth adapter: %v", err)
	}

	session := ble.NewSession(adapter, cfg.Device.Address, ble.SessionOptions{
		ConnectTimeout:  cfg.BLE.ConnectTimeout,
		ResponseTimeout: cfg.BLE.ResponseTimeout,
	})
	device := acinfinity.NewDevice(cfg.Device.Address, session, protocol.NewCodec(cfg.Protocol.EFamilyTypes), acinfinity.Info{
		Name:    cfg.Device.Name,
		Type:    cfg.Device.Type,
		Version: cfg.Device.Version,
	})
	coord := coordinator.New(device, adapter, coordinator.Options{
		Interval:   cfg.Poll.Interval,
		StaleAfter: cfg.Poll.StaleAfter,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- coord.Run(ctx) }()

	log.Printf("Waiting up to %s for %s to advertise...", cfg.BLE.ReadyTimeout, cfg.Device.Address)
	if !coord.WaitReady(ctx, cfg.BLE.ReadyTimeout) {
		if ctx.Err() != nil {
			return
		}
		log.Printf("Device not seen yet; continuing to scan")
	} else {
		model, err := device.Model()
		if err != nil {
			log.Printf("WARNING: %v", err)
		}
		log.Printf("Found %q (%s)", device.Name(), model)
	}

	var br *bridge.Bridge
	var mqttClient mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, br, err = startBridge(cfg, device)
		if err != nil {
			log.Fatalf("MQTT: %v", err)
		}
		log.Printf("MQTT bridge publishing to %s", br.StateTopic())
	}

	log.Println("Ready! Ctrl+C to quit.")

	select {
	case err := <-runErr:
		if err != nil {
			log.Printf("ERROR: %v", err)
		}
	case <-ctx.Done():
		log.Println("Shutting down...")
	}

	if br != nil {
		br.Stop()
		mqttClient.Disconnect(250)
	}
	session.Disconnect()
	log.Println("Goodbye!")
}

// startBridge connects to the broker and starts the MQTT bridge. The broker
// marks the device offline if the daemon vanishes.
func startBridge(cfg *config.Config, device *acinfinity.Device) (mqtt.Client, *bridge.Bridge, error) {
	opts := bridge.DefaultOptions()
	opts.TopicPrefix = cfg.MQTT.TopicPrefix

	var br *bridge.Bridge

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(cfg.MQTT.Broker)
	clientOpts.SetClientID(cfg.MQTT.ClientID)
	if cfg.MQTT.Username != "" {
		clientOpts.SetUsername(cfg.MQTT.Username)
		clientOpts.SetPassword(cfg.MQTT.Password)
	}
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetWill(bridge.AvailabilityTopicFor(opts.TopicPrefix, device.Address()), bridge.Offline, opts.QoS, true)
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("[MQTT] connection lost", "error", err)
	})
	// Clean sessions drop subscriptions on reconnect.
	clientOpts.SetOnConnectHandler(func(mqtt.Client) {
		slog.Info("[MQTT] connected", "broker", cfg.MQTT.Broker)
		go br.Resubscribe()
	})

	client := mqtt.NewClient(clientOpts)
	br = bridge.New(client, device, opts)

	token := client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return nil, nil, fmt.Errorf("connect to %s: timed out", cfg.MQTT.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", cfg.MQTT.Broker, err)
	}
	if err := br.Start(); err != nil {
		client.Disconnect(250)
		return nil, nil, err
	}
	return client, br, nil
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err != nil {
		return nil, fmt.Errorf("no config at %s (run with -init to create one): %w", defaultPath, err)
	}
	cfg, err := config.Load(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
	}
	log.Printf("Config loaded from %s", defaultPath)
	return cfg, nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== acinfinityd ===")
	fmt.Printf("  Device:  %s\n", cfg.Device.Address)
	fmt.Printf("  Poll:    every %s (stale after %s)\n", cfg.Poll.Interval, cfg.Poll.StaleAfter)
	if cfg.MQTT.Enabled {
		fmt.Printf("  MQTT:    %s (%s)\n", cfg.MQTT.Broker, cfg.MQTT.TopicPrefix)
	} else {
		fmt.Println("  MQTT:    disabled")
	}
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("===================")
}
