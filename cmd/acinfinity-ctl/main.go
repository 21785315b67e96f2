package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/chaz8081/acinfinity-ble/internal/acinfinity"
	"github.com/chaz8081/acinfinity-ble/internal/acinfinity/protocol"
	"github.com/chaz8081/acinfinity-ble/internal/ble"
	"github.com/chaz8081/acinfinity-ble/internal/config"
	"github.com/chaz8081/acinfinity-ble/internal/coordinator"
)

const usage = `Usage: acinfinity-ctl [flags] <command> [value]

Commands:
  state                 print the last advertised state
  poll                  read mode, speed limits and auto-mode config
  on | off | auto       change the work mode
  speed <0-10>          turn on at the given speed (0 turns off)
  min <0-10>            set the minimum speed limit
  max <0-10>            set the maximum speed limit
  high-temp <C>         set the auto-mode high temperature threshold
  low-temp <C>          set the auto-mode low temperature threshold
  high-hum <%>          set the auto-mode high humidity threshold
  low-hum <%>           set the auto-mode low humidity threshold

Flags:
`

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to config file")
	address := flag.String("address", "", "device address (overrides config)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if *address == "" {
			log.Fatalf("config: %v", err)
		}
		cfg = config.Default()
	}
	if *address != "" {
		cfg.Device.Address = *address
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	level := config.ParseLogLevel(cfg.LogLevel)
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	op, err := parseCommand(flag.Arg(0), flag.Arg(1))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	adapter := ble.NewTinyGoAdapter()
	if err := adapter.Enable(); err != nil {
		log.Fatalf("Failed to enable Bluetooth adapter: %v", err)
	}

	session := ble.NewSession(adapter, cfg.Device.Address, ble.SessionOptions{
		ConnectTimeout:  cfg.BLE.ConnectTimeout,
		ResponseTimeout: cfg.BLE.ResponseTimeout,
	})
	defer session.Disconnect()

	device := acinfinity.NewDevice(cfg.Device.Address, session, protocol.NewCodec(cfg.Protocol.EFamilyTypes), acinfinity.Info{
		Name:    cfg.Device.Name,
		Type:    cfg.Device.Type,
		Version: cfg.Device.Version,
	})

	// Scan only until the device has identified itself.
	coord := coordinator.New(device, adapter, coordinator.Options{})
	scanCtx, stopScan := context.WithCancel(ctx)
	go func() {
		if err := adapter.Scan(scanCtx, coord.HandleAdvertisement); err != nil {
			slog.Warn("[BLE] scan stopped", "error", err)
		}
	}()
	ready := coord.WaitReady(ctx, cfg.BLE.ReadyTimeout)
	stopScan()
	if !ready {
		log.Fatalf("%s did not advertise within %s", cfg.Device.Address, cfg.BLE.ReadyTimeout)
	}

	if err := op(device, ctx); err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}

	printState(device)
}

// operation has method-expression shape so Device methods can be used directly.
type operation func(d *acinfinity.Device, ctx context.Context) error

// parseCommand maps a command line to a device operation. Validation of the
// value happens in the device before any I/O.
func parseCommand(name, arg string) (operation, error) {
	needInt := func(set func(*acinfinity.Device, context.Context, int) error) (operation, error) {
		v, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not an integer", name, arg)
		}
		return func(d *acinfinity.Device, ctx context.Context) error { return set(d, ctx, v) }, nil
	}
	needFloat := func(set func(*acinfinity.Device, context.Context, float64) error) (operation, error) {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a number", name, arg)
		}
		// Thresholds start from the polled configuration.
		return func(d *acinfinity.Device, ctx context.Context) error {
			if err := d.Poll(ctx); err != nil {
				return err
			}
			return set(d, ctx, v)
		}, nil
	}
	needIntAfterPoll := func(set func(*acinfinity.Device, context.Context, int) error) (operation, error) {
		return needFloat(func(d *acinfinity.Device, ctx context.Context, v float64) error {
			return set(d, ctx, int(v))
		})
	}

	switch name {
	case "state":
		return func(*acinfinity.Device, context.Context) error { return nil }, nil
	case "poll":
		return (*acinfinity.Device).Poll, nil
	case "on":
		return (*acinfinity.Device).TurnOn, nil
	case "off":
		return (*acinfinity.Device).TurnOff, nil
	case "auto":
		return (*acinfinity.Device).SetModeAuto, nil
	case "speed":
		return needInt((*acinfinity.Device).SetSpeed)
	case "min":
		return needInt((*acinfinity.Device).SetMinSpeed)
	case "max":
		return needInt((*acinfinity.Device).SetMaxSpeed)
	case "high-temp":
		return needFloat((*acinfinity.Device).SetAutoHighTemp)
	case "low-temp":
		return needFloat((*acinfinity.Device).SetAutoLowTemp)
	case "high-hum":
		return needIntAfterPoll((*acinfinity.Device).SetAutoHighHumidity)
	case "low-hum":
		return needIntAfterPoll((*acinfinity.Device).SetAutoLowHumidity)
	}
	return nil, fmt.Errorf("unknown command %q", name)
}

func printState(d *acinfinity.Device) {
	model, err := d.Model()
	if err != nil {
		model = "unknown model"
	}
	fmt.Printf("%s (%s, %s)\n", d.Name(), model, d.Address())
	out, err := json.MarshalIndent(d.State(), "", "  ")
	if err != nil {
		log.Fatalf("encode state: %v", err)
	}
	fmt.Println(string(out))
}
