// Package coordinator feeds scan results into a device facade and decides
// when to run connection-based polls.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/acinfinity-ble/internal/acinfinity"
	"github.com/chaz8081/acinfinity-ble/internal/acinfinity/protocol"
	"github.com/chaz8081/acinfinity-ble/internal/ble"
)

// Device is the part of the facade the coordinator drives.
type Device interface {
	Address() string
	Name() string
	ApplyAdvertisement(name string, companyID uint16, data []byte) bool
	UpdateNeeded(sinceLastPoll time.Duration) bool
	Poll(ctx context.Context) error
}

var _ Device = (*acinfinity.Device)(nil)

// Scanner delivers advertisements until ctx is done. ble.Adapter
// implementations satisfy it.
type Scanner interface {
	Scan(ctx context.Context, onAdvertisement func(ble.Advertisement)) error
}

// Options configures scheduling.
type Options struct {
	Interval   time.Duration // periodic poll check
	StaleAfter time.Duration // no poll if the device has been silent this long
	MaxBackoff time.Duration // cap on the delay after consecutive poll failures

	now func() time.Time
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Interval:   15 * time.Second,
		StaleAfter: 2 * time.Minute,
		MaxBackoff: 5 * time.Minute,
	}
}

// Coordinator ingests advertisements for one device and schedules polls.
type Coordinator struct {
	device  Device
	scanner Scanner
	opts    Options

	mu          sync.Mutex
	lastSeen    time.Time
	lastPoll    time.Time
	polled      bool
	failures    int
	nextAttempt time.Time

	ready     chan struct{}
	readyOnce sync.Once
	trigger   chan struct{}
}

// New creates a coordinator. Zero option fields take their defaults.
func New(device Device, scanner Scanner, opts Options) *Coordinator {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = def.StaleAfter
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = def.MaxBackoff
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &Coordinator{
		device:  device,
		scanner: scanner,
		opts:    opts,
		ready:   make(chan struct{}),
		trigger: make(chan struct{}, 1),
	}
}

// HandleAdvertisement applies adv when it comes from the coordinated device
// and carries AC Infinity manufacturer data. Everything else is ignored.
func (c *Coordinator) HandleAdvertisement(adv ble.Advertisement) {
	if !strings.EqualFold(adv.MAC, c.device.Address()) {
		return
	}
	data, ok := adv.ManufacturerData[protocol.ManufacturerID]
	if !ok {
		return
	}
	if !c.device.ApplyAdvertisement(adv.Name, protocol.ManufacturerID, data) {
		slog.Debug("[COORD] ignoring unusable advertisement", "address", adv.MAC, "len", len(data))
		return
	}

	c.mu.Lock()
	c.lastSeen = c.opts.now()
	c.mu.Unlock()

	if c.device.Name() != "" {
		c.readyOnce.Do(func() {
			slog.Info("[COORD] device ready", "address", adv.MAC, "name", c.device.Name(), "rssi", adv.RSSI)
			close(c.ready)
		})
	}

	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Ready is closed once the device has advertised with a name.
func (c *Coordinator) Ready() <-chan struct{} { return c.ready }

// WaitReady blocks until the device is ready, timeout elapses or ctx is
// done. It reports whether the device became ready.
func (c *Coordinator) WaitReady(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.ready:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Run scans and polls until ctx is done. Polls run on the Run goroutine, so
// at most one is in flight. A scan failure ends Run with an error.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	scanErr := make(chan error, 1)
	go func() {
		scanErr <- c.scanner.Scan(ctx, c.HandleAdvertisement)
	}()

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	slog.Info("[COORD] running", "address", c.device.Address(), "interval", c.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return fmt.Errorf("coordinator: %w", err)
			}
			return fmt.Errorf("coordinator: scan stopped unexpectedly")
		case <-ticker.C:
			c.pollIfNeeded(ctx)
		case <-c.trigger:
			c.pollIfNeeded(ctx)
		}
	}
}

// pollIfNeeded runs one poll when the device is reachable, not backing off
// and the polling policy asks for it.
func (c *Coordinator) pollIfNeeded(ctx context.Context) {
	if !c.shouldPoll() {
		return
	}

	err := c.device.Poll(ctx)
	now := c.opts.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failures++
		delay := backoffDelay(c.failures-1, c.opts.Interval, c.opts.MaxBackoff)
		c.nextAttempt = now.Add(delay)
		slog.Warn("[COORD] poll failed", "address", c.device.Address(), "error", err, "failures", c.failures, "retry_in", delay)
		return
	}
	if c.failures > 0 {
		slog.Info("[COORD] poll recovered", "address", c.device.Address(), "after_failures", c.failures)
	}
	c.failures = 0
	c.nextAttempt = time.Time{}
	c.lastPoll = now
	c.polled = true
}

func (c *Coordinator) shouldPoll() bool {
	now := c.opts.now()

	c.mu.Lock()
	lastSeen, lastPoll, polled, nextAttempt := c.lastSeen, c.lastPoll, c.polled, c.nextAttempt
	c.mu.Unlock()

	if lastSeen.IsZero() || now.Sub(lastSeen) > c.opts.StaleAfter {
		return false
	}
	if now.Before(nextAttempt) {
		return false
	}
	since := acinfinity.NeverPolled
	if polled {
		since = now.Sub(lastPoll)
	}
	return c.device.UpdateNeeded(since)
}

// backoffDelay returns the retry delay after failure n (0-based): base
// doubled per failure, capped at max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt > 16 {
		return max
	}
	delay := base << uint(attempt)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}
