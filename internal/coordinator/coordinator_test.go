package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/acinfinity-ble/internal/acinfinity"
	"github.com/chaz8081/acinfinity-ble/internal/acinfinity/protocol"
	"github.com/chaz8081/acinfinity-ble/internal/ble"
)

const testAddress = "AA:BB:CC:DD:EE:FF"

// fakeDevice records what the coordinator asks of the facade.
type fakeDevice struct {
	mu       sync.Mutex
	name     string
	applied  int
	polls    int
	pollErr  error
	dirty    bool
	polledCh chan struct{}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{polledCh: make(chan struct{}, 16)}
}

func (d *fakeDevice) Address() string { return testAddress }

func (d *fakeDevice) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

func (d *fakeDevice) ApplyAdvertisement(name string, companyID uint16, data []byte) bool {
	if companyID != protocol.ManufacturerID || len(data) < 8 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.applied++
	if name != "" {
		d.name = name
	}
	return true
}

func (d *fakeDevice) UpdateNeeded(since time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return acinfinity.NeedsPoll(since, d.dirty)
}

func (d *fakeDevice) Poll(context.Context) error {
	d.mu.Lock()
	d.polls++
	err := d.pollErr
	d.mu.Unlock()
	d.polledCh <- struct{}{}
	return err
}

func (d *fakeDevice) counts() (applied, polls int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applied, d.polls
}

// fakeScanner replays ads then blocks until ctx is done, like a real scan.
type fakeScanner struct {
	ads []ble.Advertisement
	err error
}

func (s *fakeScanner) Scan(ctx context.Context, onAdvertisement func(ble.Advertisement)) error {
	if s.err != nil {
		return s.err
	}
	for _, ad := range s.ads {
		onAdvertisement(ad)
	}
	<-ctx.Done()
	return nil
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func advertisement(mac, name string) ble.Advertisement {
	return ble.Advertisement{
		Name: name,
		MAC:  mac,
		RSSI: -60,
		ManufacturerData: map[uint16][]byte{
			protocol.ManufacturerID: make([]byte, 14),
		},
	}
}

func newTestCoordinator(dev Device, clock *fakeClock) *Coordinator {
	opts := DefaultOptions()
	opts.now = clock.Now
	return New(dev, &fakeScanner{}, opts)
}

func TestHandleAdvertisementFilters(t *testing.T) {
	tests := []struct {
		name      string
		ad        ble.Advertisement
		wantApply bool
	}{
		{"matching device", advertisement(testAddress, "Fan"), true},
		{"case-insensitive address", advertisement("aa:bb:cc:dd:ee:ff", "Fan"), true},
		{"other device", advertisement("11:22:33:44:55:66", "Fan"), false},
		{"no manufacturer data", ble.Advertisement{Name: "Fan", MAC: testAddress}, false},
		{"foreign manufacturer", ble.Advertisement{Name: "Fan", MAC: testAddress, ManufacturerData: map[uint16][]byte{0x004C: make([]byte, 14)}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newFakeDevice()
			c := newTestCoordinator(dev, &fakeClock{now: time.Unix(1000, 0)})

			c.HandleAdvertisement(tt.ad)

			applied, _ := dev.counts()
			if (applied == 1) != tt.wantApply {
				t.Errorf("applied = %d, want applied=%v", applied, tt.wantApply)
			}
			select {
			case <-c.Ready():
				if !tt.wantApply {
					t.Error("ready fired for an ignored advertisement")
				}
			default:
				if tt.wantApply {
					t.Error("ready did not fire for a named advertisement")
				}
			}
		})
	}
}

func TestReadyRequiresName(t *testing.T) {
	dev := newFakeDevice()
	c := newTestCoordinator(dev, &fakeClock{now: time.Unix(1000, 0)})

	c.HandleAdvertisement(advertisement(testAddress, ""))
	if c.WaitReady(context.Background(), 10*time.Millisecond) {
		t.Fatal("WaitReady() = true before the device has a name")
	}

	c.HandleAdvertisement(advertisement(testAddress, "Tent Fan"))
	if !c.WaitReady(context.Background(), time.Second) {
		t.Fatal("WaitReady() = false after a named advertisement")
	}

	// Later advertisements must not close the channel twice.
	c.HandleAdvertisement(advertisement(testAddress, "Tent Fan"))
}

func TestWaitReadyContextCancelled(t *testing.T) {
	c := newTestCoordinator(newFakeDevice(), &fakeClock{now: time.Unix(1000, 0)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if c.WaitReady(ctx, time.Minute) {
		t.Error("WaitReady() = true with a cancelled context")
	}
}

func TestPollRequiresRecentAdvertisement(t *testing.T) {
	dev := newFakeDevice()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := newTestCoordinator(dev, clock)

	c.pollIfNeeded(context.Background())
	if _, polls := dev.counts(); polls != 0 {
		t.Fatalf("polls = %d before any advertisement, want 0", polls)
	}

	c.HandleAdvertisement(advertisement(testAddress, "Fan"))
	c.pollIfNeeded(context.Background())
	if _, polls := dev.counts(); polls != 1 {
		t.Fatalf("polls = %d after advertisement, want 1 (never polled)", polls)
	}

	// Fresh poll: policy says no.
	clock.Advance(10 * time.Second)
	c.pollIfNeeded(context.Background())
	if _, polls := dev.counts(); polls != 1 {
		t.Fatalf("polls = %d 10s after a poll, want 1", polls)
	}

	// Poll is due but the device went silent.
	clock.Advance(3 * time.Minute)
	c.pollIfNeeded(context.Background())
	if _, polls := dev.counts(); polls != 1 {
		t.Fatalf("polls = %d for a stale device, want 1", polls)
	}

	// It advertises again.
	c.HandleAdvertisement(advertisement(testAddress, "Fan"))
	c.pollIfNeeded(context.Background())
	if _, polls := dev.counts(); polls != 2 {
		t.Fatalf("polls = %d after the device reappeared, want 2", polls)
	}
}

func TestDirtyConfigPollsImmediately(t *testing.T) {
	dev := newFakeDevice()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := newTestCoordinator(dev, clock)
	c.HandleAdvertisement(advertisement(testAddress, "Fan"))
	c.pollIfNeeded(context.Background())

	dev.mu.Lock()
	dev.dirty = true
	dev.mu.Unlock()

	c.pollIfNeeded(context.Background())
	if _, polls := dev.counts(); polls != 2 {
		t.Errorf("polls = %d, want 2 (dirty config)", polls)
	}
}

func TestPollFailureBacksOff(t *testing.T) {
	dev := newFakeDevice()
	dev.pollErr = errors.New("device unavailable")
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := newTestCoordinator(dev, clock)
	c.HandleAdvertisement(advertisement(testAddress, "Fan"))

	c.pollIfNeeded(context.Background())
	c.pollIfNeeded(context.Background())
	if _, polls := dev.counts(); polls != 1 {
		t.Fatalf("polls = %d, want 1 while backing off", polls)
	}

	// First retry after one interval.
	clock.Advance(15 * time.Second)
	c.HandleAdvertisement(advertisement(testAddress, "Fan"))
	c.pollIfNeeded(context.Background())
	if _, polls := dev.counts(); polls != 2 {
		t.Fatalf("polls = %d, want 2 after the backoff elapsed", polls)
	}

	// Second failure doubles the delay.
	clock.Advance(15 * time.Second)
	c.HandleAdvertisement(advertisement(testAddress, "Fan"))
	c.pollIfNeeded(context.Background())
	if _, polls := dev.counts(); polls != 2 {
		t.Fatalf("polls = %d, want 2 inside the doubled backoff", polls)
	}

	dev.mu.Lock()
	dev.pollErr = nil
	dev.mu.Unlock()
	clock.Advance(15 * time.Second)
	c.HandleAdvertisement(advertisement(testAddress, "Fan"))
	c.pollIfNeeded(context.Background())
	if _, polls := dev.counts(); polls != 3 {
		t.Fatalf("polls = %d, want 3 once the device recovers", polls)
	}
	if c.failures != 0 {
		t.Errorf("failures = %d after a successful poll, want 0", c.failures)
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 15 * time.Second
	delays := []time.Duration{
		15 * time.Second,
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		5 * time.Minute, // capped
		5 * time.Minute, // still capped
	}

	for i, want := range delays {
		if got := backoffDelay(i, base, 5*time.Minute); got != want {
			t.Errorf("backoffDelay(%d) = %v, want %v", i, got, want)
		}
	}
	if got := backoffDelay(100, base, 5*time.Minute); got != 5*time.Minute {
		t.Errorf("backoffDelay(100) = %v, want the cap", got)
	}
}

func TestRunPollsOnAdvertisement(t *testing.T) {
	dev := newFakeDevice()
	scanner := &fakeScanner{ads: []ble.Advertisement{advertisement(testAddress, "Tent Fan")}}
	c := New(dev, scanner, Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-dev.polledCh:
	case <-time.After(2 * time.Second):
		t.Fatal("no poll after the device advertised")
	}
	if !c.WaitReady(context.Background(), time.Second) {
		t.Error("device not ready after advertising a name")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestRunScanFailure(t *testing.T) {
	scanErr := errors.New("adapter powered off")
	c := New(newFakeDevice(), &fakeScanner{err: scanErr}, Options{Interval: time.Hour})

	err := c.Run(context.Background())
	if !errors.Is(err, scanErr) {
		t.Errorf("Run() error = %v, want wrapped %v", err, scanErr)
	}
}

func TestCoordinatorDrivesRealDevice(t *testing.T) {
	dev := acinfinity.NewDevice(testAddress, nil, nil, acinfinity.Info{Type: acinfinity.TypeController69Pro})
	c := newTestCoordinator(dev, &fakeClock{now: time.Unix(1000, 0)})

	version, deviceType, temp := 3, acinfinity.TypeController69Pro, 24.5
	data := protocol.EncodeAdvertisement([6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}, protocol.Advertisement{
		Version:      &version,
		DeviceType:   &deviceType,
		TemperatureC: &temp,
	})
	c.HandleAdvertisement(ble.Advertisement{
		Name:             "ACI Fan",
		MAC:              testAddress,
		ManufacturerData: map[uint16][]byte{protocol.ManufacturerID: data},
	})

	if got, ok := dev.Temperature(); !ok || got != 24.5 {
		t.Errorf("Temperature() = %v, %v, want 24.5", got, ok)
	}
	if dev.Name() != "ACI Fan" {
		t.Errorf("Name() = %q", dev.Name())
	}
	select {
	case <-c.Ready():
	default:
		t.Error("ready did not fire")
	}
}
