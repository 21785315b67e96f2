package ble

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNotConnected is returned when a command is sent without an open
// connection, or the connection drops while awaiting a response.
var ErrNotConnected = errors.New("ble: not connected")

// SessionOptions configures connection and response timing.
type SessionOptions struct {
	ConnectTimeout  time.Duration // bound on connect + GATT discovery
	ResponseTimeout time.Duration // bound on waiting for a correlated notification
	NotifyBuffer    int           // notifications buffered between reads
}

// DefaultSessionOptions returns sensible defaults.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ConnectTimeout:  20 * time.Second,
		ResponseTimeout: 5 * time.Second,
		NotifyBuffer:    8,
	}
}

// Session manages a single GATT connection to one controller. It is safe for
// concurrent use, but callers are expected to serialize connect/send/disconnect
// cycles themselves: the device accepts one exchange at a time.
type Session struct {
	adapter Adapter
	mac     string
	opts    SessionOptions

	mu        sync.Mutex
	conn      Connection
	writeChar Characteristic
	notify    chan []byte
	lost      chan struct{}
	connected bool
}

// NewSession creates a session for the device at mac. Nothing is connected
// until EnsureConnected is called.
func NewSession(adapter Adapter, mac string, opts SessionOptions) *Session {
	def := DefaultSessionOptions()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = def.ResponseTimeout
	}
	if opts.NotifyBuffer <= 0 {
		opts.NotifyBuffer = def.NotifyBuffer
	}
	return &Session{
		adapter: adapter,
		mac:     mac,
		opts:    opts,
	}
}

// Address returns the device address this session connects to.
func (s *Session) Address() string { return s.mac }

// IsConnected reports whether a connection is currently open.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// EnsureConnected opens the connection, discovers the command
// characteristics and subscribes to notifications. It is a no-op when already
// connected. A partially established connection is torn down on failure.
func (s *Session) EnsureConnected(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	conn, err := s.adapter.Connect(ctx, s.mac)
	if err != nil {
		return fmt.Errorf("ble: connect to %s: %w", s.mac, err)
	}

	writeChar, err := conn.DiscoverCharacteristic(ServiceUUID, WriteCharUUID)
	if err != nil {
		s.abandon(conn)
		return fmt.Errorf("ble: discover write characteristic: %w", err)
	}
	notifyChar, err := conn.DiscoverCharacteristic(ServiceUUID, NotifyCharUUID)
	if err != nil {
		s.abandon(conn)
		return fmt.Errorf("ble: discover notify characteristic: %w", err)
	}

	notify := make(chan []byte, s.opts.NotifyBuffer)
	if err := notifyChar.Subscribe(func(data []byte) {
		select {
		case notify <- data:
		default:
			slog.Warn("[BLE] notification buffer full, dropping frame", "mac", s.mac)
		}
	}); err != nil {
		s.abandon(conn)
		return fmt.Errorf("ble: subscribe to notifications: %w", err)
	}

	lost := make(chan struct{})
	var lostOnce sync.Once
	conn.OnDisconnect(func() {
		lostOnce.Do(func() { close(lost) })
		s.dropped(conn)
	})

	s.conn = conn
	s.writeChar = writeChar
	s.notify = notify
	s.lost = lost
	s.connected = true
	slog.Debug("[BLE] connected", "mac", s.mac)
	return nil
}

// SendCommand writes frame to the command characteristic and waits for a
// notification accepted by match (all notifications when match is nil).
// On response timeout it returns (nil, nil): the caller has no data to apply.
func (s *Session) SendCommand(ctx context.Context, frame []byte, match func([]byte) bool) ([]byte, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	writeChar, notify, lost := s.writeChar, s.notify, s.lost
	s.mu.Unlock()

	// Discard responses left over from an earlier exchange.
drain:
	for {
		select {
		case <-notify:
		default:
			break drain
		}
	}

	slog.Debug("[BLE] write", "mac", s.mac, "frame", hex.EncodeToString(frame))
	if err := writeChar.Write(frame); err != nil {
		return nil, fmt.Errorf("ble: write command: %w", err)
	}

	timer := time.NewTimer(s.opts.ResponseTimeout)
	defer timer.Stop()

	for {
		select {
		case data := <-notify:
			if match == nil || match(data) {
				slog.Debug("[BLE] response", "mac", s.mac, "frame", hex.EncodeToString(data))
				return data, nil
			}
			slog.Debug("[BLE] ignoring uncorrelated notification", "mac", s.mac, "frame", hex.EncodeToString(data))
		case <-timer.C:
			slog.Debug("[BLE] response timeout", "mac", s.mac, "timeout", s.opts.ResponseTimeout)
			return nil, nil
		case <-lost:
			return nil, fmt.Errorf("ble: connection lost awaiting response: %w", ErrNotConnected)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Disconnect closes the connection. Failures are logged, never returned: the
// connection is being abandoned either way.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.clearLocked()
	s.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Disconnect(); err != nil {
		slog.Warn("[BLE] disconnect failed", "mac", s.mac, "error", err)
		return
	}
	slog.Debug("[BLE] disconnected", "mac", s.mac)
}

// dropped handles a disconnect the session did not initiate.
func (s *Session) dropped(conn Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	slog.Warn("[BLE] connection dropped", "mac", s.mac)
	s.clearLocked()
}

// abandon tears down a connection that never became usable (caller holds mu).
func (s *Session) abandon(conn Connection) {
	if err := conn.Disconnect(); err != nil {
		slog.Warn("[BLE] disconnect after failed setup", "mac", s.mac, "error", err)
	}
}

func (s *Session) clearLocked() {
	s.conn = nil
	s.writeChar = nil
	s.notify = nil
	s.lost = nil
	s.connected = false
}
