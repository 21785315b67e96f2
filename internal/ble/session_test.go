package ble

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

const testMAC = "AA:BB:CC:DD:EE:FF"

func fastOpts() SessionOptions {
	return SessionOptions{
		ConnectTimeout:  time.Second,
		ResponseTimeout: 20 * time.Millisecond,
	}
}

// echoResponder makes the device answer every write with prefix+frame.
func echoResponder(prefix ...byte) func(*mockConnection) {
	return func(conn *mockConnection) {
		conn.writeChar.onWrite = func(data []byte) {
			conn.notifyChar.SimulateNotification(append(append([]byte(nil), prefix...), data...))
		}
	}
}

func TestSessionEnsureConnectedIsIdempotent(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := NewSession(adapter, testMAC, fastOpts())

	for i := 0; i < 3; i++ {
		if err := s.EnsureConnected(context.Background()); err != nil {
			t.Fatalf("EnsureConnected() error = %v", err)
		}
	}
	if got := adapter.connectCount(); got != 1 {
		t.Errorf("adapter.Connect called %d times, want 1", got)
	}
	if !s.IsConnected() {
		t.Error("IsConnected() = false after EnsureConnected")
	}
}

func TestSessionConnectFailure(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectErr = errors.New("device not found")
	s := NewSession(adapter, testMAC, fastOpts())

	err := s.EnsureConnected(context.Background())
	if err == nil {
		t.Fatal("EnsureConnected() should fail when the adapter cannot connect")
	}
	if !errors.Is(err, adapter.connectErr) {
		t.Errorf("error = %v, want wrapped %v", err, adapter.connectErr)
	}
	if s.IsConnected() {
		t.Error("IsConnected() = true after failed connect")
	}
}

func TestSessionMissingCharacteristicTearsDown(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.prepareConn = func(c *mockConnection) { c.missingChar = NotifyCharUUID }
	s := NewSession(adapter, testMAC, fastOpts())

	if err := s.EnsureConnected(context.Background()); err == nil {
		t.Fatal("EnsureConnected() should fail without the notify characteristic")
	}
	if got := adapter.latestConnection().disconnectCount(); got != 1 {
		t.Errorf("partial connection disconnected %d times, want 1", got)
	}
	if s.IsConnected() {
		t.Error("IsConnected() = true after failed discovery")
	}
}

func TestSessionSendCommandReturnsResponse(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.prepareConn = echoResponder(0xEE)
	s := NewSession(adapter, testMAC, fastOpts())
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}

	resp, err := s.SendCommand(context.Background(), []byte{1, 2, 3}, nil)
	if err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if !bytes.Equal(resp, []byte{0xEE, 1, 2, 3}) {
		t.Errorf("response = %v, want [238 1 2 3]", resp)
	}
	if got := adapter.latestConnection().writeChar.writeCount(); got != 1 {
		t.Errorf("writes = %d, want 1", got)
	}
}

func TestSessionSendCommandSkipsUncorrelated(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.prepareConn = func(conn *mockConnection) {
		conn.writeChar.onWrite = func(data []byte) {
			conn.notifyChar.SimulateNotification([]byte{0x01, 0xFF})
			conn.notifyChar.SimulateNotification([]byte{0x02, 0xFF})
		}
	}
	s := NewSession(adapter, testMAC, fastOpts())
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}

	match := func(b []byte) bool { return len(b) > 0 && b[0] == 0x02 }
	resp, err := s.SendCommand(context.Background(), []byte{0x00}, match)
	if err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if !bytes.Equal(resp, []byte{0x02, 0xFF}) {
		t.Errorf("response = %v, want the correlated frame [2 255]", resp)
	}
}

func TestSessionSendCommandDrainsStaleNotifications(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.prepareConn = echoResponder()
	s := NewSession(adapter, testMAC, fastOpts())
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}

	adapter.latestConnection().notifyChar.SimulateNotification([]byte{0xDE, 0xAD})

	resp, err := s.SendCommand(context.Background(), []byte{0x07}, nil)
	if err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if !bytes.Equal(resp, []byte{0x07}) {
		t.Errorf("response = %v, want fresh echo [7]", resp)
	}
}

func TestSessionSendCommandTimeoutIsNotAnError(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := NewSession(adapter, testMAC, fastOpts())
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}

	start := time.Now()
	resp, err := s.SendCommand(context.Background(), []byte{0x01}, nil)
	if err != nil {
		t.Fatalf("SendCommand() error = %v, want nil on timeout", err)
	}
	if resp != nil {
		t.Errorf("response = %v, want nil on timeout", resp)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("SendCommand() returned before the response timeout elapsed")
	}
}

func TestSessionSendCommandNotConnected(t *testing.T) {
	s := NewSession(newMockAdapter(nil), testMAC, fastOpts())
	if _, err := s.SendCommand(context.Background(), []byte{0x01}, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendCommand() error = %v, want ErrNotConnected", err)
	}
}

func TestSessionSendCommandWriteError(t *testing.T) {
	writeErr := errors.New("gatt write failed")
	adapter := newMockAdapter(nil)
	adapter.prepareConn = func(c *mockConnection) { c.writeChar.writeErr = writeErr }
	s := NewSession(adapter, testMAC, fastOpts())
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}

	if _, err := s.SendCommand(context.Background(), []byte{0x01}, nil); !errors.Is(err, writeErr) {
		t.Errorf("SendCommand() error = %v, want wrapped %v", err, writeErr)
	}
}

func TestSessionConnectionLostWhileWaiting(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.prepareConn = func(conn *mockConnection) {
		conn.writeChar.onWrite = func([]byte) { conn.SimulateDisconnect() }
	}
	opts := fastOpts()
	opts.ResponseTimeout = 5 * time.Second
	s := NewSession(adapter, testMAC, opts)
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}

	_, err := s.SendCommand(context.Background(), []byte{0x01}, nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendCommand() error = %v, want ErrNotConnected", err)
	}
	if s.IsConnected() {
		t.Error("IsConnected() = true after the connection dropped")
	}
}

func TestSessionDisconnect(t *testing.T) {
	adapter := newMockAdapter(nil)
	s := NewSession(adapter, testMAC, fastOpts())
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() error = %v", err)
	}
	conn := adapter.latestConnection()

	s.Disconnect()
	s.Disconnect()

	if got := conn.disconnectCount(); got != 1 {
		t.Errorf("Disconnect reached the connection %d times, want 1", got)
	}
	if s.IsConnected() {
		t.Error("IsConnected() = true after Disconnect")
	}

	// A fresh connection is opened on the next exchange.
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected() after Disconnect error = %v", err)
	}
	if got := adapter.connectCount(); got != 2 {
		t.Errorf("adapter.Connect called %d times, want 2", got)
	}
}

func TestDefaultSessionOptionsApplied(t *testing.T) {
	s := NewSession(newMockAdapter(nil), testMAC, SessionOptions{})
	if s.opts != DefaultSessionOptions() {
		t.Errorf("opts = %+v, want %+v", s.opts, DefaultSessionOptions())
	}
	if s.Address() != testMAC {
		t.Errorf("Address() = %q, want %q", s.Address(), testMAC)
	}
}
