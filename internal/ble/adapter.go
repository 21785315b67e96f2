// Package ble provides the Bluetooth Low Energy transport for AC Infinity
// controllers: adapter abstraction, advertisement scanning and the GATT
// session used for command exchanges.
package ble

import "context"

// AC Infinity GATT UUIDs
const (
	ServiceUUID    = "70d51000-2c7f-4e75-ae8a-d758951ce4e0"
	WriteCharUUID  = "70d51001-2c7f-4e75-ae8a-d758951ce4e0"
	NotifyCharUUID = "70d51002-2c7f-4e75-ae8a-d758951ce4e0"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Advertisement is one scan result.
type Advertisement struct {
	Name string
	MAC  string
	RSSI int
	// ManufacturerData is keyed by Bluetooth SIG company identifier.
	ManufacturerData map[uint16][]byte
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports every advertisement seen until ctx is cancelled.
	Scan(ctx context.Context, onAdvertisement func(Advertisement)) error
	// Connect establishes a connection to the device with the given MAC address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
