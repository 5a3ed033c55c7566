// Package transport abstracts the platform BLE stack behind a small
// capability set: scanning, connecting, characteristic resolution,
// acknowledged writes, and notification subscriptions. The link manager
// depends only on these interfaces; pluggable implementations live in the
// goble and tinygo subpackages.
package transport

import (
	"context"
	"io"
)

// Peripheral identifies a device observed during a scan. Handles are only
// valid within the discovery session that produced them.
type Peripheral struct {
	Address     string
	LocalName   string
	RSSI        int16
	Connectable bool
}

// Adapter is the entry point to a BLE stack.
type Adapter interface {
	// Scan reports every advertisement to found until ctx is canceled or StopScan is called.
	// Duplicate reports for the same address are the caller's responsibility to filter.
	Scan(ctx context.Context, found func(Peripheral)) error

	// StopScan terminates an in-progress Scan. Calling it with no scan in progress is not an
	// error.
	StopScan() error

	// Connect establishes a transport-level session. A successful return does not imply the
	// peripheral speaks the dispenser protocol; callers must still resolve the command
	// characteristic.
	Connect(ctx context.Context, target Peripheral) (Device, error)

	Close() error
}

// Device is a connected peripheral session.
type Device interface {
	// Service resolves the GATT service with the given UUID.
	Service(ctx context.Context, uuid string) (Service, error)

	// Disconnected returns a channel that is closed when the transport-level connection is
	// lost, whether by Close or by radio failure.
	Disconnected() <-chan struct{}

	Close() error
}

// Service resolves characteristics within a connected device's service.
type Service interface {
	// Rx subscribes to notifications from the characteristic with the given UUID.
	Rx(uuid string, callback func(buf []byte)) error

	// Tx returns a Writer for the characteristic with the given UUID. Writes are acknowledged
	// at the transport layer; acknowledgement does not imply application-level success.
	Tx(uuid string) (Writer, error)
}

type Writer interface {
	io.Writer
	MTU(rxMTU int) (txMTU int, err error)
}
