package link

import "github.com/pillcrate/dispenser-command/pkg/transport"

// Transport callbacks and API calls are converted to events and processed one
// at a time by the run loop, which is the only goroutine allowed to touch the
// connection state machine.
type event interface{}

// Scan goroutine events. gen identifies the scan session that produced them.
type (
	evScanFound struct {
		gen        uint64
		peripheral transport.Peripheral
	}
	evScanStopped struct {
		gen uint64
		err error
	}
)

// Connect goroutine events. gen identifies the connection attempt; events
// from superseded attempts are discarded.
type (
	evConnected struct {
		gen uint64
	}
	evReady struct {
		gen        uint64
		device     transport.Device
		writer     transport.Writer
		peripheral transport.Peripheral
	}
	evConnectFailed struct {
		gen uint64
		err error
	}
	evDisconnected struct {
		gen uint64
	}
	evNotification struct {
		gen     uint64
		payload []byte
	}
)

// Command pipeline events.
type (
	evWriteResult struct {
		seq uint64
		err error
	}
	evCommandTimeout struct {
		seq uint64
	}
)

// evReconnectTick fires when the reconnection timer expires. gen identifies
// the reconnection cycle so a canceled timer cannot advance a later one.
type evReconnectTick struct {
	gen uint64
}

// API request events. Replies are buffered so the run loop never blocks on a
// caller that has given up.
type (
	apiStartDiscovery struct {
		reply chan error
	}
	apiStopDiscovery struct {
		reply chan error
	}
	apiConnect struct {
		address string
		reply   chan error
	}
	apiDisconnect struct {
		reply chan error
	}
	apiCommand struct {
		payload []byte
		reply   chan error
	}
	apiPeripherals struct {
		reply chan []transport.Peripheral
	}
)
