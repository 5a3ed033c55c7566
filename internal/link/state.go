package link

// machineState tracks the full connection lifecycle. Only the run loop reads
// or writes it.
type machineState int

const (
	stateIdle machineState = iota
	stateScanning
	stateConnecting
	stateResolving
	stateReady
	stateReconnecting
	stateDisconnected
)

var machineStateNames = map[machineState]string{
	stateIdle:         "idle",
	stateScanning:     "scanning",
	stateConnecting:   "connecting",
	stateResolving:    "resolving services",
	stateReady:        "ready",
	stateReconnecting: "reconnecting",
	stateDisconnected: "disconnected",
}

func (s machineState) String() string {
	return machineStateNames[s]
}

// State is the coarsened connection state exposed to observers. Service
// resolution is reported as StateConnecting; Idle is reported as
// StateDisconnected.
type State int

const (
	StateDisconnected State = iota
	StateScanning
	StateConnecting
	StateReady
	StateReconnecting
)

var stateNames = map[State]string{
	StateDisconnected: "disconnected",
	StateScanning:     "scanning",
	StateConnecting:   "connecting",
	StateReady:        "ready",
	StateReconnecting: "reconnecting",
}

func (s State) String() string {
	return stateNames[s]
}

func (s machineState) coarse() State {
	switch s {
	case stateScanning:
		return StateScanning
	case stateConnecting, stateResolving:
		return StateConnecting
	case stateReady:
		return StateReady
	case stateReconnecting:
		return StateReconnecting
	default:
		return StateDisconnected
	}
}

// Status is a read-only snapshot of the link. Observers receive it through
// Manager.Snapshot and Manager.Subscribe.
type Status struct {
	State State

	// StatusText is a human-readable description of the last significant event, such as
	// "Sent: DISPENSE:2:1" or "Reconnecting (attempt 3/5)".
	StatusText string

	// LastError holds the most recent failure, or nil.
	LastError error

	// LastNotification is the payload of the most recent notification received from the
	// peripheral.
	LastNotification string

	// Scanning reports whether a discovery scan is in progress, including scans driven by
	// automatic reconnection.
	Scanning bool

	// ReconnectAttempts counts completed reconnection scan cycles in the current
	// reconnection, if any.
	ReconnectAttempts int

	// BoundAddress is the persisted auto-reconnect target, if one exists.
	BoundAddress string
}
