// Package link manages the connection to a single dispenser peripheral: user
// driven discovery, connection and characteristic resolution, a one-command-
// at-a-time request pipeline, and automatic bounded reconnection to the bound
// device after an unexpected disconnect.
package link

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pillcrate/dispenser-command/internal/log"
	"github.com/pillcrate/dispenser-command/pkg/binding"
	"github.com/pillcrate/dispenser-command/pkg/protocol"
	"github.com/pillcrate/dispenser-command/pkg/transport"
)

const eventBufferSize = 64

// Options configures a Manager. Zero fields are replaced with defaults.
type Options struct {
	// ServiceUUID and CharacteristicUUID identify the dispenser's command channel. The
	// characteristic must support acknowledged writes and notifications.
	ServiceUUID        string
	CharacteristicUUID string

	// ConnectTimeout bounds a single transport connect plus service resolution.
	ConnectTimeout time.Duration

	// ReconnectInterval is the length of one reconnection scan cycle.
	ReconnectInterval time.Duration

	// MaxReconnectAttempts caps reconnection scan cycles before giving up.
	MaxReconnectAttempts int

	// CommandTimeout bounds a single command attempt, measured from write to reply
	// notification.
	CommandTimeout time.Duration

	// RetryBackoff is the fixed delay between command attempts.
	RetryBackoff time.Duration

	// DefaultMaxAttempts is used when SendCommand is called with maxAttempts <= 0.
	DefaultMaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 20 * time.Second
	}
	if o.ReconnectInterval == 0 {
		o.ReconnectInterval = 5 * time.Second
	}
	if o.MaxReconnectAttempts == 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.CommandTimeout == 0 {
		o.CommandTimeout = 10 * time.Second
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.DefaultMaxAttempts == 0 {
		o.DefaultMaxAttempts = 3
	}
	return o
}

// session is an established connection with a resolved command
// characteristic.
type session struct {
	gen        uint64
	device     transport.Device
	writer     transport.Writer
	peripheral transport.Peripheral
}

// pendingCommand is the single in-flight command slot. It is resolved exactly
// once: take the slot (set it to nil) before replying.
type pendingCommand struct {
	seq     uint64
	payload []byte
	reply   chan error
	timer   *time.Timer
}

// Manager owns the connection state machine. All state below the "run loop
// state" marker is owned by the run goroutine and must not be touched from
// outside it.
type Manager struct {
	adapter transport.Adapter
	store   binding.Store
	opts    Options

	events chan event
	quit   chan struct{}

	doneLock  sync.Mutex
	terminate chan struct{}
	done      chan bool

	statusLock  sync.Mutex
	status      Status
	subscribers map[chan Status]struct{}

	// run loop state
	state        machineState
	boundAddress string
	lastError    error
	lastNotified []byte
	statusText   string
	peripherals  []transport.Peripheral
	seen         map[string]bool
	target       string
	scanGen      uint64
	scanCancel   context.CancelFunc
	connGen      uint64
	connCancel   context.CancelFunc
	session      *session
	cmdSeq       uint64
	pending      *pendingCommand
	reconnectGen uint64
	reconnectTmr *time.Timer
	reconnecting bool
	attempts     int
	waiters      []chan error
}

// New creates a Manager and loads the bound device identifier from store.
// The Manager does nothing until Start is called.
func New(adapter transport.Adapter, store binding.Store, opts Options) (*Manager, error) {
	bound, err := store.Load()
	if err != nil && !errors.Is(err, binding.ErrNotBound) {
		return nil, err
	}
	if bound != "" {
		log.Info("Loaded bound dispenser %s", bound)
	}
	m := &Manager{
		adapter:      adapter,
		store:        store,
		opts:         opts.withDefaults(),
		events:       make(chan event, eventBufferSize),
		quit:         make(chan struct{}),
		done:         make(chan bool),
		subscribers:  make(map[chan Status]struct{}),
		state:        stateIdle,
		boundAddress: bound,
		seen:         make(map[string]bool),
	}
	m.status = m.buildStatus()
	return m, nil
}

// Start runs the event loop in a new goroutine. Returns an error if the loop
// does not signal readiness before ctx expires.
func (m *Manager) Start(ctx context.Context) error {
	ready := make(chan struct{})
	go m.run(ready)
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop tears down the event loop and closes any connection without clearing
// the binding, so the next process run can reconnect. The Manager cannot be
// restarted.
func (m *Manager) Stop() {
	m.doneLock.Lock()
	defer m.doneLock.Unlock()
	if m.terminate != nil {
		close(m.quit)
		close(m.terminate)
		m.terminate = nil
		<-m.done
	}
}

// post delivers an event to the run loop, giving up if the Manager is
// stopping.
func (m *Manager) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.quit:
	}
}

// StartDiscovery begins scanning for dispensers. Previously discovered
// handles are invalidated.
func (m *Manager) StartDiscovery(ctx context.Context) error {
	return m.call(ctx, func(reply chan error) event { return apiStartDiscovery{reply: reply} })
}

// StopDiscovery stops an in-progress scan.
func (m *Manager) StopDiscovery(ctx context.Context) error {
	return m.call(ctx, func(reply chan error) event { return apiStopDiscovery{reply: reply} })
}

// Connect connects to a peripheral by address and blocks until the link is
// ready for commands or the attempt fails. If no scan is running, a scan
// targeting the address is started first.
func (m *Manager) Connect(ctx context.Context, address string) error {
	return m.call(ctx, func(reply chan error) event { return apiConnect{address: address, reply: reply} })
}

// Disconnect closes the connection and clears the bound device, disabling
// automatic reconnection until the next successful Connect.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.call(ctx, func(reply chan error) event { return apiDisconnect{reply: reply} })
}

// Peripherals returns the devices discovered in the current scan session,
// deduplicated by address.
func (m *Manager) Peripherals(ctx context.Context) ([]transport.Peripheral, error) {
	reply := make(chan []transport.Peripheral, 1)
	select {
	case m.events <- apiPeripherals{reply: reply}:
	case <-m.quit:
		return nil, protocol.ErrNotConnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case peripherals := <-reply:
		return peripherals, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendCommand writes payload to the command characteristic and waits for a
// reply notification, retrying failed attempts up to maxAttempts with a fixed
// backoff. maxAttempts <= 0 selects the configured default. Only one command
// may be in flight; a concurrent caller fails fast with ErrCommandInFlight.
func (m *Manager) SendCommand(ctx context.Context, payload []byte, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = m.opts.DefaultMaxAttempts
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = m.call(ctx, func(reply chan error) event {
			return apiCommand{payload: payload, reply: reply}
		})
		if lastErr == nil {
			return nil
		}
		if !protocol.ShouldRetry(lastErr) {
			return lastErr
		}
		log.Warning("Command attempt %d/%d failed: %s", attempt, maxAttempts, lastErr)
		if attempt == maxAttempts {
			break
		}
		select {
		case <-time.After(m.opts.RetryBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// call posts an API event and waits for its reply.
func (m *Manager) call(ctx context.Context, build func(chan error) event) error {
	reply := make(chan error, 1)
	select {
	case m.events <- build(reply):
	case <-m.quit:
		return protocol.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current status.
func (m *Manager) Snapshot() Status {
	m.statusLock.Lock()
	defer m.statusLock.Unlock()
	return m.status
}

// Subscribe registers an observer channel for status updates. Updates are
// dropped rather than blocking the link when the channel is full.
func (m *Manager) Subscribe() chan Status {
	ch := make(chan Status, 8)
	m.statusLock.Lock()
	m.subscribers[ch] = struct{}{}
	m.statusLock.Unlock()
	return ch
}

// Unsubscribe removes a channel registered with Subscribe.
func (m *Manager) Unsubscribe(ch chan Status) {
	m.statusLock.Lock()
	delete(m.subscribers, ch)
	m.statusLock.Unlock()
}
