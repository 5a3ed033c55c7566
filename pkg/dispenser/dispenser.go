package dispenser

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/pillcrate/dispenser-command/internal/link"
	"github.com/pillcrate/dispenser-command/pkg/binding"
	"github.com/pillcrate/dispenser-command/pkg/protocol"
	"github.com/pillcrate/dispenser-command/pkg/transport"
)

// BLE identifiers for the dispenser's transparent-UART service. Commands are
// written to the characteristic as UTF-8 text; replies arrive as notifications
// on the same characteristic.
const (
	ServiceUUID        = "49535343-fe7d-4ae5-8fa9-9fafd205e455"
	CharacteristicUUID = "49535343-1e4d-4bd9-ba61-23c647249616"
)

// Dispensing spins a motor. Spacing consecutive dispense requests keeps the
// firmware's (shallow) command queue from overflowing.
const dispenseInterval = 2 * time.Second

const defaultMaxAttempts = 3

// commander is the subset of link.Manager behavior the client depends on.
type commander interface {
	Start(ctx context.Context) error
	Stop()
	StartDiscovery(ctx context.Context) error
	StopDiscovery(ctx context.Context) error
	Connect(ctx context.Context, address string) error
	Disconnect(ctx context.Context) error
	Peripherals(ctx context.Context) ([]transport.Peripheral, error)
	SendCommand(ctx context.Context, payload []byte, maxAttempts int) error
	Snapshot() link.Status
	Subscribe() chan link.Status
	Unsubscribe(ch chan link.Status)
}

// A Dispenser represents a pill dispenser reachable over BLE.
type Dispenser struct {
	link        commander
	limiter     *rate.Limiter
	maxAttempts int
}

// Config adjusts optional client behavior. Zero values select defaults.
type Config struct {
	// ServiceUUID and CharacteristicUUID override the standard dispenser
	// service, for prototype hardware exposing different identifiers.
	ServiceUUID        string
	CharacteristicUUID string

	ConnectTimeout       time.Duration
	CommandTimeout       time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int

	// MaxAttempts is the per-command attempt budget.
	MaxAttempts int
}

// New creates a Dispenser that communicates through adapter and persists its
// device binding in store.
func New(adapter transport.Adapter, store binding.Store) (*Dispenser, error) {
	return NewWithConfig(adapter, store, Config{})
}

// NewWithConfig is New with tuning knobs, typically filled from a config
// file.
func NewWithConfig(adapter transport.Adapter, store binding.Store, config Config) (*Dispenser, error) {
	if config.ServiceUUID == "" {
		config.ServiceUUID = ServiceUUID
	}
	if config.CharacteristicUUID == "" {
		config.CharacteristicUUID = CharacteristicUUID
	}
	manager, err := link.New(adapter, store, link.Options{
		ServiceUUID:          config.ServiceUUID,
		CharacteristicUUID:   config.CharacteristicUUID,
		ConnectTimeout:       config.ConnectTimeout,
		CommandTimeout:       config.CommandTimeout,
		ReconnectInterval:    config.ReconnectInterval,
		MaxReconnectAttempts: config.MaxReconnectAttempts,
	})
	if err != nil {
		return nil, err
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Dispenser{
		link:        manager,
		limiter:     rate.NewLimiter(rate.Every(dispenseInterval), 1),
		maxAttempts: maxAttempts,
	}, nil
}

// SetMaxAttempts overrides the default per-command attempt budget.
func (d *Dispenser) SetMaxAttempts(attempts int) {
	if attempts > 0 {
		d.maxAttempts = attempts
	}
}

// Start launches the background goroutine that manages the BLE link. It does
// not initiate a connection; see Connect.
func (d *Dispenser) Start(ctx context.Context) error {
	return d.link.Start(ctx)
}

// Stop tears down the BLE link and terminates the goroutine launched by
// Start.
func (d *Dispenser) Stop() {
	d.link.Stop()
}

// StartDiscovery begins scanning for nearby dispensers. Results accumulate
// and can be fetched with Peripherals.
func (d *Dispenser) StartDiscovery(ctx context.Context) error {
	return d.link.StartDiscovery(ctx)
}

// StopDiscovery halts an active scan. Already-discovered peripherals remain
// available through Peripherals.
func (d *Dispenser) StopDiscovery(ctx context.Context) error {
	return d.link.StopDiscovery(ctx)
}

// Peripherals returns the dispensers observed since discovery began,
// deduplicated by address.
func (d *Dispenser) Peripherals(ctx context.Context) ([]transport.Peripheral, error) {
	return d.link.Peripherals(ctx)
}

// Connect establishes a connection to the dispenser at address and records it
// as the bound device. Blocks until the link is ready for commands or ctx
// expires.
func (d *Dispenser) Connect(ctx context.Context, address string) error {
	return d.link.Connect(ctx, address)
}

// Disconnect closes the connection and forgets the bound device. The client
// will not attempt to reconnect afterwards.
func (d *Dispenser) Disconnect(ctx context.Context) error {
	return d.link.Disconnect(ctx)
}

// Dispense requests count pills from the given compartment. Requests are
// rate-limited; Dispense blocks until its slot comes up or ctx expires.
func (d *Dispenser) Dispense(ctx context.Context, compartment, count int) error {
	command, err := protocol.DispenseCommand(compartment, count)
	if err != nil {
		return err
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}
	return d.link.SendCommand(ctx, []byte(command), d.maxAttempts)
}

// RequestStatus asks the dispenser to report its state. The reply arrives as
// a notification, visible through Status().LastNotification and subscribers.
func (d *Dispenser) RequestStatus(ctx context.Context) error {
	return d.link.SendCommand(ctx, []byte(protocol.CommandStatus), d.maxAttempts)
}

// ResetStatistics clears the dispenser's dispense counters.
func (d *Dispenser) ResetStatistics(ctx context.Context) error {
	return d.link.SendCommand(ctx, []byte(protocol.CommandResetStatistics), d.maxAttempts)
}

// Send transmits a raw command frame. Intended for diagnostics and firmware
// commands not covered by the typed methods.
func (d *Dispenser) Send(ctx context.Context, payload string) error {
	return d.link.SendCommand(ctx, []byte(payload), d.maxAttempts)
}

// Status returns a snapshot of the link state.
func (d *Dispenser) Status() link.Status {
	return d.link.Snapshot()
}

// Updates returns a channel of status snapshots, sent on every state change.
// Callers that stop reading miss updates but never block the link. Release
// with StopUpdates.
func (d *Dispenser) Updates() chan link.Status {
	return d.link.Subscribe()
}

// StopUpdates releases a channel obtained from Updates.
func (d *Dispenser) StopUpdates(ch chan link.Status) {
	d.link.Unsubscribe(ch)
}
