package link

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pillcrate/dispenser-command/pkg/binding"
	"github.com/pillcrate/dispenser-command/pkg/protocol"
	"github.com/pillcrate/dispenser-command/pkg/transport"
)

const (
	testServiceUUID = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	testCharUUID    = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
)

var dispenserD1 = transport.Peripheral{
	Address:     "AA:BB:CC:DD:EE:01",
	LocalName:   "PillCrate-01",
	RSSI:        -42,
	Connectable: true,
}

func testOptions() Options {
	return Options{
		ServiceUUID:          testServiceUUID,
		CharacteristicUUID:   testCharUUID,
		ConnectTimeout:       time.Second,
		ReconnectInterval:    30 * time.Millisecond,
		MaxReconnectAttempts: 5,
		CommandTimeout:       40 * time.Millisecond,
		RetryBackoff:         5 * time.Millisecond,
		DefaultMaxAttempts:   3,
	}
}

// fakeAdapter simulates the radio. Tests feed advertisements through
// advertise and observe writes through writeCount / writeHook.
type fakeAdapter struct {
	advertise chan transport.Peripheral

	mu          sync.Mutex
	device      *fakeDevice
	connectErr  error
	serviceErr  error
	connectHold chan struct{}
	writeHook   func(attempt int32, payload []byte) error

	scanCount  int32
	writeCount int32
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{advertise: make(chan transport.Peripheral, 16)}
}

func (f *fakeAdapter) Scan(ctx context.Context, found func(transport.Peripheral)) error {
	atomic.AddInt32(&f.scanCount, 1)
	for {
		select {
		case p := <-f.advertise:
			found(p)
		case <-ctx.Done():
			return nil
		}
	}
}

func (f *fakeAdapter) StopScan() error { return nil }

func (f *fakeAdapter) Connect(_ context.Context, target transport.Peripheral) (transport.Device, error) {
	f.mu.Lock()
	hold := f.connectHold
	f.mu.Unlock()
	if hold != nil {
		// Simulates a stack that is slow to complete the dial.
		<-hold
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	device := &fakeDevice{adapter: f, address: target.Address, disconnected: make(chan struct{})}
	f.device = device
	return device, nil
}

func (f *fakeAdapter) Close() error { return nil }

func (f *fakeAdapter) currentDevice() *fakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.device
}

// sendNotification delivers a peripheral notification through the active
// subscription.
func (f *fakeAdapter) sendNotification(t *testing.T, payload string) {
	t.Helper()
	device := f.currentDevice()
	if device == nil {
		t.Fatal("no connected device")
	}
	device.mu.Lock()
	notify := device.notify
	device.mu.Unlock()
	if notify == nil {
		t.Fatal("no notification subscription")
	}
	notify([]byte(payload))
}

func (f *fakeAdapter) writes() int32 {
	return atomic.LoadInt32(&f.writeCount)
}

func (f *fakeAdapter) scans() int32 {
	return atomic.LoadInt32(&f.scanCount)
}

type fakeDevice struct {
	adapter *fakeAdapter
	address string

	mu           sync.Mutex
	notify       func([]byte)
	disconnected chan struct{}
	closeOnce    sync.Once
}

func (d *fakeDevice) Service(_ context.Context, uuid string) (transport.Service, error) {
	d.adapter.mu.Lock()
	err := d.adapter.serviceErr
	d.adapter.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if uuid != testServiceUUID {
		return nil, errors.New("service not found")
	}
	return &fakeService{device: d}, nil
}

func (d *fakeDevice) Disconnected() <-chan struct{} { return d.disconnected }

func (d *fakeDevice) Close() error {
	d.drop()
	return nil
}

// drop simulates losing the radio link.
func (d *fakeDevice) drop() {
	d.closeOnce.Do(func() { close(d.disconnected) })
}

type fakeService struct {
	device *fakeDevice
}

func (s *fakeService) Rx(_ string, callback func(buf []byte)) error {
	s.device.mu.Lock()
	s.device.notify = callback
	s.device.mu.Unlock()
	return nil
}

func (s *fakeService) Tx(_ string) (transport.Writer, error) {
	return &fakeWriter{device: s.device}, nil
}

type fakeWriter struct {
	device *fakeDevice
}

func (w *fakeWriter) Write(payload []byte) (int, error) {
	attempt := atomic.AddInt32(&w.device.adapter.writeCount, 1)
	w.device.adapter.mu.Lock()
	hook := w.device.adapter.writeHook
	w.device.adapter.mu.Unlock()
	if hook != nil {
		if err := hook(attempt, payload); err != nil {
			return 0, err
		}
	}
	return len(payload), nil
}

func (w *fakeWriter) MTU(_ int) (int, error) { return 23, nil }

// memStore is an in-memory binding.Store.
type memStore struct {
	mu      sync.Mutex
	address string
	saves   int
	clears  int
}

func (s *memStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.address == "" {
		return "", binding.ErrNotBound
	}
	return s.address, nil
}

func (s *memStore) Save(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.address = address
	s.saves++
	return nil
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.address = ""
	s.clears++
	return nil
}

func (s *memStore) bound() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func startManager(t *testing.T, adapter *fakeAdapter, store *memStore) *Manager {
	t.Helper()
	manager, err := New(adapter, store, testOptions())
	if err != nil {
		t.Fatalf("New failed: %s", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := manager.Start(ctx); err != nil {
		t.Fatalf("Start failed: %s", err)
	}
	t.Cleanup(manager.Stop)
	return manager
}

func connectD1(t *testing.T, manager *Manager, adapter *fakeAdapter) {
	t.Helper()
	adapter.advertise <- dispenserD1
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := manager.Connect(ctx, dispenserD1.Address); err != nil {
		t.Fatalf("Connect failed: %s", err)
	}
	if state := manager.Snapshot().State; state != StateReady {
		t.Fatalf("expected ready after Connect, got %s", state)
	}
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDiscoveryDeduplicatesByAddress(t *testing.T) {
	adapter := newFakeAdapter()
	manager := startManager(t, adapter, &memStore{})
	ctx := context.Background()

	if err := manager.StartDiscovery(ctx); err != nil {
		t.Fatalf("StartDiscovery failed: %s", err)
	}
	other := transport.Peripheral{Address: "AA:BB:CC:DD:EE:02", LocalName: "PillCrate-02"}
	adapter.advertise <- dispenserD1
	adapter.advertise <- dispenserD1
	adapter.advertise <- other
	adapter.advertise <- dispenserD1

	waitFor(t, "two unique devices", func() bool {
		peripherals, err := manager.Peripherals(ctx)
		return err == nil && len(peripherals) == 2
	})

	peripherals, err := manager.Peripherals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[string]bool)
	for _, p := range peripherals {
		if seen[p.Address] {
			t.Errorf("duplicate address %s in discovered list", p.Address)
		}
		seen[p.Address] = true
	}
	if !manager.Snapshot().Scanning {
		t.Error("scanning flag should be set during discovery")
	}
}

func TestConnectSavesBinding(t *testing.T) {
	adapter := newFakeAdapter()
	store := &memStore{}
	manager := startManager(t, adapter, store)

	connectD1(t, manager, adapter)

	if store.bound() != dispenserD1.Address {
		t.Errorf("binding not saved: %q", store.bound())
	}
	status := manager.Snapshot()
	if status.BoundAddress != dispenserD1.Address {
		t.Errorf("snapshot bound address = %q", status.BoundAddress)
	}
	if status.LastError != nil {
		t.Errorf("unexpected last error: %s", status.LastError)
	}
}

func TestSendCommandRequiresConnection(t *testing.T) {
	adapter := newFakeAdapter()
	manager := startManager(t, adapter, &memStore{})
	ctx := context.Background()

	err := manager.SendCommand(ctx, []byte("STATUS"), 3)
	if !errors.Is(err, protocol.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if adapter.writes() != 0 {
		t.Errorf("no transport write should occur, saw %d", adapter.writes())
	}

	if err := manager.StartDiscovery(ctx); err != nil {
		t.Fatal(err)
	}
	err = manager.SendCommand(ctx, []byte("STATUS"), 3)
	if !errors.Is(err, protocol.ErrNotReady) {
		t.Fatalf("expected ErrNotReady while scanning, got %v", err)
	}
	if adapter.writes() != 0 {
		t.Errorf("no transport write should occur, saw %d", adapter.writes())
	}
}

func TestSendCommandSuccess(t *testing.T) {
	adapter := newFakeAdapter()
	manager := startManager(t, adapter, &memStore{})

	adapter.mu.Lock()
	adapter.writeHook = func(_ int32, _ []byte) error {
		go adapter.sendNotification(t, "OK")
		return nil
	}
	adapter.mu.Unlock()

	connectD1(t, manager, adapter)

	err := manager.SendCommand(context.Background(), []byte("DISPENSE:2:1"), 3)
	if err != nil {
		t.Fatalf("SendCommand failed: %s", err)
	}
	if adapter.writes() != 1 {
		t.Errorf("expected exactly 1 write, saw %d", adapter.writes())
	}
	status := manager.Snapshot()
	if status.StatusText != "Sent: DISPENSE:2:1" {
		t.Errorf("status text = %q", status.StatusText)
	}
	if status.LastNotification != "OK" {
		t.Errorf("last notification = %q", status.LastNotification)
	}
}

func TestSendCommandRetriesUntilSuccess(t *testing.T) {
	adapter := newFakeAdapter()
	manager := startManager(t, adapter, &memStore{})

	// Attempts 1 and 2 go unanswered and time out; attempt 3 is answered.
	adapter.mu.Lock()
	adapter.writeHook = func(attempt int32, _ []byte) error {
		if attempt >= 3 {
			go adapter.sendNotification(t, "OK")
		}
		return nil
	}
	adapter.mu.Unlock()

	connectD1(t, manager, adapter)

	err := manager.SendCommand(context.Background(), []byte("DISPENSE:1:1"), 3)
	if err != nil {
		t.Fatalf("SendCommand failed after retries: %s", err)
	}
	if adapter.writes() != 3 {
		t.Errorf("expected exactly 3 writes, saw %d", adapter.writes())
	}
}

func TestSendCommandExhaustsAttempts(t *testing.T) {
	adapter := newFakeAdapter()
	manager := startManager(t, adapter, &memStore{})
	connectD1(t, manager, adapter)

	err := manager.SendCommand(context.Background(), []byte("STATUS"), 2)
	if !errors.Is(err, protocol.ErrCommandTimeout) {
		t.Fatalf("expected ErrCommandTimeout, got %v", err)
	}
	if adapter.writes() != 2 {
		t.Errorf("maxAttempts=2 should produce exactly 2 writes, saw %d", adapter.writes())
	}
	if !protocol.MayHaveSucceeded(err) {
		t.Error("a timed-out command may still have been executed")
	}
}

func TestSecondCommandFailsFast(t *testing.T) {
	adapter := newFakeAdapter()
	manager := startManager(t, adapter, &memStore{})
	connectD1(t, manager, adapter)

	first := make(chan error, 1)
	go func() {
		first <- manager.SendCommand(context.Background(), []byte("STATUS"), 1)
	}()
	waitFor(t, "first write", func() bool { return adapter.writes() == 1 })

	err := manager.SendCommand(context.Background(), []byte("RESET"), 1)
	if !errors.Is(err, protocol.ErrCommandInFlight) {
		t.Fatalf("expected ErrCommandInFlight, got %v", err)
	}

	if err := <-first; !errors.Is(err, protocol.ErrCommandTimeout) {
		t.Fatalf("first command should time out, got %v", err)
	}
}

func TestUnexpectedDisconnectEntersReconnecting(t *testing.T) {
	adapter := newFakeAdapter()
	store := &memStore{}
	manager := startManager(t, adapter, store)
	connectD1(t, manager, adapter)

	adapter.currentDevice().drop()

	waitFor(t, "reconnecting state", func() bool {
		return manager.Snapshot().State == StateReconnecting
	})
	if store.bound() != dispenserD1.Address {
		t.Error("unexpected disconnect must not clear the binding")
	}

	// The bound device reappears; the link must heal without intervention.
	adapter.advertise <- dispenserD1
	waitFor(t, "ready after reconnect", func() bool {
		return manager.Snapshot().State == StateReady
	})
	if attempts := manager.Snapshot().ReconnectAttempts; attempts != 0 {
		t.Errorf("attempts should reset after reconnect, got %d", attempts)
	}
}

func TestDisconnectFailsPendingCommandImmediately(t *testing.T) {
	adapter := newFakeAdapter()
	manager := startManager(t, adapter, &memStore{})
	connectD1(t, manager, adapter)

	result := make(chan error, 1)
	go func() {
		result <- manager.SendCommand(context.Background(), []byte("STATUS"), 1)
	}()
	waitFor(t, "write", func() bool { return adapter.writes() == 1 })

	start := time.Now()
	adapter.currentDevice().drop()

	select {
	case err := <-result:
		if !errors.Is(err, protocol.ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
		// Eager resolution: well before the command timeout.
		if elapsed := time.Since(start); elapsed > 30*time.Millisecond {
			t.Errorf("pending command took %s to fail", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatal("pending command not resolved on disconnect")
	}
}

func TestReconnectionGivesUpAfterMaxAttempts(t *testing.T) {
	adapter := newFakeAdapter()
	manager := startManager(t, adapter, &memStore{})
	connectD1(t, manager, adapter)

	adapter.currentDevice().drop()

	waitFor(t, "terminal disconnected state", func() bool {
		status := manager.Snapshot()
		return status.State == StateDisconnected &&
			errors.Is(status.LastError, protocol.ErrMaxRetriesExceeded)
	})

	// No further automatic scans once reconnection has given up.
	scans := adapter.scans()
	time.Sleep(3 * testOptions().ReconnectInterval)
	if adapter.scans() != scans {
		t.Errorf("scan restarted after giving up: %d -> %d", scans, adapter.scans())
	}
}

func TestExplicitDisconnectClearsBindingAndDisablesReconnect(t *testing.T) {
	adapter := newFakeAdapter()
	store := &memStore{}
	manager := startManager(t, adapter, store)
	connectD1(t, manager, adapter)
	device := adapter.currentDevice()

	ctx := context.Background()
	if err := manager.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect failed: %s", err)
	}
	if store.bound() != "" {
		t.Error("explicit disconnect must clear the binding")
	}
	if store.clears == 0 {
		t.Error("store.Clear was not called")
	}

	// A late disconnect event from the closed device must not trigger reconnection.
	device.drop()
	time.Sleep(3 * testOptions().ReconnectInterval)
	status := manager.Snapshot()
	if status.State == StateReconnecting || status.Scanning {
		t.Errorf("reconnection started after explicit disconnect: %+v", status)
	}
}

func TestDisconnectSupersedesSlowConnect(t *testing.T) {
	adapter := newFakeAdapter()
	adapter.connectHold = make(chan struct{})
	store := &memStore{}
	manager := startManager(t, adapter, store)

	result := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		result <- manager.Connect(ctx, dispenserD1.Address)
	}()
	adapter.advertise <- dispenserD1
	waitFor(t, "connecting state", func() bool {
		return manager.Snapshot().State == StateConnecting
	})

	if err := manager.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect failed: %s", err)
	}
	if err := <-result; !errors.Is(err, protocol.ErrNotConnected) {
		t.Fatalf("blocked Connect should resolve with ErrNotConnected, got %v", err)
	}

	// The dial completes only now; its result belongs to a superseded
	// attempt and must not re-bind the device.
	close(adapter.connectHold)
	time.Sleep(50 * time.Millisecond)

	status := manager.Snapshot()
	if status.State != StateDisconnected {
		t.Errorf("stale dial re-entered %s after explicit disconnect", status.State)
	}
	if status.BoundAddress != "" || store.bound() != "" {
		t.Errorf("stale dial re-bound device: snapshot=%q store=%q", status.BoundAddress, store.bound())
	}
	if n := store.saveCount(); n != 0 {
		t.Errorf("binding saved %d times after explicit disconnect", n)
	}
}

func TestReconnectRestartsScanEachCycle(t *testing.T) {
	adapter := newFakeAdapter()
	manager := startManager(t, adapter, &memStore{})
	connectD1(t, manager, adapter)

	scansBefore := adapter.scans()
	adapter.currentDevice().drop()

	// Let two full cycles elapse, then let it heal.
	waitFor(t, "restarted scans", func() bool {
		return adapter.scans() >= scansBefore+2
	})
	waitFor(t, "attempt counter", func() bool {
		return manager.Snapshot().ReconnectAttempts >= 1
	})
	adapter.advertise <- dispenserD1
	waitFor(t, "ready", func() bool {
		return manager.Snapshot().State == StateReady
	})
}

func TestWriteFailureIsRetried(t *testing.T) {
	adapter := newFakeAdapter()
	manager := startManager(t, adapter, &memStore{})

	adapter.mu.Lock()
	adapter.writeHook = func(attempt int32, _ []byte) error {
		if attempt == 1 {
			return errors.New("att failed")
		}
		go adapter.sendNotification(t, "OK")
		return nil
	}
	adapter.mu.Unlock()

	connectD1(t, manager, adapter)

	if err := manager.SendCommand(context.Background(), []byte("STATUS"), 3); err != nil {
		t.Fatalf("SendCommand failed: %s", err)
	}
	if adapter.writes() != 2 {
		t.Errorf("expected 2 writes (1 failed, 1 ok), saw %d", adapter.writes())
	}
}

func TestSubscribersObserveTransitions(t *testing.T) {
	adapter := newFakeAdapter()
	manager := startManager(t, adapter, &memStore{})
	updates := manager.Subscribe()
	defer manager.Unsubscribe(updates)

	connectD1(t, manager, adapter)

	sawScanning, sawConnecting, sawReady := false, false, false
	deadline := time.After(time.Second)
	for !(sawScanning && sawConnecting && sawReady) {
		select {
		case status := <-updates:
			switch status.State {
			case StateScanning:
				sawScanning = true
			case StateConnecting:
				sawConnecting = true
			case StateReady:
				sawReady = true
			}
		case <-deadline:
			t.Fatalf("missed transitions: scanning=%v connecting=%v ready=%v",
				sawScanning, sawConnecting, sawReady)
		}
	}
}
