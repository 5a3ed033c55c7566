package link

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pillcrate/dispenser-command/internal/log"
	"github.com/pillcrate/dispenser-command/pkg/protocol"
	"github.com/pillcrate/dispenser-command/pkg/transport"
)

// run is the owner goroutine. Every transport callback and API call arrives
// here as an event and is processed in order, so the state machine never
// needs a lock.
func (m *Manager) run(ready chan<- struct{}) {
	log.Info("Starting dispenser link service...")
	m.doneLock.Lock()
	if m.terminate == nil {
		m.terminate = make(chan struct{})
	} else {
		m.doneLock.Unlock()
		return
	}
	terminate := m.terminate
	m.doneLock.Unlock()

	close(ready)
	defer func() {
		m.done <- true
	}()

	for {
		select {
		case ev := <-m.events:
			m.handle(ev)
			m.publish()
		case <-terminate:
			m.shutdown()
			return
		}
	}
}

func (m *Manager) handle(ev event) {
	switch ev := ev.(type) {
	case apiStartDiscovery:
		ev.reply <- m.startDiscovery()
	case apiStopDiscovery:
		ev.reply <- m.stopDiscovery()
	case apiConnect:
		m.connectRequest(ev)
	case apiDisconnect:
		ev.reply <- m.disconnect()
	case apiCommand:
		m.commandRequest(ev)
	case apiPeripherals:
		peripherals := make([]transport.Peripheral, len(m.peripherals))
		copy(peripherals, m.peripherals)
		ev.reply <- peripherals
	case evScanFound:
		m.scanFound(ev)
	case evScanStopped:
		m.scanStopped(ev)
	case evConnected:
		m.transportConnected(ev)
	case evReady:
		m.connectionReady(ev)
	case evConnectFailed:
		m.connectFailed(ev)
	case evDisconnected:
		m.connectionLost(ev)
	case evNotification:
		m.notification(ev)
	case evWriteResult:
		m.writeResult(ev)
	case evCommandTimeout:
		m.commandTimeout(ev)
	case evReconnectTick:
		m.reconnectTick(ev)
	}
}

// shutdown releases every live resource without clearing the binding.
func (m *Manager) shutdown() {
	m.stopReconnectTimer()
	m.stopScan()
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	m.connGen++
	m.failPending(protocol.ErrNotConnected)
	m.resolveWaiters(protocol.ErrNotConnected)
	if m.session != nil {
		if err := m.session.device.Close(); err != nil {
			log.Warning("Failed to close connection: %s", err)
		}
		m.session = nil
	}
	m.state = stateIdle
	log.Info("Dispenser link service stopped")
}

// -- discovery ---------------------------------------------------------------

func (m *Manager) startDiscovery() error {
	switch m.state {
	case stateConnecting, stateResolving, stateReady:
		return errors.New("link: cannot scan while a connection is active")
	case stateReconnecting:
		return errors.New("link: reconnection owns the radio; disconnect first")
	case stateScanning:
		// Restart semantics: invalidate the candidate list but reuse the running scan.
		m.peripherals = nil
		m.seen = make(map[string]bool)
		return nil
	}
	m.peripherals = nil
	m.seen = make(map[string]bool)
	m.target = ""
	m.state = stateScanning
	m.statusText = "Scanning for dispensers"
	m.startScan()
	return nil
}

func (m *Manager) stopDiscovery() error {
	if m.state != stateScanning {
		return nil
	}
	m.stopScan()
	m.target = ""
	m.state = stateIdle
	m.statusText = "Scan stopped"
	m.resolveWaiters(protocol.ErrNotConnected)
	return nil
}

func (m *Manager) startScan() {
	if m.scanCancel != nil {
		return
	}
	m.scanGen++
	gen := m.scanGen
	ctx, cancel := context.WithCancel(context.Background())
	m.scanCancel = cancel
	go func() {
		err := m.adapter.Scan(ctx, func(p transport.Peripheral) {
			m.post(evScanFound{gen: gen, peripheral: p})
		})
		m.post(evScanStopped{gen: gen, err: err})
	}()
}

// stopScan cancels the running scan and bumps the scan generation so events
// still in flight from it are discarded.
func (m *Manager) stopScan() {
	if m.scanCancel == nil {
		return
	}
	m.scanCancel()
	m.scanCancel = nil
	m.scanGen++
}

func (m *Manager) scanFound(ev evScanFound) {
	if ev.gen != m.scanGen || m.scanCancel == nil {
		return
	}
	p := ev.peripheral
	if !m.seen[p.Address] {
		m.seen[p.Address] = true
		m.peripherals = append(m.peripherals, p)
		log.Debug("Discovered %s (%q) RSSI %d", p.Address, p.LocalName, p.RSSI)
	}
	if m.target != "" && p.Address == m.target {
		m.beginConnect(p)
	}
}

func (m *Manager) scanStopped(ev evScanStopped) {
	if ev.gen != m.scanGen {
		return
	}
	m.scanCancel = nil
	if ev.err != nil {
		log.Warning("Scan ended unexpectedly: %s", ev.err)
		m.lastError = ev.err
	}
	if m.state != stateScanning {
		// A reconnection scan that dies is retried on the next timer tick.
		return
	}
	err := ev.err
	if err == nil {
		err = errors.New("link: scan stopped")
	}
	if m.target != "" {
		m.target = ""
		m.state = stateDisconnected
		m.statusText = "Device not found"
		m.resolveWaiters(err)
		return
	}
	m.state = stateIdle
	m.statusText = "Scan stopped"
}

// -- connection --------------------------------------------------------------

func (m *Manager) connectRequest(ev apiConnect) {
	switch m.state {
	case stateReady:
		if m.session != nil && m.session.peripheral.Address == ev.address {
			ev.reply <- nil
			return
		}
		ev.reply <- errors.New("link: already connected to a different dispenser")
	case stateConnecting, stateResolving:
		ev.reply <- errors.New("link: connection already in progress")
	case stateReconnecting:
		ev.reply <- errors.New("link: reconnecting; disconnect first to choose another device")
	case stateScanning:
		m.waiters = append(m.waiters, ev.reply)
		for _, p := range m.peripherals {
			if p.Address == ev.address {
				m.beginConnect(p)
				return
			}
		}
		// Not discovered yet; connect when it appears.
		m.target = ev.address
	default: // idle, disconnected
		m.waiters = append(m.waiters, ev.reply)
		m.target = ev.address
		m.state = stateScanning
		m.statusText = fmt.Sprintf("Searching for %s", ev.address)
		m.startScan()
	}
}

func (m *Manager) beginConnect(p transport.Peripheral) {
	m.stopScan()
	m.stopReconnectTimer()
	m.target = ""
	m.state = stateConnecting
	m.statusText = fmt.Sprintf("Connecting to %s", peripheralName(p))
	log.Info("Connecting to %s (%q)...", p.Address, p.LocalName)

	m.connGen++
	gen := m.connGen
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	m.connCancel = cancel
	go m.dial(ctx, cancel, gen, p)
}

// dial runs off the owner goroutine: it performs the blocking transport
// calls and reports progress through events.
func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, p transport.Peripheral) {
	defer cancel()

	device, err := m.adapter.Connect(ctx, p)
	if err != nil {
		m.post(evConnectFailed{gen: gen, err: fmt.Errorf("%w: %s", protocol.ErrConnectFailed, err)})
		return
	}
	m.post(evConnected{gen: gen})

	service, err := device.Service(ctx, m.opts.ServiceUUID)
	if err != nil {
		device.Close()
		m.post(evConnectFailed{gen: gen, err: fmt.Errorf("%w: %s", protocol.ErrCharacteristicNotFound, err)})
		return
	}
	writer, err := service.Tx(m.opts.CharacteristicUUID)
	if err != nil {
		device.Close()
		m.post(evConnectFailed{gen: gen, err: fmt.Errorf("%w: %s", protocol.ErrCharacteristicNotFound, err)})
		return
	}
	err = service.Rx(m.opts.CharacteristicUUID, func(buf []byte) {
		payload := make([]byte, len(buf))
		copy(payload, buf)
		m.post(evNotification{gen: gen, payload: payload})
	})
	if err != nil {
		device.Close()
		m.post(evConnectFailed{gen: gen, err: fmt.Errorf("%w: %s", protocol.ErrCharacteristicNotFound, err)})
		return
	}

	go func() {
		select {
		case <-device.Disconnected():
			m.post(evDisconnected{gen: gen})
		case <-m.quit:
		}
	}()

	m.post(evReady{gen: gen, device: device, writer: writer, peripheral: p})
}

func (m *Manager) transportConnected(ev evConnected) {
	if ev.gen != m.connGen || m.state != stateConnecting {
		return
	}
	m.state = stateResolving
	m.statusText = "Resolving dispenser service"
}

func (m *Manager) connectionReady(ev evReady) {
	if ev.gen != m.connGen {
		log.Debug("Discarding connection from superseded attempt")
		ev.device.Close()
		return
	}
	m.connCancel = nil
	m.session = &session{gen: ev.gen, device: ev.device, writer: ev.writer, peripheral: ev.peripheral}
	m.state = stateReady
	m.reconnecting = false
	m.attempts = 0
	m.stopReconnectTimer()
	m.stopScan()
	m.lastError = nil
	m.statusText = "Connected to " + peripheralName(ev.peripheral)

	m.boundAddress = ev.peripheral.Address
	if err := m.store.Save(ev.peripheral.Address); err != nil {
		log.Error("Failed to persist device binding: %s", err)
	}

	log.Info("Connected to %s (%q)", ev.peripheral.Address, ev.peripheral.LocalName)
	m.resolveWaiters(nil)
}

func (m *Manager) connectFailed(ev evConnectFailed) {
	if ev.gen != m.connGen {
		return
	}
	m.connCancel = nil
	m.lastError = ev.err
	log.Warning("Connection attempt failed: %s", ev.err)

	if m.reconnecting {
		// Stay in the bounded reconnection cycle rather than giving up early.
		m.state = stateReconnecting
		m.target = m.boundAddress
		m.statusText = fmt.Sprintf("Reconnecting (attempt %d/%d)", m.attempts+1, m.opts.MaxReconnectAttempts)
		m.startScan()
		m.armReconnectTimer()
		return
	}
	m.state = stateDisconnected
	m.statusText = "Connection failed"
	m.resolveWaiters(ev.err)
}

func (m *Manager) connectionLost(ev evDisconnected) {
	if m.session == nil || ev.gen != m.session.gen {
		return
	}
	m.session = nil
	m.failPending(protocol.ErrNotConnected)
	log.Warning("Connection to dispenser lost")
	m.lastError = protocol.ErrNotConnected

	if m.boundAddress != "" {
		m.enterReconnecting()
		return
	}
	m.state = stateDisconnected
	m.statusText = "Disconnected"
}

func (m *Manager) disconnect() error {
	m.stopReconnectTimer()
	m.reconnecting = false
	m.attempts = 0
	m.target = ""
	m.stopScan()
	if m.connCancel != nil {
		m.connCancel()
		m.connCancel = nil
	}
	// Supersede any in-flight dial: a slow transport may deliver its result
	// after the cancellation, and it must not re-bind the device.
	m.connGen++
	m.failPending(protocol.ErrNotConnected)
	m.resolveWaiters(protocol.ErrNotConnected)
	if m.session != nil {
		if err := m.session.device.Close(); err != nil {
			log.Warning("Failed to close connection: %s", err)
		}
		m.session = nil
	}

	m.boundAddress = ""
	if err := m.store.Clear(); err != nil {
		log.Error("Failed to clear device binding: %s", err)
	}

	m.state = stateIdle
	m.lastError = nil
	m.statusText = "Disconnected"
	log.Info("Disconnected from dispenser")
	return nil
}

// -- reconnection ------------------------------------------------------------

func (m *Manager) enterReconnecting() {
	m.state = stateReconnecting
	m.reconnecting = true
	m.attempts = 0
	m.target = m.boundAddress
	m.statusText = fmt.Sprintf("Reconnecting (attempt 1/%d)", m.opts.MaxReconnectAttempts)
	log.Info("Attempting to reconnect to %s", m.boundAddress)
	m.startScan()
	m.armReconnectTimer()
}

func (m *Manager) armReconnectTimer() {
	m.stopReconnectTimer()
	m.reconnectGen++
	gen := m.reconnectGen
	m.reconnectTmr = time.AfterFunc(m.opts.ReconnectInterval, func() {
		m.post(evReconnectTick{gen: gen})
	})
}

func (m *Manager) stopReconnectTimer() {
	if m.reconnectTmr == nil {
		return
	}
	m.reconnectTmr.Stop()
	m.reconnectTmr = nil
	m.reconnectGen++
}

func (m *Manager) reconnectTick(ev evReconnectTick) {
	if ev.gen != m.reconnectGen || m.state != stateReconnecting {
		return
	}
	m.reconnectTmr = nil
	m.attempts++
	if m.attempts >= m.opts.MaxReconnectAttempts {
		m.stopScan()
		m.reconnecting = false
		m.target = ""
		m.state = stateDisconnected
		m.lastError = protocol.ErrMaxRetriesExceeded
		m.statusText = "Gave up reconnecting"
		log.Error("Gave up reconnecting to %s after %d attempts", m.boundAddress, m.attempts)
		m.resolveWaiters(protocol.ErrMaxRetriesExceeded)
		return
	}
	log.Info("Reconnect cycle %d/%d expired, restarting scan", m.attempts, m.opts.MaxReconnectAttempts)
	m.statusText = fmt.Sprintf("Reconnecting (attempt %d/%d)", m.attempts+1, m.opts.MaxReconnectAttempts)
	m.stopScan()
	m.startScan()
	m.armReconnectTimer()
}

// -- command pipeline --------------------------------------------------------

func (m *Manager) commandRequest(ev apiCommand) {
	switch m.state {
	case stateReady:
	case stateIdle, stateDisconnected:
		ev.reply <- protocol.ErrNotConnected
		return
	default:
		ev.reply <- protocol.ErrNotReady
		return
	}
	if m.pending != nil {
		ev.reply <- protocol.ErrCommandInFlight
		return
	}

	m.cmdSeq++
	seq := m.cmdSeq
	pc := &pendingCommand{seq: seq, payload: ev.payload, reply: ev.reply}
	pc.timer = time.AfterFunc(m.opts.CommandTimeout, func() {
		m.post(evCommandTimeout{seq: seq})
	})
	m.pending = pc
	m.statusText = "Sending: " + string(ev.payload)
	log.Debug("TX: %s", ev.payload)

	writer := m.session.writer
	go func() {
		_, err := writer.Write(ev.payload)
		m.post(evWriteResult{seq: seq, err: err})
	}()
}

func (m *Manager) writeResult(ev evWriteResult) {
	if m.pending == nil || m.pending.seq != ev.seq {
		return
	}
	if ev.err != nil {
		m.resolveCommand(protocol.WrapCommandFailure(ev.err))
	}
	// Write acknowledged; the attempt completes on the reply notification or
	// the timeout, whichever comes first.
}

func (m *Manager) notification(ev evNotification) {
	if m.session == nil || ev.gen != m.session.gen {
		return
	}
	m.lastNotified = ev.payload
	log.Debug("RX: %s", ev.payload)
	// The protocol has no frame correlation: any notification that arrives
	// while a command is pending is treated as its reply. A stray unrelated
	// notification would complete the command; the peripheral sends exactly
	// one reply per command, so this does not occur in practice.
	if m.pending != nil {
		m.resolveCommand(nil)
	}
}

func (m *Manager) commandTimeout(ev evCommandTimeout) {
	if m.pending == nil || m.pending.seq != ev.seq {
		return
	}
	m.resolveCommand(protocol.ErrCommandTimeout)
}

// resolveCommand takes the command slot and resolves it exactly once.
func (m *Manager) resolveCommand(err error) {
	pc := m.pending
	m.pending = nil
	pc.timer.Stop()
	if err == nil {
		m.statusText = "Sent: " + string(pc.payload)
		log.Info("Command acknowledged: %s", pc.payload)
	} else {
		m.statusText = "Command failed: " + err.Error()
		m.lastError = err
		log.Warning("Command %s failed: %s", pc.payload, err)
	}
	// Publish before replying so the caller observes the updated status.
	m.publish()
	pc.reply <- err
}

func (m *Manager) failPending(err error) {
	if m.pending == nil {
		return
	}
	m.resolveCommand(err)
}

// -- status surface ----------------------------------------------------------

func (m *Manager) resolveWaiters(err error) {
	if len(m.waiters) == 0 {
		return
	}
	m.publish()
	for _, waiter := range m.waiters {
		waiter <- err
	}
	m.waiters = nil
}

func (m *Manager) buildStatus() Status {
	return Status{
		State:             m.state.coarse(),
		StatusText:        m.statusText,
		LastError:         m.lastError,
		LastNotification:  string(m.lastNotified),
		Scanning:          m.scanCancel != nil,
		ReconnectAttempts: m.attempts,
		BoundAddress:      m.boundAddress,
	}
}

func (m *Manager) publish() {
	status := m.buildStatus()
	m.statusLock.Lock()
	m.status = status
	for ch := range m.subscribers {
		select {
		case ch <- status:
		default:
			// Observers never block the link.
		}
	}
	m.statusLock.Unlock()
}

func peripheralName(p transport.Peripheral) string {
	if p.LocalName != "" {
		return p.LocalName
	}
	return p.Address
}
