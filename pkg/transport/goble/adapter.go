// Package goble implements transport.Adapter on top of go-ble, which talks
// directly to the HCI socket on Linux. Prefer this backend on hosts where
// BlueZ's D-Bus daemon is unavailable.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"

	"github.com/pillcrate/dispenser-command/internal/log"
	"github.com/pillcrate/dispenser-command/pkg/transport"
)

// NewAdapter opens the HCI device with the given ID ("" selects the default
// adapter, typically hci0).
func NewAdapter(id string) (transport.Adapter, error) {
	device, err := newDevice(id)
	if err != nil {
		return nil, fmt.Errorf("ble: failed to open adapter: %s", err)
	}
	return &adapter{device: device}, nil
}

type adapter struct {
	device ble.Device

	mu         sync.Mutex
	scanCancel context.CancelFunc
}

func (a *adapter) Scan(ctx context.Context, found func(transport.Peripheral)) error {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.mu.Lock()
	if a.scanCancel != nil {
		a.mu.Unlock()
		cancel()
		return errors.New("ble: scan already in progress")
	}
	a.scanCancel = cancel
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.scanCancel = nil
		a.mu.Unlock()
	}()

	err := a.device.Scan(scanCtx, false, func(adv ble.Advertisement) {
		found(advertisementToPeripheral(adv))
	})
	// Scan always reports the cancellation that ended it.
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *adapter) StopScan() error {
	a.mu.Lock()
	cancel := a.scanCancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (a *adapter) Connect(ctx context.Context, target transport.Peripheral) (transport.Device, error) {
	log.Debug("Dialing %s (%s)...", target.Address, target.LocalName)
	client, err := a.device.Dial(ctx, ble.NewAddr(target.Address))
	if err != nil {
		return nil, fmt.Errorf("ble: failed to dial %s: %s", target.Address, err)
	}
	return &device{client: client}, nil
}

func (a *adapter) Close() error {
	if a.device == nil {
		return nil
	}
	device := a.device
	a.device = nil
	return device.Stop()
}

func advertisementToPeripheral(adv ble.Advertisement) transport.Peripheral {
	return transport.Peripheral{
		Address:     adv.Addr().String(),
		LocalName:   adv.LocalName(),
		RSSI:        int16(adv.RSSI()),
		Connectable: adv.Connectable(),
	}
}
