// Package tinygo implements transport.Adapter on top of tinygo.org/x/bluetooth,
// which uses BlueZ over D-Bus on Linux and the native stacks on Darwin and
// Windows.
package tinygo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/pillcrate/dispenser-command/internal/log"
	"github.com/pillcrate/dispenser-command/pkg/transport"
)

// NewAdapter enables the Bluetooth adapter with the given ID ("" selects the
// platform default).
func NewAdapter(id string) (transport.Adapter, error) {
	device, err := newAdapter(id)
	if err != nil {
		return nil, fmt.Errorf("ble: failed to create adapter: %s", err)
	}
	if err := device.Enable(); err != nil {
		if IsAdapterError(err) {
			return nil, errors.New(AdapterErrorHelpMessage(err))
		}
		return nil, fmt.Errorf("ble: failed to enable adapter: %s", err)
	}

	a := &adapter{
		device:   device,
		watchers: make(map[string]chan struct{}),
	}
	// tinygo delivers disconnects through a single adapter-wide handler.
	device.SetConnectHandler(func(dev bluetooth.Device, connected bool) {
		if connected {
			return
		}
		a.mu.Lock()
		watcher, ok := a.watchers[dev.Address.String()]
		if ok {
			delete(a.watchers, dev.Address.String())
		}
		a.mu.Unlock()
		if ok {
			close(watcher)
		}
	})
	return a, nil
}

type adapter struct {
	device *bluetooth.Adapter

	mu       sync.Mutex
	watchers map[string]chan struct{}
}

func (a *adapter) Scan(ctx context.Context, found func(transport.Peripheral)) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	stopScan := func() {
		err := a.device.StopScan()
		if err != nil {
			if strings.Contains(err.Error(), "no scan in progress") {
				return
			}
			log.Warning("ble: failed to stop scan: %+v", err)
		}
	}

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-scanCtx.Done()
		stopScan()
	}()

	err := a.device.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		found(scanResultToPeripheral(result))
	})
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (a *adapter) StopScan() error {
	err := a.device.StopScan()
	if err != nil && strings.Contains(err.Error(), "no scan in progress") {
		return nil
	}
	return err
}

func (a *adapter) Connect(ctx context.Context, target transport.Peripheral) (transport.Device, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	params := bluetooth.ConnectionParams{}
	if deadline, ok := ctx.Deadline(); ok {
		params.ConnectionTimeout = bluetooth.NewDuration(time.Until(deadline))
	}

	addr, err := parseAddress(target.Address)
	if err != nil {
		return nil, err
	}

	client, err := a.device.Connect(addr, params)
	if err != nil {
		return nil, err
	}

	watcher := make(chan struct{})
	a.mu.Lock()
	a.watchers[client.Address.String()] = watcher
	a.mu.Unlock()

	return &device{client: &client, disconnected: watcher}, nil
}

func (a *adapter) Close() error {
	a.device = nil
	return nil
}

func scanResultToPeripheral(result bluetooth.ScanResult) transport.Peripheral {
	return transport.Peripheral{
		Address:     result.Address.String(),
		LocalName:   result.LocalName(),
		RSSI:        result.RSSI,
		Connectable: true,
	}
}
