package tinygo

import (
	"context"
	"fmt"

	"tinygo.org/x/bluetooth"

	"github.com/pillcrate/dispenser-command/pkg/transport"
)

type device struct {
	client       *bluetooth.Device
	disconnected chan struct{}
}

func (d *device) Service(_ context.Context, uuid string) (transport.Service, error) {
	parsed, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return nil, fmt.Errorf("ble: invalid service UUID %q: %s", uuid, err)
	}
	services, err := d.client.DiscoverServices([]bluetooth.UUID{parsed})
	if err != nil {
		return nil, fmt.Errorf("ble: failed to enumerate device services: %s", err)
	}
	if len(services) != 1 {
		return nil, fmt.Errorf("ble: service %s not found", uuid)
	}
	return &service{client: d.client, service: services[0]}, nil
}

func (d *device) Disconnected() <-chan struct{} {
	return d.disconnected
}

func (d *device) Close() error {
	client := d.client
	d.client = nil
	return client.Disconnect()
}
