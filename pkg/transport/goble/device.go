package goble

import (
	"context"
	"errors"
	"fmt"

	goble "github.com/go-ble/ble"

	"github.com/pillcrate/dispenser-command/pkg/transport"
)

type device struct {
	client goble.Client
}

func (d *device) Service(_ context.Context, uuid string) (transport.Service, error) {
	parsed, err := goble.Parse(uuid)
	if err != nil {
		return nil, fmt.Errorf("ble: invalid service UUID %q: %s", uuid, err)
	}
	services, err := d.client.DiscoverServices([]goble.UUID{parsed})
	if err != nil {
		return nil, fmt.Errorf("ble: failed to enumerate device services: %s", err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", uuid)
	}
	return &service{client: d.client, service: services[0]}, nil
}

func (d *device) Disconnected() <-chan struct{} {
	return d.client.Disconnected()
}

func (d *device) Close() error {
	client := d.client
	d.client = nil

	err1 := client.ClearSubscriptions()
	err2 := client.CancelConnection()
	return errors.Join(err1, err2)
}
