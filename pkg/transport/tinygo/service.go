package tinygo

import (
	"fmt"

	"tinygo.org/x/bluetooth"

	"github.com/pillcrate/dispenser-command/pkg/transport"
)

type service struct {
	client  *bluetooth.Device
	service bluetooth.DeviceService
}

func (s *service) Rx(uuid string, callback func(buf []byte)) error {
	characteristic, err := s.discover(uuid)
	if err != nil {
		return err
	}
	if err := characteristic.EnableNotifications(callback); err != nil {
		return fmt.Errorf("ble: failed to subscribe to %s: %s", uuid, err)
	}
	return nil
}

func (s *service) Tx(uuid string) (transport.Writer, error) {
	characteristic, err := s.discover(uuid)
	if err != nil {
		return nil, err
	}
	return &writer{
		characteristic: characteristic,
		client:         s.client,
	}, nil
}

func (s *service) discover(uuid string) (bluetooth.DeviceCharacteristic, error) {
	parsed, err := bluetooth.ParseUUID(uuid)
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: invalid characteristic UUID %q: %s", uuid, err)
	}
	characteristics, err := s.service.DiscoverCharacteristics([]bluetooth.UUID{parsed})
	if err != nil {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: failed to discover characteristics: %s", err)
	}
	if len(characteristics) == 0 {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("ble: characteristic %s not found", uuid)
	}
	return characteristics[0], nil
}
