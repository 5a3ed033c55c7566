package goble

import (
	"bytes"
	"fmt"

	goble "github.com/go-ble/ble"

	"github.com/pillcrate/dispenser-command/pkg/transport"
)

type service struct {
	client  goble.Client
	service *goble.Service
}

func (s *service) Rx(uuid string, callback func(buf []byte)) error {
	characteristic, err := s.discover(uuid)
	if err != nil {
		return err
	}
	if err := s.client.Subscribe(characteristic, false, callback); err != nil {
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

func (s *service) discover(uuidStr string) (*goble.Characteristic, error) {
	uuid, err := goble.Parse(uuidStr)
	if err != nil {
		return nil, fmt.Errorf("ble: invalid characteristic UUID %q: %s", uuidStr, err)
	}
	characteristics, err := s.client.DiscoverCharacteristics([]goble.UUID{uuid}, s.service)
	if err != nil {
		return nil, fmt.Errorf("ble: failed to discover characteristics: %s", err)
	}

	var characteristic *goble.Characteristic
	for _, char := range characteristics {
		if bytes.Equal(char.UUID, uuid) {
			characteristic = char
			break
		}
	}
	if characteristic == nil {
		return nil, fmt.Errorf("ble: characteristic %s not found", uuidStr)
	}

	// Descriptors must be fetched before subscribing, or go-ble cannot find the CCCD.
	if _, err := s.client.DiscoverDescriptors(nil, characteristic); err != nil {
		return nil, fmt.Errorf("ble: couldn't fetch descriptors: %s", err)
	}
	return characteristic, nil
}
