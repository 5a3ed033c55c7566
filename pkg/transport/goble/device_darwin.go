package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"

	"github.com/pillcrate/dispenser-command/internal/log"
)

func newDevice(id string) (ble.Device, error) {
	if id != "" {
		log.Warning("Darwin does not support selecting a Bluetooth adapter by ID")
	}
	return darwin.NewDevice()
}
