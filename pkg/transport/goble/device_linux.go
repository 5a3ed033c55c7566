package goble

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
)

const bleTimeout = 20 * time.Second

// Dispensers advertise roughly every 150ms, so an aggressive scan window is unnecessary.
var scanParams = cmd.LESetScanParameters{
	LEScanType:           1,    // Active scanning
	LEScanInterval:       0x10, // 10ms
	LEScanWindow:         0x10, // 10ms
	OwnAddressType:       0,    // Static
	ScanningFilterPolicy: 2,    // Basic filtered
}

func newDevice(id string) (ble.Device, error) {
	opts := []ble.Option{
		ble.OptListenerTimeout(bleTimeout),
		ble.OptDialerTimeout(bleTimeout),
		ble.OptScanParams(scanParams),
	}
	if id != "" {
		index, err := strconv.Atoi(strings.TrimPrefix(id, "hci"))
		if err != nil {
			return nil, fmt.Errorf("invalid adapter ID %q", id)
		}
		opts = append(opts, ble.OptDeviceID(index))
	}
	return linux.NewDevice(opts...)
}
