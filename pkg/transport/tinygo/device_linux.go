package tinygo

import (
	"fmt"
	"strings"

	"tinygo.org/x/bluetooth"
)

// IsAdapterError reports whether err indicates a broken BlueZ/D-Bus setup
// rather than a radio failure.
func IsAdapterError(err error) bool {
	// The D-Bus socket is missing entirely.
	if strings.Contains(err.Error(), "dbus") && strings.HasSuffix(err.Error(), "no such file or directory") {
		return true
	}
	// D-Bus is up but bluetoothd never registered org.bluez.
	if strings.Contains(err.Error(), "The name org.bluez was not provided by any .service files") {
		return true
	}
	return false
}

// AdapterErrorHelpMessage explains how to repair the host's Bluetooth stack
// when IsAdapterError(err) is true.
func AdapterErrorHelpMessage(err error) string {
	return "Failed to open the Bluetooth adapter:\n\t" + err.Error() + "\n" +
		"Check that bluez and dbus are installed and that bluetoothd is running.\n" +
		"Inside a container, mount the host's D-Bus socket (e.g. -v /var/run/dbus:/var/run/dbus)."
}

func newAdapter(id string) (*bluetooth.Adapter, error) {
	if id != "" {
		return bluetooth.NewAdapter(id), nil
	}
	return bluetooth.DefaultAdapter, nil
}

var (
	deviceCharacteristicWrite = bluetooth.DeviceCharacteristic.WriteWithoutResponse
)

func parseAddress(address string) (bluetooth.Address, error) {
	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("ble: failed to parse MAC address: %s", err)
	}
	return bluetooth.Address{
		MACAddress: bluetooth.MACAddress{
			MAC: mac,
		},
	}, nil
}
