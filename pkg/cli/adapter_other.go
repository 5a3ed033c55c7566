//go:build !linux

package cli

import (
	"github.com/pillcrate/dispenser-command/pkg/transport"
	"github.com/pillcrate/dispenser-command/pkg/transport/tinygo"
)

// NewAdapter opens the platform Bluetooth adapter.
func NewAdapter(id string) (transport.Adapter, error) {
	return tinygo.NewAdapter(id)
}
