package cli

import (
	"github.com/pillcrate/dispenser-command/pkg/transport"
	"github.com/pillcrate/dispenser-command/pkg/transport/goble"
)

// NewAdapter opens the platform Bluetooth adapter. On Linux this is a raw
// HCI socket, which requires CAP_NET_ADMIN.
func NewAdapter(id string) (transport.Adapter, error) {
	return goble.NewAdapter(id)
}
