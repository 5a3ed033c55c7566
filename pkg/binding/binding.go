// Package binding persists the identifier of the last successfully connected
// dispenser so the link manager can reconnect to it across process restarts.
package binding

import "errors"

// ErrNotBound is returned by Load when no device has been bound.
var ErrNotBound = errors.New("no dispenser is bound")

// A Store durably records the bound device identifier. The link manager saves
// on every successful connect and clears on explicit disconnect; an unexpected
// disconnect never clears the binding, since the stored identifier is what
// drives automatic reconnection.
type Store interface {
	// Load returns the bound device address, or ErrNotBound.
	Load() (string, error)

	// Save replaces the bound device address. Save must be durable before it returns.
	Save(address string) error

	// Clear removes the binding. Clearing an empty store is not an error.
	Clear() error
}
