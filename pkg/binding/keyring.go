package binding

import (
	"errors"

	"github.com/99designs/keyring"
)

const keyringKey = "boundDispenser"

// KeyringStore keeps the binding in the OS credential store. Useful on
// multi-user hosts where the binding should not live in a world-readable
// file.
type KeyringStore struct {
	ring keyring.Keyring
}

// NewKeyringStore opens the credential store described by config.
func NewKeyringStore(config keyring.Config) (*KeyringStore, error) {
	ring, err := keyring.Open(config)
	if err != nil {
		return nil, err
	}
	return &KeyringStore{ring: ring}, nil
}

func (s *KeyringStore) Load() (string, error) {
	item, err := s.ring.Get(keyringKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", ErrNotBound
	}
	if err != nil {
		return "", err
	}
	if len(item.Data) == 0 {
		return "", ErrNotBound
	}
	return string(item.Data), nil
}

func (s *KeyringStore) Save(address string) error {
	return s.ring.Set(keyring.Item{
		Key:   keyringKey,
		Data:  []byte(address),
		Label: "dispenser-command bound device",
	})
}

func (s *KeyringStore) Clear() error {
	err := s.ring.Remove(keyringKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	return err
}
