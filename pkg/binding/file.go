package binding

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

type fileRecord struct {
	Address string `json:"address"`
}

// FileStore keeps the binding in a small JSON file.
type FileStore struct {
	path string
	lock sync.Mutex
}

// NewFileStore returns a Store backed by the file at path. The file is created
// on the first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() (string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", ErrNotBound
	}
	if err != nil {
		return "", err
	}

	var record fileRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return "", err
	}
	if record.Address == "" {
		return "", ErrNotBound
	}
	return record.Address, nil
}

func (s *FileStore) Save(address string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	data, err := json.Marshal(fileRecord{Address: address})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	// Write-then-rename so a crash mid-save cannot leave a truncated record.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Clear() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	err := os.Remove(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
