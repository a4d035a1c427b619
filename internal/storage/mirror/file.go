// Package mirror keeps a flat JSON list of transactions next to the primary
// store. It is best effort and never read as the source of truth.
package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sheikh-saqib/offline-payments-auth/internal/models"
	"github.com/sheikh-saqib/offline-payments-auth/internal/storage"
)

type File struct {
	mu   sync.Mutex
	path string
}

func NewFile(path string) *File {
	return &File{path: path}
}

// Save replaces the entry with the same ID, or appends it.
func (f *File) Save(tx models.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	list, err := f.load()
	if err != nil {
		return err
	}

	replaced := false
	for i := range list {
		if list[i].ID == tx.ID {
			list[i] = tx
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, tx)
	}
	return f.write(list)
}

// Load returns the mirrored list. A missing file is an empty list.
func (f *File) Load() ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *File) load() ([]models.Transaction, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mirror: %w", err)
	}
	var list []models.Transaction
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to decode mirror: %w", err)
	}
	return list, nil
}

// write goes through a temp file so a crash never leaves a half written list.
func (f *File) write(list []models.Transaction) error {
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create mirror directory: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write mirror: %w", err)
	}
	return os.Rename(tmp, f.path)
}

var _ storage.Mirror = (*File)(nil)
