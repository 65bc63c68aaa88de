package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/psantana5/vidhook/pkg/models"
)

// FileStore keeps the snapshot in a JSON file, replaced atomically on save
type FileStore struct {
	path       string
	enableSync bool
	mu         sync.Mutex
}

// NewFileStore creates a store at path
func NewFileStore(path string, enableSync bool) *FileStore {
	return &FileStore{path: path, enableSync: enableSync}
}

// Path returns the snapshot file path
func (s *FileStore) Path() string { return s.path }

// Load reads the snapshot. A missing file yields ErrNoSnapshot.
func (s *FileStore) Load(_ context.Context) (*models.QueueSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	var snap models.QueueSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &snap, nil
}

// Save writes the snapshot to a temp file and renames it into place
func (s *FileStore) Save(_ context.Context, snap *models.QueueSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tempPath := s.path + ".tmp"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if s.enableSync {
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("failed to sync temp state file: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		return fmt.Errorf("failed to rename temp state file: %w", err)
	}
	return nil
}

// Close is a no-op
func (s *FileStore) Close() error { return nil }
