// Package persistence saves queue bookkeeping between sessions. Only
// metadata is stored; video payloads never are.
package persistence

import (
	"context"
	"errors"

	"github.com/psantana5/vidhook/pkg/models"
)

// ErrNoSnapshot is returned by Load when nothing has been saved yet
var ErrNoSnapshot = errors.New("no saved snapshot")

// ErrUnsupportedStore is returned by NewStore for unknown types
var ErrUnsupportedStore = errors.New("unsupported store type")

// Store persists one queue snapshot
type Store interface {
	Load(ctx context.Context) (*models.QueueSnapshot, error)
	Save(ctx context.Context, snap *models.QueueSnapshot) error
	Close() error
}

// Config selects and configures a store
type Config struct {
	Type string `mapstructure:"type" yaml:"type"` // "file" or "sqlite"
	Path string `mapstructure:"path" yaml:"path"`
	Sync bool   `mapstructure:"sync" yaml:"sync"` // fsync file snapshots
}

// NewStore creates a store from config
func NewStore(cfg Config) (Store, error) {
	switch cfg.Type {
	case "file", "json", "":
		path := cfg.Path
		if path == "" {
			path = "vidhook-state.json"
		}
		return NewFileStore(path, cfg.Sync), nil
	case "sqlite", "sqlite3":
		path := cfg.Path
		if path == "" {
			path = "vidhook.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedStore
	}
}
