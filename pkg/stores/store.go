package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/mailgrid/mailgrid/pkg/engine"
)

// Backend names a state store implementation.
type Backend string

const (
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
)

// Config holds state store configuration.
type Config struct {
	Backend         Backend
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open returns a ready store for the configured backend. SQLite stores are
// initialized and migrated.
func Open(ctx context.Context, cfg Config) (engine.StateStore, error) {
	switch cfg.Backend {
	case BackendFile, "":
		return NewFileStore(cfg.Path)
	case BackendSQLite:
		store, err := NewSQLiteStore(cfg)
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}
