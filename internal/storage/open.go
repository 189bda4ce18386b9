package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/FieldPoller/internal/config"
)

// Open connects the configured backend and brings its schema up to date.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	var (
		store Store
		err   error
	)

	switch cfg.Driver {
	case config.DriverPostgres:
		store, err = NewPostgresClient(ctx, cfg)
	case config.DriverSQLite:
		store, err = NewSQLiteClient(ctx, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
