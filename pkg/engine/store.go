package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"mercator-hq/ledger/pkg/config"
	"mercator-hq/ledger/pkg/ledger/storage"
	"mercator-hq/ledger/pkg/secrets"
)

// ResolveSecrets returns a copy of cfg with ${secret:name} references in
// credential fields replaced using the secrets section.
func ResolveSecrets(ctx context.Context, cfg *config.Config) (*config.Config, error) {
	r, err := secrets.FromConfig(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to configure secrets: %w", err)
	}
	resolved, err := r.ResolveConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}
	return resolved, nil
}

// OpenStore opens the configured storage backend without loading it. The
// caller owns the returned store.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryStore(), nil

	case "sqlite":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory %q: %w", dir, err)
			}
		}
		s, err := storage.NewSQLiteStore(storage.SQLiteConfig{
			Path:               cfg.SQLite.Path,
			Driver:             cfg.SQLite.Driver,
			BusyTimeout:        cfg.SQLite.BusyTimeout,
			CheckpointInterval: cfg.SQLite.CheckpointInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil

	case "postgres":
		s, err := storage.NewPostgresStore(ctx, storage.PostgresConfig{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
