package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/operational-cognos/gateway/pkg/cache"
	"github.com/operational-cognos/gateway/pkg/config"
)

// Open builds the configured backend and runs Init on it. rdb is required
// for the redis backend and ignored otherwise.
func Open(ctx context.Context, cfg config.StorageConfig, rdb *cache.Client) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Backend {
	case config.BackendSQLite, "":
		store = NewSQLiteStore(cfg.Path)
	case config.BackendRedis:
		if rdb == nil {
			return nil, errors.New("redis trace store requires redis.enabled")
		}
		store = NewRedisStore(rdb)
	case config.BackendPostgres:
		store, err = NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}

	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("init %s trace store: %w", cfg.Backend, err)
	}
	return store, nil
}
