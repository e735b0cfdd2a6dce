// Package store persists small client-side blobs such as the realtime
// toggle state. Backends: in-memory, Pebble on local disk, and Redis when
// several dashboards share one state.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/pengwow/quantcell-realtime/internal/config"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("store: key not found")

// Store is a durable key/value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open returns the backend selected by cfg.StoreBackend.
func Open(ctx context.Context, cfg *config.Client) (Store, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory, "":
		return NewMemory(), nil
	case config.StorePebble:
		return OpenPebble(cfg.PebblePath)
	case config.StoreRedis:
		return OpenRedis(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
