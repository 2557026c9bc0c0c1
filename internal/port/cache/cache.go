// Package cache defines the port interface for caching session snapshots on
// the read surfaces.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching. Get reports a miss with
// ok=false rather than an error.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
