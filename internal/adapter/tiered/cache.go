// Package tiered implements the two-level snapshot cache: a ristretto L1 in
// process and a shared L2 (NATS KV) behind it. Read surfaces consult it
// before falling back to the checkpoint store, so the tiers must never
// diverge in a way a checkpoint read would not repair.
package tiered

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"github.com/planloom/planloom/internal/port/cache"
)

// Cache layers an in-process L1 over a shared L2. Gets check L1 first and
// backfill it on an L2 hit. Sets land in the shared tier first; a snapshot
// that never reached L2 is evicted locally so every instance falls back to
// the same durable checkpoint instead of this one serving a private view.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration
}

// New creates a tiered cache. l1Expire caps how long any entry lives in L1,
// whatever TTL the caller asked for; snapshots go stale per invocation, so
// the local tier is kept on a short leash and the shared tier holds the
// caller's TTL.
func New(l1, l2 cache.Cache, l1Expire time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire}
}

// Get checks L1, then L2, backfilling L1 on an L2 hit.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		return val, true, nil
	}

	val, found, err = c.l2.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	_ = c.l1.Set(ctx, key, val, c.l1TTL(0))
	return val, true, nil
}

// Set writes the shared tier first, then the local one. When the L2 write
// fails the local entry for the key is dropped: a snapshot only this process
// can see is worse than a miss, because other instances would keep answering
// from an older L2 value while this one disagrees.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l2.Set(ctx, key, value, ttl); err != nil {
		_ = c.l1.Delete(ctx, key)
		return err
	}
	return c.l1.Set(ctx, key, value, c.l1TTL(ttl))
}

// Delete removes the key from both tiers. Both deletes run even if the first
// fails; leaving the key in either tier would resurrect a deleted session's
// snapshot on the next read.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return multierr.Append(
		c.l1.Delete(ctx, key),
		c.l2.Delete(ctx, key),
	)
}

// l1TTL clamps a caller TTL to the configured L1 lifetime. Zero means the
// backfill path, which always uses the clamp.
func (c *Cache) l1TTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > c.l1Expire {
		return c.l1Expire
	}
	return ttl
}
