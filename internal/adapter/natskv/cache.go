// Package natskv implements the cache port over a NATS JetStream KV bucket,
// the shared L2 tier of the snapshot cache. Entries survive process restarts
// as long as the bucket does.
package natskv

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Cache wraps a JetStream KeyValue bucket.
type Cache struct {
	kv jetstream.KeyValue
}

// New creates a NATS KV-backed cache over an opened bucket.
func New(kv jetstream.KeyValue) *Cache {
	return &Cache{kv: kv}
}

// encodeKey maps a cache key into the KV key charset. Snapshot keys are of
// the form session:state:{id}, and JetStream rejects the colon, so it is
// folded to a dot. Session ids are UUIDs and cannot themselves contain
// either character, so the mapping never collides.
func encodeKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

// Get retrieves a value. An absent key is a miss, not an error.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	entry, err := c.kv.Get(ctx, encodeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Set stores a value. Expiry is governed by the bucket TTL, so the per-entry
// TTL is ignored here.
func (c *Cache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	_, err := c.kv.Put(ctx, encodeKey(key), value)
	return err
}

// Delete removes a value. Deleting an absent key is a no-op.
func (c *Cache) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}
