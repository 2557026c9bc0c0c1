package tiered_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/planloom/planloom/internal/adapter/tiered"
)

// memCache is a simple in-memory cache for testing.
type memCache struct {
	data map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (m *memCache) Get(_ context.Context, key string) (data []byte, ok bool, err error) {
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.data[key] = value
	return nil
}

func (m *memCache) Delete(_ context.Context, key string) error {
	delete(m.data, key)
	return nil
}

func TestTiered_L1Hit(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)
	ctx := context.Background()

	// Present only in L1
	l1.data["snapshot:sess-1"] = []byte(`{"step_index":1}`)

	val, found, err := c.Get(ctx, "snapshot:sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected L1 hit")
	}
	if string(val) != `{"step_index":1}` {
		t.Fatalf("unexpected value %s", val)
	}
}

func TestTiered_L2HitWithBackfill(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)
	ctx := context.Background()

	// Present only in L2, as after a process restart.
	l2.data["snapshot:sess-2"] = []byte(`{"step_index":2}`)

	val, found, err := c.Get(ctx, "snapshot:sess-2")
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("expected L2 hit")
	}
	if string(val) != `{"step_index":2}` {
		t.Fatalf("unexpected value %s", val)
	}

	// Verify backfill into L1
	l1Val, ok := l1.data["snapshot:sess-2"]
	if !ok {
		t.Fatal("expected L1 backfill")
	}
	if string(l1Val) != `{"step_index":2}` {
		t.Fatalf("unexpected backfilled value %s", l1Val)
	}
}

func TestTiered_Miss(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)
	ctx := context.Background()

	_, found, err := c.Get(ctx, "snapshot:missing")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("expected miss")
	}
}

func TestTiered_SetBoth(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)
	ctx := context.Background()

	if err := c.Set(ctx, "snapshot:sess-3", []byte(`{}`), time.Minute); err != nil {
		t.Fatal(err)
	}

	if _, ok := l1.data["snapshot:sess-3"]; !ok {
		t.Fatal("expected entry in L1")
	}
	if _, ok := l2.data["snapshot:sess-3"]; !ok {
		t.Fatal("expected entry in L2")
	}
}

func TestTiered_DeleteBoth(t *testing.T) {
	l1 := newMemCache()
	l2 := newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)
	ctx := context.Background()

	l1.data["snapshot:sess-4"] = []byte(`{}`)
	l2.data["snapshot:sess-4"] = []byte(`{}`)

	if err := c.Delete(ctx, "snapshot:sess-4"); err != nil {
		t.Fatal(err)
	}

	if _, ok := l1.data["snapshot:sess-4"]; ok {
		t.Fatal("expected delete from L1")
	}
	if _, ok := l2.data["snapshot:sess-4"]; ok {
		t.Fatal("expected delete from L2")
	}
}

// faultCache wraps memCache and fails selected operations.
type faultCache struct {
	*memCache
	setErr bool
	delErr bool
}

var errTier = errors.New("tier unavailable")

func (f *faultCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.setErr {
		return errTier
	}
	return f.memCache.Set(ctx, key, value, ttl)
}

func (f *faultCache) Delete(ctx context.Context, key string) error {
	if f.delErr {
		return errTier
	}
	return f.memCache.Delete(ctx, key)
}

func TestTiered_L2SetFailureEvictsL1(t *testing.T) {
	l1 := newMemCache()
	l2 := &faultCache{memCache: newMemCache(), setErr: true}
	c := tiered.New(l1, l2, 5*time.Minute)
	ctx := context.Background()

	// A stale local copy from an earlier successful write.
	l1.data["snapshot:sess-5"] = []byte(`{"step_index":1}`)

	err := c.Set(ctx, "snapshot:sess-5", []byte(`{"step_index":2}`), time.Minute)
	if !errors.Is(err, errTier) {
		t.Fatalf("expected the shared-tier error to surface, got %v", err)
	}
	if _, ok := l1.data["snapshot:sess-5"]; ok {
		t.Fatal("a snapshot the shared tier never saw must not stay in L1")
	}
}

func TestTiered_DeleteRunsBothTiersDespiteL1Failure(t *testing.T) {
	l1 := &faultCache{memCache: newMemCache(), delErr: true}
	l2 := newMemCache()
	c := tiered.New(l1, l2, 5*time.Minute)
	ctx := context.Background()

	l2.data["snapshot:sess-6"] = []byte(`{}`)

	err := c.Delete(ctx, "snapshot:sess-6")
	if !errors.Is(err, errTier) {
		t.Fatalf("expected the L1 error to surface, got %v", err)
	}
	if _, ok := l2.data["snapshot:sess-6"]; ok {
		t.Fatal("expected L2 delete to run even though L1 failed")
	}
}

// ttlCache records the TTL of the last Set.
type ttlCache struct {
	*memCache
	lastTTL time.Duration
}

func (c *ttlCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.lastTTL = ttl
	return c.memCache.Set(ctx, key, value, ttl)
}

func TestTiered_L1TTLClamped(t *testing.T) {
	l1 := &ttlCache{memCache: newMemCache()}
	l2 := newMemCache()
	c := tiered.New(l1, l2, time.Minute)
	ctx := context.Background()

	if err := c.Set(ctx, "snapshot:sess-7", []byte(`{}`), time.Hour); err != nil {
		t.Fatal(err)
	}
	if l1.lastTTL != time.Minute {
		t.Fatalf("L1 ttl = %v, want the %v clamp", l1.lastTTL, time.Minute)
	}

	// A shorter caller TTL passes through.
	if err := c.Set(ctx, "snapshot:sess-7", []byte(`{}`), 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if l1.lastTTL != 10*time.Second {
		t.Fatalf("L1 ttl = %v, want 10s", l1.lastTTL)
	}

	// Backfill entries use the clamp too.
	l2.data["snapshot:sess-8"] = []byte(`{}`)
	if _, _, err := c.Get(ctx, "snapshot:sess-8"); err != nil {
		t.Fatal(err)
	}
	if l1.lastTTL != time.Minute {
		t.Fatalf("backfill ttl = %v, want %v", l1.lastTTL, time.Minute)
	}
}
