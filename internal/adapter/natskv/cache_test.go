package natskv

import (
	"context"
	"regexp"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
)

// fakeKV implements the subset of jetstream.KeyValue the cache touches and
// rejects keys outside the KV charset, like the real bucket does.
type fakeKV struct {
	jetstream.KeyValue
	data map[string][]byte
}

var validKVKey = regexp.MustCompile(`\A[-/_=.a-zA-Z0-9]+\z`)

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string][]byte)}
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	if !validKVKey.MatchString(key) {
		return 0, jetstream.ErrInvalidKey
	}
	f.data[key] = append([]byte(nil), value...)
	return 1, nil
}

func (f *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	if !validKVKey.MatchString(key) {
		return nil, jetstream.ErrInvalidKey
	}
	v, ok := f.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return fakeEntry{value: v}, nil
}

func (f *fakeKV) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	if !validKVKey.MatchString(key) {
		return jetstream.ErrInvalidKey
	}
	if _, ok := f.data[key]; !ok {
		return jetstream.ErrKeyNotFound
	}
	delete(f.data, key)
	return nil
}

type fakeEntry struct {
	jetstream.KeyValueEntry
	value []byte
}

func (e fakeEntry) Value() []byte { return e.value }

func TestCacheEncodesSnapshotKeys(t *testing.T) {
	kv := newFakeKV()
	c := New(kv)
	ctx := context.Background()

	key := "session:state:0b5e7c1a-9a44-4e2f-8f31-6f2a1d9c3e01"
	if err := c.Set(ctx, key, []byte(`{"step_index":1}`), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Colons never reach the bucket.
	for stored := range kv.data {
		if !validKVKey.MatchString(stored) {
			t.Fatalf("stored key %q violates the KV charset", stored)
		}
	}

	val, found, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("expected hit on the same logical key")
	}
	if string(val) != `{"step_index":1}` {
		t.Errorf("value = %s", val)
	}

	if err := c.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, found, _ := c.Get(ctx, key); found {
		t.Error("expected miss after delete")
	}
}

func TestCacheMissAndIdempotentDelete(t *testing.T) {
	c := New(newFakeKV())
	ctx := context.Background()

	_, found, err := c.Get(ctx, "session:state:missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("expected miss")
	}

	if err := c.Delete(ctx, "session:state:missing"); err != nil {
		t.Fatalf("deleting an absent key should be a no-op, got %v", err)
	}
}
