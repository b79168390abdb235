package tier

import (
	"context"
	"testing"
	"time"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

func newEntry(key string, value []byte) *types.Entry {
	return &types.Entry{
		Key:         key,
		ContentType: types.ContentTranscription,
		Value:       value,
		StoredAt:    time.Now(),
		SizeBytes:   int64(len(value)),
	}
}

func singleShard(maxBytes int64, maxEntries int) *Memory {
	return NewMemory(MemoryConfig{
		MaxBytes:      maxBytes,
		MaxEntries:    maxEntries,
		Shards:        1,
		MaxEntrySize:  maxBytes,
		SweepInterval: time.Hour,
	})
}

func TestMemoryPutGet(t *testing.T) {
	m := NewMemory(MemoryConfig{})
	defer m.Close()

	ctx := context.Background()
	if err := m.Put(ctx, "k", newEntry("k", []byte("value")), time.Minute); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || string(got.Value) != "value" {
		t.Fatalf("Get() = %v, want entry with value %q", got, "value")
	}
	if got.ContentType != types.ContentTranscription {
		t.Errorf("content type = %q, want %q", got.ContentType, types.ContentTranscription)
	}
}

func TestMemoryMissReturnsNilNil(t *testing.T) {
	m := NewMemory(MemoryConfig{})
	defer m.Close()

	got, err := m.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %v, want nil on miss", got)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	m := NewMemory(MemoryConfig{})
	defer m.Close()

	ctx := context.Background()
	if err := m.Put(ctx, "k", newEntry("k", []byte("v")), 20*time.Millisecond); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	got, err := m.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Error("expired entry returned from Get")
	}
	if stats := m.Stats(); stats.Expired == 0 {
		t.Error("expiry not counted")
	}
}

func TestMemoryLRUEviction(t *testing.T) {
	m := singleShard(100, 1000)
	defer m.Close()

	ctx := context.Background()
	value := make([]byte, 40)
	if err := m.Put(ctx, "a", newEntry("a", value), 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Put(ctx, "b", newEntry("b", value), 0); err != nil {
		t.Fatal(err)
	}

	// Touch "a" so "b" becomes least recently used.
	if _, err := m.Get(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	if err := m.Put(ctx, "c", newEntry("c", value), 0); err != nil {
		t.Fatal(err)
	}

	if got, _ := m.Get(ctx, "b"); got != nil {
		t.Error("least-recently-used entry b survived eviction")
	}
	if got, _ := m.Get(ctx, "a"); got == nil {
		t.Error("recently used entry a was evicted")
	}
	if got, _ := m.Get(ctx, "c"); got == nil {
		t.Error("newest entry c was evicted")
	}
	if stats := m.Stats(); stats.Evictions != 1 {
		t.Errorf("evictions = %d, want 1", stats.Evictions)
	}
}

func TestMemoryEntryCountLimit(t *testing.T) {
	m := singleShard(1<<20, 2)
	defer m.Close()

	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		if err := m.Put(ctx, k, newEntry(k, []byte("v")), 0); err != nil {
			t.Fatal(err)
		}
	}

	if got, _ := m.Get(ctx, "a"); got != nil {
		t.Error("oldest entry should be evicted by the entry limit")
	}
	if stats := m.Stats(); stats.Entries != 2 {
		t.Errorf("entries = %d, want 2", stats.Entries)
	}
}

func TestMemoryEntryLimitBelowShardCount(t *testing.T) {
	m := NewMemory(MemoryConfig{
		MaxBytes:      1 << 20,
		MaxEntries:    4,
		Shards:        16,
		MaxEntrySize:  1024,
		SweepInterval: time.Hour,
	})
	defer m.Close()

	ctx := context.Background()
	if err := m.Put(ctx, "k", newEntry("k", []byte("v")), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if got, _ := m.Get(ctx, "k"); got == nil {
		t.Fatal("entry evicted immediately; per-shard entry budget truncated to zero")
	}
	if stats := m.Stats(); stats.Evictions != 0 {
		t.Errorf("evictions = %d, want 0", stats.Evictions)
	}
}

func TestMemoryRejectsOversizedEntry(t *testing.T) {
	m := NewMemory(MemoryConfig{MaxEntrySize: 10})
	defer m.Close()

	err := m.Put(context.Background(), "big", newEntry("big", make([]byte, 11)), 0)
	if errors.CodeOf(err) != errors.ErrCodeEntryTooLarge {
		t.Fatalf("Put() error code = %v, want %v", errors.CodeOf(err), errors.ErrCodeEntryTooLarge)
	}
}

func TestMemoryDeleteIdempotent(t *testing.T) {
	m := NewMemory(MemoryConfig{})
	defer m.Close()

	ctx := context.Background()
	if err := m.Put(ctx, "k", newEntry("k", []byte("v")), 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := m.Delete(ctx, "k"); err != nil {
		t.Fatalf("second Delete() error = %v", err)
	}
	if got, _ := m.Get(ctx, "k"); got != nil {
		t.Error("deleted entry still present")
	}
}

func TestMemoryOverwriteUpdatesSize(t *testing.T) {
	m := singleShard(1000, 10)
	defer m.Close()

	ctx := context.Background()
	if err := m.Put(ctx, "k", newEntry("k", make([]byte, 100)), 0); err != nil {
		t.Fatal(err)
	}
	if err := m.Put(ctx, "k", newEntry("k", make([]byte, 10)), 0); err != nil {
		t.Fatal(err)
	}

	if stats := m.Stats(); stats.SizeBytes != 10 {
		t.Errorf("size = %d, want 10 after overwrite", stats.SizeBytes)
	}
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	m := NewMemory(MemoryConfig{})
	defer m.Close()

	ctx := context.Background()
	if err := m.Put(ctx, "k", newEntry("k", []byte("abc")), 0); err != nil {
		t.Fatal(err)
	}

	first, _ := m.Get(ctx, "k")
	first.Value[0] = 'X'

	second, _ := m.Get(ctx, "k")
	if string(second.Value) != "abc" {
		t.Errorf("stored value mutated through returned slice: %q", second.Value)
	}
}

func TestMemoryUsage(t *testing.T) {
	m := singleShard(1000, 10)
	defer m.Close()

	if err := m.Put(context.Background(), "k", newEntry("k", make([]byte, 64)), 0); err != nil {
		t.Fatal(err)
	}
	used, capacity := m.Usage()
	if used != 64 {
		t.Errorf("used = %d, want 64", used)
	}
	if capacity != 1000 {
		t.Errorf("capacity = %d, want 1000", capacity)
	}
}

func TestMemoryStatsCounters(t *testing.T) {
	m := NewMemory(MemoryConfig{})
	defer m.Close()

	ctx := context.Background()
	if err := m.Put(ctx, "k", newEntry("k", []byte("v")), 0); err != nil {
		t.Fatal(err)
	}
	m.Get(ctx, "k")
	m.Get(ctx, "k")
	m.Get(ctx, "nope")

	stats := m.Stats()
	if stats.Hits != 2 {
		t.Errorf("hits = %d, want 2", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("misses = %d, want 1", stats.Misses)
	}
}
