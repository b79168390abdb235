package tier

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// MemoryConfig configures the in-process L1 tier.
type MemoryConfig struct {
	// MaxBytes bounds the total value bytes held across all shards.
	MaxBytes int64 `yaml:"max_bytes"`

	// MaxEntries bounds the total entry count across all shards.
	MaxEntries int `yaml:"max_entries"`

	// Shards splits the key space to reduce lock contention. Must be a
	// power of two; zero means 16.
	Shards int `yaml:"shards"`

	// MaxEntrySize rejects individual values too large for local memory.
	MaxEntrySize int64 `yaml:"max_entry_size"`

	// SweepInterval is how often the background sweep drops expired
	// entries. Lazy expiry on read keeps correctness either way.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultMemoryConfig returns the stock L1 sizing.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		MaxBytes:      512 * 1024 * 1024, // 512MB
		MaxEntries:    100000,
		Shards:        16,
		MaxEntrySize:  4 * 1024 * 1024, // 4MB
		SweepInterval: time.Minute,
	}
}

// MemoryStats is a point-in-time snapshot of the memory tier.
type MemoryStats struct {
	Entries   int    `json:"entries"`
	SizeBytes int64  `json:"size_bytes"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired"`
}

// Memory is the L1 tier: a sharded in-process LRU with per-entry TTL.
// Each shard owns an independent lock, map, and eviction list, so readers
// and writers of unrelated keys never contend.
type Memory struct {
	config MemoryConfig
	shards []*memShard

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	expired   atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

type memShard struct {
	mu        sync.Mutex
	items     map[string]*memItem
	evictList *list.List
	sizeBytes int64

	maxBytes   int64
	maxEntries int
}

type memItem struct {
	entry   *types.Entry
	element *list.Element
}

var _ types.TierStore = (*Memory)(nil)

// NewMemory creates the L1 tier and starts its expiry sweeper.
func NewMemory(config MemoryConfig) *Memory {
	def := DefaultMemoryConfig()
	if config.MaxBytes <= 0 {
		config.MaxBytes = def.MaxBytes
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = def.MaxEntries
	}
	if config.Shards <= 0 {
		config.Shards = def.Shards
	}
	if config.MaxEntrySize <= 0 {
		config.MaxEntrySize = def.MaxEntrySize
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}

	m := &Memory{
		config: config,
		shards: make([]*memShard, config.Shards),
		done:   make(chan struct{}),
	}
	// Integer division can zero the per-shard budgets when the totals are
	// smaller than the shard count, which would evict every insert.
	shardBytes := config.MaxBytes / int64(config.Shards)
	if shardBytes <= 0 {
		shardBytes = config.MaxBytes
	}
	shardEntries := config.MaxEntries / config.Shards
	if shardEntries <= 0 {
		shardEntries = 1
	}
	for i := range m.shards {
		m.shards[i] = &memShard{
			items:      make(map[string]*memItem),
			evictList:  list.New(),
			maxBytes:   shardBytes,
			maxEntries: shardEntries,
		}
	}

	go m.sweep()
	return m
}

// ID implements TierStore.
func (m *Memory) ID() types.TierID { return types.TierL1 }

// Get returns the entry for key or (nil, nil) on a miss. A hit moves the
// entry to the front of its shard's LRU list.
func (m *Memory) Get(_ context.Context, key string) (*types.Entry, error) {
	s := m.shard(key)
	s.mu.Lock()

	item, ok := s.items[key]
	if !ok {
		s.mu.Unlock()
		m.misses.Add(1)
		return nil, nil
	}
	if item.entry.Expired(time.Now()) {
		s.remove(key, item)
		s.mu.Unlock()
		m.expired.Add(1)
		m.misses.Add(1)
		return nil, nil
	}

	s.evictList.MoveToFront(item.element)
	entry := copyEntry(item.entry)
	s.mu.Unlock()

	m.hits.Add(1)
	return entry, nil
}

// Put stores or overwrites the entry, evicting least-recently-used entries
// from the same shard until it fits.
func (m *Memory) Put(_ context.Context, key string, entry *types.Entry, ttl time.Duration) error {
	size := entrySize(entry)
	if size > m.config.MaxEntrySize {
		return errors.Newf(errors.ErrCodeEntryTooLarge,
			"entry of %d bytes exceeds memory tier limit of %d bytes", size, m.config.MaxEntrySize).
			WithTier(string(types.TierL1)).WithKey(key)
	}

	stored := copyEntry(entry)
	stored.SizeBytes = size
	if ttl > 0 {
		stored.ExpiresAt = time.Now().Add(ttl)
	}

	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.items[key]; ok {
		s.sizeBytes -= entrySize(item.entry)
		item.entry = stored
		s.sizeBytes += size
		s.evictList.MoveToFront(item.element)
	} else {
		element := s.evictList.PushFront(key)
		s.items[key] = &memItem{entry: stored, element: element}
		s.sizeBytes += size
	}

	m.evictions.Add(s.evictOver())
	return nil
}

// Delete removes the key. Absent keys are a no-op.
func (m *Memory) Delete(_ context.Context, key string) error {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[key]; ok {
		s.remove(key, item)
	}
	return nil
}

// HealthCheck reports the tier as available; in-process memory has no
// failure mode short of allocation exhaustion, which eviction absorbs.
func (m *Memory) HealthCheck(_ context.Context) types.TierHealth {
	start := time.Now()
	return types.TierHealth{
		Tier:      types.TierL1,
		Available: true,
		Latency:   time.Since(start),
		CheckedAt: time.Now(),
	}
}

// Close stops the background sweeper.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// Stats aggregates shard counters into one snapshot.
func (m *Memory) Stats() MemoryStats {
	stats := MemoryStats{
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Evictions: m.evictions.Load(),
		Expired:   m.expired.Load(),
	}
	for _, s := range m.shards {
		s.mu.Lock()
		stats.Entries += len(s.items)
		stats.SizeBytes += s.sizeBytes
		s.mu.Unlock()
	}
	return stats
}

// Usage returns the tier's current byte usage and its configured capacity.
func (m *Memory) Usage() (used, capacity int64) {
	for _, s := range m.shards {
		s.mu.Lock()
		used += s.sizeBytes
		s.mu.Unlock()
	}
	return used, m.config.MaxBytes
}

func (m *Memory) shard(key string) *memShard {
	return m.shards[xxhash.Sum64String(key)%uint64(len(m.shards))]
}

func (m *Memory) sweep() {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			now := time.Now()
			for _, s := range m.shards {
				s.mu.Lock()
				for key, item := range s.items {
					if item.entry.Expired(now) {
						s.remove(key, item)
						m.expired.Add(1)
					}
				}
				s.mu.Unlock()
			}
		}
	}
}

// remove deletes an item from the shard. Callers must hold s.mu.
func (s *memShard) remove(key string, item *memItem) {
	s.evictList.Remove(item.element)
	delete(s.items, key)
	s.sizeBytes -= entrySize(item.entry)
}

// evictOver drops least-recently-used items until the shard fits its byte
// and entry budgets, returning the number evicted. Callers must hold s.mu.
func (s *memShard) evictOver() uint64 {
	var evicted uint64
	for (s.sizeBytes > s.maxBytes || len(s.items) > s.maxEntries) && s.evictList.Len() > 0 {
		element := s.evictList.Back()
		if element == nil {
			break
		}
		key := element.Value.(string)
		if item, ok := s.items[key]; ok {
			s.remove(key, item)
			evicted++
		} else {
			s.evictList.Remove(element)
		}
	}
	return evicted
}

func entrySize(entry *types.Entry) int64 {
	if entry.SizeBytes > 0 {
		return entry.SizeBytes
	}
	return int64(len(entry.Value))
}

// copyEntry clones an entry, including its value bytes, so callers can
// never observe a torn read through a shared slice.
func copyEntry(entry *types.Entry) *types.Entry {
	clone := *entry
	clone.Value = make([]byte, len(entry.Value))
	copy(clone.Value, entry.Value)
	return &clone
}
