package cache

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tiercache/tiercache/internal/policy"
	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// ComputeFunc produces the value for a key when every tier misses. The
// coordinator deduplicates concurrent computes per key; only one caller
// runs the function, the rest share its result.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Config tunes coordinator behavior.
type Config struct {
	// CompressMinBytes is the smallest value worth compressing when the
	// policy enables compression. Tiny values skip the codec.
	CompressMinBytes int `yaml:"compress_min_bytes"`

	// BackfillTimeout bounds the async promotion writes that follow a hit
	// on a slower tier. Promotion runs detached from the request context.
	BackfillTimeout time.Duration `yaml:"backfill_timeout"`

	// Sinks receive one performance sample per tier operation.
	Sinks []types.Sink `yaml:"-"`
}

// DefaultConfig returns the stock coordinator settings.
func DefaultConfig() Config {
	return Config{
		CompressMinBytes: 1024,
		BackfillTimeout:  10 * time.Second,
	}
}

// Coordinator routes reads and writes across the tier hierarchy. It owns
// the fallback scan, promotion, fan-out writes, compute deduplication, and
// invalidation. Tiers stay passive; all cross-tier movement happens here.
type Coordinator struct {
	policies *policy.Table
	tiers    map[types.TierID]types.TierStore
	config   Config
	comp     *compressor
	group    singleflight.Group
	sinks    []types.Sink
	logger   *slog.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// New builds a coordinator over the given tier stores. Stores are owned by
// the coordinator and closed on Close.
func New(table *policy.Table, stores []types.TierStore, config Config) (*Coordinator, error) {
	if table == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "coordinator requires a policy table")
	}
	if len(stores) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "coordinator requires at least one tier")
	}

	def := DefaultConfig()
	if config.CompressMinBytes <= 0 {
		config.CompressMinBytes = def.CompressMinBytes
	}
	if config.BackfillTimeout <= 0 {
		config.BackfillTimeout = def.BackfillTimeout
	}

	tiers := make(map[types.TierID]types.TierStore, len(stores))
	for _, store := range stores {
		if _, dup := tiers[store.ID()]; dup {
			return nil, errors.Newf(errors.ErrCodeInvalidConfig, "duplicate tier %s", store.ID())
		}
		tiers[store.ID()] = store
	}

	comp, err := newCompressor()
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		policies: table,
		tiers:    tiers,
		config:   config,
		comp:     comp,
		sinks:    config.Sinks,
		logger:   slog.Default().With("component", "cache-coordinator"),
		closed:   make(chan struct{}),
	}, nil
}

// GetWithFallback looks the key up tier by tier in the policy's latency
// order. A hit on a slower tier backfills the faster tiers asynchronously.
// When every tier misses and compute is non-nil, the value is computed
// once per key, stored in all policy tiers, and returned; concurrent
// callers for the same key share the single compute. A nil compute turns
// a full miss into (nil, nil).
//
// Tier failures never fail the lookup: a failed read is a miss, and the
// scan continues. Compute errors propagate to the caller unmodified.
func (c *Coordinator) GetWithFallback(ctx context.Context, key string, ct types.ContentType, compute ComputeFunc) ([]byte, error) {
	pol, err := c.policies.Resolve(ct)
	if err != nil {
		return nil, err
	}

	if value, found := c.scanTiers(ctx, key, pol, true); found {
		return value, nil
	}

	if compute == nil {
		return nil, nil
	}

	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A concurrent caller may have stored the value between our scan
		// and winning the flight. The first scan already sampled this
		// episode, so the rescan stays silent.
		if value, found := c.scanTiers(ctx, key, pol, false); found {
			return value, nil
		}
		start := time.Now()
		value, err := compute(ctx)
		if err != nil {
			c.sample(types.TierCompute, types.OpError, time.Since(start), pol.ContentType)
			return nil, err
		}
		c.store(ctx, key, value, pol)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// Get is GetWithFallback without a compute step.
func (c *Coordinator) Get(ctx context.Context, key string, ct types.ContentType) ([]byte, error) {
	return c.GetWithFallback(ctx, key, ct, nil)
}

// Put stores the value in every tier the policy enables. Individual tier
// write failures are absorbed; the call fails only when no tier accepted
// the value.
func (c *Coordinator) Put(ctx context.Context, key string, ct types.ContentType, value []byte) error {
	pol, err := c.policies.Resolve(ct)
	if err != nil {
		return err
	}
	if accepted := c.store(ctx, key, value, pol); accepted == 0 {
		return errors.New(errors.ErrCodeNoTierAccepted, "no tier accepted the write").
			WithKey(key)
	}
	return nil
}

// Invalidate removes the key from every tier the policy enables. Per-tier
// delete failures are joined and returned so the caller can retry; a key
// left behind in a remote tier would otherwise resurface through fallback.
func (c *Coordinator) Invalidate(ctx context.Context, key string, ct types.ContentType) error {
	pol, err := c.policies.Resolve(ct)
	if err != nil {
		return err
	}

	var errs []error
	for _, tierID := range pol.EnabledTiers {
		store, ok := c.tiers[tierID]
		if !ok {
			continue
		}
		if err := store.Delete(ctx, key); err != nil {
			c.logger.Warn("tier delete failed", "tier", tierID, "key", key, "error", err)
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// InvalidateKeys removes a batch of same-typed keys, returning how many
// were fully invalidated along with the joined failures.
func (c *Coordinator) InvalidateKeys(ctx context.Context, ct types.ContentType, keys ...string) (int, error) {
	var errs []error
	invalidated := 0
	for _, key := range keys {
		if err := c.Invalidate(ctx, key, ct); err != nil {
			errs = append(errs, err)
			continue
		}
		invalidated++
	}
	return invalidated, stderrors.Join(errs...)
}

// WarmCache pushes pre-computed entries into their policy tiers and returns
// the number stored. Entries whose policy is not warmable are skipped, and
// a failed entry never aborts the rest of the batch.
func (c *Coordinator) WarmCache(ctx context.Context, entries []types.WarmEntry) (int, error) {
	warmed := 0
	var errs []error
	for _, entry := range entries {
		pol, err := c.policies.Resolve(entry.ContentType)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !pol.Warmable {
			continue
		}
		if accepted := c.store(ctx, entry.Key, entry.Value, pol); accepted == 0 {
			errs = append(errs, errors.New(errors.ErrCodeNoTierAccepted, "warming write rejected by all tiers").
				WithKey(entry.Key))
			continue
		}
		warmed++
	}
	return warmed, stderrors.Join(errs...)
}

// Tier returns the store registered for a tier, if any. The health monitor
// uses this to probe tiers directly.
func (c *Coordinator) Tier(id types.TierID) (types.TierStore, bool) {
	store, ok := c.tiers[id]
	return store, ok
}

// Close waits for in-flight promotions and closes every tier.
func (c *Coordinator) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.wg.Wait()
		for _, store := range c.tiers {
			if err := store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.comp.close()
	})
	return stderrors.Join(errs...)
}

// scanTiers walks the policy tiers fastest first and returns the first hit,
// decoded. A hit below the fastest tier triggers an async backfill. record
// is false on the in-flight rescan, which would otherwise double-count one
// miss episode.
func (c *Coordinator) scanTiers(ctx context.Context, key string, pol policy.CachePolicy, record bool) ([]byte, bool) {
	var missed []types.TierID

	for _, tierID := range pol.EnabledTiers {
		store, ok := c.tiers[tierID]
		if !ok {
			continue
		}

		start := time.Now()
		entry, err := store.Get(ctx, key)
		elapsed := time.Since(start)

		if err != nil {
			c.logger.Warn("tier read failed", "tier", tierID, "key", key, "error", err)
			if record {
				c.sample(tierID, types.OpError, elapsed, pol.ContentType)
			}
			missed = append(missed, tierID)
			continue
		}
		if entry == nil {
			if record {
				c.sample(tierID, types.OpMiss, elapsed, pol.ContentType)
			}
			missed = append(missed, tierID)
			continue
		}

		value, err := c.decode(entry)
		if err != nil {
			c.logger.Warn("tier entry decode failed", "tier", tierID, "key", key, "error", err)
			if record {
				c.sample(tierID, types.OpError, elapsed, pol.ContentType)
			}
			missed = append(missed, tierID)
			continue
		}

		if record {
			c.sample(tierID, types.OpHit, elapsed, pol.ContentType)
		}
		if len(missed) > 0 {
			c.backfill(key, entry, missed, pol)
		}
		return value, true
	}
	return nil, false
}

// store writes the value to every policy tier, returning how many accepted
// it. Values above the policy's L1 limit skip the memory tier.
func (c *Coordinator) store(ctx context.Context, key string, value []byte, pol policy.CachePolicy) int {
	entry := c.encode(key, value, pol)
	accepted := 0
	for _, tierID := range pol.EnabledTiers {
		store, ok := c.tiers[tierID]
		if !ok {
			continue
		}
		if tierID == types.TierL1 && entry.SizeBytes > pol.L1Limit() {
			continue
		}

		start := time.Now()
		err := store.Put(ctx, key, entry, pol.TierTTL(tierID))
		elapsed := time.Since(start)

		if err != nil {
			c.logger.Warn("tier write failed", "tier", tierID, "key", key, "error", err)
			c.sample(tierID, types.OpError, elapsed, pol.ContentType)
			continue
		}
		c.sample(tierID, types.OpWrite, elapsed, pol.ContentType)
		accepted++
	}
	return accepted
}

// backfill copies a hit found on a slower tier into the faster tiers that
// missed, off the request path. The write uses the entry as stored, so the
// compression state carries over.
func (c *Coordinator) backfill(key string, entry *types.Entry, missed []types.TierID, pol policy.CachePolicy) {
	select {
	case <-c.closed:
		return
	default:
	}

	targets := make([]types.TierID, len(missed))
	copy(targets, missed)
	promoted := *entry

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.config.BackfillTimeout)
		defer cancel()

		for _, tierID := range targets {
			store, ok := c.tiers[tierID]
			if !ok {
				continue
			}
			if tierID == types.TierL1 && promoted.SizeBytes > pol.L1Limit() {
				continue
			}

			start := time.Now()
			err := store.Put(ctx, key, &promoted, pol.TierTTL(tierID))
			elapsed := time.Since(start)

			if err != nil {
				c.logger.Warn("backfill write failed", "tier", tierID, "key", key, "error", err)
				c.sample(tierID, types.OpError, elapsed, pol.ContentType)
				continue
			}
			c.sample(tierID, types.OpWrite, elapsed, pol.ContentType)
		}
	}()
}

// encode builds the stored entry, compressing when the policy asks for it
// and the value is large enough to benefit.
func (c *Coordinator) encode(key string, value []byte, pol policy.CachePolicy) *types.Entry {
	stored := value
	compressed := false
	if pol.Compress && len(value) >= c.config.CompressMinBytes {
		stored = c.comp.compress(value)
		compressed = true
	}
	return &types.Entry{
		Key:         key,
		ContentType: pol.ContentType,
		Value:       stored,
		StoredAt:    time.Now(),
		SizeBytes:   int64(len(stored)),
		Compressed:  compressed,
	}
}

// decode returns the entry's value, decompressing when needed.
func (c *Coordinator) decode(entry *types.Entry) ([]byte, error) {
	if !entry.Compressed {
		return entry.Value, nil
	}
	return c.comp.decompress(entry.Value)
}

func (c *Coordinator) sample(tier types.TierID, op types.Operation, latency time.Duration, ct types.ContentType) {
	if len(c.sinks) == 0 {
		return
	}
	s := types.PerformanceSample{
		Timestamp:   time.Now(),
		Tier:        tier,
		Op:          op,
		Latency:     latency,
		ContentType: ct,
	}
	for _, sink := range c.sinks {
		sink.Record(s)
	}
}
