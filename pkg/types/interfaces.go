package types

import (
	"context"
	"time"
)

// TierStore is the contract every storage tier implements. Implementations
// are passive: they own only their raw storage and never reach into other
// tiers. Get must not return expired entries; lazy expiry on read is
// sufficient. Remote tiers are expected to fail — callers treat a failed
// read as a miss and a failed write as a logged no-op.
type TierStore interface {
	// ID returns the tier's identity (l1, l2, l3).
	ID() TierID

	// Get returns the entry for key, or (nil, nil) on a miss. An expired
	// entry is a miss. For the L1 tier a hit refreshes LRU recency.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put stores or overwrites the entry with the given TTL.
	Put(ctx context.Context, key string, entry *Entry, ttl time.Duration) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// HealthCheck probes the tier and reports availability and latency.
	HealthCheck(ctx context.Context) TierHealth

	// Close releases tier resources.
	Close() error
}

// Sink consumes performance samples emitted by the coordinator. Record must
// never block the caller; implementations buffer internally and drop samples
// under pressure rather than add latency to a cache operation.
type Sink interface {
	Record(sample PerformanceSample)
}
