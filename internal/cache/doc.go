/*
Package cache implements the coordinator that routes reads and writes across
the tier hierarchy.

The coordinator is the only component with cross-tier knowledge. Tiers are
passive stores behind the types.TierStore interface; everything that moves
data between them - fallback, promotion, fan-out writes, invalidation - is
decided here.

# Read Path

	┌──────────────────────────────────────────────┐
	│                 Application                  │
	│   GetWithFallback(key, contentType, compute) │
	└──────────────────────────────────────────────┘
	                       │
	┌──────────────────────────────────────────────┐
	│                 Coordinator                  │  ← This Package
	│   policy lookup, tier scan, singleflight     │
	└──────────────────────────────────────────────┘
	          │              │              │
	   ┌────────────┐ ┌────────────┐ ┌────────────┐
	   │  L1 memory │ │  L2 Redis  │ │ L3 object  │
	   │  sub-ms    │ │  ~1-5 ms   │ │  ~10-100ms │
	   └────────────┘ └────────────┘ └────────────┘

A lookup resolves the content type's policy and scans its enabled tiers
fastest first. The first hit wins; the tiers that missed before it are
backfilled asynchronously so the next lookup hits closer to memory. A tier
that errors is treated exactly like a tier that missed - the scan moves on
and the failure is logged and sampled, never surfaced to the caller.

# Compute On Miss

When every tier misses and the caller supplied a compute function, the
coordinator runs it under singleflight keyed by the cache key: one caller
computes, concurrent callers for the same key block and share the result.
The computed value is written to every policy tier before being returned.
Compute errors are the caller's own and propagate unmodified; nothing is
cached for a failed compute.

# Writes

Fan-out writes go to every tier the policy enables. Per-tier TTLs come from
the policy table, values above the policy's L1 size limit skip the memory
tier, and policies with compression enabled store zstd-compressed bytes
(flagged on the entry so any tier can decode them). A write fails only when
no tier at all accepted the value.

# Observability

Every tier operation emits one PerformanceSample (hit, miss, write, error,
with latency) to the configured sinks. A failed compute emits an error
sample under the pseudo-tier "compute". Sinks must not block; the optimizer
and the metrics collector both consume this stream.
*/
package cache
