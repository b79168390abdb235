// Package optimizer turns the coordinator's performance sample stream into
// aggregate reports and tuning recommendations. It sits entirely off the
// request path: recording a sample is a non-blocking channel send, and all
// analysis happens on the caller's schedule.
package optimizer

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tiercache/tiercache/internal/tier"
	"github.com/tiercache/tiercache/pkg/types"
)

// Thresholds are the rule boundaries for recommendations.
type Thresholds struct {
	// MinHitRate below which the L1 tier is considered undersized.
	MinHitRate float64 `yaml:"min_hit_rate"`

	// MaxAvgLatency above which compression and tier placement are revisited.
	MaxAvgLatency time.Duration `yaml:"max_avg_latency"`

	// MaxErrorRate above which a tier is flagged for investigation.
	MaxErrorRate float64 `yaml:"max_error_rate"`

	// MaxEvictionRate is the tolerated ratio of L1 evictions to lookups.
	MaxEvictionRate float64 `yaml:"max_eviction_rate"`

	// DecliningTrend is the per-minute hit rate slope that counts as a
	// deteriorating cache.
	DecliningTrend float64 `yaml:"declining_trend"`
}

// DefaultThresholds returns the stock rule boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinHitRate:      0.40,
		MaxAvgLatency:   100 * time.Millisecond,
		MaxErrorRate:    0.05,
		MaxEvictionRate: 0.10,
		DecliningTrend:  -0.01,
	}
}

// Config tunes the optimizer.
type Config struct {
	// Window is the rolling span of samples kept for analysis.
	Window time.Duration `yaml:"window"`

	// BufferSize is the capacity of the intake channel. A full buffer
	// drops samples instead of blocking the coordinator.
	BufferSize int `yaml:"buffer_size"`

	// MaxSamples caps retained samples regardless of window.
	MaxSamples int `yaml:"max_samples"`

	Thresholds Thresholds `yaml:"thresholds"`
}

// DefaultConfig returns the stock optimizer settings.
func DefaultConfig() Config {
	return Config{
		Window:     5 * time.Minute,
		BufferSize: 4096,
		MaxSamples: 100000,
		Thresholds: DefaultThresholds(),
	}
}

// MemoryStatsSource exposes L1 counters for eviction-pressure analysis.
// *tier.Memory satisfies it.
type MemoryStatsSource interface {
	Stats() tier.MemoryStats
}

// Optimizer collects samples and produces reports and recommendations.
type Optimizer struct {
	config  Config
	logger  *slog.Logger
	intake  chan types.PerformanceSample
	l1Stats MemoryStatsSource

	mu      sync.Mutex
	samples []types.PerformanceSample
	dropped uint64

	closeOnce sync.Once
	done      chan struct{}
	drained   chan struct{}
}

var _ types.Sink = (*Optimizer)(nil)

// New creates an optimizer and starts its intake loop. l1Stats may be nil
// when no memory tier is configured.
func New(config Config, l1Stats MemoryStatsSource) *Optimizer {
	def := DefaultConfig()
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.BufferSize <= 0 {
		config.BufferSize = def.BufferSize
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = def.MaxSamples
	}
	if config.Thresholds == (Thresholds{}) {
		config.Thresholds = def.Thresholds
	}

	o := &Optimizer{
		config:  config,
		logger:  slog.Default().With("component", "cache-optimizer"),
		intake:  make(chan types.PerformanceSample, config.BufferSize),
		l1Stats: l1Stats,
		done:    make(chan struct{}),
		drained: make(chan struct{}),
	}
	go o.consume()
	return o
}

// Record implements types.Sink. It never blocks; samples are dropped when
// the intake buffer is full.
func (o *Optimizer) Record(sample types.PerformanceSample) {
	select {
	case o.intake <- sample:
	default:
		o.mu.Lock()
		o.dropped++
		o.mu.Unlock()
	}
}

// Close stops the intake loop after draining buffered samples.
func (o *Optimizer) Close() error {
	o.closeOnce.Do(func() {
		close(o.done)
		<-o.drained
	})
	return nil
}

// Dropped returns how many samples were discarded under pressure.
func (o *Optimizer) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Analyze aggregates the retained window into a report.
func (o *Optimizer) Analyze() types.PerformanceReport {
	samples := o.snapshot()

	report := types.PerformanceReport{
		GeneratedAt: time.Now(),
		Window:      o.config.Window,
		SampleCount: len(samples),
		Tiers:       make(map[types.TierID]types.TierReport),
	}
	if len(samples) == 0 {
		return report
	}

	perTier := make(map[types.TierID][]types.PerformanceSample)
	for _, s := range samples {
		perTier[s.Tier] = append(perTier[s.Tier], s)
	}

	var totalHits, totalLookups uint64
	for tierID, ts := range perTier {
		tr := tierReport(ts)
		report.Tiers[tierID] = tr
		totalHits += tr.Hits
		totalLookups += tr.Hits + tr.Misses
	}
	if totalLookups > 0 {
		report.OverallHitRate = float64(totalHits) / float64(totalLookups)
	}
	report.HitRateTrend = hitRateTrend(samples)
	report.Score = o.score(report, samples)
	return report
}

// Recommend evaluates the tuning rules against the current window.
func (o *Optimizer) Recommend() []types.Recommendation {
	report := o.Analyze()
	th := o.config.Thresholds
	now := time.Now()
	var recs []types.Recommendation

	if report.SampleCount == 0 {
		return nil
	}

	if report.OverallHitRate < th.MinHitRate {
		recs = append(recs, types.Recommendation{
			GeneratedAt:      now,
			Category:         "capacity",
			Priority:         "HIGH",
			Title:            "Low overall hit rate",
			Description:      "Most lookups fall through to compute; the memory tier is likely undersized for the working set.",
			SuggestedAction:  "Increase the L1 max_bytes and max_entries limits",
			CurrentValue:     fmt.Sprintf("%.1f%%", report.OverallHitRate*100),
			RecommendedValue: fmt.Sprintf(">= %.0f%%", th.MinHitRate*100),
		})
	}

	if avg := averageLatency(o.snapshot()); avg > th.MaxAvgLatency {
		recs = append(recs, types.Recommendation{
			GeneratedAt:      now,
			Category:         "latency",
			Priority:         "MEDIUM",
			Title:            "High average operation latency",
			Description:      "Tier operations are slow on average; large uncompressed payloads on the remote tiers are the usual cause.",
			SuggestedAction:  "Enable compression for large content types or shift hot types to faster tiers",
			CurrentValue:     avg.String(),
			RecommendedValue: fmt.Sprintf("<= %s", th.MaxAvgLatency),
		})
	}

	for tierID, tr := range report.Tiers {
		if tierID == types.TierCompute {
			// Compute failures are upstream outages, not tier reliability.
			continue
		}
		if tr.ErrorRate > th.MaxErrorRate {
			recs = append(recs, types.Recommendation{
				GeneratedAt:      now,
				Category:         "reliability",
				Priority:         "HIGH",
				Title:            fmt.Sprintf("Elevated error rate on tier %s", tierID),
				Description:      "The tier is failing a meaningful share of operations; the circuit breaker may be flapping.",
				SuggestedAction:  "Check tier connectivity and capacity; inspect breaker state transitions in the logs",
				CurrentValue:     fmt.Sprintf("%.1f%%", tr.ErrorRate*100),
				RecommendedValue: fmt.Sprintf("<= %.0f%%", th.MaxErrorRate*100),
			})
		}
	}

	if o.l1Stats != nil {
		stats := o.l1Stats.Stats()
		lookups := stats.Hits + stats.Misses
		if lookups > 0 {
			evictionRate := float64(stats.Evictions) / float64(lookups)
			if evictionRate > th.MaxEvictionRate {
				recs = append(recs, types.Recommendation{
					GeneratedAt:      now,
					Category:         "capacity",
					Priority:         "MEDIUM",
					Title:            "High L1 eviction pressure",
					Description:      "Entries are evicted shortly after insertion, churning the memory tier.",
					SuggestedAction:  "Grow the L1 byte budget or lower per-type L1 TTLs so expiry beats eviction",
					CurrentValue:     fmt.Sprintf("%.1f%%", evictionRate*100),
					RecommendedValue: fmt.Sprintf("<= %.0f%%", th.MaxEvictionRate*100),
				})
			}
		}
	}

	if report.HitRateTrend < th.DecliningTrend {
		recs = append(recs, types.Recommendation{
			GeneratedAt:     now,
			Category:        "trend",
			Priority:        "LOW",
			Title:           "Declining hit rate trend",
			Description:     "The hit rate has been falling across the analysis window, which usually means TTLs expire entries faster than the access pattern reuses them.",
			SuggestedAction: "Review per-type TTLs against observed reuse intervals",
			CurrentValue:    fmt.Sprintf("%+.3f/min", report.HitRateTrend),
		})
	}

	return recs
}

// ExportCSV writes the retained samples as CSV for offline analysis.
func (o *Optimizer) ExportCSV(w io.Writer) error {
	samples := o.snapshot()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "tier", "op", "latency_us", "content_type"}); err != nil {
		return err
	}
	for _, s := range samples {
		record := []string{
			s.Timestamp.Format(time.RFC3339Nano),
			string(s.Tier),
			string(s.Op),
			strconv.FormatInt(s.Latency.Microseconds(), 10),
			string(s.ContentType),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func (o *Optimizer) consume() {
	defer close(o.drained)
	for {
		select {
		case sample := <-o.intake:
			o.append(sample)
		case <-o.done:
			for {
				select {
				case sample := <-o.intake:
					o.append(sample)
				default:
					return
				}
			}
		}
	}
}

func (o *Optimizer) append(sample types.PerformanceSample) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.samples = append(o.samples, sample)
	cutoff := time.Now().Add(-o.config.Window)
	o.samples = pruneBefore(o.samples, cutoff)
	if over := len(o.samples) - o.config.MaxSamples; over > 0 {
		o.samples = o.samples[over:]
	}
}

func (o *Optimizer) snapshot() []types.PerformanceSample {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]types.PerformanceSample, len(o.samples))
	copy(out, o.samples)
	return out
}

// score blends hit rate, latency, and throughput into a 0..1 figure, with
// hit rate weighted heaviest.
func (o *Optimizer) score(report types.PerformanceReport, samples []types.PerformanceSample) float64 {
	latencyScore := 1.0
	if avg := averageLatency(samples); avg > 0 {
		ratio := float64(avg) / float64(2*o.config.Thresholds.MaxAvgLatency)
		if ratio > 1 {
			ratio = 1
		}
		latencyScore = 1 - ratio
	}

	throughputScore := 0.0
	if len(samples) > 1 {
		span := samples[len(samples)-1].Timestamp.Sub(samples[0].Timestamp).Seconds()
		if span > 0 {
			opsPerSec := float64(len(samples)) / span
			throughputScore = opsPerSec / 1000
			if throughputScore > 1 {
				throughputScore = 1
			}
		}
	}

	return 0.4*report.OverallHitRate + 0.3*latencyScore + 0.3*throughputScore
}

func tierReport(samples []types.PerformanceSample) types.TierReport {
	var tr types.TierReport
	latencies := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		switch s.Op {
		case types.OpHit:
			tr.Hits++
		case types.OpMiss:
			tr.Misses++
		case types.OpWrite:
			tr.Writes++
		case types.OpError:
			tr.Errors++
		}
		latencies = append(latencies, s.Latency)
	}

	if lookups := tr.Hits + tr.Misses; lookups > 0 {
		tr.HitRate = float64(tr.Hits) / float64(lookups)
	}
	if total := uint64(len(samples)); total > 0 {
		tr.ErrorRate = float64(tr.Errors) / float64(total)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	tr.P50 = percentile(latencies, 0.50)
	tr.P95 = percentile(latencies, 0.95)
	tr.P99 = percentile(latencies, 0.99)
	return tr
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func averageLatency(samples []types.PerformanceSample) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s.Latency
	}
	return total / time.Duration(len(samples))
}

// hitRateTrend fits a least-squares line through per-minute hit rates and
// returns the slope in hit rate per minute.
func hitRateTrend(samples []types.PerformanceSample) float64 {
	type bucket struct {
		hits    float64
		lookups float64
	}
	buckets := make(map[int64]*bucket)
	for _, s := range samples {
		if s.Op != types.OpHit && s.Op != types.OpMiss {
			continue
		}
		minute := s.Timestamp.Unix() / 60
		b, ok := buckets[minute]
		if !ok {
			b = &bucket{}
			buckets[minute] = b
		}
		b.lookups++
		if s.Op == types.OpHit {
			b.hits++
		}
	}
	if len(buckets) < 2 {
		return 0
	}

	minutes := make([]int64, 0, len(buckets))
	for m := range buckets {
		minutes = append(minutes, m)
	}
	sort.Slice(minutes, func(i, j int) bool { return minutes[i] < minutes[j] })

	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(minutes))
	for i, m := range minutes {
		b := buckets[m]
		x := float64(i)
		y := b.hits / b.lookups
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

func pruneBefore(samples []types.PerformanceSample, cutoff time.Time) []types.PerformanceSample {
	idx := sort.Search(len(samples), func(i int) bool {
		return samples[i].Timestamp.After(cutoff)
	})
	if idx == 0 {
		return samples
	}
	return samples[idx:]
}
