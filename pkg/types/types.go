package types

import (
	"fmt"
	"time"
)

// TierID identifies a storage tier in the cache hierarchy.
type TierID string

const (
	// TierL1 is the in-process memory tier.
	TierL1 TierID = "l1"
	// TierL2 is the shared distributed tier (Redis).
	TierL2 TierID = "l2"
	// TierL3 is the edge/bulk tier (object storage).
	TierL3 TierID = "l3"
)

// AllTiers lists every tier in latency order, fastest first.
var AllTiers = []TierID{TierL1, TierL2, TierL3}

// TierCompute labels performance samples from the compute path. It is not
// a storage tier and never appears in AllTiers.
const TierCompute TierID = "compute"

// ContentType classifies a cached payload. The classification selects which
// tiers a value is stored in and how long it lives there.
type ContentType string

const (
	ContentTranscription   ContentType = "transcription"
	ContentAIResponse      ContentType = "ai_response"
	ContentEmotionAnalysis ContentType = "emotion_analysis"
	ContentVoiceSynthesis  ContentType = "voice_synthesis"
	ContentStaticAsset     ContentType = "static_asset"
	ContentUserSession     ContentType = "user_session"
	ContentConfiguration   ContentType = "configuration"
	ContentModelWeights    ContentType = "model_weights"
)

// ParseContentType converts a string into a known ContentType.
func ParseContentType(s string) (ContentType, error) {
	switch ContentType(s) {
	case ContentTranscription, ContentAIResponse, ContentEmotionAnalysis,
		ContentVoiceSynthesis, ContentStaticAsset, ContentUserSession,
		ContentConfiguration, ContentModelWeights:
		return ContentType(s), nil
	}
	return "", fmt.Errorf("unknown content type %q", s)
}

// Entry is the stored cache unit. Entries are created on a write (promotion
// or store-on-miss), replaced only by whole overwrite, and destroyed by TTL
// expiry, explicit invalidation, or L1 eviction.
type Entry struct {
	Key         string      `json:"key" msgpack:"k"`
	ContentType ContentType `json:"content_type" msgpack:"c"`
	Value       []byte      `json:"-" msgpack:"v"`
	StoredAt    time.Time   `json:"stored_at" msgpack:"s"`
	ExpiresAt   time.Time   `json:"expires_at" msgpack:"e"`
	SizeBytes   int64       `json:"size_bytes" msgpack:"z"`
	Compressed  bool        `json:"compressed" msgpack:"x"`
}

// Expired reports whether the entry's TTL has elapsed at the given instant.
// A zero ExpiresAt means the entry never expires.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// TierHealth is the result of a tier health probe.
type TierHealth struct {
	Tier      TierID        `json:"tier"`
	Available bool          `json:"available"`
	Latency   time.Duration `json:"latency"`
	ErrorRate float64       `json:"error_rate"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Operation labels what a performance sample measured.
type Operation string

const (
	OpHit   Operation = "hit"
	OpMiss  Operation = "miss"
	OpWrite Operation = "write"
	OpError Operation = "error"
)

// PerformanceSample is a single append-only measurement emitted by the
// coordinator for every tier operation. Samples are retained for a rolling
// window and then discarded; they are never mutated.
type PerformanceSample struct {
	Timestamp   time.Time     `json:"timestamp"`
	Tier        TierID        `json:"tier"`
	Op          Operation     `json:"op"`
	Latency     time.Duration `json:"latency"`
	ContentType ContentType   `json:"content_type,omitempty"`
}

// TierReport aggregates samples for one tier over the analysis window.
type TierReport struct {
	Hits      uint64        `json:"hits"`
	Misses    uint64        `json:"misses"`
	Writes    uint64        `json:"writes"`
	Errors    uint64        `json:"errors"`
	HitRate   float64       `json:"hit_rate"`
	ErrorRate float64       `json:"error_rate"`
	P50       time.Duration `json:"p50"`
	P95       time.Duration `json:"p95"`
	P99       time.Duration `json:"p99"`
}

// PerformanceReport summarizes cache performance over an analysis window.
type PerformanceReport struct {
	GeneratedAt    time.Time             `json:"generated_at"`
	Window         time.Duration         `json:"window"`
	SampleCount    int                   `json:"sample_count"`
	Tiers          map[TierID]TierReport `json:"tiers"`
	OverallHitRate float64               `json:"overall_hit_rate"`
	HitRateTrend   float64               `json:"hit_rate_trend"`
	Score          float64               `json:"score"`
}

// Recommendation is a human-readable configuration suggestion produced by
// the performance optimizer. It has no lifecycle beyond being surfaced to
// an operator.
type Recommendation struct {
	GeneratedAt      time.Time `json:"generated_at"`
	Category         string    `json:"category"`
	Priority         string    `json:"priority"` // HIGH, MEDIUM, LOW
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	SuggestedAction  string    `json:"suggested_action"`
	CurrentValue     string    `json:"current_value,omitempty"`
	RecommendedValue string    `json:"recommended_value,omitempty"`
}

// WarmingReport summarizes one warming run.
type WarmingReport struct {
	Requested int           `json:"requested"`
	Skipped   int           `json:"skipped"`
	Loaded    int           `json:"loaded"`
	Warmed    int           `json:"warmed"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"duration"`
}

// WarmEntry is one pre-computed value pushed into the cache by warming.
type WarmEntry struct {
	Key         string
	Value       []byte
	ContentType ContentType
}
