// Package policy maps content types to cache placement rules. The table is
// the single source of truth for which tiers a payload touches, how long it
// lives in each, and whether it is compressed or warmed. Adding a content
// type means adding a table entry, never coordinator changes.
package policy

import (
	"time"

	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// DefaultMaxEntrySize is the largest value admitted to the L1 memory tier
// when a policy does not set its own limit.
const DefaultMaxEntrySize = 4 * 1024 * 1024 // 4MB

// CachePolicy is the immutable placement rule for one content type.
type CachePolicy struct {
	ContentType types.ContentType `yaml:"content_type"`

	// EnabledTiers lists the tiers to read from and write to, fastest
	// first. BypassL1 policies never include the L1 tier.
	EnabledTiers []types.TierID `yaml:"enabled_tiers"`

	// TTL holds the per-tier time-to-live. Tiers absent from the map use
	// no expiry, which only makes sense for the edge tier.
	TTL map[types.TierID]time.Duration `yaml:"ttl"`

	// Compress enables transparent zstd compression of the stored value.
	Compress bool `yaml:"compress"`

	// Warmable marks the content type eligible for proactive warming.
	Warmable bool `yaml:"warmable"`

	// BypassL1 keeps bulk payloads out of local memory even though the
	// remote tiers are used.
	BypassL1 bool `yaml:"bypass_l1"`

	// MaxEntrySize caps the value size admitted to L1. Zero means
	// DefaultMaxEntrySize. Oversized values skip L1 and continue to the
	// remote tiers.
	MaxEntrySize int64 `yaml:"max_entry_size"`
}

// TierTTL returns the TTL for one tier, zero when the tier has no expiry.
func (p CachePolicy) TierTTL(tier types.TierID) time.Duration {
	return p.TTL[tier]
}

// UsesTier reports whether the policy reads from and writes to the tier.
func (p CachePolicy) UsesTier(tier types.TierID) bool {
	for _, t := range p.EnabledTiers {
		if t == tier {
			return true
		}
	}
	return false
}

// L1Limit returns the effective max entry size for the L1 tier.
func (p CachePolicy) L1Limit() int64 {
	if p.MaxEntrySize > 0 {
		return p.MaxEntrySize
	}
	return DefaultMaxEntrySize
}

// Table resolves content types to policies. It is immutable after
// construction; Resolve fails fast on unknown types instead of silently
// applying a default that could mask incorrect cache behavior.
type Table struct {
	policies map[types.ContentType]CachePolicy
}

// NewTable builds a table from explicit policies. Every policy is
// normalized and validated; BypassL1 strips the L1 tier from EnabledTiers.
func NewTable(policies ...CachePolicy) (*Table, error) {
	t := &Table{policies: make(map[types.ContentType]CachePolicy, len(policies))}
	for _, p := range policies {
		norm, err := normalize(p)
		if err != nil {
			return nil, err
		}
		t.policies[norm.ContentType] = norm
	}
	return t, nil
}

// NewDefaultTable returns the stock policy matrix. TTLs follow the access
// profile of each payload: conversational artifacts are short-lived and
// memory-resident, synthesized audio and static assets spread across all
// three tiers, and bulk model weights stay out of local memory entirely.
func NewDefaultTable() *Table {
	l12 := []types.TierID{types.TierL1, types.TierL2}
	l123 := []types.TierID{types.TierL1, types.TierL2, types.TierL3}
	l23 := []types.TierID{types.TierL2, types.TierL3}

	t, err := NewTable(
		CachePolicy{
			ContentType:  types.ContentTranscription,
			EnabledTiers: l12,
			TTL: map[types.TierID]time.Duration{
				types.TierL1: 5 * time.Minute,
				types.TierL2: time.Hour,
			},
		},
		CachePolicy{
			ContentType:  types.ContentAIResponse,
			EnabledTiers: l12,
			TTL: map[types.TierID]time.Duration{
				types.TierL1: 10 * time.Minute,
				types.TierL2: time.Hour,
			},
		},
		CachePolicy{
			ContentType:  types.ContentEmotionAnalysis,
			EnabledTiers: l12,
			TTL: map[types.TierID]time.Duration{
				types.TierL1: 5 * time.Minute,
				types.TierL2: 30 * time.Minute,
			},
		},
		CachePolicy{
			ContentType:  types.ContentVoiceSynthesis,
			EnabledTiers: l123,
			TTL: map[types.TierID]time.Duration{
				types.TierL1: 30 * time.Minute,
				types.TierL2: 24 * time.Hour,
				types.TierL3: 7 * 24 * time.Hour,
			},
			Compress: true,
			Warmable: true,
		},
		CachePolicy{
			ContentType:  types.ContentStaticAsset,
			EnabledTiers: l123,
			TTL: map[types.TierID]time.Duration{
				types.TierL1: time.Hour,
				types.TierL2: 24 * time.Hour,
				types.TierL3: 30 * 24 * time.Hour,
			},
			Compress: true,
			Warmable: true,
		},
		CachePolicy{
			ContentType:  types.ContentUserSession,
			EnabledTiers: l12,
			TTL: map[types.TierID]time.Duration{
				types.TierL1: 5 * time.Minute,
				types.TierL2: 30 * time.Minute,
			},
		},
		CachePolicy{
			ContentType:  types.ContentConfiguration,
			EnabledTiers: l123,
			TTL: map[types.TierID]time.Duration{
				types.TierL1: time.Hour,
				types.TierL2: 24 * time.Hour,
				types.TierL3: 7 * 24 * time.Hour,
			},
			Warmable: true,
		},
		CachePolicy{
			ContentType:  types.ContentModelWeights,
			EnabledTiers: l23,
			TTL: map[types.TierID]time.Duration{
				types.TierL2: 24 * time.Hour,
				types.TierL3: 7 * 24 * time.Hour,
			},
			Compress: true,
			Warmable: true,
			BypassL1: true,
		},
	)
	if err != nil {
		// The stock matrix is validated by tests; a failure here is a
		// programming error.
		panic(err)
	}
	return t
}

// Resolve returns the policy for a content type or an UNKNOWN_CONTENT_TYPE
// configuration error.
func (t *Table) Resolve(ct types.ContentType) (CachePolicy, error) {
	p, ok := t.policies[ct]
	if !ok {
		return CachePolicy{}, errors.Newf(errors.ErrCodeUnknownContentType,
			"no cache policy for content type %q", ct)
	}
	return p, nil
}

// ContentTypes returns every content type the table knows about.
func (t *Table) ContentTypes() []types.ContentType {
	cts := make([]types.ContentType, 0, len(t.policies))
	for ct := range t.policies {
		cts = append(cts, ct)
	}
	return cts
}

// Merge returns a copy of the table with the given policies replacing or
// extending the existing entries. The receiver is not modified.
func (t *Table) Merge(overrides ...CachePolicy) (*Table, error) {
	merged := make([]CachePolicy, 0, len(t.policies)+len(overrides))
	for _, p := range t.policies {
		merged = append(merged, p)
	}
	merged = append(merged, overrides...)
	return NewTable(merged...)
}

func normalize(p CachePolicy) (CachePolicy, error) {
	if p.ContentType == "" {
		return p, errors.New(errors.ErrCodeInvalidPolicy, "policy missing content type")
	}
	if _, err := types.ParseContentType(string(p.ContentType)); err != nil {
		return p, errors.Newf(errors.ErrCodeInvalidPolicy,
			"policy for unrecognized content type %q", p.ContentType)
	}
	if len(p.EnabledTiers) == 0 {
		return p, errors.Newf(errors.ErrCodeInvalidPolicy,
			"policy %s enables no tiers", p.ContentType)
	}

	seen := make(map[types.TierID]bool, len(p.EnabledTiers))
	tiers := make([]types.TierID, 0, len(p.EnabledTiers))
	for _, tier := range p.EnabledTiers {
		switch tier {
		case types.TierL1, types.TierL2, types.TierL3:
		default:
			return p, errors.Newf(errors.ErrCodeInvalidPolicy,
				"policy %s references unknown tier %q", p.ContentType, tier)
		}
		if seen[tier] {
			return p, errors.Newf(errors.ErrCodeInvalidPolicy,
				"policy %s lists tier %s twice", p.ContentType, tier)
		}
		if tier == types.TierL1 && p.BypassL1 {
			continue
		}
		seen[tier] = true
		tiers = append(tiers, tier)
	}
	if len(tiers) == 0 {
		return p, errors.Newf(errors.ErrCodeInvalidPolicy,
			"policy %s enables only L1 but sets bypass_l1", p.ContentType)
	}
	p.EnabledTiers = sortTiers(tiers)

	for tier, ttl := range p.TTL {
		if ttl < 0 {
			return p, errors.Newf(errors.ErrCodeInvalidPolicy,
				"policy %s has negative TTL for tier %s", p.ContentType, tier)
		}
	}
	if p.MaxEntrySize < 0 {
		return p, errors.Newf(errors.ErrCodeInvalidPolicy,
			"policy %s has negative max entry size", p.ContentType)
	}
	return p, nil
}

// sortTiers orders tiers fastest first regardless of input order.
func sortTiers(tiers []types.TierID) []types.TierID {
	ordered := make([]types.TierID, 0, len(tiers))
	for _, want := range types.AllTiers {
		for _, t := range tiers {
			if t == want {
				ordered = append(ordered, t)
			}
		}
	}
	return ordered
}
