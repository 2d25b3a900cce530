// Package delta decomposes the change between two resolved feature maps into
// per-feature contribution deltas, clamped totals, and an ordered top-movers
// list. The computation is pure and deterministic: identical inputs produce
// byte-identical output.
package delta

import (
	"math"
	"sort"
	"time"

	"github.com/foundersignal/godscore/internal/domain/feature"
)

// Reason tags why a feature's contribution moved. A feature may carry
// several reasons in one decomposition.
type Reason string

const (
	ReasonNewFeature          Reason = "new_feature_added"
	ReasonFeatureRemoved      Reason = "feature_removed"
	ReasonSignalStrength      Reason = "signal_strength_changed"
	ReasonConfidenceChanged   Reason = "confidence_changed"
	ReasonVerificationChanged Reason = "verification_changed"
	ReasonFreshnessChanged    Reason = "freshness_changed"
	ReasonWeightChanged       Reason = "weight_changed"
)

// Factor-change thresholds below which movement is treated as noise.
const (
	factorEpsilon = 0.05
	weightEpsilon = 1e-6
)

// Config bounds the decomposition.
type Config struct {
	ClampMin     float64 `yaml:"clamp_min"`
	ClampMax     float64 `yaml:"clamp_max"`
	TopN         int     `yaml:"top_n"`
	HalfLifeDays float64 `yaml:"freshness_half_life_days"`
}

// DefaultConfig returns the stock decomposition bounds.
func DefaultConfig() Config {
	return Config{ClampMin: 0, ClampMax: 100, TopN: 5, HalfLifeDays: feature.DefaultHalfLifeDays}
}

// Contribution is one feature's before/after parts and attributable delta.
type Contribution struct {
	FeatureID feature.ID    `json:"feature_id"`
	Prev      feature.Parts `json:"prev"`
	Next      feature.Parts `json:"next"`
	Delta     float64       `json:"delta"`
	Reasons   []Reason      `json:"reasons,omitempty"`
}

// Result is the full decomposition between two feature maps.
type Result struct {
	PrevTotal     float64        `json:"prev_total"`
	NextTotal     float64        `json:"next_total"`
	DeltaTotal    float64        `json:"delta_total"`
	Contributions []Contribution `json:"contributions"`
	TopMovers     []Contribution `json:"top_movers"`
}

// Contribution returns the next-side contribution of a feature in the
// result, or zero when the feature is absent.
func (r Result) Contribution(id feature.ID) (prev, next float64) {
	for _, c := range r.Contributions {
		if c.FeatureID == id {
			return c.Prev.Contribution, c.Next.Contribution
		}
	}
	return 0, 0
}

// Compute decomposes next vs prev at asOf. Absent features contribute zero
// on their side. Contributions are ordered by |delta| descending with a
// stable lexicographic tie-break on feature id; TopMovers is the first
// cfg.TopN of that ordering.
func Compute(prev, next map[feature.ID]feature.Feature, asOf time.Time, cfg Config) Result {
	if cfg.TopN <= 0 {
		cfg.TopN = DefaultConfig().TopN
	}
	if cfg.HalfLifeDays <= 0 {
		cfg.HalfLifeDays = feature.DefaultHalfLifeDays
	}

	ids := unionIDs(prev, next)

	contributions := make([]Contribution, 0, len(ids))
	var prevRaw, nextRaw float64
	for _, id := range ids {
		pf, hasPrev := prev[id]
		nf, hasNext := next[id]

		var pp, np feature.Parts
		if hasPrev {
			pp = feature.ContributionParts(pf, asOf, cfg.HalfLifeDays)
		}
		if hasNext {
			np = feature.ContributionParts(nf, asOf, cfg.HalfLifeDays)
		}

		c := Contribution{
			FeatureID: id,
			Prev:      pp,
			Next:      np,
			Delta:     np.Contribution - pp.Contribution,
			Reasons:   reasons(hasPrev, hasNext, pp, np),
		}
		prevRaw += pp.Contribution
		nextRaw += np.Contribution
		contributions = append(contributions, c)
	}

	sort.SliceStable(contributions, func(i, j int) bool {
		di, dj := math.Abs(contributions[i].Delta), math.Abs(contributions[j].Delta)
		if di != dj {
			return di > dj
		}
		return contributions[i].FeatureID < contributions[j].FeatureID
	})

	topN := cfg.TopN
	if topN > len(contributions) {
		topN = len(contributions)
	}
	topMovers := make([]Contribution, topN)
	copy(topMovers, contributions[:topN])

	prevTotal := feature.Clamp(prevRaw, cfg.ClampMin, cfg.ClampMax)
	nextTotal := feature.Clamp(nextRaw, cfg.ClampMin, cfg.ClampMax)

	return Result{
		PrevTotal:     prevTotal,
		NextTotal:     nextTotal,
		DeltaTotal:    nextTotal - prevTotal,
		Contributions: contributions,
		TopMovers:     topMovers,
	}
}

func reasons(hasPrev, hasNext bool, pp, np feature.Parts) []Reason {
	switch {
	case !hasPrev && hasNext:
		return []Reason{ReasonNewFeature}
	case hasPrev && !hasNext:
		return []Reason{ReasonFeatureRemoved}
	case !hasPrev && !hasNext:
		return nil
	}

	var rs []Reason
	if math.Abs(np.Norm-pp.Norm) > factorEpsilon {
		rs = append(rs, ReasonSignalStrength)
	}
	if math.Abs(np.Confidence-pp.Confidence) > factorEpsilon {
		rs = append(rs, ReasonConfidenceChanged)
	}
	if math.Abs(np.Verification-pp.Verification) > factorEpsilon {
		rs = append(rs, ReasonVerificationChanged)
	}
	if math.Abs(np.Freshness-pp.Freshness) > factorEpsilon {
		rs = append(rs, ReasonFreshnessChanged)
	}
	if math.Abs(np.Weight-pp.Weight) > weightEpsilon {
		rs = append(rs, ReasonWeightChanged)
	}
	return rs
}

func unionIDs(prev, next map[feature.ID]feature.Feature) []feature.ID {
	seen := make(map[feature.ID]struct{}, len(prev)+len(next))
	for id := range prev {
		seen[id] = struct{}{}
	}
	for id := range next {
		seen[id] = struct{}{}
	}
	ids := make([]feature.ID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
