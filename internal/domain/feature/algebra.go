package feature

import (
	"math"
	"time"
)

// DefaultHalfLifeDays is the freshness half-life used when no config override
// is present. A measurement contributes at half strength after this many days.
const DefaultHalfLifeDays = 14.0

// minHalfLife floors the configured half-life so the decay exponent stays finite.
const minHalfLife = 1e-6

// Clamp bounds x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Clamp01 bounds x to the unit interval.
func Clamp01(x float64) float64 {
	return Clamp(x, 0, 1)
}

// Freshness computes exponential decay of a measurement's relevance:
// exp(-ln2 * ageDays / halfLifeDays), clamped to [0,1]. Age is clamped
// non-negative so future-dated measurements count as fully fresh.
func Freshness(measuredAt, asOf time.Time, halfLifeDays float64) float64 {
	if halfLifeDays < minHalfLife {
		halfLifeDays = minHalfLife
	}
	ageDays := asOf.Sub(measuredAt).Hours() / 24.0
	if ageDays < 0 {
		ageDays = 0
	}
	return Clamp01(math.Exp(-math.Ln2 * ageDays / halfLifeDays))
}

// Parts holds the factors of one feature's contribution at a point in time.
// Freshness is always derived from MeasuredAt at read time, never stored.
type Parts struct {
	Weight       float64 `json:"weight"`
	Norm         float64 `json:"norm"`
	Confidence   float64 `json:"confidence"`
	Verification float64 `json:"verification"`
	Freshness    float64 `json:"freshness"`
	Contribution float64 `json:"contribution"`
}

// ContributionParts resolves the contribution formula
// weight * norm * confidence * verification * freshness for f at asOf.
// Every factor except weight is clamped to [0,1]. Zero-valued weight and
// confidence and verification are treated as unset and take the documented
// defaults (1.0, 0.5, 0.2); the engine always writes explicit values, so
// this only matters for rows originating outside it.
func ContributionParts(f Feature, asOf time.Time, halfLifeDays float64) Parts {
	w := f.Weight
	if w == 0 {
		w = 1.0
	}
	conf := f.Confidence
	if conf == 0 {
		conf = 0.5
	}
	ver := f.Verification
	if ver == 0 {
		ver = 0.2
	}
	p := Parts{
		Weight:       w,
		Norm:         Clamp01(f.Norm),
		Confidence:   Clamp01(conf),
		Verification: Clamp01(ver),
		Freshness:    Freshness(f.MeasuredAt, asOf, halfLifeDays),
	}
	p.Contribution = p.Weight * p.Norm * p.Confidence * p.Verification * p.Freshness
	return p
}

// Contribution is ContributionParts reduced to the scalar.
func Contribution(f Feature, asOf time.Time, halfLifeDays float64) float64 {
	return ContributionParts(f, asOf, halfLifeDays).Contribution
}

// Multipliers maps verification tiers to the multiplier applied in the
// contribution formula and in verified lifts.
type Multipliers map[Tier]float64

// DefaultMultipliers returns the stock tier multipliers.
func DefaultMultipliers() Multipliers {
	return Multipliers{
		TierUnverified:   0.20,
		TierSoftVerified: 0.45,
		TierVerified:     0.85,
		TierTrusted:      1.0,
	}
}

// For resolves the multiplier for a tier, falling back to the defaults when
// the configured map lacks an entry.
func (m Multipliers) For(t Tier) float64 {
	if v, ok := m[t]; ok {
		return v
	}
	return DefaultMultipliers()[t]
}

// TierFromVerification derives a tier from a verification scalar using
// lower-bound-inclusive thresholds. Trusted is only ever set by explicit
// upgrade and is never inferred here.
func TierFromVerification(v float64) Tier {
	switch {
	case v >= 0.85:
		return TierVerified
	case v >= 0.45:
		return TierSoftVerified
	default:
		return TierUnverified
	}
}
