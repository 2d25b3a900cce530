package feature

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFreshness_HalfLife(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Exactly one half-life old decays to 0.5.
	measured := now.Add(-14 * 24 * time.Hour)
	assert.InDelta(t, 0.5, Freshness(measured, now, 14), 1e-6)

	// Brand new measurement is fully fresh.
	assert.InDelta(t, 1.0, Freshness(now, now, 14), 1e-9)

	// Future-dated measurements clamp age to zero.
	assert.InDelta(t, 1.0, Freshness(now.Add(time.Hour), now, 14), 1e-9)

	// Two half-lives decays to 0.25.
	assert.InDelta(t, 0.25, Freshness(now.Add(-28*24*time.Hour), now, 14), 1e-6)
}

func TestFreshness_HalfLifeFloor(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	old := now.Add(-24 * time.Hour)

	// A zero half-life is floored rather than dividing by zero; anything
	// old decays to effectively zero.
	got := Freshness(old, now, 0)
	assert.GreaterOrEqual(t, got, 0.0)
	assert.Less(t, got, 1e-9)
}

func TestFreshness_Monotonic(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	prev := -1.0
	for days := 30; days >= 0; days-- {
		f := Freshness(now.Add(-time.Duration(days)*24*time.Hour), now, 14)
		assert.Greater(t, f, prev, "fresher measurement must score higher")
		prev = f
	}
}

func TestContribution_Formula(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	f := Feature{
		Subject:      "s1",
		ID:           Traction,
		MeasuredAt:   now.Add(-14 * 24 * time.Hour),
		Norm:         1.0,
		Weight:       1.0,
		Confidence:   1.0,
		Verification: 1.0,
	}
	// Seed scenario: all factors at 1.0, exactly one half-life old.
	assert.InDelta(t, 0.5, Contribution(f, now, 14), 1e-6)
}

func TestContributionParts_ClampsAndDefaults(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	f := Feature{
		ID:           Traction,
		MeasuredAt:   now,
		Norm:         1.7, // clamped to 1
		Weight:       3.0, // weight is taken as-is
		Confidence:   2.0, // clamped to 1
		Verification: 1.2, // clamped to 1
	}
	p := ContributionParts(f, now, 14)
	assert.Equal(t, 3.0, p.Weight)
	assert.Equal(t, 1.0, p.Norm)
	assert.Equal(t, 1.0, p.Confidence)
	assert.Equal(t, 1.0, p.Verification)
	assert.InDelta(t, 3.0, p.Contribution, 1e-9)

	// Zero-valued optional factors take the documented defaults.
	bare := Feature{ID: Traction, MeasuredAt: now, Norm: 1.0}
	p = ContributionParts(bare, now, 14)
	assert.Equal(t, 1.0, p.Weight)
	assert.Equal(t, 0.5, p.Confidence)
	assert.Equal(t, 0.2, p.Verification)
	assert.InDelta(t, 0.1, p.Contribution, 1e-9)
}

func TestContribution_BoundedByWeight(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, w := range []float64{0.5, 1, 2, 3.5} {
		f := Feature{ID: Traction, MeasuredAt: now, Norm: 1, Weight: w, Confidence: 1, Verification: 1}
		c := Contribution(f, now, 14)
		assert.GreaterOrEqual(t, c, 0.0)
		assert.LessOrEqual(t, c, w)
	}
}

func TestTierFromVerification_Thresholds(t *testing.T) {
	cases := []struct {
		v    float64
		want Tier
	}{
		{0.0, TierUnverified},
		{0.35, TierUnverified},
		{0.4499, TierUnverified},
		{0.45, TierSoftVerified},
		{0.70, TierSoftVerified},
		{0.8499, TierSoftVerified},
		{0.85, TierVerified},
		{1.0, TierVerified},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TierFromVerification(tc.v), "v=%v", tc.v)
	}
}

func TestTierMultiplier_RoundTrip(t *testing.T) {
	m := DefaultMultipliers()
	// The multiplier of each tier maps back to that tier, except trusted
	// which is only reachable by explicit upgrade.
	for _, tier := range []Tier{TierUnverified, TierSoftVerified, TierVerified} {
		assert.Equal(t, tier, TierFromVerification(m.For(tier)))
	}
	assert.Equal(t, TierVerified, TierFromVerification(m.For(TierTrusted)))
}

func TestMultipliers_Fallback(t *testing.T) {
	m := Multipliers{TierVerified: 0.9}
	assert.Equal(t, 0.9, m.For(TierVerified))
	assert.Equal(t, 0.20, m.For(TierUnverified))
}

func TestFeature_Flags(t *testing.T) {
	f := Feature{Raw: map[string]interface{}{"flags": []interface{}{"inconsistent_claims", 42}}}
	assert.Equal(t, []string{"inconsistent_claims"}, f.Flags())
	assert.True(t, f.HasFlag("inconsistent_claims"))
	assert.False(t, f.HasFlag("missing_required_connector"))

	g := Feature{Raw: map[string]interface{}{"flags": []string{"a"}}}
	assert.True(t, g.HasFlag("a"))

	assert.Nil(t, Feature{}.Flags())
}
