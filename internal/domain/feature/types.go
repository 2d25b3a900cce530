package feature

import (
	"time"
)

// ID identifies a scored feature. The set is closed and configured;
// these are the known identifiers.
type ID string

const (
	Traction           ID = "traction"
	FounderVelocity    ID = "founder_velocity"
	InvestorIntent     ID = "investor_intent"
	MarketBeliefShift  ID = "market_belief_shift"
	CapitalConvergence ID = "capital_convergence"
	TeamStrength       ID = "team_strength"
	ProductQuality     ID = "product_quality"
	MarketSize         ID = "market_size"
)

// IdentityFeatures are the features whose verification gates subject identity.
var IdentityFeatures = []ID{Traction, FounderVelocity}

// Tier classifies how strongly a feature's evidence has been verified.
type Tier string

const (
	TierUnverified   Tier = "unverified"
	TierSoftVerified Tier = "soft_verified"
	TierVerified     Tier = "verified"
	TierTrusted      Tier = "trusted"
)

// Valid reports whether t is a member of the closed tier set.
func (t Tier) Valid() bool {
	switch t {
	case TierUnverified, TierSoftVerified, TierVerified, TierTrusted:
		return true
	}
	return false
}

// Feature is the minimal scored fact about a subject. Rows are append-only;
// the current row per (subject, id) is the one with max MeasuredAt <= asOf.
type Feature struct {
	Subject      string                 `json:"subject" db:"subject"`
	ID           ID                     `json:"feature_id" db:"feature_id"`
	MeasuredAt   time.Time              `json:"measured_at" db:"measured_at"`
	Raw          map[string]interface{} `json:"raw,omitempty" db:"raw"`
	Norm         float64                `json:"norm" db:"norm"`
	Weight       float64                `json:"weight" db:"weight"`
	Confidence   float64                `json:"confidence" db:"confidence"`
	Verification float64                `json:"verification" db:"verification"`
	Tier         Tier                   `json:"verification_tier" db:"verification_tier"`
	EvidenceRefs []string               `json:"evidence_refs,omitempty" db:"evidence_refs"`
}

// New returns a feature seeded with the spec defaults for unset fields.
func New(subject string, id ID, measuredAt time.Time) Feature {
	return Feature{
		Subject:      subject,
		ID:           id,
		MeasuredAt:   measuredAt,
		Norm:         0,
		Weight:       1.0,
		Confidence:   0.5,
		Verification: 0.2,
		Tier:         TierUnverified,
	}
}

// Flags extracts the optional raw.flags list, tolerating both []string and
// the []interface{} shape JSON decoding produces.
func (f Feature) Flags() []string {
	if f.Raw == nil {
		return nil
	}
	switch v := f.Raw["flags"].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// HasFlag reports whether raw.flags contains the given flag.
func (f Feature) HasFlag(flag string) bool {
	for _, fl := range f.Flags() {
		if fl == flag {
			return true
		}
	}
	return false
}
