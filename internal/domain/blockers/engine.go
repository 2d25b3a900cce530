// Package blockers evaluates the fixed rule set against a resolved feature
// map and the delta's top movers, emitting severity-tagged blocking factors.
// Rules fire at most once per evaluation and are emitted in declaration
// order, so the output is invariant under permutation of the input map.
package blockers

import (
	"math"
	"sort"
	"time"

	"github.com/foundersignal/godscore/internal/domain/delta"
	"github.com/foundersignal/godscore/internal/domain/feature"
)

// ID identifies a rule in the closed blocker set.
type ID string

const (
	IdentityNotVerified       ID = "identity_not_verified"
	EvidenceInsufficient      ID = "evidence_insufficient"
	RecencyGap                ID = "recency_gap"
	InconsistencyDetected     ID = "inconsistency_detected"
	MissingRequiredConnectors ID = "missing_required_connectors"
)

// Valid reports whether id is a member of the closed blocker set.
func (id ID) Valid() bool {
	switch id {
	case IdentityNotVerified, EvidenceInsufficient, RecencyGap,
		InconsistencyDetected, MissingRequiredConnectors:
		return true
	}
	return false
}

// Severity classifies a blocker as hard (must fix) or soft (should fix).
type Severity string

const (
	SeverityHard Severity = "hard"
	SeveritySoft Severity = "soft"
)

// Rule thresholds. Fixed by the rule definitions, not configurable.
const (
	identityVerificationFloor = 0.35
	evidenceVerificationFloor = 0.35
	evidenceDeltaThreshold    = 1.5
	recencyWeightThreshold    = 2.0
	recencyFreshnessFloor     = 0.4
)

// Raw flags that trip the flag-driven rules.
const (
	FlagInconsistentClaims       = "inconsistent_claims"
	FlagMissingRequiredConnector = "missing_required_connector"
)

// Blocker is one fired rule with its affected features.
type Blocker struct {
	ID               ID           `json:"blocker_id"`
	Severity         Severity     `json:"severity"`
	Message          string       `json:"message"`
	FixPath          string       `json:"fix_path"`
	AffectedFeatures []feature.ID `json:"affected_features,omitempty"`
}

// RuleText is the configured caller-facing copy for one rule.
type RuleText struct {
	Message string `yaml:"message"`
	FixPath string `yaml:"fix_path"`
}

// Config carries rule texts and the freshness half-life the recency rule
// evaluates against.
type Config struct {
	HalfLifeDays float64         `yaml:"freshness_half_life_days"`
	Texts        map[ID]RuleText `yaml:"texts"`
}

// DefaultConfig returns the stock rule texts.
func DefaultConfig() Config {
	return Config{
		HalfLifeDays: feature.DefaultHalfLifeDays,
		Texts: map[ID]RuleText{
			IdentityNotVerified: {
				Message: "Identity signals are not verified yet",
				FixPath: "/verify/identity",
			},
			EvidenceInsufficient: {
				Message: "A large score move is backed by weak evidence",
				FixPath: "/evidence/submit",
			},
			RecencyGap: {
				Message: "High-weight signals have gone stale",
				FixPath: "/features/refresh",
			},
			InconsistencyDetected: {
				Message: "Submitted claims contradict each other",
				FixPath: "/review/inconsistency",
			},
			MissingRequiredConnectors: {
				Message: "Required data connectors are not linked",
				FixPath: "/connectors/link",
			},
		},
	}
}

func (c Config) text(id ID) RuleText {
	if t, ok := c.Texts[id]; ok {
		return t
	}
	return DefaultConfig().Texts[id]
}

// Evaluate runs the five rules against (features, topMovers) at asOf and
// returns the firing blockers in declaration order.
func Evaluate(features map[feature.ID]feature.Feature, topMovers []delta.Contribution, asOf time.Time, cfg Config) []Blocker {
	if cfg.HalfLifeDays <= 0 {
		cfg.HalfLifeDays = feature.DefaultHalfLifeDays
	}

	var out []Blocker
	add := func(id ID, sev Severity, affected []feature.ID) {
		t := cfg.text(id)
		out = append(out, Blocker{
			ID:               id,
			Severity:         sev,
			Message:          t.Message,
			FixPath:          t.FixPath,
			AffectedFeatures: affected,
		})
	}

	if affected, fires := identityNotVerified(features); fires {
		add(IdentityNotVerified, SeverityHard, affected)
	}
	if affected, fires := evidenceInsufficient(topMovers); fires {
		add(EvidenceInsufficient, SeveritySoft, affected)
	}
	if affected, fires := recencyGap(features, asOf, cfg.HalfLifeDays); fires {
		add(RecencyGap, SeveritySoft, affected)
	}
	if affected, fires := flagged(features, FlagInconsistentClaims); fires {
		add(InconsistencyDetected, SeverityHard, affected)
	}
	if affected, fires := flagged(features, FlagMissingRequiredConnector); fires {
		add(MissingRequiredConnectors, SeveritySoft, affected)
	}
	return out
}

// identityNotVerified fires when the mean verification over the identity
// features is below the floor. Absent identity features count as zero.
func identityNotVerified(features map[feature.ID]feature.Feature) ([]feature.ID, bool) {
	var sum float64
	for _, id := range feature.IdentityFeatures {
		if f, ok := features[id]; ok {
			sum += feature.Clamp01(f.Verification)
		}
	}
	mean := sum / float64(len(feature.IdentityFeatures))
	if mean >= identityVerificationFloor {
		return nil, false
	}
	return append([]feature.ID(nil), feature.IdentityFeatures...), true
}

// evidenceInsufficient fires when any top mover made a large move on weak
// verification.
func evidenceInsufficient(topMovers []delta.Contribution) ([]feature.ID, bool) {
	var affected []feature.ID
	for _, m := range topMovers {
		if m.Next.Verification < evidenceVerificationFloor && math.Abs(m.Delta) > evidenceDeltaThreshold {
			affected = append(affected, m.FeatureID)
		}
	}
	return affected, len(affected) > 0
}

// recencyGap fires when any high-weight feature has gone stale; the affected
// list covers every stale feature regardless of weight.
func recencyGap(features map[feature.ID]feature.Feature, asOf time.Time, halfLifeDays float64) ([]feature.ID, bool) {
	fires := false
	var affected []feature.ID
	for id, f := range features {
		fresh := feature.Freshness(f.MeasuredAt, asOf, halfLifeDays)
		if fresh < recencyFreshnessFloor {
			affected = append(affected, id)
			if f.Weight >= recencyWeightThreshold {
				fires = true
			}
		}
	}
	if !fires {
		return nil, false
	}
	sortIDs(affected)
	return affected, true
}

func flagged(features map[feature.ID]feature.Feature, flag string) ([]feature.ID, bool) {
	var affected []feature.ID
	for id, f := range features {
		if f.HasFlag(flag) {
			affected = append(affected, id)
		}
	}
	sortIDs(affected)
	return affected, len(affected) > 0
}

func sortIDs(ids []feature.ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
