// Package verification is the engine's state machine: action intake with a
// provisional lift, evidence matching, verification-state updates, and the
// verified lift that moves the canonical score.
package verification

import (
	"math"

	"github.com/foundersignal/godscore/internal/domain/action"
	"github.com/foundersignal/godscore/internal/domain/feature"
)

// Plan thresholds.
const (
	targetHigh   = 0.90
	targetMedium = 0.85
	targetLow    = 0.75

	windowDaysHigh    = 7
	windowDaysDefault = 14

	// Declared MRR movements at or above this trigger a bank connection
	// requirement regardless of action type.
	mrrPlaidThresholdUSD = 10000
)

// basePlanRequirements maps each action type to its evidence checklist.
var basePlanRequirements = map[action.Type][]action.Requirement{
	action.TypeRevenue: {
		{Kind: action.RequireConnect, Value: "stripe"},
		{Kind: action.RequireUpload, Value: "invoice"},
	},
	action.TypeHiring: {
		{Kind: action.RequireUpload, Value: "offer_letter"},
		{Kind: action.RequireLink, Value: "linkedin"},
	},
	action.TypeFunding: {
		{Kind: action.RequireUpload, Value: "term_sheet"},
		{Kind: action.RequireConnect, Value: "plaid"},
	},
	action.TypeProduct: {
		{Kind: action.RequireLink, Value: "release_notes"},
		{Kind: action.RequireConnect, Value: "github"},
	},
	action.TypePress: {
		{Kind: action.RequireLink, Value: "press"},
	},
	action.TypePartnership: {
		{Kind: action.RequireUpload, Value: "contract"},
	},
}

var fallbackRequirements = []action.Requirement{
	{Kind: action.RequireReview, Value: "light"},
}

// actionFeatureMap routes each action type to the features its lifts touch.
// Types without an entry lift founder_velocity.
var actionFeatureMap = map[action.Type][]feature.ID{
	action.TypeRevenue:     {feature.Traction},
	action.TypeProduct:     {feature.ProductQuality},
	action.TypeHiring:      {feature.TeamStrength, feature.FounderVelocity},
	action.TypeFunding:     {feature.CapitalConvergence, feature.InvestorIntent},
	action.TypePartnership: {feature.MarketBeliefShift},
	action.TypePress:       {feature.MarketBeliefShift},
}

// liftTargets returns the features an action's lifts apply to.
func liftTargets(t action.Type) []feature.ID {
	if ids, ok := actionFeatureMap[t]; ok {
		return ids
	}
	return []feature.ID{feature.FounderVelocity}
}

// BuildPlan derives the verification plan from the action's type, declared
// impact, and structured fields.
func BuildPlan(t action.Type, impact action.Impact, fields action.Fields) action.Plan {
	reqs, ok := basePlanRequirements[t]
	if !ok {
		reqs = fallbackRequirements
	}
	plan := action.Plan{
		Requirements: append([]action.Requirement(nil), reqs...),
	}

	if impact == action.ImpactHigh && !plan.Has(action.RequireReview) {
		plan.Requirements = append(plan.Requirements, action.Requirement{
			Kind: action.RequireReview, Value: "standard",
		})
	}

	if mrr, ok := fields.MRRDeltaUSD(); ok && math.Abs(mrr) >= mrrPlaidThresholdUSD {
		plaid := action.Requirement{Kind: action.RequireConnect, Value: "plaid"}
		if !plan.HasExact(plaid) {
			plan.Requirements = append(plan.Requirements, plaid)
		}
	}

	switch impact {
	case action.ImpactHigh:
		plan.TargetVerification = targetHigh
		plan.VerificationWindowDays = windowDaysHigh
	case action.ImpactMedium:
		plan.TargetVerification = targetMedium
		plan.VerificationWindowDays = windowDaysDefault
	default:
		plan.TargetVerification = targetLow
		plan.VerificationWindowDays = windowDaysDefault
	}
	return plan
}
