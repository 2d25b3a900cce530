package verification

import (
	"github.com/foundersignal/godscore/internal/domain/action"
	"github.com/foundersignal/godscore/internal/domain/feature"
	"github.com/foundersignal/godscore/internal/persistence"
)

// Verification seed for a fresh action, matching the unverified multiplier.
const seedVerification = 0.2

// Fixed boost applied by a curator inconsistency resolution.
const inconsistencyResolutionBoost = 0.20

// evidenceBoosts is the additive verification boost per evidence type.
var evidenceBoosts = map[action.EvidenceType]float64{
	action.EvidenceOAuthConnector:   0.30,
	action.EvidenceWebhookEvent:     0.25,
	action.EvidenceDocumentUpload:   0.20,
	action.EvidenceBankTransaction:  0.35,
	action.EvidencePublicLink:       0.10,
	action.EvidenceScreenshot:       0.05,
	action.EvidenceEmailProof:       0.10,
	action.EvidenceManualReviewNote: 0.15,
}

// NewState seeds the verification state for a freshly planned action.
func NewState(actionID string, plan action.Plan) persistence.VerificationState {
	return persistence.VerificationState{
		ActionID:     actionID,
		Verification: seedVerification,
		Tier:         feature.TierUnverified,
		Satisfied:    false,
		Missing:      append([]action.Requirement(nil), plan.Requirements...),
	}
}

// ApplyEvidence folds one matched evidence artifact into the state: apply
// the type boost, recompute the tier, strike the requirements the evidence
// discharges, and re-evaluate satisfaction against the plan.
func ApplyEvidence(state persistence.VerificationState, ev persistence.EvidenceArtifact, plan action.Plan) persistence.VerificationState {
	state.Verification = feature.Clamp01(state.Verification + evidenceBoosts[ev.Type])
	state.Tier = reTier(state.Tier, state.Verification)

	remaining := state.Missing[:0:0]
	for _, req := range state.Missing {
		if !satisfies(ev, req) {
			remaining = append(remaining, req)
		}
	}
	state.Missing = remaining
	state.MatchedEvidenceIDs = append(state.MatchedEvidenceIDs, ev.ID)

	state.Satisfied = satisfied(state, plan)
	return state
}

// ApplyResolutionBoost applies the fixed curator boost after an
// inconsistency resolution.
func ApplyResolutionBoost(state persistence.VerificationState, plan action.Plan) persistence.VerificationState {
	state.Verification = feature.Clamp01(state.Verification + inconsistencyResolutionBoost)
	state.Tier = reTier(state.Tier, state.Verification)
	state.Satisfied = satisfied(state, plan)
	return state
}

func satisfied(state persistence.VerificationState, plan action.Plan) bool {
	return state.Verification >= plan.TargetVerification && len(state.Missing) == 0
}

// reTier re-derives the tier from the verification scalar, except that an
// explicitly granted trusted tier is never downgraded by inference.
func reTier(current feature.Tier, verification float64) feature.Tier {
	if current == feature.TierTrusted {
		return current
	}
	return feature.TierFromVerification(verification)
}
