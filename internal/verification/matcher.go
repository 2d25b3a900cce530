package verification

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/foundersignal/godscore/internal/domain/action"
	"github.com/foundersignal/godscore/internal/persistence"
)

// Matching weights and bounds.
const (
	scoreExactRequirement = 10
	scoreFamilyMatch      = 5
	scoreCustomerEntity   = 8
	scoreAmountProximity  = 10

	amountTolerance = 0.20

	// Candidate actions must have occurred within this window.
	matchWindow = 30 * 24 * time.Hour
)

// MatchedAction is one candidate action with its match score.
type MatchedAction struct {
	Action persistence.ActionEvent `json:"action"`
	Score  int                     `json:"score"`
}

// matchCandidateStatuses are the action states still accepting evidence.
var matchCandidateStatuses = []action.Status{
	action.StatusPending,
	action.StatusProvisionalApplied,
}

// MatchEvidence scores candidate actions against an evidence artifact and
// returns those with a positive score, best first. Ties keep candidate
// order (newest occurrence first).
func MatchEvidence(ev persistence.EvidenceArtifact, candidates []persistence.ActionEvent) []MatchedAction {
	var out []MatchedAction
	for _, a := range candidates {
		if s := matchScore(ev, a); s > 0 {
			out = append(out, MatchedAction{Action: a, Score: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func matchScore(ev persistence.EvidenceArtifact, a persistence.ActionEvent) int {
	score := 0

	if planMatchesExact(ev, a.Plan) {
		score += scoreExactRequirement
	} else if planMatchesFamily(ev, a.Plan) {
		score += scoreFamilyMatch
	}

	if customerMatches(ev.Extracted, a.Fields) {
		score += scoreCustomerEntity
	}
	if amountMatches(ev.Extracted, a.Fields) {
		score += scoreAmountProximity
	}
	return score
}

// satisfies reports whether the evidence discharges the given requirement:
// a connector with the matching provider for connect:<provider>, any
// document upload for upload:*, any public link for link:*, and a manual
// review note for review:*.
func satisfies(ev persistence.EvidenceArtifact, req action.Requirement) bool {
	switch req.Kind {
	case action.RequireConnect:
		if ev.Type != action.EvidenceOAuthConnector {
			return false
		}
		provider, ok := ev.Ref.Provider()
		return ok && strings.EqualFold(provider, req.Value)
	case action.RequireUpload:
		return ev.Type == action.EvidenceDocumentUpload
	case action.RequireLink:
		return ev.Type == action.EvidencePublicLink
	case action.RequireReview:
		return ev.Type == action.EvidenceManualReviewNote
	}
	return false
}

func planMatchesExact(ev persistence.EvidenceArtifact, plan action.Plan) bool {
	for _, req := range plan.Requirements {
		if satisfies(ev, req) {
			return true
		}
	}
	return false
}

// planMatchesFamily gives partial credit when the evidence belongs to the
// upload or link family a requirement calls for without discharging it.
func planMatchesFamily(ev persistence.EvidenceArtifact, plan action.Plan) bool {
	var family action.RequirementKind
	switch ev.Type {
	case action.EvidenceDocumentUpload, action.EvidenceScreenshot:
		family = action.RequireUpload
	case action.EvidencePublicLink, action.EvidenceEmailProof:
		family = action.RequireLink
	default:
		return false
	}
	return plan.Has(family)
}

// customerMatches checks whether the extracted customer entity and the
// declared customer name contain each other, case-insensitively.
func customerMatches(ex *action.Extracted, fields action.Fields) bool {
	if ex == nil || ex.Entities == nil || ex.Entities.Customer == "" {
		return false
	}
	declared, ok := fields.CustomerName()
	if !ok {
		return false
	}
	a := strings.ToLower(strings.TrimSpace(ex.Entities.Customer))
	b := strings.ToLower(strings.TrimSpace(declared))
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// amountMatches checks whether the extracted USD amount is within ±20% of
// the declared MRR movement.
func amountMatches(ex *action.Extracted, fields action.Fields) bool {
	if ex == nil || ex.Amounts == nil || ex.Amounts.USD == nil {
		return false
	}
	declared, ok := fields.MRRDeltaUSD()
	if !ok || declared == 0 {
		return false
	}
	return math.Abs(*ex.Amounts.USD-declared) <= amountTolerance*math.Abs(declared)
}
