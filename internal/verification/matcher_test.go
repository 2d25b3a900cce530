package verification

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundersignal/godscore/internal/domain/action"
	"github.com/foundersignal/godscore/internal/persistence"
)

func revenueAction(id string) persistence.ActionEvent {
	return persistence.ActionEvent{
		ID:      id,
		Subject: "subj-1",
		Type:    action.TypeRevenue,
		Impact:  action.ImpactMedium,
		Status:  action.StatusProvisionalApplied,
		Fields:  action.Fields{"customerName": "Acme Corp", "mrrDeltaUsd": 10000.0},
		Plan:    BuildPlan(action.TypeRevenue, action.ImpactMedium, action.Fields{"mrrDeltaUsd": 10000.0}),
	}
}

func TestSatisfies(t *testing.T) {
	tests := []struct {
		name string
		ev   persistence.EvidenceArtifact
		req  action.Requirement
		want bool
	}{
		{
			name: "connector with matching provider",
			ev:   persistence.EvidenceArtifact{Type: action.EvidenceOAuthConnector, Ref: action.Ref{"provider": "Stripe"}},
			req:  action.Requirement{Kind: action.RequireConnect, Value: "stripe"},
			want: true,
		},
		{
			name: "connector with wrong provider",
			ev:   persistence.EvidenceArtifact{Type: action.EvidenceOAuthConnector, Ref: action.Ref{"provider": "plaid"}},
			req:  action.Requirement{Kind: action.RequireConnect, Value: "stripe"},
			want: false,
		},
		{
			name: "connector without provider",
			ev:   persistence.EvidenceArtifact{Type: action.EvidenceOAuthConnector},
			req:  action.Requirement{Kind: action.RequireConnect, Value: "stripe"},
			want: false,
		},
		{
			name: "upload discharges upload requirement",
			ev:   persistence.EvidenceArtifact{Type: action.EvidenceDocumentUpload},
			req:  action.Requirement{Kind: action.RequireUpload, Value: "invoice"},
			want: true,
		},
		{
			name: "screenshot does not discharge upload",
			ev:   persistence.EvidenceArtifact{Type: action.EvidenceScreenshot},
			req:  action.Requirement{Kind: action.RequireUpload, Value: "invoice"},
			want: false,
		},
		{
			name: "review note discharges review",
			ev:   persistence.EvidenceArtifact{Type: action.EvidenceManualReviewNote},
			req:  action.Requirement{Kind: action.RequireReview, Value: "standard"},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, satisfies(tt.ev, tt.req))
		})
	}
}

func TestMatchScoreExactVsFamily(t *testing.T) {
	a := revenueAction("act-1")

	exact := persistence.EvidenceArtifact{Type: action.EvidenceDocumentUpload}
	assert.Equal(t, scoreExactRequirement, matchScore(exact, a))

	family := persistence.EvidenceArtifact{Type: action.EvidenceScreenshot}
	assert.Equal(t, scoreFamilyMatch, matchScore(family, a))
}

func TestMatchScoreCustomerAndAmount(t *testing.T) {
	a := revenueAction("act-1")
	usd := 11000.0
	ev := persistence.EvidenceArtifact{
		Type: action.EvidenceBankTransaction,
		Extracted: &action.Extracted{
			Amounts:  &action.Amounts{USD: &usd},
			Entities: &action.Entities{Customer: "acme corp inc"},
		},
	}

	// 11000 is within ±20% of 10000; "acme corp" is contained in the
	// extracted entity.
	assert.Equal(t, scoreCustomerEntity+scoreAmountProximity, matchScore(ev, a))

	far := 13000.0
	ev.Extracted.Amounts.USD = &far
	assert.Equal(t, scoreCustomerEntity, matchScore(ev, a), "13000 is outside tolerance")
}

func TestMatchEvidenceOrdersBestFirst(t *testing.T) {
	strong := revenueAction("act-strong")
	weak := revenueAction("act-weak")
	weak.Fields = action.Fields{}

	usd := 10000.0
	ev := persistence.EvidenceArtifact{
		Type: action.EvidenceDocumentUpload,
		Extracted: &action.Extracted{
			Amounts:  &action.Amounts{USD: &usd},
			Entities: &action.Entities{Customer: "Acme Corp"},
		},
	}

	matched := MatchEvidence(ev, []persistence.ActionEvent{weak, strong})
	require.Len(t, matched, 2)
	assert.Equal(t, "act-strong", matched[0].Action.ID)
	assert.Greater(t, matched[0].Score, matched[1].Score)
}

func TestMatchEvidenceDropsZeroScores(t *testing.T) {
	a := persistence.ActionEvent{
		ID:   "act-1",
		Type: action.TypeMilestone,
		Plan: BuildPlan(action.TypeMilestone, action.ImpactLow, nil),
	}
	ev := persistence.EvidenceArtifact{Type: action.EvidenceWebhookEvent}

	assert.Empty(t, MatchEvidence(ev, []persistence.ActionEvent{a}))
}
