package verification

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundersignal/godscore/internal/domain/action"
	"github.com/foundersignal/godscore/internal/domain/blockers"
	"github.com/foundersignal/godscore/internal/domain/feature"
	"github.com/foundersignal/godscore/internal/engine"
	"github.com/foundersignal/godscore/internal/persistence"
	"github.com/foundersignal/godscore/internal/persistence/memory"
	"github.com/foundersignal/godscore/internal/snapshot"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestOrchestrator(t *testing.T, opts ...Option) (*memory.Store, *Orchestrator) {
	t.Helper()
	db := memory.New()
	provider := engine.StaticProvider(engine.Default())
	clock := func() time.Time { return testNow }
	snaps := snapshot.NewStore(db, provider, snapshot.WithClock(clock))
	opts = append([]Option{WithClock(clock)}, opts...)
	return db, New(db, snaps, provider, opts...)
}

func hasBlocker(bs []blockers.Blocker, id blockers.ID) bool {
	for _, b := range bs {
		if b.ID == id {
			return true
		}
	}
	return false
}

func hasActive(bs []persistence.ActiveBlocker, id blockers.ID) bool {
	for _, b := range bs {
		if b.BlockerID == id {
			return true
		}
	}
	return false
}

func TestSubmitActionFirstSnapshot(t *testing.T) {
	db, orch := newTestOrchestrator(t)
	ctx := context.Background()

	res, err := orch.SubmitAction(ctx, SubmitActionInput{
		Subject: "subj-1",
		Type:    action.TypeHiring,
		Title:   "Hired founding engineer",
		Impact:  action.ImpactMedium,
	})
	require.NoError(t, err)

	assert.Equal(t, action.StatusProvisionalApplied, res.Action.Status)
	require.NotNil(t, res.Action.ProvisionalDeltaID)
	assert.Equal(t, res.Snapshot.ID, *res.Action.ProvisionalDeltaID)

	assert.Nil(t, res.Snapshot.PrevSnapshotID)
	assert.Greater(t, res.Snapshot.SignalTotal, 0.0)
	assert.Zero(t, res.Snapshot.CanonicalTotal, "provisional lift never moves the canonical score")
	assert.True(t, hasBlocker(res.Snapshot.Blockers, blockers.IdentityNotVerified))

	// Provisional contributions never push verification past the cap.
	for _, id := range []feature.ID{feature.TeamStrength, feature.FounderVelocity} {
		f, ok := res.Snapshot.Features[id]
		require.True(t, ok, "lifted feature %s missing from snapshot", id)
		assert.InDelta(t, 0.25, f.Verification, 1e-12)
		assert.LessOrEqual(t, f.Verification, 0.35)
	}

	snaps, err := db.Snapshots().List(ctx, "subj-1", 10)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	assert.Equal(t, testNow.Add(14*24*time.Hour), res.NextSteps.Deadline)
	assert.NotEmpty(t, res.NextSteps.Requirements)
}

func TestSubmitActionRejectsUnknownType(t *testing.T) {
	_, orch := newTestOrchestrator(t)

	_, err := orch.SubmitAction(context.Background(), SubmitActionInput{
		Subject: "subj-1",
		Type:    action.Type("customer_closed"),
		Impact:  action.ImpactLow,
	})
	require.Error(t, err)
	cat, ok := engine.CategoryOf(err)
	require.True(t, ok)
	assert.Equal(t, engine.CategoryValidation, cat)
}

func TestEvidencePathToVerifiedLift(t *testing.T) {
	db, orch := newTestOrchestrator(t)
	ctx := context.Background()

	res, err := orch.SubmitAction(ctx, SubmitActionInput{
		Subject: "subj-1",
		Type:    action.TypeHiring,
		Title:   "Hired founding engineer",
		Impact:  action.ImpactLow,
	})
	require.NoError(t, err)
	actionID := res.Action.ID

	// First evidence: boost only, nothing discharged.
	ev1, err := orch.SubmitEvidence(ctx, SubmitEvidenceInput{
		Subject:  "subj-1",
		ActionID: &actionID,
		Type:     action.EvidenceOAuthConnector,
		Ref:      action.Ref{"provider": "gusto"},
	})
	require.NoError(t, err)
	require.Len(t, ev1.Updates, 1)
	assert.InDelta(t, 0.50, ev1.Updates[0].State.Verification, 1e-9)
	assert.Equal(t, feature.TierSoftVerified, ev1.Updates[0].State.Tier)
	assert.False(t, ev1.Updates[0].State.Satisfied)
	assert.Nil(t, ev1.Updates[0].Snapshot)

	// Second evidence discharges the upload requirement.
	ev2, err := orch.SubmitEvidence(ctx, SubmitEvidenceInput{
		Subject:  "subj-1",
		ActionID: &actionID,
		Type:     action.EvidenceDocumentUpload,
	})
	require.NoError(t, err)
	require.Len(t, ev2.Updates, 1)
	assert.InDelta(t, 0.70, ev2.Updates[0].State.Verification, 1e-9)
	require.Len(t, ev2.Updates[0].State.Missing, 1)
	assert.False(t, ev2.Updates[0].State.Satisfied)

	// Third evidence empties the checklist and crosses the target; the
	// verified lift runs and moves the canonical score.
	ev3, err := orch.SubmitEvidence(ctx, SubmitEvidenceInput{
		Subject:  "subj-1",
		ActionID: &actionID,
		Type:     action.EvidencePublicLink,
	})
	require.NoError(t, err)
	require.Len(t, ev3.Updates, 1)
	assert.True(t, ev3.Updates[0].State.Satisfied)
	require.NotNil(t, ev3.Updates[0].Snapshot)
	assert.Greater(t, ev3.Updates[0].Snapshot.CanonicalTotal, 0.0)
	assert.Equal(t, persistence.TriggerVerificationUpgrade, ev3.Updates[0].Snapshot.Trigger)

	act, err := db.Actions().Get(ctx, actionID)
	require.NoError(t, err)
	assert.Equal(t, action.StatusVerified, act.Status)
	require.NotNil(t, act.VerifiedDeltaID)
	assert.Equal(t, ev3.Updates[0].Snapshot.ID, *act.VerifiedDeltaID)
}

func TestSubmitEvidenceMatcherLinksAction(t *testing.T) {
	db, orch := newTestOrchestrator(t)
	ctx := context.Background()

	res, err := orch.SubmitAction(ctx, SubmitActionInput{
		Subject: "subj-1",
		Type:    action.TypeRevenue,
		Title:   "Closed Acme",
		Impact:  action.ImpactMedium,
		Fields:  action.Fields{"customerName": "Acme Corp", "mrrDeltaUsd": 4000.0},
	})
	require.NoError(t, err)

	usd := 4100.0
	out, err := orch.SubmitEvidence(ctx, SubmitEvidenceInput{
		Subject: "subj-1",
		Type:    action.EvidenceDocumentUpload,
		Extracted: &action.Extracted{
			Amounts:  &action.Amounts{USD: &usd},
			Entities: &action.Entities{Customer: "Acme Corp"},
		},
	})
	require.NoError(t, err)
	require.Len(t, out.MatchedActions, 1)
	assert.Equal(t, res.Action.ID, out.MatchedActions[0].Action.ID)

	stored, err := db.Evidence().Get(ctx, out.Evidence.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ActionID)
	assert.Equal(t, res.Action.ID, *stored.ActionID)
}

type failingExtractor struct{}

func (failingExtractor) Extract(ctx context.Context, t action.EvidenceType, ref action.Ref) (*action.Extracted, error) {
	return nil, errors.New("connector backend unavailable")
}

func TestSubmitEvidenceSurvivesExtractionFailure(t *testing.T) {
	db, orch := newTestOrchestrator(t, WithExtractor(failingExtractor{}))
	ctx := context.Background()

	out, err := orch.SubmitEvidence(ctx, SubmitEvidenceInput{
		Subject: "subj-1",
		Type:    action.EvidenceScreenshot,
	})
	require.NoError(t, err, "extraction failure must not fail intake")
	assert.Nil(t, out.Evidence.Extracted)

	stored, err := db.Evidence().Get(ctx, out.Evidence.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Nil(t, stored.Extracted)
}

func TestUpgradeVerificationToTrusted(t *testing.T) {
	db, orch := newTestOrchestrator(t)
	ctx := context.Background()

	res, err := orch.SubmitAction(ctx, SubmitActionInput{
		Subject: "subj-1",
		Type:    action.TypeRevenue,
		Title:   "Closed enterprise deal",
		Impact:  action.ImpactMedium,
	})
	require.NoError(t, err)

	snap, err := orch.UpgradeVerification(ctx, res.Action.ID, feature.TierTrusted)
	require.NoError(t, err)
	assert.Greater(t, snap.CanonicalTotal, 0.0)

	f, ok := snap.Features[feature.Traction]
	require.True(t, ok)
	assert.Equal(t, feature.TierTrusted, f.Tier)
	assert.InDelta(t, 1.0, f.Verification, 1e-12)

	act, err := db.Actions().Get(ctx, res.Action.ID)
	require.NoError(t, err)
	assert.Equal(t, action.StatusVerified, act.Status)

	state, err := db.VerificationStates().Get(ctx, res.Action.ID)
	require.NoError(t, err)
	assert.True(t, state.Satisfied)
	assert.Equal(t, feature.TierTrusted, state.Tier)
}

func TestResolveInconsistency(t *testing.T) {
	db, orch := newTestOrchestrator(t)
	ctx := context.Background()

	seed := feature.New("subj-1", feature.Traction, testNow.Add(-time.Hour))
	seed.Norm = 0.5
	seed.Weight = 3.0
	seed.Confidence = 0.8
	seed.Verification = 0.9
	seed.Tier = feature.TierVerified
	seed.Raw = map[string]interface{}{"flags": []string{blockers.FlagInconsistentClaims}}
	require.NoError(t, db.Features().Append(ctx, seed))

	fv := feature.New("subj-1", feature.FounderVelocity, testNow.Add(-time.Hour))
	fv.Norm = 0.4
	fv.Verification = 0.9
	require.NoError(t, db.Features().Append(ctx, fv))

	snap, _, err := orch.RecomputeSnapshot(ctx, "subj-1", persistence.TriggerSystem, nil)
	require.NoError(t, err)
	require.True(t, hasBlocker(snap.Blockers, blockers.InconsistencyDetected))

	active, err := db.Blockers().ListActive(ctx, "subj-1")
	require.NoError(t, err)
	require.True(t, hasActive(active, blockers.InconsistencyDetected))

	res, err := orch.SubmitAction(ctx, SubmitActionInput{
		Subject: "subj-1",
		Type:    action.TypeMilestone,
		Title:   "Clarified revenue reporting",
		Impact:  action.ImpactMedium,
	})
	require.NoError(t, err)

	out, err := orch.ResolveInconsistency(ctx, ResolveInconsistencyInput{
		ActionID:    res.Action.ID,
		Explanation: "duplicate ledger entry, corrected upstream",
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.40, out.State.Verification, 1e-9)
	assert.Nil(t, out.Snapshot, "checklist still open, no verified lift")

	active, err = db.Blockers().ListActive(ctx, "subj-1")
	require.NoError(t, err)
	assert.False(t, hasActive(active, blockers.InconsistencyDetected))

	// The flag was cleared from the feature rows, so a later recompute does
	// not re-fire the blocker the curator just resolved.
	snap2, _, err := orch.RecomputeSnapshot(ctx, "subj-1", persistence.TriggerSystem, nil)
	require.NoError(t, err)
	assert.False(t, hasBlocker(snap2.Blockers, blockers.InconsistencyDetected))
}

func TestRecomputeIdempotentUnderFixedClock(t *testing.T) {
	_, orch := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := orch.SubmitAction(ctx, SubmitActionInput{
		Subject: "subj-1",
		Type:    action.TypePress,
		Title:   "TechCrunch coverage",
		Impact:  action.ImpactLow,
	})
	require.NoError(t, err)

	first, _, err := orch.RecomputeSnapshot(ctx, "subj-1", persistence.TriggerSystem, nil)
	require.NoError(t, err)
	second, _, err := orch.RecomputeSnapshot(ctx, "subj-1", persistence.TriggerSystem, nil)
	require.NoError(t, err)

	assert.InDelta(t, 0.0, second.DeltaTotal, 1e-9)
	assert.InDelta(t, first.SignalTotal, second.SignalTotal, 1e-9)
	assert.Equal(t, first.Blockers, second.Blockers)

	require.NotNil(t, second.PrevSnapshotID)
	assert.Equal(t, first.ID, *second.PrevSnapshotID)
	assert.True(t, second.AsOf.After(first.AsOf), "as_of stays strictly monotonic under a fixed clock")
}
