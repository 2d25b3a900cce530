package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundersignal/godscore/internal/domain/blockers"
	"github.com/foundersignal/godscore/internal/domain/delta"
	"github.com/foundersignal/godscore/internal/domain/feature"
	"github.com/foundersignal/godscore/internal/engine"
	"github.com/foundersignal/godscore/internal/persistence"
	"github.com/foundersignal/godscore/internal/persistence/memory"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*memory.Store, *Store) {
	t.Helper()
	db := memory.New()
	provider := engine.StaticProvider(engine.Default())
	return db, NewStore(db, provider, WithClock(func() time.Time { return testNow }))
}

func seedFeature(t *testing.T, db *memory.Store, id feature.ID, norm, weight, verification float64) {
	t.Helper()
	f := feature.New("subj-1", id, testNow.Add(-time.Hour))
	f.Norm = norm
	f.Weight = weight
	f.Verification = verification
	require.NoError(t, db.Features().Append(context.Background(), f))
}

func TestRecomputeFirstSnapshot(t *testing.T) {
	db, store := newTestStore(t)
	seedFeature(t, db, feature.Traction, 0.6, 3.0, 0.85)

	snap, d, err := store.Recompute(context.Background(), "subj-1", persistence.TriggerSystem, nil)
	require.NoError(t, err)

	assert.Nil(t, snap.PrevSnapshotID)
	assert.Greater(t, snap.SignalTotal, 0.0)
	assert.InDelta(t, snap.SignalTotal, snap.DeltaTotal, 1e-12,
		"first snapshot's delta is the full signal")
	assert.Zero(t, snap.CanonicalTotal)
	assert.Equal(t, persistence.TriggerSystem, snap.Trigger)
	assert.Equal(t, d.NextTotal, snap.SignalTotal)
}

func TestRecomputeEmptySubjectAggregates(t *testing.T) {
	_, store := newTestStore(t)

	snap, _, err := store.Recompute(context.Background(), "ghost", persistence.TriggerSystem, nil)
	require.NoError(t, err)

	assert.Zero(t, snap.SignalTotal)
	assert.Zero(t, snap.DeltaTotal)
	assert.InDelta(t, 0.5, snap.AvgConfidence, 1e-12)
	assert.InDelta(t, 0.2, snap.AvgVerification, 1e-12)
	assert.InDelta(t, 1.0, snap.AvgFreshness, 1e-12)
}

func TestRecomputeChainsSnapshots(t *testing.T) {
	db, store := newTestStore(t)
	seedFeature(t, db, feature.Traction, 0.6, 3.0, 0.85)
	ctx := context.Background()

	first, _, err := store.Recompute(ctx, "subj-1", persistence.TriggerSystem, nil)
	require.NoError(t, err)
	second, _, err := store.Recompute(ctx, "subj-1", persistence.TriggerSystem, nil)
	require.NoError(t, err)

	require.NotNil(t, second.PrevSnapshotID)
	assert.Equal(t, first.ID, *second.PrevSnapshotID)
	assert.True(t, second.AsOf.After(first.AsOf))
}

func TestRecomputeCanonicalFnClamped(t *testing.T) {
	db, store := newTestStore(t)
	seedFeature(t, db, feature.Traction, 0.6, 3.0, 0.85)
	ctx := context.Background()

	var snap *persistence.Snapshot
	err := db.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		var err error
		snap, _, err = store.RecomputeIn(ctx, tx, "subj-1", persistence.TriggerVerificationUpgrade, nil,
			func(prev float64, d delta.Result) float64 { return prev + 250 })
		return err
	})
	require.NoError(t, err)
	assert.InDelta(t, 100.0, snap.CanonicalTotal, 1e-12, "canonical clamps to the configured range")
}

func TestRecomputeCarriesCanonicalForward(t *testing.T) {
	db, store := newTestStore(t)
	seedFeature(t, db, feature.Traction, 0.6, 3.0, 0.85)
	ctx := context.Background()

	err := db.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		_, _, err := store.RecomputeIn(ctx, tx, "subj-1", persistence.TriggerVerificationUpgrade, nil,
			func(prev float64, d delta.Result) float64 { return prev + 3.5 })
		return err
	})
	require.NoError(t, err)

	snap, _, err := store.Recompute(ctx, "subj-1", persistence.TriggerSystem, nil)
	require.NoError(t, err)
	assert.InDelta(t, 3.5, snap.CanonicalTotal, 1e-12,
		"a nil canonical fn carries the predecessor's value")
}

func TestBlockerProjectionUpsertAndResolve(t *testing.T) {
	db, store := newTestStore(t)
	ctx := context.Background()

	flagged := feature.New("subj-1", feature.Traction, testNow.Add(-time.Hour))
	flagged.Norm = 0.5
	flagged.Weight = 3.0
	flagged.Verification = 0.9
	flagged.Raw = map[string]interface{}{"flags": []string{blockers.FlagInconsistentClaims}}
	require.NoError(t, db.Features().Append(ctx, flagged))

	fv := feature.New("subj-1", feature.FounderVelocity, testNow.Add(-time.Hour))
	fv.Verification = 0.9
	require.NoError(t, db.Features().Append(ctx, fv))

	_, _, err := store.Recompute(ctx, "subj-1", persistence.TriggerSystem, nil)
	require.NoError(t, err)

	active, err := db.Blockers().ListActive(ctx, "subj-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, blockers.InconsistencyDetected, active[0].BlockerID)
	assert.Equal(t, blockers.SeverityHard, active[0].Severity)

	// Clearing the flag resolves the projection on the next recompute.
	cleared := flagged
	cleared.MeasuredAt = testNow
	cleared.Raw = nil
	require.NoError(t, db.Features().Append(ctx, cleared))

	_, _, err = store.Recompute(ctx, "subj-1", persistence.TriggerSystem, nil)
	require.NoError(t, err)

	active, err = db.Blockers().ListActive(ctx, "subj-1")
	require.NoError(t, err)
	assert.Empty(t, active)
}
