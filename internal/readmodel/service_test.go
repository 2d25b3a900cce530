package readmodel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundersignal/godscore/internal/cache"
	"github.com/foundersignal/godscore/internal/engine"
	"github.com/foundersignal/godscore/internal/persistence"
	"github.com/foundersignal/godscore/internal/persistence/memory"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func seedSnapshot(t *testing.T, db *memory.Store, id string, signal float64, prev *string) {
	t.Helper()
	require.NoError(t, db.Snapshots().Append(context.Background(), persistence.Snapshot{
		ID:             id,
		Subject:        "subj-1",
		AsOf:           testNow.Add(time.Duration(signal) * time.Second),
		SignalTotal:    signal,
		PrevSnapshotID: prev,
		Trigger:        persistence.TriggerSystem,
		CreatedAt:      testNow,
	}))
}

func TestLatestSnapshotNotFound(t *testing.T) {
	svc := New(memory.New(), cache.New())

	_, err := svc.LatestSnapshot(context.Background(), "ghost")
	require.Error(t, err)
	cat, ok := engine.CategoryOf(err)
	require.True(t, ok)
	assert.Equal(t, engine.CategoryNotFound, cat)
}

func TestLatestSnapshotCached(t *testing.T) {
	db := memory.New()
	svc := New(db, cache.New())
	ctx := context.Background()

	seedSnapshot(t, db, "snap-1", 10, nil)

	first, err := svc.LatestSnapshot(ctx, "subj-1")
	require.NoError(t, err)
	assert.Equal(t, "snap-1", first.ID)

	// A newer snapshot is invisible until the cache entry is dropped.
	prev := "snap-1"
	seedSnapshot(t, db, "snap-2", 20, &prev)

	cached, err := svc.LatestSnapshot(ctx, "subj-1")
	require.NoError(t, err)
	assert.Equal(t, "snap-1", cached.ID)

	svc.Invalidate("subj-1")
	fresh, err := svc.LatestSnapshot(ctx, "subj-1")
	require.NoError(t, err)
	assert.Equal(t, "snap-2", fresh.ID)
}

func TestScoreAssemblesSummary(t *testing.T) {
	db := memory.New()
	svc := New(db, cache.New())
	ctx := context.Background()

	seedSnapshot(t, db, "snap-1", 42, nil)
	require.NoError(t, db.Blockers().Upsert(ctx, persistence.ActiveBlocker{
		Subject: "subj-1", BlockerID: "recency_gap", IsActive: true, UpdatedAt: testNow,
	}))

	summary, err := svc.Score(ctx, "subj-1")
	require.NoError(t, err)
	assert.Equal(t, "subj-1", summary.Subject)
	assert.Equal(t, 42.0, summary.SignalTotal)
	require.Len(t, summary.Blockers, 1)
}

func TestHistoryNewestFirst(t *testing.T) {
	db := memory.New()
	svc := New(db, cache.New())
	ctx := context.Background()

	seedSnapshot(t, db, "snap-1", 1, nil)
	prev := "snap-1"
	seedSnapshot(t, db, "snap-2", 2, &prev)

	snaps, err := svc.History(ctx, "subj-1", 0)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "snap-2", snaps[0].ID)
}
