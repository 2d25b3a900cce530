// Package snapshot owns the score snapshot log and the active-blocker
// projection. Recompute is the single write path: it resolves the current
// feature set, decomposes the delta against the latest snapshot, evaluates
// blockers, appends exactly one immutable snapshot, and refreshes the
// projection in the same transaction.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/foundersignal/godscore/internal/domain/blockers"
	"github.com/foundersignal/godscore/internal/domain/delta"
	"github.com/foundersignal/godscore/internal/domain/feature"
	"github.com/foundersignal/godscore/internal/engine"
	"github.com/foundersignal/godscore/internal/metrics"
	"github.com/foundersignal/godscore/internal/persistence"
)

// Aggregate defaults applied when the current feature set is empty.
const (
	emptyAvgConfidence   = 0.5
	emptyAvgVerification = 0.2
	emptyAvgFreshness    = 1.0
)

// CanonicalFn decides the canonical total of the snapshot being appended,
// given the predecessor's canonical total and the computed delta. A nil fn
// carries the predecessor's canonical forward unchanged.
type CanonicalFn func(prevCanonical float64, d delta.Result) float64

// Store drives recomputations against a persistence store.
type Store struct {
	db      persistence.Store
	cfg     *engine.Provider
	clock   func() time.Time
	metrics *metrics.Set
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithMetrics attaches a collector set.
func WithMetrics(m *metrics.Set) Option {
	return func(s *Store) { s.metrics = m }
}

// NewStore creates a snapshot store over db with the given config provider.
func NewStore(db persistence.Store, cfg *engine.Provider, opts ...Option) *Store {
	s := &Store{
		db:      db,
		cfg:     cfg,
		clock:   time.Now,
		metrics: metrics.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Recompute runs one recomputation in its own transaction. The canonical
// total is carried forward from the predecessor.
func (s *Store) Recompute(ctx context.Context, subject, trigger string, triggerRef *string) (*persistence.Snapshot, *delta.Result, error) {
	var (
		snap *persistence.Snapshot
		d    *delta.Result
	)
	err := s.db.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		var err error
		snap, d, err = s.RecomputeIn(ctx, tx, subject, trigger, triggerRef, nil)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return snap, d, nil
}

// RecomputeIn runs one recomputation inside the caller's transaction so it
// can be combined with action and verification-state mutations atomically.
func (s *Store) RecomputeIn(ctx context.Context, tx persistence.Tx, subject, trigger string, triggerRef *string, canonical CanonicalFn) (*persistence.Snapshot, *delta.Result, error) {
	started := s.clock()

	cfg, err := s.cfg.Current()
	if err != nil {
		return nil, nil, engine.StoreFailure(err)
	}

	now := s.clock()

	prev, err := tx.Snapshots().Latest(ctx, subject)
	if err != nil {
		return nil, nil, storeErr(err)
	}

	// as_of is strictly monotonic per subject; a fixed or coarse clock
	// falls back to insertion order via a nanosecond bump.
	if prev != nil && !now.After(prev.AsOf) {
		now = prev.AsOf.Add(time.Nanosecond)
	}

	current, err := tx.Features().Current(ctx, subject, now)
	if err != nil {
		return nil, nil, storeErr(err)
	}

	prevFeatures := map[feature.ID]feature.Feature{}
	prevCanonical := 0.0
	var prevID *string
	if prev != nil {
		prevFeatures = prev.Features
		prevCanonical = prev.CanonicalTotal
		prevID = &prev.ID
	}

	d := delta.Compute(prevFeatures, current, now, cfg.DeltaConfig())
	bs := blockers.Evaluate(current, d.TopMovers, now, cfg.Blockers)

	canonicalTotal := prevCanonical
	if canonical != nil {
		canonicalTotal = feature.Clamp(canonical(prevCanonical, d), cfg.ClampMin, cfg.ClampMax)
	}

	avgConfidence, avgVerification, avgFreshness := aggregates(current, now, cfg.FreshnessHalfLifeDays)

	snap := persistence.Snapshot{
		ID:              uuid.NewString(),
		Subject:         subject,
		AsOf:            now,
		Features:        current,
		SignalTotal:     d.NextTotal,
		CanonicalTotal:  canonicalTotal,
		AvgConfidence:   avgConfidence,
		AvgVerification: avgVerification,
		AvgFreshness:    avgFreshness,
		DeltaTotal:      d.DeltaTotal,
		Contributions:   d.Contributions,
		TopMovers:       d.TopMovers,
		Blockers:        bs,
		PrevSnapshotID:  prevID,
		Trigger:         trigger,
		TriggerRefID:    triggerRef,
		CreatedAt:       now,
	}

	if err := tx.Snapshots().Append(ctx, snap); err != nil {
		return nil, nil, storeErr(err)
	}
	if err := s.refreshBlockerProjection(ctx, tx, subject, bs, now); err != nil {
		return nil, nil, err
	}

	s.observe(subject, trigger, d, bs, started)

	log.Debug().
		Str("subject", subject).
		Str("trigger", trigger).
		Float64("signal_total", d.NextTotal).
		Float64("delta_total", d.DeltaTotal).
		Int("blockers", len(bs)).
		Msg("snapshot appended")

	return &snap, &d, nil
}

// refreshBlockerProjection reconciles active_blockers with the snapshot's
// blocker set: resolve what no longer fires, upsert what does. Idempotent.
func (s *Store) refreshBlockerProjection(ctx context.Context, tx persistence.Tx, subject string, bs []blockers.Blocker, now time.Time) error {
	active, err := tx.Blockers().ListActive(ctx, subject)
	if err != nil {
		return storeErr(err)
	}

	firing := make(map[blockers.ID]bool, len(bs))
	for _, b := range bs {
		firing[b.ID] = true
	}

	for _, a := range active {
		if !firing[a.BlockerID] {
			if err := tx.Blockers().Resolve(ctx, subject, a.BlockerID, now); err != nil {
				return storeErr(err)
			}
		}
	}

	for _, b := range bs {
		row := persistence.ActiveBlocker{
			Subject:          subject,
			BlockerID:        b.ID,
			Severity:         b.Severity,
			Message:          b.Message,
			FixPath:          b.FixPath,
			AffectedFeatures: b.AffectedFeatures,
			IsActive:         true,
			UpdatedAt:        now,
		}
		if err := tx.Blockers().Upsert(ctx, row); err != nil {
			return storeErr(err)
		}
	}
	return nil
}

func (s *Store) observe(subject, trigger string, d delta.Result, bs []blockers.Blocker, started time.Time) {
	s.metrics.SnapshotsTotal.WithLabelValues(trigger).Inc()
	s.metrics.RecomputeDuration.WithLabelValues(trigger).Observe(s.clock().Sub(started).Seconds())
	s.metrics.SignalTotal.WithLabelValues(subject).Set(d.NextTotal)

	var hard, soft float64
	for _, b := range bs {
		if b.Severity == blockers.SeverityHard {
			hard++
		} else {
			soft++
		}
	}
	s.metrics.ActiveBlockers.WithLabelValues(string(blockers.SeverityHard)).Set(hard)
	s.metrics.ActiveBlockers.WithLabelValues(string(blockers.SeveritySoft)).Set(soft)
}

func aggregates(features map[feature.ID]feature.Feature, now time.Time, halfLife float64) (conf, ver, fresh float64) {
	if len(features) == 0 {
		return emptyAvgConfidence, emptyAvgVerification, emptyAvgFreshness
	}
	n := float64(len(features))
	for _, f := range features {
		p := feature.ContributionParts(f, now, halfLife)
		conf += p.Confidence
		ver += p.Verification
		fresh += p.Freshness
	}
	return conf / n, ver / n, fresh / n
}

// storeErr passes engine errors through and wraps everything else as a
// store failure.
func storeErr(err error) error {
	var e *engine.Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return engine.StoreFailure(err)
}
