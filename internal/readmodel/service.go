// Package readmodel serves the query side: latest scores, snapshot
// history, and the active-blocker projection. Reads never mutate; hot
// lookups are cached with a short TTL.
package readmodel

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/foundersignal/godscore/internal/cache"
	"github.com/foundersignal/godscore/internal/domain/delta"
	"github.com/foundersignal/godscore/internal/engine"
	"github.com/foundersignal/godscore/internal/persistence"
)

const defaultTTL = 30 * time.Second

// Service is the read-side facade over the store.
type Service struct {
	db    persistence.Store
	cache cache.Cache
	ttl   time.Duration
}

// New creates a read service with the default cache TTL.
func New(db persistence.Store, c cache.Cache) *Service {
	return &Service{db: db, cache: c, ttl: defaultTTL}
}

// Summary is the compact score projection callers poll.
type Summary struct {
	Subject        string                      `json:"subject"`
	AsOf           time.Time                   `json:"as_of"`
	SignalTotal    float64                     `json:"signal_total"`
	CanonicalTotal float64                     `json:"canonical_total"`
	DeltaTotal     float64                     `json:"delta_total"`
	TopMovers      []delta.Contribution        `json:"top_movers"`
	Blockers       []persistence.ActiveBlocker `json:"blockers"`
}

// LatestSnapshot returns the subject's newest snapshot, cached.
func (s *Service) LatestSnapshot(ctx context.Context, subject string) (*persistence.Snapshot, error) {
	key := "snapshot:latest:" + subject
	if b, ok := s.cache.Get(key); ok {
		var snap persistence.Snapshot
		if err := json.Unmarshal(b, &snap); err == nil {
			return &snap, nil
		}
		// A corrupt cache entry is dropped, not fatal.
		log.Warn().Str("subject", subject).Msg("dropping undecodable cache entry")
		s.cache.Delete(key)
	}

	snap, err := s.db.Snapshots().Latest(ctx, subject)
	if err != nil {
		return nil, engine.StoreFailure(err)
	}
	if snap == nil {
		return nil, engine.NotFound("snapshot_not_found", "no snapshots for subject %s", subject)
	}
	if b, err := json.Marshal(snap); err == nil {
		s.cache.Set(key, b, s.ttl)
	}
	return snap, nil
}

// Snapshot retrieves one snapshot by id.
func (s *Service) Snapshot(ctx context.Context, id string) (*persistence.Snapshot, error) {
	snap, err := s.db.Snapshots().Get(ctx, id)
	if err != nil {
		return nil, engine.StoreFailure(err)
	}
	if snap == nil {
		return nil, engine.NotFound("snapshot_not_found", "snapshot %s not found", id)
	}
	return snap, nil
}

// History lists a subject's snapshots, newest first.
func (s *Service) History(ctx context.Context, subject string, limit int) ([]persistence.Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	out, err := s.db.Snapshots().List(ctx, subject, limit)
	if err != nil {
		return nil, engine.StoreFailure(err)
	}
	return out, nil
}

// ActiveBlockers lists the subject's currently active blockers.
func (s *Service) ActiveBlockers(ctx context.Context, subject string) ([]persistence.ActiveBlocker, error) {
	out, err := s.db.Blockers().ListActive(ctx, subject)
	if err != nil {
		return nil, engine.StoreFailure(err)
	}
	return out, nil
}

// Actions lists a subject's action events, newest first.
func (s *Service) Actions(ctx context.Context, subject string, limit int) ([]persistence.ActionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	out, err := s.db.Actions().ListBySubject(ctx, subject, limit)
	if err != nil {
		return nil, engine.StoreFailure(err)
	}
	return out, nil
}

// Score assembles the summary projection from the latest snapshot and the
// blocker projection.
func (s *Service) Score(ctx context.Context, subject string) (*Summary, error) {
	snap, err := s.LatestSnapshot(ctx, subject)
	if err != nil {
		return nil, err
	}
	active, err := s.ActiveBlockers(ctx, subject)
	if err != nil {
		return nil, err
	}
	return &Summary{
		Subject:        snap.Subject,
		AsOf:           snap.AsOf,
		SignalTotal:    snap.SignalTotal,
		CanonicalTotal: snap.CanonicalTotal,
		DeltaTotal:     snap.DeltaTotal,
		TopMovers:      snap.TopMovers,
		Blockers:       active,
	}, nil
}

// Invalidate drops the subject's cached projection after a mutation.
func (s *Service) Invalidate(subject string) {
	s.cache.Delete("snapshot:latest:" + subject)
}
