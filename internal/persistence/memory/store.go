// Package memory is an in-process implementation of the persistence store.
// It backs unit tests and offline runs; semantics mirror the postgres
// implementation including the snapshot prev-pointer concurrency check and
// transactional rollback.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/foundersignal/godscore/internal/domain/action"
	"github.com/foundersignal/godscore/internal/domain/blockers"
	"github.com/foundersignal/godscore/internal/domain/feature"
	"github.com/foundersignal/godscore/internal/engine"
	"github.com/foundersignal/godscore/internal/persistence"
)

type data struct {
	features  map[string][]feature.Feature
	snapshots map[string][]persistence.Snapshot
	byID      map[string]persistence.Snapshot
	actions   map[string]persistence.ActionEvent
	evidence  map[string]persistence.EvidenceArtifact
	states    map[string]persistence.VerificationState
	blockers  map[string]map[blockers.ID]persistence.ActiveBlocker
}

func newData() *data {
	return &data{
		features:  make(map[string][]feature.Feature),
		snapshots: make(map[string][]persistence.Snapshot),
		byID:      make(map[string]persistence.Snapshot),
		actions:   make(map[string]persistence.ActionEvent),
		evidence:  make(map[string]persistence.EvidenceArtifact),
		states:    make(map[string]persistence.VerificationState),
		blockers:  make(map[string]map[blockers.ID]persistence.ActiveBlocker),
	}
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.features {
		c.features[k] = append([]feature.Feature(nil), v...)
	}
	for k, v := range d.snapshots {
		c.snapshots[k] = append([]persistence.Snapshot(nil), v...)
	}
	for k, v := range d.byID {
		c.byID[k] = v
	}
	for k, v := range d.actions {
		c.actions[k] = v
	}
	for k, v := range d.evidence {
		c.evidence[k] = v
	}
	for k, v := range d.states {
		c.states[k] = v
	}
	for k, v := range d.blockers {
		m := make(map[blockers.ID]persistence.ActiveBlocker, len(v))
		for id, b := range v {
			m[id] = b
		}
		c.blockers[k] = m
	}
	return c
}

// Store is the in-memory persistence.Store.
type Store struct {
	mu   sync.Mutex
	data *data
}

// New returns an empty store.
func New() *Store {
	return &Store{data: newData()}
}

// view gives repositories access to the live data, locking per call unless
// running inside a transaction that already holds the store lock.
type view struct {
	mu  *sync.Mutex
	get func() *data
}

func (v view) do(ctx context.Context, fn func(d *data) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if v.mu != nil {
		v.mu.Lock()
		defer v.mu.Unlock()
	}
	return fn(v.get())
}

func (s *Store) base() view {
	return view{mu: &s.mu, get: func() *data { return s.data }}
}

func (s *Store) Features() persistence.FeatureRepo           { return &featureRepo{s.base()} }
func (s *Store) Snapshots() persistence.SnapshotRepo         { return &snapshotRepo{s.base()} }
func (s *Store) Actions() persistence.ActionRepo             { return &actionRepo{s.base()} }
func (s *Store) Evidence() persistence.EvidenceRepo          { return &evidenceRepo{s.base()} }
func (s *Store) VerificationStates() persistence.VerificationRepo { return &verificationRepo{s.base()} }
func (s *Store) Blockers() persistence.BlockerRepo           { return &blockerRepo{s.base()} }

// WithinTx runs fn against a working copy of the data and swaps it in only
// when fn succeeds; any error discards the copy.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx persistence.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.data.clone()
	if err := fn(ctx, &txView{d: work}); err != nil {
		return err
	}
	s.data = work
	return nil
}

type txView struct {
	d *data
}

func (t *txView) view() view {
	return view{get: func() *data { return t.d }}
}

func (t *txView) Features() persistence.FeatureRepo           { return &featureRepo{t.view()} }
func (t *txView) Snapshots() persistence.SnapshotRepo         { return &snapshotRepo{t.view()} }
func (t *txView) Actions() persistence.ActionRepo             { return &actionRepo{t.view()} }
func (t *txView) Evidence() persistence.EvidenceRepo          { return &evidenceRepo{t.view()} }
func (t *txView) VerificationStates() persistence.VerificationRepo { return &verificationRepo{t.view()} }
func (t *txView) Blockers() persistence.BlockerRepo           { return &blockerRepo{t.view()} }

type featureRepo struct{ v view }

func (r *featureRepo) Append(ctx context.Context, f feature.Feature) error {
	return r.v.do(ctx, func(d *data) error {
		d.features[f.Subject] = append(d.features[f.Subject], f)
		return nil
	})
}

func (r *featureRepo) Current(ctx context.Context, subject string, asOf time.Time) (map[feature.ID]feature.Feature, error) {
	out := make(map[feature.ID]feature.Feature)
	err := r.v.do(ctx, func(d *data) error {
		for _, f := range d.features[subject] {
			if f.MeasuredAt.After(asOf) {
				continue
			}
			// Ties on measured_at resolve to the latest-appended row,
			// matching the postgres ORDER BY measured_at DESC, id DESC.
			cur, ok := out[f.ID]
			if !ok || !f.MeasuredAt.Before(cur.MeasuredAt) {
				out[f.ID] = f
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *featureRepo) History(ctx context.Context, subject string, id feature.ID, limit int) ([]feature.Feature, error) {
	var out []feature.Feature
	err := r.v.do(ctx, func(d *data) error {
		for _, f := range d.features[subject] {
			if f.ID == id {
				out = append(out, f)
			}
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].MeasuredAt.After(out[j].MeasuredAt) })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type snapshotRepo struct{ v view }

func (r *snapshotRepo) Append(ctx context.Context, s persistence.Snapshot) error {
	return r.v.do(ctx, func(d *data) error {
		log := d.snapshots[s.Subject]
		var latestID *string
		if len(log) > 0 {
			latestID = &log[len(log)-1].ID
		}
		if !ptrEq(s.PrevSnapshotID, latestID) {
			return engine.Concurrency("snapshot_conflict",
				"snapshot prev pointer does not match latest for subject %s", s.Subject)
		}
		d.snapshots[s.Subject] = append(log, s)
		d.byID[s.ID] = s
		return nil
	})
}

func (r *snapshotRepo) Latest(ctx context.Context, subject string) (*persistence.Snapshot, error) {
	var out *persistence.Snapshot
	err := r.v.do(ctx, func(d *data) error {
		log := d.snapshots[subject]
		if len(log) > 0 {
			s := log[len(log)-1]
			out = &s
		}
		return nil
	})
	return out, err
}

func (r *snapshotRepo) Get(ctx context.Context, id string) (*persistence.Snapshot, error) {
	var out *persistence.Snapshot
	err := r.v.do(ctx, func(d *data) error {
		if s, ok := d.byID[id]; ok {
			out = &s
		}
		return nil
	})
	return out, err
}

func (r *snapshotRepo) List(ctx context.Context, subject string, limit int) ([]persistence.Snapshot, error) {
	var out []persistence.Snapshot
	err := r.v.do(ctx, func(d *data) error {
		log := d.snapshots[subject]
		for i := len(log) - 1; i >= 0; i-- {
			out = append(out, log[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

type actionRepo struct{ v view }

func (r *actionRepo) Insert(ctx context.Context, a persistence.ActionEvent) error {
	return r.v.do(ctx, func(d *data) error {
		d.actions[a.ID] = a
		return nil
	})
}

func (r *actionRepo) Get(ctx context.Context, id string) (*persistence.ActionEvent, error) {
	var out *persistence.ActionEvent
	err := r.v.do(ctx, func(d *data) error {
		if a, ok := d.actions[id]; ok {
			out = &a
		}
		return nil
	})
	return out, err
}

func (r *actionRepo) Update(ctx context.Context, a persistence.ActionEvent) error {
	return r.v.do(ctx, func(d *data) error {
		if _, ok := d.actions[a.ID]; !ok {
			return engine.NotFound("action_not_found", "action %s does not exist", a.ID)
		}
		d.actions[a.ID] = a
		return nil
	})
}

func (r *actionRepo) ListCandidates(ctx context.Context, subject string, statuses []action.Status, since time.Time) ([]persistence.ActionEvent, error) {
	allowed := make(map[action.Status]bool, len(statuses))
	for _, s := range statuses {
		allowed[s] = true
	}
	var out []persistence.ActionEvent
	err := r.v.do(ctx, func(d *data) error {
		for _, a := range d.actions {
			if a.Subject == subject && allowed[a.Status] && !a.OccurredAt.Before(since) {
				out = append(out, a)
			}
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
		return nil
	})
	return out, err
}

func (r *actionRepo) ListBySubject(ctx context.Context, subject string, limit int) ([]persistence.ActionEvent, error) {
	var out []persistence.ActionEvent
	err := r.v.do(ctx, func(d *data) error {
		for _, a := range d.actions {
			if a.Subject == subject {
				out = append(out, a)
			}
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

type evidenceRepo struct{ v view }

func (r *evidenceRepo) Insert(ctx context.Context, e persistence.EvidenceArtifact) error {
	return r.v.do(ctx, func(d *data) error {
		d.evidence[e.ID] = e
		return nil
	})
}

func (r *evidenceRepo) Get(ctx context.Context, id string) (*persistence.EvidenceArtifact, error) {
	var out *persistence.EvidenceArtifact
	err := r.v.do(ctx, func(d *data) error {
		if e, ok := d.evidence[id]; ok {
			out = &e
		}
		return nil
	})
	return out, err
}

func (r *evidenceRepo) ListByAction(ctx context.Context, actionID string) ([]persistence.EvidenceArtifact, error) {
	var out []persistence.EvidenceArtifact
	err := r.v.do(ctx, func(d *data) error {
		for _, e := range d.evidence {
			if e.ActionID != nil && *e.ActionID == actionID {
				out = append(out, e)
			}
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
		return nil
	})
	return out, err
}

type verificationRepo struct{ v view }

func (r *verificationRepo) Insert(ctx context.Context, s persistence.VerificationState) error {
	return r.v.do(ctx, func(d *data) error {
		d.states[s.ActionID] = s
		return nil
	})
}

func (r *verificationRepo) Get(ctx context.Context, actionID string) (*persistence.VerificationState, error) {
	var out *persistence.VerificationState
	err := r.v.do(ctx, func(d *data) error {
		if s, ok := d.states[actionID]; ok {
			out = &s
		}
		return nil
	})
	return out, err
}

func (r *verificationRepo) Update(ctx context.Context, s persistence.VerificationState) error {
	return r.v.do(ctx, func(d *data) error {
		if _, ok := d.states[s.ActionID]; !ok {
			return engine.NotFound("state_not_found", "verification state for action %s does not exist", s.ActionID)
		}
		d.states[s.ActionID] = s
		return nil
	})
}

type blockerRepo struct{ v view }

func (r *blockerRepo) Upsert(ctx context.Context, b persistence.ActiveBlocker) error {
	return r.v.do(ctx, func(d *data) error {
		m := d.blockers[b.Subject]
		if m == nil {
			m = make(map[blockers.ID]persistence.ActiveBlocker)
			d.blockers[b.Subject] = m
		}
		m[b.BlockerID] = b
		return nil
	})
}

func (r *blockerRepo) Resolve(ctx context.Context, subject string, id blockers.ID, at time.Time) error {
	return r.v.do(ctx, func(d *data) error {
		m := d.blockers[subject]
		b, ok := m[id]
		if !ok || !b.IsActive {
			return nil
		}
		b.IsActive = false
		b.UpdatedAt = at
		b.ResolvedAt = &at
		m[id] = b
		return nil
	})
}

func (r *blockerRepo) ListActive(ctx context.Context, subject string) ([]persistence.ActiveBlocker, error) {
	var out []persistence.ActiveBlocker
	err := r.v.do(ctx, func(d *data) error {
		for _, b := range d.blockers[subject] {
			if b.IsActive {
				out = append(out, b)
			}
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].BlockerID < out[j].BlockerID })
		return nil
	})
	return out, err
}

func ptrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
