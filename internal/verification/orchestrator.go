package verification

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/foundersignal/godscore/internal/domain/action"
	"github.com/foundersignal/godscore/internal/domain/blockers"
	"github.com/foundersignal/godscore/internal/domain/delta"
	"github.com/foundersignal/godscore/internal/domain/feature"
	"github.com/foundersignal/godscore/internal/engine"
	"github.com/foundersignal/godscore/internal/extract"
	"github.com/foundersignal/godscore/internal/locks"
	"github.com/foundersignal/godscore/internal/metrics"
	"github.com/foundersignal/godscore/internal/persistence"
	"github.com/foundersignal/godscore/internal/snapshot"
)

// Lift coefficients.
const (
	provisionalLiftBase        = 0.05
	provisionalVerificationCap = 0.35
	provisionalVerificationAdd = 0.05

	verifiedLiftBase = 0.10
)

// verifiedImpactMultipliers scale the verified lift by declared impact.
// Distinct from the provisional multipliers in config.
var verifiedImpactMultipliers = map[action.Impact]float64{
	action.ImpactLow:    0.5,
	action.ImpactMedium: 1.0,
	action.ImpactHigh:   1.5,
}

// Orchestrator drives the action/evidence state machine. It is the only
// writer of actions, evidence, and verification states, and it serializes
// all mutations per subject.
type Orchestrator struct {
	db        persistence.Store
	snapshots *snapshot.Store
	cfg       *engine.Provider
	extractor extract.Extractor
	locks     *locks.Keyed
	clock     func() time.Time
	metrics   *metrics.Set
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithMetrics attaches a collector set.
func WithMetrics(m *metrics.Set) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithExtractor overrides the evidence extractor.
func WithExtractor(e extract.Extractor) Option {
	return func(o *Orchestrator) { o.extractor = e }
}

// New creates an orchestrator over db and snapshots.
func New(db persistence.Store, snapshots *snapshot.Store, cfg *engine.Provider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		db:        db,
		snapshots: snapshots,
		cfg:       cfg,
		extractor: extract.Stub{},
		locks:     locks.NewKeyed(),
		clock:     time.Now,
		metrics:   metrics.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SubmitActionInput is the action intake request.
type SubmitActionInput struct {
	Subject    string
	Actor      *string
	Type       action.Type
	Title      string
	Details    string
	OccurredAt time.Time
	Impact     action.Impact
	Fields     action.Fields
}

// NextSteps tells the caller what evidence the plan still needs and by when.
type NextSteps struct {
	Requirements []action.Requirement `json:"requirements"`
	Deadline     time.Time            `json:"deadline"`
}

// SubmitActionResult is the intake response.
type SubmitActionResult struct {
	Action    persistence.ActionEvent `json:"action"`
	Snapshot  persistence.Snapshot    `json:"snapshot"`
	NextSteps NextSteps               `json:"next_steps"`
}

// SubmitAction accepts a founder-declared action: computes its verification
// plan, persists it pending, then applies the provisional lift and appends
// the resulting snapshot. An intake failure rejects the action outright; a
// failure during the lift leaves the action pending and retryable via
// ApplyProvisional.
func (o *Orchestrator) SubmitAction(ctx context.Context, in SubmitActionInput) (*SubmitActionResult, error) {
	if in.Subject == "" {
		return nil, engine.Validation("subject_required", "subject must not be empty")
	}
	if !in.Type.Valid() {
		return nil, engine.Validation("unknown_action_type", "unknown action type %q", in.Type)
	}
	if !in.Impact.Valid() {
		return nil, engine.Validation("unknown_impact", "unknown impact guess %q", in.Impact)
	}

	unlock := o.locks.Lock(in.Subject)
	defer unlock()

	now := o.clock()
	occurred := in.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}

	plan := BuildPlan(in.Type, in.Impact, in.Fields)
	act := persistence.ActionEvent{
		ID:          uuid.NewString(),
		Subject:     in.Subject,
		Actor:       in.Actor,
		Type:        in.Type,
		Title:       in.Title,
		Details:     in.Details,
		OccurredAt:  occurred,
		SubmittedAt: now,
		Impact:      in.Impact,
		Fields:      in.Fields,
		Plan:        plan,
		Status:      action.StatusPending,
	}

	err := o.db.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		if err := tx.Actions().Insert(ctx, act); err != nil {
			return storeErr(err)
		}
		if err := tx.VerificationStates().Insert(ctx, NewState(act.ID, plan)); err != nil {
			return storeErr(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	snap, err := o.applyProvisional(ctx, &act)
	if err != nil {
		// Action stays pending; the lift is retryable.
		return nil, err
	}

	o.metrics.ActionsTotal.WithLabelValues(string(act.Type), string(act.Impact)).Inc()
	log.Info().
		Str("subject", act.Subject).
		Str("action_id", act.ID).
		Str("type", string(act.Type)).
		Str("impact", string(act.Impact)).
		Msg("action accepted")

	return &SubmitActionResult{
		Action:   act,
		Snapshot: *snap,
		NextSteps: NextSteps{
			Requirements: plan.Requirements,
			Deadline:     now.Add(time.Duration(plan.VerificationWindowDays) * 24 * time.Hour),
		},
	}, nil
}

// ApplyProvisional retries the provisional lift of a pending action. It is
// idempotent against the action status: a lift that already applied is not
// applied again.
func (o *Orchestrator) ApplyProvisional(ctx context.Context, actionID string) (*persistence.Snapshot, error) {
	act, err := o.getAction(ctx, actionID)
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(act.Subject)
	defer unlock()

	if act.Status != action.StatusPending {
		return nil, engine.Validation("not_pending", "action %s is %s, not pending", act.ID, act.Status)
	}
	return o.applyProvisional(ctx, act)
}

// applyProvisional applies the capped intake lift to the action's target
// features, recomputes the snapshot (canonical held at the predecessor),
// and advances the action to provisional_applied. Caller holds the subject
// lock.
func (o *Orchestrator) applyProvisional(ctx context.Context, act *persistence.ActionEvent) (*persistence.Snapshot, error) {
	cfg, err := o.cfg.Current()
	if err != nil {
		return nil, engine.StoreFailure(err)
	}

	var snap *persistence.Snapshot
	err = o.db.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		now := o.clock()
		current, err := tx.Features().Current(ctx, act.Subject, now)
		if err != nil {
			return storeErr(err)
		}

		baseLift := provisionalLiftBase * cfg.ProvisionalMultipliers[act.Impact]
		for _, id := range liftTargets(act.Type) {
			prev, ok := current[id]
			if !ok {
				prev = feature.New(act.Subject, id, now)
				prev.Weight = cfg.Weight(id)
			}
			next := prev
			next.MeasuredAt = now
			next.Norm = feature.Clamp01(prev.Norm + baseLift)
			next.Verification = math.Min(provisionalVerificationCap, prev.Verification+provisionalVerificationAdd)
			next.Tier = feature.TierFromVerification(next.Verification)
			if err := tx.Features().Append(ctx, next); err != nil {
				return storeErr(err)
			}
		}

		snap, _, err = o.snapshots.RecomputeIn(ctx, tx, act.Subject, persistence.TriggerActionEvent, &act.ID, nil)
		if err != nil {
			return err
		}

		act.Status = action.StatusProvisionalApplied
		act.ProvisionalDeltaID = &snap.ID
		return storeErr(tx.Actions().Update(ctx, *act))
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// SubmitEvidenceInput is the evidence intake request.
type SubmitEvidenceInput struct {
	Subject   string
	ActionID  *string
	Type      action.EvidenceType
	Ref       action.Ref
	Extracted *action.Extracted
}

// VerificationUpdate reports one action's state after folding in evidence.
type VerificationUpdate struct {
	ActionID string                        `json:"action_id"`
	State    persistence.VerificationState `json:"state"`
	Snapshot *persistence.Snapshot         `json:"snapshot,omitempty"`
}

// SubmitEvidenceResult is the evidence intake response.
type SubmitEvidenceResult struct {
	Evidence       persistence.EvidenceArtifact `json:"evidence"`
	MatchedActions []MatchedAction              `json:"matched_actions"`
	Updates        []VerificationUpdate         `json:"verification_updates"`
}

// SubmitEvidence accepts an evidence artifact, matches it to candidate
// actions (unless explicitly linked), folds it into each matched action's
// verification state, and executes the verified lift for any state that
// became satisfied. An extraction failure does not fail intake; the
// artifact persists with a null extraction and matching proceeds on type
// alone.
func (o *Orchestrator) SubmitEvidence(ctx context.Context, in SubmitEvidenceInput) (*SubmitEvidenceResult, error) {
	if in.Subject == "" {
		return nil, engine.Validation("subject_required", "subject must not be empty")
	}
	if !in.Type.Valid() {
		return nil, engine.Validation("unknown_evidence_type", "unknown evidence type %q", in.Type)
	}

	unlock := o.locks.Lock(in.Subject)
	defer unlock()

	now := o.clock()

	extracted := in.Extracted
	if extracted == nil {
		ex, err := o.extractor.Extract(ctx, in.Type, in.Ref)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn().Err(err).
				Str("subject", in.Subject).
				Str("type", string(in.Type)).
				Msg("evidence extraction failed, proceeding without extraction")
		} else {
			extracted = ex
		}
	}

	ev := persistence.EvidenceArtifact{
		ID:         uuid.NewString(),
		Subject:    in.Subject,
		ActionID:   in.ActionID,
		Type:       in.Type,
		Ref:        in.Ref,
		Extracted:  extracted,
		Tier:       feature.TierFromVerification(seedVerification + evidenceBoosts[in.Type]),
		Confidence: 0.5,
		CreatedAt:  now,
	}

	var (
		matched []MatchedAction
		updates []VerificationUpdate
	)
	err := o.db.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		matched = matched[:0]
		updates = updates[:0]

		if in.ActionID != nil {
			act, err := tx.Actions().Get(ctx, *in.ActionID)
			if err != nil {
				return storeErr(err)
			}
			if act == nil || act.Subject != in.Subject {
				return engine.NotFound("action_not_found", "action %s not found for subject %s", *in.ActionID, in.Subject)
			}
			matched = append(matched, MatchedAction{Action: *act, Score: scoreExactRequirement})
		} else {
			candidates, err := tx.Actions().ListCandidates(ctx, in.Subject, matchCandidateStatuses, now.Add(-matchWindow))
			if err != nil {
				return storeErr(err)
			}
			matched = MatchEvidence(ev, candidates)
			if len(matched) > 0 {
				top := matched[0].Action.ID
				ev.ActionID = &top
			}
		}

		if err := tx.Evidence().Insert(ctx, ev); err != nil {
			return storeErr(err)
		}

		for _, m := range matched {
			state, err := tx.VerificationStates().Get(ctx, m.Action.ID)
			if err != nil {
				return storeErr(err)
			}
			if state == nil {
				return engine.NotFound("state_not_found", "verification state for action %s not found", m.Action.ID)
			}
			next := ApplyEvidence(*state, ev, m.Action.Plan)
			if err := tx.VerificationStates().Update(ctx, next); err != nil {
				return storeErr(err)
			}
			updates = append(updates, VerificationUpdate{ActionID: m.Action.ID, State: next})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Verified lifts run after the state commit, one transaction each; a
	// lift failure leaves its action provisional_applied and the whole
	// submitEvidence retryable.
	for i, u := range updates {
		if !u.State.Satisfied {
			continue
		}
		act, err := o.getAction(ctx, u.ActionID)
		if err != nil {
			return nil, err
		}
		if act.Status != action.StatusProvisionalApplied && act.Status != action.StatusPending {
			continue
		}
		snap, err := o.verifiedLift(ctx, act, u.State)
		if err != nil {
			return nil, err
		}
		updates[i].Snapshot = snap
	}

	o.metrics.EvidenceTotal.WithLabelValues(string(in.Type)).Inc()
	log.Info().
		Str("subject", in.Subject).
		Str("evidence_id", ev.ID).
		Str("type", string(in.Type)).
		Int("matched", len(matched)).
		Msg("evidence accepted")

	return &SubmitEvidenceResult{Evidence: ev, MatchedActions: matched, Updates: updates}, nil
}

// verifiedLift applies the full feature update for a satisfied action,
// recomputes with the canonical adjustment, and advances the action to
// verified. Deterministic for a given (action, state), so safe to retry.
// Caller holds the subject lock.
func (o *Orchestrator) verifiedLift(ctx context.Context, act *persistence.ActionEvent, state persistence.VerificationState) (*persistence.Snapshot, error) {
	cfg, err := o.cfg.Current()
	if err != nil {
		return nil, engine.StoreFailure(err)
	}

	tierMult := cfg.VerificationMultipliers.For(state.Tier)
	baseLift := verifiedLiftBase * verifiedImpactMultipliers[act.Impact] * tierMult

	var snap *persistence.Snapshot
	err = o.db.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		now := o.clock()
		current, err := tx.Features().Current(ctx, act.Subject, now)
		if err != nil {
			return storeErr(err)
		}

		for _, id := range liftTargets(act.Type) {
			prev, ok := current[id]
			if !ok {
				prev = feature.New(act.Subject, id, now)
				prev.Weight = cfg.Weight(id)
			}
			next := prev
			next.MeasuredAt = now
			next.Norm = feature.Clamp01(prev.Norm + baseLift)
			next.Verification = tierMult
			next.Tier = state.Tier
			if err := tx.Features().Append(ctx, next); err != nil {
				return storeErr(err)
			}
		}

		canonical := func(prevGod float64, d delta.Result) float64 {
			prevTraction, nextTraction := d.Contribution(feature.Traction)
			prevIntent, nextIntent := d.Contribution(feature.InvestorIntent)
			adj := cfg.GodWeights.Signal*d.DeltaTotal +
				cfg.GodWeights.Traction*(nextTraction-prevTraction) +
				cfg.GodWeights.InvestorIntent*(nextIntent-prevIntent)
			return prevGod + adj
		}

		snap, _, err = o.snapshots.RecomputeIn(ctx, tx, act.Subject, persistence.TriggerVerificationUpgrade, &act.ID, canonical)
		if err != nil {
			return err
		}

		act.Status = action.StatusVerified
		act.VerifiedDeltaID = &snap.ID
		return storeErr(tx.Actions().Update(ctx, *act))
	})
	if err != nil {
		return nil, err
	}

	o.metrics.VerifiedLifts.Inc()
	log.Info().
		Str("subject", act.Subject).
		Str("action_id", act.ID).
		Float64("canonical_total", snap.CanonicalTotal).
		Msg("verified lift applied")

	return snap, nil
}

// UpgradeVerification explicitly sets an action's verification tier. This
// is the only path to trusted. The upgrade marks the state satisfied and
// executes the verified lift with the new tier.
func (o *Orchestrator) UpgradeVerification(ctx context.Context, actionID string, newTier feature.Tier) (*persistence.Snapshot, error) {
	if !newTier.Valid() {
		return nil, engine.Validation("unknown_tier", "unknown verification tier %q", newTier)
	}

	act, err := o.getAction(ctx, actionID)
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(act.Subject)
	defer unlock()

	state, err := o.getState(ctx, actionID)
	if err != nil {
		return nil, err
	}

	state.Tier = newTier
	state.Verification = feature.Clamp01(cfgMultiplier(o.cfg, newTier))
	state.Missing = nil
	state.Satisfied = true
	state.Notes = append(state.Notes, fmt.Sprintf("tier explicitly upgraded to %s", newTier))

	err = o.db.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		return storeErr(tx.VerificationStates().Update(ctx, *state))
	})
	if err != nil {
		return nil, err
	}

	return o.verifiedLift(ctx, act, *state)
}

// ResolveInconsistencyInput is the curator resolution request.
type ResolveInconsistencyInput struct {
	ActionID      string
	Explanation   string
	EvidenceID    *string
	VerifierNotes string
}

// ResolveInconsistencyResult reports the post-resolution action and state,
// plus the verified snapshot when the resolution satisfied the plan.
type ResolveInconsistencyResult struct {
	Action   persistence.ActionEvent       `json:"action"`
	State    persistence.VerificationState `json:"state"`
	Snapshot *persistence.Snapshot         `json:"snapshot,omitempty"`
}

// ResolveInconsistency records a curator explanation for flagged claims:
// boosts verification by the fixed resolution amount, clears the
// inconsistent-claims flag from the subject's features, deactivates the
// inconsistency blocker, and runs the verified lift if the state is now
// satisfied.
func (o *Orchestrator) ResolveInconsistency(ctx context.Context, in ResolveInconsistencyInput) (*ResolveInconsistencyResult, error) {
	act, err := o.getAction(ctx, in.ActionID)
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(act.Subject)
	defer unlock()

	state, err := o.getState(ctx, in.ActionID)
	if err != nil {
		return nil, err
	}

	if in.EvidenceID != nil {
		state.MatchedEvidenceIDs = append(state.MatchedEvidenceIDs, *in.EvidenceID)
	}
	next := ApplyResolutionBoost(*state, act.Plan)
	next.Notes = append(next.Notes, "inconsistency resolved: "+in.Explanation)
	if in.VerifierNotes != "" {
		next.Notes = append(next.Notes, "verifier: "+in.VerifierNotes)
	}

	err = o.db.WithinTx(ctx, func(ctx context.Context, tx persistence.Tx) error {
		now := o.clock()

		if err := tx.VerificationStates().Update(ctx, next); err != nil {
			return storeErr(err)
		}
		if err := o.clearInconsistencyFlags(ctx, tx, act.Subject, now); err != nil {
			return err
		}
		return storeErr(tx.Blockers().Resolve(ctx, act.Subject, blockers.InconsistencyDetected, now))
	})
	if err != nil {
		return nil, err
	}

	result := &ResolveInconsistencyResult{Action: *act, State: next}
	if next.Satisfied && act.Status != action.StatusVerified {
		snap, err := o.verifiedLift(ctx, act, next)
		if err != nil {
			return nil, err
		}
		result.Action = *act
		result.Snapshot = snap
	}
	return result, nil
}

// clearInconsistencyFlags rewrites flagged feature rows without the
// inconsistent-claims flag so subsequent recomputations do not re-fire the
// blocker the curator just resolved.
func (o *Orchestrator) clearInconsistencyFlags(ctx context.Context, tx persistence.Tx, subject string, now time.Time) error {
	current, err := tx.Features().Current(ctx, subject, now)
	if err != nil {
		return storeErr(err)
	}
	for _, f := range current {
		if !f.HasFlag(blockers.FlagInconsistentClaims) {
			continue
		}
		next := f
		next.MeasuredAt = now
		next.Raw = withoutFlag(f.Raw, blockers.FlagInconsistentClaims)
		if err := tx.Features().Append(ctx, next); err != nil {
			return storeErr(err)
		}
	}
	return nil
}

// RecomputeSnapshot runs a recomputation outside the action flows, e.g. on
// a feature backfill or a scheduled freshness sweep.
func (o *Orchestrator) RecomputeSnapshot(ctx context.Context, subject, trigger string, triggerRef *string) (*persistence.Snapshot, *delta.Result, error) {
	if subject == "" {
		return nil, nil, engine.Validation("subject_required", "subject must not be empty")
	}
	if trigger == "" {
		trigger = persistence.TriggerSystem
	}

	unlock := o.locks.Lock(subject)
	defer unlock()

	return o.snapshots.Recompute(ctx, subject, trigger, triggerRef)
}

func (o *Orchestrator) getAction(ctx context.Context, id string) (*persistence.ActionEvent, error) {
	act, err := o.db.Actions().Get(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	if act == nil {
		return nil, engine.NotFound("action_not_found", "action %s not found", id)
	}
	return act, nil
}

func (o *Orchestrator) getState(ctx context.Context, actionID string) (*persistence.VerificationState, error) {
	state, err := o.db.VerificationStates().Get(ctx, actionID)
	if err != nil {
		return nil, storeErr(err)
	}
	if state == nil {
		return nil, engine.NotFound("state_not_found", "verification state for action %s not found", actionID)
	}
	return state, nil
}

func cfgMultiplier(p *engine.Provider, t feature.Tier) float64 {
	cfg, err := p.Current()
	if err != nil {
		return feature.DefaultMultipliers().For(t)
	}
	return cfg.VerificationMultipliers.For(t)
}

// withoutFlag copies raw with the given flag removed from raw.flags.
func withoutFlag(raw map[string]interface{}, flag string) map[string]interface{} {
	if raw == nil {
		return nil
	}
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	f := feature.Feature{Raw: raw}
	var kept []string
	for _, fl := range f.Flags() {
		if fl != flag {
			kept = append(kept, fl)
		}
	}
	if len(kept) == 0 {
		delete(out, "flags")
	} else {
		out["flags"] = kept
	}
	return out
}

// storeErr passes engine and context errors through and wraps everything
// else as a store failure.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	var e *engine.Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return engine.StoreFailure(err)
}
