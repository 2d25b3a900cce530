// Package persistence defines the durable model and the repository
// interfaces the engine writes through. Snapshots and features are
// append-only; active blockers are an upserted projection of the latest
// snapshot; actions, evidence, and verification states are owned by the
// verification orchestrator.
package persistence

import (
	"context"
	"time"

	"github.com/foundersignal/godscore/internal/domain/action"
	"github.com/foundersignal/godscore/internal/domain/blockers"
	"github.com/foundersignal/godscore/internal/domain/delta"
	"github.com/foundersignal/godscore/internal/domain/feature"
)

// Snapshot is the immutable record of one recomputation. Ordered strictly
// by AsOf per subject; PrevSnapshotID points at the immediate predecessor
// and is nil exactly for the first snapshot.
type Snapshot struct {
	ID              string                         `json:"id" db:"id"`
	Subject         string                         `json:"subject" db:"subject"`
	AsOf            time.Time                      `json:"as_of" db:"as_of"`
	Features        map[feature.ID]feature.Feature `json:"features" db:"features_blob"`
	SignalTotal     float64                        `json:"signal_total" db:"signal_total"`
	CanonicalTotal  float64                        `json:"canonical_total" db:"canonical_total"`
	AvgConfidence   float64                        `json:"avg_confidence" db:"avg_confidence"`
	AvgVerification float64                        `json:"avg_verification" db:"avg_verification"`
	AvgFreshness    float64                        `json:"avg_freshness" db:"avg_freshness"`
	DeltaTotal      float64                        `json:"delta_total" db:"delta_total"`
	Contributions   []delta.Contribution           `json:"delta_contributions" db:"delta_contributions_blob"`
	TopMovers       []delta.Contribution           `json:"top_movers" db:"top_movers_blob"`
	Blockers        []blockers.Blocker             `json:"blockers" db:"blockers_blob"`
	PrevSnapshotID  *string                        `json:"prev_snapshot_id,omitempty" db:"prev_snapshot_id"`
	Trigger         string                         `json:"trigger" db:"trigger"`
	TriggerRefID    *string                        `json:"trigger_ref_id,omitempty" db:"trigger_ref_id"`
	CreatedAt       time.Time                      `json:"created_at" db:"created_at"`
}

// Recompute triggers recorded on snapshots.
const (
	TriggerSystem              = "system"
	TriggerActionEvent         = "action_event"
	TriggerVerificationUpgrade = "verification_upgrade"
	TriggerInconsistencyFixed  = "inconsistency_resolution"
)

// ActionEvent is a founder-declared state change moving through the
// verification state machine.
type ActionEvent struct {
	ID                 string        `json:"id" db:"id"`
	Subject            string        `json:"subject" db:"subject"`
	Actor              *string       `json:"actor,omitempty" db:"actor"`
	Type               action.Type   `json:"type" db:"type"`
	Title              string        `json:"title" db:"title"`
	Details            string        `json:"details" db:"details"`
	OccurredAt         time.Time     `json:"occurred_at" db:"occurred_at"`
	SubmittedAt        time.Time     `json:"submitted_at" db:"submitted_at"`
	Impact             action.Impact `json:"impact_guess" db:"impact_guess"`
	Fields             action.Fields `json:"fields,omitempty" db:"fields"`
	Plan               action.Plan   `json:"verification_plan" db:"verification_plan"`
	Status             action.Status `json:"status" db:"status"`
	ProvisionalDeltaID *string       `json:"provisional_delta_id,omitempty" db:"provisional_delta_id"`
	VerifiedDeltaID    *string       `json:"verified_delta_id,omitempty" db:"verified_delta_id"`
}

// EvidenceArtifact is extracted external proof, optionally linked to an
// action directly or through the matcher.
type EvidenceArtifact struct {
	ID         string              `json:"id" db:"id"`
	Subject    string              `json:"subject" db:"subject"`
	ActionID   *string             `json:"action_id,omitempty" db:"action_id"`
	Type       action.EvidenceType `json:"type" db:"type"`
	Ref        action.Ref          `json:"ref" db:"ref"`
	Extracted  *action.Extracted   `json:"extracted,omitempty" db:"extracted"`
	Tier       feature.Tier        `json:"tier" db:"tier"`
	Confidence float64             `json:"confidence" db:"confidence"`
	CreatedAt  time.Time           `json:"created_at" db:"created_at"`
}

// VerificationState summarizes one action's progress toward its plan.
// One-to-one with actions.
type VerificationState struct {
	ActionID           string               `json:"action_id" db:"action_id"`
	Verification       float64              `json:"current_verification" db:"current_verification"`
	Tier               feature.Tier         `json:"tier" db:"tier"`
	Satisfied          bool                 `json:"satisfied" db:"satisfied"`
	Missing            []action.Requirement `json:"missing" db:"missing"`
	MatchedEvidenceIDs []string             `json:"matched_evidence_ids" db:"matched_evidence_ids"`
	Notes              []string             `json:"notes,omitempty" db:"notes"`
}

// ActiveBlocker is the per-subject blocker projection row, keyed on
// (subject, blocker_id) and refreshed by every snapshot append.
type ActiveBlocker struct {
	Subject          string            `json:"subject" db:"subject"`
	BlockerID        blockers.ID       `json:"blocker_id" db:"blocker_id"`
	Severity         blockers.Severity `json:"severity" db:"severity"`
	Message          string            `json:"message" db:"message"`
	FixPath          string            `json:"fix_path" db:"fix_path"`
	AffectedFeatures []feature.ID      `json:"affected_features,omitempty" db:"affected_features"`
	IsActive         bool              `json:"is_active" db:"is_active"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty" db:"resolved_at"`
}

// FeatureRepo persists append-only feature rows.
type FeatureRepo interface {
	// Append records a new feature measurement. Rows are never updated.
	Append(ctx context.Context, f feature.Feature) error

	// Current resolves the scored feature set: per feature id, the row
	// with maximum measured_at <= asOf.
	Current(ctx context.Context, subject string, asOf time.Time) (map[feature.ID]feature.Feature, error)

	// History lists measurements for one feature, newest first.
	History(ctx context.Context, subject string, id feature.ID, limit int) ([]feature.Feature, error)
}

// SnapshotRepo persists the append-only snapshot log.
type SnapshotRepo interface {
	// Append commits a snapshot. It fails with a concurrency error when
	// the snapshot's prev pointer no longer matches the latest snapshot.
	Append(ctx context.Context, s Snapshot) error

	// Latest returns the most recent snapshot for a subject, or nil.
	Latest(ctx context.Context, subject string) (*Snapshot, error)

	// Get retrieves a snapshot by id.
	Get(ctx context.Context, id string) (*Snapshot, error)

	// List returns snapshots for a subject, newest first.
	List(ctx context.Context, subject string, limit int) ([]Snapshot, error)
}

// ActionRepo persists action events.
type ActionRepo interface {
	Insert(ctx context.Context, a ActionEvent) error
	Get(ctx context.Context, id string) (*ActionEvent, error)
	Update(ctx context.Context, a ActionEvent) error

	// ListCandidates returns a subject's actions in the given statuses
	// with occurred_at >= since, for evidence matching.
	ListCandidates(ctx context.Context, subject string, statuses []action.Status, since time.Time) ([]ActionEvent, error)

	// ListBySubject returns a subject's actions, newest first.
	ListBySubject(ctx context.Context, subject string, limit int) ([]ActionEvent, error)
}

// EvidenceRepo persists evidence artifacts.
type EvidenceRepo interface {
	Insert(ctx context.Context, e EvidenceArtifact) error
	Get(ctx context.Context, id string) (*EvidenceArtifact, error)
	ListByAction(ctx context.Context, actionID string) ([]EvidenceArtifact, error)
}

// VerificationRepo persists per-action verification states.
type VerificationRepo interface {
	Insert(ctx context.Context, s VerificationState) error
	Get(ctx context.Context, actionID string) (*VerificationState, error)
	Update(ctx context.Context, s VerificationState) error
}

// BlockerRepo maintains the active-blocker projection.
type BlockerRepo interface {
	// Upsert activates or refreshes a blocker keyed on (subject, blocker_id).
	Upsert(ctx context.Context, b ActiveBlocker) error

	// Resolve deactivates a blocker if active; resolving an absent or
	// already-resolved blocker is a no-op.
	Resolve(ctx context.Context, subject string, id blockers.ID, at time.Time) error

	// ListActive returns the currently active blockers for a subject.
	ListActive(ctx context.Context, subject string) ([]ActiveBlocker, error)
}

// Tx exposes the repositories bound to one transaction scope.
type Tx interface {
	Features() FeatureRepo
	Snapshots() SnapshotRepo
	Actions() ActionRepo
	Evidence() EvidenceRepo
	VerificationStates() VerificationRepo
	Blockers() BlockerRepo
}

// Store is the transactional table store the engine writes through. Outside
// WithinTx the repositories auto-commit per call.
type Store interface {
	Tx

	// WithinTx runs fn inside a single transaction; any error rolls the
	// whole mutation back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
