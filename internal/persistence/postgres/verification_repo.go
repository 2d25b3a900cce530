package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/foundersignal/godscore/internal/domain/action"
	"github.com/foundersignal/godscore/internal/persistence"
)

type verificationRepo struct {
	q       sqlx.ExtContext
	timeout time.Duration
}

func (r *verificationRepo) Insert(ctx context.Context, s persistence.VerificationState) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO verification_states (action_id, current_verification, tier,
			satisfied, missing, matched_evidence_ids, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.q.ExecContext(ctx, query,
		s.ActionID, s.Verification, s.Tier, s.Satisfied,
		pq.Array(requirementStrings(s.Missing)),
		pq.Array(s.MatchedEvidenceIDs), pq.Array(s.Notes))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("duplicate verification state for action %s: %w", s.ActionID, err)
		}
		return fmt.Errorf("failed to insert verification state: %w", err)
	}
	return nil
}

func (r *verificationRepo) Get(ctx context.Context, actionID string) (*persistence.VerificationState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT action_id, current_verification, tier, satisfied, missing,
			matched_evidence_ids, notes
		FROM verification_states
		WHERE action_id = $1`

	var (
		s       persistence.VerificationState
		missing pq.StringArray
		matched pq.StringArray
		notes   pq.StringArray
	)
	err := r.q.QueryRowxContext(ctx, query, actionID).Scan(
		&s.ActionID, &s.Verification, &s.Tier, &s.Satisfied,
		&missing, &matched, &notes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verification state: %w", err)
	}

	s.Missing, err = parseRequirements(missing)
	if err != nil {
		return nil, err
	}
	s.MatchedEvidenceIDs = []string(matched)
	s.Notes = []string(notes)
	return &s, nil
}

func (r *verificationRepo) Update(ctx context.Context, s persistence.VerificationState) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE verification_states
		SET current_verification = $2, tier = $3, satisfied = $4, missing = $5,
			matched_evidence_ids = $6, notes = $7
		WHERE action_id = $1`

	res, err := r.q.ExecContext(ctx, query,
		s.ActionID, s.Verification, s.Tier, s.Satisfied,
		pq.Array(requirementStrings(s.Missing)),
		pq.Array(s.MatchedEvidenceIDs), pq.Array(s.Notes))
	if err != nil {
		return fmt.Errorf("failed to update verification state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("verification state for action %s not found", s.ActionID)
	}
	return nil
}

// Requirements persist in their kind:value wire form.
func requirementStrings(reqs []action.Requirement) []string {
	out := make([]string, len(reqs))
	for i, r := range reqs {
		out[i] = r.String()
	}
	return out
}

func parseRequirements(ss []string) ([]action.Requirement, error) {
	out := make([]action.Requirement, 0, len(ss))
	for _, s := range ss {
		req, err := action.ParseRequirement(s)
		if err != nil {
			return nil, fmt.Errorf("failed to parse requirement: %w", err)
		}
		out = append(out, req)
	}
	return out, nil
}
