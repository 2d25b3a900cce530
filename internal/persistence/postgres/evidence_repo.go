package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/foundersignal/godscore/internal/domain/action"
	"github.com/foundersignal/godscore/internal/persistence"
)

type evidenceRepo struct {
	q       sqlx.ExtContext
	timeout time.Duration
}

const evidenceColumns = `
	id, subject, action_id, type, ref, extracted, tier, confidence, created_at`

func (r *evidenceRepo) Insert(ctx context.Context, e persistence.EvidenceArtifact) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ref := e.Ref
	if ref == nil {
		ref = action.Ref{}
	}
	refJSON, err := json.Marshal(ref)
	if err != nil {
		return fmt.Errorf("failed to marshal ref: %w", err)
	}

	var extractedJSON []byte
	if e.Extracted != nil {
		extractedJSON, err = json.Marshal(e.Extracted)
		if err != nil {
			return fmt.Errorf("failed to marshal extracted: %w", err)
		}
	}

	query := `
		INSERT INTO evidence (id, subject, action_id, type, ref, extracted,
			tier, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = r.q.ExecContext(ctx, query,
		e.ID, e.Subject, e.ActionID, e.Type, refJSON, extractedJSON,
		e.Tier, e.Confidence, e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("duplicate evidence %s: %w", e.ID, err)
		}
		return fmt.Errorf("failed to insert evidence: %w", err)
	}
	return nil
}

func (r *evidenceRepo) Get(ctx context.Context, id string) (*persistence.EvidenceArtifact, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + evidenceColumns + ` FROM evidence WHERE id = $1`

	row := r.q.QueryRowxContext(ctx, query, id)
	e, err := scanEvidence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get evidence: %w", err)
	}
	return e, nil
}

func (r *evidenceRepo) ListByAction(ctx context.Context, actionID string) ([]persistence.EvidenceArtifact, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + evidenceColumns + `
		FROM evidence
		WHERE action_id = $1
		ORDER BY created_at DESC`

	rows, err := r.q.QueryxContext(ctx, query, actionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evidence: %w", err)
	}
	defer rows.Close()

	var out []persistence.EvidenceArtifact
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan evidence: %w", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating evidence: %w", err)
	}
	return out, nil
}

func scanEvidence(row rowScanner) (*persistence.EvidenceArtifact, error) {
	var (
		e             persistence.EvidenceArtifact
		refJSON       []byte
		extractedJSON []byte
	)
	err := row.Scan(
		&e.ID, &e.Subject, &e.ActionID, &e.Type, &refJSON, &extractedJSON,
		&e.Tier, &e.Confidence, &e.CreatedAt)
	if err != nil {
		return nil, err
	}

	if len(refJSON) > 0 {
		if err := json.Unmarshal(refJSON, &e.Ref); err != nil {
			return nil, fmt.Errorf("failed to unmarshal ref: %w", err)
		}
	}
	if len(extractedJSON) > 0 {
		e.Extracted = &action.Extracted{}
		if err := json.Unmarshal(extractedJSON, e.Extracted); err != nil {
			return nil, fmt.Errorf("failed to unmarshal extracted: %w", err)
		}
	}
	return &e, nil
}
