package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/foundersignal/godscore/internal/domain/feature"
)

type featuresRepo struct {
	q       sqlx.ExtContext
	timeout time.Duration
}

func (r *featuresRepo) Append(ctx context.Context, f feature.Feature) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rawJSON, err := json.Marshal(orEmpty(f.Raw))
	if err != nil {
		return fmt.Errorf("failed to marshal raw: %w", err)
	}

	query := `
		INSERT INTO features (subject, feature_id, measured_at, raw, norm, weight,
			confidence, verification, verification_tier, evidence_refs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = r.q.ExecContext(ctx, query,
		f.Subject, f.ID, f.MeasuredAt, rawJSON, f.Norm, f.Weight,
		f.Confidence, f.Verification, f.Tier, pq.Array(f.EvidenceRefs))
	if err != nil {
		return fmt.Errorf("failed to insert feature: %w", err)
	}
	return nil
}

func (r *featuresRepo) Current(ctx context.Context, subject string, asOf time.Time) (map[feature.ID]feature.Feature, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT DISTINCT ON (feature_id)
			subject, feature_id, measured_at, raw, norm, weight,
			confidence, verification, verification_tier, evidence_refs
		FROM features
		WHERE subject = $1 AND measured_at <= $2
		ORDER BY feature_id, measured_at DESC, id DESC`

	rows, err := r.q.QueryxContext(ctx, query, subject, asOf)
	if err != nil {
		return nil, fmt.Errorf("failed to query current features: %w", err)
	}
	defer rows.Close()

	out := make(map[feature.ID]feature.Feature)
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		out[f.ID] = *f
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating features: %w", err)
	}
	return out, nil
}

func (r *featuresRepo) History(ctx context.Context, subject string, id feature.ID, limit int) ([]feature.Feature, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT subject, feature_id, measured_at, raw, norm, weight,
			confidence, verification, verification_tier, evidence_refs
		FROM features
		WHERE subject = $1 AND feature_id = $2
		ORDER BY measured_at DESC, id DESC
		LIMIT $3`

	rows, err := r.q.QueryxContext(ctx, query, subject, id, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query feature history: %w", err)
	}
	defer rows.Close()

	var out []feature.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating features: %w", err)
	}
	return out, nil
}

func scanFeature(rows *sqlx.Rows) (*feature.Feature, error) {
	var (
		f       feature.Feature
		rawJSON []byte
		refs    pq.StringArray
	)
	err := rows.Scan(
		&f.Subject, &f.ID, &f.MeasuredAt, &rawJSON, &f.Norm, &f.Weight,
		&f.Confidence, &f.Verification, &f.Tier, &refs)
	if err != nil {
		return nil, fmt.Errorf("failed to scan feature: %w", err)
	}
	if len(rawJSON) > 0 {
		if err := json.Unmarshal(rawJSON, &f.Raw); err != nil {
			return nil, fmt.Errorf("failed to unmarshal raw: %w", err)
		}
	}
	f.EvidenceRefs = []string(refs)
	return &f, nil
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
