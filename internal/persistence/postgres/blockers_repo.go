package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/foundersignal/godscore/internal/domain/blockers"
	"github.com/foundersignal/godscore/internal/domain/feature"
	"github.com/foundersignal/godscore/internal/persistence"
)

type blockersRepo struct {
	q       sqlx.ExtContext
	timeout time.Duration
}

func (r *blockersRepo) Upsert(ctx context.Context, b persistence.ActiveBlocker) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	affected := make([]string, len(b.AffectedFeatures))
	for i, id := range b.AffectedFeatures {
		affected[i] = string(id)
	}

	query := `
		INSERT INTO active_blockers (subject, blocker_id, severity, message,
			fix_path, affected_features, is_active, updated_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (subject, blocker_id) DO UPDATE
		SET severity = EXCLUDED.severity,
			message = EXCLUDED.message,
			fix_path = EXCLUDED.fix_path,
			affected_features = EXCLUDED.affected_features,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at,
			resolved_at = EXCLUDED.resolved_at`

	_, err := r.q.ExecContext(ctx, query,
		b.Subject, b.BlockerID, b.Severity, b.Message,
		b.FixPath, pq.Array(affected), b.IsActive, b.UpdatedAt, b.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert blocker: %w", err)
	}
	return nil
}

func (r *blockersRepo) Resolve(ctx context.Context, subject string, id blockers.ID, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		UPDATE active_blockers
		SET is_active = FALSE, resolved_at = $3, updated_at = $3
		WHERE subject = $1 AND blocker_id = $2 AND is_active`

	if _, err := r.q.ExecContext(ctx, query, subject, id, at); err != nil {
		return fmt.Errorf("failed to resolve blocker: %w", err)
	}
	return nil
}

func (r *blockersRepo) ListActive(ctx context.Context, subject string) ([]persistence.ActiveBlocker, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT subject, blocker_id, severity, message, fix_path,
			affected_features, is_active, updated_at, resolved_at
		FROM active_blockers
		WHERE subject = $1 AND is_active
		ORDER BY blocker_id`

	rows, err := r.q.QueryxContext(ctx, query, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to list active blockers: %w", err)
	}
	defer rows.Close()

	var out []persistence.ActiveBlocker
	for rows.Next() {
		var (
			b        persistence.ActiveBlocker
			affected pq.StringArray
		)
		err := rows.Scan(
			&b.Subject, &b.BlockerID, &b.Severity, &b.Message, &b.FixPath,
			&affected, &b.IsActive, &b.UpdatedAt, &b.ResolvedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan blocker: %w", err)
		}
		b.AffectedFeatures = make([]feature.ID, len(affected))
		for i, s := range affected {
			b.AffectedFeatures[i] = feature.ID(s)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blockers: %w", err)
	}
	return out, nil
}
