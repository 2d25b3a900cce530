package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/foundersignal/godscore/internal/domain/blockers"
	"github.com/foundersignal/godscore/internal/domain/delta"
	"github.com/foundersignal/godscore/internal/domain/feature"
	"github.com/foundersignal/godscore/internal/persistence"
)

type snapshotsRepo struct {
	q       sqlx.ExtContext
	timeout time.Duration
}

const snapshotColumns = `
	id, subject, as_of, features_blob, signal_total, canonical_total,
	avg_confidence, avg_verification, avg_freshness, delta_total,
	delta_contributions_blob, top_movers_blob, blockers_blob,
	prev_snapshot_id, trigger_kind, trigger_ref_id, created_at`

// Append commits a snapshot after checking its prev pointer against the
// subject's current head under a row lock. A stale pointer or a unique
// violation on (subject, as_of) both surface as concurrency errors.
func (r *snapshotsRepo) Append(ctx context.Context, s persistence.Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var headID string
	err := r.q.QueryRowxContext(ctx, `
		SELECT id FROM snapshots
		WHERE subject = $1
		ORDER BY as_of DESC
		LIMIT 1
		FOR UPDATE`, s.Subject).Scan(&headID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if s.PrevSnapshotID != nil {
			return concurrencyConflict(s.Subject, nil)
		}
	case err != nil:
		return fmt.Errorf("failed to lock snapshot head: %w", err)
	default:
		if s.PrevSnapshotID == nil || *s.PrevSnapshotID != headID {
			return concurrencyConflict(s.Subject, nil)
		}
	}

	featuresJSON, err := json.Marshal(s.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}
	contribJSON, err := json.Marshal(s.Contributions)
	if err != nil {
		return fmt.Errorf("failed to marshal contributions: %w", err)
	}
	moversJSON, err := json.Marshal(s.TopMovers)
	if err != nil {
		return fmt.Errorf("failed to marshal top movers: %w", err)
	}
	blockersJSON, err := json.Marshal(s.Blockers)
	if err != nil {
		return fmt.Errorf("failed to marshal blockers: %w", err)
	}

	query := `
		INSERT INTO snapshots (id, subject, as_of, features_blob, signal_total,
			canonical_total, avg_confidence, avg_verification, avg_freshness,
			delta_total, delta_contributions_blob, top_movers_blob, blockers_blob,
			prev_snapshot_id, trigger_kind, trigger_ref_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`

	_, err = r.q.ExecContext(ctx, query,
		s.ID, s.Subject, s.AsOf, featuresJSON, s.SignalTotal,
		s.CanonicalTotal, s.AvgConfidence, s.AvgVerification, s.AvgFreshness,
		s.DeltaTotal, contribJSON, moversJSON, blockersJSON,
		s.PrevSnapshotID, s.Trigger, s.TriggerRefID, s.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return concurrencyConflict(s.Subject, err)
		}
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

func (r *snapshotsRepo) Latest(ctx context.Context, subject string) (*persistence.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + snapshotColumns + `
		FROM snapshots
		WHERE subject = $1
		ORDER BY as_of DESC
		LIMIT 1`

	row := r.q.QueryRowxContext(ctx, query, subject)
	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return s, nil
}

func (r *snapshotsRepo) Get(ctx context.Context, id string) (*persistence.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE id = $1`

	row := r.q.QueryRowxContext(ctx, query, id)
	s, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return s, nil
}

func (r *snapshotsRepo) List(ctx context.Context, subject string, limit int) ([]persistence.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + snapshotColumns + `
		FROM snapshots
		WHERE subject = $1
		ORDER BY as_of DESC
		LIMIT $2`

	rows, err := r.q.QueryxContext(ctx, query, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []persistence.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return out, nil
}

// rowScanner covers *sqlx.Row and *sqlx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (*persistence.Snapshot, error) {
	var (
		s            persistence.Snapshot
		featuresJSON []byte
		contribJSON  []byte
		moversJSON   []byte
		blockersJSON []byte
	)
	err := row.Scan(
		&s.ID, &s.Subject, &s.AsOf, &featuresJSON, &s.SignalTotal,
		&s.CanonicalTotal, &s.AvgConfidence, &s.AvgVerification, &s.AvgFreshness,
		&s.DeltaTotal, &contribJSON, &moversJSON, &blockersJSON,
		&s.PrevSnapshotID, &s.Trigger, &s.TriggerRefID, &s.CreatedAt)
	if err != nil {
		return nil, err
	}

	s.Features = make(map[feature.ID]feature.Feature)
	if err := json.Unmarshal(featuresJSON, &s.Features); err != nil {
		return nil, fmt.Errorf("failed to unmarshal features: %w", err)
	}
	s.Contributions = []delta.Contribution{}
	if err := json.Unmarshal(contribJSON, &s.Contributions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal contributions: %w", err)
	}
	s.TopMovers = []delta.Contribution{}
	if err := json.Unmarshal(moversJSON, &s.TopMovers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal top movers: %w", err)
	}
	s.Blockers = []blockers.Blocker{}
	if err := json.Unmarshal(blockersJSON, &s.Blockers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal blockers: %w", err)
	}
	return &s, nil
}
