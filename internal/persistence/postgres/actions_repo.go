package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/foundersignal/godscore/internal/domain/action"
	"github.com/foundersignal/godscore/internal/persistence"
)

type actionsRepo struct {
	q       sqlx.ExtContext
	timeout time.Duration
}

const actionColumns = `
	id, subject, actor, type, title, details, occurred_at, submitted_at,
	impact_guess, fields, verification_plan, status,
	provisional_delta_id, verified_delta_id`

func (r *actionsRepo) Insert(ctx context.Context, a persistence.ActionEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fieldsJSON, planJSON, err := marshalActionBlobs(a)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO actions (id, subject, actor, type, title, details,
			occurred_at, submitted_at, impact_guess, fields, verification_plan,
			status, provisional_delta_id, verified_delta_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = r.q.ExecContext(ctx, query,
		a.ID, a.Subject, a.Actor, a.Type, a.Title, a.Details,
		a.OccurredAt, a.SubmittedAt, a.Impact, fieldsJSON, planJSON,
		a.Status, a.ProvisionalDeltaID, a.VerifiedDeltaID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("duplicate action %s: %w", a.ID, err)
		}
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

func (r *actionsRepo) Get(ctx context.Context, id string) (*persistence.ActionEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + actionColumns + ` FROM actions WHERE id = $1`

	row := r.q.QueryRowxContext(ctx, query, id)
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return a, nil
}

func (r *actionsRepo) Update(ctx context.Context, a persistence.ActionEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	fieldsJSON, planJSON, err := marshalActionBlobs(a)
	if err != nil {
		return err
	}

	query := `
		UPDATE actions
		SET actor = $2, type = $3, title = $4, details = $5, occurred_at = $6,
			submitted_at = $7, impact_guess = $8, fields = $9,
			verification_plan = $10, status = $11,
			provisional_delta_id = $12, verified_delta_id = $13
		WHERE id = $1`

	res, err := r.q.ExecContext(ctx, query,
		a.ID, a.Actor, a.Type, a.Title, a.Details, a.OccurredAt,
		a.SubmittedAt, a.Impact, fieldsJSON,
		planJSON, a.Status, a.ProvisionalDeltaID, a.VerifiedDeltaID)
	if err != nil {
		return fmt.Errorf("failed to update action: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("action %s not found", a.ID)
	}
	return nil
}

func (r *actionsRepo) ListCandidates(ctx context.Context, subject string, statuses []action.Status, since time.Time) ([]persistence.ActionEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}

	query := `SELECT ` + actionColumns + `
		FROM actions
		WHERE subject = $1 AND status = ANY($2) AND occurred_at >= $3
		ORDER BY occurred_at DESC`

	rows, err := r.q.QueryxContext(ctx, query, subject, pq.Array(ss), since)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidate actions: %w", err)
	}
	defer rows.Close()

	return collectActions(rows)
}

func (r *actionsRepo) ListBySubject(ctx context.Context, subject string, limit int) ([]persistence.ActionEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + actionColumns + `
		FROM actions
		WHERE subject = $1
		ORDER BY occurred_at DESC
		LIMIT $2`

	rows, err := r.q.QueryxContext(ctx, query, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	return collectActions(rows)
}

func collectActions(rows *sqlx.Rows) ([]persistence.ActionEvent, error) {
	var out []persistence.ActionEvent
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return out, nil
}

func scanAction(row rowScanner) (*persistence.ActionEvent, error) {
	var (
		a          persistence.ActionEvent
		fieldsJSON []byte
		planJSON   []byte
	)
	err := row.Scan(
		&a.ID, &a.Subject, &a.Actor, &a.Type, &a.Title, &a.Details,
		&a.OccurredAt, &a.SubmittedAt, &a.Impact, &fieldsJSON, &planJSON,
		&a.Status, &a.ProvisionalDeltaID, &a.VerifiedDeltaID)
	if err != nil {
		return nil, err
	}

	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &a.Fields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal fields: %w", err)
		}
	}
	if err := json.Unmarshal(planJSON, &a.Plan); err != nil {
		return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
	}
	return &a, nil
}

func marshalActionBlobs(a persistence.ActionEvent) ([]byte, []byte, error) {
	fields := a.Fields
	if fields == nil {
		fields = action.Fields{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal fields: %w", err)
	}
	planJSON, err := json.Marshal(a.Plan)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal plan: %w", err)
	}
	return fieldsJSON, planJSON, nil
}
