// Package postgres implements the persistence interfaces over PostgreSQL
// via sqlx. Repositories are bound either to the pool (auto-commit per
// call) or to one transaction through Store.WithinTx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/foundersignal/godscore/internal/engine"
	"github.com/foundersignal/godscore/internal/persistence"
)

//go:embed schema.sql
var schemaSQL string

// Config holds connection settings. Env overrides: GODSCORE_DB_DSN.
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DefaultConfig returns pool settings suitable for a single engine instance.
func DefaultConfig() Config {
	return Config{
		DSN:             "postgres://localhost:5432/godscore?sslmode=disable",
		MaxOpenConns:    16,
		MaxIdleConns:    4,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    5 * time.Second,
	}
}

// FromEnv applies environment overrides to cfg.
func (c Config) FromEnv() Config {
	if dsn := os.Getenv("GODSCORE_DB_DSN"); dsn != "" {
		c.DSN = dsn
	}
	return c
}

// Store is the PostgreSQL persistence.Store.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().QueryTimeout
	}
	return &Store{db: db, timeout: timeout}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate applies the embedded schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Info().Msg("schema applied")
	return nil
}

// Health checks connectivity within the configured query timeout.
func (s *Store) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) Features() persistence.FeatureRepo  { return &featuresRepo{q: s.db, timeout: s.timeout} }
func (s *Store) Snapshots() persistence.SnapshotRepo { return &snapshotsRepo{q: s.db, timeout: s.timeout} }
func (s *Store) Actions() persistence.ActionRepo    { return &actionsRepo{q: s.db, timeout: s.timeout} }
func (s *Store) Evidence() persistence.EvidenceRepo { return &evidenceRepo{q: s.db, timeout: s.timeout} }
func (s *Store) VerificationStates() persistence.VerificationRepo {
	return &verificationRepo{q: s.db, timeout: s.timeout}
}
func (s *Store) Blockers() persistence.BlockerRepo { return &blockersRepo{q: s.db, timeout: s.timeout} }

// txScope binds the repositories to one sqlx transaction.
type txScope struct {
	tx      *sqlx.Tx
	timeout time.Duration
}

func (t *txScope) Features() persistence.FeatureRepo  { return &featuresRepo{q: t.tx, timeout: t.timeout} }
func (t *txScope) Snapshots() persistence.SnapshotRepo { return &snapshotsRepo{q: t.tx, timeout: t.timeout} }
func (t *txScope) Actions() persistence.ActionRepo    { return &actionsRepo{q: t.tx, timeout: t.timeout} }
func (t *txScope) Evidence() persistence.EvidenceRepo { return &evidenceRepo{q: t.tx, timeout: t.timeout} }
func (t *txScope) VerificationStates() persistence.VerificationRepo {
	return &verificationRepo{q: t.tx, timeout: t.timeout}
}
func (t *txScope) Blockers() persistence.BlockerRepo { return &blockersRepo{q: t.tx, timeout: t.timeout} }

// WithinTx runs fn in one transaction. Any error, including a panic, rolls
// the whole mutation back.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx persistence.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &txScope{tx: tx, timeout: s.timeout}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// isUniqueViolation reports a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// concurrencyConflict is the shared snapshot conflict error.
func concurrencyConflict(subject string, err error) error {
	e := engine.Concurrency("snapshot_conflict", "snapshot append for %s lost the race", subject)
	e.Cause = err
	return e
}
