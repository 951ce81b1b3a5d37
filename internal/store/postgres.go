// Package store provides storage backends for CallIntake.
//
// This file implements a PostgreSQL-backed store for call records.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CallIntake/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveCallRecord(ctx context.Context, r models.CallRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_records (`+callRecordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (call_id) DO NOTHING`,
		r.CallID, nilIfEmpty(r.CallbackNumber), nilIfEmpty(r.IsPatient), nilIfEmpty(r.DateOfBirth),
		nilIfEmpty(r.Gender), nilIfEmpty(r.State), nilIfEmpty(r.Symptom),
		nilIfEmpty(r.ConfirmationStatus), string(r.Outcome), r.ErrorCount, r.CallTime, r.FinishedAt)
	if err != nil {
		slog.Error("PostgresStore SaveCallRecord failed", "error", err, "call_id", r.CallID)
		return fmt.Errorf("failed to insert call record %s: %w", r.CallID, err)
	}
	slog.Debug("PostgresStore SaveCallRecord succeeded", "call_id", r.CallID, "outcome", r.Outcome)
	return nil
}

func (s *PostgresStore) GetCallRecord(ctx context.Context, callID string) (models.CallRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callRecordColumns+` FROM call_records WHERE call_id = $1`, callID)
	r, err := scanCallRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CallRecord{}, ErrRecordNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetCallRecord failed", "error", err, "call_id", callID)
		return models.CallRecord{}, fmt.Errorf("failed to query call record %s: %w", callID, err)
	}
	return r, nil
}

func (s *PostgresStore) ListCallRecords(ctx context.Context) ([]models.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+callRecordColumns+` FROM call_records ORDER BY call_time DESC, call_id ASC`)
	if err != nil {
		slog.Error("PostgresStore ListCallRecords query failed", "error", err)
		return nil, fmt.Errorf("failed to query call records: %w", err)
	}
	defer rows.Close()

	records, err := scanCallRecords(rows)
	if err != nil {
		slog.Error("PostgresStore ListCallRecords scan failed", "error", err)
		return nil, err
	}
	slog.Debug("PostgresStore ListCallRecords succeeded", "count", len(records))
	return records, nil
}

// Close closes the Postgres connection pool.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
