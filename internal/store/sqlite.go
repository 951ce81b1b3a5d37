// Package store provides storage backends for CallIntake.
//
// This file implements an SQLite-backed store for call records.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/CallIntake/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows a single writer; serialize through one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dir", dir)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveCallRecord(ctx context.Context, r models.CallRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_records (`+callRecordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (call_id) DO NOTHING`,
		r.CallID, nilIfEmpty(r.CallbackNumber), nilIfEmpty(r.IsPatient), nilIfEmpty(r.DateOfBirth),
		nilIfEmpty(r.Gender), nilIfEmpty(r.State), nilIfEmpty(r.Symptom),
		nilIfEmpty(r.ConfirmationStatus), string(r.Outcome), r.ErrorCount, r.CallTime, r.FinishedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveCallRecord failed", "error", err, "call_id", r.CallID)
		return fmt.Errorf("failed to insert call record %s: %w", r.CallID, err)
	}
	slog.Debug("SQLiteStore SaveCallRecord succeeded", "call_id", r.CallID, "outcome", r.Outcome)
	return nil
}

func (s *SQLiteStore) GetCallRecord(ctx context.Context, callID string) (models.CallRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callRecordColumns+` FROM call_records WHERE call_id = ?`, callID)
	r, err := scanCallRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CallRecord{}, ErrRecordNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetCallRecord failed", "error", err, "call_id", callID)
		return models.CallRecord{}, fmt.Errorf("failed to query call record %s: %w", callID, err)
	}
	return r, nil
}

func (s *SQLiteStore) ListCallRecords(ctx context.Context) ([]models.CallRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+callRecordColumns+` FROM call_records ORDER BY call_time DESC, call_id ASC`)
	if err != nil {
		slog.Error("SQLiteStore ListCallRecords query failed", "error", err)
		return nil, fmt.Errorf("failed to query call records: %w", err)
	}
	defer rows.Close()

	records, err := scanCallRecords(rows)
	if err != nil {
		slog.Error("SQLiteStore ListCallRecords scan failed", "error", err)
		return nil, err
	}
	slog.Debug("SQLiteStore ListCallRecords succeeded", "count", len(records))
	return records, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
