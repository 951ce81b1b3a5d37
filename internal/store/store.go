// Package store provides storage backends for CallIntake.
//
// Two kinds of state live here. Live conversation state (one CallSession per active call)
// is held by a SessionStore, in memory or in Redis. Finished calls are persisted once as a
// CallRecord by a RecordStore, in memory, SQLite or PostgreSQL.
package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/CallIntake/internal/models"
)

var (
	// ErrSessionNotFound is returned when no live session exists for a call ID.
	ErrSessionNotFound = errors.New("call session not found")
	// ErrSessionExists is returned when creating a session for a call ID that already has one.
	ErrSessionExists = errors.New("call session already exists")
	// ErrRecordNotFound is returned when no call record exists for a call ID.
	ErrRecordNotFound = errors.New("call record not found")
)

// Mutator changes a session in place. Returning an error aborts the update and leaves the
// stored session untouched.
type Mutator func(s *models.CallSession) error

// SessionStore holds the conversation state of live calls keyed by call ID.
// Update must serialize mutators for the same call ID; different call IDs must not block
// each other.
type SessionStore interface {
	// Create stores a fresh session for callID, or returns ErrSessionExists.
	Create(ctx context.Context, callID string, now time.Time) (models.CallSession, error)
	// Get returns the session for callID, or nil when there is none.
	Get(ctx context.Context, callID string) (*models.CallSession, error)
	// Update applies fn atomically and returns the committed session.
	Update(ctx context.Context, callID string, fn Mutator) (models.CallSession, error)
	// Delete removes the session for callID. Deleting an absent session is not an error.
	Delete(ctx context.Context, callID string) error
}

// RecordStore persists finished calls.
type RecordStore interface {
	// SaveCallRecord writes r. A second write for the same call ID is ignored.
	SaveCallRecord(ctx context.Context, r models.CallRecord) error
	// GetCallRecord returns the record for callID or ErrRecordNotFound.
	GetCallRecord(ctx context.Context, callID string) (models.CallRecord, error)
	// ListCallRecords returns all records, most recent call first.
	ListCallRecords(ctx context.Context) ([]models.CallRecord, error)
	Close() error
}

// Opts holds configuration for the database-backed stores.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key/value DSNs and "sqlite" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore is a RecordStore and OutboxRepo kept in process memory.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.CallRecord
	outbox  []OutboxMessage
}

// NewInMemoryStore creates an empty in-memory record store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]models.CallRecord)}
}

func (s *InMemoryStore) SaveCallRecord(ctx context.Context, r models.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[r.CallID]; exists {
		return nil
	}
	s.records[r.CallID] = r
	return nil
}

func (s *InMemoryStore) GetCallRecord(ctx context.Context, callID string) (models.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[callID]
	if !ok {
		return models.CallRecord{}, ErrRecordNotFound
	}
	return r, nil
}

func (s *InMemoryStore) ListCallRecords(ctx context.Context) ([]models.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CallRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
