package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CallIntake/internal/models"
)

// Compile-time check that InMemorySessionStore implements SessionStore.
var _ SessionStore = (*InMemorySessionStore)(nil)

// sessionSlot guards one call's session. The slot mutex serializes mutators for that call
// so a slow callback never holds the map lock.
type sessionSlot struct {
	mu      sync.Mutex
	session models.CallSession
	deleted bool
}

// InMemorySessionStore keeps live sessions in process memory.
type InMemorySessionStore struct {
	mu    sync.Mutex
	slots map[string]*sessionSlot
}

// NewInMemorySessionStore creates an empty session store.
func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{slots: make(map[string]*sessionSlot)}
}

func (s *InMemorySessionStore) slot(callID string) *sessionSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[callID]
}

func (s *InMemorySessionStore) Create(ctx context.Context, callID string, now time.Time) (models.CallSession, error) {
	if callID == "" {
		return models.CallSession{}, models.ErrEmptyCallID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.slots[callID]; exists {
		return models.CallSession{}, ErrSessionExists
	}
	session := models.NewCallSession(callID, now)
	s.slots[callID] = &sessionSlot{session: session}
	slog.Debug("InMemorySessionStore.Create: session created", "call_id", callID)
	return session.Clone(), nil
}

func (s *InMemorySessionStore) Get(ctx context.Context, callID string) (*models.CallSession, error) {
	sl := s.slot(callID)
	if sl == nil {
		return nil, nil
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.deleted {
		return nil, nil
	}
	out := sl.session.Clone()
	return &out, nil
}

func (s *InMemorySessionStore) Update(ctx context.Context, callID string, fn Mutator) (models.CallSession, error) {
	sl := s.slot(callID)
	if sl == nil {
		return models.CallSession{}, ErrSessionNotFound
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.deleted {
		return models.CallSession{}, ErrSessionNotFound
	}
	working := sl.session.Clone()
	if err := fn(&working); err != nil {
		return models.CallSession{}, err
	}
	sl.session = working
	return working.Clone(), nil
}

func (s *InMemorySessionStore) Delete(ctx context.Context, callID string) error {
	s.mu.Lock()
	sl, ok := s.slots[callID]
	delete(s.slots, callID)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	sl.mu.Lock()
	sl.deleted = true
	sl.mu.Unlock()
	slog.Debug("InMemorySessionStore.Delete: session removed", "call_id", callID)
	return nil
}

// Len returns the number of live sessions.
func (s *InMemorySessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Sweep removes sessions not updated since cutoff and returns how many were removed.
func (s *InMemorySessionStore) Sweep(cutoff time.Time) int {
	s.mu.Lock()
	var stale []string
	for id, sl := range s.slots {
		sl.mu.Lock()
		if sl.session.UpdatedAt.Before(cutoff) {
			sl.deleted = true
			stale = append(stale, id)
		}
		sl.mu.Unlock()
	}
	for _, id := range stale {
		delete(s.slots, id)
	}
	s.mu.Unlock()
	if len(stale) > 0 {
		slog.Info("InMemorySessionStore.Sweep: removed stale sessions", "count", len(stale))
	}
	return len(stale)
}
