package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Compile-time check that InMemoryStore implements OutboxRepo.
var _ OutboxRepo = (*InMemoryStore)(nil)

func (s *InMemoryStore) EnqueueOutboxMessage(ctx context.Context, callID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}

	now := time.Now()
	msg := OutboxMessage{
		ID:          "outbox_" + uuid.NewString(),
		CallID:      callID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox = append(s.outbox, msg)
	return msg.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []OutboxMessage
	for i := range s.outbox {
		if len(claimed) >= limit {
			break
		}
		m := &s.outbox[i]
		if m.Status != OutboxStatusQueued || (m.NextAttemptAt != nil && m.NextAttemptAt.After(now)) {
			continue
		}
		lockedAt := now
		m.Status = OutboxStatusSending
		m.LockedAt = &lockedAt
		m.UpdatedAt = now
		claimed = append(claimed, *m)
	}
	return claimed, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.findOutbox(id); m != nil {
		m.Status = OutboxStatusSent
		m.LockedAt = nil
		m.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.findOutbox(id)
	if m == nil {
		return nil
	}
	m.Attempts++
	m.LastError = errMsg
	m.NextAttemptAt = &nextAttemptAt
	m.LockedAt = nil
	m.UpdatedAt = time.Now()
	if m.Attempts >= maxAttempts {
		m.Status = OutboxStatusCanceled
	} else {
		m.Status = OutboxStatusQueued
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.outbox {
		m := &s.outbox[i]
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// OutboxMessages returns a snapshot of every outbox message.
func (s *InMemoryStore) OutboxMessages() []OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OutboxMessage, len(s.outbox))
	copy(out, s.outbox)
	return out
}

func (s *InMemoryStore) findOutbox(id string) *OutboxMessage {
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			return &s.outbox[i]
		}
	}
	return nil
}
