package store

import (
	"context"
	"log/slog"
	"time"
)

// OutboxSendFunc delivers a single outbox message. A non-nil error schedules a retry.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// Default OutboxSender settings.
const (
	DefaultOutboxPollInterval   = 5 * time.Second
	DefaultOutboxStaleThreshold = 5 * time.Minute
	DefaultOutboxClaimLimit     = 10
	DefaultOutboxMaxAttempts    = 5
)

// OutboxSender periodically claims due outbox messages and attempts to deliver them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	maxAttempts    int
	now            func() time.Time
}

// NewOutboxSender creates a new OutboxSender. A non-positive pollInterval uses the default.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = DefaultOutboxPollInterval
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: DefaultOutboxStaleThreshold,
		claimLimit:     DefaultOutboxClaimLimit,
		maxAttempts:    DefaultOutboxMaxAttempts,
		now:            time.Now,
	}
}

// RecoverStaleMessages requeues messages stuck in sending state after a crash.
// Call it once at startup before Run.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	staleBefore := s.now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(ctx, staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval, "maxAttempts", s.maxAttempts)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll claims and delivers one batch of due messages.
func (s *OutboxSender) Poll(ctx context.Context) {
	now := s.now()
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return
	}

	for _, msg := range msgs {
		slog.Debug("OutboxSender.Poll: sending message", "id", msg.ID, "call_id", msg.CallID, "kind", msg.Kind)
		if err := s.sendFunc(ctx, msg); err != nil {
			slog.Error("OutboxSender.Poll: send failed", "id", msg.ID, "attempt", msg.Attempts+1, "error", err)
			// 10s, 20s, 40s, ...
			backoff := time.Duration(10*(1<<msg.Attempts)) * time.Second
			if err := s.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), now.Add(backoff), s.maxAttempts); err != nil {
				slog.Error("OutboxSender.Poll: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
			slog.Error("OutboxSender.Poll: mark sent error", "id", msg.ID, "error", err)
			continue
		}
		slog.Debug("OutboxSender.Poll: message sent", "id", msg.ID, "call_id", msg.CallID)
	}
}
