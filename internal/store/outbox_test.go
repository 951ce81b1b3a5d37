package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

// exerciseOutboxRepo runs the shared OutboxRepo contract against repo.
func exerciseOutboxRepo(t *testing.T, repo OutboxRepo) {
	t.Helper()
	ctx := context.Background()

	id, err := repo.EnqueueOutboxMessage(ctx, "CA1", OutboxKindEscalation, `{"call_id":"CA1"}`, "escalation:CA1")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	again, err := repo.EnqueueOutboxMessage(ctx, "CA1", OutboxKindEscalation, `{"call_id":"CA1"}`, "escalation:CA1")
	if err != nil {
		t.Fatalf("second EnqueueOutboxMessage failed: %v", err)
	}
	if again != id {
		t.Errorf("expected dedupe to return %s, got %s", id, again)
	}

	now := time.Now()
	msgs, err := repo.ClaimDueOutboxMessages(ctx, now, 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 claimed message, got %d", len(msgs))
	}
	if msgs[0].Status != OutboxStatusSending || msgs[0].CallID != "CA1" || msgs[0].Kind != OutboxKindEscalation {
		t.Errorf("unexpected claimed message: %+v", msgs[0])
	}

	// Claimed messages are not handed out twice.
	if more, _ := repo.ClaimDueOutboxMessages(ctx, now, 10); len(more) != 0 {
		t.Errorf("expected no further claims, got %d", len(more))
	}

	// A failure reschedules into the future.
	if err := repo.FailOutboxMessage(ctx, id, "boom", now.Add(time.Minute), 2); err != nil {
		t.Fatalf("FailOutboxMessage failed: %v", err)
	}
	if early, _ := repo.ClaimDueOutboxMessages(ctx, now, 10); len(early) != 0 {
		t.Errorf("expected retry to wait for next attempt, got %d", len(early))
	}
	retry, err := repo.ClaimDueOutboxMessages(ctx, now.Add(2*time.Minute), 10)
	if err != nil || len(retry) != 1 {
		t.Fatalf("expected retry claim, got %d err=%v", len(retry), err)
	}
	if retry[0].Attempts != 1 || retry[0].LastError != "boom" {
		t.Errorf("unexpected retry state: %+v", retry[0])
	}

	// Reaching maxAttempts cancels the message, which frees the dedupe key.
	if err := repo.FailOutboxMessage(ctx, id, "boom again", now.Add(3*time.Minute), 2); err != nil {
		t.Fatalf("FailOutboxMessage failed: %v", err)
	}
	if gone, _ := repo.ClaimDueOutboxMessages(ctx, now.Add(time.Hour), 10); len(gone) != 0 {
		t.Errorf("expected canceled message to stay unclaimed, got %d", len(gone))
	}
	fresh, err := repo.EnqueueOutboxMessage(ctx, "CA1", OutboxKindEscalation, `{}`, "escalation:CA1")
	if err != nil {
		t.Fatalf("re-enqueue failed: %v", err)
	}
	if fresh == id {
		t.Error("expected a new message once the old one was canceled")
	}

	claimed, _ := repo.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if len(claimed) != 1 {
		t.Fatalf("expected fresh message to be claimable, got %d", len(claimed))
	}
	if err := repo.MarkOutboxMessageSent(ctx, fresh); err != nil {
		t.Fatalf("MarkOutboxMessageSent failed: %v", err)
	}
	if n, err := repo.RequeueStaleSendingMessages(ctx, time.Now().Add(time.Hour)); err != nil || n != 0 {
		t.Errorf("expected no stale messages after send, got %d err=%v", n, err)
	}
}

func TestInMemoryStore_Outbox(t *testing.T) {
	exerciseOutboxRepo(t, NewInMemoryStore())
}

func TestSQLiteStore_Outbox(t *testing.T) {
	exerciseOutboxRepo(t, newTestSQLiteStore(t))
}

func TestPostgresStore_Outbox(t *testing.T) {
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	pgStore.db.Exec("DELETE FROM outbox_messages WHERE call_id = 'CA1'")
	exerciseOutboxRepo(t, pgStore)
}

func TestOutboxSender_PollDeliversAndRetries(t *testing.T) {
	ctx := context.Background()
	repo := NewInMemoryStore()
	if _, err := repo.EnqueueOutboxMessage(ctx, "CA1", OutboxKindEscalation, `{}`, ""); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	var calls int32
	sender := NewOutboxSender(repo, func(ctx context.Context, msg OutboxMessage) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("provider down")
		}
		return nil
	}, time.Second)

	clock := time.Now()
	sender.now = func() time.Time { return clock }

	sender.Poll(ctx)
	msgs := repo.OutboxMessages()
	if msgs[0].Status != OutboxStatusQueued || msgs[0].Attempts != 1 {
		t.Fatalf("expected message requeued after failure, got %+v", msgs[0])
	}

	// Backoff for the first retry is 10s.
	clock = clock.Add(11 * time.Second)
	sender.Poll(ctx)
	msgs = repo.OutboxMessages()
	if msgs[0].Status != OutboxStatusSent {
		t.Errorf("expected message sent on retry, got %q", msgs[0].Status)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("expected 2 send attempts, got %d", calls)
	}
}

// TestOutboxSenderRestartRecovery simulates a crash while a message is being sent.
func TestOutboxSenderRestartRecovery(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "outbox.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	if _, err := s1.EnqueueOutboxMessage(ctx, "CA-crash", OutboxKindEscalation, `{}`, "escalation:CA-crash"); err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	msgs, err := s1.ClaimDueOutboxMessages(ctx, time.Now(), 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected 1 claimed message, got %d err=%v", len(msgs), err)
	}
	// "Crash" without marking sent.
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	var sent int32
	sender := NewOutboxSender(s2, func(ctx context.Context, msg OutboxMessage) error {
		atomic.AddInt32(&sent, 1)
		return nil
	}, 50*time.Millisecond)
	sender.staleThreshold = -time.Minute // everything counts as stale

	if err := sender.RecoverStaleMessages(ctx); err != nil {
		t.Fatalf("RecoverStaleMessages failed: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	go sender.Run(runCtx)
	<-runCtx.Done()

	if atomic.LoadInt32(&sent) != 1 {
		t.Errorf("expected 1 send after recovery, got %d", atomic.LoadInt32(&sent))
	}
}
