package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashureev/agentweb/internal/domain"
)

func TestWatchSessionStreamsTransitions(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t, "SITE", 100)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msgs := make(chan WatchMessage, 16)
	done := make(chan error, 1)
	go func() {
		done <- env.client.WatchSession(ctx, s.SessionID, func(m WatchMessage) bool {
			msgs <- m
			return true
		})
	}()

	next := func() WatchMessage {
		t.Helper()
		select {
		case m := <-msgs:
			return m
		case <-ctx.Done():
			t.Fatal("Timed out waiting for watch message")
			return WatchMessage{}
		}
	}

	snap := next()
	if snap.Type != WatchSnapshot || snap.Session == nil || snap.Session.Status != domain.StatusInitiated {
		t.Fatalf("Expected initiated snapshot, got %+v", snap)
	}

	if _, err := env.client.RecordEscrow(ctx, s.SessionID, "TX1"); err != nil {
		t.Fatalf("RecordEscrow failed: %v", err)
	}
	if m := next(); m.Type != WatchEvent || m.From != domain.StatusInitiated || m.Session.Status != domain.StatusEscrowPending {
		t.Fatalf("Expected escrow pending event, got %+v", m)
	}

	if _, err := env.client.CancelSession(ctx, s.SessionID); err != nil {
		t.Fatalf("CancelSession failed: %v", err)
	}
	m := next()
	if m.Type != WatchEvent || m.Session.Status != domain.StatusCancelled || !m.Session.RefundOwed {
		t.Fatalf("Expected cancelled event with refund owed, got %+v", m)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean end of stream after terminal status, got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("Watch did not end after terminal status")
	}
}

func TestWatchTerminalSessionEndsAfterSnapshot(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t, "SITE", 100)
	if _, err := env.client.CancelSession(context.Background(), s.SessionID); err != nil {
		t.Fatalf("CancelSession failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var got []WatchMessage
	err := env.client.WatchSession(ctx, s.SessionID, func(m WatchMessage) bool {
		got = append(got, m)
		return true
	})
	if err != nil {
		t.Fatalf("WatchSession failed: %v", err)
	}
	if len(got) != 1 || got[0].Type != WatchSnapshot || got[0].Session.Status != domain.StatusCancelled {
		t.Errorf("Expected a single cancelled snapshot, got %+v", got)
	}
}

func TestWatchUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := env.client.WatchSession(ctx, "missing", func(WatchMessage) bool { return true })
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestWatchStopsWhenCallbackDeclines(t *testing.T) {
	env := newTestEnv(t)
	s := env.create(t, "SITE", 100)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	calls := 0
	err := env.client.WatchSession(ctx, s.SessionID, func(WatchMessage) bool {
		calls++
		return false
	})
	if err != nil {
		t.Fatalf("WatchSession failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected one callback, got %d", calls)
	}
}

func TestWatchCursorDropsEventsCoveredBySnapshot(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	pending := domain.PaymentSession{SessionID: "s1", Status: domain.StatusEscrowPending, UpdatedAt: at}
	cursor := watchCursor{status: pending.Status, at: pending.UpdatedAt}

	// Published between subscribe and the snapshot read, same timestamp.
	if cursor.advance(domain.NewSessionEvent(domain.StatusInitiated, pending)) {
		t.Error("Expected the event already in the snapshot to be skipped")
	}

	confirmed := pending
	confirmed.Status = domain.StatusEscrowConfirmed
	if !cursor.advance(domain.NewSessionEvent(domain.StatusEscrowPending, confirmed)) {
		t.Error("Expected a same-timestamp transition to a new status to be sent")
	}
	if cursor.advance(domain.NewSessionEvent(domain.StatusEscrowPending, confirmed)) {
		t.Error("Expected a redelivered event to be skipped")
	}

	stale := pending
	stale.UpdatedAt = at.Add(-time.Second)
	stale.Status = domain.StatusCancelled
	if cursor.advance(domain.NewSessionEvent(domain.StatusInitiated, stale)) {
		t.Error("Expected an event older than the last one sent to be skipped")
	}
}
