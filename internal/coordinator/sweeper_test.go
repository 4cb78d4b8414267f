package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ashureev/agentweb/internal/clock"
	"github.com/ashureev/agentweb/internal/domain"
	"github.com/ashureev/agentweb/internal/ledger"
	"github.com/ashureev/agentweb/internal/store"
)

func TestSweepExpiresOverdueSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) { o.Retention = time.Hour })

	unfunded := f.create(t)
	funded := f.confirmed(t)
	settled := f.confirmed(t)
	if _, err := f.svc.CompleteSession(ctx, settled.SessionID); err != nil {
		t.Fatalf("CompleteSession failed: %v", err)
	}

	// At the deadline nothing is overdue yet.
	f.clock.Set(unfunded.ExpiresAt)
	result, err := f.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if result.Expired != 0 {
		t.Fatalf("Expected nothing expired at the deadline, got %d", result.Expired)
	}

	f.clock.Advance(time.Second)
	result, err = f.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if result.Expired != 2 {
		t.Errorf("Expected 2 expired sessions, got %d", result.Expired)
	}

	got, _ := f.repo.GetSession(ctx, unfunded.SessionID)
	if got.Status != domain.StatusExpired || got.RefundOwed {
		t.Errorf("Unfunded session: got %s refund=%v", got.Status, got.RefundOwed)
	}
	got, _ = f.repo.GetSession(ctx, funded.SessionID)
	if got.Status != domain.StatusExpired || !got.RefundOwed {
		t.Errorf("Funded session: got %s refund=%v", got.Status, got.RefundOwed)
	}
	got, _ = f.repo.GetSession(ctx, settled.SessionID)
	if got.Status != domain.StatusCompleted {
		t.Errorf("Completed session must not expire, got %s", got.Status)
	}
}

func TestSweepRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(o *Options) { o.Retention = time.Hour })

	settled := f.confirmed(t)
	if _, err := f.svc.CompleteSession(ctx, settled.SessionID); err != nil {
		t.Fatalf("CompleteSession failed: %v", err)
	}
	refunded := f.confirmed(t)
	if _, err := f.svc.CancelSession(ctx, refunded.SessionID); err != nil {
		t.Fatalf("CancelSession failed: %v", err)
	}

	f.clock.Advance(2 * time.Hour)
	result, err := f.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if result.Deleted != 1 {
		t.Errorf("Expected 1 deleted session, got %d", result.Deleted)
	}
	if _, err := f.svc.GetSession(ctx, settled.SessionID); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Settled session should be removed, got %v", err)
	}
	if _, err := f.svc.GetSession(ctx, refunded.SessionID); err != nil {
		t.Errorf("Session owing a refund must be kept, got %v", err)
	}
}

func TestSweepSkipsConcurrentChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.confirmed(t)

	stale := *s
	if _, err := f.svc.CompleteSession(ctx, s.SessionID); err != nil {
		t.Fatalf("CompleteSession failed: %v", err)
	}
	f.clock.Advance(time.Hour)

	expired, err := f.svc.expire(ctx, &stale)
	if err != nil {
		t.Fatalf("expire failed: %v", err)
	}
	if expired {
		t.Error("Sweep should skip a session that completed concurrently")
	}
	got, _ := f.repo.GetSession(ctx, s.SessionID)
	if got.Status != domain.StatusCompleted {
		t.Errorf("Completed session was overwritten: %s", got.Status)
	}
}

func TestStartSweeperStopsWithContext(t *testing.T) {
	f := newFixture(t)
	s := f.create(t)
	f.clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	f.svc.StartSweeper(ctx, 5*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for {
		got, _ := f.repo.GetSession(context.Background(), s.SessionID)
		if got.Status == domain.StatusExpired {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("Timeout waiting for sweeper to expire the session")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
}

func TestSweepThenVerifyReportsExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.create(t)

	f.clock.Set(s.ExpiresAt.Add(time.Second))
	result, err := f.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if result.Expired != 1 {
		t.Fatalf("Expected 1 expired session, got %d", result.Expired)
	}

	got, err := f.svc.GetSession(ctx, s.SessionID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != domain.StatusExpired || got.RefundOwed {
		t.Fatalf("Expected expired without refund, got %s refund=%v", got.Status, got.RefundOwed)
	}

	v, err := f.svc.Verify(ctx, s.SessionID, "SITE", 1000)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if v.OK || v.Reason != domain.ReasonSessionExpired {
		t.Errorf("Expected %s, got %+v", domain.ReasonSessionExpired, v)
	}
}

// flakyTransitionStore fails every transition of one session.
type flakyTransitionStore struct {
	*store.MemoryStore
	failID string
}

func (f *flakyTransitionStore) TransitionSession(ctx context.Context, next *domain.PaymentSession, expected domain.Status) error {
	if next.SessionID == f.failID {
		return errors.New("disk I/O error")
	}
	return f.MemoryStore.TransitionSession(ctx, next, expected)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(start)
	repo := &flakyTransitionStore{MemoryStore: store.NewMemory()}
	svc := New(repo, repo, repo, Options{
		Clock:  clk,
		Escrow: ledger.FixedEscrow("ESCROW"),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := svc.CreateSession(ctx, CreateSessionParams{AgentAddress: "A", WebsiteAddress: "W", Amount: 1})
		if err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		ids = append(ids, s.SessionID)
	}
	repo.failID = ids[1]

	clk.Advance(time.Hour)
	result, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if result.Expired != 2 || result.Failed != 1 {
		t.Errorf("Expected 2 expired and 1 failed, got %+v", result)
	}

	for i, id := range ids {
		got, _ := repo.GetSession(ctx, id)
		want := domain.StatusExpired
		if i == 1 {
			want = domain.StatusInitiated
		}
		if got.Status != want {
			t.Errorf("Session %s: expected %s, got %s", id, want, got.Status)
		}
	}
}
