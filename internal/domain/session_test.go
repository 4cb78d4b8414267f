package domain

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newSession(status Status) PaymentSession {
	return PaymentSession{
		SessionID:      "s-1",
		AgentAddress:   "AGENT",
		WebsiteAddress: "SITE",
		Amount:         5000,
		EscrowAddress:  "ESCROW",
		Status:         status,
		CreatedAt:      t0,
		UpdatedAt:      t0,
		ExpiresAt:      t0.Add(15 * time.Minute),
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusInitiated, StatusEscrowPending, true},
		{StatusInitiated, StatusCancelled, true},
		{StatusInitiated, StatusEscrowConfirmed, false},
		{StatusInitiated, StatusCompleted, false},
		{StatusEscrowPending, StatusEscrowConfirmed, true},
		{StatusEscrowPending, StatusCancelled, true},
		{StatusEscrowPending, StatusRefunded, false},
		{StatusEscrowConfirmed, StatusCompleted, true},
		{StatusEscrowConfirmed, StatusRefunded, true},
		{StatusEscrowConfirmed, StatusCancelled, false},
		{StatusInitiated, StatusExpired, true},
		{StatusEscrowPending, StatusExpired, true},
		{StatusEscrowConfirmed, StatusExpired, true},
		{StatusCompleted, StatusExpired, false},
		{StatusCancelled, StatusEscrowPending, false},
		{StatusRefunded, StatusCompleted, false},
		{StatusExpired, StatusCancelled, false},
		{Status("bogus"), StatusExpired, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestNarrowing(t *testing.T) {
	for _, status := range AllStatuses {
		s := newSession(status)
		if _, ok := AsInitiated(s); ok != (status == StatusInitiated) {
			t.Errorf("AsInitiated(%s) = %v", status, ok)
		}
		if _, ok := AsEscrowPending(s); ok != (status == StatusEscrowPending) {
			t.Errorf("AsEscrowPending(%s) = %v", status, ok)
		}
		if _, ok := AsEscrowConfirmed(s); ok != (status == StatusEscrowConfirmed) {
			t.Errorf("AsEscrowConfirmed(%s) = %v", status, ok)
		}
		if _, ok := AsActive(s); ok != !status.IsTerminal() {
			t.Errorf("AsActive(%s) = %v", status, ok)
		}
	}
}

func TestHappyPath(t *testing.T) {
	at := t0.Add(time.Minute)

	initiated, _ := AsInitiated(newSession(StatusInitiated))
	pending := initiated.RecordEscrow("TX1", at)
	if pending.Status != StatusEscrowPending || pending.EscrowTxID != "TX1" {
		t.Fatalf("RecordEscrow: got status %s tx %q", pending.Status, pending.EscrowTxID)
	}
	if !pending.UpdatedAt.Equal(at) {
		t.Errorf("Expected UpdatedAt %v, got %v", at, pending.UpdatedAt)
	}

	p, _ := AsEscrowPending(pending)
	confirmed := p.Confirm(1042, at)
	if confirmed.Status != StatusEscrowConfirmed || confirmed.ConfirmedRound != 1042 {
		t.Fatalf("Confirm: got status %s round %d", confirmed.Status, confirmed.ConfirmedRound)
	}

	c, _ := AsEscrowConfirmed(confirmed)
	completed := c.Complete(DefaultPlatformFeeBPS, at)
	if completed.Status != StatusCompleted {
		t.Fatalf("Complete: got status %s", completed.Status)
	}
	if completed.PlatformFee != 50 || completed.WebsitePayout != 4950 {
		t.Errorf("Expected fee 50 and payout 4950, got %d and %d", completed.PlatformFee, completed.WebsitePayout)
	}
	if completed.CompletedAt == nil || !completed.CompletedAt.Equal(at) {
		t.Errorf("Expected CompletedAt %v, got %v", at, completed.CompletedAt)
	}
	if completed.RefundOwed {
		t.Error("Completed session must not owe a refund")
	}
}

func TestCancelAndRefund(t *testing.T) {
	initiated, _ := AsInitiated(newSession(StatusInitiated))
	if got := initiated.Cancel(t0); got.Status != StatusCancelled || got.RefundOwed {
		t.Errorf("Initiated cancel: got %s refund=%v", got.Status, got.RefundOwed)
	}

	pendingSession := newSession(StatusEscrowPending)
	pendingSession.EscrowTxID = "TX1"
	pending, _ := AsEscrowPending(pendingSession)
	if got := pending.Cancel(t0); got.Status != StatusCancelled || !got.RefundOwed {
		t.Errorf("Pending cancel: got %s refund=%v", got.Status, got.RefundOwed)
	}

	confirmed, _ := AsEscrowConfirmed(newSession(StatusEscrowConfirmed))
	if got := confirmed.Refund(t0); got.Status != StatusRefunded || !got.RefundOwed {
		t.Errorf("Confirmed refund: got %s refund=%v", got.Status, got.RefundOwed)
	}
}

func TestExpire(t *testing.T) {
	unpaid, _ := AsActive(newSession(StatusInitiated))
	if got := unpaid.Expire(t0); got.Status != StatusExpired || got.RefundOwed {
		t.Errorf("Unpaid expire: got %s refund=%v", got.Status, got.RefundOwed)
	}

	paidSession := newSession(StatusEscrowConfirmed)
	paidSession.EscrowTxID = "TX1"
	paid, _ := AsActive(paidSession)
	if got := paid.Expire(t0); got.Status != StatusExpired || !got.RefundOwed {
		t.Errorf("Paid expire: got %s refund=%v", got.Status, got.RefundOwed)
	}
}

func TestExpiredAtIsStrict(t *testing.T) {
	s := newSession(StatusInitiated)
	if s.ExpiredAt(s.ExpiresAt) {
		t.Error("Session must not be expired exactly at its deadline")
	}
	if !s.ExpiredAt(s.ExpiresAt.Add(time.Nanosecond)) {
		t.Error("Session must be expired after its deadline")
	}
}

func TestTransitionsDoNotMutateInput(t *testing.T) {
	orig := newSession(StatusInitiated)
	initiated, _ := AsInitiated(orig)
	_ = initiated.RecordEscrow("TX1", t0.Add(time.Minute))

	if orig.Status != StatusInitiated || orig.EscrowTxID != "" {
		t.Errorf("Input session was modified: %+v", orig)
	}
}
