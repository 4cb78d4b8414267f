// Package domain contains the core types of the payment-session service.
package domain

import "time"

// Status is the lifecycle state of a PaymentSession.
type Status string

// Session statuses.
const (
	StatusInitiated       Status = "initiated"
	StatusEscrowPending   Status = "escrow_pending"
	StatusEscrowConfirmed Status = "escrow_confirmed"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusRefunded        Status = "refunded"
	StatusExpired         Status = "expired"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusInitiated,
	StatusEscrowPending,
	StatusEscrowConfirmed,
	StatusCompleted,
	StatusCancelled,
	StatusRefunded,
	StatusExpired,
}

// IsTerminal reports whether no further transitions are possible from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded, StatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// transitions is the complete status graph. Expiry is reachable from every
// non-terminal status and is added by CanTransition.
var transitions = map[Status][]Status{
	StatusInitiated:       {StatusEscrowPending, StatusCancelled},
	StatusEscrowPending:   {StatusEscrowConfirmed, StatusCancelled},
	StatusEscrowConfirmed: {StatusCompleted, StatusRefunded},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	if from.IsTerminal() || !from.Valid() {
		return false
	}
	if to == StatusExpired {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PaymentSession is the authoritative record of one paid interaction between
// an agent and a website.
type PaymentSession struct {
	SessionID      string     `json:"session_id"`
	AgentAddress   string     `json:"agent_address"`
	WebsiteAddress string     `json:"website_address"`
	Amount         uint64     `json:"amount"`
	AssetID        uint64     `json:"asset_id"`
	EscrowAddress  string     `json:"escrow_address"`
	Status         Status     `json:"status"`
	EscrowTxID     string     `json:"escrow_tx_id,omitempty"`
	ConfirmedRound uint64     `json:"confirmed_round,omitempty"`
	RefundOwed     bool       `json:"refund_owed"`
	PlatformFee    uint64     `json:"platform_fee,omitempty"`
	WebsitePayout  uint64     `json:"website_payout,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// ExpiredAt reports whether the session's deadline is strictly before now.
func (p PaymentSession) ExpiredAt(now time.Time) bool {
	return p.ExpiresAt.Before(now)
}

func (p PaymentSession) with(status Status, at time.Time) PaymentSession {
	p.Status = status
	p.UpdatedAt = at
	return p
}

// InitiatedSession is a session that has not been funded yet.
type InitiatedSession struct{ s PaymentSession }

// EscrowPendingSession is a session whose escrow transfer was broadcast but
// not yet confirmed.
type EscrowPendingSession struct{ s PaymentSession }

// EscrowConfirmedSession is a session whose escrow transfer is final on the
// ledger.
type EscrowConfirmedSession struct{ s PaymentSession }

// ActiveSession is any session that has not reached a terminal status.
type ActiveSession struct{ s PaymentSession }

// AsInitiated narrows p to an InitiatedSession.
func AsInitiated(p PaymentSession) (InitiatedSession, bool) {
	return InitiatedSession{p}, p.Status == StatusInitiated
}

// AsEscrowPending narrows p to an EscrowPendingSession.
func AsEscrowPending(p PaymentSession) (EscrowPendingSession, bool) {
	return EscrowPendingSession{p}, p.Status == StatusEscrowPending
}

// AsEscrowConfirmed narrows p to an EscrowConfirmedSession.
func AsEscrowConfirmed(p PaymentSession) (EscrowConfirmedSession, bool) {
	return EscrowConfirmedSession{p}, p.Status == StatusEscrowConfirmed
}

// AsActive narrows p to an ActiveSession.
func AsActive(p PaymentSession) (ActiveSession, bool) {
	return ActiveSession{p}, p.Status.Valid() && !p.Status.IsTerminal()
}

// RecordEscrow attaches the escrow transaction id.
func (i InitiatedSession) RecordEscrow(txID string, at time.Time) PaymentSession {
	next := i.s.with(StatusEscrowPending, at)
	next.EscrowTxID = txID
	return next
}

// Cancel abandons a session before any funds moved.
func (i InitiatedSession) Cancel(at time.Time) PaymentSession {
	return i.s.with(StatusCancelled, at)
}

// Confirm marks the escrow transfer as final. round is the ledger round the
// transfer was confirmed in, or zero when unknown.
func (e EscrowPendingSession) Confirm(round uint64, at time.Time) PaymentSession {
	next := e.s.with(StatusEscrowConfirmed, at)
	next.ConfirmedRound = round
	return next
}

// Cancel abandons a session whose transfer never confirmed. The broadcast
// transfer may still land in escrow, so a refund is owed.
func (e EscrowPendingSession) Cancel(at time.Time) PaymentSession {
	next := e.s.with(StatusCancelled, at)
	next.RefundOwed = true
	return next
}

// Complete finalizes a paid interaction and records how the escrowed amount
// splits between the platform fee and the website.
func (e EscrowConfirmedSession) Complete(feeBPS uint64, at time.Time) PaymentSession {
	next := e.s.with(StatusCompleted, at)
	next.CompletedAt = &at
	next.PlatformFee, next.WebsitePayout = SplitFee(next.Amount, feeBPS)
	return next
}

// Refund cancels a funded session; the escrowed amount is owed back to the
// agent.
func (e EscrowConfirmedSession) Refund(at time.Time) PaymentSession {
	next := e.s.with(StatusRefunded, at)
	next.RefundOwed = true
	return next
}

// Expire ends a session whose deadline passed.
func (a ActiveSession) Expire(at time.Time) PaymentSession {
	next := a.s.with(StatusExpired, at)
	next.RefundOwed = a.s.EscrowTxID != ""
	return next
}

// Session returns the underlying record.
func (a ActiveSession) Session() PaymentSession { return a.s }
