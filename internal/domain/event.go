package domain

import "time"

// SessionEvent records one applied status transition.
type SessionEvent struct {
	SessionID string         `json:"session_id"`
	From      Status         `json:"from"`
	To        Status         `json:"to"`
	At        time.Time      `json:"at"`
	Session   PaymentSession `json:"session"`
}

// NewSessionEvent builds the event for prev -> next.
func NewSessionEvent(from Status, next PaymentSession) SessionEvent {
	return SessionEvent{
		SessionID: next.SessionID,
		From:      from,
		To:        next.Status,
		At:        next.UpdatedAt,
		Session:   next,
	}
}
