package domain

import "time"

// VerifyReason explains why verification failed.
type VerifyReason string

// Verification outcomes.
const (
	ReasonNone                VerifyReason = ""
	ReasonSessionNotFound     VerifyReason = "SESSION_NOT_FOUND"
	ReasonSessionNotConfirmed VerifyReason = "SESSION_NOT_CONFIRMED"
	ReasonSessionExpired      VerifyReason = "SESSION_EXPIRED"
	ReasonAmountTooLow        VerifyReason = "AMOUNT_TOO_LOW"
	ReasonWrongWebsite        VerifyReason = "WRONG_WEBSITE"
)

// Verification is the answer to "may this session pay for this request".
type Verification struct {
	OK           bool         `json:"ok"`
	Reason       VerifyReason `json:"reason,omitempty"`
	SessionID    string       `json:"session_id"`
	AgentAddress string       `json:"agent_address,omitempty"`
	Amount       uint64       `json:"amount,omitempty"`
	Status       Status       `json:"status,omitempty"`
}

// Verify evaluates a session against the requesting website and minimum
// amount at time now. A nil session yields SESSION_NOT_FOUND.
func Verify(s *PaymentSession, sessionID, website string, minAmount uint64, now time.Time) Verification {
	v := Verification{SessionID: sessionID}
	if s == nil {
		v.Reason = ReasonSessionNotFound
		return v
	}
	v.Status = s.Status

	switch s.Status {
	case StatusCompleted:
	case StatusEscrowConfirmed:
		if s.ExpiredAt(now) {
			v.Reason = ReasonSessionExpired
			return v
		}
	case StatusExpired:
		v.Reason = ReasonSessionExpired
		return v
	default:
		v.Reason = ReasonSessionNotConfirmed
		return v
	}

	if s.WebsiteAddress != website {
		v.Reason = ReasonWrongWebsite
		return v
	}
	if s.Amount < minAmount {
		v.Reason = ReasonAmountTooLow
		return v
	}

	v.OK = true
	v.AgentAddress = s.AgentAddress
	v.Amount = s.Amount
	return v
}
