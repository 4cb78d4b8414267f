package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/agentweb/internal/coordinator"
	"github.com/ashureev/agentweb/internal/domain"
	"github.com/go-chi/chi/v5"
)

// InitiateRequest is the body of POST /payments/initiate.
type InitiateRequest struct {
	AgentAddress   string `json:"agent_address"`
	WebsiteAddress string `json:"website_address"`
	Amount         uint64 `json:"amount"`
	AssetID        uint64 `json:"asset_id"`
	TTLSeconds     int64  `json:"ttl_seconds,omitempty"`
}

// EscrowRequest is the body of POST /payments/escrow.
type EscrowRequest struct {
	SessionID string `json:"session_id"`
	TxID      string `json:"tx_id"`
}

// ConfirmRequest is the body of POST /payments/confirm.
type ConfirmRequest struct {
	SessionID      string `json:"session_id"`
	ConfirmedRound uint64 `json:"confirmed_round,omitempty"`
}

// SessionRequest is the body of POST /payments/complete and /payments/cancel.
type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// VerifyRequest is the body of POST /payments/verify.
type VerifyRequest struct {
	SessionID      string `json:"session_id"`
	WebsiteAddress string `json:"website_address"`
	MinAmount      uint64 `json:"min_amount"`
}

// InitiatePayment opens a payment session.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req InitiateRequest
	if err := decode(w, r, &req); err != nil {
		h.WriteError(w, r, err)
		return
	}
	if req.TTLSeconds < 0 {
		h.WriteError(w, r, fmt.Errorf("%w: ttl_seconds must not be negative", domain.ErrInvalidRequest))
		return
	}

	session, err := h.svc.CreateSession(r.Context(), coordinator.CreateSessionParams{
		AgentAddress:   req.AgentAddress,
		WebsiteAddress: req.WebsiteAddress,
		Amount:         req.Amount,
		AssetID:        req.AssetID,
		TTL:            time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, session)
}

// RecordEscrow attaches the escrow transaction id to a session.
func (h *Handler) RecordEscrow(w http.ResponseWriter, r *http.Request) {
	var req EscrowRequest
	if err := decode(w, r, &req); err != nil {
		h.WriteError(w, r, err)
		return
	}
	session, err := h.svc.RecordEscrow(r.Context(), req.SessionID, req.TxID)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, session)
}

// ConfirmEscrow marks a session's escrow transfer as final.
func (h *Handler) ConfirmEscrow(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := decode(w, r, &req); err != nil {
		h.WriteError(w, r, err)
		return
	}
	session, err := h.svc.ConfirmEscrow(r.Context(), req.SessionID, req.ConfirmedRound)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, session)
}

// CompleteSession settles a confirmed session.
func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := decode(w, r, &req); err != nil {
		h.WriteError(w, r, err)
		return
	}
	session, err := h.svc.CompleteSession(r.Context(), req.SessionID)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, session)
}

// CancelSession abandons a session.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := decode(w, r, &req); err != nil {
		h.WriteError(w, r, err)
		return
	}
	session, err := h.svc.CancelSession(r.Context(), req.SessionID)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, session)
}

// VerifyPayment answers whether a session pays for a request. Rejections
// are 200 responses with ok=false and a reason.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := decode(w, r, &req); err != nil {
		h.WriteError(w, r, err)
		return
	}
	v, err := h.svc.Verify(r.Context(), req.SessionID, req.WebsiteAddress, req.MinAmount)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, v)
}

// GetSession returns a session snapshot.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, session)
}

// ListRefunds lists sessions whose escrow is owed back to the agent.
func (h *Handler) ListRefunds(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.WriteError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrInvalidRequest))
			return
		}
		limit = n
	}
	sessions, err := h.svc.ListRefundsOwed(r.Context(), limit)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.PaymentSession{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}
