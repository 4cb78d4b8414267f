package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ashureev/agentweb/internal/coordinator"
	"github.com/ashureev/agentweb/internal/domain"
	"github.com/ashureev/agentweb/internal/gateway"
	"github.com/ashureev/agentweb/internal/store"
	"github.com/go-chi/chi/v5"
)

// AgentQueryRequest is the body of POST /agent/query. Query is the encoded
// descriptor exactly as signed by the agent.
type AgentQueryRequest struct {
	SessionID    string `json:"session_id"`
	Domain       string `json:"domain"`
	Query        string `json:"query"`
	AgentAddress string `json:"agent_address,omitempty"`
	Signature    string `json:"signature,omitempty"`
}

// RegisterWebsite registers or updates a website.
func (h *Handler) RegisterWebsite(w http.ResponseWriter, r *http.Request) {
	var req coordinator.RegisterWebsiteParams
	if err := decode(w, r, &req); err != nil {
		h.WriteError(w, r, err)
		return
	}
	website, err := h.svc.RegisterWebsite(r.Context(), req)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, website)
}

// ListWebsites discovers websites by domain substring.
func (h *Handler) ListWebsites(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.WebsiteFilter{
		DomainContains: q.Get("domain"),
		VerifiedOnly:   q.Get("verified") == "true",
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.WriteError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrInvalidRequest))
			return
		}
		filter.Limit = n
	}

	websites, err := h.svc.ListWebsites(r.Context(), filter)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	if websites == nil {
		websites = []*domain.Website{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"websites": websites,
		"count":    len(websites),
	})
}

// GetWebsite returns one registered website.
func (h *Handler) GetWebsite(w http.ResponseWriter, r *http.Request) {
	website, err := h.svc.GetWebsite(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, website)
}

// AgentQuery verifies the payment for a hosted query and forwards it to the
// registered website.
func (h *Handler) AgentQuery(w http.ResponseWriter, r *http.Request) {
	if h.forwarder == nil {
		Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "hosted queries are disabled")
		return
	}

	var req AgentQueryRequest
	if err := decode(w, r, &req); err != nil {
		h.WriteError(w, r, err)
		return
	}
	if req.SessionID == "" {
		h.WriteError(w, r, fmt.Errorf("%w: session_id is required", domain.ErrInvalidRequest))
		return
	}
	desc, err := gateway.DecodeDescriptor(req.Query)
	if err != nil {
		Error(w, http.StatusBadRequest, gateway.CodeInvalidQuery, err.Error())
		return
	}

	ctx := r.Context()
	website, v, err := h.svc.VerifyForWebsite(ctx, req.SessionID, req.Domain, desc.PaymentAmount)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	if !website.Supports(desc.QueryType) {
		Error(w, http.StatusBadRequest, gateway.CodeUnsupportedQuery, "query type "+string(desc.QueryType)+" is not supported")
		return
	}
	if !v.OK {
		Error(w, http.StatusPaymentRequired, string(v.Reason), "payment verification failed")
		return
	}
	if req.AgentAddress != "" && req.AgentAddress != v.AgentAddress {
		Error(w, http.StatusPaymentRequired, gateway.CodeAgentMismatch, "session belongs to another agent")
		return
	}

	resp, err := h.forwarder.Forward(ctx, ForwardRequest{
		Website:      website,
		SessionID:    req.SessionID,
		Query:        req.Query,
		Descriptor:   desc,
		AgentAddress: v.AgentAddress,
		Signature:    req.Signature,
	})
	if err != nil {
		if errors.Is(err, ctx.Err()) {
			return
		}
		h.logger.Warn("Hosted query forwarding failed", "session_id", req.SessionID, "domain", website.Domain, "error", err)
		Error(w, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "website did not answer")
		return
	}

	for _, key := range []string{"Content-Type", gateway.PaymentVerifiedHeaderName} {
		if val := resp.Header.Get(key); val != "" {
			w.Header().Set(key, val)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		h.logger.Debug("Failed to relay hosted query response", "session_id", req.SessionID, "error", err)
	}
}
