package api

import (
	"net/http"

	"github.com/ashureev/agentweb/internal/coordinator"
	"github.com/go-chi/chi/v5"
)

// RegisterAgent registers an agent whose registration message is signed by
// its account key.
func (h *Handler) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req coordinator.RegisterAgentParams
	if err := decode(w, r, &req); err != nil {
		h.WriteError(w, r, err)
		return
	}
	agent, err := h.svc.RegisterAgent(r.Context(), req)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, agent)
}

// GetAgent returns one registered agent.
func (h *Handler) GetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.svc.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, agent)
}
