// Package api provides the coordinator's HTTP handlers and the HTTP client
// used by agents and gateways.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/agentweb/internal/coordinator"
	"github.com/ashureev/agentweb/internal/domain"
	"github.com/ashureev/agentweb/internal/events"
	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errhttp"
	"github.com/go-chi/chi/v5"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Handler serves the coordinator API.
type Handler struct {
	svc       *coordinator.Service
	broker    events.Broker
	forwarder Forwarder
	logger    *slog.Logger
}

// NewHandler creates a Handler. broker and forwarder may be nil; the watch
// and hosted query routes then answer 501.
func NewHandler(svc *coordinator.Service, broker events.Broker, forwarder Forwarder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:       svc,
		broker:    broker,
		forwarder: forwarder,
		logger:    logger,
	}
}

// RegisterRoutes registers every coordinator route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/websites", func(r chi.Router) {
		r.Post("/register", h.RegisterWebsite)
		r.Get("/", h.ListWebsites)
		r.Get("/{domain}/info", h.GetWebsite)
	})
	r.Route("/agents", func(r chi.Router) {
		r.Post("/register", h.RegisterAgent)
		r.Get("/{id}/info", h.GetAgent)
	})
	r.Route("/payments", func(r chi.Router) {
		r.Post("/initiate", h.InitiatePayment)
		r.Post("/escrow", h.RecordEscrow)
		r.Post("/confirm", h.ConfirmEscrow)
		r.Post("/complete", h.CompleteSession)
		r.Post("/cancel", h.CancelSession)
		r.Post("/verify", h.VerifyPayment)
		r.Get("/session/{id}", h.GetSession)
		r.Get("/session/{id}/watch", h.WatchSession)
		r.Get("/refunds", h.ListRefunds)
	})
	r.Post("/agent/query", h.AgentQuery)
}

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, ErrorBody{Error: message, Code: code})
}

// StatusFor maps an error to its HTTP status through its errdefs class.
func StatusFor(err error) int {
	switch {
	case errdefs.IsAlreadyExists(err):
		return http.StatusConflict
	case errdefs.IsDeadlineExceeded(err):
		return http.StatusGatewayTimeout
	}
	return errhttp.ToHTTP(err)
}

// WriteError writes err with its status and machine code. Internal errors
// are logged and their message hidden.
func (h *Handler) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	code := domain.CodeOf(err)
	message := err.Error()
	if status >= http.StatusInternalServerError && code == domain.CodeInternal {
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		message = "internal error"
	}
	Error(w, status, code, message)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", domain.ErrInvalidRequest)
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	return nil
}
