// Package gateway is the serving party's request filter: it authorizes
// agent requests against the session coordinator before they reach the
// query executor.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/agentweb/internal/domain"
	"github.com/ashureev/agentweb/internal/identity"
	"github.com/ashureev/agentweb/internal/middleware"
)

// Protocol headers.
const (
	SessionHeaderName         = "X-AgentWeb-Session-Id"
	QueryHeaderName           = "X-AgentWeb-Query"
	VerificationHeaderName    = "X-AgentWeb-Verification"
	PaymentVerifiedHeaderName = "X-AgentWeb-Payment-Verified"
	SupportedQueriesHeader    = "X-AgentWeb-Supported-Queries"
	PaymentRequiredHeaderName = "X-AgentWeb-Payment-Required"
	BasePaymentHeaderName     = "X-AgentWeb-Base-Payment"
)

// Gateway-local rejection codes. Verification rejections use the
// domain.VerifyReason values.
const (
	CodeInvalidQuery        = "INVALID_QUERY"
	CodeUnsupportedQuery    = "UNSUPPORTED_QUERY"
	CodeInvalidSignature    = "INVALID_SIGNATURE"
	CodeAgentMismatch       = "AGENT_MISMATCH"
	CodePaymentRequired     = "PAYMENT_REQUIRED"
	CodeVerifierUnavailable = "VERIFIER_UNAVAILABLE"
)

// Verifier asks the coordinator whether a session pays for a request.
type Verifier interface {
	Verify(ctx context.Context, sessionID, website string, minAmount uint64) (domain.Verification, error)
}

// Config describes the serving party.
type Config struct {
	OwnerAddress        string
	BasePaymentAmount   uint64
	PaymentRequired     bool
	SupportedQueryTypes []domain.QueryType
	RequireSignature    bool
	// VerificationToken is served in X-AgentWeb-Verification so the
	// coordinator can confirm domain ownership at registration.
	VerificationToken string
	// RejectAnonymous refuses requests without a session header instead of
	// passing them through.
	RejectAnonymous bool
}

// Gateway authorizes agent requests.
type Gateway struct {
	cfg      Config
	verifier Verifier
	limiter  *middleware.RateLimiter
	logger   *slog.Logger
}

// New creates a gateway. limiter may be nil.
func New(cfg Config, verifier Verifier, limiter *middleware.RateLimiter, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{cfg: cfg, verifier: verifier, limiter: limiter, logger: logger}
}

// AgentRequest is the authorized request handed to the query executor.
type AgentRequest struct {
	SessionID    string
	AgentAddress string
	Descriptor   domain.QueryDescriptor
	Verification domain.Verification
}

type contextKey int

const agentRequestKey contextKey = iota

// RequestFromContext returns the authorized agent request, if any.
func RequestFromContext(ctx context.Context) (AgentRequest, bool) {
	req, ok := ctx.Value(agentRequestKey).(AgentRequest)
	return req, ok
}

// rejection is the 402/4xx body. Only the website's own address and pricing
// are disclosed.
type rejection struct {
	Error             string `json:"error"`
	Code              string `json:"code"`
	SessionID         string `json:"session_id,omitempty"`
	OwnerAddress      string `json:"owner_address,omitempty"`
	BasePaymentAmount uint64 `json:"base_payment_amount,omitempty"`
}

// Middleware wraps the query executor.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.setCapabilityHeaders(w)

		sessionID := strings.TrimSpace(r.Header.Get(SessionHeaderName))
		if sessionID == "" {
			if g.cfg.RejectAnonymous {
				g.reject(w, http.StatusPaymentRequired, CodePaymentRequired, "payment session required", "")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		rawQuery := r.Header.Get(QueryHeaderName)
		desc, err := DecodeDescriptor(rawQuery)
		if err != nil {
			g.reject(w, http.StatusBadRequest, CodeInvalidQuery, err.Error(), sessionID)
			return
		}
		if !g.supports(desc.QueryType) {
			g.reject(w, http.StatusBadRequest, CodeUnsupportedQuery, "query type "+string(desc.QueryType)+" is not supported", sessionID)
			return
		}

		agent := identity.AgentAddressFromContext(r.Context())
		if g.cfg.RequireSignature {
			agent, err = identity.VerifyRequest(r, sessionID, rawQuery)
			if err != nil {
				g.reject(w, http.StatusUnauthorized, CodeInvalidSignature, err.Error(), sessionID)
				return
			}
		}

		if g.limiter != nil {
			key := agent
			if key == "" {
				key = identity.IPFromRequest(r)
			}
			if !g.limiter.Allow(key) {
				g.reject(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", sessionID)
				return
			}
		}

		req := AgentRequest{SessionID: sessionID, AgentAddress: agent, Descriptor: desc}

		if g.cfg.PaymentRequired {
			verification, ok := g.verify(w, r, sessionID, agent, desc)
			if !ok {
				return
			}
			req.Verification = verification
			if req.AgentAddress == "" {
				req.AgentAddress = verification.AgentAddress
			}
			w.Header().Set(PaymentVerifiedHeaderName, "true")
		}

		ctx := context.WithValue(r.Context(), agentRequestKey, req)
		ctx = identity.WithAgentAddress(ctx, req.AgentAddress)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (g *Gateway) verify(w http.ResponseWriter, r *http.Request, sessionID, agent string, desc domain.QueryDescriptor) (domain.Verification, bool) {
	if desc.PaymentAmount < g.cfg.BasePaymentAmount {
		g.reject(w, http.StatusPaymentRequired, string(domain.ReasonAmountTooLow),
			"declared payment is below the base price", sessionID)
		return domain.Verification{}, false
	}

	v, err := g.verifier.Verify(r.Context(), sessionID, g.cfg.OwnerAddress, desc.PaymentAmount)
	if err != nil {
		g.logger.Error("Payment verification unavailable", "session_id", sessionID, "error", err)
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.Canceled) {
			status = http.StatusRequestTimeout
		}
		g.reject(w, status, CodeVerifierUnavailable, "payment verification unavailable", sessionID)
		return domain.Verification{}, false
	}
	if !v.OK {
		g.logger.Info("Agent request rejected", "session_id", sessionID, "reason", v.Reason)
		g.reject(w, http.StatusPaymentRequired, string(v.Reason), "payment verification failed", sessionID)
		return domain.Verification{}, false
	}
	if agent != "" && v.AgentAddress != "" && agent != v.AgentAddress {
		g.logger.Warn("Agent does not own session", "session_id", sessionID, "agent", agent)
		g.reject(w, http.StatusPaymentRequired, CodeAgentMismatch, "session belongs to another agent", sessionID)
		return domain.Verification{}, false
	}
	return v, true
}

func (g *Gateway) supports(qt domain.QueryType) bool {
	if len(g.cfg.SupportedQueryTypes) == 0 {
		return qt.Valid()
	}
	for _, t := range g.cfg.SupportedQueryTypes {
		if t == qt {
			return true
		}
	}
	return false
}

func (g *Gateway) setCapabilityHeaders(w http.ResponseWriter) {
	types := g.cfg.SupportedQueryTypes
	if len(types) == 0 {
		types = domain.AllQueryTypes
	}
	h := w.Header()
	h.Set(SupportedQueriesHeader, domain.JoinQueryTypes(types))
	h.Set(PaymentRequiredHeaderName, strconv.FormatBool(g.cfg.PaymentRequired))
	h.Set(BasePaymentHeaderName, strconv.FormatUint(g.cfg.BasePaymentAmount, 10))
	if g.cfg.VerificationToken != "" {
		h.Set(VerificationHeaderName, g.cfg.VerificationToken)
	}
}

func (g *Gateway) reject(w http.ResponseWriter, status int, code, message, sessionID string) {
	body := rejection{Error: message, Code: code, SessionID: sessionID}
	if status == http.StatusPaymentRequired {
		body.OwnerAddress = g.cfg.OwnerAddress
		body.BasePaymentAmount = g.cfg.BasePaymentAmount
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Warn("Failed to write rejection", "error", err)
	}
}
