package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashureev/agentweb/internal/domain"
	"github.com/ashureev/agentweb/internal/gateway"
	"github.com/ashureev/agentweb/internal/identity"
)

// maxForwardedBody caps the website response relayed to the agent.
const maxForwardedBody = 10 << 20

// ForwardRequest is a verified hosted query.
type ForwardRequest struct {
	Website      *domain.Website
	SessionID    string
	Query        string
	Descriptor   domain.QueryDescriptor
	AgentAddress string
	Signature    string
}

// ForwardResponse is the website's answer.
type ForwardResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Forwarder delivers a hosted query to the website that serves it.
type Forwarder interface {
	Forward(ctx context.Context, req ForwardRequest) (*ForwardResponse, error)
}

// HTTPForwarder sends the query to the website over HTTP with the agent's
// protocol headers.
type HTTPForwarder struct {
	Client *http.Client
	// BaseURL maps a domain to its origin. Defaults to "https://<domain>".
	BaseURL func(domainName string) string
}

// Forward implements Forwarder.
func (f HTTPForwarder) Forward(ctx context.Context, req ForwardRequest) (*ForwardResponse, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	base := "https://" + req.Website.Domain
	if f.BaseURL != nil {
		base = f.BaseURL(req.Website.Domain)
	}
	path := req.Descriptor.Parameters.Path
	if path == "" || path[0] != '/' {
		path = "/" + path
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build forward request: %w", err)
	}
	httpReq.Header.Set(gateway.SessionHeaderName, req.SessionID)
	httpReq.Header.Set(gateway.QueryHeaderName, req.Query)
	if req.Signature != "" {
		httpReq.Header.Set(identity.AgentHeaderName, req.AgentAddress)
		httpReq.Header.Set(identity.SignatureHeaderName, req.Signature)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("forward to %s: %w", req.Website.Domain, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxForwardedBody))
	if err != nil {
		return nil, fmt.Errorf("read response from %s: %w", req.Website.Domain, err)
	}
	return &ForwardResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
