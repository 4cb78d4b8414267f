package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/agentweb/internal/coordinator"
	"github.com/ashureev/agentweb/internal/domain"
	"github.com/ashureev/agentweb/internal/store"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/containerd/errdefs/pkg/errhttp"
)

// Client talks to the coordinator's HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the coordinator at baseURL. httpClient may
// be nil.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// CreateSession opens a payment session.
func (c *Client) CreateSession(ctx context.Context, p coordinator.CreateSessionParams) (*domain.PaymentSession, error) {
	var out domain.PaymentSession
	err := c.do(ctx, http.MethodPost, "/payments/initiate", InitiateRequest{
		AgentAddress:   p.AgentAddress,
		WebsiteAddress: p.WebsiteAddress,
		Amount:         p.Amount,
		AssetID:        p.AssetID,
		TTLSeconds:     int64(p.TTL / time.Second),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordEscrow attaches txID to the session.
func (c *Client) RecordEscrow(ctx context.Context, sessionID, txID string) (*domain.PaymentSession, error) {
	return c.session(ctx, "/payments/escrow", EscrowRequest{SessionID: sessionID, TxID: txID})
}

// ConfirmEscrow marks the session's escrow as final.
func (c *Client) ConfirmEscrow(ctx context.Context, sessionID string, round uint64) (*domain.PaymentSession, error) {
	return c.session(ctx, "/payments/confirm", ConfirmRequest{SessionID: sessionID, ConfirmedRound: round})
}

// CompleteSession settles the session.
func (c *Client) CompleteSession(ctx context.Context, sessionID string) (*domain.PaymentSession, error) {
	return c.session(ctx, "/payments/complete", SessionRequest{SessionID: sessionID})
}

// CancelSession abandons the session.
func (c *Client) CancelSession(ctx context.Context, sessionID string) (*domain.PaymentSession, error) {
	return c.session(ctx, "/payments/cancel", SessionRequest{SessionID: sessionID})
}

// GetSession fetches a session snapshot.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*domain.PaymentSession, error) {
	var out domain.PaymentSession
	if err := c.do(ctx, http.MethodGet, "/payments/session/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify asks whether the session pays at least minAmount to website.
func (c *Client) Verify(ctx context.Context, sessionID, website string, minAmount uint64) (domain.Verification, error) {
	var out domain.Verification
	err := c.do(ctx, http.MethodPost, "/payments/verify", VerifyRequest{
		SessionID:      sessionID,
		WebsiteAddress: website,
		MinAmount:      minAmount,
	}, &out)
	return out, err
}

// ListRefundsOwed lists sessions whose escrow is owed back.
func (c *Client) ListRefundsOwed(ctx context.Context, limit int) ([]*domain.PaymentSession, error) {
	var out struct {
		Sessions []*domain.PaymentSession `json:"sessions"`
	}
	path := "/payments/refunds"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// RegisterWebsite registers or updates a website.
func (c *Client) RegisterWebsite(ctx context.Context, p coordinator.RegisterWebsiteParams) (*domain.Website, error) {
	var out domain.Website
	if err := c.do(ctx, http.MethodPost, "/websites/register", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetWebsite looks up a registered website.
func (c *Client) GetWebsite(ctx context.Context, domainName string) (*domain.Website, error) {
	var out domain.Website
	if err := c.do(ctx, http.MethodGet, "/websites/"+url.PathEscape(domainName)+"/info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWebsites discovers websites.
func (c *Client) ListWebsites(ctx context.Context, filter store.WebsiteFilter) ([]*domain.Website, error) {
	q := url.Values{}
	if filter.DomainContains != "" {
		q.Set("domain", filter.DomainContains)
	}
	if filter.VerifiedOnly {
		q.Set("verified", "true")
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/websites/"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Websites []*domain.Website `json:"websites"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Websites, nil
}

// RegisterAgent registers a signed agent identity.
func (c *Client) RegisterAgent(ctx context.Context, p coordinator.RegisterAgentParams) (*domain.Agent, error) {
	var out domain.Agent
	if err := c.do(ctx, http.MethodPost, "/agents/register", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAgent looks up a registered agent.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	var out domain.Agent
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID)+"/info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WatchSession streams the session's watch frames to fn until the session
// ends, fn returns false, or ctx is done.
func (c *Client) WatchSession(ctx context.Context, sessionID string, fn func(WatchMessage) bool) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/payments/session/" + url.PathEscape(sessionID) + "/watch"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: c.http})
	if err != nil {
		return fmt.Errorf("dial watch: %w", err)
	}
	defer conn.CloseNow()

	for {
		var msg WatchMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read watch: %w", err)
		}
		if msg.Type == WatchError {
			return &domain.RemoteError{Code: msg.Code, Message: msg.Error}
		}
		if !fn(msg) {
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return nil
		}
	}
}

func (c *Client) session(ctx context.Context, path string, body interface{}) (*domain.PaymentSession, error) {
	var out domain.PaymentSession
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("coordinator %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// decodeError rebuilds the coordinator's error. Unknown codes fall back to
// the errdefs class of the status code.
func decodeError(resp *http.Response) error {
	var eb ErrorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &eb); err != nil || eb.Error == "" {
		eb.Error = strings.TrimSpace(string(raw))
		if eb.Error == "" {
			eb.Error = resp.Status
		}
	}
	remote := &domain.RemoteError{Code: eb.Code, Message: eb.Error}
	if domain.ErrorForCode(eb.Code) != nil {
		return remote
	}
	return fmt.Errorf("%w: %w", errhttp.ToNative(resp.StatusCode), remote)
}

// AgentQuery sends a hosted query through the coordinator. Non-2xx answers
// are returned as responses, not errors.
func (c *Client) AgentQuery(ctx context.Context, in AgentQueryRequest) (*ForwardResponse, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal agent query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/agent/query", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build agent query: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("coordinator POST /agent/query: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxForwardedBody))
	if err != nil {
		return nil, fmt.Errorf("read agent query response: %w", err)
	}
	return &ForwardResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
