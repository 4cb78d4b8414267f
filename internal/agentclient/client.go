// Package agentclient drives a paid query from the agent's side: it opens a
// session, pays the escrow, waits for confirmation, sends the query and
// settles or cancels the session.
package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/agentweb/internal/api"
	"github.com/ashureev/agentweb/internal/coordinator"
	"github.com/ashureev/agentweb/internal/domain"
	"github.com/ashureev/agentweb/internal/gateway"
	"github.com/ashureev/agentweb/internal/identity"
	"github.com/ashureev/agentweb/internal/ledger"
	"github.com/ashureev/agentweb/internal/store"
)

// maxResponseBody caps the query response read into memory.
const maxResponseBody = 10 << 20

// Coordinator is the subset of the session coordinator the agent drives.
// It is satisfied by coordinator.Service, api.Client and rpc.Client.
type Coordinator interface {
	CreateSession(ctx context.Context, p coordinator.CreateSessionParams) (*domain.PaymentSession, error)
	RecordEscrow(ctx context.Context, sessionID, txID string) (*domain.PaymentSession, error)
	ConfirmEscrow(ctx context.Context, sessionID string, round uint64) (*domain.PaymentSession, error)
	CompleteSession(ctx context.Context, sessionID string) (*domain.PaymentSession, error)
	CancelSession(ctx context.Context, sessionID string) (*domain.PaymentSession, error)
}

// Directory resolves websites registered with the coordinator.
type Directory interface {
	GetWebsite(ctx context.Context, domainName string) (*domain.Website, error)
	ListWebsites(ctx context.Context, filter store.WebsiteFilter) ([]*domain.Website, error)
}

// HostedQuerier sends queries through the coordinator's /agent/query route.
type HostedQuerier interface {
	AgentQuery(ctx context.Context, in api.AgentQueryRequest) (*api.ForwardResponse, error)
}

// Options configures a Client. Zero values select defaults.
type Options struct {
	HTTPClient *http.Client
	PollPolicy ledger.PollPolicy
	// CancelTimeout bounds a compensating cancellation, which runs detached
	// from the caller's context.
	CancelTimeout time.Duration
	SessionTTL    time.Duration
	Directory     Directory
	Hosted        HostedQuerier
	Logger        *slog.Logger
}

// Client executes paid queries on behalf of one agent account.
type Client struct {
	coord  Coordinator
	ledger ledger.Settlement
	signer ledger.Signer
	opts   Options
	logger *slog.Logger
}

// New creates a Client.
func New(coord Coordinator, settlement ledger.Settlement, signer ledger.Signer, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.PollPolicy.Timeout <= 0 {
		opts.PollPolicy = ledger.DefaultPollPolicy()
	}
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		coord:  coord,
		ledger: settlement,
		signer: signer,
		opts:   opts,
		logger: opts.Logger,
	}
}

// QueryRequest describes one paid query.
type QueryRequest struct {
	// Website is the serving party's base URL, e.g. "https://example.com".
	Website string
	// WebsiteAddress is the owner account paid for the query. When empty it
	// is resolved through the Directory.
	WebsiteAddress string
	QueryType      domain.QueryType
	Parameters     domain.QueryParameters
	Amount         uint64
	AssetID        uint64
}

// QueryResult is the outcome of ExecuteQuery. It is returned alongside an
// error whenever a session was opened, so callers can see how it ended.
type QueryResult struct {
	SessionID      string
	TxID           string
	ConfirmedRound uint64
	Status         domain.Status
	StatusCode     int
	Header         http.Header
	Body           []byte
}

// QueryError reports a non-2xx answer from the website or gateway.
type QueryError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *QueryError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("query rejected with %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("query failed with %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps a Payment-Required rejection to ErrPaymentVerificationFailed.
func (e *QueryError) Unwrap() error {
	if e.StatusCode == http.StatusPaymentRequired {
		return domain.ErrPaymentVerificationFailed
	}
	return nil
}

// ExecuteQuery runs the full paid-query sequence. Every failure after the
// session is opened triggers a best-effort cancellation; the returned error
// is always the original cause.
func (c *Client) ExecuteQuery(ctx context.Context, req QueryRequest) (*QueryResult, error) {
	target, err := url.Parse(req.Website)
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("%w: website must be an absolute URL", domain.ErrInvalidRequest)
	}
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidAmount)
	}

	owner := req.WebsiteAddress
	if owner == "" {
		if c.opts.Directory == nil {
			return nil, fmt.Errorf("%w: website address is required", domain.ErrInvalidRequest)
		}
		website, err := c.opts.Directory.GetWebsite(ctx, target.Hostname())
		if err != nil {
			return nil, fmt.Errorf("resolve website %s: %w", target.Hostname(), err)
		}
		owner = website.OwnerAddress
	}

	encoded, err := gateway.EncodeDescriptor(domain.QueryDescriptor{
		Version:       domain.QueryDescriptorVersion,
		QueryType:     req.QueryType,
		Parameters:    req.Parameters,
		PaymentAmount: req.Amount,
		AssetID:       req.AssetID,
	})
	if err != nil {
		return nil, err
	}
	if _, err := gateway.DecodeDescriptor(encoded); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}

	session, err := c.coord.CreateSession(ctx, coordinator.CreateSessionParams{
		AgentAddress:   c.signer.Address(),
		WebsiteAddress: owner,
		Amount:         req.Amount,
		AssetID:        req.AssetID,
		TTL:            c.opts.SessionTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	sessionID := session.SessionID
	result := &QueryResult{SessionID: sessionID, Status: session.Status}
	logger := c.logger.With("session_id", sessionID)
	logger.Info("Payment session opened", "escrow", session.EscrowAddress, "amount", req.Amount)

	txID, err := c.ledger.BroadcastPayment(ctx, c.signer, ledger.Payment{
		To:      session.EscrowAddress,
		Amount:  req.Amount,
		AssetID: req.AssetID,
		Note:    ledger.SessionNote(sessionID),
	})
	if err != nil {
		return c.abandon(ctx, result, fmt.Errorf("broadcast escrow payment: %w", err))
	}
	result.TxID = txID

	if _, err := c.coord.RecordEscrow(ctx, sessionID, txID); err != nil {
		return c.abandon(ctx, result, fmt.Errorf("record escrow: %w", err))
	}

	round, err := c.ledger.WaitForConfirmation(ctx, txID, c.opts.PollPolicy)
	if err != nil {
		return c.abandon(ctx, result, fmt.Errorf("wait for escrow confirmation: %w", err))
	}
	result.ConfirmedRound = round

	confirmed, err := c.coord.ConfirmEscrow(ctx, sessionID, round)
	if err != nil {
		return c.abandon(ctx, result, fmt.Errorf("confirm escrow: %w", err))
	}
	result.Status = confirmed.Status
	logger.Info("Escrow confirmed", "tx_id", txID, "round", round)

	if err := c.sendQuery(ctx, target, req.Parameters.Path, sessionID, encoded, result); err != nil {
		return c.abandon(ctx, result, err)
	}

	completed, err := c.coord.CompleteSession(ctx, sessionID)
	if err != nil {
		// The content was delivered; cancelling now would refund a served query.
		logger.Error("Failed to complete served session", "error", err)
		return result, fmt.Errorf("complete session: %w", err)
	}
	result.Status = completed.Status
	logger.Info("Query served", "status_code", result.StatusCode)
	return result, nil
}

// abandon cancels the session without letting the cleanup replace cause.
func (c *Client) abandon(ctx context.Context, result *QueryResult, cause error) (*QueryResult, error) {
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.CancelTimeout)
	defer cancel()

	session, err := c.coord.CancelSession(cancelCtx, result.SessionID)
	if err != nil {
		c.logger.Warn("Compensating cancellation failed",
			"session_id", result.SessionID,
			"cause", cause,
			"error", err)
		return result, cause
	}
	result.Status = session.Status
	c.logger.Info("Session cancelled after failure",
		"session_id", result.SessionID,
		"status", session.Status,
		"refund_owed", session.RefundOwed,
		"cause", cause)
	return result, cause
}

func (c *Client) sendQuery(ctx context.Context, target *url.URL, path, sessionID, encoded string, result *QueryResult) error {
	signature, err := identity.Sign(c.signer, sessionID, encoded)
	if err != nil {
		return err
	}

	var (
		status int
		header http.Header
		body   []byte
	)
	if c.opts.Hosted != nil {
		resp, err := c.opts.Hosted.AgentQuery(ctx, api.AgentQueryRequest{
			SessionID:    sessionID,
			Domain:       target.Hostname(),
			Query:        encoded,
			AgentAddress: c.signer.Address(),
			Signature:    signature,
		})
		if err != nil {
			return fmt.Errorf("send hosted query: %w", err)
		}
		status, header, body = resp.StatusCode, resp.Header, resp.Body
	} else {
		u := *target
		if path != "" {
			u.Path = "/" + strings.TrimPrefix(path, "/")
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return fmt.Errorf("build query request: %w", err)
		}
		httpReq.Header.Set(gateway.SessionHeaderName, sessionID)
		httpReq.Header.Set(gateway.QueryHeaderName, encoded)
		httpReq.Header.Set(identity.AgentHeaderName, c.signer.Address())
		httpReq.Header.Set(identity.SignatureHeaderName, signature)

		resp, err := c.opts.HTTPClient.Do(httpReq)
		if err != nil {
			return fmt.Errorf("send query: %w", err)
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		if err != nil {
			return fmt.Errorf("read query response: %w", err)
		}
		status, header = resp.StatusCode, resp.Header
	}

	result.StatusCode = status
	result.Header = header
	result.Body = body
	if status < 200 || status > 299 {
		return rejection(status, body)
	}
	return nil
}

func rejection(status int, body []byte) error {
	qe := &QueryError{StatusCode: status, Message: strings.TrimSpace(string(body))}
	var eb api.ErrorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Code != "" {
		qe.Code, qe.Message = eb.Code, eb.Error
	}
	return qe
}

// DiscoverWebsites lists registered websites whose domain contains query.
func (c *Client) DiscoverWebsites(ctx context.Context, query string) ([]*domain.Website, error) {
	if c.opts.Directory == nil {
		return nil, errors.New("no website directory configured")
	}
	return c.opts.Directory.ListWebsites(ctx, store.WebsiteFilter{DomainContains: query})
}

// GetWebsite resolves one registered website.
func (c *Client) GetWebsite(ctx context.Context, domainName string) (*domain.Website, error) {
	if c.opts.Directory == nil {
		return nil, errors.New("no website directory configured")
	}
	return c.opts.Directory.GetWebsite(ctx, domainName)
}
