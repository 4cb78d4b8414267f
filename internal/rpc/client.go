package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/agentweb/internal/coordinator"
	"github.com/ashureev/agentweb/internal/domain"
	"github.com/containerd/errdefs/pkg/errgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// ClientConfig holds configuration for the gRPC client.
type ClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultClientConfig returns default configuration for addr.
func DefaultClientConfig(addr string) ClientConfig {
	return ClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Client calls the coordinator over gRPC. It satisfies the same interfaces
// as the HTTP client.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	logger *slog.Logger
}

// Dial connects to the coordinator and waits until the connection is ready.
func Dial(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordinator at %s: %w", cfg.Address, err)
	}

	// Fail fast on a bad coordinator endpoint.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("coordinator at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to coordinator", "address", cfg.Address)
	return NewClient(conn, logger), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn), logger: logger}
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *Client) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health reports whether the coordinator service is serving.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("coordinator is %s", resp.GetStatus())
	}
	return nil
}

// CreateSession opens a payment session.
func (c *Client) CreateSession(ctx context.Context, p coordinator.CreateSessionParams) (*domain.PaymentSession, error) {
	out := new(domain.PaymentSession)
	err := c.invoke(ctx, "CreateSession", &CreateSessionRequest{
		AgentAddress:   p.AgentAddress,
		WebsiteAddress: p.WebsiteAddress,
		Amount:         p.Amount,
		AssetID:        p.AssetID,
		TTLSeconds:     int64(p.TTL / time.Second),
	}, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordEscrow attaches txID to the session.
func (c *Client) RecordEscrow(ctx context.Context, sessionID, txID string) (*domain.PaymentSession, error) {
	return c.session(ctx, "RecordEscrow", &SessionRequest{SessionID: sessionID, TxID: txID})
}

// ConfirmEscrow marks the session's escrow as final.
func (c *Client) ConfirmEscrow(ctx context.Context, sessionID string, round uint64) (*domain.PaymentSession, error) {
	return c.session(ctx, "ConfirmEscrow", &SessionRequest{SessionID: sessionID, ConfirmedRound: round})
}

// CompleteSession settles the session.
func (c *Client) CompleteSession(ctx context.Context, sessionID string) (*domain.PaymentSession, error) {
	return c.session(ctx, "CompleteSession", &SessionRequest{SessionID: sessionID})
}

// CancelSession abandons the session.
func (c *Client) CancelSession(ctx context.Context, sessionID string) (*domain.PaymentSession, error) {
	return c.session(ctx, "CancelSession", &SessionRequest{SessionID: sessionID})
}

// GetSession fetches a session snapshot.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*domain.PaymentSession, error) {
	return c.session(ctx, "GetSession", &SessionRequest{SessionID: sessionID})
}

// Verify asks whether the session pays at least minAmount to website.
func (c *Client) Verify(ctx context.Context, sessionID, website string, minAmount uint64) (domain.Verification, error) {
	var out domain.Verification
	err := c.invoke(ctx, "Verify", &VerifyRequest{
		SessionID:      sessionID,
		WebsiteAddress: website,
		MinAmount:      minAmount,
	}, &out)
	return out, err
}

func (c *Client) session(ctx context.Context, method string, in *SessionRequest) (*domain.PaymentSession, error) {
	out := new(domain.PaymentSession)
	if err := c.invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	var trailer metadata.MD
	err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out,
		grpc.CallContentSubtype(codecName),
		grpc.Trailer(&trailer),
	)
	if err != nil {
		return fromStatus(ctx, method, err, trailer)
	}
	return nil
}

// fromStatus rebuilds the domain error from the code trailer, falling back to
// the errdefs class of the status.
func fromStatus(ctx context.Context, method string, err error, trailer metadata.MD) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("coordinator %s: %w", method, ctxErr)
	}
	msg := status.Convert(err).Message()
	if codes := trailer.Get(errorCodeKey); len(codes) > 0 && domain.ErrorForCode(codes[0]) != nil {
		return &domain.RemoteError{Code: codes[0], Message: msg}
	}
	return fmt.Errorf("coordinator %s: %w", method, errgrpc.ToNative(err))
}
