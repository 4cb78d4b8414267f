package rpc

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/agentweb/internal/coordinator"
	"github.com/ashureev/agentweb/internal/domain"
	"github.com/containerd/errdefs/pkg/errgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "agentweb.coordinator.v1.Coordinator"

// errorCodeKey is the trailer carrying the domain error code.
const errorCodeKey = "x-agentweb-error-code"

// CreateSessionRequest opens a session.
type CreateSessionRequest struct {
	AgentAddress   string `json:"agent_address"`
	WebsiteAddress string `json:"website_address"`
	Amount         uint64 `json:"amount"`
	AssetID        uint64 `json:"asset_id"`
	TTLSeconds     int64  `json:"ttl_seconds,omitempty"`
}

// SessionRequest addresses one session. TxID and ConfirmedRound are read only
// by RecordEscrow and ConfirmEscrow.
type SessionRequest struct {
	SessionID      string `json:"session_id"`
	TxID           string `json:"tx_id,omitempty"`
	ConfirmedRound uint64 `json:"confirmed_round,omitempty"`
}

// VerifyRequest asks whether a session pays for a request.
type VerifyRequest struct {
	SessionID      string `json:"session_id"`
	WebsiteAddress string `json:"website_address"`
	MinAmount      uint64 `json:"min_amount"`
}

// CoordinatorServer is the service implemented by Server.
type CoordinatorServer interface {
	CreateSession(context.Context, *CreateSessionRequest) (*domain.PaymentSession, error)
	RecordEscrow(context.Context, *SessionRequest) (*domain.PaymentSession, error)
	ConfirmEscrow(context.Context, *SessionRequest) (*domain.PaymentSession, error)
	CompleteSession(context.Context, *SessionRequest) (*domain.PaymentSession, error)
	CancelSession(context.Context, *SessionRequest) (*domain.PaymentSession, error)
	GetSession(context.Context, *SessionRequest) (*domain.PaymentSession, error)
	Verify(context.Context, *VerifyRequest) (*domain.Verification, error)
}

// Server adapts coordinator.Service to gRPC.
type Server struct {
	svc *coordinator.Service
}

// NewServer creates a Server.
func NewServer(svc *coordinator.Service) *Server {
	return &Server{svc: svc}
}

// CreateSession implements CoordinatorServer.
func (s *Server) CreateSession(ctx context.Context, in *CreateSessionRequest) (*domain.PaymentSession, error) {
	session, err := s.svc.CreateSession(ctx, coordinator.CreateSessionParams{
		AgentAddress:   in.AgentAddress,
		WebsiteAddress: in.WebsiteAddress,
		Amount:         in.Amount,
		AssetID:        in.AssetID,
		TTL:            time.Duration(in.TTLSeconds) * time.Second,
	})
	return session, toStatus(ctx, err)
}

// RecordEscrow implements CoordinatorServer.
func (s *Server) RecordEscrow(ctx context.Context, in *SessionRequest) (*domain.PaymentSession, error) {
	session, err := s.svc.RecordEscrow(ctx, in.SessionID, in.TxID)
	return session, toStatus(ctx, err)
}

// ConfirmEscrow implements CoordinatorServer.
func (s *Server) ConfirmEscrow(ctx context.Context, in *SessionRequest) (*domain.PaymentSession, error) {
	session, err := s.svc.ConfirmEscrow(ctx, in.SessionID, in.ConfirmedRound)
	return session, toStatus(ctx, err)
}

// CompleteSession implements CoordinatorServer.
func (s *Server) CompleteSession(ctx context.Context, in *SessionRequest) (*domain.PaymentSession, error) {
	session, err := s.svc.CompleteSession(ctx, in.SessionID)
	return session, toStatus(ctx, err)
}

// CancelSession implements CoordinatorServer.
func (s *Server) CancelSession(ctx context.Context, in *SessionRequest) (*domain.PaymentSession, error) {
	session, err := s.svc.CancelSession(ctx, in.SessionID)
	return session, toStatus(ctx, err)
}

// GetSession implements CoordinatorServer.
func (s *Server) GetSession(ctx context.Context, in *SessionRequest) (*domain.PaymentSession, error) {
	session, err := s.svc.GetSession(ctx, in.SessionID)
	return session, toStatus(ctx, err)
}

// Verify implements CoordinatorServer.
func (s *Server) Verify(ctx context.Context, in *VerifyRequest) (*domain.Verification, error) {
	v, err := s.svc.Verify(ctx, in.SessionID, in.WebsiteAddress, in.MinAmount)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return &v, nil
}

// toStatus converts a domain error to a gRPC status and attaches its code.
func toStatus(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if setErr := grpc.SetTrailer(ctx, metadata.Pairs(errorCodeKey, domain.CodeOf(err))); setErr != nil {
		slog.Debug("Failed to set error trailer", "error", setErr)
	}
	return errgrpc.ToGRPC(err)
}

func unary[Req any, Resp any](name string, call func(CoordinatorServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(CoordinatorServer), ctx, req.(*Req))
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateSession", CoordinatorServer.CreateSession),
		unary("RecordEscrow", CoordinatorServer.RecordEscrow),
		unary("ConfirmEscrow", CoordinatorServer.ConfirmEscrow),
		unary("CompleteSession", CoordinatorServer.CompleteSession),
		unary("CancelSession", CoordinatorServer.CancelSession),
		unary("GetSession", CoordinatorServer.GetSession),
		unary("Verify", CoordinatorServer.Verify),
	},
	Metadata: "agentweb/coordinator/v1",
}

// Register adds the coordinator and health services to gs.
func Register(gs *grpc.Server, srv CoordinatorServer) *health.Server {
	gs.RegisterService(&serviceDesc, srv)

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return hs
}

// LoggingInterceptor logs every unary call with its duration and status.
func LoggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("gRPC call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start))
		return resp, err
	}
}
