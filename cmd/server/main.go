// AgentWeb payment-session coordinator.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/agentweb/internal/api"
	"github.com/ashureev/agentweb/internal/config"
	"github.com/ashureev/agentweb/internal/coordinator"
	"github.com/ashureev/agentweb/internal/events"
	"github.com/ashureev/agentweb/internal/identity"
	"github.com/ashureev/agentweb/internal/ledger"
	"github.com/ashureev/agentweb/internal/middleware"
	"github.com/ashureev/agentweb/internal/rpc"
	"github.com/ashureev/agentweb/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting coordinator", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "db_driver", cfg.DB.Driver, "ledger", cfg.Ledger.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := openRepository(ctx, cfg.DB)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	deps := map[string]api.Pinger{"store": repo}

	var broker events.Broker = events.NewMemoryBroker()
	if cfg.RedisURL != "" {
		redisBroker, err := events.NewRedisBroker(ctx, cfg.RedisURL, logger)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		broker = redisBroker
		deps["redis"] = redisBroker
		slog.Info("Session events fan out through Redis")
	}
	defer func() {
		if closeErr := broker.Close(); closeErr != nil {
			slog.Error("Failed to close event broker", "error", closeErr)
		}
	}()

	settlement, err := openLedger(cfg.Ledger, logger)
	if err != nil {
		slog.Error("Failed to initialize ledger client", "error", err)
		os.Exit(1)
	}

	opts := coordinator.Options{
		DefaultTTL:     cfg.Session.DefaultTTL,
		MaxTTL:         cfg.Session.MaxTTL,
		MinAmount:      cfg.MinPaymentAmount,
		PlatformFeeBPS: cfg.PlatformFeeBPS,
		Retention:      cfg.Session.Retention,
		Events:         broker,
		Logger:         logger,
	}
	if cfg.Ledger.EscrowAddress != "" {
		opts.Escrow = ledger.FixedEscrow(cfg.Ledger.EscrowAddress)
	}
	if cfg.VerifyLedgerConfirmation {
		opts.Confirmations = settlement
		slog.Info("Escrow confirmations are checked against the ledger")
	}
	if cfg.VerifyWebsiteOwnership {
		opts.Ownership = coordinator.HTTPOwnershipVerifier{}
	}
	svc := coordinator.New(repo, repo, repo, opts)

	// Initialize handlers.
	handler := api.NewHandler(svc, broker, api.HTTPForwarder{}, logger)
	healthHandler := api.NewHealthHandler(deps)
	limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	healthHandler.RegisterHealth(r)
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware(identity.IPFromRequest))
		handler.RegisterRoutes(r)
	})

	// The watch websocket is long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(rpc.LoggingInterceptor(logger)))
	grpcHealth := rpc.Register(grpcServer, rpc.NewServer(svc))

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		slog.Error("Failed to listen for gRPC", "error", err)
		os.Exit(1)
	}

	// Start background workers.
	svc.StartSweeper(ctx, cfg.Session.SweepInterval)
	limiter.StartCleanup(ctx, time.Minute)

	// Start servers.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()
	go func() {
		slog.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			slog.Error("gRPC server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")
	grpcHealth.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}

	slog.Info("Server stopped successfully")
}

func openRepository(ctx context.Context, cfg config.DBConfig) (store.Repository, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return store.OpenPostgres(ctx, cfg.URL)
	case config.DriverMemory:
		slog.Warn("Using in-memory session store; sessions are lost on restart")
		return store.NewMemory(), nil
	default:
		return store.NewSQLite(cfg.Path)
	}
}

func openLedger(cfg config.LedgerConfig, logger *slog.Logger) (ledger.Settlement, error) {
	if cfg.Mode == config.LedgerAlgod {
		return ledger.NewAlgod(cfg.AlgodAddress, cfg.AlgodToken, logger)
	}
	slog.Warn("Using simulated ledger")
	return ledger.NewSimulated(), nil
}
