// AgentWeb demo website: serves content to paying agents behind the gateway.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/agentweb/internal/api"
	"github.com/ashureev/agentweb/internal/config"
	"github.com/ashureev/agentweb/internal/coordinator"
	"github.com/ashureev/agentweb/internal/domain"
	"github.com/ashureev/agentweb/internal/gateway"
	"github.com/ashureev/agentweb/internal/middleware"
	"github.com/ashureev/agentweb/internal/rpc"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.LoadWebsite()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	queryTypes := domain.ParseQueryTypes(cfg.SupportedQueryTypes)
	httpCoord := api.NewClient(cfg.CoordinatorURL, nil)

	var verifier gateway.Verifier = httpCoord
	if cfg.Transport == config.TransportGRPC {
		grpcClient, err := rpc.Dial(rpc.DefaultClientConfig(cfg.CoordinatorGRPCAddr), logger)
		if err != nil {
			slog.Error("Failed to connect to coordinator", "error", err)
			os.Exit(1)
		}
		defer grpcClient.Close()
		verifier = grpcClient
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	limiter.StartCleanup(ctx, time.Minute)

	gw := gateway.New(gateway.Config{
		OwnerAddress:        cfg.OwnerAddress,
		BasePaymentAmount:   cfg.BasePaymentAmount,
		PaymentRequired:     cfg.PaymentRequired,
		SupportedQueryTypes: queryTypes,
		RequireSignature:    cfg.RequireSignature,
		VerificationToken:   cfg.VerificationToken,
	}, verifier, limiter, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.With(gw.Middleware).Handle("/*", http.HandlerFunc(serveQuery))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Website listening", "addr", srv.Addr, "owner", cfg.OwnerAddress, "payment_required", cfg.PaymentRequired)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	if cfg.Domain != "" {
		register(ctx, httpCoord, cfg, queryTypes)
	}

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func register(ctx context.Context, client *api.Client, cfg *config.WebsiteConfig, queryTypes []domain.QueryType) {
	regCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	paymentRequired := cfg.PaymentRequired
	website, err := client.RegisterWebsite(regCtx, coordinator.RegisterWebsiteParams{
		Domain:              cfg.Domain,
		OwnerAddress:        cfg.OwnerAddress,
		VerificationHeader:  cfg.VerificationToken,
		BasePaymentAmount:   cfg.BasePaymentAmount,
		PaymentRequired:     &paymentRequired,
		SupportedQueryTypes: queryTypes,
	})
	if err != nil {
		slog.Warn("Failed to register website with coordinator", "domain", cfg.Domain, "error", err)
		return
	}
	slog.Info("Website registered", "domain", website.Domain, "subname", website.Subname, "verified", website.Verified)
}

// serveQuery is a demo executor: it answers verified agent requests with
// the descriptor it was authorized for.
func serveQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := gateway.RequestFromContext(r.Context())
	if !ok {
		api.JSON(w, http.StatusOK, map[string]interface{}{
			"path":    r.URL.Path,
			"message": "Agents can query this site through AgentWeb.",
		})
		return
	}

	api.JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": req.SessionID,
		"agent":      req.AgentAddress,
		"query_type": req.Descriptor.QueryType,
		"parameters": req.Descriptor.Parameters,
		"paid":       req.Verification.Amount,
		"path":       r.URL.Path,
	})
}
