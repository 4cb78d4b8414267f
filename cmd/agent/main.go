// AgentWeb agent CLI: pays for and runs one query against a website.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/agentweb/internal/agentclient"
	"github.com/ashureev/agentweb/internal/api"
	"github.com/ashureev/agentweb/internal/config"
	"github.com/ashureev/agentweb/internal/domain"
	"github.com/ashureev/agentweb/internal/ledger"
	"github.com/ashureev/agentweb/internal/rpc"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	var (
		website   = flag.String("website", "", "website base URL, e.g. https://example.com")
		owner     = flag.String("owner", "", "website owner address (resolved from the coordinator when empty)")
		queryType = flag.String("type", string(domain.QueryExtractContent), "query type")
		path      = flag.String("path", "/", "resource path on the website")
		query     = flag.String("query", "", "search or data query text")
		selector  = flag.String("selector", "", "content selector")
		limit     = flag.Int("limit", 0, "result limit (1-100)")
		format    = flag.String("format", "", "response format: text, json, markdown or html")
		amount    = flag.Uint64("amount", 0, "payment amount in base units")
		assetID   = flag.Uint64("asset", ledger.NativeAsset, "asset id, 0 for the native unit")
		discover  = flag.String("discover", "", "list registered websites whose domain contains this text and exit")
		hosted    = flag.Bool("hosted", false, "send the query through the coordinator instead of the website")
	)
	flag.Parse()

	cfg, err := config.LoadAgent()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpCoord := api.NewClient(cfg.CoordinatorURL, nil)

	if *discover != "" {
		client := agentclient.New(httpCoord, nil, nil, agentclient.Options{Directory: httpCoord, Logger: logger})
		websites, err := client.DiscoverWebsites(ctx, *discover)
		if err != nil {
			slog.Error("Website discovery failed", "error", err)
			os.Exit(1)
		}
		printJSON(websites)
		return
	}

	if *website == "" || *amount == 0 {
		fmt.Fprintln(os.Stderr, "usage: agent -website URL -amount N [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	signer, settlement, err := setupLedger(cfg, *amount, *assetID, logger)
	if err != nil {
		slog.Error("Failed to initialize ledger", "error", err)
		os.Exit(1)
	}

	var coord agentclient.Coordinator = httpCoord
	if cfg.Transport == config.TransportGRPC {
		grpcClient, err := rpc.Dial(rpc.DefaultClientConfig(cfg.CoordinatorGRPCAddr), logger)
		if err != nil {
			slog.Error("Failed to connect to coordinator", "error", err)
			os.Exit(1)
		}
		defer grpcClient.Close()
		coord = grpcClient
	}

	opts := agentclient.Options{
		PollPolicy: ledger.PollPolicy{
			Timeout: cfg.ConfirmTimeout,
			Backoff: ledger.Backoff{Initial: cfg.PollInterval, Max: cfg.PollMaxInterval, Multiplier: 1.5},
		},
		Directory: httpCoord,
		Logger:    logger,
	}
	if *hosted {
		opts.Hosted = httpCoord
	}
	client := agentclient.New(coord, settlement, signer, opts)

	queryCtx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout+cfg.ConfirmTimeout)
	defer cancel()

	result, err := client.ExecuteQuery(queryCtx, agentclient.QueryRequest{
		Website:        *website,
		WebsiteAddress: *owner,
		QueryType:      domain.QueryType(*queryType),
		Parameters: domain.QueryParameters{
			Path:     *path,
			Selector: *selector,
			Query:    *query,
			Limit:    *limit,
			Format:   *format,
		},
		Amount:  *amount,
		AssetID: *assetID,
	})
	if result != nil {
		printJSON(map[string]interface{}{
			"session_id":      result.SessionID,
			"tx_id":           result.TxID,
			"confirmed_round": result.ConfirmedRound,
			"status":          result.Status,
			"status_code":     result.StatusCode,
			"body":            string(result.Body),
		})
	}
	if err != nil {
		slog.Error("Query failed", "error", err, "code", domain.CodeOf(err))
		os.Exit(1)
	}
}

func setupLedger(cfg *config.AgentConfig, amount, assetID uint64, logger *slog.Logger) (ledger.Signer, ledger.Settlement, error) {
	if cfg.Ledger.Mode == config.LedgerAlgod {
		signer, err := ledger.SignerFromMnemonic(cfg.Mnemonic)
		if err != nil {
			return nil, nil, err
		}
		algod, err := ledger.NewAlgod(cfg.Ledger.AlgodAddress, cfg.Ledger.AlgodToken, logger)
		if err != nil {
			return nil, nil, err
		}
		return signer, algod, nil
	}

	var signer *ledger.AccountSigner
	if cfg.Mnemonic != "" {
		s, err := ledger.SignerFromMnemonic(cfg.Mnemonic)
		if err != nil {
			return nil, nil, err
		}
		signer = s
	} else {
		signer = ledger.GenerateSigner()
	}
	sim := ledger.NewSimulated()
	sim.Fund(signer.Address(), assetID, amount)
	slog.Warn("Using simulated ledger", "agent", signer.Address())
	return signer, sim, nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Error("Failed to write output", "error", err)
	}
}
