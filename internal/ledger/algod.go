package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/ashureev/agentweb/internal/clock"
	"github.com/ashureev/agentweb/internal/domain"
)

// Algod settles payments through an algod node.
type Algod struct {
	client *algod.Client
	clock  clock.Clock
	logger *slog.Logger
}

// NewAlgod creates a client for the node at address.
func NewAlgod(address, token string, logger *slog.Logger) (*Algod, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := algod.MakeClient(address, token)
	if err != nil {
		return nil, fmt.Errorf("create algod client for %s: %w", address, err)
	}
	return &Algod{client: client, clock: clock.Real{}, logger: logger}, nil
}

// Balance returns the holding of address in assetID.
func (a *Algod) Balance(ctx context.Context, address string, assetID uint64) (uint64, error) {
	info, err := a.client.AccountInformation(address).Do(ctx)
	if err != nil {
		return 0, classify(err)
	}
	if assetID == NativeAsset {
		return info.Amount, nil
	}
	for _, holding := range info.Assets {
		if holding.AssetId == assetID {
			return holding.Amount, nil
		}
	}
	return 0, nil
}

// BroadcastPayment builds, signs and submits p.
func (a *Algod) BroadcastPayment(ctx context.Context, signer Signer, p Payment) (string, error) {
	from := signer.Address()

	balance, err := a.Balance(ctx, from, p.AssetID)
	if err != nil {
		return "", err
	}
	if balance < p.Amount {
		return "", fmt.Errorf("%w: %s holds %d of asset %d, needs %d",
			domain.ErrInsufficientFunds, from, balance, p.AssetID, p.Amount)
	}

	params, err := a.client.SuggestedParams().Do(ctx)
	if err != nil {
		return "", classify(err)
	}

	txn, err := buildTransaction(from, p, params)
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}

	txID, signed, err := signer.SignTransaction(txn)
	if err != nil {
		return "", err
	}

	if _, err := a.client.SendRawTransaction(signed).Do(ctx); err != nil {
		return "", classify(err)
	}

	a.logger.Info("Broadcast payment", "tx_id", txID, "from", from, "to", p.To, "amount", p.Amount, "asset_id", p.AssetID)
	return txID, nil
}

func buildTransaction(from string, p Payment, params types.SuggestedParams) (types.Transaction, error) {
	if p.AssetID == NativeAsset {
		return transaction.MakePaymentTxn(from, p.To, p.Amount, p.Note, "", params)
	}
	return transaction.MakeAssetTransferTxn(from, p.To, p.Amount, p.Note, params, "", p.AssetID)
}

// TransactionRound reports the confirmed round of txID.
func (a *Algod) TransactionRound(ctx context.Context, txID string) (uint64, error) {
	info, _, err := a.client.PendingTransactionInformation(txID).Do(ctx)
	if err != nil {
		return 0, classify(err)
	}
	if info.PoolError != "" {
		return 0, fmt.Errorf("%w: %s", ErrTxRejected, info.PoolError)
	}
	return info.ConfirmedRound, nil
}

// WaitForConfirmation polls the node until txID is confirmed.
func (a *Algod) WaitForConfirmation(ctx context.Context, txID string, policy PollPolicy) (uint64, error) {
	round, err := waitForRound(ctx, a.clock, policy, txID, func(ctx context.Context) (uint64, error) {
		return a.TransactionRound(ctx, txID)
	})
	if err != nil {
		return 0, err
	}
	a.logger.Info("Transaction confirmed", "tx_id", txID, "round", round)
	return round, nil
}

// classify maps node errors onto the domain taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", domain.ErrNetworkUnavailable, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "overspend") || strings.Contains(msg, "below min") ||
		strings.Contains(msg, "underflow") {
		return fmt.Errorf("%w: %v", domain.ErrInsufficientFunds, err)
	}
	return fmt.Errorf("algod request failed: %w", err)
}
