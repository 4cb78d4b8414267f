package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/agentweb/internal/clock"
	"github.com/ashureev/agentweb/internal/domain"
)

// roundFunc reports the confirmed round of a transaction, zero while pending.
type roundFunc func(ctx context.Context) (uint64, error)

// waitForRound polls check on the backoff schedule until it reports a round,
// fails with ErrTxRejected, the policy timeout elapses, or ctx ends. Other
// errors are treated as transient.
func waitForRound(ctx context.Context, clk clock.Clock, policy PollPolicy, txID string, check roundFunc) (uint64, error) {
	if policy.Timeout <= 0 {
		policy = DefaultPollPolicy()
	}
	deadline := clk.After(policy.Timeout)

	for attempt := 0; ; attempt++ {
		round, err := check(ctx)
		switch {
		case err == nil && round > 0:
			return round, nil
		case errors.Is(err, ErrTxRejected):
			return 0, err
		case err != nil:
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			slog.Debug("Confirmation poll failed, retrying", "tx_id", txID, "attempt", attempt+1, "error", err)
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline:
			return 0, fmt.Errorf("%w: tx %s after %s", domain.ErrConfirmationTimeout, txID, policy.Timeout)
		case <-clk.After(policy.Backoff.Next(attempt)):
		}
	}
}
