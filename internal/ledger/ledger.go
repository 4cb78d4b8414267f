// Package ledger moves funds into escrow on the Algorand ledger and waits for
// the transfers to become final.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"
)

// NativeAsset is the asset id of the ledger's native currency.
const NativeAsset uint64 = 0

// ErrTxRejected is returned when the node dropped a transaction from its pool.
var ErrTxRejected = errors.New("transaction rejected by ledger")

// Payment describes a single transfer. AssetID 0 moves the native currency;
// any other value moves that asset.
type Payment struct {
	To      string
	Amount  uint64
	AssetID uint64
	Note    []byte
}

// Signer holds the key of the paying account.
type Signer interface {
	Address() string
	SignTransaction(tx types.Transaction) (txID string, signed []byte, err error)
	SignBytes(msg []byte) ([]byte, error)
}

// Settlement broadcasts transfers and reports their confirmation.
type Settlement interface {
	// BroadcastPayment submits p signed by signer and returns the transaction
	// id. It never resends: a failed call may or may not have reached the
	// network, and the caller decides what to do.
	BroadcastPayment(ctx context.Context, signer Signer, p Payment) (string, error)

	// WaitForConfirmation polls until txID is confirmed and returns the
	// confirmed round. It gives up with domain.ErrConfirmationTimeout after
	// policy.Timeout and returns ctx.Err() if ctx ends first.
	WaitForConfirmation(ctx context.Context, txID string, policy PollPolicy) (uint64, error)

	// TransactionRound returns the confirmed round of txID, or zero if the
	// transaction is still pending.
	TransactionRound(ctx context.Context, txID string) (uint64, error)

	// Balance returns the holding of address in assetID.
	Balance(ctx context.Context, address string, assetID uint64) (uint64, error)
}

// Backoff is an exponential delay schedule.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Next returns the delay before poll attempt+1.
func (b Backoff) Next(attempt int) time.Duration {
	d := b.Initial
	if d <= 0 {
		d = time.Second
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// PollPolicy bounds a confirmation wait.
type PollPolicy struct {
	Timeout time.Duration
	Backoff Backoff
}

// DefaultPollPolicy polls once per second for up to ten seconds.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		Timeout: 10 * time.Second,
		Backoff: Backoff{Initial: time.Second, Max: time.Second, Multiplier: 1},
	}
}

// EscrowAllocator chooses the escrow address for a new session.
type EscrowAllocator interface {
	AllocateEscrow(ctx context.Context, sessionID string) (string, error)
}

// FixedEscrow routes every session to one platform escrow account.
type FixedEscrow string

// AllocateEscrow returns the configured address.
func (f FixedEscrow) AllocateEscrow(context.Context, string) (string, error) {
	return string(f), nil
}

// SessionNote is the transaction note that ties an escrow transfer to its
// session.
func SessionNote(sessionID string) []byte {
	return []byte("agentweb:" + sessionID)
}
