package ledger

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/agentweb/internal/clock"
	"github.com/ashureev/agentweb/internal/domain"
)

// Simulated is an in-memory ledger for local runs and tests. Transfers move
// balances immediately and confirm after a configurable number of polls.
type Simulated struct {
	mu           sync.Mutex
	clock        clock.Clock
	round        uint64
	balances     map[holdingKey]uint64
	txs          map[string]*simTx
	confirmAfter int
	failNext     error
	offline      bool
	broadcasts   int
}

type holdingKey struct {
	address string
	assetID uint64
}

type simTx struct {
	payment Payment
	from    string
	polls   int
	round   uint64
	stuck   bool
}

// SimulatedOption configures a Simulated ledger.
type SimulatedOption func(*Simulated)

// WithConfirmAfter makes transactions confirm on the n-th status poll.
func WithConfirmAfter(n int) SimulatedOption {
	return func(s *Simulated) { s.confirmAfter = n }
}

// WithClock sets the clock used for confirmation waits.
func WithClock(c clock.Clock) SimulatedOption {
	return func(s *Simulated) { s.clock = c }
}

// NewSimulated creates an empty simulated ledger.
func NewSimulated(opts ...SimulatedOption) *Simulated {
	s := &Simulated{
		clock:        clock.Real{},
		round:        1000,
		balances:     make(map[holdingKey]uint64),
		txs:          make(map[string]*simTx),
		confirmAfter: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fund credits amount of assetID to address.
func (s *Simulated) Fund(address string, assetID, amount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[holdingKey{address, assetID}] += amount
}

// FailNextBroadcast makes the next BroadcastPayment return err without
// moving funds.
func (s *Simulated) FailNextBroadcast(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// SetOffline makes every call fail with domain.ErrNetworkUnavailable.
func (s *Simulated) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// StallTransaction keeps txID pending forever.
func (s *Simulated) StallTransaction(txID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.txs[txID]; ok {
		tx.stuck = true
	}
}

// StallAll keeps every future transaction pending forever.
func (s *Simulated) StallAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmAfter = -1
}

// Broadcasts returns how many payments were accepted.
func (s *Simulated) Broadcasts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broadcasts
}

// Balance returns the holding of address in assetID.
func (s *Simulated) Balance(_ context.Context, address string, assetID uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return 0, domain.ErrNetworkUnavailable
	}
	return s.balances[holdingKey{address, assetID}], nil
}

// BroadcastPayment moves funds from the signer to p.To.
func (s *Simulated) BroadcastPayment(_ context.Context, signer Signer, p Payment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offline {
		return "", domain.ErrNetworkUnavailable
	}
	if err := s.failNext; err != nil {
		s.failNext = nil
		return "", err
	}

	from := signer.Address()
	src := holdingKey{from, p.AssetID}
	if s.balances[src] < p.Amount {
		return "", fmt.Errorf("%w: %s holds %d of asset %d, needs %d",
			domain.ErrInsufficientFunds, from, s.balances[src], p.AssetID, p.Amount)
	}

	s.balances[src] -= p.Amount
	s.balances[holdingKey{p.To, p.AssetID}] += p.Amount

	txID := newSimTxID()
	s.txs[txID] = &simTx{payment: p, from: from, stuck: s.confirmAfter < 0}
	s.broadcasts++
	slog.Debug("Simulated broadcast", "tx_id", txID, "from", from, "to", p.To, "amount", p.Amount)
	return txID, nil
}

// TransactionRound advances the poll count of txID and reports its round.
func (s *Simulated) TransactionRound(_ context.Context, txID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.offline {
		return 0, domain.ErrNetworkUnavailable
	}
	tx, ok := s.txs[txID]
	if !ok {
		return 0, fmt.Errorf("unknown transaction %s", txID)
	}
	if tx.round > 0 {
		return tx.round, nil
	}
	if tx.stuck {
		return 0, nil
	}
	tx.polls++
	if tx.polls >= s.confirmAfter {
		s.round++
		tx.round = s.round
	}
	return tx.round, nil
}

// WaitForConfirmation polls TransactionRound on the policy schedule.
func (s *Simulated) WaitForConfirmation(ctx context.Context, txID string, policy PollPolicy) (uint64, error) {
	return waitForRound(ctx, s.clock, policy, txID, func(ctx context.Context) (uint64, error) {
		return s.TransactionRound(ctx, txID)
	})
}

// Payment returns the transfer recorded under txID.
func (s *Simulated) Payment(txID string) (Payment, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[txID]
	if !ok {
		return Payment{}, "", false
	}
	return tx.payment, tx.from, true
}

func newSimTxID() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
}
