package ledger

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/ashureev/agentweb/internal/clock"
	"github.com/ashureev/agentweb/internal/domain"
)

func TestBackoffNext(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for attempt, w := range want {
		if got := b.Next(attempt); got != w*time.Millisecond {
			t.Errorf("Next(%d) = %v, want %v", attempt, got, w*time.Millisecond)
		}
	}

	flat := Backoff{}
	if got := flat.Next(5); got != time.Second {
		t.Errorf("Zero backoff should default to one second, got %v", got)
	}
}

func fastPolicy(timeout time.Duration) PollPolicy {
	return PollPolicy{Timeout: timeout, Backoff: Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}}
}

func TestSimulatedPaymentFlow(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated(WithConfirmAfter(3))
	agent := GenerateSigner()
	sim.Fund(agent.Address(), NativeAsset, 10_000)

	txID, err := sim.BroadcastPayment(ctx, agent, Payment{To: "ESCROW", Amount: 4000, Note: SessionNote("s-1")})
	if err != nil {
		t.Fatalf("BroadcastPayment failed: %v", err)
	}

	if balance, _ := sim.Balance(ctx, agent.Address(), NativeAsset); balance != 6000 {
		t.Errorf("Expected agent balance 6000, got %d", balance)
	}
	if balance, _ := sim.Balance(ctx, "ESCROW", NativeAsset); balance != 4000 {
		t.Errorf("Expected escrow balance 4000, got %d", balance)
	}

	p, from, ok := sim.Payment(txID)
	if !ok || from != agent.Address() || string(p.Note) != "agentweb:s-1" {
		t.Errorf("Unexpected recorded payment %+v from %s", p, from)
	}

	round, err := sim.WaitForConfirmation(ctx, txID, fastPolicy(time.Second))
	if err != nil {
		t.Fatalf("WaitForConfirmation failed: %v", err)
	}
	if round == 0 {
		t.Error("Expected a confirmed round")
	}

	again, _ := sim.TransactionRound(ctx, txID)
	if again != round {
		t.Errorf("Confirmed round changed from %d to %d", round, again)
	}
}

func TestSimulatedInsufficientFunds(t *testing.T) {
	sim := NewSimulated()
	agent := GenerateSigner()
	sim.Fund(agent.Address(), 31566704, 10)

	_, err := sim.BroadcastPayment(context.Background(), agent, Payment{To: "ESCROW", Amount: 11, AssetID: 31566704})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}
	if sim.Broadcasts() != 0 {
		t.Errorf("Failed broadcast should not be counted")
	}
}

func TestSimulatedFailures(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated()
	agent := GenerateSigner()
	sim.Fund(agent.Address(), NativeAsset, 100)

	boom := errors.New("boom")
	sim.FailNextBroadcast(boom)
	if _, err := sim.BroadcastPayment(ctx, agent, Payment{To: "E", Amount: 1}); !errors.Is(err, boom) {
		t.Errorf("Expected injected error, got %v", err)
	}
	if _, err := sim.BroadcastPayment(ctx, agent, Payment{To: "E", Amount: 1}); err != nil {
		t.Errorf("Injected failure should apply once, got %v", err)
	}

	sim.SetOffline(true)
	if _, err := sim.BroadcastPayment(ctx, agent, Payment{To: "E", Amount: 1}); !errors.Is(err, domain.ErrNetworkUnavailable) {
		t.Errorf("Expected ErrNetworkUnavailable, got %v", err)
	}
}

func TestWaitForConfirmationTimeout(t *testing.T) {
	ctx := context.Background()
	sim := NewSimulated()
	sim.StallAll()
	agent := GenerateSigner()
	sim.Fund(agent.Address(), NativeAsset, 100)

	txID, err := sim.BroadcastPayment(ctx, agent, Payment{To: "E", Amount: 1})
	if err != nil {
		t.Fatalf("BroadcastPayment failed: %v", err)
	}

	_, err = sim.WaitForConfirmation(ctx, txID, fastPolicy(30*time.Millisecond))
	if !errors.Is(err, domain.ErrConfirmationTimeout) {
		t.Fatalf("Expected ErrConfirmationTimeout, got %v", err)
	}
}

func TestWaitForConfirmationCancelled(t *testing.T) {
	sim := NewSimulated()
	agent := GenerateSigner()
	sim.Fund(agent.Address(), NativeAsset, 100)
	txID, _ := sim.BroadcastPayment(context.Background(), agent, Payment{To: "E", Amount: 1})
	sim.StallTransaction(txID)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := sim.WaitForConfirmation(ctx, txID, fastPolicy(time.Minute))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestWaitForRoundRetriesTransientErrors(t *testing.T) {
	calls := 0
	check := func(context.Context) (uint64, error) {
		calls++
		if calls < 3 {
			return 0, domain.ErrNetworkUnavailable
		}
		return 77, nil
	}

	round, err := waitForRound(context.Background(), clock.Real{}, fastPolicy(time.Second), "TX", check)
	if err != nil {
		t.Fatalf("waitForRound failed: %v", err)
	}
	if round != 77 || calls != 3 {
		t.Errorf("Expected round 77 after 3 calls, got %d after %d", round, calls)
	}
}

func TestWaitForRoundStopsOnRejection(t *testing.T) {
	calls := 0
	check := func(context.Context) (uint64, error) {
		calls++
		return 0, fmt.Errorf("%w: overspend", ErrTxRejected)
	}

	_, err := waitForRound(context.Background(), clock.Real{}, fastPolicy(time.Second), "TX", check)
	if !errors.Is(err, ErrTxRejected) || calls != 1 {
		t.Errorf("Expected immediate ErrTxRejected, got %v after %d calls", err, calls)
	}
}

func TestWaitForRoundFakeClock(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	policy := PollPolicy{Timeout: 10 * time.Second, Backoff: Backoff{Initial: time.Second, Max: time.Second, Multiplier: 1}}

	done := make(chan error, 1)
	go func() {
		_, err := waitForRound(context.Background(), clk, policy, "TX", func(context.Context) (uint64, error) {
			return 0, nil
		})
		done <- err
	}()

	for {
		select {
		case err := <-done:
			if !errors.Is(err, domain.ErrConfirmationTimeout) {
				t.Fatalf("Expected ErrConfirmationTimeout, got %v", err)
			}
			return
		case <-time.After(time.Millisecond):
			clk.Advance(time.Second)
		}
	}
}

func TestClassify(t *testing.T) {
	netErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	if err := classify(netErr); !errors.Is(err, domain.ErrNetworkUnavailable) {
		t.Errorf("Expected ErrNetworkUnavailable, got %v", err)
	}
	if err := classify(errors.New("TransactionPool.Remember: overspend")); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Errorf("Expected ErrInsufficientFunds, got %v", err)
	}
	if err := classify(errors.New("bad request")); errors.Is(err, domain.ErrNetworkUnavailable) || err == nil {
		t.Errorf("Unexpected classification %v", err)
	}
	if classify(nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}

func TestSignerFromMnemonic(t *testing.T) {
	if _, err := SignerFromMnemonic("not a mnemonic"); err == nil {
		t.Error("Expected error for invalid mnemonic")
	}

	signer := GenerateSigner()
	if len(signer.Address()) != 58 {
		t.Errorf("Expected 58 character address, got %q", signer.Address())
	}
	sig, err := signer.SignBytes([]byte("hello"))
	if err != nil || len(sig) != 64 {
		t.Errorf("SignBytes returned %d bytes (%v)", len(sig), err)
	}
}

func TestEscrowAllocators(t *testing.T) {
	ctx := context.Background()
	fixed := FixedEscrow("PLATFORM")
	if addr, _ := fixed.AllocateEscrow(ctx, "s-1"); addr != "PLATFORM" {
		t.Errorf("Expected PLATFORM, got %s", addr)
	}

	gen := GeneratedEscrow{}
	a, _ := gen.AllocateEscrow(ctx, "s-1")
	b, _ := gen.AllocateEscrow(ctx, "s-2")
	if a == b || len(a) != 58 {
		t.Errorf("Expected distinct escrow addresses, got %s and %s", a, b)
	}
}
