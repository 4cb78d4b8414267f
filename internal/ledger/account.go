package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/mnemonic"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// AccountSigner signs with an in-memory Algorand account.
type AccountSigner struct {
	account crypto.Account
}

// NewAccountSigner wraps account.
func NewAccountSigner(account crypto.Account) *AccountSigner {
	return &AccountSigner{account: account}
}

// SignerFromMnemonic recovers an account from its 25-word mnemonic.
func SignerFromMnemonic(phrase string) (*AccountSigner, error) {
	sk, err := mnemonic.ToPrivateKey(phrase)
	if err != nil {
		return nil, fmt.Errorf("decode mnemonic: %w", err)
	}
	account, err := crypto.AccountFromPrivateKey(sk)
	if err != nil {
		return nil, fmt.Errorf("derive account: %w", err)
	}
	return &AccountSigner{account: account}, nil
}

// GenerateSigner creates a signer for a fresh random account.
func GenerateSigner() *AccountSigner {
	return &AccountSigner{account: crypto.GenerateAccount()}
}

// Address returns the account address.
func (s *AccountSigner) Address() string {
	return s.account.Address.String()
}

// SignTransaction signs tx and returns its id and encoded form.
func (s *AccountSigner) SignTransaction(tx types.Transaction) (string, []byte, error) {
	txID, signed, err := crypto.SignTransaction(s.account.PrivateKey, tx)
	if err != nil {
		return "", nil, fmt.Errorf("sign transaction: %w", err)
	}
	return txID, signed, nil
}

// SignBytes signs an arbitrary message with the account key.
func (s *AccountSigner) SignBytes(msg []byte) ([]byte, error) {
	sig, err := crypto.SignBytes(s.account.PrivateKey, msg)
	if err != nil {
		return nil, fmt.Errorf("sign bytes: %w", err)
	}
	return sig, nil
}

// GeneratedEscrow allocates a fresh Algorand account per session. Key custody
// is handled outside this service; only the address is kept.
type GeneratedEscrow struct {
	Logger *slog.Logger
}

// AllocateEscrow returns the address of a newly generated account.
func (g GeneratedEscrow) AllocateEscrow(_ context.Context, sessionID string) (string, error) {
	account := crypto.GenerateAccount()
	addr := account.Address.String()
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("Allocated escrow account", "session_id", sessionID, "escrow_address", addr)
	return addr, nil
}
