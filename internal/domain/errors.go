package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
)

// Sentinel errors returned by the coordinator, ledger and agent. Each wraps an
// errdefs class so transports can map it to a status code.
var (
	ErrInvalidAmount             = fmt.Errorf("invalid amount: %w", errdefs.ErrInvalidArgument)
	ErrInvalidRequest            = fmt.Errorf("invalid request: %w", errdefs.ErrInvalidArgument)
	ErrSessionNotFound           = fmt.Errorf("session not found: %w", errdefs.ErrNotFound)
	ErrWebsiteNotFound           = fmt.Errorf("website not found: %w", errdefs.ErrNotFound)
	ErrAgentNotFound             = fmt.Errorf("agent not found: %w", errdefs.ErrNotFound)
	ErrAgentExists               = fmt.Errorf("agent already registered: %w", errdefs.ErrAlreadyExists)
	ErrInvalidSignature          = fmt.Errorf("invalid agent signature: %w", errdefs.ErrInvalidArgument)
	ErrSessionExists             = fmt.Errorf("session already exists: %w", errdefs.ErrAlreadyExists)
	ErrInvalidTransition         = fmt.Errorf("invalid transition: %w", errdefs.ErrFailedPrecondition)
	ErrSessionExpired            = fmt.Errorf("session expired: %w", errdefs.ErrFailedPrecondition)
	ErrEscrowUnconfirmed         = fmt.Errorf("escrow transaction not confirmed on ledger: %w", errdefs.ErrFailedPrecondition)
	ErrTxIDMismatch              = fmt.Errorf("escrow tx id mismatch: %w", errdefs.ErrConflict)
	ErrInsufficientFunds         = fmt.Errorf("insufficient funds: %w", errdefs.ErrFailedPrecondition)
	ErrNetworkUnavailable        = fmt.Errorf("ledger network unavailable: %w", errdefs.ErrUnavailable)
	ErrConfirmationTimeout       = fmt.Errorf("confirmation timeout: %w", context.DeadlineExceeded)
	ErrPaymentVerificationFailed = fmt.Errorf("payment verification failed: %w", errdefs.ErrPermissionDenied)
	ErrOwnershipUnverified       = fmt.Errorf("website ownership not verified: %w", errdefs.ErrPermissionDenied)
)

// Machine-readable error codes carried on the wire.
const (
	CodeInvalidAmount             = "INVALID_AMOUNT"
	CodeInvalidRequest            = "INVALID_REQUEST"
	CodeSessionNotFound           = "SESSION_NOT_FOUND"
	CodeWebsiteNotFound           = "WEBSITE_NOT_FOUND"
	CodeAgentNotFound             = "AGENT_NOT_FOUND"
	CodeAgentExists               = "AGENT_EXISTS"
	CodeInvalidSignature          = "INVALID_SIGNATURE"
	CodeSessionExists             = "SESSION_EXISTS"
	CodeInvalidTransition         = "INVALID_TRANSITION"
	CodeSessionExpired            = "SESSION_EXPIRED"
	CodeEscrowUnconfirmed         = "ESCROW_UNCONFIRMED"
	CodeTxIDMismatch              = "TX_ID_MISMATCH"
	CodeInsufficientFunds         = "INSUFFICIENT_FUNDS"
	CodeNetworkUnavailable        = "NETWORK_UNAVAILABLE"
	CodeConfirmationTimeout       = "CONFIRMATION_TIMEOUT"
	CodePaymentVerificationFailed = "PAYMENT_VERIFICATION_FAILED"
	CodeOwnershipUnverified       = "OWNERSHIP_UNVERIFIED"
	CodeInternal                  = "INTERNAL"
)

var codes = []struct {
	code string
	err  error
}{
	{CodeInvalidAmount, ErrInvalidAmount},
	{CodeInvalidRequest, ErrInvalidRequest},
	{CodeSessionNotFound, ErrSessionNotFound},
	{CodeWebsiteNotFound, ErrWebsiteNotFound},
	{CodeAgentNotFound, ErrAgentNotFound},
	{CodeAgentExists, ErrAgentExists},
	{CodeInvalidSignature, ErrInvalidSignature},
	{CodeSessionExists, ErrSessionExists},
	{CodeInvalidTransition, ErrInvalidTransition},
	{CodeSessionExpired, ErrSessionExpired},
	{CodeEscrowUnconfirmed, ErrEscrowUnconfirmed},
	{CodeTxIDMismatch, ErrTxIDMismatch},
	{CodeInsufficientFunds, ErrInsufficientFunds},
	{CodeNetworkUnavailable, ErrNetworkUnavailable},
	{CodeConfirmationTimeout, ErrConfirmationTimeout},
	{CodePaymentVerificationFailed, ErrPaymentVerificationFailed},
	{CodeOwnershipUnverified, ErrOwnershipUnverified},
}

// CodeOf returns the machine-readable code for err, or CodeInternal when err
// is not one of the package sentinels.
func CodeOf(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// ErrorForCode returns the sentinel for code, or nil if code is unknown.
func ErrorForCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// RemoteError is an error reported by a peer, rebuilt from its code and
// message. errors.Is matches the sentinel for Code.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

// Unwrap exposes the sentinel so errors.Is and errdefs.Is* keep working.
func (e *RemoteError) Unwrap() error {
	return ErrorForCode(e.Code)
}
