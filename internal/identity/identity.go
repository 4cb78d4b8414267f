// Package identity signs and verifies the agent identity carried on paid
// requests.
package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

// Request headers carrying the agent identity.
const (
	AgentHeaderName     = "X-AgentWeb-Agent"
	SignatureHeaderName = "X-AgentWeb-Signature"
)

var (
	// ErrMissingSignature is returned when the agent or signature header is absent.
	ErrMissingSignature = errors.New("missing agent signature")
	// ErrBadSignature is returned when the signature does not verify.
	ErrBadSignature = errors.New("agent signature does not verify")
)

type contextKey int

const agentAddressKey contextKey = iota

// ByteSigner signs arbitrary messages with an account key.
type ByteSigner interface {
	Address() string
	SignBytes(msg []byte) ([]byte, error)
}

// payload binds the signature to the session and the exact query descriptor.
func payload(sessionID, query string) []byte {
	return []byte("agentweb/v1\n" + sessionID + "\n" + query)
}

// Sign returns the base64 signature of the session id and encoded query.
func Sign(signer ByteSigner, sessionID, query string) (string, error) {
	sig, err := SignMessage(signer, payload(sessionID, query))
	if err != nil {
		return "", fmt.Errorf("sign agent request: %w", err)
	}
	return sig, nil
}

// Verify checks that signature was produced by the account behind address.
func Verify(address, sessionID, query, signature string) error {
	return VerifyMessage(address, payload(sessionID, query), signature)
}

// SignMessage returns the base64 signature of msg.
func SignMessage(signer ByteSigner, msg []byte) (string, error) {
	sig, err := signer.SignBytes(msg)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyMessage checks a base64 signature of msg against the account behind
// address.
func VerifyMessage(address string, msg []byte, signature string) error {
	if address == "" || signature == "" {
		return ErrMissingSignature
	}
	addr, err := types.DecodeAddress(address)
	if err != nil {
		return fmt.Errorf("%w: invalid agent address: %v", ErrBadSignature, err)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrBadSignature)
	}
	if !crypto.VerifyBytes(ed25519.PublicKey(addr[:]), msg, sig) {
		return ErrBadSignature
	}
	return nil
}

// SetHeaders signs and attaches the identity headers to r.
func SetHeaders(r *http.Request, signer ByteSigner, sessionID, query string) error {
	sig, err := Sign(signer, sessionID, query)
	if err != nil {
		return err
	}
	r.Header.Set(AgentHeaderName, signer.Address())
	r.Header.Set(SignatureHeaderName, sig)
	return nil
}

// VerifyRequest checks the identity headers of r and returns the agent address.
func VerifyRequest(r *http.Request, sessionID, query string) (string, error) {
	agent := strings.TrimSpace(r.Header.Get(AgentHeaderName))
	if err := Verify(agent, sessionID, query, r.Header.Get(SignatureHeaderName)); err != nil {
		return "", err
	}
	return agent, nil
}

// WithAgentAddress stores a verified agent address in ctx.
func WithAgentAddress(ctx context.Context, address string) context.Context {
	return context.WithValue(ctx, agentAddressKey, address)
}

// AgentAddressFromContext extracts the verified agent address from ctx.
func AgentAddressFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(agentAddressKey).(string); ok {
		return v
	}
	return ""
}

// IPFromRequest returns a normalized remote IP for rate limiting and tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
