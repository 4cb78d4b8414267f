package api

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/ashureev/agentweb/internal/coordinator"
	"github.com/ashureev/agentweb/internal/domain"
	"github.com/ashureev/agentweb/internal/identity"
	"github.com/ashureev/agentweb/internal/ledger"
)

func signedRegistration(t *testing.T, signer *ledger.AccountSigner, id, metadata string) coordinator.RegisterAgentParams {
	t.Helper()
	sig, err := identity.SignMessage(signer, domain.AgentRegistrationMessage(domain.NormalizeAgentID(id), metadata))
	if err != nil {
		t.Fatalf("SignMessage failed: %v", err)
	}
	return coordinator.RegisterAgentParams{
		AgentID:      id,
		Address:      signer.Address(),
		MetadataHash: metadata,
		Signature:    sig,
	}
}

func TestAgentRegistry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	signer := ledger.GenerateSigner()

	agent, err := env.client.RegisterAgent(ctx, signedRegistration(t, signer, "Research-Bot", "sha256:abc"))
	if err != nil {
		t.Fatalf("RegisterAgent failed: %v", err)
	}
	if agent.AgentID != "research-bot" || agent.Address != signer.Address() || agent.Reputation != domain.InitialReputation {
		t.Errorf("Unexpected agent: %+v", agent)
	}

	got, err := env.client.GetAgent(ctx, "research-bot")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.MetadataHash != "sha256:abc" {
		t.Errorf("Expected metadata hash to round-trip, got %q", got.MetadataHash)
	}

	_, err = env.client.RegisterAgent(ctx, signedRegistration(t, signer, "research-bot", "sha256:abc"))
	if !errors.Is(err, domain.ErrAgentExists) {
		t.Errorf("Expected ErrAgentExists, got %v", err)
	}

	_, err = env.client.GetAgent(ctx, "nobody")
	if !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("Expected ErrAgentNotFound, got %v", err)
	}
}

func TestRegisterAgentStatusCodes(t *testing.T) {
	env := newTestEnv(t)
	signer := ledger.GenerateSigner()

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{
			name:   "forged signature",
			body:   `{"agent_id":"bot","address":"` + signer.Address() + `","metadata_hash":"h","signature":"AAAA"}`,
			status: http.StatusBadRequest,
			code:   "INVALID_SIGNATURE",
		},
		{
			name:   "missing agent id",
			body:   `{"address":"` + signer.Address() + `","metadata_hash":"h","signature":"AAAA"}`,
			status: http.StatusBadRequest,
			code:   "INVALID_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.post(t, "/agents/register", tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
			if body := decodeBody(t, resp); body.Code != tt.code {
				t.Errorf("Expected code %s, got %+v", tt.code, body)
			}
		})
	}
}
