package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/agentweb/internal/domain"
	"github.com/ashureev/agentweb/internal/identity"
	"github.com/ashureev/agentweb/internal/store"
)

// VerificationHeaderName is the response header a website serves to prove
// ownership of its domain.
const VerificationHeaderName = "X-AgentWeb-Verification"

// OwnershipVerifier proves that the registrant controls a domain.
type OwnershipVerifier interface {
	VerifyOwnership(ctx context.Context, domainName, token string) error
}

// HTTPOwnershipVerifier sends a HEAD request to the site root and compares
// its verification header with the registrant's token.
type HTTPOwnershipVerifier struct {
	Client *http.Client
	// BaseURL maps a domain to the URL that is fetched. Defaults to
	// "https://<domain>/".
	BaseURL func(domainName string) string
}

// VerifyOwnership requests the site root and checks the verification header.
func (v HTTPOwnershipVerifier) VerifyOwnership(ctx context.Context, domainName, token string) error {
	if token == "" {
		return fmt.Errorf("%w: verification header is required", domain.ErrOwnershipUnverified)
	}
	client := v.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	url := "https://" + domainName + "/"
	if v.BaseURL != nil {
		url = v.BaseURL(domainName)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("build ownership request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: fetch %s: %v", domain.ErrOwnershipUnverified, url, err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get(VerificationHeaderName); got != token {
		return fmt.Errorf("%w: %s does not serve the expected %s header", domain.ErrOwnershipUnverified, domainName, VerificationHeaderName)
	}
	return nil
}

// RegisterWebsiteParams describes a website registration.
type RegisterWebsiteParams struct {
	Domain              string             `json:"domain"`
	OwnerAddress        string             `json:"owner_address"`
	VerificationHeader  string             `json:"verification_header,omitempty"`
	AssetID             uint64             `json:"asset_id"`
	BasePaymentAmount   uint64             `json:"base_payment_amount"`
	PaymentRequired     *bool              `json:"payment_required,omitempty"`
	SupportedQueryTypes []domain.QueryType `json:"supported_query_types,omitempty"`
}

// RegisterWebsite records or updates a website. When an OwnershipVerifier is
// configured the registration fails unless the domain proves ownership.
func (s *Service) RegisterWebsite(ctx context.Context, p RegisterWebsiteParams) (*domain.Website, error) {
	name := domain.NormalizeDomain(p.Domain)
	owner := strings.TrimSpace(p.OwnerAddress)
	if name == "" || owner == "" {
		return nil, fmt.Errorf("%w: domain and owner_address are required", domain.ErrInvalidRequest)
	}
	for _, qt := range p.SupportedQueryTypes {
		if !qt.Valid() {
			return nil, fmt.Errorf("%w: unknown query type %q", domain.ErrInvalidRequest, qt)
		}
	}

	verified := false
	if s.opts.Ownership != nil {
		if err := s.opts.Ownership.VerifyOwnership(ctx, name, p.VerificationHeader); err != nil {
			s.logger.Warn("Website ownership verification failed", "domain", name, "error", err)
			return nil, err
		}
		verified = true
	}

	paymentRequired := true
	if p.PaymentRequired != nil {
		paymentRequired = *p.PaymentRequired
	}

	now := s.clock.Now()
	website := &domain.Website{
		Domain:              name,
		OwnerAddress:        owner,
		AssetID:             p.AssetID,
		Subname:             domain.SubnameFor(name),
		Verified:            verified,
		BasePaymentAmount:   p.BasePaymentAmount,
		PaymentRequired:     paymentRequired,
		SupportedQueryTypes: p.SupportedQueryTypes,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.websites.UpsertWebsite(ctx, website); err != nil {
		return nil, fmt.Errorf("register website: %w", err)
	}

	stored, err := s.websites.GetWebsite(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("reload website: %w", err)
	}
	s.logger.Info("Website registered", "domain", name, "owner", owner, "subname", stored.Subname, "verified", verified)
	return stored, nil
}

// GetWebsite looks up a registered website.
func (s *Service) GetWebsite(ctx context.Context, domainName string) (*domain.Website, error) {
	return s.websites.GetWebsite(ctx, domain.NormalizeDomain(domainName))
}

// ListWebsites discovers registered websites.
func (s *Service) ListWebsites(ctx context.Context, filter store.WebsiteFilter) ([]*domain.Website, error) {
	filter.DomainContains = domain.NormalizeDomain(filter.DomainContains)
	websites, err := s.websites.ListWebsites(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list websites: %w", err)
	}
	return websites, nil
}

// VerifyForWebsite resolves the website's owner and verifies the session
// against it. Used by the hosted query path.
func (s *Service) VerifyForWebsite(ctx context.Context, sessionID, domainName string, minAmount uint64) (*domain.Website, domain.Verification, error) {
	website, err := s.GetWebsite(ctx, domainName)
	if err != nil {
		return nil, domain.Verification{}, err
	}
	if minAmount < website.BasePaymentAmount {
		minAmount = website.BasePaymentAmount
	}
	v, err := s.Verify(ctx, sessionID, website.OwnerAddress, minAmount)
	if err != nil {
		return nil, domain.Verification{}, err
	}
	return website, v, nil
}

// RegisterAgentParams describes an agent registration. Signature is the
// base64 signature of domain.AgentRegistrationMessage made with the key
// behind Address.
type RegisterAgentParams struct {
	AgentID      string `json:"agent_id"`
	Address      string `json:"address"`
	MetadataHash string `json:"metadata_hash,omitempty"`
	Signature    string `json:"signature"`
}

// RegisterAgent records a new agent after checking that the registrant holds
// the key of the address it claims.
func (s *Service) RegisterAgent(ctx context.Context, p RegisterAgentParams) (*domain.Agent, error) {
	id := domain.NormalizeAgentID(p.AgentID)
	address := strings.TrimSpace(p.Address)
	if id == "" || address == "" {
		return nil, fmt.Errorf("%w: agent_id and address are required", domain.ErrInvalidRequest)
	}
	metadata := strings.TrimSpace(p.MetadataHash)

	msg := domain.AgentRegistrationMessage(id, metadata)
	if err := identity.VerifyMessage(address, msg, p.Signature); err != nil {
		s.logger.Warn("Agent registration signature rejected", "agent_id", id, "address", address, "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}

	now := s.clock.Now()
	agent := &domain.Agent{
		AgentID:      id,
		Address:      address,
		MetadataHash: metadata,
		Reputation:   domain.InitialReputation,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.agents.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}
	s.logger.Info("Agent registered", "agent_id", id, "address", address)
	return agent, nil
}

// GetAgent looks up a registered agent.
func (s *Service) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	return s.agents.GetAgent(ctx, domain.NormalizeAgentID(agentID))
}
