// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/agentweb/internal/domain"
)

// ErrStale is returned by TransitionSession when the stored status no longer
// matches the expected status.
var ErrStale = errors.New("optimistic lock failed: session status changed")

// SessionStore persists payment sessions.
type SessionStore interface {
	// CreateSession inserts a new session. Returns domain.ErrSessionExists if
	// the id is taken.
	CreateSession(ctx context.Context, s *domain.PaymentSession) error

	// GetSession returns the session or domain.ErrSessionNotFound.
	GetSession(ctx context.Context, sessionID string) (*domain.PaymentSession, error)

	// TransitionSession replaces the stored session with next only if the
	// stored status equals expected. Returns ErrStale when it does not and
	// domain.ErrSessionNotFound when the row is gone.
	TransitionSession(ctx context.Context, next *domain.PaymentSession, expected domain.Status) error

	// ListExpiredSessions returns non-terminal sessions whose expires_at is
	// strictly before now, oldest first.
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]*domain.PaymentSession, error)

	// ListRefundsOwed returns terminal sessions that still owe the agent a
	// refund, newest first.
	ListRefundsOwed(ctx context.Context, limit int) ([]*domain.PaymentSession, error)

	// DeleteTerminalSessions removes terminal sessions last updated before
	// the cutoff that owe no refund.
	DeleteTerminalSessions(ctx context.Context, before time.Time) (int64, error)
}

// WebsiteFilter narrows ListWebsites.
type WebsiteFilter struct {
	DomainContains string
	VerifiedOnly   bool
	Limit          int
}

// WebsiteStore persists the website registry.
type WebsiteStore interface {
	// UpsertWebsite creates or updates a website keyed by domain.
	UpsertWebsite(ctx context.Context, w *domain.Website) error

	// GetWebsite returns the website or domain.ErrWebsiteNotFound.
	GetWebsite(ctx context.Context, domainName string) (*domain.Website, error)

	// ListWebsites returns websites ordered by domain.
	ListWebsites(ctx context.Context, filter WebsiteFilter) ([]*domain.Website, error)
}

// AgentStore persists the agent registry.
type AgentStore interface {
	// CreateAgent inserts a new agent. Returns domain.ErrAgentExists if the
	// id is taken.
	CreateAgent(ctx context.Context, a *domain.Agent) error

	// GetAgent returns the agent or domain.ErrAgentNotFound.
	GetAgent(ctx context.Context, agentID string) (*domain.Agent, error)
}

// Repository is the full persistence surface used by the coordinator.
type Repository interface {
	SessionStore
	WebsiteStore
	AgentStore

	// Ping verifies connectivity and returns an error if the backend is unreachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

const defaultListLimit = 100

func listLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
