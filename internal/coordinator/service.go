// Package coordinator is the authority over payment sessions: it creates
// them, applies every status transition and answers verification queries.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/ashureev/agentweb/internal/clock"
	"github.com/ashureev/agentweb/internal/domain"
	"github.com/ashureev/agentweb/internal/events"
	"github.com/ashureev/agentweb/internal/ledger"
	"github.com/ashureev/agentweb/internal/store"
	"github.com/google/uuid"
)

// maxTransitionAttempts bounds how often a transition re-reads the session
// after losing a compare-and-swap.
const maxTransitionAttempts = 3

// ConfirmationSource reports whether a transaction is final on the ledger.
type ConfirmationSource interface {
	TransactionRound(ctx context.Context, txID string) (uint64, error)
}

// Options configures a Service. Zero values select defaults.
type Options struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	MinAmount  uint64
	Retention  time.Duration
	// PlatformFeeBPS is the share of each completed session kept as the
	// platform fee, in basis points.
	PlatformFeeBPS uint64

	Clock         clock.Clock
	Escrow        ledger.EscrowAllocator
	Confirmations ConfirmationSource
	Events        events.Broker
	Ownership     OwnershipVerifier
	Logger        *slog.Logger
	NewID         func() string
}

// Service implements the session coordinator.
type Service struct {
	sessions store.SessionStore
	websites store.WebsiteStore
	agents   store.AgentStore
	opts     Options
	clock    clock.Clock
	logger   *slog.Logger
}

// New creates a coordinator backed by the given stores.
func New(sessions store.SessionStore, websites store.WebsiteStore, agents store.AgentStore, opts Options) *Service {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 15 * time.Minute
	}
	if opts.MaxTTL < opts.DefaultTTL {
		opts.MaxTTL = opts.DefaultTTL
	}
	if opts.MinAmount == 0 {
		opts.MinAmount = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Escrow == nil {
		opts.Escrow = ledger.GeneratedEscrow{Logger: opts.Logger}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Service{
		sessions: sessions,
		websites: websites,
		agents:   agents,
		opts:     opts,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}
}

// CreateSessionParams describes a new session.
type CreateSessionParams struct {
	AgentAddress   string        `json:"agent_address"`
	WebsiteAddress string        `json:"website_address"`
	Amount         uint64        `json:"amount"`
	AssetID        uint64        `json:"asset_id"`
	TTL            time.Duration `json:"ttl,omitempty"`
}

// CreateSession opens a session in the Initiated state.
func (s *Service) CreateSession(ctx context.Context, p CreateSessionParams) (*domain.PaymentSession, error) {
	if p.Amount == 0 || p.Amount < s.opts.MinAmount {
		return nil, fmt.Errorf("%w: %d is below the minimum of %d", domain.ErrInvalidAmount, p.Amount, s.opts.MinAmount)
	}
	// Amounts are stored as signed 64-bit integers.
	if p.Amount > math.MaxInt64 {
		return nil, fmt.Errorf("%w: %d exceeds the maximum", domain.ErrInvalidAmount, p.Amount)
	}
	p.AgentAddress = strings.TrimSpace(p.AgentAddress)
	p.WebsiteAddress = strings.TrimSpace(p.WebsiteAddress)
	if p.AgentAddress == "" || p.WebsiteAddress == "" {
		return nil, fmt.Errorf("%w: agent and website addresses are required", domain.ErrInvalidRequest)
	}

	ttl := p.TTL
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	if ttl > s.opts.MaxTTL {
		ttl = s.opts.MaxTTL
	}

	id := s.opts.NewID()
	escrow, err := s.opts.Escrow.AllocateEscrow(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("allocate escrow: %w", err)
	}

	now := s.clock.Now()
	session := &domain.PaymentSession{
		SessionID:      id,
		AgentAddress:   p.AgentAddress,
		WebsiteAddress: p.WebsiteAddress,
		Amount:         p.Amount,
		AssetID:        p.AssetID,
		EscrowAddress:  escrow,
		Status:         domain.StatusInitiated,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.logger.Info("Payment session created",
		"session_id", id,
		"agent", p.AgentAddress,
		"website", p.WebsiteAddress,
		"amount", p.Amount,
		"asset_id", p.AssetID,
		"expires_at", session.ExpiresAt)
	s.publish(ctx, "", *session)
	return session, nil
}

// GetSession returns the current state of a session.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*domain.PaymentSession, error) {
	return s.sessions.GetSession(ctx, sessionID)
}

// RecordEscrow attaches the escrow transaction to an Initiated session. A
// replay with the recorded txID on an EscrowPending session succeeds without
// change; any other txID there is a mismatch.
func (s *Service) RecordEscrow(ctx context.Context, sessionID, txID string) (*domain.PaymentSession, error) {
	txID = strings.TrimSpace(txID)
	if txID == "" {
		return nil, fmt.Errorf("%w: tx_id is required", domain.ErrInvalidRequest)
	}

	return s.apply(ctx, sessionID, "record_escrow", failOnExpiry, func(cur domain.PaymentSession, now time.Time) (*domain.PaymentSession, error) {
		if initiated, ok := domain.AsInitiated(cur); ok {
			next := initiated.RecordEscrow(txID, now)
			return &next, nil
		}
		if cur.Status != domain.StatusEscrowPending {
			return nil, invalidTransition(cur, domain.StatusEscrowPending)
		}
		if cur.EscrowTxID != txID {
			return nil, fmt.Errorf("%w: session %s already funded by %s", domain.ErrTxIDMismatch, cur.SessionID, cur.EscrowTxID)
		}
		return nil, nil
	})
}

// ConfirmEscrow marks the escrow transfer as final. round is the confirmed
// round observed by the caller, zero if unknown. When a ConfirmationSource is
// configured the coordinator checks the ledger itself.
func (s *Service) ConfirmEscrow(ctx context.Context, sessionID string, round uint64) (*domain.PaymentSession, error) {
	return s.apply(ctx, sessionID, "confirm_escrow", failOnExpiry, func(cur domain.PaymentSession, now time.Time) (*domain.PaymentSession, error) {
		pending, ok := domain.AsEscrowPending(cur)
		if !ok {
			return nil, invalidTransition(cur, domain.StatusEscrowConfirmed)
		}

		if s.opts.Confirmations != nil {
			observed, err := s.opts.Confirmations.TransactionRound(ctx, cur.EscrowTxID)
			if err != nil {
				return nil, fmt.Errorf("check escrow confirmation: %w", err)
			}
			if observed == 0 {
				return nil, fmt.Errorf("%w: tx %s", domain.ErrEscrowUnconfirmed, cur.EscrowTxID)
			}
			round = observed
		}

		next := pending.Confirm(round, now)
		return &next, nil
	})
}

// CompleteSession finalizes a confirmed session. Completing a Completed
// session is a no-op.
func (s *Service) CompleteSession(ctx context.Context, sessionID string) (*domain.PaymentSession, error) {
	return s.apply(ctx, sessionID, "complete_session", failOnExpiry, func(cur domain.PaymentSession, now time.Time) (*domain.PaymentSession, error) {
		if cur.Status == domain.StatusCompleted {
			return nil, nil
		}
		confirmed, ok := domain.AsEscrowConfirmed(cur)
		if !ok {
			return nil, invalidTransition(cur, domain.StatusCompleted)
		}
		next := confirmed.Complete(s.opts.PlatformFeeBPS, now)
		return &next, nil
	})
}

// CancelSession abandons a session. Unfunded sessions become Cancelled,
// funded ones Refunded. Cancelling a terminal session returns it unchanged.
func (s *Service) CancelSession(ctx context.Context, sessionID string) (*domain.PaymentSession, error) {
	return s.apply(ctx, sessionID, "cancel_session", returnOnExpiry, func(cur domain.PaymentSession, now time.Time) (*domain.PaymentSession, error) {
		if initiated, ok := domain.AsInitiated(cur); ok {
			next := initiated.Cancel(now)
			return &next, nil
		}
		if pending, ok := domain.AsEscrowPending(cur); ok {
			next := pending.Cancel(now)
			return &next, nil
		}
		if confirmed, ok := domain.AsEscrowConfirmed(cur); ok {
			next := confirmed.Refund(now)
			return &next, nil
		}
		return nil, nil
	})
}

// Verify answers whether sessionID pays at least minAmount to website. Only a
// storage failure produces an error; every rejection is a Verification with
// a reason.
func (s *Service) Verify(ctx context.Context, sessionID, website string, minAmount uint64) (domain.Verification, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		session, err = nil, nil
	}
	if err != nil {
		return domain.Verification{}, fmt.Errorf("load session: %w", err)
	}

	v := domain.Verify(session, sessionID, strings.TrimSpace(website), minAmount, s.clock.Now())
	if !v.OK {
		s.logger.Info("Payment verification rejected", "session_id", sessionID, "website", website, "reason", v.Reason)
	}
	return v, nil
}

// ListRefundsOwed returns terminal sessions whose escrow must be returned.
func (s *Service) ListRefundsOwed(ctx context.Context, limit int) ([]*domain.PaymentSession, error) {
	return s.sessions.ListRefundsOwed(ctx, limit)
}

type expiryMode int

const (
	// failOnExpiry expires an overdue session and fails the call.
	failOnExpiry expiryMode = iota
	// returnOnExpiry expires an overdue session and returns it.
	returnOnExpiry
)

// decideFunc returns the next state for cur, nil for a no-op, or an error.
type decideFunc func(cur domain.PaymentSession, now time.Time) (*domain.PaymentSession, error)

// apply reads the session, lets decide pick the next state and writes it with
// a compare-and-swap on the observed status. A lost swap re-reads and decides
// again. Overdue non-terminal sessions are expired first.
func (s *Service) apply(ctx context.Context, sessionID, op string, mode expiryMode, decide decideFunc) (*domain.PaymentSession, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		cur, err := s.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		now := s.clock.Now()

		var next *domain.PaymentSession
		expiring := false
		if active, ok := domain.AsActive(*cur); ok && cur.ExpiredAt(now) {
			expired := active.Expire(now)
			next, expiring = &expired, true
		} else {
			next, err = decide(*cur, now)
			if err != nil {
				return nil, err
			}
			if next == nil {
				return cur, nil
			}
		}

		err = s.sessions.TransitionSession(ctx, next, cur.Status)
		if errors.Is(err, store.ErrStale) {
			s.logger.Debug("Session changed concurrently, retrying", "session_id", sessionID, "op", op, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}

		s.logger.Info("Payment session transitioned",
			"session_id", sessionID,
			"op", op,
			"from", cur.Status,
			"to", next.Status)
		s.publish(ctx, cur.Status, *next)

		if expiring && mode == failOnExpiry {
			return nil, fmt.Errorf("%w: session %s expired at %s", domain.ErrSessionExpired, sessionID, cur.ExpiresAt.Format(time.RFC3339))
		}
		return next, nil
	}
	return nil, fmt.Errorf("%w: session %s kept changing during %s", domain.ErrInvalidTransition, sessionID, op)
}

func (s *Service) publish(ctx context.Context, from domain.Status, next domain.PaymentSession) {
	if s.opts.Events == nil {
		return
	}
	if err := s.opts.Events.Publish(ctx, domain.NewSessionEvent(from, next)); err != nil {
		s.logger.Warn("Failed to publish session event", "session_id", next.SessionID, "status", next.Status, "error", err)
	}
}

func invalidTransition(cur domain.PaymentSession, to domain.Status) error {
	return fmt.Errorf("%w: session %s is %s, cannot move to %s", domain.ErrInvalidTransition, cur.SessionID, cur.Status, to)
}
