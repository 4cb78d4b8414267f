package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/agentweb/internal/domain"
	"github.com/ashureev/agentweb/internal/store"
)

// sweepBatchSize is how many overdue sessions one sweep pass loads at a time.
const sweepBatchSize = 200

// SweepResult summarizes one sweep.
type SweepResult struct {
	Expired int
	Skipped int
	Failed  int
	Deleted int64
}

// Sweep expires every non-terminal session whose deadline is strictly in the
// past and removes settled sessions older than the retention window. A
// session that changes concurrently is skipped; the next sweep sees its new
// state. A session that fails to expire is logged and retried on the next
// sweep.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	for {
		overdue, err := s.sessions.ListExpiredSessions(ctx, s.clock.Now(), sweepBatchSize)
		if err != nil {
			return result, fmt.Errorf("list expired sessions: %w", err)
		}

		progressed := false
		for _, session := range overdue {
			expired, err := s.expire(ctx, session)
			if err != nil {
				s.logger.Warn("Failed to expire session", "session_id", session.SessionID, "error", err)
				result.Failed++
				continue
			}
			if expired {
				result.Expired++
				progressed = true
			} else {
				result.Skipped++
			}
		}

		if len(overdue) < sweepBatchSize || !progressed {
			break
		}
	}

	if s.opts.Retention > 0 {
		cutoff := s.clock.Now().Add(-s.opts.Retention)
		deleted, err := s.sessions.DeleteTerminalSessions(ctx, cutoff)
		if err != nil {
			return result, fmt.Errorf("delete settled sessions: %w", err)
		}
		result.Deleted = deleted
	}

	return result, nil
}

func (s *Service) expire(ctx context.Context, session *domain.PaymentSession) (bool, error) {
	now := s.clock.Now()
	active, ok := domain.AsActive(*session)
	if !ok || !session.ExpiredAt(now) {
		return false, nil
	}

	next := active.Expire(now)
	err := s.sessions.TransitionSession(ctx, &next, session.Status)
	if errors.Is(err, store.ErrStale) || errors.Is(err, domain.ErrSessionNotFound) {
		s.logger.Debug("Sweep skipped session that changed concurrently", "session_id", session.SessionID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("expire session %s: %w", session.SessionID, err)
	}

	s.logger.Info("Payment session expired",
		"session_id", session.SessionID,
		"from", session.Status,
		"refund_owed", next.RefundOwed)
	s.publish(ctx, session.Status, next)
	return true, nil
}

// StartSweeper runs Sweep every interval in a background goroutine until ctx
// ends.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		s.logger.Info("Sweep worker started", "interval", interval, "retention", s.opts.Retention)

		for {
			select {
			case <-ticker.C:
				result, err := s.Sweep(ctx)
				if err != nil {
					s.logger.Error("Sweep worker failed", "error", err)
					continue
				}
				if result.Expired > 0 || result.Failed > 0 || result.Deleted > 0 {
					s.logger.Info("Sweep worker completed",
						"expired", result.Expired,
						"skipped", result.Skipped,
						"failed", result.Failed,
						"deleted", result.Deleted)
				}
			case <-ctx.Done():
				s.logger.Info("Sweep worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
