package domain

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const (
	opRecord = iota
	opConfirm
	opComplete
	opCancel
	opExpire
	opCount
)

// step applies op to s if the session's current status allows it.
func step(s PaymentSession, op int, at time.Time) (PaymentSession, bool) {
	switch op {
	case opRecord:
		if i, ok := AsInitiated(s); ok {
			return i.RecordEscrow("TX", at), true
		}
	case opConfirm:
		if p, ok := AsEscrowPending(s); ok {
			return p.Confirm(7, at), true
		}
	case opComplete:
		if c, ok := AsEscrowConfirmed(s); ok {
			return c.Complete(DefaultPlatformFeeBPS, at), true
		}
	case opCancel:
		if i, ok := AsInitiated(s); ok {
			return i.Cancel(at), true
		}
		if p, ok := AsEscrowPending(s); ok {
			return p.Cancel(at), true
		}
		if c, ok := AsEscrowConfirmed(s); ok {
			return c.Refund(at), true
		}
	case opExpire:
		if a, ok := AsActive(s); ok {
			return a.Expire(at), true
		}
	}
	return s, false
}

func TestLifecycleProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every applied step is an edge of the lifecycle graph", prop.ForAll(
		func(ops []int) bool {
			s := newSession(StatusInitiated)
			for i, op := range ops {
				next, applied := step(s, op, t0.Add(time.Duration(i+1)*time.Second))
				if !applied {
					continue
				}
				if !CanTransition(s.Status, next.Status) {
					return false
				}
				s = next
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, opCount-1)),
	))

	properties.Property("terminal sessions accept no operation", prop.ForAll(
		func(ops []int) bool {
			s := newSession(StatusInitiated)
			for i, op := range ops {
				terminal := s.Status.IsTerminal()
				next, applied := step(s, op, t0.Add(time.Duration(i+1)*time.Second))
				if terminal && applied {
					return false
				}
				s = next
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, opCount-1)),
	))

	properties.Property("a refund is owed only for funded sessions that did not complete", prop.ForAll(
		func(ops []int) bool {
			s := newSession(StatusInitiated)
			for i, op := range ops {
				s, _ = step(s, op, t0.Add(time.Duration(i+1)*time.Second))
				if s.RefundOwed && (s.EscrowTxID == "" || s.Status == StatusCompleted || !s.Status.IsTerminal()) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, opCount-1)),
	))

	properties.Property("UpdatedAt never moves backwards", prop.ForAll(
		func(ops []int) bool {
			s := newSession(StatusInitiated)
			for i, op := range ops {
				next, _ := step(s, op, t0.Add(time.Duration(i+1)*time.Second))
				if next.UpdatedAt.Before(s.UpdatedAt) {
					return false
				}
				s = next
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, opCount-1)),
	))

	properties.TestingRun(t)
}
