package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agentweb/internal/domain"
)

// MemoryStore is an in-process Repository. Each session has its own lock, so
// transitions on different sessions never contend.
type MemoryStore struct {
	sessions sync.Map // session id -> *memEntry

	websitesMu sync.RWMutex
	websites   map[string]domain.Website

	agentsMu sync.RWMutex
	agents   map[string]domain.Agent
}

type memEntry struct {
	mu      sync.Mutex
	session domain.PaymentSession
	deleted bool
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		websites: make(map[string]domain.Website),
		agents:   make(map[string]domain.Agent),
	}
}

// CreateSession inserts s.
func (m *MemoryStore) CreateSession(_ context.Context, s *domain.PaymentSession) error {
	entry := &memEntry{session: *s}
	if _, loaded := m.sessions.LoadOrStore(s.SessionID, entry); loaded {
		return domain.ErrSessionExists
	}
	return nil
}

// GetSession returns a copy of the stored session.
func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (*domain.PaymentSession, error) {
	v, ok := m.sessions.Load(sessionID)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	entry := v.(*memEntry)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return nil, domain.ErrSessionNotFound
	}
	s := entry.session
	return &s, nil
}

// TransitionSession swaps in next if the stored status equals expected.
func (m *MemoryStore) TransitionSession(_ context.Context, next *domain.PaymentSession, expected domain.Status) error {
	v, ok := m.sessions.Load(next.SessionID)
	if !ok {
		return domain.ErrSessionNotFound
	}
	entry := v.(*memEntry)
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return domain.ErrSessionNotFound
	}
	if entry.session.Status != expected {
		return ErrStale
	}
	entry.session = *next
	return nil
}

// ListExpiredSessions returns non-terminal sessions past their deadline.
func (m *MemoryStore) ListExpiredSessions(_ context.Context, now time.Time, limit int) ([]*domain.PaymentSession, error) {
	out := m.collect(func(s domain.PaymentSession) bool {
		return !s.Status.IsTerminal() && s.ExpiredAt(now)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return truncate(out, listLimit(limit)), nil
}

// ListRefundsOwed returns terminal sessions flagged for refund.
func (m *MemoryStore) ListRefundsOwed(_ context.Context, limit int) ([]*domain.PaymentSession, error) {
	out := m.collect(func(s domain.PaymentSession) bool {
		return s.Status.IsTerminal() && s.RefundOwed
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return truncate(out, listLimit(limit)), nil
}

// DeleteTerminalSessions removes settled sessions last updated before the cutoff.
func (m *MemoryStore) DeleteTerminalSessions(_ context.Context, before time.Time) (int64, error) {
	var deleted int64
	m.sessions.Range(func(key, v any) bool {
		entry := v.(*memEntry)
		entry.mu.Lock()
		if !entry.deleted && entry.session.Status.IsTerminal() && !entry.session.RefundOwed &&
			entry.session.UpdatedAt.Before(before) {
			entry.deleted = true
			m.sessions.Delete(key)
			deleted++
		}
		entry.mu.Unlock()
		return true
	})
	return deleted, nil
}

func (m *MemoryStore) collect(match func(domain.PaymentSession) bool) []*domain.PaymentSession {
	var out []*domain.PaymentSession
	m.sessions.Range(func(_, v any) bool {
		entry := v.(*memEntry)
		entry.mu.Lock()
		if !entry.deleted && match(entry.session) {
			s := entry.session
			out = append(out, &s)
		}
		entry.mu.Unlock()
		return true
	})
	return out
}

func truncate(list []*domain.PaymentSession, limit int) []*domain.PaymentSession {
	if len(list) > limit {
		return list[:limit]
	}
	return list
}

// UpsertWebsite creates or updates w, keeping the original CreatedAt.
func (m *MemoryStore) UpsertWebsite(_ context.Context, w *domain.Website) error {
	m.websitesMu.Lock()
	defer m.websitesMu.Unlock()

	next := *w
	if existing, ok := m.websites[w.Domain]; ok {
		next.CreatedAt = existing.CreatedAt
	}
	m.websites[w.Domain] = next
	return nil
}

// GetWebsite returns the website for domainName.
func (m *MemoryStore) GetWebsite(_ context.Context, domainName string) (*domain.Website, error) {
	m.websitesMu.RLock()
	defer m.websitesMu.RUnlock()

	w, ok := m.websites[domainName]
	if !ok {
		return nil, domain.ErrWebsiteNotFound
	}
	return &w, nil
}

// ListWebsites returns matching websites ordered by domain.
func (m *MemoryStore) ListWebsites(_ context.Context, filter WebsiteFilter) ([]*domain.Website, error) {
	m.websitesMu.RLock()
	defer m.websitesMu.RUnlock()

	var out []*domain.Website
	for _, w := range m.websites {
		if filter.VerifiedOnly && !w.Verified {
			continue
		}
		if filter.DomainContains != "" && !strings.Contains(w.Domain, filter.DomainContains) {
			continue
		}
		w := w
		out = append(out, &w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	if limit := listLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateAgent inserts a.
func (m *MemoryStore) CreateAgent(_ context.Context, a *domain.Agent) error {
	m.agentsMu.Lock()
	defer m.agentsMu.Unlock()

	if _, ok := m.agents[a.AgentID]; ok {
		return domain.ErrAgentExists
	}
	m.agents[a.AgentID] = *a
	return nil
}

// GetAgent returns the agent registered as agentID.
func (m *MemoryStore) GetAgent(_ context.Context, agentID string) (*domain.Agent, error) {
	m.agentsMu.RLock()
	defer m.agentsMu.RUnlock()

	a, ok := m.agents[agentID]
	if !ok {
		return nil, domain.ErrAgentNotFound
	}
	return &a, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
