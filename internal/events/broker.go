// Package events fans out session status changes to watchers.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashureev/agentweb/internal/domain"
)

// subscriberBuffer is the per-watcher queue depth. Events for a watcher whose
// queue is full are dropped; watchers re-read the session on reconnect.
const subscriberBuffer = 16

// Broker publishes session events and lets callers watch one session.
type Broker interface {
	// Publish delivers ev to current watchers of ev.SessionID. It never blocks
	// on slow watchers.
	Publish(ctx context.Context, ev domain.SessionEvent) error

	// Subscribe returns a channel of events for sessionID and a function that
	// ends the subscription and closes the channel.
	Subscribe(ctx context.Context, sessionID string) (<-chan domain.SessionEvent, func(), error)

	Close() error
}

// MemoryBroker delivers events within one process.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch   chan domain.SessionEvent
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewMemoryBroker creates an in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*subscriber]struct{})}
}

// Publish fans ev out to subscribers of its session.
func (b *MemoryBroker) Publish(_ context.Context, ev domain.SessionEvent) error {
	b.deliver(ev)
	return nil
}

func (b *MemoryBroker) deliver(ev domain.SessionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[ev.SessionID] {
		select {
		case sub.ch <- ev:
		default:
			slog.Warn("Dropping session event for slow watcher", "session_id", ev.SessionID, "status", ev.To)
		}
	}
}

// Subscribe registers a watcher for sessionID.
func (b *MemoryBroker) Subscribe(_ context.Context, sessionID string) (<-chan domain.SessionEvent, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan domain.SessionEvent, subscriberBuffer)}
	if b.closed {
		sub.close()
		return sub.ch, func() {}, nil
	}
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[*subscriber]struct{})
	}
	b.subs[sessionID][sub] = struct{}{}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[sessionID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, sessionID)
			}
		}
		sub.close()
	}
	return sub.ch, cancel, nil
}

// Close ends all subscriptions.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, set := range b.subs {
		for sub := range set {
			sub.close()
		}
		delete(b.subs, id)
	}
	return nil
}
