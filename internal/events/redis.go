package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/agentweb/internal/domain"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "agentweb:session:"

// RedisBroker fans session events out across coordinator replicas using
// Redis pub/sub. Watchers connected to any replica see transitions applied by
// every replica.
type RedisBroker struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisBroker connects to redisURL.
func NewRedisBroker(ctx context.Context, redisURL string, logger *slog.Logger) (*RedisBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close redis client after ping failure", "error", closeErr)
		}
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisBroker{client: client, logger: logger}, nil
}

func channelFor(sessionID string) string {
	return channelPrefix + sessionID
}

// Publish sends ev to the session's channel.
func (b *RedisBroker) Publish(ctx context.Context, ev domain.SessionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal session event: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(ev.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("publish session event: %w", err)
	}
	return nil
}

// Subscribe listens on the session's channel until cancel is called or ctx
// ends.
func (b *RedisBroker) Subscribe(ctx context.Context, sessionID string) (<-chan domain.SessionEvent, func(), error) {
	pubsub := b.client.Subscribe(ctx, channelFor(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		if closeErr := pubsub.Close(); closeErr != nil {
			b.logger.Debug("failed to close pubsub", "error", closeErr)
		}
		return nil, nil, fmt.Errorf("subscribe to session events: %w", err)
	}

	out := make(chan domain.SessionEvent, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.SessionEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("Discarding malformed session event", "channel", msg.Channel, "error", err)
					continue
				}
				select {
				case out <- ev:
				default:
					b.logger.Warn("Dropping session event for slow watcher", "session_id", ev.SessionID, "status", ev.To)
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			if err := pubsub.Close(); err != nil {
				b.logger.Debug("failed to close pubsub", "session_id", sessionID, "error", err)
			}
		})
	}
	return out, cancel, nil
}

// Close closes the Redis client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

// Ping checks the Redis connection.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
