package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventHub delivers external wait signals across worker processes via Redis
// pub/sub. Satisfies engine.EventBus.
type EventHub struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger

	subs map[string]map[int]chan struct{}
	next int
	mu   sync.Mutex

	pubsub *redis.PubSub
	once   sync.Once
}

// NewEventHub creates a hub on a shared pub/sub channel.
func (m *Manager) NewEventHub(channel string) *EventHub {
	if channel == "" {
		channel = "floweave:events"
	}
	return &EventHub{
		client:  m.redis,
		channel: channel,
		logger:  m.logger.With(zap.String("component", "event_hub")),
		subs:    make(map[string]map[int]chan struct{}),
	}
}

// Publish broadcasts a tenant-scoped signal to every worker.
func (h *EventHub) Publish(ctx context.Context, tenant, event string) error {
	if err := h.client.Publish(ctx, h.channel, tenant+"/"+event).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe registers for a signal. The receive loop starts lazily on the
// first subscription.
func (h *EventHub) Subscribe(tenant, event string) (<-chan struct{}, func()) {
	h.once.Do(h.startReceiveLoop)

	h.mu.Lock()
	defer h.mu.Unlock()

	key := tenant + "/" + event
	if h.subs[key] == nil {
		h.subs[key] = make(map[int]chan struct{})
	}
	id := h.next
	h.next++
	ch := make(chan struct{}, 1)
	h.subs[key][id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[key], id)
	}
	return ch, cancel
}

func (h *EventHub) startReceiveLoop() {
	h.pubsub = h.client.Subscribe(context.Background(), h.channel)
	go func() {
		for msg := range h.pubsub.Channel() {
			h.mu.Lock()
			for _, ch := range h.subs[msg.Payload] {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
			h.mu.Unlock()
		}
	}()
}

// Close stops the receive loop.
func (h *EventHub) Close() error {
	if h.pubsub != nil {
		return h.pubsub.Close()
	}
	return nil
}
