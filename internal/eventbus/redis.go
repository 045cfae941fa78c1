package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/runcore/core/internal/model"
)

// wireEvent is Event's JSON transport shape over Redis Pub/Sub.
type wireEvent struct {
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"payload"`
	RunID     *model.ID      `json:"runId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RedisBus is the distributed Bus backend config.go's event_backend:
// distributed selects: every Publish fans out over a single Redis Pub/Sub
// channel shared by every process, and every process's Subscribe re-filters
// the firehose locally by pattern — the same topic-prefix matching
// InProcessBus does, just applied after a network hop instead of a map
// lookup. This trades per-subscriber filtering efficiency for not needing
// a channel-per-topic-pattern scheme Redis Pub/Sub can't express directly.
type RedisBus struct {
	client  *redis.Client
	channel string

	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	closed      bool
	queueSize   int

	cancel context.CancelFunc
}

// NewRedisBus builds a RedisBus publishing/subscribing over one Redis
// Pub/Sub channel. queueSize bounds each local subscriber's backlog the
// same way InProcessBus does.
func NewRedisBus(client *redis.Client, channel string, queueSize int) *RedisBus {
	if channel == "" {
		channel = "runcore:events"
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		client:      client,
		channel:     channel,
		subscribers: map[uint64]*subscriber{},
		queueSize:   queueSize,
		cancel:      cancel,
	}
	go b.relay(ctx)
	return b
}

func (b *RedisBus) relay(ctx context.Context) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var wire wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
				continue
			}
			evt := Event{Topic: wire.Topic, Payload: wire.Payload, RunID: wire.RunID, Timestamp: wire.Timestamp}
			b.dispatch(evt)
		}
	}
}

func (b *RedisBus) dispatch(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers {
		if !topicMatches(sub.pattern, evt.Topic) {
			continue
		}
		select {
		case sub.queue <- evt:
		default:
		}
	}
}

// Publish serializes evt and publishes it to the shared Redis channel.
func (b *RedisBus) Publish(ctx context.Context, evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	wire := wireEvent{Topic: evt.Topic, Payload: evt.Payload, RunID: evt.RunID, Timestamp: evt.Timestamp}
	data, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("eventbus: marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("eventbus: publish: %w", err)
	}
	return nil
}

// Subscribe registers a local pattern match against every event relayed
// from Redis. Delivery runs on a dedicated goroutine per subscription,
// same as InProcessBus.
func (b *RedisBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return noopSubscription{}, nil
	}
	b.nextID++
	sub := &subscriber{
		id:      b.nextID,
		pattern: pattern,
		queue:   make(chan Event, b.queueSize),
		done:    make(chan struct{}),
	}
	b.subscribers[sub.id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case evt := <-sub.queue:
				handler(context.Background(), evt)
			case <-sub.done:
				return
			}
		}
	}()

	return &redisSubscription{bus: b, id: sub.id}, nil
}

// Close stops the Redis relay goroutine and every local subscription.
func (b *RedisBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.cancel()
	for _, sub := range b.subscribers {
		close(sub.done)
	}
	b.subscribers = map[uint64]*subscriber{}
}

type redisSubscription struct {
	bus *RedisBus
	id  uint64
}

func (s *redisSubscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subscribers[s.id]; ok {
		close(sub.done)
		delete(s.bus.subscribers, s.id)
	}
}
