// Package eventbus implements the in-process publish/subscribe fabric
// spec.md §8 describes: subscribers register a topic pattern, publishers
// publish an Event to a concrete topic, and every matching subscriber
// receives a copy. The shape mirrors the eventBus.Publish(ctx, event)
// collaborator the orchestration layer in the wider pack depends on,
// generalised here into its own standalone component instead of being
// folded into the orchestrator itself.
package eventbus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/runcore/core/internal/model"
)

// Event is one message travelling through the bus. Topic is dot-separated
// (e.g. "run.completed", "schedule.skipped_misfire") so prefix patterns can match
// whole families of events.
type Event struct {
	Topic     string
	Payload   map[string]any
	RunID     *model.ID
	Timestamp time.Time
}

// Handler receives events matching a subscription. Handlers run
// concurrently with each other and with the publisher; a Handler that
// blocks only delays its own subscription's delivery, never the publisher
// or other subscribers, since each subscription is served by its own
// buffered channel and dispatch goroutine.
type Handler func(ctx context.Context, evt Event)

// Bus is the in-process event fan-out described in spec.md §8. A
// distributed backend (Redis Streams, etc.) can implement the same
// interface for multi-process delivery; Bus itself is the default,
// single-process implementation.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(pattern string, handler Handler) (Subscription, error)
	Close()
}

// Subscription lets a caller stop receiving events.
type Subscription interface {
	Unsubscribe()
}

type subscriber struct {
	id      uint64
	pattern string
	queue   chan Event
	done    chan struct{}
}

// InProcessBus is the default Bus: exact, "*", and "prefix.*" pattern
// matching, with each subscriber served off its own buffered channel so a
// slow handler cannot stall delivery to others.
type InProcessBus struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      uint64
	closed      bool
	queueSize   int
}

// NewInProcessBus creates a Bus. queueSize bounds each subscriber's
// backlog; publishes to a full subscriber queue drop the event for that
// subscriber rather than blocking the publisher (at-least-once delivery is
// not guaranteed for slow in-process consumers — spec.md §8 reserves
// at-least-once semantics for the distributed backend).
func NewInProcessBus(queueSize int) *InProcessBus {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &InProcessBus{
		subscribers: make(map[uint64]*subscriber),
		queueSize:   queueSize,
	}
}

// Publish delivers evt to every subscriber whose pattern matches evt.Topic.
func (b *InProcessBus) Publish(ctx context.Context, evt Event) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, sub := range b.subscribers {
		if !topicMatches(sub.pattern, evt.Topic) {
			continue
		}
		select {
		case sub.queue <- evt:
		default:
			// subscriber backlog full; drop rather than block the publisher.
		}
	}
	return nil
}

// Subscribe registers handler to run for every future event whose topic
// matches pattern. Delivery runs on a dedicated goroutine per subscription.
func (b *InProcessBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
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

	return &busSubscription{bus: b, id: sub.id}, nil
}

// Close stops dispatch to every active subscriber. Close is idempotent.
func (b *InProcessBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.done)
		delete(b.subscribers, id)
	}
}

type busSubscription struct {
	bus *InProcessBus
	id  uint64
}

func (s *busSubscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if sub, ok := s.bus.subscribers[s.id]; ok {
		close(sub.done)
		delete(s.bus.subscribers, s.id)
	}
}

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() {}

// topicMatches implements the three pattern forms spec.md §8 names:
// an exact match, the wildcard "*" matching every topic, and a
// "prefix.*" form matching any topic sharing that dot-separated prefix.
func topicMatches(pattern, topic string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == topic {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return topic == prefix || strings.HasPrefix(topic, prefix+".")
	}
	return false
}
