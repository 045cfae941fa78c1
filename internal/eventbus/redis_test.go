package eventbus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runcore/core/internal/eventbus"
)

func newTestRedisBus(t *testing.T) *eventbus.RedisBus {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	bus := eventbus.NewRedisBus(client, "test:events", 16)
	t.Cleanup(bus.Close)
	return bus
}

func TestRedisBusDeliversMatchingTopic(t *testing.T) {
	bus := newTestRedisBus(t)

	var mu sync.Mutex
	var received []string
	_, err := bus.Subscribe("run.*", func(_ context.Context, evt eventbus.Event) {
		mu.Lock()
		received = append(received, evt.Topic)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), eventbus.Event{Topic: "run.completed"}))
	require.NoError(t, bus.Publish(context.Background(), eventbus.Event{Topic: "schedule.triggered"}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"run.completed"}, received)
}

func TestRedisBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := newTestRedisBus(t)

	count := 0
	var mu sync.Mutex
	sub, err := bus.Subscribe("run.completed", func(_ context.Context, _ eventbus.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), eventbus.Event{Topic: "run.completed"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 2*time.Second, 10*time.Millisecond)

	sub.Unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), eventbus.Event{Topic: "run.completed"}))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}
