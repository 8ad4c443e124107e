package bus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleethub/fleethub/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryBus {
	t.Helper()
	return NewMemoryBus(logger.Default())
}

func TestMemoryBusDeliversToSubscriber(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var received []*Event
	var mu sync.Mutex
	_, err := b.Subscribe(KindAgentSpawned, func(ctx context.Context, e *Event) error {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	event := NewEvent(KindAgentSpawned, "proj")
	event.AgentID = "agent-1"
	require.NoError(t, b.Emit(context.Background(), event))

	// All handlers complete before Emit returns, so no synchronization is
	// needed beyond the handler's own mutex.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "agent-1", received[0].AgentID)
	assert.Equal(t, KindAgentSpawned, received[0].Kind)
}

func TestMemoryBusKindIsolation(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	spawned := 0
	completed := 0
	_, err := b.Subscribe(KindAgentSpawned, func(ctx context.Context, e *Event) error {
		spawned++
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe(KindAgentCompleted, func(ctx context.Context, e *Event) error {
		completed++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Emit(context.Background(), NewEvent(KindAgentSpawned, "p")))
	require.NoError(t, b.Emit(context.Background(), NewEvent(KindAgentSpawned, "p")))

	assert.Equal(t, 2, spawned)
	assert.Equal(t, 0, completed)
}

func TestMemoryBusSubscriberErrorDoesNotBlockOthers(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	secondCalled := false
	_, err := b.Subscribe(KindAgentSpawned, func(ctx context.Context, e *Event) error {
		return errors.New("subscriber exploded")
	})
	require.NoError(t, err)
	_, err = b.Subscribe(KindAgentSpawned, func(ctx context.Context, e *Event) error {
		secondCalled = true
		return nil
	})
	require.NoError(t, err)

	// The failing subscriber must not propagate to the publisher.
	require.NoError(t, b.Emit(context.Background(), NewEvent(KindAgentSpawned, "p")))
	assert.True(t, secondCalled)
}

func TestMemoryBusSubscriberPanicIsContained(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	secondCalled := false
	_, err := b.Subscribe(KindAgentFailed, func(ctx context.Context, e *Event) error {
		panic("boom")
	})
	require.NoError(t, err)
	_, err = b.Subscribe(KindAgentFailed, func(ctx context.Context, e *Event) error {
		secondCalled = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Emit(context.Background(), NewEvent(KindAgentFailed, "p")))
	assert.True(t, secondCalled)
}

func TestMemoryBusDuplicateSubscriptionInvokedTwice(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	calls := 0
	handler := func(ctx context.Context, e *Event) error {
		calls++
		return nil
	}
	_, err := b.Subscribe(KindToolUsed, handler)
	require.NoError(t, err)
	_, err = b.Subscribe(KindToolUsed, handler)
	require.NoError(t, err)

	require.NoError(t, b.Emit(context.Background(), NewEvent(KindToolUsed, "p")))
	assert.Equal(t, 2, calls)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	calls := 0
	sub, err := b.Subscribe(KindAgentStarted, func(ctx context.Context, e *Event) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, b.Emit(context.Background(), NewEvent(KindAgentStarted, "p")))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Emit(context.Background(), NewEvent(KindAgentStarted, "p")))
	assert.Equal(t, 1, calls)

	// Unsubscribing again succeeds silently.
	require.NoError(t, sub.Unsubscribe())
}

func TestMemoryBusOrderingPerPublisher(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var order []string
	var mu sync.Mutex
	_, err := b.Subscribe(KindAgentStarted, func(ctx context.Context, e *Event) error {
		mu.Lock()
		order = append(order, e.AgentID)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		event := NewEvent(KindAgentStarted, "p")
		event.AgentID = id
		require.NoError(t, b.Emit(context.Background(), event))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestMemoryBusClose(t *testing.T) {
	b := newTestBus(t)

	sub, err := b.Subscribe(KindAgentSpawned, func(ctx context.Context, e *Event) error {
		return nil
	})
	require.NoError(t, err)
	require.True(t, b.IsConnected())

	b.Close()

	assert.False(t, b.IsConnected())
	assert.False(t, sub.IsValid())
	assert.Error(t, b.Emit(context.Background(), NewEvent(KindAgentSpawned, "p")))

	_, err = b.Subscribe(KindAgentSpawned, func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}
