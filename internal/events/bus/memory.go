package bus

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fleethub/fleethub/internal/common/logger"
)

// MemoryBus implements Bus with in-process delivery.
//
// Handlers for a single Emit run concurrently and Emit blocks until all of
// them return, so a single publisher observes its events delivered in emit
// order. No ordering is promised across publishers.
type MemoryBus struct {
	subscriptions map[Kind][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

// memorySubscription represents an in-memory subscription.
type memorySubscription struct {
	bus     *MemoryBus
	kind    Kind
	handler Handler
	active  bool
	mu      sync.Mutex
}

// Unsubscribe removes the subscription. Unsubscribing twice is a no-op.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.kind]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.kind] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryBus creates a new in-memory event bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryBus{
		subscriptions: make(map[Kind][]*memorySubscription),
		logger:        log,
	}
}

// Subscribe registers a handler for one event kind.
func (b *MemoryBus) Subscribe(kind Kind, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		kind:    kind,
		handler: handler,
		active:  true,
	}
	b.subscriptions[kind] = append(b.subscriptions[kind], sub)

	b.logger.Debug("subscribed to event kind", zap.String("kind", string(kind)))
	return sub, nil
}

// Emit delivers the event to every handler registered for its kind.
// All handlers complete before Emit returns; handler errors and panics are
// logged and contained.
func (b *MemoryBus) Emit(ctx context.Context, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}

	// Snapshot the handler list so handlers can unsubscribe mid-delivery.
	subs := make([]*memorySubscription, 0, len(b.subscriptions[event.Kind]))
	subs = append(subs, b.subscriptions[event.Kind]...)
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}

		wg.Add(1)
		go func(s *memorySubscription) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panic",
						zap.String("kind", string(event.Kind)),
						zap.String("event_id", event.ID),
						zap.Any("panic", r))
				}
			}()
			if err := s.handler(ctx, event); err != nil {
				b.logger.Error("event handler error",
					zap.String("kind", string(event.Kind)),
					zap.String("event_id", event.ID),
					zap.Error(err))
			}
		}(sub)
	}
	wg.Wait()

	b.logger.Debug("emitted event",
		zap.String("kind", string(event.Kind)),
		zap.String("event_id", event.ID),
		zap.String("project", event.Project))

	return nil
}

// Close closes the event bus and deactivates all subscriptions.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[Kind][]*memorySubscription)

	b.logger.Info("memory event bus closed")
}

// IsConnected returns true while the bus is open.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
