// Package eventbus is the hub's in-process publish/subscribe channel for
// connection and delivery events.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"agentbridge/internal/domain"
)

// DefaultQueueSize is the per-subscriber buffer used when New is given zero.
const DefaultQueueSize = 256

type queuedEvent struct {
	ctx   context.Context
	event domain.Event
}

// subscription delivers events to one handler, in publish order, from a
// dedicated goroutine.
type subscription struct {
	id        uint64
	eventType domain.EventType // empty = all events
	handler   domain.EventHandler
	queue     chan queuedEvent
	done      chan struct{}
	stopOnce  sync.Once
}

// Bus is an in-process, goroutine-safe event bus. Each subscriber sees events
// in the order they were published; a slow subscriber only delays itself.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscription
	nextID    atomic.Uint64
	queueSize int
	logger    *slog.Logger
	closed    atomic.Bool
	dropped   atomic.Uint64
}

// New creates an event bus. queueSize <= 0 selects DefaultQueueSize.
func New(logger *slog.Logger, queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[uint64]*subscription),
		queueSize: queueSize,
		logger:    logger,
	}
}

// Publish enqueues event for every matching subscriber. It never blocks: when
// a subscriber's queue is full the event is dropped for that subscriber.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.eventType != "" && sub.eventType != event.Type {
			continue
		}
		select {
		case sub.queue <- queuedEvent{ctx: ctx, event: event}:
		default:
			b.dropped.Add(1)
			b.logger.Warn("eventbus: subscriber queue full, event dropped",
				"event", string(event.Type),
				"subscription", sub.id,
			)
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add("", handler)
}

func (b *Bus) add(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := &subscription{
		id:        b.nextID.Add(1),
		eventType: eventType,
		handler:   handler,
		queue:     make(chan queuedEvent, b.queueSize),
		done:      make(chan struct{}),
	}
	go b.run(sub)

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		_, ok := b.subs[sub.id]
		delete(b.subs, sub.id)
		b.mu.Unlock()
		if ok {
			b.stop(sub)
		}
	}
}

func (b *Bus) run(sub *subscription) {
	defer close(sub.done)
	for qe := range sub.queue {
		b.invoke(sub, qe)
	}
}

func (b *Bus) invoke(sub *subscription, qe queuedEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(qe.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(qe.ctx, qe.event)
}

// stop closes the subscriber queue and waits for queued events to drain.
func (b *Bus) stop(sub *subscription) {
	sub.stopOnce.Do(func() { close(sub.queue) })
	<-sub.done
}

// Dropped returns the number of events discarded because a queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close prevents new publishes and waits for every subscriber to drain.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for id, sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.stop(sub)
	}
}

var _ domain.EventBus = (*Bus)(nil)
