package eventbus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentbridge/internal/domain"
)

func newTestBus(queue int) *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), queue)
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus(0)

	var got atomic.Int32
	bus.Subscribe(domain.EventConnectionRegistered, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventConnectionRegistered {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventConnectionRegistered))
	bus.Publish(context.Background(), newEvent(domain.EventMessageDelivered))
	bus.Close()
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus(0)

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventConnectionRegistered))
	bus.Publish(context.Background(), newEvent(domain.EventMessageDelivered))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestSubscriberSeesPublishOrder(t *testing.T) {
	bus := newTestBus(128)

	var mu sync.Mutex
	var seen []string
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		mu.Lock()
		seen = append(seen, e.ConnID)
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		ev := newEvent(domain.EventMessageDelivered)
		ev.ConnID = string(rune('A' + i%26))
		bus.Publish(context.Background(), ev)
	}
	bus.Close()

	if len(seen) != 100 {
		t.Fatalf("saw %d events, want 100", len(seen))
	}
	for i, id := range seen {
		if id != string(rune('A'+i%26)) {
			t.Fatalf("event %d out of order: %s", i, id)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus(0)

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventMessageDelivered, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})
	bus.Publish(context.Background(), newEvent(domain.EventMessageDelivered))
	unsub()
	bus.Publish(context.Background(), newEvent(domain.EventMessageDelivered))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected 1 after unsubscribe, got %d", got.Load())
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus(0)

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventHubStarted {
			panic("boom")
		}
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventHubStarted))
	bus.Publish(context.Background(), newEvent(domain.EventHubStopped))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("handler should keep running after a panic, got %d", got.Load())
	}
}

func TestFullQueueDrops(t *testing.T) {
	bus := newTestBus(1)

	release := make(chan struct{})
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		<-release
	})

	for i := 0; i < 10; i++ {
		bus.Publish(context.Background(), newEvent(domain.EventMessageDelivered))
	}
	close(release)
	bus.Close()

	if bus.Dropped() == 0 {
		t.Fatal("expected drops with a single-slot queue and a blocked handler")
	}
}

func TestCloseIdempotentAndPublishAfterClose(t *testing.T) {
	bus := newTestBus(0)
	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })

	bus.Close()
	bus.Close()
	bus.Publish(context.Background(), newEvent(domain.EventHubStarted))

	if got.Load() != 0 {
		t.Fatal("publish after close should be ignored")
	}
}
