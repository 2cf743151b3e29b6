// Package bus implements the in-process typed publish/subscribe registry
// that connects the queue managers, the account lifecycle, the order
// orchestrator, the stream fan-out, and the data store.
//
// Subscriptions are delivered in registration order. Each subscription may
// carry a coalescing rate limit: publishes that arrive inside the window are
// dropped, not queued. Callbacks run asynchronously in their own goroutine;
// the publisher never blocks on a slow subscriber, and a panicking callback
// is logged without affecting the publisher or its peers.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler is a subscription callback. The payload is one of the event
// structs in events.go, keyed by the event constant it was published under.
type Handler func(ctx context.Context, payload any)

type subscription struct {
	handler   Handler
	rateLimit time.Duration
	lastCall  time.Time
}

// Bus is the process-wide event registry. The registration table is
// append-only: subscriptions live until the process exits.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*subscription
	logger *slog.Logger

	// now is swapped out by tests to drive the coalescing window.
	now func() time.Time
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string][]*subscription),
		logger: logger.With("component", "bus"),
		now:    time.Now,
	}
}

// Subscribe registers a callback for an event key. A positive rateLimit
// makes the subscription coalescing: publishes within the window since the
// last delivery are silently dropped. The window starts at registration.
func (b *Bus) Subscribe(key string, handler Handler, rateLimit time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[key] = append(b.subs[key], &subscription{
		handler:   handler,
		rateLimit: rateLimit,
		lastCall:  b.now(),
	})
}

// Publish delivers the payload to every eligible subscriber of the key, in
// registration order. Each delivery runs in its own goroutine; Publish
// returns without waiting for any of them.
func (b *Bus) Publish(ctx context.Context, key string, payload any) {
	b.mu.Lock()
	now := b.now()
	eligible := make([]Handler, 0, len(b.subs[key]))
	for _, sub := range b.subs[key] {
		if sub.rateLimit > 0 && now.Sub(sub.lastCall) < sub.rateLimit {
			continue
		}
		sub.lastCall = now
		eligible = append(eligible, sub.handler)
	}
	b.mu.Unlock()

	for _, handler := range eligible {
		h := handler
		go func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("subscriber panicked", "event", key, "panic", r)
				}
			}()
			h(ctx, payload)
		}()
	}
}
