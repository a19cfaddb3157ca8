// Package event carries asynchronous status reports from in-container
// bootstrappers to the orchestrator.
package event

import (
	"context"
	"sync"

	"github.com/nrednav/cuid2"
	"github.com/sourcegraph/conc/pool"
)

// Bus is a broadcast bus: every subscriber sees every published event and
// filters for itself. Nothing is persisted, so events published before a
// subscription are never seen by it.
type Bus[T any] struct {
	mu       sync.RWMutex
	handlers map[string]func(context.Context, T)
}

// NewBus returns an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{
		handlers: make(map[string]func(context.Context, T)),
	}
}

// Publish delivers event to every current subscriber concurrently and
// returns once all handlers have returned.
func (b *Bus[T]) Publish(ctx context.Context, event T) {
	b.mu.RLock()
	handlers := make([]func(context.Context, T), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	// Handlers run outside the lock so they may unsubscribe themselves.
	p := pool.New().WithContext(ctx)
	for _, handler := range handlers {
		p.Go(func(ctx context.Context) error {
			handler(ctx, event)
			return nil
		})
	}
	_ = p.Wait()
}

// Subscribe registers handler and returns a func that removes it. The
// returned func is safe to call more than once.
func (b *Bus[T]) Subscribe(handler func(context.Context, T)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	subscriptionID := cuid2.Generate()
	b.handlers[subscriptionID] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, subscriptionID)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
