// Package broadcast fans values out to any number of subscribers without
// ever blocking the publisher.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultCapacity is the per-subscriber buffer size.
const DefaultCapacity = 64

// Hub delivers every published value to all current subscribers. A slow
// subscriber loses its oldest buffered values; it never stalls the producer.
// Late subscribers see only values published after they subscribed.
type Hub[T any] struct {
	mu       sync.RWMutex
	subs     map[*subscriber[T]]struct{}
	capacity int
	closed   bool
	done     chan struct{}
	dropped  atomic.Uint64
}

type subscriber[T any] struct {
	mu sync.Mutex // serializes the evict-then-send step between publishers
	ch chan T
}

// New creates a hub whose subscribers buffer capacity values each.
func New[T any](capacity int) *Hub[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub[T]{
		subs:     make(map[*subscriber[T]]struct{}),
		capacity: capacity,
		done:     make(chan struct{}),
	}
}

// Subscribe registers a subscriber that lives until ctx ends or the hub is
// closed, at which point the returned channel is closed.
func (h *Hub[T]) Subscribe(ctx context.Context) <-chan T {
	s := &subscriber[T]{ch: make(chan T, h.capacity)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.ch)
		return s.ch
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			h.remove(s)
		case <-h.done:
		}
	}()

	return s.ch
}

func (h *Hub[T]) remove(s *subscriber[T]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.ch)
}

// Publish hands v to every subscriber, evicting each full subscriber's
// oldest value first. It never blocks.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for s := range h.subs {
		h.offer(s, v)
	}
}

func (h *Hub[T]) offer(s *subscriber[T], v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		select {
		case <-s.ch:
			h.dropped.Add(1)
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub[T]) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many buffered values have been evicted across all
// subscribers.
func (h *Hub[T]) Dropped() uint64 {
	return h.dropped.Load()
}

// Close ends every subscription. Publishing after Close is a no-op.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
	}
}
