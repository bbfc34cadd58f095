// Package broadcast fans published values out to independent subscribers.
//
// Each subscriber owns a bounded buffer. Publish never blocks: when a
// subscriber's buffer is full its oldest value is discarded and counted as
// lag, so a slow consumer only ever loses its own backlog. Values published
// before Subscribe are never seen by that subscriber.
package broadcast

import (
	"sync"
	"sync/atomic"
)

type Hub[T any] struct {
	mu       sync.Mutex
	subs     map[*Subscription[T]]struct{}
	capacity int
}

func NewHub[T any](capacity int) *Hub[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Hub[T]{
		subs:     make(map[*Subscription[T]]struct{}),
		capacity: capacity,
	}
}

// Subscription is one independent read cursor on a Hub.
type Subscription[T any] struct {
	hub    *Hub[T]
	ch     chan T
	lagged atomic.Uint64
}

// Subscribe registers a new subscriber that sees values published from now on.
func (h *Hub[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		hub: h,
		ch:  make(chan T, h.capacity),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Publish delivers v to every subscriber and returns how many there were.
func (h *Hub[T]) Publish(v T) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs {
		s.offer(v)
	}
	return len(h.subs)
}

// Subscribers returns the number of live subscriptions.
func (h *Hub[T]) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// offer is only called with the hub lock held, so there is a single writer
// per subscription and the loop terminates.
func (s *Subscription[T]) offer(v T) {
	for {
		select {
		case s.ch <- v:
			return
		default:
		}
		select {
		case <-s.ch:
			s.lagged.Add(1)
		default:
		}
	}
}

// C returns the channel values are delivered on, in publish order.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// TakeLagged returns the number of values dropped since the last call.
func (s *Subscription[T]) TakeLagged() uint64 {
	return s.lagged.Swap(0)
}

// Close detaches the subscription. Buffered values remain readable.
func (s *Subscription[T]) Close() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
}
