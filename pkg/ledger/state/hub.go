package state

import (
	"sync"

	"mercator-hq/ledger/pkg/ledger"
)

// Hub fans notifications out to subscribers. Each subscriber has a bounded
// buffer; when it is full the oldest buffered notification is discarded, so
// Publish never blocks on a slow or absent reader.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	onDrop func()
}

// NewHub creates a hub with the given per-subscriber buffer size.
func NewHub(buffer int, onDrop func()) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		subs:   make(map[uint64]*Subscription),
		buffer: buffer,
		onDrop: onDrop,
	}
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	s := &Subscription{
		id:  h.nextID,
		ch:  make(chan ledger.Notification, h.buffer),
		hub: h,
	}
	h.subs[s.id] = s
	return s
}

// Publish delivers n to every subscriber.
func (h *Hub) Publish(n ledger.Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, s := range h.subs {
		if s.offer(n) && h.onDrop != nil {
			h.onDrop()
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// CloseAll closes every subscription.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*Subscription)
	h.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

// Subscription is one subscriber's notification stream. Notifications are
// "something changed" signals; subscribers re-fetch current state.
type Subscription struct {
	id  uint64
	ch  chan ledger.Notification
	hub *Hub

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

// C returns the notification channel. It is closed by Close.
func (s *Subscription) C() <-chan ledger.Notification {
	return s.ch
}

// Dropped returns how many notifications were discarded for this subscriber.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes and closes the channel.
func (s *Subscription) Close() {
	s.hub.remove(s.id)
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// offer enqueues n, evicting the oldest entry if full. It reports whether
// something was dropped.
func (s *Subscription) offer(n ledger.Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	dropped := false
	for {
		select {
		case s.ch <- n:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
			dropped = true
		default:
		}
	}
}
