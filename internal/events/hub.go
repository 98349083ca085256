package events

import (
	"sync"
	"time"

	"github.com/breeze-rmm/deskcap/internal/logging"
	"github.com/breeze-rmm/deskcap/internal/metrics"
)

var log = logging.L("events")

// DefaultBuffer is the per-subscriber queue length. A capture at 22050 Hz
// with 1920-sample frames produces roughly 12 encoded chunks per second, so
// this absorbs several seconds of a stalled reader.
const DefaultBuffer = 256

// Hub fans events out to subscribers. Emit is serialized, so every
// subscriber observes events in emission order. A subscriber whose queue
// is full is evicted instead of blocking the producer.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	now    func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[uint64]*Subscription),
		now:  time.Now,
	}
}

// Subscription is a single consumer's view of the hub.
type Subscription struct {
	id      uint64
	hub     *Hub
	ch      chan Event
	filter  map[string]bool
	evicted bool
	closed  bool
}

// Subscribe registers a consumer. names restricts delivery to those events;
// no names means every event.
func (h *Hub) Subscribe(buffer int, names ...string) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	var filter map[string]bool
	if len(names) > 0 {
		filter = make(map[string]bool, len(names))
		for _, n := range names {
			filter[n] = true
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{
		id:     h.nextID,
		hub:    h,
		ch:     make(chan Event, buffer),
		filter: filter,
	}
	h.subs[sub.id] = sub
	return sub
}

// Events is closed when the subscription is closed or evicted.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Evicted reports whether the hub dropped this subscriber for falling behind.
func (s *Subscription) Evicted() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.evicted
}

func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}

func (h *Hub) removeLocked(s *Subscription) {
	if s.closed {
		return
	}
	s.closed = true
	delete(h.subs, s.id)
	close(s.ch)
}

// Emit delivers ev to every matching subscriber without blocking.
func (h *Hub) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = h.now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	metrics.EventsEmitted.WithLabelValues(ev.Name).Inc()
	for _, sub := range h.subs {
		if sub.filter != nil && !sub.filter[ev.Name] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.evicted = true
			h.removeLocked(sub)
			metrics.SubscribersEvicted.Inc()
			log.Warn("subscriber evicted, queue full", "subscriber", sub.id, "event", ev.Name)
		}
	}
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
