package events

import (
	"log/slog"
	"sync"
)

// Hub broadcasts events to any number of subscribers. Slow subscribers lose
// events rather than stalling the emitting task.
type Hub struct {
	logger *slog.Logger
	buffer int

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// NewHub creates a hub whose subscriber channels hold buffer events
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		logger: logger,
		buffer: buffer,
		subs:   make(map[int]chan Event),
	}
}

// Subscribe registers a subscriber. The returned cancel func closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, h.buffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers returns the number of active subscribers
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Emit delivers the event to every subscriber without blocking
func (h *Hub) Emit(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			h.logger.Warn("subscriber buffer full, dropping event",
				"subscriber", id,
				"kind", e.Kind,
				"task_id", e.TaskID)
		}
	}
}
