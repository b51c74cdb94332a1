package services

import (
	"sync"

	"github.com/miradorstack/mirador-triage/internal/engine"
)

// Hub fans pipeline outcomes out to stream subscribers. A slow subscriber
// loses outcomes instead of blocking the pipeline.
type Hub struct {
	mu     sync.Mutex
	next   int
	subs   map[int]subscriber
	buffer int
}

type subscriber struct {
	incidentID string
	ch         chan engine.Outcome
}

// NewHub builds a hub whose subscriber channels hold buffer outcomes.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[int]subscriber), buffer: buffer}
}

// Publish offers o to every matching subscriber.
func (h *Hub) Publish(o engine.Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if s.incidentID != "" && s.incidentID != o.IncidentID {
			continue
		}
		select {
		case s.ch <- o:
		default:
		}
	}
}

// Subscribe returns a channel of outcomes for incidentID, or for every
// outcome when incidentID is empty. cancel closes the channel.
func (h *Hub) Subscribe(incidentID string) (<-chan engine.Outcome, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan engine.Outcome, h.buffer)
	h.subs[id] = subscriber{incidentID: incidentID, ch: ch}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
