package agent

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Envelope event types pushed to stream subscribers.
const (
	EnvelopeState   = "state"
	EnvelopeHistory = "history"
)

// Envelope is one event on the subscribable stream: either a freshly reduced
// conversation state or a raw history broadcast for a thread.
type Envelope struct {
	Type     string          `json:"type"`
	ThreadID string          `json:"threadId"`
	Payload  json.RawMessage `json:"payload"`
}

const subscriberBuffer = 64

// Hub fans envelopes out to subscribers. A subscriber that stops draining its
// channel is dropped rather than allowed to stall publishers.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Envelope
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: map[int]chan Envelope{}, logger: logger}
}

// Subscribe registers a new stream consumer. The returned cancel function is
// idempotent.
func (h *Hub) Subscribe() (<-chan Envelope, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Envelope, subscriberBuffer)
	h.subs[id] = ch
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the envelope to every subscriber. Slow subscribers are
// evicted so one stalled SSE connection cannot back-pressure the frame path.
func (h *Hub) Publish(env Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		select {
		case ch <- env:
		default:
			delete(h.subs, id)
			close(ch)
			h.logger.Warn("dropping stalled stream subscriber", "subscriber", id)
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
