// Package push is the in-process publish point for presentation consumers.
// Delivery is at-most-once: a subscriber that cannot keep up loses updates
// and is expected to reconcile through the query API.
package push

import (
	"sync"
	"time"

	"fabricmon/internal/logger"

	"go.uber.org/zap"
)

type Kind string

const (
	KindSummary      Kind = "summary"
	KindEventRaised  Kind = "event_raised"
	KindEventCleared Kind = "event_cleared"
)

// Update is one push payload: a changed fabric summary or an event record.
type Update struct {
	Kind    Kind        `json:"kind"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload"`
}

// Hub fans updates out to subscribers without ever blocking the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan Update
	next int
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Update)}
}

// Subscribe registers a consumer. The returned cancel func must be called to
// release the subscription.
func (h *Hub) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Update, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an update to every subscriber that has buffer space.
// Full subscribers are skipped.
func (h *Hub) Publish(u Update) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, ch := range h.subs {
		select {
		case ch <- u:
		default:
			logger.Debug("push subscriber full, dropping update",
				zap.Int("subscriber", id),
				zap.String("kind", string(u.Kind)),
			)
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
