// Package notify delivers terminal confirmation events to the client
// session watching for them.
package notify

import (
	"log"
	"sync"

	"hwconfirm/internal/metrics"
	"hwconfirm/internal/model"
)

// Sink is one live outbound channel to a client.
type Sink interface {
	// Deliver enqueues ev without blocking and reports whether it was accepted.
	Deliver(ev model.Event) bool
	// Close tells the owner of the sink to shut the connection down.
	Close()
}

// Hub keeps at most one sink per user; the last registration wins.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]Sink
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]Sink),
	}
}

// RegisterSession binds sink to userID, closing any sink it replaces.
func (h *Hub) RegisterSession(userID string, sink Sink) {
	h.mu.Lock()
	old := h.sessions[userID]
	h.sessions[userID] = sink
	count := len(h.sessions)
	h.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))

	if old != nil && old != sink {
		log.Printf("[Hub] Replacing session: user=%s", userID)
		old.Close()
	}
	log.Printf("[Hub] Session registered: user=%s", userID)
}

// UnregisterSession drops whatever session userID has. Idempotent.
func (h *Hub) UnregisterSession(userID string) {
	h.mu.Lock()
	old, ok := h.sessions[userID]
	delete(h.sessions, userID)
	count := len(h.sessions)
	h.mu.Unlock()

	if !ok {
		return
	}
	metrics.ActiveSessions.Set(float64(count))
	old.Close()
	log.Printf("[Hub] Session unregistered: user=%s", userID)
}

// Release removes sink only if it is still the registered session for
// userID. A connection that was already replaced must not evict its successor.
func (h *Hub) Release(userID string, sink Sink) bool {
	h.mu.Lock()
	current, ok := h.sessions[userID]
	if !ok || current != sink {
		h.mu.Unlock()
		return false
	}
	delete(h.sessions, userID)
	count := len(h.sessions)
	h.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
	log.Printf("[Hub] Session released: user=%s", userID)
	return true
}

// Push hands ev to the user's session. Best effort: with no session or a
// full queue the event is dropped and the client falls back to polling.
func (h *Hub) Push(userID string, ev model.Event) {
	h.mu.RLock()
	sink := h.sessions[userID]
	h.mu.RUnlock()

	if sink == nil {
		metrics.PushDeliveries.WithLabelValues(metrics.ResultNoSession).Inc()
		log.Printf("[Hub] No session, dropping: user=%s type=%s confirmation=%s", userID, ev.Type, ev.ConfirmationID)
		return
	}

	if !sink.Deliver(ev) {
		metrics.PushDeliveries.WithLabelValues(metrics.ResultDropped).Inc()
		log.Printf("[Hub] Session queue full, dropping: user=%s type=%s confirmation=%s", userID, ev.Type, ev.ConfirmationID)
		return
	}
	metrics.PushDeliveries.WithLabelValues(metrics.ResultDelivered).Inc()
}

// SessionCount returns the number of users with a live session.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
