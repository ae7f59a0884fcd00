package worker

import (
	"context"
	"fmt"
	"log"

	"hwconfirm/internal/model"
	"hwconfirm/internal/queue"
)

// SessionPusher delivers an event to a locally connected session.
type SessionPusher interface {
	Push(userID string, ev model.Event)
}

// Handler routes outcome events from the stream to the local session hub.
type Handler struct {
	hub SessionPusher
}

// NewHandler creates a new event handler.
func NewHandler(hub SessionPusher) *Handler {
	return &Handler{hub: hub}
}

// HandleEvent validates the event type and hands it to the hub. An instance
// without a session for the user simply drops it.
func (h *Handler) HandleEvent(ctx context.Context, event queue.OutcomeEvent) error {
	switch event.Event.Type {
	case model.EventConfirmationSuccess, model.EventConfirmationFailed, model.EventConfirmationExpired:
	default:
		log.Printf("[Worker] Unknown event type: %s", event.Event.Type)
		return fmt.Errorf("unknown event type: %s", event.Event.Type)
	}

	h.hub.Push(event.UserID, event.Event)
	return nil
}
