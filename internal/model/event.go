package model

// Push event types
const (
	EventConfirmationSuccess = "confirmation_success"
	EventConfirmationFailed  = "confirmation_failed"
	EventConfirmationExpired = "confirmation_expired"
)

// Push channel control messages
const (
	MessageTypeAuth        = "auth"
	MessageTypeAuthSuccess = "auth_success"
)

// Event is a terminal-state notification pushed to the client session.
// Empty fields are omitted so each type keeps its documented shape.
type Event struct {
	Type           string `json:"type"`
	ConfirmationID string `json:"confirmationId"`
	Action         string `json:"action"`
	DeviceID       string `json:"deviceId,omitempty"`
	Error          string `json:"error,omitempty"`
}

// EventForConfirmation builds the push event for a confirmation that just
// reached a terminal state.
func EventForConfirmation(c *Confirmation) Event {
	ev := Event{
		ConfirmationID: c.ID,
		Action:         c.Action,
	}
	switch c.Status {
	case StatusConfirmed:
		ev.Type = EventConfirmationSuccess
		ev.DeviceID = c.DeviceID
	case StatusExpired:
		ev.Type = EventConfirmationExpired
	default:
		ev.Type = EventConfirmationFailed
		ev.Error = c.Reason
		if ev.Error == "" {
			ev.Error = ReasonInvalidSignature
		}
	}
	return ev
}

// ControlMessage is the client/server handshake on the push channel.
type ControlMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId,omitempty"`
}
