package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"hwconfirm/internal/model"
)

// Stream names
const (
	StreamOutcomes = "stream:confirmation_outcomes"
)

// ConsumerGroupPrefix prefixes the per-instance consumer group. Every
// instance reads the full stream because any of them may hold the session.
const ConsumerGroupPrefix = "push-"

// DefaultStreamMaxLen caps the outcome stream (approximate trimming).
const DefaultStreamMaxLen = 10000

// OutcomeEvent is a terminal confirmation event addressed to a user.
type OutcomeEvent struct {
	UserID    string      `json:"user_id"`
	Event     model.Event `json:"event"`
	Timestamp int64       `json:"timestamp"` // Unix timestamp when the outcome was published
}

// NewOutcomeEvent wraps ev for delivery to userID's session.
func NewOutcomeEvent(userID string, ev model.Event) OutcomeEvent {
	return OutcomeEvent{
		UserID:    userID,
		Event:     ev,
		Timestamp: time.Now().Unix(),
	}
}

// ConsumerGroupFor returns the consumer group of one server instance.
func ConsumerGroupFor(instanceID string) string {
	return ConsumerGroupPrefix + instanceID
}

// ToMap converts the event to a map for Redis XADD.
// Redis Streams store field-value pairs, so we serialize to JSON in a "data" field.
func (e OutcomeEvent) ToMap() (map[string]interface{}, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return map[string]interface{}{
		"type": e.Event.Type,
		"data": string(data),
	}, nil
}

// ParseOutcomeEvent parses an OutcomeEvent from Redis stream message values.
func ParseOutcomeEvent(values map[string]interface{}) (OutcomeEvent, error) {
	data, ok := values["data"].(string)
	if !ok {
		return OutcomeEvent{}, fmt.Errorf("missing or invalid 'data' field")
	}

	var event OutcomeEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return OutcomeEvent{}, fmt.Errorf("unmarshal event: %w", err)
	}
	if event.UserID == "" || event.Event.ConfirmationID == "" {
		return OutcomeEvent{}, fmt.Errorf("incomplete event")
	}
	return event, nil
}
