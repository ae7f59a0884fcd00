package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"hwconfirm/internal/model"
	"hwconfirm/internal/signature"
)

// Topic layout shared with device firmware
const (
	topicPrefix     = "devices/"
	challengeSuffix = "/challenge"
	responseSuffix  = "/response"
)

// ChallengeTopic is where the service publishes challenges for a device.
func ChallengeTopic(deviceID string) string {
	return topicPrefix + deviceID + challengeSuffix
}

// ResponseTopic is where a device publishes its signed responses.
func ResponseTopic(deviceID string) string {
	return topicPrefix + deviceID + responseSuffix
}

// ResponsePayload is the body a device publishes to its response topic.
type ResponsePayload struct {
	SignatureHex   string `json:"signatureHex"`
	ConfirmationID string `json:"confirmationId"`
}

// deviceIDFromResponseTopic extracts {id} from devices/{id}/response.
func deviceIDFromResponseTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, topicPrefix)
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, responseSuffix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// parseResponse validates a raw response message. Unknown JSON fields are
// ignored; wrong types, missing fields and malformed signatures are rejected.
func parseResponse(topic string, payload []byte) (model.DeviceResponse, error) {
	deviceID, ok := deviceIDFromResponseTopic(topic)
	if !ok {
		return model.DeviceResponse{}, fmt.Errorf("unexpected topic %q", topic)
	}

	var body ResponsePayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return model.DeviceResponse{}, fmt.Errorf("decode payload: %w", err)
	}
	if body.ConfirmationID == "" {
		return model.DeviceResponse{}, fmt.Errorf("missing confirmationId")
	}
	if !signature.IsWellFormed(body.SignatureHex) {
		return model.DeviceResponse{}, fmt.Errorf("signatureHex must be %d hex characters", signature.Size*2)
	}

	return model.DeviceResponse{
		DeviceID:       deviceID,
		ConfirmationID: body.ConfirmationID,
		SignatureHex:   body.SignatureHex,
	}, nil
}
