package model

import (
	"time"
)

// ConfirmationStatus is the lifecycle state of a confirmation.
type ConfirmationStatus string

const (
	StatusPending   ConfirmationStatus = "pending"
	StatusConfirmed ConfirmationStatus = "confirmed"
	StatusFailed    ConfirmationStatus = "failed"
	StatusExpired   ConfirmationStatus = "expired"
)

// IsTerminal reports whether no further transition is allowed.
func (s ConfirmationStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusExpired
}

// ChallengeSize is the number of random bytes in a challenge.
const ChallengeSize = 32

// DefaultAction is used when a confirmation request carries no action label.
const DefaultAction = "Generic confirmation"

// Failure reasons recorded on failed confirmations
const (
	ReasonInvalidSignature = "Invalid signature"
	ReasonDeviceReassigned = "Device no longer authorized"
	ReasonDeliveryFailed   = "Failed to send challenge to device"
	ReasonCancelled        = "Cancelled"
)

// Confirmation is one challenge/response cycle against a user's device.
type Confirmation struct {
	ID          string             `json:"confirmationId"`
	UserID      string             `json:"-"`
	DeviceID    string             `json:"deviceId"`
	Action      string             `json:"action"`
	Challenge   []byte             `json:"-"`
	Status      ConfirmationStatus `json:"status"`
	Reason      string             `json:"reason,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	ConfirmedAt *time.Time         `json:"confirmedAt,omitempty"`
	ResolvedAt  *time.Time         `json:"resolvedAt,omitempty"`
}

// IsPending reports whether the confirmation still awaits a response.
func (c *Confirmation) IsPending() bool {
	return c.Status == StatusPending
}

// RequestConfirmationRequest is the request body for POST /api/request-confirm.
type RequestConfirmationRequest struct {
	DeviceID string `json:"deviceId"`
	Action   string `json:"action"`
}

// RequestConfirmationResponse is returned once the challenge reached the broker.
type RequestConfirmationResponse struct {
	Success        bool   `json:"success"`
	ConfirmationID string `json:"confirmationId"`
	Message        string `json:"message"`
}

// ConfirmationListResponse wraps the confirmation history of a user.
type ConfirmationListResponse struct {
	Confirmations []Confirmation `json:"confirmations"`
}

// ChallengeMessage is published to devices/{deviceId}/challenge.
// The field names and encodings are fixed by deployed device firmware.
type ChallengeMessage struct {
	Challenge      string `json:"challenge"`
	ConfirmationID string `json:"confirmationId"`
	Action         string `json:"action"`
	Timestamp      int64  `json:"timestamp"` // epoch milliseconds
}

// DeviceResponse is a parsed message from devices/{deviceId}/response.
type DeviceResponse struct {
	DeviceID       string
	ConfirmationID string
	SignatureHex   string
}
