package model

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to clients. Every error returned by the services wraps
// exactly one of these so handlers can classify with errors.Is.
var (
	ErrNotFound      = errors.New("not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidFormat = errors.New("invalid format")
	ErrDelivery      = errors.New("delivery failed")
	ErrInternal      = errors.New("internal error")
)

var (
	// ErrDeviceNotFound is returned when a device id is not registered
	ErrDeviceNotFound = fmt.Errorf("device %w", ErrNotFound)

	// ErrDeviceExists is returned when registering an id that is already taken
	ErrDeviceExists = fmt.Errorf("device %w", ErrAlreadyExists)

	// ErrInvalidSecretFormat is returned when a secret is not 64 hex characters
	ErrInvalidSecretFormat = fmt.Errorf("%w: device secret must be 64 hex characters", ErrInvalidFormat)

	// ErrInvalidDeviceID is returned for ids that cannot form an MQTT topic level
	ErrInvalidDeviceID = fmt.Errorf("%w: device id must be non-empty and must not contain '/', '+' or '#'", ErrInvalidFormat)

	// ErrConfirmationNotFound is returned when a confirmation id is unknown
	ErrConfirmationNotFound = fmt.Errorf("confirmation %w", ErrNotFound)

	// ErrNotPending is returned by a transition that lost the race against
	// another terminal transition. Callers treat it as a silent no-op.
	ErrNotPending = errors.New("confirmation is not pending")
)

// API error codes (used in HTTP responses)
const (
	CodeDeliveryFailed = "DELIVERY_FAILED"
	CodeRateLimited    = "RATE_LIMITED"
	CodeTokenExpired   = "TOKEN_EXPIRED"
	CodeTokenInvalid   = "TOKEN_INVALID"
	CodeNotPending     = "NOT_PENDING"
)
