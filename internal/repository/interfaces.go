package repository

import (
	"context"
	"time"

	"hwconfirm/internal/model"
)

type DeviceRepository interface {
	// Create stores a new device; returns model.ErrDeviceExists if the id is taken
	Create(ctx context.Context, device *model.Device) error
	// GetByID returns the device including its decrypted secret
	GetByID(ctx context.Context, deviceID string) (*model.Device, error)
	// GetInfo returns the device without touching its secret
	GetInfo(ctx context.Context, deviceID string) (*model.Device, error)
	// ListByOwner returns a user's devices ordered by registration time (secrets omitted)
	ListByOwner(ctx context.Context, userID string) ([]model.Device, error)
	// ListAll returns every registered device (secrets omitted)
	ListAll(ctx context.Context) ([]model.Device, error)
	// Delete removes a device
	Delete(ctx context.Context, deviceID string) error
	// TouchLastSeen stamps lastSeenAt
	TouchLastSeen(ctx context.Context, deviceID string, at time.Time) error
}

// TransitionFunc mutates a pending confirmation in place.
type TransitionFunc func(c *model.Confirmation) error

type ConfirmationRepository interface {
	// Create stores a new confirmation
	Create(ctx context.Context, c *model.Confirmation) error
	// GetByID returns model.ErrConfirmationNotFound for unknown ids
	GetByID(ctx context.Context, confirmationID string) (*model.Confirmation, error)
	// ListByUser returns a user's confirmations, newest first
	ListByUser(ctx context.Context, userID string) ([]model.Confirmation, error)
	// ListAll returns every stored confirmation, newest first
	ListAll(ctx context.Context) ([]model.Confirmation, error)
	// Transition atomically applies fn to a confirmation that is still pending.
	// Returns model.ErrNotPending if another transition already won.
	Transition(ctx context.Context, confirmationID string, fn TransitionFunc) (*model.Confirmation, error)
	// Delete removes a confirmation
	Delete(ctx context.Context, confirmationID string) error
}

// SecretSealer encrypts device secrets at rest.
type SecretSealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}
