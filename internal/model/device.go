package model

import (
	"time"
)

// Device is a registered hardware confirmation device.
// Secret holds the raw 32-byte shared secret and is never serialized.
type Device struct {
	ID           string    `json:"deviceId"`
	OwnerUserID  string    `json:"-"`
	Secret       []byte    `json:"-"`
	DisplayName  string    `json:"deviceName"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeenAt   time.Time `json:"lastSeen"`
}

// SecretSize is the length of a device shared secret in bytes.
const SecretSize = 32

// RegisterDeviceRequest is the request body for POST /api/register-device.
type RegisterDeviceRequest struct {
	DeviceID     string `json:"deviceId"`
	DeviceSecret string `json:"deviceSecret"`
	DeviceName   string `json:"deviceName"`
}

// RegisterDeviceResponse is returned after a successful registration.
type RegisterDeviceResponse struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

// DeviceListResponse wraps the devices of the authenticated user.
type DeviceListResponse struct {
	Devices []Device `json:"devices"`
}
