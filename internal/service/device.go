package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"hwconfirm/internal/model"
	"hwconfirm/internal/repository"
)

// ResponseSubscriber manages the per-device response subscriptions on the
// transport.
type ResponseSubscriber interface {
	SubscribeDeviceResponses(deviceID string) error
	UnsubscribeDeviceResponses(deviceID string) error
}

type DeviceService struct {
	deviceRepo repository.DeviceRepository
	subscriber ResponseSubscriber
	now        func() time.Time
}

func NewDeviceService(deviceRepo repository.DeviceRepository, subscriber ResponseSubscriber) *DeviceService {
	return &DeviceService{
		deviceRepo: deviceRepo,
		subscriber: subscriber,
		now:        time.Now,
	}
}

// Register binds a device to its owner. The secret must be exactly 64 hex
// characters; either case is accepted.
func (s *DeviceService) Register(ctx context.Context, deviceID, secretHex, ownerUserID, displayName string) (*model.Device, error) {
	if !validDeviceID(deviceID) {
		return nil, model.ErrInvalidDeviceID
	}

	secret, err := parseSecret(secretHex)
	if err != nil {
		return nil, err
	}

	if displayName == "" {
		displayName = defaultDisplayName(deviceID)
	}

	now := s.now()
	device := &model.Device{
		ID:           deviceID,
		OwnerUserID:  ownerUserID,
		Secret:       secret,
		DisplayName:  displayName,
		RegisteredAt: now,
		LastSeenAt:   now,
	}

	if err := s.deviceRepo.Create(ctx, device); err != nil {
		return nil, err
	}

	if err := s.subscriber.SubscribeDeviceResponses(deviceID); err != nil {
		// Recorded in the subscription set; retried on the next reconnect.
		log.Printf("[DeviceService] Subscribe failed after register: device=%s err=%v", deviceID, err)
	}

	log.Printf("[DeviceService] Registered: device=%s owner=%s", deviceID, ownerUserID)
	return device, nil
}

func (s *DeviceService) Get(ctx context.Context, deviceID string) (*model.Device, error) {
	return s.deviceRepo.GetByID(ctx, deviceID)
}

func (s *DeviceService) ListByOwner(ctx context.Context, userID string) ([]model.Device, error) {
	return s.deviceRepo.ListByOwner(ctx, userID)
}

// Remove deletes a device owned by requestingUserID and stops listening for it.
// The secret is never opened, so a device sealed under a lost key can still
// be removed by its owner.
func (s *DeviceService) Remove(ctx context.Context, deviceID, requestingUserID string) error {
	device, err := s.deviceRepo.GetInfo(ctx, deviceID)
	if err != nil {
		return err
	}
	if device.OwnerUserID != requestingUserID {
		return fmt.Errorf("%w: device belongs to another user", model.ErrUnauthorized)
	}

	if err := s.deviceRepo.Delete(ctx, deviceID); err != nil {
		return err
	}

	if err := s.subscriber.UnsubscribeDeviceResponses(deviceID); err != nil {
		log.Printf("[DeviceService] Unsubscribe failed after remove: device=%s err=%v", deviceID, err)
	}

	log.Printf("[DeviceService] Removed: device=%s owner=%s", deviceID, requestingUserID)
	return nil
}

// TouchLastSeen is called only after a verified response.
func (s *DeviceService) TouchLastSeen(ctx context.Context, deviceID string) error {
	return s.deviceRepo.TouchLastSeen(ctx, deviceID, s.now())
}

// ResubscribeAll restores response subscriptions for devices that survived a
// restart in a durable store.
func (s *DeviceService) ResubscribeAll(ctx context.Context) error {
	devices, err := s.deviceRepo.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	var failed int
	for _, d := range devices {
		if err := s.subscriber.SubscribeDeviceResponses(d.ID); err != nil {
			log.Printf("[DeviceService] Resubscribe failed: device=%s err=%v", d.ID, err)
			failed++
		}
	}

	log.Printf("[DeviceService] Resubscribed %d devices (failed=%d)", len(devices)-failed, failed)
	return nil
}

func parseSecret(secretHex string) ([]byte, error) {
	if len(secretHex) != hex.EncodedLen(model.SecretSize) {
		return nil, model.ErrInvalidSecretFormat
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, model.ErrInvalidSecretFormat
	}
	return secret, nil
}

// validDeviceID rejects ids that would change the topic structure.
func validDeviceID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/+#")
}

func defaultDisplayName(deviceID string) string {
	suffix := deviceID
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return "Device " + suffix
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
