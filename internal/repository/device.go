package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"hwconfirm/internal/model"
	"hwconfirm/internal/store"
)

const devicePrefix = "device:"

// deviceRow is the stored form of a device. The secret only ever leaves
// this package sealed.
type deviceRow struct {
	ID           string    `json:"id"`
	OwnerUserID  string    `json:"owner_user_id"`
	SealedSecret []byte    `json:"sealed_secret"`
	DisplayName  string    `json:"display_name"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

type deviceRepository struct {
	kv     store.Store
	sealer SecretSealer
}

func NewDeviceRepository(kv store.Store, sealer SecretSealer) DeviceRepository {
	return &deviceRepository{kv: kv, sealer: sealer}
}

func deviceKey(id string) string {
	return devicePrefix + id
}

// Create uses SetNX so two concurrent registrations of one id cannot both win.
func (r *deviceRepository) Create(ctx context.Context, d *model.Device) error {
	sealed, err := r.sealer.Seal(d.Secret)
	if err != nil {
		return fmt.Errorf("seal device secret: %w", err)
	}

	data, err := json.Marshal(deviceRow{
		ID:           d.ID,
		OwnerUserID:  d.OwnerUserID,
		SealedSecret: sealed,
		DisplayName:  d.DisplayName,
		RegisteredAt: d.RegisteredAt,
		LastSeenAt:   d.LastSeenAt,
	})
	if err != nil {
		return fmt.Errorf("marshal device: %w", err)
	}

	if err := r.kv.SetNX(ctx, deviceKey(d.ID), data); err != nil {
		if errors.Is(err, store.ErrExists) {
			return model.ErrDeviceExists
		}
		return fmt.Errorf("create device: %w", err)
	}
	return nil
}

// GetByID returns the device with its secret opened.
func (r *deviceRepository) GetByID(ctx context.Context, deviceID string) (*model.Device, error) {
	row, err := r.getRow(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	secret, err := r.sealer.Open(row.SealedSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: open secret of device %s: %v", model.ErrInternal, deviceID, err)
	}

	d := row.toModel()
	d.Secret = secret
	return &d, nil
}

// GetInfo returns the device without opening its secret, so ownership can be
// checked even when the sealed value no longer opens.
func (r *deviceRepository) GetInfo(ctx context.Context, deviceID string) (*model.Device, error) {
	row, err := r.getRow(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	d := row.toModel()
	return &d, nil
}

func (r *deviceRepository) getRow(ctx context.Context, deviceID string) (*deviceRow, error) {
	data, err := r.kv.Get(ctx, deviceKey(deviceID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, model.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	return decodeDevice(data)
}

func (r *deviceRepository) ListByOwner(ctx context.Context, userID string) ([]model.Device, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	devices := make([]model.Device, 0)
	for _, d := range all {
		if d.OwnerUserID == userID {
			devices = append(devices, d)
		}
	}
	return devices, nil
}

func (r *deviceRepository) ListAll(ctx context.Context) ([]model.Device, error) {
	values, err := r.kv.List(ctx, devicePrefix)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	devices := make([]model.Device, 0, len(values))
	for _, data := range values {
		row, err := decodeDevice(data)
		if err != nil {
			log.Printf("[DeviceRepository] Skipping undecodable row: %v", err)
			continue
		}
		devices = append(devices, row.toModel())
	}

	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].RegisteredAt.Before(devices[j].RegisteredAt)
	})
	return devices, nil
}

func (r *deviceRepository) Delete(ctx context.Context, deviceID string) error {
	if err := r.kv.Delete(ctx, deviceKey(deviceID)); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

func (r *deviceRepository) TouchLastSeen(ctx context.Context, deviceID string, at time.Time) error {
	_, err := r.kv.Update(ctx, deviceKey(deviceID), func(current []byte) ([]byte, error) {
		row, err := decodeDevice(current)
		if err != nil {
			return nil, err
		}
		row.LastSeenAt = at
		return json.Marshal(row)
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.ErrDeviceNotFound
		}
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

func decodeDevice(data []byte) (*deviceRow, error) {
	var row deviceRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("%w: decode device: %v", model.ErrInternal, err)
	}
	return &row, nil
}

// toModel converts a row without its secret.
func (row *deviceRow) toModel() model.Device {
	return model.Device{
		ID:           row.ID,
		OwnerUserID:  row.OwnerUserID,
		DisplayName:  row.DisplayName,
		RegisteredAt: row.RegisteredAt,
		LastSeenAt:   row.LastSeenAt,
	}
}
