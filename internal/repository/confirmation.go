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

const confirmationPrefix = "confirmation:"

type confirmationRow struct {
	ID          string                   `json:"id"`
	UserID      string                   `json:"user_id"`
	DeviceID    string                   `json:"device_id"`
	Action      string                   `json:"action"`
	Challenge   []byte                   `json:"challenge"`
	Status      model.ConfirmationStatus `json:"status"`
	Reason      string                   `json:"reason,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	ConfirmedAt *time.Time               `json:"confirmed_at,omitempty"`
	ResolvedAt  *time.Time               `json:"resolved_at,omitempty"`
}

type confirmationRepository struct {
	kv store.Store
}

func NewConfirmationRepository(kv store.Store) ConfirmationRepository {
	return &confirmationRepository{kv: kv}
}

func confirmationKey(id string) string {
	return confirmationPrefix + id
}

func (r *confirmationRepository) Create(ctx context.Context, c *model.Confirmation) error {
	data, err := json.Marshal(toConfirmationRow(c))
	if err != nil {
		return fmt.Errorf("marshal confirmation: %w", err)
	}
	if err := r.kv.SetNX(ctx, confirmationKey(c.ID), data); err != nil {
		return fmt.Errorf("%w: create confirmation: %v", model.ErrInternal, err)
	}
	return nil
}

func (r *confirmationRepository) GetByID(ctx context.Context, confirmationID string) (*model.Confirmation, error) {
	data, err := r.kv.Get(ctx, confirmationKey(confirmationID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, model.ErrConfirmationNotFound
		}
		return nil, fmt.Errorf("get confirmation: %w", err)
	}
	return decodeConfirmation(data)
}

func (r *confirmationRepository) ListByUser(ctx context.Context, userID string) ([]model.Confirmation, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]model.Confirmation, 0)
	for _, c := range all {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *confirmationRepository) ListAll(ctx context.Context) ([]model.Confirmation, error) {
	values, err := r.kv.List(ctx, confirmationPrefix)
	if err != nil {
		return nil, fmt.Errorf("list confirmations: %w", err)
	}

	out := make([]model.Confirmation, 0, len(values))
	for _, data := range values {
		c, err := decodeConfirmation(data)
		if err != nil {
			log.Printf("[ConfirmationRepository] Skipping undecodable row: %v", err)
			continue
		}
		out = append(out, *c)
	}

	// Newest first
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Transition is the single synchronization point for terminal transitions.
// The pending check and the write happen inside one atomic store update, so
// of any number of racing callers exactly one observes pending.
func (r *confirmationRepository) Transition(ctx context.Context, confirmationID string, fn TransitionFunc) (*model.Confirmation, error) {
	data, err := r.kv.Update(ctx, confirmationKey(confirmationID), func(current []byte) ([]byte, error) {
		c, err := decodeConfirmation(current)
		if err != nil {
			return nil, err
		}
		if !c.IsPending() {
			return nil, model.ErrNotPending
		}
		if err := fn(c); err != nil {
			return nil, err
		}
		return json.Marshal(toConfirmationRow(c))
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, model.ErrConfirmationNotFound
		}
		return nil, err
	}
	return decodeConfirmation(data)
}

func (r *confirmationRepository) Delete(ctx context.Context, confirmationID string) error {
	if err := r.kv.Delete(ctx, confirmationKey(confirmationID)); err != nil {
		return fmt.Errorf("delete confirmation: %w", err)
	}
	return nil
}

func toConfirmationRow(c *model.Confirmation) confirmationRow {
	return confirmationRow{
		ID:          c.ID,
		UserID:      c.UserID,
		DeviceID:    c.DeviceID,
		Action:      c.Action,
		Challenge:   c.Challenge,
		Status:      c.Status,
		Reason:      c.Reason,
		CreatedAt:   c.CreatedAt,
		ConfirmedAt: c.ConfirmedAt,
		ResolvedAt:  c.ResolvedAt,
	}
}

func decodeConfirmation(data []byte) (*model.Confirmation, error) {
	var row confirmationRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("%w: decode confirmation: %v", model.ErrInternal, err)
	}
	return &model.Confirmation{
		ID:          row.ID,
		UserID:      row.UserID,
		DeviceID:    row.DeviceID,
		Action:      row.Action,
		Challenge:   row.Challenge,
		Status:      row.Status,
		Reason:      row.Reason,
		CreatedAt:   row.CreatedAt,
		ConfirmedAt: row.ConfirmedAt,
		ResolvedAt:  row.ResolvedAt,
	}, nil
}
