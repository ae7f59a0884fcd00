package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"hwconfirm/internal/metrics"
	"hwconfirm/internal/model"
	"hwconfirm/internal/repository"
	"hwconfirm/internal/signature"
)

const (
	// DefaultConfirmationTimeout bounds how long a confirmation stays pending.
	DefaultConfirmationTimeout = 5 * time.Minute

	// backgroundOpTimeout bounds store work triggered by timers and device
	// messages, which have no request context.
	backgroundOpTimeout = 10 * time.Second
)

// ChallengePublisher sends a challenge to a device.
type ChallengePublisher interface {
	PublishChallenge(ctx context.Context, deviceID string, msg model.ChallengeMessage) error
}

// DeviceLookup is the part of the device registry the engine needs.
type DeviceLookup interface {
	Get(ctx context.Context, deviceID string) (*model.Device, error)
	TouchLastSeen(ctx context.Context, deviceID string) error
}

// Notifier delivers a terminal event to the user who requested it.
// Implementations never block.
type Notifier interface {
	Push(userID string, ev model.Event)
}

// Archiver stores purged confirmations before they are deleted.
type Archiver interface {
	Archive(ctx context.Context, records []model.Confirmation) error
}

// ConfirmationService drives each confirmation from pending to exactly one
// terminal state. Every terminal write goes through
// ConfirmationRepository.Transition, so a response, the timeout, the sweeper
// and a cancel can race freely: one wins and only the winner dispatches.
type ConfirmationService struct {
	confirmRepo repository.ConfirmationRepository
	devices     DeviceLookup
	publisher   ChallengePublisher
	notifier    Notifier
	timeout     time.Duration
	now         func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewConfirmationService(
	confirmRepo repository.ConfirmationRepository,
	devices DeviceLookup,
	publisher ChallengePublisher,
	notifier Notifier,
	timeout time.Duration,
) *ConfirmationService {
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	return &ConfirmationService{
		confirmRepo: confirmRepo,
		devices:     devices,
		publisher:   publisher,
		notifier:    notifier,
		timeout:     timeout,
		now:         time.Now,
		timers:      make(map[string]*time.Timer),
	}
}

// RequestConfirmation issues a fresh challenge to one of the user's devices.
func (s *ConfirmationService) RequestConfirmation(ctx context.Context, userID, deviceID, action string) (*model.Confirmation, error) {
	device, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.OwnerUserID != userID {
		return nil, fmt.Errorf("%w: device belongs to another user", model.ErrUnauthorized)
	}

	if action == "" {
		action = model.DefaultAction
	}

	challenge := make([]byte, model.ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("%w: generate challenge: %v", model.ErrInternal, err)
	}

	c := &model.Confirmation{
		ID:        uuid.NewString(),
		UserID:    userID,
		DeviceID:  deviceID,
		Action:    action,
		Challenge: challenge,
		Status:    model.StatusPending,
		CreatedAt: s.now(),
	}
	if err := s.confirmRepo.Create(ctx, c); err != nil {
		return nil, err
	}

	msg := model.ChallengeMessage{
		Challenge:      hex.EncodeToString(challenge),
		ConfirmationID: c.ID,
		Action:         action,
		Timestamp:      c.CreatedAt.UnixMilli(),
	}
	if err := s.publisher.PublishChallenge(ctx, deviceID, msg); err != nil {
		s.failUndelivered(c.ID)
		log.Printf("[ConfirmationService] Challenge not delivered: confirmation=%s device=%s err=%v", c.ID, deviceID, err)
		if errors.Is(err, model.ErrDelivery) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", model.ErrDelivery, err)
	}

	s.armTimer(c.ID)
	metrics.ConfirmationsRequested.Inc()

	log.Printf("[ConfirmationService] Requested: confirmation=%s user=%s device=%s action=%q",
		c.ID, userID, deviceID, action)
	return c, nil
}

// failUndelivered closes a confirmation whose challenge never left. The
// requester learns about it synchronously, so nothing is pushed.
func (s *ConfirmationService) failUndelivered(confirmationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundOpTimeout)
	defer cancel()

	_, err := s.confirmRepo.Transition(ctx, confirmationID, func(c *model.Confirmation) error {
		now := s.now()
		c.Status = model.StatusFailed
		c.Reason = model.ReasonDeliveryFailed
		c.ResolvedAt = &now
		return nil
	})
	if err != nil {
		log.Printf("[ConfirmationService] Could not mark undelivered: confirmation=%s err=%v", confirmationID, err)
		return
	}
	metrics.ConfirmationOutcomes.WithLabelValues(string(model.StatusFailed)).Inc()
}

// HandleDeviceResponse is the transport callback.
func (s *ConfirmationService) HandleDeviceResponse(resp model.DeviceResponse) {
	ctx, cancel := context.WithTimeout(context.Background(), backgroundOpTimeout)
	defer cancel()
	s.VerifyResponse(ctx, resp.DeviceID, resp.ConfirmationID, resp.SignatureHex)
}

// VerifyResponse resolves a pending confirmation from a device response.
// Nothing is returned to the transport: anything that cannot be applied is
// logged and discarded.
func (s *ConfirmationService) VerifyResponse(ctx context.Context, deviceID, confirmationID, signatureHex string) {
	c, err := s.confirmRepo.GetByID(ctx, confirmationID)
	if err != nil {
		if isNotFound(err) {
			metrics.DeviceResponses.WithLabelValues(metrics.ResultUnknown).Inc()
			log.Printf("[ConfirmationService] Response for unknown confirmation: confirmation=%s device=%s", confirmationID, deviceID)
			return
		}
		log.Printf("[ConfirmationService] Response lookup failed: confirmation=%s err=%v", confirmationID, err)
		return
	}

	if !c.IsPending() {
		metrics.DeviceResponses.WithLabelValues(metrics.ResultStale).Inc()
		log.Printf("[ConfirmationService] Response for resolved confirmation: confirmation=%s status=%s", c.ID, c.Status)
		return
	}

	if c.DeviceID != deviceID {
		metrics.DeviceResponses.WithLabelValues(metrics.ResultMismatch).Inc()
		log.Printf("[ConfirmationService] Response on wrong device channel: confirmation=%s expected=%s got=%s",
			c.ID, c.DeviceID, deviceID)
		return
	}

	device, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		// Left pending; the timeout resolves it.
		metrics.DeviceResponses.WithLabelValues(metrics.ResultNoDevice).Inc()
		log.Printf("[ConfirmationService] Device unavailable for response: confirmation=%s device=%s err=%v",
			c.ID, deviceID, err)
		return
	}

	status := model.StatusFailed
	reason := model.ReasonInvalidSignature
	switch {
	case device.OwnerUserID != c.UserID:
		reason = model.ReasonDeviceReassigned
	case signature.Verify(device.Secret, hex.EncodeToString(c.Challenge), signatureHex):
		status = model.StatusConfirmed
		reason = ""
	}

	updated, err := s.confirmRepo.Transition(ctx, c.ID, func(cur *model.Confirmation) error {
		now := s.now()
		cur.Status = status
		cur.Reason = reason
		cur.ResolvedAt = &now
		if status == model.StatusConfirmed {
			cur.ConfirmedAt = &now
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrNotPending) {
			metrics.DeviceResponses.WithLabelValues(metrics.ResultStale).Inc()
			log.Printf("[ConfirmationService] Response lost race: confirmation=%s", c.ID)
			return
		}
		log.Printf("[ConfirmationService] Transition failed: confirmation=%s err=%v", c.ID, err)
		return
	}

	s.cancelTimer(c.ID)
	metrics.DeviceResponses.WithLabelValues(metrics.ResultAccepted).Inc()

	if updated.Status == model.StatusConfirmed {
		if err := s.devices.TouchLastSeen(ctx, deviceID); err != nil {
			log.Printf("[ConfirmationService] TouchLastSeen failed: device=%s err=%v", deviceID, err)
		}
	}

	s.dispatch(updated)
}

// GetStatus returns a confirmation owned by requestingUserID.
func (s *ConfirmationService) GetStatus(ctx context.Context, confirmationID, requestingUserID string) (*model.Confirmation, error) {
	c, err := s.confirmRepo.GetByID(ctx, confirmationID)
	if err != nil {
		return nil, err
	}
	if c.UserID != requestingUserID {
		return nil, fmt.Errorf("%w: confirmation belongs to another user", model.ErrUnauthorized)
	}
	return c, nil
}

// ListForUser returns a user's confirmations, newest first.
func (s *ConfirmationService) ListForUser(ctx context.Context, userID string) ([]model.Confirmation, error) {
	return s.confirmRepo.ListByUser(ctx, userID)
}

// Cancel withdraws a pending confirmation. Returns model.ErrNotPending if it
// already resolved.
func (s *ConfirmationService) Cancel(ctx context.Context, confirmationID, userID string) (*model.Confirmation, error) {
	if _, err := s.GetStatus(ctx, confirmationID, userID); err != nil {
		return nil, err
	}

	updated, err := s.confirmRepo.Transition(ctx, confirmationID, func(c *model.Confirmation) error {
		now := s.now()
		c.Status = model.StatusFailed
		c.Reason = model.ReasonCancelled
		c.ResolvedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cancelTimer(confirmationID)
	s.dispatch(updated)

	log.Printf("[ConfirmationService] Cancelled: confirmation=%s user=%s", confirmationID, userID)
	return updated, nil
}

// ExpireOverdue expires pending confirmations older than the timeout. It
// covers timers that were lost to a restart or live on another instance.
func (s *ConfirmationService) ExpireOverdue(ctx context.Context) (int, error) {
	all, err := s.confirmRepo.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list confirmations: %w", err)
	}

	deadline := s.now().Add(-s.timeout)
	expired := 0
	for _, c := range all {
		if !c.IsPending() || c.CreatedAt.After(deadline) {
			continue
		}
		if s.expire(ctx, c.ID) {
			expired++
		}
	}
	return expired, nil
}

// Purge deletes terminal confirmations resolved before now-retention. When an
// archiver is given the batch is archived first and nothing is deleted if
// archiving fails. Pending records are never purged.
func (s *ConfirmationService) Purge(ctx context.Context, retention time.Duration, archiver Archiver) (int, error) {
	if retention <= 0 {
		return 0, nil
	}

	all, err := s.confirmRepo.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list confirmations: %w", err)
	}

	cutoff := s.now().Add(-retention)
	var batch []model.Confirmation
	for _, c := range all {
		if !c.Status.IsTerminal() {
			continue
		}
		resolved := c.CreatedAt
		if c.ResolvedAt != nil {
			resolved = *c.ResolvedAt
		}
		if resolved.Before(cutoff) {
			batch = append(batch, c)
		}
	}
	if len(batch) == 0 {
		return 0, nil
	}

	if archiver != nil {
		if err := archiver.Archive(ctx, batch); err != nil {
			return 0, fmt.Errorf("archive confirmations: %w", err)
		}
	}

	purged := 0
	for _, c := range batch {
		if err := s.confirmRepo.Delete(ctx, c.ID); err != nil {
			log.Printf("[ConfirmationService] Purge delete failed: confirmation=%s err=%v", c.ID, err)
			continue
		}
		purged++
	}
	return purged, nil
}

// Stop cancels all outstanding timers. Pending records are picked up by
// ExpireOverdue on the next start.
func (s *ConfirmationService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *ConfirmationService) armTimer(confirmationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timers[confirmationID] = time.AfterFunc(s.timeout, func() {
		s.mu.Lock()
		delete(s.timers, confirmationID)
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), backgroundOpTimeout)
		defer cancel()
		s.expire(ctx, confirmationID)
	})
}

func (s *ConfirmationService) cancelTimer(confirmationID string) {
	s.mu.Lock()
	t, ok := s.timers[confirmationID]
	delete(s.timers, confirmationID)
	s.mu.Unlock()

	if ok {
		t.Stop()
	}
}

// expire reports whether this call performed the transition.
func (s *ConfirmationService) expire(ctx context.Context, confirmationID string) bool {
	updated, err := s.confirmRepo.Transition(ctx, confirmationID, func(c *model.Confirmation) error {
		now := s.now()
		c.Status = model.StatusExpired
		c.ResolvedAt = &now
		return nil
	})
	if err != nil {
		if !errors.Is(err, model.ErrNotPending) && !isNotFound(err) {
			log.Printf("[ConfirmationService] Expire failed: confirmation=%s err=%v", confirmationID, err)
		}
		return false
	}

	s.cancelTimer(confirmationID)
	s.dispatch(updated)
	return true
}

// dispatch emits the single event for a transition this instance won.
func (s *ConfirmationService) dispatch(c *model.Confirmation) {
	metrics.ConfirmationOutcomes.WithLabelValues(string(c.Status)).Inc()

	ev := model.EventForConfirmation(c)
	s.notifier.Push(c.UserID, ev)

	log.Printf("[ConfirmationService] Resolved: confirmation=%s status=%s reason=%q", c.ID, c.Status, c.Reason)
}
