package worker

import (
	"context"
	"log"
	"sync"
	"time"

	"hwconfirm/internal/service"
)

// DefaultSweepInterval is how often the sweeper runs when unset.
const DefaultSweepInterval = time.Minute

// ConfirmationSweeper is the part of the confirmation service the sweeper drives.
type ConfirmationSweeper interface {
	ExpireOverdue(ctx context.Context) (int, error)
	Purge(ctx context.Context, retention time.Duration, archiver service.Archiver) (int, error)
}

// Sweeper periodically expires overdue confirmations and purges old ones.
type Sweeper struct {
	confirmations ConfirmationSweeper
	archiver      service.Archiver
	interval      time.Duration
	retention     time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewSweeper creates a sweeper. archiver may be nil; retention 0 disables purging.
func NewSweeper(confirmations ConfirmationSweeper, archiver service.Archiver, interval, retention time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		confirmations: confirmations,
		archiver:      archiver,
		interval:      interval,
		retention:     retention,
	}
}

// Start runs one sweep immediately, then one per interval until Stop.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		log.Printf("[Sweeper] Started (interval=%v retention=%v archive=%t)", s.interval, s.retention, s.archiver != nil)
		s.RunOnce(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Printf("[Sweeper] Stopped")
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) {
	startTime := time.Now()

	expired, err := s.confirmations.ExpireOverdue(ctx)
	if err != nil {
		log.Printf("[Sweeper] ExpireOverdue FAILED: %v", err)
	}

	purged, err := s.confirmations.Purge(ctx, s.retention, s.archiver)
	if err != nil {
		log.Printf("[Sweeper] Purge FAILED: %v", err)
	}

	if expired > 0 || purged > 0 {
		log.Printf("[Sweeper] Sweep OK: expired=%d purged=%d duration=%v", expired, purged, time.Since(startTime))
	}
}
