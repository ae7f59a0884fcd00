package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"hwconfirm/internal/queue"
)

const (
	DefaultConsumers    = 1
	DefaultBatchSize    = 10
	DefaultBlockTimeout = 5 * time.Second

	readErrorBackoff = time.Second
	destroyTimeout   = 5 * time.Second
)

// RelayConfig tunes how an instance drains its consumer group.
type RelayConfig struct {
	Consumers    int
	BatchSize    int64
	BlockTimeout time.Duration
}

// Relay moves outcome events from this instance's consumer group into the
// local session hub. Every instance has its own group, so every instance
// sees every outcome and delivers the ones whose user is connected to it.
type Relay struct {
	group   queue.GroupReader
	handler *Handler
	cfg     RelayConfig

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRelay(group queue.GroupReader, handler *Handler, cfg RelayConfig) *Relay {
	if cfg.Consumers <= 0 {
		cfg.Consumers = DefaultConsumers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = DefaultBlockTimeout
	}
	return &Relay{group: group, handler: handler, cfg: cfg}
}

// Start creates the group and launches the consumers. Call Stop to end them.
func (r *Relay) Start(ctx context.Context) error {
	if err := r.group.Ensure(ctx); err != nil {
		return err
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	for i := 1; i <= r.cfg.Consumers; i++ {
		r.wg.Add(1)
		go r.consume(fmt.Sprintf("relay-%d", i))
	}

	log.Printf("[Relay] Started %d consumer(s)", r.cfg.Consumers)
	return nil
}

// Stop waits for the consumers and removes the group. Outcomes published
// after this point are not kept for an instance that is gone.
func (r *Relay) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := r.group.Destroy(ctx); err != nil {
		log.Printf("[Relay] %v", err)
	}
	log.Printf("[Relay] Stopped")
}

func (r *Relay) consume(name string) {
	defer r.wg.Done()

	// Left over from a crash under the same instance id.
	for r.ctx.Err() == nil {
		batch, err := r.group.ReadPending(r.ctx, name, r.cfg.BatchSize)
		if err != nil {
			log.Printf("[Relay] %s: pending read failed: %v", name, err)
			break
		}
		if len(batch) == 0 {
			break
		}
		r.deliver(name, batch)
	}

	for r.ctx.Err() == nil {
		batch, err := r.group.ReadNew(r.ctx, name, r.cfg.BatchSize, r.cfg.BlockTimeout)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			log.Printf("[Relay] %s: read failed: %v", name, err)
			select {
			case <-r.ctx.Done():
			case <-time.After(readErrorBackoff):
			}
			continue
		}
		r.deliver(name, batch)
	}
}

// deliver pushes a batch and acks all of it. Push is best effort, so an
// event the handler rejects is acked rather than redelivered.
func (r *Relay) deliver(name string, batch []queue.Message) {
	if len(batch) == 0 {
		return
	}

	ids := make([]string, 0, len(batch))
	for _, msg := range batch {
		if err := r.handler.HandleEvent(r.ctx, msg.Event); err != nil {
			log.Printf("[Relay] %s: dropped %s: %v", name, msg.ID, err)
		}
		ids = append(ids, msg.ID)
	}

	if err := r.group.Ack(r.ctx, ids...); err != nil {
		log.Printf("[Relay] %s: %v", name, err)
	}
}
