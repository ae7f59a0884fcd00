package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"hwconfirm/internal/model"
)

// Publisher defines the interface for publishing events to a stream.
type Publisher interface {
	// Publish adds an event to the specified stream.
	// Returns the message ID assigned by Redis.
	Publish(ctx context.Context, stream string, event OutcomeEvent) (messageID string, err error)
}

// RedisPublisher implements Publisher using Redis Streams.
type RedisPublisher struct {
	client *redis.Client
	maxLen int64
}

// NewPublisher creates a new Publisher backed by Redis Streams.
func NewPublisher(client *redis.Client) Publisher {
	return &RedisPublisher{client: client, maxLen: DefaultStreamMaxLen}
}

// Publish adds an event to the stream using XADD.
// Uses "*" for auto-generated message ID (timestamp-sequence).
func (p *RedisPublisher) Publish(ctx context.Context, stream string, event OutcomeEvent) (string, error) {
	startTime := time.Now()

	values, err := event.ToMap()
	if err != nil {
		log.Printf("[Publisher] Publish FAILED: stream=%s type=%s err=%v", stream, event.Event.Type, err)
		return "", fmt.Errorf("serialize event: %w", err)
	}

	// XADD stream MAXLEN ~ n * field value [field value ...]
	messageID, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Result()

	if err != nil {
		log.Printf("[Publisher] Publish FAILED: stream=%s type=%s err=%v", stream, event.Event.Type, err)
		return "", fmt.Errorf("xadd to stream: %w", err)
	}

	log.Printf("[Publisher] Publish OK: stream=%s type=%s msgID=%s user=%s confirmation=%s duration=%v",
		stream, event.Event.Type, messageID, event.UserID, event.Event.ConfirmationID, time.Since(startTime))

	return messageID, nil
}

// LocalPusher is the in-process session hub.
type LocalPusher interface {
	Push(userID string, ev model.Event)
}

// StreamNotifier fans outcomes out to every instance through the outcome
// stream. Push returns immediately; the XADD runs in the background and
// falls back to the local hub if Redis is unreachable.
type StreamNotifier struct {
	publisher Publisher
	fallback  LocalPusher
	timeout   time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewStreamNotifier(publisher Publisher, fallback LocalPusher) *StreamNotifier {
	return &StreamNotifier{
		publisher: publisher,
		fallback:  fallback,
		timeout:   5 * time.Second,
	}
}

// Push publishes in the background. After Close it only reaches the local hub.
func (n *StreamNotifier) Push(userID string, ev model.Event) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		log.Printf("[StreamNotifier] Closed, pushing locally: user=%s confirmation=%s", userID, ev.ConfirmationID)
		if n.fallback != nil {
			n.fallback.Push(userID, ev)
		}
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		if _, err := n.publisher.Publish(ctx, StreamOutcomes, NewOutcomeEvent(userID, ev)); err != nil {
			log.Printf("[StreamNotifier] Falling back to local push: user=%s confirmation=%s err=%v",
				userID, ev.ConfirmationID, err)
			if n.fallback != nil {
				n.fallback.Push(userID, ev)
			}
		}
	}()
}

// Close stops new background publishes and waits for in-flight ones to
// finish. Called on shutdown; safe to call more than once.
func (n *StreamNotifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	n.wg.Wait()
}
