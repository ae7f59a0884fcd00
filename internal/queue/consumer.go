package queue

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one parsed stream entry.
type Message struct {
	ID    string // e.g. "1702000000000-0"
	Event OutcomeEvent
}

// GroupReader reads one stream through one consumer group.
type GroupReader interface {
	// Ensure creates the group at "$" if missing, so a fresh instance only
	// sees outcomes published after it came up.
	Ensure(ctx context.Context) error

	// ReadNew blocks up to block for entries never delivered to the group.
	ReadNew(ctx context.Context, consumer string, count int64, block time.Duration) ([]Message, error)

	// ReadPending returns entries delivered to consumer but never acked.
	ReadPending(ctx context.Context, consumer string, count int64) ([]Message, error)

	Ack(ctx context.Context, ids ...string) error

	// Pending counts unacked entries across the group.
	Pending(ctx context.Context) (int64, error)

	// Destroy removes the group and its pending list.
	Destroy(ctx context.Context) error
}

// StreamGroup is the Redis Streams GroupReader.
type StreamGroup struct {
	client *redis.Client
	stream string
	group  string
}

func NewStreamGroup(client *redis.Client, stream, group string) *StreamGroup {
	return &StreamGroup{client: client, stream: stream, group: group}
}

// NewOutcomeGroup reads the outcome stream through this instance's group.
func NewOutcomeGroup(client *redis.Client, instanceID string) *StreamGroup {
	return NewStreamGroup(client, StreamOutcomes, ConsumerGroupFor(instanceID))
}

func (g *StreamGroup) Group() string {
	return g.group
}

func (g *StreamGroup) Ensure(ctx context.Context) error {
	err := g.client.XGroupCreateMkStream(ctx, g.stream, g.group, "$").Err()
	switch {
	case err == nil:
		log.Printf("[Consumer] Group created: stream=%s group=%s", g.stream, g.group)
		return nil
	case strings.HasPrefix(err.Error(), "BUSYGROUP"):
		return nil
	default:
		return fmt.Errorf("create consumer group %s: %w", g.group, err)
	}
}

func (g *StreamGroup) ReadNew(ctx context.Context, consumer string, count int64, block time.Duration) ([]Message, error) {
	return g.read(ctx, consumer, ">", count, block)
}

func (g *StreamGroup) ReadPending(ctx context.Context, consumer string, count int64) ([]Message, error) {
	// A non-">" cursor replays this consumer's own pending entries without blocking.
	return g.read(ctx, consumer, "0", count, -1)
}

func (g *StreamGroup) read(ctx context.Context, consumer, cursor string, count int64, block time.Duration) ([]Message, error) {
	streams, err := g.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    g.group,
		Consumer: consumer,
		Streams:  []string{g.stream, cursor},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s cursor=%s: %w", g.group, cursor, err)
	}

	messages, malformed := parseStreams(streams)
	if len(malformed) > 0 {
		// Would never parse on a retry either.
		if err := g.Ack(ctx, malformed...); err != nil {
			log.Printf("[Consumer] Could not ack malformed entries %v: %v", malformed, err)
		}
	}
	return messages, nil
}

func (g *StreamGroup) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := g.client.XAck(ctx, g.stream, g.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", g.group, err)
	}
	return nil
}

func (g *StreamGroup) Pending(ctx context.Context) (int64, error) {
	info, err := g.client.XPending(ctx, g.stream, g.group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s: %w", g.group, err)
	}
	return info.Count, nil
}

func (g *StreamGroup) Destroy(ctx context.Context) error {
	if err := g.client.XGroupDestroy(ctx, g.stream, g.group).Err(); err != nil {
		return fmt.Errorf("destroy consumer group %s: %w", g.group, err)
	}
	log.Printf("[Consumer] Group removed: stream=%s group=%s", g.stream, g.group)
	return nil
}

// parseStreams splits entries into parsed messages and the ids of malformed ones.
func parseStreams(streams []redis.XStream) (messages []Message, malformed []string) {
	for _, s := range streams {
		for _, entry := range s.Messages {
			event, err := ParseOutcomeEvent(entry.Values)
			if err != nil {
				log.Printf("[Consumer] Skipping malformed entry %s: %v", entry.ID, err)
				malformed = append(malformed, entry.ID)
				continue
			}
			messages = append(messages, Message{ID: entry.ID, Event: event})
		}
	}
	return messages, malformed
}
