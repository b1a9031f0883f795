package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"kb-engine/internal/domain"
)

// Message is one delivered stream entry: the Redis message ID plus the
// decoded event envelope.
type Message struct {
	ID    string
	Event domain.Event
}

// StreamConsumer reads one stream on behalf of one consumer group member.
// Messages stay pending until Ack; ClaimStale takes over entries stranded
// on dead consumers.
type StreamConsumer struct {
	client    *redis.Client
	stream    string
	group     string
	consumer  string
	batchSize int64
	block     time.Duration
}

// NewStreamConsumer creates a consumer for stream within group, identified
// by consumer name. batchSize and block tune each XREADGROUP call.
func NewStreamConsumer(client *redis.Client, stream, group, consumer string, batchSize int64, block time.Duration) *StreamConsumer {
	return &StreamConsumer{
		client:    client,
		stream:    stream,
		group:     group,
		consumer:  consumer,
		batchSize: batchSize,
		block:     block,
	}
}

// Stream returns the stream key this consumer reads.
func (c *StreamConsumer) Stream() string { return c.stream }

// Group returns the consumer group name.
func (c *StreamConsumer) Group() string { return c.group }

// EnsureGroup creates the consumer group, creating the stream if needed.
// An already-existing group is not an error.
func (c *StreamConsumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("create group %s on %s: %w", c.group, c.stream, err)
	}
	return nil
}

// Read blocks up to the configured duration for new messages. A quiet
// stream returns an empty slice, not an error.
func (c *StreamConsumer) Read(ctx context.Context) ([]Message, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    c.batchSize,
		Block:    c.block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group %s on %s: %w", c.group, c.stream, err)
	}

	var messages []Message
	for _, stream := range streams {
		for _, raw := range stream.Messages {
			messages = append(messages, parseMessage(raw))
		}
	}
	return messages, nil
}

// Ack acknowledges one processed message.
func (c *StreamConsumer) Ack(ctx context.Context, messageID string) error {
	if err := c.client.XAck(ctx, c.stream, c.group, messageID).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", messageID, c.stream, err)
	}
	return nil
}

// ClaimStale transfers pending messages idle for at least minIdle to this
// consumer and returns them for reprocessing.
func (c *StreamConsumer) ClaimStale(ctx context.Context, minIdle time.Duration) ([]Message, error) {
	raws, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("autoclaim on %s: %w", c.stream, err)
	}

	var messages []Message
	for _, raw := range raws {
		messages = append(messages, parseMessage(raw))
	}
	return messages, nil
}

// parseMessage decodes a stream entry into the event envelope. Missing or
// malformed fields are left zero; handlers validate what they need.
func parseMessage(raw redis.XMessage) Message {
	msg := Message{ID: raw.ID}

	if v, ok := raw.Values["event_id"].(string); ok {
		msg.Event.EventID = v
	}
	if v, ok := raw.Values["event_type"].(string); ok {
		msg.Event.EventType = domain.EventType(v)
	}
	if v, ok := raw.Values["source"].(string); ok {
		msg.Event.Source = v
	}
	if v, ok := raw.Values["created_at"].(string); ok {
		msg.Event.CreatedAt, _ = time.Parse(time.RFC3339, v)
	}
	if v, ok := raw.Values["payload"].(string); ok {
		msg.Event.Payload = []byte(v)
	}
	if v, ok := raw.Values["metadata"].(string); ok {
		_ = json.Unmarshal([]byte(v), &msg.Event.Metadata)
	}

	return msg
}
