// Package queue provides the Redis Streams transport between pipeline stages:
// event publishing, consumer-group reads, and the per-document index lock.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"kb-engine/internal/domain"
)

// createdAtFormat is RFC3339 with milliseconds, matching what consumers parse.
const createdAtFormat = "2006-01-02T15:04:05.000Z07:00"

// Publisher publishes stage events onto their streams.
type Publisher struct {
	client *redis.Client
	logger *slog.Logger
}

var _ domain.EventPublisher = (*Publisher)(nil)

// NewPublisher creates a Publisher on an existing Redis connection.
func NewPublisher(client *redis.Client, logger *slog.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// Publish appends the event to the stream its type maps to.
func (p *Publisher) Publish(ctx context.Context, event *domain.Event) error {
	if event == nil {
		return errors.New("event is nil")
	}
	if err := event.Validate(); err != nil {
		return err
	}

	stream, err := domain.StreamFor(event.EventType)
	if err != nil {
		return err
	}

	messageID, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: eventToValues(event),
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd to %s: %w", stream, err)
	}

	p.logger.Debug("event_published",
		"stream", stream,
		"event_type", string(event.EventType),
		"event_id", event.EventID,
		"message_id", messageID,
	)

	return nil
}

// eventToValues converts an Event to the field map stored in the stream entry.
func eventToValues(event *domain.Event) map[string]interface{} {
	values := map[string]interface{}{
		"event_id":   event.EventID,
		"event_type": string(event.EventType),
		"source":     event.Source,
		"created_at": event.CreatedAt.Format(createdAtFormat),
	}

	if len(event.Payload) > 0 {
		values["payload"] = string(event.Payload)
	}

	if len(event.Metadata) > 0 {
		metadataJSON, _ := json.Marshal(event.Metadata)
		values["metadata"] = string(metadataJSON)
	}

	return values
}
