package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a pipeline stage event.
type EventType string

const (
	// EventTypeDocumentUploaded is emitted after the raw file is stored.
	EventTypeDocumentUploaded EventType = "DocumentUploaded"
	// EventTypeDocumentParsed is emitted when plain text has been extracted.
	EventTypeDocumentParsed EventType = "DocumentParsed"
	// EventTypeDocumentChunked is emitted when the text has been split.
	EventTypeDocumentChunked EventType = "DocumentChunked"
)

// EventSource is stamped on every event this service publishes.
const EventSource = "kb-engine"

// Stream and consumer-group names for the three pipeline stages.
const (
	StreamDocumentUploaded = "kb:document:uploaded"
	StreamDocumentParsed   = "kb:document:parsed"
	StreamDocumentChunked  = "kb:document:chunked"

	GroupParserWorkers     = "parser-workers"
	GroupSplitterWorkers   = "splitter-workers"
	GroupVectorizerWorkers = "vectorizer-workers"
)

// StreamFor maps an event type to the stream it is published on.
func StreamFor(eventType EventType) (string, error) {
	switch eventType {
	case EventTypeDocumentUploaded:
		return StreamDocumentUploaded, nil
	case EventTypeDocumentParsed:
		return StreamDocumentParsed, nil
	case EventTypeDocumentChunked:
		return StreamDocumentChunked, nil
	}
	return "", fmt.Errorf("no stream for event type %q", eventType)
}

// Event is the envelope published to Redis Streams between pipeline stages.
type Event struct {
	// EventID is the unique identifier for this event (UUID v4).
	EventID string
	// EventType identifies what kind of event this is.
	EventType EventType
	// Source identifies the service that produced this event.
	Source string
	// CreatedAt is when the event was created.
	CreatedAt time.Time
	// Payload contains the stage-specific data as JSON.
	Payload []byte
	// Metadata contains additional context (tracing, correlation IDs).
	Metadata map[string]string
}

// NewEvent creates an Event with a generated UUID and the current timestamp.
// The payload is marshaled to JSON.
func NewEvent(eventType EventType, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}

	event := &Event{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Source:    EventSource,
		CreatedAt: time.Now(),
		Payload:   data,
	}

	if err := event.Validate(); err != nil {
		return nil, err
	}

	return event, nil
}

// Validate checks if the event has all required fields.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	if e.EventType == "" {
		return errors.New("event_type is required")
	}
	if e.Source == "" {
		return errors.New("source is required")
	}
	if e.CreatedAt.IsZero() {
		return errors.New("created_at is required")
	}
	return nil
}

// DocumentUploadedPayload is carried by EventTypeDocumentUploaded.
type DocumentUploadedPayload struct {
	DocumentID      uuid.UUID `json:"document_id"`
	KnowledgeBaseID uuid.UUID `json:"knowledge_base_id"`
	StorageKey      string    `json:"storage_key"`
	FileName        string    `json:"file_name"`
	Extension       string    `json:"extension"`
	MimeType        string    `json:"mime_type"`
	Size            int64     `json:"size"`
}

// DocumentParsedPayload is carried by EventTypeDocumentParsed.
type DocumentParsedPayload struct {
	DocumentID      uuid.UUID `json:"document_id"`
	KnowledgeBaseID uuid.UUID `json:"knowledge_base_id"`
	Text            string    `json:"text"`
}

// ChunkPayload is one split piece inside DocumentChunkedPayload.
type ChunkPayload struct {
	ID          string `json:"id"`
	Seq         int    `json:"seq"`
	Content     string `json:"content"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
}

// DocumentChunkedPayload is carried by EventTypeDocumentChunked.
type DocumentChunkedPayload struct {
	DocumentID      uuid.UUID      `json:"document_id"`
	KnowledgeBaseID uuid.UUID      `json:"knowledge_base_id"`
	Chunks          []ChunkPayload `json:"chunks"`
}

// EventPublisher publishes stage events onto the pipeline bus.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}
