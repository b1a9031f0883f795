package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"kb-engine/internal/domain"
	"kb-engine/internal/infra/logger"
	"kb-engine/internal/infra/metrics"
	"kb-engine/internal/parser"
)

type parseStage struct {
	docRepo   domain.DocumentRepository
	blobs     domain.BlobStore
	parser    *parser.Parser
	publisher domain.EventPublisher
	logs      *logger.ContextLogger
}

// NewParseStage creates the handler for DocumentUploaded events: load the
// stored file, extract plain text, hand it to the split stage.
func NewParseStage(
	docRepo domain.DocumentRepository,
	blobs domain.BlobStore,
	p *parser.Parser,
	publisher domain.EventPublisher,
	logs *logger.ContextLogger,
) StageHandler {
	return &parseStage{
		docRepo:   docRepo,
		blobs:     blobs,
		parser:    p,
		publisher: publisher,
		logs:      logs,
	}
}

func (s *parseStage) Stage() string { return "parse" }

func (s *parseStage) Handle(ctx context.Context, event *domain.Event) error {
	start := time.Now()

	var payload domain.DocumentUploadedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		// A payload that cannot be decoded will never decode on redelivery.
		s.logs.WithContext(ctx).Error("stage_payload_invalid",
			slog.String("stage", s.Stage()),
			slog.String("event_id", event.EventID),
			slog.String("error", err.Error()))
		return nil
	}

	ctx = logger.WithDocumentID(ctx, payload.DocumentID.String())
	ctx = logger.WithKnowledgeBaseID(ctx, payload.KnowledgeBaseID.String())
	ctx = logger.WithStage(ctx, s.Stage())
	log := s.logs.WithContext(ctx)

	// 1. Load the document; deleted mid-flight means ack and move on.
	doc, err := loadDocument(ctx, s.docRepo, payload.DocumentID, s.Stage(), log)
	if err != nil {
		return err
	}
	if doc == nil {
		return nil
	}

	// 2. Claim the document for this stage.
	if err := s.docRepo.SetStatus(ctx, doc.ID, domain.StatusParsing); err != nil {
		return fmt.Errorf("failed to set status parsing: %w", err)
	}

	// 3. Read the stored file.
	data, err := s.blobs.Load(ctx, doc.StorageKey)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return failDocument(ctx, s.docRepo, log, s.Stage(), doc.ID, start,
				fmt.Errorf("stored file missing: %w", err))
		}
		return fmt.Errorf("failed to load stored file: %w", err)
	}

	// 4. Extract plain text.
	text, err := s.parser.Parse(ctx, data, doc.Extension)
	if err != nil {
		if domain.IsTerminalDocumentError(err) {
			return failDocument(ctx, s.docRepo, log, s.Stage(), doc.ID, start, err)
		}
		return fmt.Errorf("parse interrupted: %w", err)
	}

	// 5. Hand the text to the split stage.
	next, err := domain.NewEvent(domain.EventTypeDocumentParsed, domain.DocumentParsedPayload{
		DocumentID:      doc.ID,
		KnowledgeBaseID: doc.KnowledgeBaseID,
		Text:            text,
	})
	if err != nil {
		return fmt.Errorf("failed to build parsed event: %w", err)
	}
	if err := s.publisher.Publish(ctx, next); err != nil {
		return fmt.Errorf("failed to publish parsed event: %w", err)
	}

	metrics.RecordStage(s.Stage(), "success", time.Since(start).Seconds())
	log.Info("document_parsed",
		slog.Int("text_len", len(text)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))

	return nil
}
