package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"kb-engine/internal/domain"
	"kb-engine/internal/infra/logger"
	"kb-engine/internal/infra/metrics"
)

type splitStage struct {
	docRepo   domain.DocumentRepository
	kbRepo    domain.KnowledgeBaseRepository
	publisher domain.EventPublisher
	logs      *logger.ContextLogger
}

// NewSplitStage creates the handler for DocumentParsed events: split the
// text with the knowledge base's chunking parameters and hand the chunks to
// the vectorize stage.
func NewSplitStage(
	docRepo domain.DocumentRepository,
	kbRepo domain.KnowledgeBaseRepository,
	publisher domain.EventPublisher,
	logs *logger.ContextLogger,
) StageHandler {
	return &splitStage{
		docRepo:   docRepo,
		kbRepo:    kbRepo,
		publisher: publisher,
		logs:      logs,
	}
}

func (s *splitStage) Stage() string { return "split" }

func (s *splitStage) Handle(ctx context.Context, event *domain.Event) error {
	start := time.Now()

	var payload domain.DocumentParsedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
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

	doc, err := loadDocument(ctx, s.docRepo, payload.DocumentID, s.Stage(), log)
	if err != nil {
		return err
	}
	if doc == nil {
		return nil
	}

	if err := s.docRepo.SetStatus(ctx, doc.ID, domain.StatusSplitting); err != nil {
		return fmt.Errorf("failed to set status splitting: %w", err)
	}

	// Chunking parameters live on the knowledge base so every document in
	// it shares one chunk geometry.
	kb, err := s.kbRepo.GetByID(ctx, doc.KnowledgeBaseID)
	if err != nil {
		return fmt.Errorf("failed to get knowledge base: %w", err)
	}
	if kb == nil {
		return failDocument(ctx, s.docRepo, log, s.Stage(), doc.ID, start,
			fmt.Errorf("knowledge base %s no longer exists", doc.KnowledgeBaseID))
	}

	pieces, err := domain.Split(payload.Text, kb.ChunkSize, kb.ChunkOverlap)
	if err != nil {
		if domain.IsTerminalDocumentError(err) {
			return failDocument(ctx, s.docRepo, log, s.Stage(), doc.ID, start, err)
		}
		return fmt.Errorf("split interrupted: %w", err)
	}

	chunks := make([]domain.ChunkPayload, len(pieces))
	for i, piece := range pieces {
		chunks[i] = domain.ChunkPayload{
			ID:          domain.ChunkID(doc.ID, i),
			Seq:         i,
			Content:     piece.Content,
			StartOffset: piece.StartOffset,
			EndOffset:   piece.EndOffset,
		}
	}

	next, err := domain.NewEvent(domain.EventTypeDocumentChunked, domain.DocumentChunkedPayload{
		DocumentID:      doc.ID,
		KnowledgeBaseID: doc.KnowledgeBaseID,
		Chunks:          chunks,
	})
	if err != nil {
		return fmt.Errorf("failed to build chunked event: %w", err)
	}
	if err := s.publisher.Publish(ctx, next); err != nil {
		return fmt.Errorf("failed to publish chunked event: %w", err)
	}

	metrics.RecordStage(s.Stage(), "success", time.Since(start).Seconds())
	log.Info("document_split",
		slog.Int("chunk_count", len(chunks)),
		slog.Int("chunk_size", kb.ChunkSize),
		slog.Int("chunk_overlap", kb.ChunkOverlap),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))

	return nil
}
