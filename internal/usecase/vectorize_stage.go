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

type vectorizeStage struct {
	docRepo     domain.DocumentRepository
	kbRepo      domain.KnowledgeBaseRepository
	embedderFor EmbedderFactory
	indexer     Indexer
	logs        *logger.ContextLogger
}

// NewVectorizeStage creates the handler for DocumentChunked events: embed
// every chunk with the knowledge base's model, write both indexes, and
// complete the document.
func NewVectorizeStage(
	docRepo domain.DocumentRepository,
	kbRepo domain.KnowledgeBaseRepository,
	embedderFor EmbedderFactory,
	indexer Indexer,
	logs *logger.ContextLogger,
) StageHandler {
	return &vectorizeStage{
		docRepo:     docRepo,
		kbRepo:      kbRepo,
		embedderFor: embedderFor,
		indexer:     indexer,
		logs:        logs,
	}
}

func (s *vectorizeStage) Stage() string { return "vectorize" }

func (s *vectorizeStage) Handle(ctx context.Context, event *domain.Event) error {
	start := time.Now()

	var payload domain.DocumentChunkedPayload
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

	// 1. Load the document. If it was deleted while the event sat in the
	// stream, clear whatever a previous run may have indexed, then ack.
	doc, err := loadDocument(ctx, s.docRepo, payload.DocumentID, s.Stage(), log)
	if err != nil {
		return err
	}
	if doc == nil {
		if err := s.indexer.Remove(ctx, payload.DocumentID); err != nil {
			return fmt.Errorf("failed to clean indexes of deleted document: %w", err)
		}
		return nil
	}

	if err := s.docRepo.SetStatus(ctx, doc.ID, domain.StatusEmbedding); err != nil {
		return fmt.Errorf("failed to set status embedding: %w", err)
	}

	kb, err := s.kbRepo.GetByID(ctx, doc.KnowledgeBaseID)
	if err != nil {
		return fmt.Errorf("failed to get knowledge base: %w", err)
	}
	if kb == nil {
		return failDocument(ctx, s.docRepo, log, s.Stage(), doc.ID, start,
			fmt.Errorf("knowledge base %s no longer exists", doc.KnowledgeBaseID))
	}

	chunks := make([]domain.Chunk, len(payload.Chunks))
	for i, c := range payload.Chunks {
		chunks[i] = domain.Chunk{
			ID:              c.ID,
			DocumentID:      doc.ID,
			KnowledgeBaseID: doc.KnowledgeBaseID,
			Seq:             c.Seq,
			Content:         c.Content,
			StartOffset:     c.StartOffset,
			EndOffset:       c.EndOffset,
		}
	}

	// 2. Embed all chunks or none.
	embedded, err := s.embedderFor(kb.EmbeddingModel).EmbedChunks(ctx, chunks)
	if err != nil {
		if domain.IsTerminalDocumentError(err) {
			return failDocument(ctx, s.docRepo, log, s.Stage(), doc.ID, start, err)
		}
		return err
	}

	// 3. Delete-then-insert both indexes.
	if err := s.indexer.Reindex(ctx, doc, embedded); err != nil {
		if domain.IsTerminalDocumentError(err) {
			return failDocument(ctx, s.docRepo, log, s.Stage(), doc.ID, start, err)
		}
		return err
	}

	// 4. The document may have been deleted while the index writes ran.
	// Completing it now would resurrect a deleted document, so check first
	// and undo the writes instead.
	current, err := s.docRepo.GetByID(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("failed to re-check document: %w", err)
	}
	if current == nil {
		log.Warn("document_deleted_during_indexing")
		if err := s.indexer.Remove(ctx, doc.ID); err != nil {
			return fmt.Errorf("failed to clean indexes of deleted document: %w", err)
		}
		return nil
	}

	// 5. Complete and refresh the knowledge base counters.
	if err := s.docRepo.MarkCompleted(ctx, doc.ID, len(embedded)); err != nil {
		return fmt.Errorf("failed to mark document completed: %w", err)
	}

	docCount, chunkTotal, err := s.docRepo.CompletedStats(ctx, kb.ID)
	if err == nil {
		err = s.kbRepo.UpdateStats(ctx, kb.ID, docCount, chunkTotal)
	}
	if err != nil {
		log.Warn("knowledge_base_stats_refresh_failed", slog.String("error", err.Error()))
	}

	metrics.RecordStage(s.Stage(), "success", time.Since(start).Seconds())
	log.Info("document_completed",
		slog.Int("chunk_count", len(embedded)),
		slog.String("embedding_model", kb.EmbeddingModel),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))

	return nil
}
