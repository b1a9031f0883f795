package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"kb-engine/internal/domain"
	"kb-engine/internal/infra/metrics"
)

// Indexer owns the dual-store chunk writes. Reindex is idempotent: it
// always deletes before inserting, under a per-document lock, so a
// redelivered message converges on exactly one copy of every chunk.
type Indexer interface {
	// Reindex replaces the document's chunks in both stores. The chunks
	// must already carry embeddings.
	Reindex(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) error

	// Remove deletes the document's chunks from both stores.
	Remove(ctx context.Context, documentID uuid.UUID) error
}

type indexer struct {
	chunkRepo domain.ChunkRepository
	fulltext  domain.FullTextIndex
	txManager domain.TransactionManager
	locker    domain.DocumentLocker
	logger    *slog.Logger
}

func NewIndexer(
	chunkRepo domain.ChunkRepository,
	fulltext domain.FullTextIndex,
	txManager domain.TransactionManager,
	locker domain.DocumentLocker,
	logger *slog.Logger,
) Indexer {
	return &indexer{
		chunkRepo: chunkRepo,
		fulltext:  fulltext,
		txManager: txManager,
		locker:    locker,
		logger:    logger,
	}
}

func (i *indexer) Reindex(ctx context.Context, doc *domain.Document, chunks []domain.Chunk) error {
	release, err := i.locker.Lock(ctx, doc.ID)
	if err != nil {
		// ErrDocumentBusy stays infra-level: the message is redelivered.
		return err
	}
	defer release()

	// 1. Clear the keyword index first: a stale keyword hit whose vector
	// row is gone is worse than a brief search gap.
	if err := i.fulltext.DeleteByDocument(ctx, doc.ID); err != nil {
		metrics.RecordIndexWrite("fulltext", "error")
		return i.writeFailed(ctx, doc.ID, "fulltext", "fulltext delete failed before any write", err)
	}

	// 2. Replace the vector rows atomically.
	err = i.txManager.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := i.chunkRepo.DeleteByDocument(ctx, doc.ID); err != nil {
			return fmt.Errorf("failed to delete chunk rows: %w", err)
		}
		if err := i.chunkRepo.InsertChunks(ctx, chunks); err != nil {
			return fmt.Errorf("failed to insert chunk rows: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.RecordIndexWrite("vector", "error")
		return i.writeFailed(ctx, doc.ID, "vector", "fulltext cleared, vector transaction rolled back", err)
	}
	metrics.RecordIndexWrite("vector", "ok")

	// 3. Re-add the keyword side and wait until it is searchable.
	if err := i.fulltext.IndexChunks(ctx, doc, chunks); err != nil {
		metrics.RecordIndexWrite("fulltext", "error")
		return i.writeFailed(ctx, doc.ID, "fulltext", "vector rows written, fulltext add failed", err)
	}
	metrics.RecordIndexWrite("fulltext", "ok")

	i.logger.Info("document_indexed",
		"document_id", doc.ID.String(),
		"knowledge_base_id", doc.KnowledgeBaseID.String(),
		"chunk_count", len(chunks))
	return nil
}

func (i *indexer) Remove(ctx context.Context, documentID uuid.UUID) error {
	release, err := i.locker.Lock(ctx, documentID)
	if err != nil {
		return err
	}
	defer release()

	if err := i.fulltext.DeleteByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("failed to delete from fulltext index: %w", err)
	}
	removed, err := i.chunkRepo.DeleteByDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete chunk rows: %w", err)
	}

	i.logger.Info("document_deindexed",
		"document_id", documentID.String(),
		"chunks_removed", removed)
	return nil
}

// writeFailed wraps a store failure. A dead stage context stays infra-level
// so shutdown mid-write redelivers instead of failing the document; the
// rerun repeats the full delete-then-insert sequence.
func (i *indexer) writeFailed(ctx context.Context, documentID uuid.UUID, store, partialState string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("index write interrupted on %s store: %w", store, err)
	}
	return &domain.IndexWriteFailedError{
		DocumentID:   documentID.String(),
		Store:        store,
		PartialState: partialState,
		Err:          err,
	}
}
