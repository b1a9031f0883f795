package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"kb-engine/internal/domain"
	"kb-engine/internal/infra/metrics"
	"kb-engine/internal/parser"

	"github.com/google/uuid"
)

// mimeByExtension maps the supported extensions to media types. A fixed
// table keeps MimeType independent of the host's /etc/mime.types.
var mimeByExtension = map[string]string{
	"pdf":      "application/pdf",
	"docx":     "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"html":     "text/html",
	"htm":      "text/html",
	"txt":      "text/plain",
	"md":       "text/markdown",
	"markdown": "text/markdown",
}

// UploadDocumentInput carries one uploaded file into the pipeline.
type UploadDocumentInput struct {
	KnowledgeBaseID uuid.UUID
	FileName        string
	// Size is the declared content length in bytes.
	Size int64
	Body io.Reader
}

// DocumentUsecase covers the user-facing document lifecycle: upload into
// the pipeline, status lookup, retry after failure, and full deletion.
type DocumentUsecase interface {
	Upload(ctx context.Context, input UploadDocumentInput) (*domain.Document, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Document, error)
	Retry(ctx context.Context, id uuid.UUID) (*domain.Document, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type documentUsecase struct {
	docRepo     domain.DocumentRepository
	kbRepo      domain.KnowledgeBaseRepository
	blobs       domain.BlobStore
	publisher   domain.EventPublisher
	indexer     Indexer
	maxFileSize int64
	logger      *slog.Logger
}

// NewDocumentUsecase creates a DocumentUsecase.
func NewDocumentUsecase(
	docRepo domain.DocumentRepository,
	kbRepo domain.KnowledgeBaseRepository,
	blobs domain.BlobStore,
	publisher domain.EventPublisher,
	indexer Indexer,
	maxFileSize int64,
	logger *slog.Logger,
) DocumentUsecase {
	return &documentUsecase{
		docRepo:     docRepo,
		kbRepo:      kbRepo,
		blobs:       blobs,
		publisher:   publisher,
		indexer:     indexer,
		maxFileSize: maxFileSize,
		logger:      logger,
	}
}

func (u *documentUsecase) Upload(ctx context.Context, input UploadDocumentInput) (*domain.Document, error) {
	// 1. Validate the target knowledge base and the file itself.
	kb, err := u.kbRepo.GetByID(ctx, input.KnowledgeBaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to get knowledge base: %w", err)
	}
	if kb == nil {
		return nil, domain.ErrKnowledgeBaseNotFound
	}

	ext := parser.NormalizeExtension(filepath.Ext(input.FileName))
	if !parser.Supported(ext) {
		return nil, fmt.Errorf("%w: .%s", domain.ErrUnsupportedFormat, ext)
	}
	if u.maxFileSize > 0 && input.Size > u.maxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds the %d byte cap",
			domain.ErrFileTooLarge, input.Size, u.maxFileSize)
	}

	mimeType, ok := mimeByExtension[ext]
	if !ok {
		mimeType = "application/octet-stream"
	}

	docID := uuid.New()
	storageKey := fmt.Sprintf("%s/%s.%s", kb.ID, docID, ext)

	// 2. Store the raw file before the row exists; an orphaned blob is
	// cheaper to clean up than a row pointing at nothing.
	written, err := u.blobs.Save(ctx, storageKey, input.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}
	if u.maxFileSize > 0 && written > u.maxFileSize {
		if delErr := u.blobs.Delete(ctx, storageKey); delErr != nil {
			u.logger.Warn("oversized_blob_cleanup_failed",
				slog.String("storage_key", storageKey),
				slog.String("error", delErr.Error()))
		}
		return nil, fmt.Errorf("%w: %d bytes exceeds the %d byte cap",
			domain.ErrFileTooLarge, written, u.maxFileSize)
	}

	now := time.Now().UTC()
	doc := &domain.Document{
		ID:              docID,
		KnowledgeBaseID: kb.ID,
		FileName:        input.FileName,
		Extension:       ext,
		MimeType:        mimeType,
		Size:            written,
		StorageKey:      storageKey,
		Status:          domain.StatusUploading,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// 3. Create the row, then hand the document to the pipeline.
	if err := u.docRepo.Create(ctx, doc); err != nil {
		if delErr := u.blobs.Delete(ctx, storageKey); delErr != nil {
			u.logger.Warn("orphaned_blob_cleanup_failed",
				slog.String("storage_key", storageKey),
				slog.String("error", delErr.Error()))
		}
		return nil, fmt.Errorf("failed to create document: %w", err)
	}

	if err := u.publishUploaded(ctx, doc); err != nil {
		// The row and blob stay; the user sees a failed document and can retry.
		if failErr := u.docRepo.MarkFailed(ctx, doc.ID, "failed to enqueue parse task"); failErr != nil {
			u.logger.Error("mark_failed_after_publish_error",
				slog.String("document_id", doc.ID.String()),
				slog.String("error", failErr.Error()))
		}
		return nil, fmt.Errorf("failed to publish upload event: %w", err)
	}

	metrics.RecordUpload(mimeType)
	u.logger.Info("document_uploaded",
		slog.String("document_id", doc.ID.String()),
		slog.String("knowledge_base_id", kb.ID.String()),
		slog.String("file_name", doc.FileName),
		slog.Int64("size_bytes", written))

	return doc, nil
}

func (u *documentUsecase) Get(ctx context.Context, id uuid.UUID) (*domain.Document, error) {
	doc, err := u.docRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	if doc == nil {
		return nil, domain.ErrDocumentNotFound
	}
	return doc, nil
}

// Retry re-enqueues a failed document from the beginning of the pipeline.
// The delete-then-insert index writes make the rerun idempotent, so any
// partial state from the failed run self-heals.
func (u *documentUsecase) Retry(ctx context.Context, id uuid.UUID) (*domain.Document, error) {
	doc, err := u.docRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	if doc == nil {
		return nil, domain.ErrDocumentNotFound
	}
	if !doc.Retryable() {
		return nil, fmt.Errorf("%w: cannot retry document in status %q",
			domain.ErrInvalidStatusTransition, doc.Status)
	}

	if err := u.docRepo.SetStatus(ctx, doc.ID, domain.StatusUploading); err != nil {
		return nil, fmt.Errorf("failed to reset document status: %w", err)
	}
	doc.Status = domain.StatusUploading
	doc.ErrorMsg = ""

	if err := u.publishUploaded(ctx, doc); err != nil {
		if failErr := u.docRepo.MarkFailed(ctx, doc.ID, "failed to enqueue retry"); failErr != nil {
			u.logger.Error("mark_failed_after_publish_error",
				slog.String("document_id", doc.ID.String()),
				slog.String("error", failErr.Error()))
		}
		return nil, fmt.Errorf("failed to publish retry event: %w", err)
	}

	u.logger.Info("document_retry_enqueued",
		slog.String("document_id", doc.ID.String()),
		slog.String("knowledge_base_id", doc.KnowledgeBaseID.String()))

	return doc, nil
}

// Delete purges a document: both search indexes first, then the stored
// blob, then the row. Index cleanup failing leaves the row in place so the
// user can retry the deletion.
func (u *documentUsecase) Delete(ctx context.Context, id uuid.UUID) error {
	doc, err := u.docRepo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get document: %w", err)
	}
	if doc == nil {
		return domain.ErrDocumentNotFound
	}

	if err := u.indexer.Remove(ctx, doc.ID); err != nil {
		return fmt.Errorf("failed to remove document from indexes: %w", err)
	}

	if err := u.blobs.Delete(ctx, doc.StorageKey); err != nil {
		u.logger.Warn("blob_delete_failed",
			slog.String("document_id", doc.ID.String()),
			slog.String("storage_key", doc.StorageKey),
			slog.String("error", err.Error()))
	}

	if err := u.docRepo.Delete(ctx, doc.ID); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	u.refreshKnowledgeBaseStats(ctx, doc.KnowledgeBaseID)

	u.logger.Info("document_deleted",
		slog.String("document_id", doc.ID.String()),
		slog.String("knowledge_base_id", doc.KnowledgeBaseID.String()))

	return nil
}

func (u *documentUsecase) publishUploaded(ctx context.Context, doc *domain.Document) error {
	event, err := domain.NewEvent(domain.EventTypeDocumentUploaded, domain.DocumentUploadedPayload{
		DocumentID:      doc.ID,
		KnowledgeBaseID: doc.KnowledgeBaseID,
		StorageKey:      doc.StorageKey,
		FileName:        doc.FileName,
		Extension:       doc.Extension,
		MimeType:        doc.MimeType,
		Size:            doc.Size,
	})
	if err != nil {
		return err
	}
	return u.publisher.Publish(ctx, event)
}

// refreshKnowledgeBaseStats recomputes the denormalized counters. Stats are
// advisory, so failures only warn.
func (u *documentUsecase) refreshKnowledgeBaseStats(ctx context.Context, kbID uuid.UUID) {
	docCount, chunkTotal, err := u.docRepo.CompletedStats(ctx, kbID)
	if err != nil {
		u.logger.Warn("knowledge_base_stats_refresh_failed",
			slog.String("knowledge_base_id", kbID.String()),
			slog.String("error", err.Error()))
		return
	}
	if err := u.kbRepo.UpdateStats(ctx, kbID, docCount, chunkTotal); err != nil {
		u.logger.Warn("knowledge_base_stats_refresh_failed",
			slog.String("knowledge_base_id", kbID.String()),
			slog.String("error", err.Error()))
	}
}
