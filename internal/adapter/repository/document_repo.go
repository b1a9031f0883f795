package repository

import (
	"context"
	"errors"
	"fmt"

	"kb-engine/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

type documentRepository struct {
	pool *pgxpool.Pool
}

// NewDocumentRepository creates a new DocumentRepository backed by Postgres.
func NewDocumentRepository(pool *pgxpool.Pool) domain.DocumentRepository {
	return &documentRepository{pool: pool}
}

func (r *documentRepository) getExecutor(ctx context.Context) dbExecutor {
	tx := ExtractTx(ctx)
	if tx != nil {
		return tx
	}
	return r.pool
}

func (r *documentRepository) Create(ctx context.Context, doc *domain.Document) error {
	query := `
		INSERT INTO kb_documents (id, knowledge_base_id, file_name, extension, mime_type, size_bytes, storage_key, status, chunk_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.getExecutor(ctx).Exec(ctx, query,
		doc.ID, doc.KnowledgeBaseID, doc.FileName, doc.Extension, doc.MimeType,
		doc.Size, doc.StorageKey, string(doc.Status), doc.ChunkCount, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

func (r *documentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Document, error) {
	query := `
		SELECT id, knowledge_base_id, file_name, extension, mime_type, size_bytes, storage_key, status, chunk_count, error_msg, created_at, updated_at
		FROM kb_documents
		WHERE id = $1
	`
	row := r.getExecutor(ctx).QueryRow(ctx, query, id)

	var doc domain.Document
	var status string
	var errorMsg pgtype.Text
	err := row.Scan(&doc.ID, &doc.KnowledgeBaseID, &doc.FileName, &doc.Extension, &doc.MimeType,
		&doc.Size, &doc.StorageKey, &status, &doc.ChunkCount, &errorMsg, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}

	doc.Status = domain.DocumentStatus(status)
	doc.ErrorMsg = errorMsg.String

	return &doc, nil
}

func (r *documentRepository) SetStatus(ctx context.Context, id uuid.UUID, status domain.DocumentStatus) error {
	query := `
		UPDATE kb_documents
		SET status = $1, error_msg = NULL, updated_at = NOW()
		WHERE id = $2
	`
	_, err := r.getExecutor(ctx).Exec(ctx, query, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	return nil
}

func (r *documentRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string) error {
	query := `
		UPDATE kb_documents
		SET status = $1, error_msg = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := r.getExecutor(ctx).Exec(ctx, query, string(domain.StatusFailed), errorMsg, id)
	if err != nil {
		return fmt.Errorf("failed to mark document failed: %w", err)
	}
	return nil
}

func (r *documentRepository) MarkCompleted(ctx context.Context, id uuid.UUID, chunkCount int) error {
	query := `
		UPDATE kb_documents
		SET status = $1, chunk_count = $2, error_msg = NULL, updated_at = NOW()
		WHERE id = $3
	`
	_, err := r.getExecutor(ctx).Exec(ctx, query, string(domain.StatusCompleted), chunkCount, id)
	if err != nil {
		return fmt.Errorf("failed to mark document completed: %w", err)
	}
	return nil
}

func (r *documentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.getExecutor(ctx).Exec(ctx, `DELETE FROM kb_documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

func (r *documentRepository) CompletedStats(ctx context.Context, knowledgeBaseID uuid.UUID) (int, int, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(chunk_count), 0)
		FROM kb_documents
		WHERE knowledge_base_id = $1 AND status = $2
	`
	row := r.getExecutor(ctx).QueryRow(ctx, query, knowledgeBaseID, string(domain.StatusCompleted))

	var documentCount, chunkTotal int
	if err := row.Scan(&documentCount, &chunkTotal); err != nil {
		return 0, 0, fmt.Errorf("failed to scan knowledge base stats: %w", err)
	}
	return documentCount, chunkTotal, nil
}
