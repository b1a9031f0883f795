package repository

import (
	"context"
	"errors"
	"fmt"

	"kb-engine/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type knowledgeBaseRepository struct {
	pool *pgxpool.Pool
}

// NewKnowledgeBaseRepository creates a new KnowledgeBaseRepository backed by Postgres.
func NewKnowledgeBaseRepository(pool *pgxpool.Pool) domain.KnowledgeBaseRepository {
	return &knowledgeBaseRepository{pool: pool}
}

func (r *knowledgeBaseRepository) getExecutor(ctx context.Context) dbExecutor {
	tx := ExtractTx(ctx)
	if tx != nil {
		return tx
	}
	return r.pool
}

func (r *knowledgeBaseRepository) Create(ctx context.Context, kb *domain.KnowledgeBase) error {
	query := `
		INSERT INTO kb_knowledge_bases (id, name, embedding_model, chunk_size, chunk_overlap, document_count, chunk_total, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.getExecutor(ctx).Exec(ctx, query,
		kb.ID, kb.Name, kb.EmbeddingModel, kb.ChunkSize, kb.ChunkOverlap,
		kb.DocumentCount, kb.ChunkTotal, kb.CreatedAt, kb.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert knowledge base: %w", err)
	}
	return nil
}

func (r *knowledgeBaseRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.KnowledgeBase, error) {
	query := `
		SELECT id, name, embedding_model, chunk_size, chunk_overlap, document_count, chunk_total, created_at, updated_at
		FROM kb_knowledge_bases
		WHERE id = $1
	`
	row := r.getExecutor(ctx).QueryRow(ctx, query, id)

	var kb domain.KnowledgeBase
	err := row.Scan(&kb.ID, &kb.Name, &kb.EmbeddingModel, &kb.ChunkSize, &kb.ChunkOverlap,
		&kb.DocumentCount, &kb.ChunkTotal, &kb.CreatedAt, &kb.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan knowledge base: %w", err)
	}
	return &kb, nil
}

func (r *knowledgeBaseRepository) UpdateStats(ctx context.Context, id uuid.UUID, documentCount, chunkTotal int) error {
	query := `
		UPDATE kb_knowledge_bases
		SET document_count = $1, chunk_total = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := r.getExecutor(ctx).Exec(ctx, query, documentCount, chunkTotal, id)
	if err != nil {
		return fmt.Errorf("failed to update knowledge base stats: %w", err)
	}
	return nil
}
