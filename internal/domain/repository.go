package domain

import (
	"context"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// DocumentRepository defines the operations for managing document rows.
type DocumentRepository interface {
	// Create inserts a new document row.
	Create(ctx context.Context, doc *Document) error

	// GetByID retrieves a document by its ID.
	// Returns nil, nil if not found.
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)

	// SetStatus moves the document to status and clears any error message.
	SetStatus(ctx context.Context, id uuid.UUID, status DocumentStatus) error

	// MarkFailed sets status=failed with a human-readable error message.
	MarkFailed(ctx context.Context, id uuid.UUID, errorMsg string) error

	// MarkCompleted sets status=completed and records the final chunk count.
	MarkCompleted(ctx context.Context, id uuid.UUID, chunkCount int) error

	// Delete removes the document row. Deleting a missing row is not an error.
	Delete(ctx context.Context, id uuid.UUID) error

	// CompletedStats returns the number of completed documents and the sum of
	// their chunk counts for one knowledge base.
	CompletedStats(ctx context.Context, knowledgeBaseID uuid.UUID) (documentCount, chunkTotal int, err error)
}

// KnowledgeBaseRepository defines the operations for managing knowledge bases.
type KnowledgeBaseRepository interface {
	// Create inserts a new knowledge base row.
	Create(ctx context.Context, kb *KnowledgeBase) error

	// GetByID retrieves a knowledge base by its ID.
	// Returns nil, nil if not found.
	GetByID(ctx context.Context, id uuid.UUID) (*KnowledgeBase, error)

	// UpdateStats overwrites the denormalized document/chunk counters.
	UpdateStats(ctx context.Context, id uuid.UUID, documentCount, chunkTotal int) error
}

// ChunkRepository defines the vector-store side of chunk persistence.
type ChunkRepository interface {
	// InsertChunks bulk-inserts chunks with their embeddings.
	InsertChunks(ctx context.Context, chunks []Chunk) error

	// DeleteByDocument removes every chunk belonging to the document.
	// Returns the number of rows removed.
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) (int64, error)

	// Search returns the chunks nearest to the query embedding within the
	// given knowledge bases, scored in [0,1], best first.
	Search(ctx context.Context, embedding pgvector.Vector, knowledgeBaseIDs []uuid.UUID, limit int) ([]VectorHit, error)
}

// TransactionManager defines the interface for handling database transactions.
type TransactionManager interface {
	// RunInTx executes the given function within a transaction.
	// Repository calls made with the ctx passed to fn join that transaction.
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// DocumentLocker serializes concurrent reindexes of the same document.
type DocumentLocker interface {
	// Lock acquires a short-lived exclusive lock for the document.
	// Returns ErrDocumentBusy when another worker holds it. The returned
	// function releases the lock and is safe to call once.
	Lock(ctx context.Context, documentID uuid.UUID) (func(), error)
}
