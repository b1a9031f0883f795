package domain

import (
	"context"

	"github.com/google/uuid"
)

// FullTextIndex defines the keyword-search side of chunk persistence.
// Implementations mirror the chunk rows under the same IDs as the vector
// store so fusion can join hits without a lookup table.
type FullTextIndex interface {
	// IndexChunks adds (or replaces) the document's chunks in the index and
	// waits for the write to become searchable.
	IndexChunks(ctx context.Context, doc *Document, chunks []Chunk) error

	// DeleteByDocument removes every indexed chunk of the document.
	DeleteByDocument(ctx context.Context, documentID uuid.UUID) error

	// Search performs keyword search within the given knowledge bases.
	// Scores are normalized to [0,1], best first.
	Search(ctx context.Context, query string, knowledgeBaseIDs []uuid.UUID, limit int) ([]KeywordHit, error)
}
