package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultChunkSize is the chunk size (in runes) used when a knowledge base
	// is created without one.
	DefaultChunkSize = 500
	// DefaultChunkOverlap is the overlap (in runes) used when a knowledge base
	// is created without one.
	DefaultChunkOverlap = 50
)

// KnowledgeBase is a tenant-scoped collection of documents sharing one
// embedding model and one set of chunking parameters. The parameters are
// fixed at creation: changing them would silently mix chunk geometries
// within one index.
type KnowledgeBase struct {
	ID             uuid.UUID
	Name           string
	EmbeddingModel string
	ChunkSize      int
	ChunkOverlap   int
	DocumentCount  int
	ChunkTotal     int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewKnowledgeBase builds a knowledge base with defaults applied.
// Zero or negative chunk parameters fall back to the defaults.
func NewKnowledgeBase(name, embeddingModel string, chunkSize, chunkOverlap int) *KnowledgeBase {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 {
		chunkOverlap = DefaultChunkOverlap
	}
	if chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 10
	}
	now := time.Now().UTC()
	return &KnowledgeBase{
		ID:             uuid.New(),
		Name:           name,
		EmbeddingModel: embeddingModel,
		ChunkSize:      chunkSize,
		ChunkOverlap:   chunkOverlap,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
