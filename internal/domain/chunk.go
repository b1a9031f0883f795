package domain

import (
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Chunk is one piece of a parsed document. Its ID is derived from the
// document id and the sequence number, so both stores address the same
// chunk by the same key without a lookup table.
type Chunk struct {
	ID              string
	DocumentID      uuid.UUID
	KnowledgeBaseID uuid.UUID
	Seq             int
	Content         string
	StartOffset     int // rune offset into the parsed text
	EndOffset       int
	Embedding       pgvector.Vector
}

// ChunkID derives the stable chunk identifier for a document and sequence number.
func ChunkID(documentID uuid.UUID, seq int) string {
	return fmt.Sprintf("%s_%d", documentID, seq)
}

// TruncateBytes caps s at max bytes without splitting a UTF-8 sequence.
// The cut falls on the last rune boundary at or before max.
func TruncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 0 {
		return ""
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// VectorHit is a vector search result with its cosine-derived score in [0,1].
type VectorHit struct {
	ChunkID    string
	DocumentID uuid.UUID
	Content    string
	Score      float32
}

// KeywordHit is a full-text search result. Score is normalized to [0,1]
// before it leaves the adapter.
type KeywordHit struct {
	ChunkID    string
	DocumentID uuid.UUID
	Content    string
	Score      float32
}

// RetrievalSource marks which search source(s) produced a result.
type RetrievalSource string

const (
	SourceVector  RetrievalSource = "vector"
	SourceKeyword RetrievalSource = "keyword"
	SourceHybrid  RetrievalSource = "hybrid"
)

// RetrievedChunk is one fused retrieval result.
type RetrievedChunk struct {
	ChunkID      string
	DocumentID   uuid.UUID
	Content      string
	Score        float32 // fused, normalized to [0,1]
	VectorScore  float32 // raw vector score, 0 if absent from that source
	KeywordScore float32 // raw keyword score, 0 if absent from that source
	Source       RetrievalSource
}
