package domain

import (
	"time"

	"github.com/google/uuid"
)

// DocumentStatus tracks a document through the ingestion pipeline.
type DocumentStatus string

const (
	// StatusUploading is the initial status: the file is stored, the first
	// pipeline event has been published, no stage has picked it up yet.
	StatusUploading DocumentStatus = "uploading"
	// StatusParsing means the parse stage owns the document.
	StatusParsing DocumentStatus = "parsing"
	// StatusSplitting means the split stage owns the document.
	StatusSplitting DocumentStatus = "splitting"
	// StatusEmbedding means the vectorize stage owns the document.
	StatusEmbedding DocumentStatus = "embedding"
	// StatusCompleted means all chunks are searchable in both stores.
	StatusCompleted DocumentStatus = "completed"
	// StatusFailed is terminal until an explicit retry.
	StatusFailed DocumentStatus = "failed"
)

// Valid reports whether s is a known status value.
func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusUploading, StatusParsing, StatusSplitting, StatusEmbedding, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Document represents an uploaded file and its pipeline state.
type Document struct {
	ID              uuid.UUID
	KnowledgeBaseID uuid.UUID
	FileName        string
	Extension       string // normalized, lowercase, without the leading dot
	MimeType        string
	Size            int64
	StorageKey      string
	Status          DocumentStatus
	ChunkCount      int
	ErrorMsg        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Retryable reports whether the document may re-enter the pipeline.
// Only failed documents are retryable; retrying an in-flight document
// would interleave two pipeline runs.
func (d *Document) Retryable() bool {
	return d.Status == StatusFailed
}
