package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Pipeline error taxonomy. Terminal errors mark the document failed and
// stop the pipeline until an explicit retry; infra errors propagate so
// the queue redelivers the message.
var (
	// ErrUnsupportedFormat is returned for file extensions the parser does not handle.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrCorruptFile is returned when a file cannot be opened or decoded.
	ErrCorruptFile = errors.New("corrupt file")

	// ErrParseTimeout is returned when parsing exceeds the configured ceiling.
	ErrParseTimeout = errors.New("parse timeout")

	// ErrPartialParseFailure is returned when one or more page ranges of a
	// fanned-out parse fail. Silently dropping pages is never acceptable, so
	// the whole parse fails.
	ErrPartialParseFailure = errors.New("partial parse failure")

	// ErrEmptyDocument is returned when the parsed text is empty after
	// whitespace normalization. Reported to the user, never retried automatically.
	ErrEmptyDocument = errors.New("empty document")

	// ErrRetrievalUnavailable is returned when both the vector and the keyword
	// search sources fail for a query.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable: all search sources failed")

	// ErrDocumentNotFound is returned by API-facing operations when the
	// document row does not exist.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrFileTooLarge is returned when an upload exceeds the configured size cap.
	ErrFileTooLarge = errors.New("file too large")

	// ErrKnowledgeBaseNotFound is returned when the knowledge base row does not exist.
	ErrKnowledgeBaseNotFound = errors.New("knowledge base not found")

	// ErrDocumentBusy signals that another worker holds the per-document
	// index lock. Infra-level: the message is redelivered, not failed.
	ErrDocumentBusy = errors.New("document is being indexed by another worker")

	// ErrInvalidStatusTransition is returned when an operation is not legal
	// for the document's current status (e.g. retrying a non-failed document).
	ErrInvalidStatusTransition = errors.New("invalid document status transition")

	// ErrBatchTooLarge is wrapped by VectorEncoder implementations when the
	// provider rejects an input batch for size. Callers split the batch and
	// retry instead of backing off.
	ErrBatchTooLarge = errors.New("embedding batch too large")
)

// EmbeddingFailedError carries batch-level diagnostics when a batch exhausts
// its retries. The document fails as a whole; partial vectors are never committed.
type EmbeddingFailedError struct {
	ChunkIDs   []string
	Diagnostic string
	Err        error
}

func (e *EmbeddingFailedError) Error() string {
	return fmt.Sprintf("embedding failed for %d chunks (%s): %s",
		len(e.ChunkIDs), strings.Join(e.ChunkIDs, ","), e.Diagnostic)
}

func (e *EmbeddingFailedError) Unwrap() error {
	return e.Err
}

// IndexWriteFailedError reports a failed index write. PartialState notes which
// store may hold partial data; a retry re-runs the full delete-then-insert
// sequence, so partial state never survives.
type IndexWriteFailedError struct {
	DocumentID   string
	Store        string // "vector" or "fulltext"
	PartialState string
	Err          error
}

func (e *IndexWriteFailedError) Error() string {
	return fmt.Sprintf("index write failed for document %s on %s store (%s): %v",
		e.DocumentID, e.Store, e.PartialState, e.Err)
}

func (e *IndexWriteFailedError) Unwrap() error {
	return e.Err
}

// IsTerminalDocumentError reports whether err should mark the document failed
// (ack the message) instead of being redelivered.
func IsTerminalDocumentError(err error) bool {
	if err == nil {
		return false
	}
	var embErr *EmbeddingFailedError
	if errors.As(err, &embErr) {
		return true
	}
	var idxErr *IndexWriteFailedError
	if errors.As(err, &idxErr) {
		return true
	}
	return errors.Is(err, ErrUnsupportedFormat) ||
		errors.Is(err, ErrCorruptFile) ||
		errors.Is(err, ErrParseTimeout) ||
		errors.Is(err, ErrPartialParseFailure) ||
		errors.Is(err, ErrEmptyDocument)
}
