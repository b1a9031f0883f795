package usecase_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"kb-engine/internal/domain"
	"kb-engine/internal/infra/logger"
	"kb-engine/internal/parser"
	"kb-engine/internal/usecase"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type parseStageFixture struct {
	docRepo   *docRepoFake
	blobs     *blobFake
	publisher *publisherFake
	handler   usecase.StageHandler
	kbID      uuid.UUID
}

func newParseStageFixture(t *testing.T) *parseStageFixture {
	t.Helper()
	f := &parseStageFixture{
		docRepo:   newDocRepoFake(),
		blobs:     newBlobFake(),
		publisher: &publisherFake{},
		kbID:      uuid.New(),
	}
	p := parser.New(discardLogger(), time.Minute, 16)
	logs := logger.NewContextLoggerWith(discardLogger(), "test")
	f.handler = usecase.NewParseStage(f.docRepo, f.blobs, p, f.publisher, logs)
	return f
}

// seedUploaded stores a blob and a matching uploading-status row, returning
// the event the upload endpoint would have published.
func (f *parseStageFixture) seedUploaded(t *testing.T, ext, content string) (*domain.Document, *domain.Event) {
	t.Helper()
	docID := uuid.New()
	key := f.kbID.String() + "/" + docID.String() + "." + ext
	f.blobs.blobs[key] = []byte(content)

	doc := &domain.Document{
		ID:              docID,
		KnowledgeBaseID: f.kbID,
		FileName:        "file." + ext,
		Extension:       ext,
		StorageKey:      key,
		Status:          domain.StatusUploading,
	}
	require.NoError(t, f.docRepo.Create(context.Background(), doc))

	event, err := domain.NewEvent(domain.EventTypeDocumentUploaded, domain.DocumentUploadedPayload{
		DocumentID:      docID,
		KnowledgeBaseID: f.kbID,
		StorageKey:      key,
		FileName:        doc.FileName,
		Extension:       ext,
	})
	require.NoError(t, err)
	return doc, event
}

func TestParseStage_ExtractsTextAndPublishes(t *testing.T) {
	f := newParseStageFixture(t)
	doc, event := f.seedUploaded(t, "txt", "The quick brown fox jumps over the lazy dog.")

	require.NoError(t, f.handler.Handle(context.Background(), event))

	stored := f.docRepo.docs[doc.ID]
	assert.Equal(t, domain.StatusParsing, stored.Status)

	require.Len(t, f.publisher.events, 1)
	next := f.publisher.events[0]
	assert.Equal(t, domain.EventTypeDocumentParsed, next.EventType)
	assert.Contains(t, string(next.Payload), "quick brown fox")
	assert.Contains(t, string(next.Payload), doc.ID.String())
}

func TestParseStage_DeletedDocumentIsAcked(t *testing.T) {
	f := newParseStageFixture(t)
	event, err := domain.NewEvent(domain.EventTypeDocumentUploaded, domain.DocumentUploadedPayload{
		DocumentID:      uuid.New(),
		KnowledgeBaseID: f.kbID,
	})
	require.NoError(t, err)

	require.NoError(t, f.handler.Handle(context.Background(), event))
	assert.Empty(t, f.publisher.events)
}

func TestParseStage_MissingBlobFailsDocument(t *testing.T) {
	f := newParseStageFixture(t)
	doc, event := f.seedUploaded(t, "txt", "content")
	delete(f.blobs.blobs, doc.StorageKey)

	require.NoError(t, f.handler.Handle(context.Background(), event))

	stored := f.docRepo.docs[doc.ID]
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMsg, "stored file missing")
	assert.Empty(t, f.publisher.events)
}

func TestParseStage_CorruptFileFailsDocument(t *testing.T) {
	f := newParseStageFixture(t)
	doc, event := f.seedUploaded(t, "pdf", "this is definitely not a pdf")

	require.NoError(t, f.handler.Handle(context.Background(), event))

	stored := f.docRepo.docs[doc.ID]
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMsg, "corrupt file")
	assert.Empty(t, f.publisher.events)
}

func TestParseStage_MalformedPayloadIsDropped(t *testing.T) {
	f := newParseStageFixture(t)
	event := &domain.Event{
		EventID:   uuid.New().String(),
		EventType: domain.EventTypeDocumentUploaded,
		Source:    domain.EventSource,
		CreatedAt: time.Now(),
		Payload:   []byte("{not json"),
	}

	require.NoError(t, f.handler.Handle(context.Background(), event))
	assert.Empty(t, f.publisher.events)
}

func TestParseStage_PublishFailureRedelivers(t *testing.T) {
	f := newParseStageFixture(t)
	doc, event := f.seedUploaded(t, "txt", "content to parse")
	f.publisher.err = errors.New("redis down")

	err := f.handler.Handle(context.Background(), event)
	require.Error(t, err)

	// Not failed: the message stays pending and the stage reruns.
	stored := f.docRepo.docs[doc.ID]
	assert.Equal(t, domain.StatusParsing, stored.Status)
}
