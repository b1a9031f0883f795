package usecase_test

import (
	"context"
	"errors"
	"testing"

	"kb-engine/internal/domain"
	"kb-engine/internal/infra/logger"
	"kb-engine/internal/usecase"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stageEmbedderFake struct {
	err       error
	gotChunks []domain.Chunk
	gotModel  string
}

func (e *stageEmbedderFake) EmbedChunks(ctx context.Context, chunks []domain.Chunk) ([]domain.Chunk, error) {
	e.gotChunks = chunks
	if e.err != nil {
		return nil, e.err
	}
	out := make([]domain.Chunk, len(chunks))
	copy(out, chunks)
	for i := range out {
		out[i].Embedding = pgvector.NewVector([]float32{0.1, 0.2, 0.3})
	}
	return out, nil
}

type vectorizeStageFixture struct {
	docRepo  *docRepoFake
	kbRepo   *kbRepoFake
	embedder *stageEmbedderFake
	indexer  *removerFake
	handler  usecase.StageHandler
	kb       *domain.KnowledgeBase
}

func newVectorizeStageFixture(t *testing.T) *vectorizeStageFixture {
	t.Helper()
	kb := domain.NewKnowledgeBase("docs", "nomic-embed-text", 500, 50)
	f := &vectorizeStageFixture{
		docRepo:  newDocRepoFake(),
		kbRepo:   newKBRepoFake(kb),
		embedder: &stageEmbedderFake{},
		indexer:  &removerFake{},
		kb:       kb,
	}
	factory := func(model string) usecase.Embedder {
		f.embedder.gotModel = model
		return f.embedder
	}
	logs := logger.NewContextLoggerWith(discardLogger(), "test")
	f.handler = usecase.NewVectorizeStage(f.docRepo, f.kbRepo, factory, f.indexer, logs)
	return f
}

func (f *vectorizeStageFixture) seedChunked(t *testing.T, chunkCount int) (*domain.Document, *domain.Event) {
	t.Helper()
	doc := &domain.Document{
		ID:              uuid.New(),
		KnowledgeBaseID: f.kb.ID,
		FileName:        "file.txt",
		Extension:       "txt",
		Status:          domain.StatusSplitting,
	}
	require.NoError(t, f.docRepo.Create(context.Background(), doc))

	chunks := make([]domain.ChunkPayload, chunkCount)
	for i := range chunks {
		chunks[i] = domain.ChunkPayload{
			ID:      domain.ChunkID(doc.ID, i),
			Seq:     i,
			Content: "chunk content",
		}
	}
	event, err := domain.NewEvent(domain.EventTypeDocumentChunked, domain.DocumentChunkedPayload{
		DocumentID:      doc.ID,
		KnowledgeBaseID: f.kb.ID,
		Chunks:          chunks,
	})
	require.NoError(t, err)
	return doc, event
}

func TestVectorizeStage_EmbedsIndexesAndCompletes(t *testing.T) {
	f := newVectorizeStageFixture(t)
	f.docRepo.docCount = 1
	f.docRepo.chunkTotal = 3
	doc, event := f.seedChunked(t, 3)

	require.NoError(t, f.handler.Handle(context.Background(), event))

	assert.Equal(t, "nomic-embed-text", f.embedder.gotModel)
	assert.Len(t, f.embedder.gotChunks, 3)

	require.Len(t, f.indexer.reindexed, 3)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, f.indexer.reindexed[0].Embedding.Slice())

	stored := f.docRepo.docs[doc.ID]
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Equal(t, 3, stored.ChunkCount)

	require.Len(t, f.kbRepo.statsCalls, 1)
	assert.Equal(t, 1, f.kbRepo.statsCalls[0].DocCount)
	assert.Equal(t, 3, f.kbRepo.statsCalls[0].ChunkTotal)
}

func TestVectorizeStage_EmbeddingFailureIsTerminal(t *testing.T) {
	f := newVectorizeStageFixture(t)
	doc, event := f.seedChunked(t, 2)
	f.embedder.err = &domain.EmbeddingFailedError{
		ChunkIDs:   []string{domain.ChunkID(doc.ID, 0)},
		Diagnostic: "provider returned 400",
	}

	require.NoError(t, f.handler.Handle(context.Background(), event))

	stored := f.docRepo.docs[doc.ID]
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMsg, "embedding failed")
	assert.Empty(t, f.indexer.reindexed, "no index write after a failed embed")
}

func TestVectorizeStage_TransientEmbeddingFailureRedelivers(t *testing.T) {
	f := newVectorizeStageFixture(t)
	doc, event := f.seedChunked(t, 2)
	f.embedder.err = errors.New("embedding interrupted: context deadline exceeded")

	err := f.handler.Handle(context.Background(), event)
	require.Error(t, err)

	assert.Equal(t, domain.StatusEmbedding, f.docRepo.docs[doc.ID].Status)
}

func TestVectorizeStage_IndexWriteFailureIsTerminal(t *testing.T) {
	f := newVectorizeStageFixture(t)
	doc, event := f.seedChunked(t, 2)
	f.indexer.reindexErr = &domain.IndexWriteFailedError{
		DocumentID:   doc.ID.String(),
		Store:        "fulltext",
		PartialState: "vector rows written, fulltext add failed",
		Err:          errors.New("meilisearch task failed"),
	}

	require.NoError(t, f.handler.Handle(context.Background(), event))

	stored := f.docRepo.docs[doc.ID]
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMsg, "fulltext")
}

func TestVectorizeStage_BusyDocumentRedelivers(t *testing.T) {
	f := newVectorizeStageFixture(t)
	doc, event := f.seedChunked(t, 1)
	f.indexer.reindexErr = domain.ErrDocumentBusy

	err := f.handler.Handle(context.Background(), event)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrDocumentBusy)
	assert.Equal(t, domain.StatusEmbedding, f.docRepo.docs[doc.ID].Status)
}

func TestVectorizeStage_DeletedBeforeStartCleansIndexes(t *testing.T) {
	f := newVectorizeStageFixture(t)
	doc, event := f.seedChunked(t, 1)
	require.NoError(t, f.docRepo.Delete(context.Background(), doc.ID))

	require.NoError(t, f.handler.Handle(context.Background(), event))

	assert.Equal(t, []uuid.UUID{doc.ID}, f.indexer.removed)
	assert.Empty(t, f.indexer.reindexed)
}

func TestVectorizeStage_DeletedDuringIndexingIsUndone(t *testing.T) {
	f := newVectorizeStageFixture(t)
	doc, event := f.seedChunked(t, 2)
	f.indexer.onReindex = func() {
		delete(f.docRepo.docs, doc.ID)
	}

	require.NoError(t, f.handler.Handle(context.Background(), event))

	// The freshly written entries are removed and the row is not resurrected.
	assert.Equal(t, []uuid.UUID{doc.ID}, f.indexer.removed)
	assert.Empty(t, f.docRepo.docs)
	assert.Empty(t, f.kbRepo.statsCalls)
}

func TestVectorizeStage_MissingKnowledgeBaseFailsDocument(t *testing.T) {
	f := newVectorizeStageFixture(t)
	doc, event := f.seedChunked(t, 1)
	delete(f.kbRepo.kbs, f.kb.ID)

	require.NoError(t, f.handler.Handle(context.Background(), event))

	stored := f.docRepo.docs[doc.ID]
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMsg, "no longer exists")
}
