package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kb-engine/internal/adapter/provider"
	"kb-engine/internal/domain"
	"kb-engine/internal/retry"
	"kb-engine/internal/usecase"
)

// fakeEncoder scripts provider behavior per call.
type fakeEncoder struct {
	mu         sync.Mutex
	calls      [][]string
	rejectOver int   // reject batches larger than this with ErrBatchTooLarge (0 = never)
	failFirst  int   // fail this many calls with failErr before succeeding
	failErr    error // error used by failFirst, defaults to HTTP 500
}

func (f *fakeEncoder) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.calls = append(f.calls, texts)
	shouldFail := f.failFirst > 0
	if shouldFail {
		f.failFirst--
	}
	f.mu.Unlock()

	if f.rejectOver > 0 && len(texts) > f.rejectOver {
		return nil, fmt.Errorf("%w: input length exceeds context window", domain.ErrBatchTooLarge)
	}
	if shouldFail {
		err := f.failErr
		if err == nil {
			err = &provider.HTTPError{StatusCode: 500, Body: "internal server error"}
		}
		return nil, err
	}

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = textVec(t)
	}
	return out, nil
}

func (f *fakeEncoder) ModelName() string { return "fake-model" }

func (f *fakeEncoder) callSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.calls))
	for i, c := range f.calls {
		sizes[i] = len(c)
	}
	return sizes
}

// textVec derives a deterministic vector from the text so tests can check
// that each chunk got its own embedding back.
func textVec(s string) []float32 {
	var sum float32
	for _, b := range []byte(s) {
		sum += float32(b)
	}
	return []float32{sum, float32(len(s))}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func fastRetrier(maxAttempts int) *retry.Retrier {
	return retry.NewRetrier(retry.Config{
		MaxAttempts:   maxAttempts,
		BaseDelay:     1,
		MaxDelay:      1,
		BackoffFactor: 1.0,
	}, provider.IsTransient, discardLogger())
}

func makeChunks(n int) []domain.Chunk {
	docID := uuid.New()
	kbID := uuid.New()
	chunks := make([]domain.Chunk, n)
	for i := range chunks {
		chunks[i] = domain.Chunk{
			ID:              domain.ChunkID(docID, i),
			DocumentID:      docID,
			KnowledgeBaseID: kbID,
			Seq:             i,
			Content:         fmt.Sprintf("chunk content %03d", i),
		}
	}
	return chunks
}

func TestEmbedder_BatchesByCount(t *testing.T) {
	enc := &fakeEncoder{}
	emb := usecase.NewEmbedder(enc, fastRetrier(1), 32, 1_000_000, 1, discardLogger())

	chunks := makeChunks(50)
	out, err := emb.EmbedChunks(context.Background(), chunks)
	require.NoError(t, err)
	require.Len(t, out, 50)

	assert.Equal(t, []int{32, 18}, enc.callSizes())
	for i, c := range out {
		assert.Equal(t, textVec(chunks[i].Content), c.Embedding.Slice(), "chunk %d got the wrong vector", i)
	}
}

func TestEmbedder_BatchesByTokenBudget(t *testing.T) {
	enc := &fakeEncoder{}
	// Each chunk content is 17 runes ≈ 5 tokens; a 10-token budget fits two.
	emb := usecase.NewEmbedder(enc, fastRetrier(1), 32, 10, 1, discardLogger())

	_, err := emb.EmbedChunks(context.Background(), makeChunks(5))
	require.NoError(t, err)

	assert.Equal(t, []int{2, 2, 1}, enc.callSizes())
}

func TestEmbedder_SplitsRejectedBatches(t *testing.T) {
	// The provider refuses anything above 25 inputs; a 50-chunk document
	// must end up embedded through two calls of 25.
	enc := &fakeEncoder{rejectOver: 25}
	emb := usecase.NewEmbedder(enc, fastRetrier(3), 64, 1_000_000, 1, discardLogger())

	chunks := makeChunks(50)
	out, err := emb.EmbedChunks(context.Background(), chunks)
	require.NoError(t, err)

	assert.Equal(t, []int{50, 25, 25}, enc.callSizes(), "one rejection, then both halves")
	for i, c := range out {
		assert.Equal(t, textVec(chunks[i].Content), c.Embedding.Slice())
	}
}

func TestEmbedder_SingleChunkRejectionIsTerminal(t *testing.T) {
	// Splitting bottoms out at one chunk; if the provider still refuses it,
	// the document fails with that chunk named.
	emb := usecase.NewEmbedder(&alwaysTooLarge{}, fastRetrier(3), 32, 1_000_000, 1, discardLogger())

	_, err := emb.EmbedChunks(context.Background(), makeChunks(1))
	require.Error(t, err)

	var embErr *domain.EmbeddingFailedError
	require.ErrorAs(t, err, &embErr)
	assert.Len(t, embErr.ChunkIDs, 1)
	assert.True(t, domain.IsTerminalDocumentError(err))
}

type alwaysTooLarge struct{}

func (alwaysTooLarge) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("%w: single input too long", domain.ErrBatchTooLarge)
}

func (alwaysTooLarge) ModelName() string { return "fake-model" }

func TestEmbedder_RetriesTransientThenSucceeds(t *testing.T) {
	enc := &fakeEncoder{failFirst: 2}
	emb := usecase.NewEmbedder(enc, fastRetrier(5), 32, 1_000_000, 1, discardLogger())

	out, err := emb.EmbedChunks(context.Background(), makeChunks(3))
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []int{3, 3, 3}, enc.callSizes(), "two failures then the retry that lands")
}

func TestEmbedder_ExhaustedRetriesFailTheDocument(t *testing.T) {
	enc := &fakeEncoder{failFirst: 100}
	emb := usecase.NewEmbedder(enc, fastRetrier(2), 32, 1_000_000, 1, discardLogger())

	chunks := makeChunks(4)
	out, err := emb.EmbedChunks(context.Background(), chunks)
	require.Error(t, err)
	assert.Nil(t, out, "no partial vectors on failure")

	var embErr *domain.EmbeddingFailedError
	require.ErrorAs(t, err, &embErr)
	assert.Len(t, embErr.ChunkIDs, 4)
	assert.Contains(t, embErr.Diagnostic, "500")
	assert.True(t, domain.IsTerminalDocumentError(err))
}

func TestEmbedder_CancelledContextIsInfraLevel(t *testing.T) {
	enc := &fakeEncoder{}
	emb := usecase.NewEmbedder(enc, fastRetrier(3), 32, 1_000_000, 1, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := emb.EmbedChunks(ctx, makeChunks(3))
	require.Error(t, err)
	assert.False(t, domain.IsTerminalDocumentError(err),
		"shutdown must redeliver, not fail the document")
}

func TestEmbedder_ConcurrentBatchesKeepOrder(t *testing.T) {
	enc := &fakeEncoder{}
	emb := usecase.NewEmbedder(enc, fastRetrier(1), 4, 1_000_000, 4, discardLogger())

	chunks := makeChunks(41)
	out, err := emb.EmbedChunks(context.Background(), chunks)
	require.NoError(t, err)
	require.Len(t, out, 41)

	for i, c := range out {
		assert.Equal(t, chunks[i].ID, c.ID)
		assert.Equal(t, textVec(chunks[i].Content), c.Embedding.Slice(), "chunk %d vector out of order", i)
	}
}

func TestEmbedder_EmptyInput(t *testing.T) {
	enc := &fakeEncoder{}
	emb := usecase.NewEmbedder(enc, fastRetrier(1), 32, 1_000_000, 1, discardLogger())

	out, err := emb.EmbedChunks(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, enc.calls)
}

func TestEmbedder_NonRetryableErrorFailsFast(t *testing.T) {
	enc := &fakeEncoder{failFirst: 100, failErr: errors.New("model not found")}
	emb := usecase.NewEmbedder(enc, fastRetrier(5), 32, 1_000_000, 1, discardLogger())

	_, err := emb.EmbedChunks(context.Background(), makeChunks(2))
	require.Error(t, err)
	assert.Equal(t, []int{2}, enc.callSizes(), "non-transient errors must not burn the retry budget")
	assert.True(t, domain.IsTerminalDocumentError(err))
}
