package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"kb-engine/internal/domain"
	"kb-engine/internal/infra/metrics"
	"kb-engine/internal/retry"
)

// Embedder produces one vector per chunk, batching provider calls.
// Embedding is all-or-nothing per document: on any failure no chunk
// carries a vector and the caller must not index.
type Embedder interface {
	EmbedChunks(ctx context.Context, chunks []domain.Chunk) ([]domain.Chunk, error)
}

// EmbedderFactory builds an Embedder bound to one embedding model, so each
// knowledge base can pin its own model.
type EmbedderFactory func(model string) Embedder

type embedder struct {
	encoder        domain.VectorEncoder
	retrier        *retry.Retrier
	batchSize      int
	maxBatchTokens int
	maxInFlight    int
	logger         *slog.Logger
}

// NewEmbedder creates an Embedder. Batches close at batchSize chunks or
// maxBatchTokens estimated tokens, whichever is hit first; maxInFlight
// bounds concurrent provider calls.
func NewEmbedder(
	encoder domain.VectorEncoder,
	retrier *retry.Retrier,
	batchSize int,
	maxBatchTokens int,
	maxInFlight int,
	logger *slog.Logger,
) Embedder {
	if batchSize < 1 {
		batchSize = 1
	}
	if maxBatchTokens < 1 {
		maxBatchTokens = 1
	}
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &embedder{
		encoder:        encoder,
		retrier:        retrier,
		batchSize:      batchSize,
		maxBatchTokens: maxBatchTokens,
		maxInFlight:    maxInFlight,
		logger:         logger,
	}
}

// batch is a contiguous run of chunks embedded in one provider call.
type batch struct {
	offset int
	texts  []string
}

func (e *embedder) EmbedChunks(ctx context.Context, chunks []domain.Chunk) ([]domain.Chunk, error) {
	if len(chunks) == 0 {
		return chunks, nil
	}

	batches := e.buildBatches(chunks)
	e.logger.Info("embedding_started",
		"chunk_count", len(chunks),
		"batch_count", len(batches),
		"model", e.encoder.ModelName())

	// Each batch writes into a disjoint range of vectors.
	vectors := make([][]float32, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxInFlight)

	for _, b := range batches {
		g.Go(func() error {
			embedded, err := e.encodeWithSplit(gctx, b.texts)
			if err != nil {
				return e.classify(gctx, chunks[b.offset:b.offset+len(b.texts)], err)
			}
			copy(vectors[b.offset:], embedded)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]domain.Chunk, len(chunks))
	copy(out, chunks)
	for i := range out {
		out[i].Embedding = pgvector.NewVector(vectors[i])
	}
	return out, nil
}

// buildBatches packs chunks in order, closing a batch at the count cap or
// when the next chunk would push the token estimate past the cap. A single
// oversized chunk still travels alone; the provider gets to reject it.
func (e *embedder) buildBatches(chunks []domain.Chunk) []batch {
	var batches []batch

	current := batch{offset: 0}
	currentTokens := 0

	for i, c := range chunks {
		tokens := estimateTokens(c.Content)
		full := len(current.texts) >= e.batchSize ||
			(len(current.texts) > 0 && currentTokens+tokens > e.maxBatchTokens)
		if full {
			batches = append(batches, current)
			current = batch{offset: i}
			currentTokens = 0
		}
		current.texts = append(current.texts, c.Content)
		currentTokens += tokens
	}
	if len(current.texts) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// encodeWithSplit embeds texts, halving the batch and recursing when the
// provider rejects it for size, down to single texts.
func (e *embedder) encodeWithSplit(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := e.encodeOnce(ctx, texts)
	if err == nil {
		return vecs, nil
	}

	if errors.Is(err, domain.ErrBatchTooLarge) && len(texts) > 1 {
		mid := len(texts) / 2
		e.logger.Warn("embedding_batch_split",
			"batch_size", len(texts),
			"left", mid,
			"right", len(texts)-mid)

		left, err := e.encodeWithSplit(ctx, texts[:mid])
		if err != nil {
			return nil, err
		}
		right, err := e.encodeWithSplit(ctx, texts[mid:])
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil
	}

	return nil, err
}

// encodeOnce is one provider call wrapped in the transient-failure retrier.
func (e *embedder) encodeOnce(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	err := e.retrier.Do(ctx, func() error {
		got, err := e.encoder.Encode(ctx, texts)
		if err != nil {
			return err
		}
		vecs = got
		return nil
	})
	if err != nil {
		metrics.RecordEmbeddingBatch("error", len(texts))
		return nil, err
	}
	metrics.RecordEmbeddingBatch("ok", len(texts))
	return vecs, nil
}

// classify decides whether a batch failure fails the document or the
// message. A dead stage context is infra-level: the message is redelivered
// and the document keeps its current status.
func (e *embedder) classify(ctx context.Context, failed []domain.Chunk, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("embedding interrupted: %w", err)
	}

	ids := make([]string, len(failed))
	for i, c := range failed {
		ids[i] = c.ID
	}
	return &domain.EmbeddingFailedError{
		ChunkIDs:   ids,
		Diagnostic: err.Error(),
		Err:        err,
	}
}

// estimateTokens approximates the provider's tokenizer at about four runes
// per token, rounding up.
func estimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}
