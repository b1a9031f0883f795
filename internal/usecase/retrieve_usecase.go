package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"kb-engine/internal/domain"
	"kb-engine/internal/infra/metrics"
	"kb-engine/internal/usecase/retrieval"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pgvector/pgvector-go"
)

// RetrieveInput defines the parameters of one retrieval call.
type RetrieveInput struct {
	Query            string
	KnowledgeBaseIDs []uuid.UUID
	// TopK caps the returned results; zero means the configured default.
	TopK int
	// ScoreThreshold drops fused candidates scoring below it (normalized scale).
	ScoreThreshold float32
	// Rerank overrides the server-side rerank default when set.
	Rerank *bool
}

// RetrieveOutput is the ranked result set for one query.
type RetrieveOutput struct {
	Results []domain.RetrievedChunk
	// Degraded is true when one search source failed and the ranking was
	// built from the surviving source alone.
	Degraded bool
}

// RetrieveUsecase answers queries with ranked chunks from the hybrid index.
type RetrieveUsecase interface {
	Execute(ctx context.Context, input RetrieveInput) (*RetrieveOutput, error)
}

// RetrieveOptions bundles the tuning knobs for retrieval.
type RetrieveOptions struct {
	// SearchLimit is the per-source candidate count before fusion.
	SearchLimit int
	Fusion      retrieval.Config
	Rerank      retrieval.RerankConfig
	DefaultTopK int
	// Timeout bounds the whole call: embed, both searches, fusion, rerank.
	Timeout time.Duration
	// CacheSize zero disables the response cache.
	CacheSize int
	CacheTTL  time.Duration
}

type retrieveUsecase struct {
	chunkRepo domain.ChunkRepository
	fulltext  domain.FullTextIndex
	encoder   domain.VectorEncoder
	reranker  domain.Reranker
	cache     *expirable.LRU[string, []domain.RetrievedChunk]
	opts      RetrieveOptions
	logger    *slog.Logger
}

// NewRetrieveUsecase creates a RetrieveUsecase. reranker may be nil when
// reranking is not deployed.
func NewRetrieveUsecase(
	chunkRepo domain.ChunkRepository,
	fulltext domain.FullTextIndex,
	encoder domain.VectorEncoder,
	reranker domain.Reranker,
	opts RetrieveOptions,
	logger *slog.Logger,
) RetrieveUsecase {
	var cache *expirable.LRU[string, []domain.RetrievedChunk]
	if opts.CacheSize > 0 {
		cache = expirable.NewLRU[string, []domain.RetrievedChunk](opts.CacheSize, nil, opts.CacheTTL)
	}
	return &retrieveUsecase{
		chunkRepo: chunkRepo,
		fulltext:  fulltext,
		encoder:   encoder,
		reranker:  reranker,
		cache:     cache,
		opts:      opts,
		logger:    logger,
	}
}

func (u *retrieveUsecase) Execute(ctx context.Context, input RetrieveInput) (*RetrieveOutput, error) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, fmt.Errorf("query is empty")
	}
	if len(input.KnowledgeBaseIDs) == 0 {
		return nil, fmt.Errorf("knowledge_base_ids is empty")
	}

	topK := input.TopK
	if topK <= 0 {
		topK = u.opts.DefaultTopK
	}
	rerankEnabled := u.opts.Rerank.Enabled
	if input.Rerank != nil {
		rerankEnabled = *input.Rerank
	}

	// 1. Cache lookup. Only clean (non-degraded) responses are ever stored.
	cacheKey := u.cacheKey(input, topK, rerankEnabled)
	if u.cache != nil {
		if cached, ok := u.cache.Get(cacheKey); ok {
			metrics.RecordCacheLookup(true)
			u.logger.Debug("retrieval_cache_hit", slog.String("key", cacheKey[:12]))
			return &RetrieveOutput{Results: cached}, nil
		}
		metrics.RecordCacheLookup(false)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, u.opts.Timeout)
	defer cancel()

	// 2+3. Embed the query and run both searches concurrently. The embed
	// call lives inside the vector branch so its failure degrades to
	// keyword-only instead of failing the query.
	type sourceResult struct {
		source  domain.RetrievalSource
		vector  []domain.VectorHit
		keyword []domain.KeywordHit
		err     error
	}

	resultsChan := make(chan sourceResult, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		hits, err := u.vectorSearch(ctx, input.Query, input.KnowledgeBaseIDs)
		resultsChan <- sourceResult{source: domain.SourceVector, vector: hits, err: err}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		hits, err := u.fulltext.Search(ctx, input.Query, input.KnowledgeBaseIDs, u.opts.SearchLimit)
		resultsChan <- sourceResult{source: domain.SourceKeyword, keyword: hits, err: err}
	}()

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	var (
		vectorHits  []domain.VectorHit
		keywordHits []domain.KeywordHit
		sourceErrs  = map[domain.RetrievalSource]error{}
	)
	for sr := range resultsChan {
		if sr.err != nil {
			sourceErrs[sr.source] = sr.err
			continue
		}
		switch sr.source {
		case domain.SourceVector:
			vectorHits = sr.vector
		case domain.SourceKeyword:
			keywordHits = sr.keyword
		}
	}

	if len(sourceErrs) == 2 {
		metrics.RecordRetrieval("failed", time.Since(start).Seconds())
		return nil, fmt.Errorf("%w: vector: %v; keyword: %v",
			domain.ErrRetrievalUnavailable,
			sourceErrs[domain.SourceVector], sourceErrs[domain.SourceKeyword])
	}
	degraded := len(sourceErrs) == 1
	for source, err := range sourceErrs {
		u.logger.Warn("search_source_degraded",
			slog.String("source", string(source)),
			slog.String("error", err.Error()))
	}

	// 4. Fuse and apply the score threshold on the normalized scale.
	fused := retrieval.FuseHybrid(vectorHits, keywordHits, u.opts.Fusion)
	if input.ScoreThreshold > 0 {
		filtered := fused[:0]
		for _, r := range fused {
			if r.Score >= input.ScoreThreshold {
				filtered = append(filtered, r)
			}
		}
		fused = filtered
	}

	// 5. Optional cross-encoder second pass over the fused head.
	rerankCfg := u.opts.Rerank
	rerankCfg.Enabled = rerankEnabled
	fused = retrieval.Rerank(ctx, input.Query, fused, u.reranker, rerankCfg, u.logger)

	// 6. Truncate to top_k.
	if len(fused) > topK {
		fused = fused[:topK]
	}

	status := "success"
	if degraded {
		status = "degraded"
	}
	metrics.RecordRetrieval(status, time.Since(start).Seconds())
	u.logger.Info("retrieval_completed",
		slog.Int("vector_hits", len(vectorHits)),
		slog.Int("keyword_hits", len(keywordHits)),
		slog.Int("result_count", len(fused)),
		slog.Bool("degraded", degraded),
		slog.Bool("reranked", rerankEnabled && u.reranker != nil),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))

	if u.cache != nil && !degraded {
		u.cache.Add(cacheKey, fused)
	}

	return &RetrieveOutput{Results: fused, Degraded: degraded}, nil
}

func (u *retrieveUsecase) vectorSearch(ctx context.Context, query string, kbIDs []uuid.UUID) ([]domain.VectorHit, error) {
	embeddings, err := u.encoder.Encode(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}
	if len(embeddings) != 1 {
		return nil, fmt.Errorf("expected 1 query embedding, got %d", len(embeddings))
	}
	hits, err := u.chunkRepo.Search(ctx, pgvector.NewVector(embeddings[0]), kbIDs, u.opts.SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to search vectors: %w", err)
	}
	return hits, nil
}

// cacheKey hashes the full parameter set; knowledge base order must not
// matter, so the IDs are sorted first.
func (u *retrieveUsecase) cacheKey(input RetrieveInput, topK int, rerank bool) string {
	ids := make([]string, len(input.KnowledgeBaseIDs))
	for i, id := range input.KnowledgeBaseIDs {
		ids[i] = id.String()
	}
	sort.Strings(ids)

	var b strings.Builder
	b.WriteString(input.Query)
	b.WriteByte(0)
	b.WriteString(strings.Join(ids, ","))
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(topK))
	b.WriteByte(0)
	b.WriteString(strconv.FormatFloat(float64(input.ScoreThreshold), 'f', -1, 32))
	b.WriteByte(0)
	b.WriteString(strconv.FormatBool(rerank))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
