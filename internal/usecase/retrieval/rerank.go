package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"kb-engine/internal/domain"
)

// RerankConfig holds reranking stage parameters.
type RerankConfig struct {
	Enabled bool
	// TopN caps how many fused candidates are sent to the cross-encoder.
	TopN    int
	Timeout time.Duration
}

// Rerank rescores the top fused candidates with a cross-encoder and
// reorders them by its relevance scores. Candidates beyond TopN keep their
// fusion order behind the reranked block. Reranking is best-effort: any
// failure logs a warning and returns the fused order untouched.
func Rerank(
	ctx context.Context,
	query string,
	results []domain.RetrievedChunk,
	reranker domain.Reranker,
	cfg RerankConfig,
	logger *slog.Logger,
) []domain.RetrievedChunk {
	if !cfg.Enabled || reranker == nil || len(results) == 0 {
		return results
	}

	limit := cfg.TopN
	if limit <= 0 || limit > len(results) {
		limit = len(results)
	}

	candidates := make([]domain.RerankCandidate, limit)
	for i, r := range results[:limit] {
		candidates[i] = domain.RerankCandidate{
			ID:      r.ChunkID,
			Content: r.Content,
			Score:   r.Score,
		}
	}

	rerankStart := time.Now()
	rerankCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	reranked, err := reranker.Rerank(rerankCtx, query, candidates)
	cancel()

	if err != nil {
		logger.Warn("reranking_failed_using_original_scores",
			slog.String("error", err.Error()),
			slog.Int("candidate_count", len(candidates)),
			slog.Int64("duration_ms", time.Since(rerankStart).Milliseconds()))
		return results
	}

	logger.Info("reranking_completed",
		slog.Int("candidate_count", len(candidates)),
		slog.Int("reranked_count", len(reranked)),
		slog.String("model", reranker.ModelName()),
		slog.Int64("duration_ms", time.Since(rerankStart).Milliseconds()))

	scores := make(map[string]float32, len(reranked))
	for _, r := range reranked {
		scores[r.ID] = r.Score
	}

	out := make([]domain.RetrievedChunk, len(results))
	copy(out, results)

	for i := range out[:limit] {
		if score, ok := scores[out[i].ChunkID]; ok {
			out[i].Score = score
		}
	}
	sort.SliceStable(out[:limit], func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})

	return out
}
