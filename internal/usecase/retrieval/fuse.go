// Package retrieval implements query-time fusion and reranking of the two
// search sources.
package retrieval

import (
	"sort"

	"kb-engine/internal/domain"
)

// Config carries the weighted reciprocal-rank-fusion parameters.
type Config struct {
	// RRFK dampens the rank contribution; 60 is the usual literature value.
	RRFK float64
	// WeightVector and WeightKeyword skew fusion toward one source.
	WeightVector  float64
	WeightKeyword float64
}

// FuseHybrid merges the two ranked hit lists with weighted RRF:
//
//	score = Wv/(k+rank_v) + Wk/(k+rank_k)   (ranks are 1-based)
//
// normalized by the best attainable score (rank 1 in both sources) so the
// result lands in [0,1] and a score threshold means the same thing however
// the weights are tuned. Ordering is deterministic: equal scores tie-break
// on chunk ID.
func FuseHybrid(vectorHits []domain.VectorHit, keywordHits []domain.KeywordHit, cfg Config) []domain.RetrievedChunk {
	type fusedEntry struct {
		chunk       domain.RetrievedChunk
		score       float64
		fromVector  bool
		fromKeyword bool
	}

	entries := make(map[string]*fusedEntry, len(vectorHits)+len(keywordHits))

	ensure := func(chunkID string, hit domain.RetrievedChunk) *fusedEntry {
		if e, ok := entries[chunkID]; ok {
			return e
		}
		e := &fusedEntry{chunk: hit}
		entries[chunkID] = e
		return e
	}

	for rank, h := range vectorHits {
		e := ensure(h.ChunkID, domain.RetrievedChunk{
			ChunkID:    h.ChunkID,
			DocumentID: h.DocumentID,
			Content:    h.Content,
		})
		e.score += cfg.WeightVector / (cfg.RRFK + float64(rank+1))
		e.chunk.VectorScore = h.Score
		e.fromVector = true
	}

	for rank, h := range keywordHits {
		e := ensure(h.ChunkID, domain.RetrievedChunk{
			ChunkID:    h.ChunkID,
			DocumentID: h.DocumentID,
			Content:    h.Content,
		})
		e.score += cfg.WeightKeyword / (cfg.RRFK + float64(rank+1))
		e.chunk.KeywordScore = h.Score
		e.fromKeyword = true
	}

	// Best attainable: rank 1 in both sources.
	maxScore := (cfg.WeightVector + cfg.WeightKeyword) / (cfg.RRFK + 1)

	results := make([]domain.RetrievedChunk, 0, len(entries))
	for _, e := range entries {
		switch {
		case e.fromVector && e.fromKeyword:
			e.chunk.Source = domain.SourceHybrid
		case e.fromVector:
			e.chunk.Source = domain.SourceVector
		default:
			e.chunk.Source = domain.SourceKeyword
		}
		if maxScore > 0 {
			e.chunk.Score = float32(e.score / maxScore)
		}
		results = append(results, e.chunk)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	return results
}
