package search

import (
	"math"
	"sort"

	"hybridpdf/internal/lexical"
	"hybridpdf/internal/vectorindex"
)

// scored is one passage id's fused ranking signal, carried through fusion
// and (optionally) reranking before hydration into a Hit.
type scored struct {
	ID          int64
	Score       float64
	VectorScore float32
}

// fuseRRF combines the vector and lexical shortlists via Reciprocal Rank
// Fusion: score(id) = Σ weight_list/(k + rank_in_list), ids absent from a
// list contributing 0 for it. Sorted by descending score, ties broken by
// vector score then ascending id.
func fuseRRF(vecHits []vectorindex.ScoredID, bm25Hits []lexical.Result, kRRF, vectorWeight, bm25Weight float64) []scored {
	byID := make(map[int64]*scored)

	for rank, h := range vecHits {
		s, ok := byID[h.ID]
		if !ok {
			s = &scored{ID: h.ID}
			byID[h.ID] = s
		}
		s.Score += vectorWeight / (kRRF + float64(rank+1))
		s.VectorScore = h.Score
	}
	for rank, h := range bm25Hits {
		s, ok := byID[h.ID]
		if !ok {
			s = &scored{ID: h.ID}
			byID[h.ID] = s
		}
		s.Score += bm25Weight / (kRRF + float64(rank+1))
	}

	out := make([]scored, 0, len(byID))
	for _, s := range byID {
		out = append(out, *s)
	}
	sortFused(out)
	return out
}

func sortFused(list []scored) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].Score != list[j].Score {
			return list[i].Score > list[j].Score
		}
		if list[i].VectorScore != list[j].VectorScore {
			return list[i].VectorScore > list[j].VectorScore
		}
		return list[i].ID < list[j].ID
	})
}

// blendRerank replaces each pooled entry's fused score with
// 0.5*normalise(rrf_score) + 0.5*sigmoid(reranker_score), normalising the
// RRF score against the pool's own maximum, then re-sorts.
func blendRerank(pool []scored, rerankScores []float64) []scored {
	maxRRF := 0.0
	for _, s := range pool {
		if s.Score > maxRRF {
			maxRRF = s.Score
		}
	}
	if maxRRF == 0 {
		maxRRF = 1
	}

	out := make([]scored, len(pool))
	for i, s := range pool {
		norm := s.Score / maxRRF
		sig := 1 / (1 + math.Exp(-rerankScores[i]))
		out[i] = scored{ID: s.ID, Score: 0.5*norm + 0.5*sig, VectorScore: s.VectorScore}
	}
	sortFused(out)
	return out
}
