package search

import (
	"testing"

	"hybridpdf/internal/lexical"
	"hybridpdf/internal/vectorindex"
)

func TestFuseRRFWeightsAndOrder(t *testing.T) {
	vec := []vectorindex.ScoredID{{ID: 1, Score: 0.9}, {ID: 2, Score: 0.5}}
	bm25 := []lexical.Result{{ID: 3, Score: 5.0}, {ID: 2, Score: 4.0}}

	fused := fuseRRF(vec, bm25, 60, 0.7, 0.3)
	if len(fused) != 3 {
		t.Fatalf("len(fused) = %d, want 3", len(fused))
	}
	// id 2 appears in both lists and should outrank ids appearing in only one.
	if fused[0].ID != 2 {
		t.Fatalf("expected id 2 (in both lists) to rank first, got %+v", fused)
	}
}

func TestFuseRRFTieBreaksByVectorScoreThenID(t *testing.T) {
	// With equal weights, id 7 (rank 1 in the vector list only) and id 5
	// (rank 1 in the bm25 list only) get the same fused score; id 7 carries a
	// vector score and id 5 does not, so id 7 wins the tie.
	fused := fuseRRF([]vectorindex.ScoredID{{ID: 7, Score: 0.1}}, []lexical.Result{{ID: 5, Score: 9.0}}, 60, 0.5, 0.5)
	if fused[0].ID != 7 {
		t.Fatalf("expected the id with a vector score (id 7) to win the tie, got %+v", fused)
	}

	// ids 9 and 4 swap ranks across the two lists and share a vector score,
	// so fused score and vector score both tie and the lower id comes first.
	fused = fuseRRF(
		[]vectorindex.ScoredID{{ID: 9, Score: 0.5}, {ID: 4, Score: 0.5}},
		[]lexical.Result{{ID: 4, Score: 2.0}, {ID: 9, Score: 1.0}},
		60, 0.5, 0.5)
	if fused[0].ID != 4 {
		t.Fatalf("expected the lower id (4) to win a full tie, got %+v", fused)
	}
}

func TestBlendRerankInvertsOrderOnStrongSignal(t *testing.T) {
	pool := []scored{{ID: 3, Score: 0.011}, {ID: 2, Score: 0.005}}
	blended := blendRerank(pool, []float64{-10, 10})
	if blended[0].ID != 2 {
		t.Fatalf("expected reranker's strong preference for id 2 to invert fused order, got %+v", blended)
	}
}

func TestBlendRerankPreservesOrderOnNeutralSignal(t *testing.T) {
	pool := []scored{{ID: 3, Score: 0.011}, {ID: 2, Score: 0.005}}
	blended := blendRerank(pool, []float64{0, 0})
	if blended[0].ID != 3 {
		t.Fatalf("expected fused order preserved when reranker is neutral, got %+v", blended)
	}
}
