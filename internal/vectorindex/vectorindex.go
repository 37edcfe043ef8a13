// Package vectorindex implements the dense side of the hybrid searcher: an
// IVF-PQ approximate nearest-neighbour structure over L2-normalised
// 512-dimensional vectors, with an exact-reconstruction refinement step
// ("RFlat") to stabilise ranking near the top of each shortlist.
package vectorindex

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"hybridpdf/internal/errs"
)

const (
	// Nlist is the coarse quantizer's centroid count.
	Nlist = 256
	// PQSubvectors is M, the number of product-quantiser sub-vectors.
	PQSubvectors = 16
	// PQBits is nbits, fixed at 8 (one byte per sub-code).
	PQBits = 8
	// DefaultNProbe is how many coarse cells a search visits by default.
	DefaultNProbe = 8
	// refineFactor over-fetches the ADC shortlist before exact rescoring.
	refineFactor = 4

	magic   = "KGSV01"
	version = 1
)

// TrainingState summarises whether and how the index was trained.
type TrainingState struct {
	Trained    bool
	Dim        int
	Nlist      int
	PQM        int
	PQNBits    int
	NTotal     int
}

// ScoredID is one (passage id, similarity score) search hit.
type ScoredID struct {
	ID    int64
	Score float32
}

// Index is the IVF-PQ vector index. All vectors are assumed L2-normalised
// on input, so inner product equals cosine similarity.
type Index struct {
	mu sync.RWMutex

	dim     int
	trained bool

	centroids [][]float32 // [<=Nlist][dim]; fewer when trained on fewer vectors
	pq        *productQuantizer

	ids           []int64
	codes         [][]byte  // parallel to ids
	cellAssignment []int    // parallel to ids: which coarse centroid
	invertedLists [][]int   // [len(centroids)] -> indices into ids/codes

	nprobe int
}

// New constructs an untrained index for vectors of the given dimension.
func New(dim int) *Index {
	return &Index{dim: dim, nprobe: DefaultNProbe}
}

// SetNProbe overrides the number of coarse cells visited per search.
func (ix *Index) SetNProbe(n int) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.nprobe = n
}

// Train fits the coarse quantizer and product-quantiser codebooks from a
// sample of training vectors. May be called only once per index; the
// codebook is immutable thereafter.
func (ix *Index) Train(trainingVectors [][]float32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.trained {
		return fmt.Errorf("vectorindex: already trained, reset requires full rebuild")
	}
	if len(trainingVectors) == 0 {
		return fmt.Errorf("vectorindex: no training vectors")
	}
	for _, v := range trainingVectors {
		if len(v) != ix.dim {
			return fmt.Errorf("vectorindex: training vector has dim %d, want %d", len(v), ix.dim)
		}
	}

	normalised := make([][]float32, len(trainingVectors))
	for i, v := range trainingVectors {
		cp := make([]float32, len(v))
		copy(cp, v)
		l2Normalize(cp)
		normalised[i] = cp
	}

	rng := rand.New(rand.NewSource(42))
	nlist := Nlist
	if nlist > len(normalised) {
		nlist = len(normalised)
	}
	ix.centroids = kmeans(normalised, nlist, rng)

	residuals := make([][]float32, len(normalised))
	for i, v := range normalised {
		c := nearestCentroid(v, ix.centroids)
		residuals[i] = residual(v, ix.centroids[c])
	}
	ix.pq = trainProductQuantizer(residuals, PQSubvectors, rng)

	ix.invertedLists = make([][]int, len(ix.centroids))
	ix.trained = true
	return nil
}

// Add quantises and appends vectors, requiring the index to already be
// trained. Addition is append-only; the catalogue guarantees id
// uniqueness so no duplicate check is performed here.
func (ix *Index) Add(ids []int64, vectors [][]float32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.trained {
		return fmt.Errorf("vectorindex: cannot add before training")
	}
	if len(ids) != len(vectors) {
		return fmt.Errorf("vectorindex: ids/vectors length mismatch")
	}

	for i, v := range vectors {
		if len(v) != ix.dim {
			return fmt.Errorf("vectorindex: vector has dim %d, want %d", len(v), ix.dim)
		}
		cp := make([]float32, len(v))
		copy(cp, v)
		l2Normalize(cp)

		cell := nearestCentroid(cp, ix.centroids)
		res := residual(cp, ix.centroids[cell])
		code := ix.pq.Encode(res)

		idx := len(ix.ids)
		ix.ids = append(ix.ids, ids[i])
		ix.codes = append(ix.codes, code)
		ix.cellAssignment = append(ix.cellAssignment, cell)
		ix.invertedLists[cell] = append(ix.invertedLists[cell], idx)
	}
	return nil
}

// Search returns at most k (id, score) pairs ordered by descending score.
func (ix *Index) Search(query []float32, k int, nprobe int) ([]ScoredID, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if !ix.trained {
		return nil, fmt.Errorf("vectorindex: not trained")
	}
	if len(query) != ix.dim {
		return nil, fmt.Errorf("vectorindex: query has dim %d, want %d", len(query), ix.dim)
	}
	if k <= 0 {
		return nil, nil
	}
	if nprobe <= 0 {
		nprobe = ix.nprobe
	}

	q := make([]float32, len(query))
	copy(q, query)
	l2Normalize(q)

	cellScores := make([]ScoredID, len(ix.centroids))
	for i, c := range ix.centroids {
		cellScores[i] = ScoredID{ID: int64(i), Score: dotProduct(q, c)}
	}
	sort.Slice(cellScores, func(i, j int) bool { return cellScores[i].Score > cellScores[j].Score })
	if nprobe > len(cellScores) {
		nprobe = len(cellScores)
	}

	shortlistSize := k * refineFactor
	type candidate struct {
		idx   int
		score float32
	}
	var candidates []candidate

	for p := 0; p < nprobe; p++ {
		cell := int(cellScores[p].ID)
		centroid := ix.centroids[cell]
		qResidual := residual(q, centroid)
		table := ix.pq.distanceTable(qResidual)
		for _, idx := range ix.invertedLists[cell] {
			approx := scoreADC(table, ix.codes[idx])
			candidates = append(candidates, candidate{idx: idx, score: approx})
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > shortlistSize {
		candidates = candidates[:shortlistSize]
	}

	refined := make([]ScoredID, 0, len(candidates))
	for _, c := range candidates {
		cell := ix.cellAssignment[c.idx]
		recon := ix.pq.Reconstruct(ix.codes[c.idx])
		approxVec := addVectors(ix.centroids[cell], recon)
		exact := dotProduct(q, approxVec)
		refined = append(refined, ScoredID{ID: ix.ids[c.idx], Score: exact})
	}
	sort.Slice(refined, func(i, j int) bool { return refined[i].Score > refined[j].Score })
	if len(refined) > k {
		refined = refined[:k]
	}
	return refined, nil
}

// NTotal returns the number of vectors added so far.
func (ix *Index) NTotal() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.ids)
}

// TrainingState reports the current training/parameter state.
func (ix *Index) TrainingState() TrainingState {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return TrainingState{
		Trained: ix.trained,
		Dim:     ix.dim,
		Nlist:   Nlist,
		PQM:     PQSubvectors,
		PQNBits: PQBits,
		NTotal:  len(ix.ids),
	}
}

// Verify confirms trained state, that the code count equals the id-map
// length, and that the id-map is injective.
func (ix *Index) Verify() (bool, string) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if !ix.trained {
		return false, "index is not trained"
	}
	if len(ix.codes) != len(ix.ids) {
		return false, fmt.Sprintf("code count %d != id count %d", len(ix.codes), len(ix.ids))
	}
	seen := make(map[int64]struct{}, len(ix.ids))
	for _, id := range ix.ids {
		if _, dup := seen[id]; dup {
			return false, fmt.Sprintf("duplicate id %d in id-map", id)
		}
		seen[id] = struct{}{}
	}
	return true, fmt.Sprintf("ok: %d vectors", len(ix.ids))
}

func residual(v, centroid []float32) []float32 {
	out := make([]float32, len(v))
	for i := range v {
		out[i] = v[i] - centroid[i]
	}
	return out
}

func addVectors(a, b []float32) []float32 {
	out := make([]float32, len(a))
	for i := range a {
		out[i] = a[i] + b[i]
	}
	return out
}

// wrapCorruption is a convenience for persist.go to tag load-time failures.
func wrapCorruption(path string, err error) error {
	return &errs.IndexCorruption{Path: path, Err: err}
}
