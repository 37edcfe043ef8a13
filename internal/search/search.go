// Package search implements the hybrid query orchestrator: it dispatches
// the vector and lexical sub-retrievers in parallel, fuses their shortlists
// via Reciprocal Rank Fusion, optionally reranks with a cross-encoder, and
// hydrates the result into passage text and snippets.
package search

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"hybridpdf/internal/catalogue"
	"hybridpdf/internal/embedding"
	"hybridpdf/internal/errs"
	"hybridpdf/internal/lexical"
	"hybridpdf/internal/reranker"
	"hybridpdf/internal/vectorindex"
)

// Mode selects which sub-retrievers and stages a query exercises.
type Mode string

const (
	ModeVector       Mode = "vector"
	ModeHybrid       Mode = "hybrid"
	ModeHybridRerank Mode = "hybrid+rerank"
)

// ParseMode validates a mode string from the query API, defaulting to hybrid.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeHybrid, nil
	case ModeVector, ModeHybrid, ModeHybridRerank:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown search mode %q", s)
	}
}

// Config tunes fusion weights and per-stage deadlines.
type Config struct {
	VectorDeadline time.Duration
	BM25Deadline   time.Duration
	RerankDeadline time.Duration
	KRRF           float64
	VectorWeight   float64
	BM25Weight     float64
	NProbe         int
	RerankPoolMax  int
	// MemCeilingMB disables the rerank stage whenever the process's live
	// heap exceeds this many megabytes, so an overloaded instance degrades
	// to fused ordering instead of risking an OOM on the heavier
	// cross-encoder pass. Zero disables the check.
	MemCeilingMB int
}

// DefaultConfig matches the documented defaults: 200/500/400ms per-stage
// deadlines, k_rrf=60, weights 0.7/0.3, a rerank pool capped at 30.
func DefaultConfig() Config {
	return Config{
		VectorDeadline: 200 * time.Millisecond,
		BM25Deadline:   500 * time.Millisecond,
		RerankDeadline: 400 * time.Millisecond,
		KRRF:           60,
		VectorWeight:   0.7,
		BM25Weight:     0.3,
		NProbe:         vectorindex.DefaultNProbe,
		RerankPoolMax:  30,
	}
}

// Hit is one result row returned to the caller.
type Hit struct {
	ID      int64
	Source  string
	Page    int
	Score   float64
	Text    string
	Snippet string
}

// Timings reports how long each stage took, in milliseconds.
type Timings struct {
	VectorMS int64
	BM25MS   int64
	RerankMS int64
	TotalMS  int64
}

// Response is the full result of one query.
type Response struct {
	Results  []Hit
	Degraded bool
	Timings  Timings
}

// Searcher wires the two sub-retrievers, the catalogue and an optional
// reranker into the query-lifecycle state machine:
// received -> dispatched(vector, bm25) -> fused -> [reranked] -> hydrated -> returned.
type Searcher struct {
	cat *catalogue.Catalogue
	vec *vectorindex.Index
	lex *lexical.Index
	emb embedding.Embedder
	rrk reranker.Reranker
	cfg Config
}

// New wires a Searcher. rrk may be nil; hybrid+rerank queries then degrade
// to fused ordering as if reranking had failed.
func New(cat *catalogue.Catalogue, vec *vectorindex.Index, lex *lexical.Index, emb embedding.Embedder, rrk reranker.Reranker, cfg Config) *Searcher {
	return &Searcher{cat: cat, vec: vec, lex: lex, emb: emb, rrk: rrk, cfg: cfg}
}

// Search runs one query through the full pipeline appropriate to mode.
func (s *Searcher) Search(ctx context.Context, query string, topK int, mode Mode) (Response, error) {
	start := time.Now()
	if topK < 0 || topK > 50 {
		return Response{}, &errs.ValidationError{Field: "top_k", Reason: "must be between 0 and 50"}
	}
	if topK == 0 {
		return Response{Results: []Hit{}}, nil
	}

	shortlist := topK * 4
	if shortlist < 40 {
		shortlist = 40
	}

	var (
		vecHits []vectorindex.ScoredID
		vecMS   int64
		vecErr  error

		bm25Hits []lexical.Result
		bm25MS   int64
		bm25Err  error
	)

	// The vector and lexical sub-retrievers share nothing but the query
	// text, so they run concurrently: their deadlines overlap instead of
	// stacking, which is what keeps a hybrid query's worst case close to
	// the slower of the two rather than their sum.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		vecHits, vecMS, vecErr = s.dispatchVector(ctx, query, shortlist)
	}()
	if mode != ModeVector {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bm25Hits, bm25MS, bm25Err = s.dispatchBM25(ctx, query, shortlist)
		}()
	}
	wg.Wait()

	var reasons []string
	if vecErr != nil {
		reasons = append(reasons, "vector: "+vecErr.Error())
	}
	if mode != ModeVector && bm25Err != nil {
		reasons = append(reasons, "bm25: "+bm25Err.Error())
	}
	degraded := len(reasons) > 0

	bothFailed := vecErr != nil && (mode == ModeVector || bm25Err != nil)
	if bothFailed {
		return Response{
			Degraded: true,
			Timings:  Timings{VectorMS: vecMS, BM25MS: bm25MS, TotalMS: time.Since(start).Milliseconds()},
		}, &errs.QueryDegraded{Reasons: reasons}
	}

	// Vector-only mode presents the sub-retriever's own cosine scores
	// directly rather than passing a single list through RRF, since RRF's
	// rank-based scoring only earns its keep when combining lists.
	if mode == ModeVector {
		if len(vecHits) > topK {
			vecHits = vecHits[:topK]
		}
		fused := make([]scored, len(vecHits))
		for i, h := range vecHits {
			fused[i] = scored{ID: h.ID, Score: float64(h.Score), VectorScore: h.Score}
		}
		hits, err := s.hydrate(fused, query)
		if err != nil {
			return Response{}, err
		}
		return Response{
			Results:  hits,
			Degraded: degraded,
			Timings:  Timings{VectorMS: vecMS, TotalMS: time.Since(start).Milliseconds()},
		}, nil
	}

	if vecErr != nil {
		vecHits = nil
	}
	if bm25Err != nil {
		bm25Hits = nil
	}
	fused := fuseRRF(vecHits, bm25Hits, s.cfg.KRRF, s.cfg.VectorWeight, s.cfg.BM25Weight)
	if len(fused) > topK {
		fused = fused[:topK]
	}

	var rerankMS int64
	final := fused
	if mode == ModeHybridRerank && len(fused) > 0 {
		if used, ok := s.overMemoryCeiling(); ok {
			reasons = append(reasons, (&errs.ResourceExhausted{Stage: "rerank", Limit: int64(s.cfg.MemCeilingMB) << 20, Used: used}).Error())
			degraded = true
		} else {
			var rerr error
			final, rerankMS, rerr = s.rerank(ctx, query, fused)
			if rerr != nil {
				reasons = append(reasons, "rerank: "+rerr.Error())
				degraded = true
				final = fused
			}
		}
	}

	hits, err := s.hydrate(final, query)
	if err != nil {
		return Response{}, err
	}
	return Response{
		Results:  hits,
		Degraded: degraded,
		Timings: Timings{
			VectorMS: vecMS,
			BM25MS:   bm25MS,
			RerankMS: rerankMS,
			TotalMS:  time.Since(start).Milliseconds(),
		},
	}, nil
}

// overMemoryCeiling reports whether the process's live heap has crossed
// cfg.MemCeilingMB, along with the current usage in bytes for diagnostics.
// A zero ceiling always reports false (the check is disabled).
func (s *Searcher) overMemoryCeiling() (usedBytes int64, over bool) {
	if s.cfg.MemCeilingMB <= 0 {
		return 0, false
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	used := int64(m.HeapAlloc)
	return used, used >= int64(s.cfg.MemCeilingMB)<<20
}

func (s *Searcher) dispatchVector(ctx context.Context, query string, k int) ([]vectorindex.ScoredID, int64, error) {
	begin := time.Now()
	if !s.vec.TrainingState().Trained {
		return nil, 0, fmt.Errorf("vector index untrained")
	}
	v, err := withTimeout(ctx, s.cfg.VectorDeadline, func() (interface{}, error) {
		qv, err := s.emb.Embed(query)
		if err != nil {
			return nil, err
		}
		return s.vec.Search(qv, k, s.cfg.NProbe)
	})
	ms := time.Since(begin).Milliseconds()
	if err != nil {
		return nil, ms, err
	}
	return v.([]vectorindex.ScoredID), ms, nil
}

func (s *Searcher) dispatchBM25(ctx context.Context, query string, k int) ([]lexical.Result, int64, error) {
	begin := time.Now()
	v, err := withTimeout(ctx, s.cfg.BM25Deadline, func() (interface{}, error) {
		return s.lex.Search(query, k)
	})
	ms := time.Since(begin).Milliseconds()
	if err != nil {
		return nil, ms, err
	}
	return v.([]lexical.Result), ms, nil
}

// rerank scores min(RerankPoolMax, |fused|) of the fused shortlist and
// blends the result back in; entries beyond the pool keep their fused
// order and are appended unchanged.
func (s *Searcher) rerank(ctx context.Context, query string, fused []scored) ([]scored, int64, error) {
	if s.rrk == nil {
		return nil, 0, fmt.Errorf("no reranker configured")
	}
	poolSize := len(fused)
	if poolSize > s.cfg.RerankPoolMax {
		poolSize = s.cfg.RerankPoolMax
	}
	pool := fused[:poolSize]

	ids := make([]int64, len(pool))
	for i, p := range pool {
		ids[i] = p.ID
	}
	passages, err := s.cat.GetPassagesByIDs(ids)
	if err != nil {
		return nil, 0, err
	}
	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Text
	}

	begin := time.Now()
	v, err := withTimeout(ctx, s.cfg.RerankDeadline, func() (interface{}, error) {
		return s.rrk.Rerank(query, texts)
	})
	ms := time.Since(begin).Milliseconds()
	if err != nil {
		return nil, ms, err
	}

	blended := blendRerank(pool, v.([]float64))
	if poolSize < len(fused) {
		blended = append(blended, fused[poolSize:]...)
	}
	return blended, ms, nil
}

// hydrate fetches passage text for the final ranked ids and builds Hits,
// preserving the caller's ordering.
func (s *Searcher) hydrate(ranked []scored, query string) ([]Hit, error) {
	if len(ranked) == 0 {
		return []Hit{}, nil
	}
	ids := make([]int64, len(ranked))
	for i, r := range ranked {
		ids[i] = r.ID
	}
	passages, err := s.cat.GetPassagesByIDs(ids)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(ranked))
	for i, p := range passages {
		hits[i] = Hit{
			ID:      p.ID,
			Source:  p.SourcePath,
			Page:    p.PageNumber,
			Score:   ranked[i].Score,
			Text:    p.Text,
			Snippet: buildSnippet(p.Text, query),
		}
	}
	return hits, nil
}

// withTimeout runs work in a goroutine and returns its result, or ctx's
// error if timeout elapses first. work's own goroutine is left to finish
// on its own; the embedder/reranker HTTP clients carry their own timeouts,
// so it is never abandoned indefinitely.
func withTimeout(ctx context.Context, timeout time.Duration, work func() (interface{}, error)) (interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   interface{}
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := work()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
