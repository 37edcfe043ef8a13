package driver

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hybridpdf/internal/catalogue"
	"hybridpdf/internal/extractor"
	"hybridpdf/internal/lexical"
	"hybridpdf/internal/vectorindex"
)

type fakeEmbedder struct {
	dim        int
	calls      int
	failFirst  bool
	failedOnce bool
	alwaysFail bool
}

func (f *fakeEmbedder) Embed(text string) ([]float32, error) {
	out, err := f.EmbedBatch([]string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (f *fakeEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	f.calls++
	if f.alwaysFail {
		return nil, fmt.Errorf("embedder unavailable")
	}
	if f.failFirst && !f.failedOnce {
		f.failedOnce = true
		return nil, fmt.Errorf("transient failure")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		v := make([]float32, f.dim)
		v[0] = float32(i) + 1
		out[i] = v
	}
	return out, nil
}

func newTestDriver(t *testing.T, dim int, cfg Config) (*Driver, *catalogue.Catalogue, *lexical.Index, *fakeEmbedder) {
	t.Helper()
	cat, err := catalogue.Open(filepath.Join(t.TempDir(), "metadata.db"))
	if err != nil {
		t.Fatalf("catalogue.Open: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	lex, err := lexical.Open(filepath.Join(t.TempDir(), "bm25.db"))
	if err != nil {
		t.Fatalf("lexical.Open: %v", err)
	}
	t.Cleanup(func() { lex.Close() })

	vec := vectorindex.New(dim)
	emb := &fakeEmbedder{dim: dim}

	d, err := New(cat, vec, lex, extractor.New(), emb, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, cat, lex, emb
}

func testConfig(t *testing.T, batchSize, trainingThreshold int) Config {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "overflow.bin"))
	cfg.BatchSize = batchSize
	cfg.TrainingThreshold = trainingThreshold
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func TestEmbedWithRetrySucceedsAfterOneFailure(t *testing.T) {
	cfg := testConfig(t, 128, 100_000)
	d, _, _, emb := newTestDriver(t, 16, cfg)
	emb.failFirst = true

	vectors, err := d.embedWithRetry([]string{"a", "b"})
	if err != nil {
		t.Fatalf("embedWithRetry: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("len(vectors) = %d, want 2", len(vectors))
	}
	if emb.calls != 2 {
		t.Fatalf("calls = %d, want 2 (one failure, one retry)", emb.calls)
	}
}

func TestEmbedWithRetryGivesUpAfterMaxRetries(t *testing.T) {
	cfg := testConfig(t, 128, 100_000)
	cfg.MaxRetries = 1
	d, _, _, emb := newTestDriver(t, 16, cfg)
	emb.alwaysFail = true

	if _, err := d.embedWithRetry([]string{"a"}); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if emb.calls != 2 {
		t.Fatalf("calls = %d, want 2 (initial + 1 retry)", emb.calls)
	}
}

func TestAddVectorsBuffersUntilThresholdThenTrains(t *testing.T) {
	dim := 16
	cfg := testConfig(t, 128, 5)
	d, _, _, _ := newTestDriver(t, dim, cfg)

	mk := func(n, offset int) ([]int64, [][]float32) {
		ids := make([]int64, n)
		vecs := make([][]float32, n)
		for i := 0; i < n; i++ {
			ids[i] = int64(offset + i)
			v := make([]float32, dim)
			for j := range v {
				v[j] = float32(offset+i+j) * 0.01
			}
			vecs[i] = v
		}
		return ids, vecs
	}

	ids, vecs := mk(3, 0)
	if err := d.addVectors(ids, vecs); err != nil {
		t.Fatalf("addVectors (below threshold): %v", err)
	}
	if d.vec.TrainingState().Trained {
		t.Fatal("index trained before reaching the training threshold")
	}
	if d.overflowCount != 3 {
		t.Fatalf("overflowCount = %d, want 3", d.overflowCount)
	}

	ids, vecs = mk(3, 3)
	if err := d.addVectors(ids, vecs); err != nil {
		t.Fatalf("addVectors (crossing threshold): %v", err)
	}
	if !d.vec.TrainingState().Trained {
		t.Fatal("expected index to be trained after crossing the threshold")
	}
	if d.vec.NTotal() != 6 {
		t.Fatalf("NTotal() = %d, want 6", d.vec.NTotal())
	}
	if d.overflowCount != 0 {
		t.Fatalf("overflowCount = %d, want 0 after drain", d.overflowCount)
	}
}

func TestForceTrainDrainsSmallCorpus(t *testing.T) {
	dim := 16
	cfg := testConfig(t, 128, 100_000)
	d, _, _, _ := newTestDriver(t, dim, cfg)

	ids := []int64{0, 1}
	vecs := [][]float32{
		make([]float32, dim),
		make([]float32, dim),
	}
	vecs[0][0] = 1
	vecs[1][1] = 1
	if err := d.addVectors(ids, vecs); err != nil {
		t.Fatalf("addVectors: %v", err)
	}
	if err := d.ForceTrain(); err != nil {
		t.Fatalf("ForceTrain: %v", err)
	}
	if !d.vec.TrainingState().Trained {
		t.Fatal("expected ForceTrain to train the index")
	}
	if d.vec.NTotal() != 2 {
		t.Fatalf("NTotal() = %d, want 2", d.vec.NTotal())
	}
}

func TestProcessChunksFlushesInBatchesAndCommits(t *testing.T) {
	dim := 16
	cfg := testConfig(t, 2, 100_000)
	d, cat, lex, emb := newTestDriver(t, dim, cfg)

	chunks := make([]extractor.Chunk, 5)
	for i := range chunks {
		chunks[i] = extractor.Chunk{PageNumber: 1, ChunkIndex: i, Text: fmt.Sprintf("passage text %d", i)}
	}

	if err := d.processChunks("file.pdf", chunks, 100); err != nil {
		t.Fatalf("processChunks: %v", err)
	}
	// batches of 2,2,1 -> three EmbedBatch calls
	if emb.calls != 3 {
		t.Fatalf("emb.calls = %d, want 3", emb.calls)
	}

	ids := []int64{100, 101, 102, 103, 104}
	passages, err := cat.GetPassagesByIDs(ids)
	if err != nil {
		t.Fatalf("GetPassagesByIDs: %v", err)
	}
	if len(passages) != 5 {
		t.Fatalf("len(passages) = %d, want 5", len(passages))
	}

	n, err := lex.CountInRange(100, 104)
	if err != nil {
		t.Fatalf("CountInRange: %v", err)
	}
	if n != 5 {
		t.Fatalf("lexical CountInRange = %d, want 5", n)
	}
	if d.overflowCount != 5 {
		t.Fatalf("overflowCount = %d, want 5 (index still untrained)", d.overflowCount)
	}
}

func TestFailedBatchRollsBackAllocatedRange(t *testing.T) {
	dim := 16
	cfg := testConfig(t, 128, 100_000)
	cfg.MaxRetries = 0
	d, cat, _, emb := newTestDriver(t, dim, cfg)
	emb.alwaysFail = true

	chunks := []extractor.Chunk{{PageNumber: 1, ChunkIndex: 0, Text: "a"}, {PageNumber: 1, ChunkIndex: 1, Text: "b"}}
	first, last, err := cat.AssignIDs(len(chunks))
	if err != nil {
		t.Fatalf("AssignIDs: %v", err)
	}
	if err := cat.MarkPending("broken.pdf", "hash", first, last); err != nil {
		t.Fatalf("MarkPending: %v", err)
	}

	err = d.processChunks("broken.pdf", chunks, first)
	if err == nil {
		t.Fatal("expected processChunks to fail when the embedder is unavailable")
	}
	if err := cat.DeletePassageRange("broken.pdf", first, last); err != nil {
		t.Fatalf("DeletePassageRange: %v", err)
	}

	n, err := cat.CountPassagesInRange(first, last)
	if err != nil {
		t.Fatalf("CountPassagesInRange: %v", err)
	}
	if n != 0 {
		t.Fatalf("CountPassagesInRange = %d, want 0 after rollback", n)
	}
	state, err := cat.FileState("broken.pdf")
	if err != nil {
		t.Fatalf("FileState: %v", err)
	}
	if state != nil {
		t.Fatalf("expected no file record after rollback, got %+v", state)
	}
}

func TestRecoverRollsBackPendingFiles(t *testing.T) {
	cfg := testConfig(t, 128, 100_000)
	d, cat, _, _ := newTestDriver(t, 16, cfg)

	if _, _, err := cat.AssignIDs(3); err != nil {
		t.Fatalf("AssignIDs: %v", err)
	}
	if err := cat.MarkPending("crashed.pdf", "hash", 0, 2); err != nil {
		t.Fatalf("MarkPending: %v", err)
	}

	n, err := d.Recover()
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("Recover() = %d, want 1", n)
	}

	state, err := cat.FileState("crashed.pdf")
	if err != nil {
		t.Fatalf("FileState: %v", err)
	}
	if state != nil {
		t.Fatalf("expected pending file record to be removed by Recover, got %+v", state)
	}
}

func TestSkipAlreadyIndexedUnchangedFile(t *testing.T) {
	cfg := testConfig(t, 128, 100_000)
	_, cat, _, _ := newTestDriver(t, 16, cfg)

	hash := contentHash([]byte("pdf bytes"))
	if err := cat.FinishFile("seen.pdf", hash, 10, 12, true, time.Now().Unix()); err != nil {
		t.Fatalf("FinishFile: %v", err)
	}

	prior, err := cat.BeginFile("seen.pdf", hash)
	if err != nil {
		t.Fatalf("BeginFile: %v", err)
	}
	if !catalogue.ShouldSkip(prior, hash) {
		t.Fatal("expected ShouldSkip to report true for an unchanged, already-indexed file")
	}
}

func TestIndexDirectoryWalksSubdirsAndSkipsNonPDFs(t *testing.T) {
	cfg := testConfig(t, 128, 100_000)
	d, _, _, _ := newTestDriver(t, 16, cfg)

	root := t.TempDir()
	sub := filepath.Join(root, "nested")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	write := func(path string, data []byte) {
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("WriteFile %s: %v", path, err)
		}
	}
	write(filepath.Join(root, "a.pdf"), []byte("not a real pdf"))
	write(filepath.Join(root, "B.PDF"), []byte("also not a real pdf"))
	write(filepath.Join(sub, "c.pdf"), []byte("nested, not a real pdf either"))
	write(filepath.Join(root, "notes.txt"), []byte("ignore me, wrong extension"))

	results, err := d.IndexDirectory(root)
	if err != nil {
		t.Fatalf("IndexDirectory: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3 (only .pdf files, recursing into subdirectories)", len(results))
	}
	for _, r := range results {
		if !r.Failed {
			t.Fatalf("expected %s to fail extraction (not a real PDF), got %+v", r.SourcePath, r)
		}
	}
}

func TestIndexDirectoryForceTrainsSmallCorpus(t *testing.T) {
	dim := 16
	cfg := testConfig(t, 128, 100_000)
	d, _, _, _ := newTestDriver(t, dim, cfg)

	ids := []int64{0, 1}
	vecs := [][]float32{
		make([]float32, dim),
		make([]float32, dim),
	}
	vecs[0][0] = 1
	vecs[1][1] = 1
	if err := d.addVectors(ids, vecs); err != nil {
		t.Fatalf("addVectors: %v", err)
	}
	if d.vec.TrainingState().Trained {
		t.Fatal("index trained before IndexDirectory forces it")
	}

	root := t.TempDir()
	// No PDFs to walk; IndexDirectory must still force-train whatever was
	// already buffered so a corpus under the training threshold ends up
	// searchable.
	results, err := d.IndexDirectory(root)
	if err != nil {
		t.Fatalf("IndexDirectory: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("len(results) = %d, want 0", len(results))
	}
	if !d.vec.TrainingState().Trained {
		t.Fatal("expected IndexDirectory to force-train the accumulated overflow")
	}
}

func TestDedupChunkTextDropsRepeatsWithinFile(t *testing.T) {
	chunks := []extractor.Chunk{
		{PageNumber: 1, ChunkIndex: 0, Text: "第1章 はじめに"},
		{PageNumber: 2, ChunkIndex: 0, Text: "第1章 はじめに"}, // running header, repeats verbatim
		{PageNumber: 2, ChunkIndex: 1, Text: "本文はここから始まる。"},
		{PageNumber: 3, ChunkIndex: 0, Text: "第1章 はじめに"},
	}

	deduped := dedupChunkText(chunks)

	if len(deduped) != 2 {
		t.Fatalf("len(deduped) = %d, want 2, got %+v", len(deduped), deduped)
	}
	if deduped[0].Text != "第1章 はじめに" || deduped[0].PageNumber != 1 {
		t.Fatalf("expected the first occurrence to survive, got %+v", deduped[0])
	}
	if deduped[1].Text != "本文はここから始まる。" {
		t.Fatalf("expected the unique chunk to survive, got %+v", deduped[1])
	}
}

func TestDedupChunkTextShrinksIDAllocation(t *testing.T) {
	cfg := testConfig(t, 128, 100_000)
	_, cat, _, _ := newTestDriver(t, 16, cfg)

	// Two chunks with identical text (as if a page header appeared twice)
	// plus one unique chunk should collapse to two allocated ids.
	chunks := []extractor.Chunk{
		{PageNumber: 1, ChunkIndex: 0, Text: "重複ヘッダー"},
		{PageNumber: 2, ChunkIndex: 0, Text: "重複ヘッダー"},
		{PageNumber: 2, ChunkIndex: 1, Text: "固有の本文"},
	}
	deduped := dedupChunkText(chunks)
	first, last, err := cat.AssignIDs(len(deduped))
	if err != nil {
		t.Fatalf("AssignIDs: %v", err)
	}
	if last-first+1 != 2 {
		t.Fatalf("expected 2 ids allocated for deduplicated chunks, got %d", last-first+1)
	}
}
