package vectorindex

import (
	"math/rand"
	"path/filepath"
	"testing"
)

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	l2Normalize(v)
	return v
}

func buildTrainedIndex(t *testing.T, dim, n int) (*Index, [][]float32) {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	vectors := make([][]float32, n)
	for i := range vectors {
		vectors[i] = randomVector(rng, dim)
	}
	ix := New(dim)
	if err := ix.Train(vectors); err != nil {
		t.Fatalf("Train: %v", err)
	}
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(i)
	}
	if err := ix.Add(ids, vectors); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return ix, vectors
}

func TestTrainRequiredBeforeAdd(t *testing.T) {
	ix := New(32)
	err := ix.Add([]int64{0}, [][]float32{make([]float32, 32)})
	if err == nil {
		t.Fatal("expected error adding before training")
	}
}

func TestSearchFindsExactMatch(t *testing.T) {
	dim := 32
	ix, vectors := buildTrainedIndex(t, dim, 300)

	target := 42
	results, err := ix.Search(vectors[target], 5, 8)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected at least one result")
	}
	found := false
	for _, r := range results {
		if r.ID == int64(target) {
			found = true
		}
	}
	if !found {
		t.Fatalf("exact query vector's own id not found in top results: %+v", results)
	}
}

func TestVerify(t *testing.T) {
	ix, _ := buildTrainedIndex(t, 32, 50)
	ok, detail := ix.Verify()
	if !ok {
		t.Fatalf("Verify() = false: %s", detail)
	}
}

func TestVerifyUntrainedFails(t *testing.T) {
	ix := New(32)
	ok, _ := ix.Verify()
	if ok {
		t.Fatal("expected Verify() to fail on an untrained index")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dim := 32
	ix, vectors := buildTrainedIndex(t, dim, 100)

	dir := t.TempDir()
	indexPath := filepath.Join(dir, "faiss.index")
	sidecarPath := filepath.Join(dir, "index_state.json")
	if err := ix.Save(indexPath, sidecarPath); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(indexPath, sidecarPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	before, err := ix.Search(vectors[0], 5, 8)
	if err != nil {
		t.Fatalf("Search before: %v", err)
	}
	after, err := loaded.Search(vectors[0], 5, 8)
	if err != nil {
		t.Fatalf("Search after: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("result count differs: %d vs %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID {
			t.Fatalf("result %d id differs: %d vs %d", i, before[i].ID, after[i].ID)
		}
		diff := before[i].Score - after[i].Score
		if diff < -1e-6 || diff > 1e-6 {
			t.Fatalf("result %d score differs beyond tolerance: %v vs %v", i, before[i].Score, after[i].Score)
		}
	}
}

func TestSaveLoadRoundTripSmallCorpus(t *testing.T) {
	// A corpus far under 256 vectors (a single small PDF, forced-trained by
	// the driver) produces codebooks with fewer than 256 entries per
	// sub-vector; Save/Load must agree on that count instead of assuming
	// the full 256.
	dim := 32
	ix, vectors := buildTrainedIndex(t, dim, 5)

	dir := t.TempDir()
	indexPath := filepath.Join(dir, "faiss.index")
	sidecarPath := filepath.Join(dir, "index_state.json")
	if err := ix.Save(indexPath, sidecarPath); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(indexPath, sidecarPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	before, err := ix.Search(vectors[0], 3, 8)
	if err != nil {
		t.Fatalf("Search before: %v", err)
	}
	after, err := loaded.Search(vectors[0], 3, 8)
	if err != nil {
		t.Fatalf("Search after: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("result count differs: %d vs %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID {
			t.Fatalf("result %d id differs: %d vs %d", i, before[i].ID, after[i].ID)
		}
	}
}

func TestLoadDetectsTruncation(t *testing.T) {
	dim := 16
	ix, _ := buildTrainedIndex(t, dim, 40)
	dir := t.TempDir()
	indexPath := filepath.Join(dir, "faiss.index")
	sidecarPath := filepath.Join(dir, "index_state.json")
	if err := ix.Save(indexPath, sidecarPath); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := readAll(indexPath)
	if err != nil {
		t.Fatalf("readAll: %v", err)
	}
	truncated := data[:len(data)-10]
	if err := writeAll(indexPath, truncated); err != nil {
		t.Fatalf("writeAll: %v", err)
	}

	if _, err := Load(indexPath, sidecarPath); err == nil {
		t.Fatal("expected IndexCorruption on truncated artefact")
	}
}
