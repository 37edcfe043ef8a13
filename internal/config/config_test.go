package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func testKey() []byte {
	return []byte("01234567890123456789012345678901") // 32 bytes
}

func tempConfigPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.json")
}

func newTestManager(t *testing.T) (*ConfigManager, string) {
	t.Helper()
	path := tempConfigPath(t)
	cm, err := NewConfigManagerWithKey(path, testKey())
	if err != nil {
		t.Fatalf("NewConfigManagerWithKey: %v", err)
	}
	return cm, path
}

func TestNewConfigManagerWithKey_InvalidKeyLength(t *testing.T) {
	_, err := NewConfigManagerWithKey("test.json", []byte("short"))
	if err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestLoad_CreatesDefaultOnMissing(t *testing.T) {
	cm, path := newTestManager(t)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatal("config file was not created")
	}

	cfg := cm.Get()
	if cfg == nil {
		t.Fatal("Get returned nil")
	}

	if cfg.Index.ChunkSize != 400 {
		t.Errorf("ChunkSize = %d, want 400", cfg.Index.ChunkSize)
	}
	if cfg.Index.ChunkOverlap != 50 {
		t.Errorf("ChunkOverlap = %d, want 50", cfg.Index.ChunkOverlap)
	}
	if cfg.Search.DefaultTopK != 5 {
		t.Errorf("DefaultTopK = %d, want 5", cfg.Search.DefaultTopK)
	}
	if cfg.Search.MaxTopK != 50 {
		t.Errorf("MaxTopK = %d, want 50", cfg.Search.MaxTopK)
	}
	if cfg.Search.KRRF != 60 {
		t.Errorf("KRRF = %f, want 60", cfg.Search.KRRF)
	}
	if cfg.Search.VectorWeight != 0.7 || cfg.Search.BM25Weight != 0.3 {
		t.Errorf("weights = %f/%f, want 0.7/0.3", cfg.Search.VectorWeight, cfg.Search.BM25Weight)
	}
	if cfg.Index.TrainingThreshold != 100_000 {
		t.Errorf("TrainingThreshold = %d, want 100000", cfg.Index.TrainingThreshold)
	}
	if cfg.Index.DataDir != "./data" {
		t.Errorf("DataDir = %q, want ./data", cfg.Index.DataDir)
	}
	if cfg.Memory.SoftCeilingMB != 4096 {
		t.Errorf("SoftCeilingMB = %d, want 4096", cfg.Memory.SoftCeilingMB)
	}
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	cm, path := newTestManager(t)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	cm.config.Embedding.APIKey = "sk-test-secret-key-12345"
	cm.config.Embedding.Endpoint = "https://api.example.com/v1"
	cm.config.Reranker.APIKey = "rrk-secret-key-67890"
	cm.config.Reranker.Enabled = true

	if err := cm.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cm2, err := NewConfigManagerWithKey(path, testKey())
	if err != nil {
		t.Fatalf("NewConfigManagerWithKey: %v", err)
	}
	if err := cm2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg := cm2.Get()
	if cfg.Embedding.APIKey != "sk-test-secret-key-12345" {
		t.Errorf("Embedding.APIKey = %q", cfg.Embedding.APIKey)
	}
	if cfg.Embedding.Endpoint != "https://api.example.com/v1" {
		t.Errorf("Embedding.Endpoint = %q", cfg.Embedding.Endpoint)
	}
	if cfg.Reranker.APIKey != "rrk-secret-key-67890" {
		t.Errorf("Reranker.APIKey = %q", cfg.Reranker.APIKey)
	}
	if !cfg.Reranker.Enabled {
		t.Error("Reranker.Enabled did not round-trip")
	}
}

func TestSave_APIKeysEncryptedOnDisk(t *testing.T) {
	cm, path := newTestManager(t)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	cm.config.Embedding.APIKey = "my-secret-embedding-key"
	cm.config.Reranker.APIKey = "my-secret-reranker-key"

	if err := cm.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	raw := string(data)

	if strings.Contains(raw, "my-secret-embedding-key") {
		t.Error("embedding API key found in plaintext on disk")
	}
	if strings.Contains(raw, "my-secret-reranker-key") {
		t.Error("reranker API key found in plaintext on disk")
	}
	if !strings.Contains(raw, encryptedPrefix) {
		t.Error("encrypted prefix not found in file")
	}
}

func TestUpdate_AppliesAndPersists(t *testing.T) {
	cm, path := newTestManager(t)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	updates := map[string]interface{}{
		"embedding.endpoint":   "https://new-api.example.com",
		"embedding.api_key":    "new-key",
		"embedding.model_name": "text-embedding-4",
		"index.chunk_size":     1024,
		"search.default_top_k": 10,
		"reranker.enabled":     true,
	}
	if err := cm.Update(updates); err != nil {
		t.Fatalf("Update: %v", err)
	}

	cfg := cm.Get()
	if cfg.Embedding.Endpoint != "https://new-api.example.com" {
		t.Errorf("Embedding.Endpoint = %q", cfg.Embedding.Endpoint)
	}
	if cfg.Embedding.ModelName != "text-embedding-4" {
		t.Errorf("Embedding.ModelName = %q", cfg.Embedding.ModelName)
	}
	if cfg.Index.ChunkSize != 1024 {
		t.Errorf("ChunkSize = %d", cfg.Index.ChunkSize)
	}
	if cfg.Search.DefaultTopK != 10 {
		t.Errorf("DefaultTopK = %d", cfg.Search.DefaultTopK)
	}
	if !cfg.Reranker.Enabled {
		t.Error("Reranker.Enabled = false, want true")
	}

	cm2, err := NewConfigManagerWithKey(path, testKey())
	if err != nil {
		t.Fatalf("NewConfigManagerWithKey: %v", err)
	}
	if err := cm2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg2 := cm2.Get()
	if cfg2.Embedding.Endpoint != "https://new-api.example.com" {
		t.Errorf("persisted Embedding.Endpoint = %q", cfg2.Embedding.Endpoint)
	}
	if cfg2.Embedding.APIKey != "new-key" {
		t.Errorf("persisted Embedding.APIKey = %q", cfg2.Embedding.APIKey)
	}
}

func TestUpdate_UnknownKey(t *testing.T) {
	cm, _ := newTestManager(t)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	err := cm.Update(map[string]interface{}{"unknown.key": "value"})
	if err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestUpdate_RejectsInvalidPort(t *testing.T) {
	cm, _ := newTestManager(t)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cm.Update(map[string]interface{}{"server.port": 99999}); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	cm, _ := newTestManager(t)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg1 := cm.Get()
	cfg1.Embedding.Endpoint = "modified"

	cfg2 := cm.Get()
	if cfg2.Embedding.Endpoint == "modified" {
		t.Error("Get did not return a copy, mutation leaked")
	}
}

func TestLoad_PlaintextAPIKey(t *testing.T) {
	// Simulate a manually edited config with a plaintext API key.
	path := tempConfigPath(t)
	raw := map[string]interface{}{
		"embedding": map[string]interface{}{
			"api_key": "plaintext-key",
		},
	}
	data, _ := json.Marshal(raw)
	os.WriteFile(path, data, 0600)

	cm, err := NewConfigManagerWithKey(path, testKey())
	if err != nil {
		t.Fatalf("NewConfigManagerWithKey: %v", err)
	}
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg := cm.Get()
	if cfg.Embedding.APIKey != "plaintext-key" {
		t.Errorf("APIKey = %q, want plaintext-key", cfg.Embedding.APIKey)
	}
}

func TestEncryptDecrypt_EmptyString(t *testing.T) {
	cm, _ := newTestManager(t)
	encrypted := cm.encryptIfNeeded("")
	if encrypted != "" {
		t.Errorf("encryptIfNeeded empty = %q, want empty", encrypted)
	}
	decrypted, err := cm.decryptIfNeeded("")
	if err != nil {
		t.Fatalf("decryptIfNeeded: %v", err)
	}
	if decrypted != "" {
		t.Errorf("decryptIfNeeded empty = %q, want empty", decrypted)
	}
}

func TestSearchConfig_DeadlineHelpersConvertMilliseconds(t *testing.T) {
	cm, _ := newTestManager(t)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := cm.Get()
	if cfg.Search.VectorDeadline() != 200*time.Millisecond {
		t.Errorf("VectorDeadline() = %v, want 200ms", cfg.Search.VectorDeadline())
	}
	if cfg.Search.BM25Deadline() != 500*time.Millisecond {
		t.Errorf("BM25Deadline() = %v, want 500ms", cfg.Search.BM25Deadline())
	}
	if cfg.Search.RerankDeadline() != 400*time.Millisecond {
		t.Errorf("RerankDeadline() = %v, want 400ms", cfg.Search.RerankDeadline())
	}
}

// TestProperty_IndexConfigPersistenceRoundTrip checks that for any valid
// indexing configuration, updating and reloading returns the same values.
func TestProperty_IndexConfigPersistenceRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		chunkSize := rapid.IntRange(50, 2000).Draw(rt, "chunk_size")
		overlap := rapid.IntRange(1, 200).Draw(rt, "chunk_overlap")
		batchSize := rapid.IntRange(1, 512).Draw(rt, "batch_size")
		topK := rapid.IntRange(1, 50).Draw(rt, "default_top_k")

		path := filepath.Join(t.TempDir(), fmt.Sprintf("config-%d.json", time.Now().UnixNano()))
		cm, err := NewConfigManagerWithKey(path, testKey())
		if err != nil {
			rt.Fatalf("NewConfigManagerWithKey: %v", err)
		}
		if err := cm.Load(); err != nil {
			rt.Fatalf("Load: %v", err)
		}

		updates := map[string]interface{}{
			"index.chunk_size":     chunkSize,
			"index.chunk_overlap":  overlap,
			"index.batch_size":     batchSize,
			"search.default_top_k": topK,
		}
		if err := cm.Update(updates); err != nil {
			rt.Fatalf("Update: %v", err)
		}

		cm2, err := NewConfigManagerWithKey(path, testKey())
		if err != nil {
			rt.Fatalf("NewConfigManagerWithKey: %v", err)
		}
		if err := cm2.Load(); err != nil {
			rt.Fatalf("Load: %v", err)
		}

		cfg := cm2.Get()
		if cfg.Index.ChunkSize != chunkSize {
			rt.Errorf("ChunkSize: got %d, want %d", cfg.Index.ChunkSize, chunkSize)
		}
		if cfg.Index.ChunkOverlap != overlap {
			rt.Errorf("ChunkOverlap: got %d, want %d", cfg.Index.ChunkOverlap, overlap)
		}
		if cfg.Index.BatchSize != batchSize {
			rt.Errorf("BatchSize: got %d, want %d", cfg.Index.BatchSize, batchSize)
		}
		if cfg.Search.DefaultTopK != topK {
			rt.Errorf("DefaultTopK: got %d, want %d", cfg.Search.DefaultTopK, topK)
		}
	})
}
