// Package config provides configuration management with encrypted API key
// storage. It supports loading, saving, and hot-reloading of system
// configuration for the indexing and search services.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// encryptionKeyEnvVar is the environment variable name for the AES encryption key.
const encryptionKeyEnvVar = "HYBRIDPDF_ENCRYPTION_KEY"

// encryptedPrefix marks a value as AES-encrypted in the config file.
const encryptedPrefix = "enc:"

// Config holds all system configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Embedding EmbeddingConfig `json:"embedding"`
	Reranker  RerankerConfig  `json:"reranker"`
	Index     IndexConfig     `json:"index"`
	Search    SearchConfig    `json:"search"`
	Memory    MemoryConfig    `json:"memory"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int `json:"port"`
}

// EmbeddingConfig holds embedding service configuration.
type EmbeddingConfig struct {
	Endpoint  string `json:"endpoint"`
	APIKey    string `json:"api_key"`
	ModelName string `json:"model_name"`
}

// RerankerConfig holds cross-encoder reranker configuration. Enabled gates
// whether a reranker is constructed at all; with it disabled, hybrid+rerank
// queries return fused ordering and are flagged as degraded.
type RerankerConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	APIKey    string `json:"api_key"`
	ModelName string `json:"model_name"`
}

// IndexConfig holds indexing-pipeline configuration: chunking, batching and
// the vector index's training schedule. IVF-PQ's structural parameters
// (nlist, sub-vector count, code width) are fixed by the index implementation
// and are not user-tunable here.
type IndexConfig struct {
	DataDir           string `json:"data_dir"`
	ChunkSize         int    `json:"chunk_size"`
	ChunkOverlap      int    `json:"chunk_overlap"`
	BatchSize         int    `json:"batch_size"`
	TrainingThreshold int    `json:"training_threshold"`
	ExpectedCorpus    int    `json:"expected_corpus"`
	MaxRetries        int    `json:"max_retries"`
	RetryBackoffMS    int    `json:"retry_backoff_ms"`
	NProbe            int    `json:"nprobe"`
}

// SearchConfig holds query-time fusion weights, pool sizes and per-stage
// deadlines.
type SearchConfig struct {
	DefaultTopK      int     `json:"default_top_k"`
	MaxTopK          int     `json:"max_top_k"`
	KRRF             float64 `json:"k_rrf"`
	VectorWeight     float64 `json:"vector_weight"`
	BM25Weight       float64 `json:"bm25_weight"`
	RerankPoolMax    int     `json:"rerank_pool_max"`
	VectorDeadlineMS int     `json:"vector_deadline_ms"`
	BM25DeadlineMS   int     `json:"bm25_deadline_ms"`
	RerankDeadlineMS int     `json:"rerank_deadline_ms"`
}

// MemoryConfig holds the soft resident-memory ceiling the searcher watches
// when deciding whether the rerank stage is safe to run: above the ceiling,
// hybrid+rerank queries degrade to fused ordering instead of risking an OOM
// on the heavier cross-encoder pass.
type MemoryConfig struct {
	SoftCeilingMB int `json:"soft_ceiling_mb"`
}

// VectorDeadline returns the configured vector-stage deadline as a duration.
func (s SearchConfig) VectorDeadline() time.Duration {
	return time.Duration(s.VectorDeadlineMS) * time.Millisecond
}

// BM25Deadline returns the configured bm25-stage deadline as a duration.
func (s SearchConfig) BM25Deadline() time.Duration {
	return time.Duration(s.BM25DeadlineMS) * time.Millisecond
}

// RerankDeadline returns the configured rerank-stage deadline as a duration.
func (s SearchConfig) RerankDeadline() time.Duration {
	return time.Duration(s.RerankDeadlineMS) * time.Millisecond
}

// RetryBackoff returns the configured embed-retry backoff as a duration.
func (i IndexConfig) RetryBackoff() time.Duration {
	return time.Duration(i.RetryBackoffMS) * time.Millisecond
}

// ConfigManager manages loading, saving, and updating configuration.
type ConfigManager struct {
	configPath    string
	config        *Config
	mu            sync.RWMutex
	encryptionKey []byte // 32-byte AES-256 key
}

// NewConfigManager creates a new ConfigManager for the given config file path.
// The AES encryption key is read from the HYBRIDPDF_ENCRYPTION_KEY environment
// variable. If the env var is not set, the key is read from
// ./data/encryption.key, or a random 32-byte key is generated and saved there.
func NewConfigManager(configPath string) (*ConfigManager, error) {
	key, err := getOrCreateEncryptionKey()
	if err != nil {
		return nil, fmt.Errorf("encryption key error: %w", err)
	}
	return &ConfigManager{
		configPath:    configPath,
		encryptionKey: key,
	}, nil
}

// NewConfigManagerWithKey creates a ConfigManager with an explicit encryption key (for testing).
func NewConfigManagerWithKey(configPath string, key []byte) (*ConfigManager, error) {
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes for AES-256")
	}
	return &ConfigManager{
		configPath:    configPath,
		encryptionKey: key,
	}, nil
}

// DefaultConfig returns a Config populated with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Embedding: EmbeddingConfig{
			Endpoint:  "https://ark.cn-beijing.volces.com/api/v3",
			ModelName: "text-embedding-3-large",
		},
		Reranker: RerankerConfig{
			Enabled:   false,
			Endpoint:  "https://ark.cn-beijing.volces.com/api/v3",
			ModelName: "bge-reranker-v2-m3",
		},
		Index: IndexConfig{
			DataDir:           "./data",
			ChunkSize:         400,
			ChunkOverlap:      50,
			BatchSize:         128,
			TrainingThreshold: 100_000,
			ExpectedCorpus:    100_000,
			MaxRetries:        1,
			RetryBackoffMS:    2000,
			NProbe:            8,
		},
		Search: SearchConfig{
			DefaultTopK:      5,
			MaxTopK:          50,
			KRRF:             60,
			VectorWeight:     0.7,
			BM25Weight:       0.3,
			RerankPoolMax:    30,
			VectorDeadlineMS: 200,
			BM25DeadlineMS:   500,
			RerankDeadlineMS: 400,
		},
		Memory: MemoryConfig{
			SoftCeilingMB: 4096,
		},
	}
}

// Load reads the config file from disk and decrypts API keys.
// If the file does not exist, it initializes with default values and saves.
func (cm *ConfigManager) Load() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cm.config = DefaultConfig()
			return cm.saveLocked()
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if cfg.Embedding.APIKey, err = cm.decryptIfNeeded(cfg.Embedding.APIKey); err != nil {
		return fmt.Errorf("decrypt embedding API key: %w", err)
	}
	if cfg.Reranker.APIKey, err = cm.decryptIfNeeded(cfg.Reranker.APIKey); err != nil {
		return fmt.Errorf("decrypt reranker API key: %w", err)
	}

	cm.applyDefaults(&cfg)
	cm.config = &cfg
	return nil
}

// Save writes the current config to disk with API keys encrypted.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.saveLocked()
}

// saveLocked writes config to disk. Caller must hold at least a read lock.
func (cm *ConfigManager) saveLocked() error {
	if cm.config == nil {
		return errors.New("no config loaded")
	}

	out := *cm.config
	out.Embedding.APIKey = cm.encryptIfNeeded(cm.config.Embedding.APIKey)
	out.Reranker.APIKey = cm.encryptIfNeeded(cm.config.Reranker.APIKey)

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(cm.configPath, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.config == nil {
		return nil
	}
	c := *cm.config
	return &c
}

// Update applies partial updates to the configuration and saves to disk.
// Supported keys mirror the JSON field paths, e.g. "embedding.endpoint",
// "reranker.enabled", "index.batch_size", "search.default_top_k".
func (cm *ConfigManager) Update(updates map[string]interface{}) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.config == nil {
		cm.config = DefaultConfig()
	}

	for key, val := range updates {
		if err := cm.applyUpdate(key, val); err != nil {
			return fmt.Errorf("update key %q: %w", key, err)
		}
	}

	return cm.saveLocked()
}

func (cm *ConfigManager) applyUpdate(key string, val interface{}) error {
	switch key {
	case "server.port":
		n, err := toInt(val)
		if err != nil {
			return err
		}
		if n < 1 || n > 65535 {
			return errors.New("port must be between 1 and 65535")
		}
		cm.config.Server.Port = n

	case "embedding.endpoint":
		return setString(&cm.config.Embedding.Endpoint, val)
	case "embedding.api_key":
		return setString(&cm.config.Embedding.APIKey, val)
	case "embedding.model_name":
		return setString(&cm.config.Embedding.ModelName, val)

	case "reranker.enabled":
		b, ok := val.(bool)
		if !ok {
			return errors.New("expected boolean")
		}
		cm.config.Reranker.Enabled = b
	case "reranker.endpoint":
		return setString(&cm.config.Reranker.Endpoint, val)
	case "reranker.api_key":
		return setString(&cm.config.Reranker.APIKey, val)
	case "reranker.model_name":
		return setString(&cm.config.Reranker.ModelName, val)

	case "index.data_dir":
		return setString(&cm.config.Index.DataDir, val)
	case "index.chunk_size":
		return setInt(&cm.config.Index.ChunkSize, val)
	case "index.chunk_overlap":
		return setInt(&cm.config.Index.ChunkOverlap, val)
	case "index.batch_size":
		return setInt(&cm.config.Index.BatchSize, val)
	case "index.training_threshold":
		return setInt(&cm.config.Index.TrainingThreshold, val)
	case "index.expected_corpus":
		return setInt(&cm.config.Index.ExpectedCorpus, val)
	case "index.max_retries":
		return setInt(&cm.config.Index.MaxRetries, val)
	case "index.retry_backoff_ms":
		return setInt(&cm.config.Index.RetryBackoffMS, val)
	case "index.nprobe":
		return setInt(&cm.config.Index.NProbe, val)

	case "search.default_top_k":
		return setInt(&cm.config.Search.DefaultTopK, val)
	case "search.max_top_k":
		return setInt(&cm.config.Search.MaxTopK, val)
	case "search.k_rrf":
		return setFloat(&cm.config.Search.KRRF, val)
	case "search.vector_weight":
		return setFloat(&cm.config.Search.VectorWeight, val)
	case "search.bm25_weight":
		return setFloat(&cm.config.Search.BM25Weight, val)
	case "search.rerank_pool_max":
		return setInt(&cm.config.Search.RerankPoolMax, val)
	case "search.vector_deadline_ms":
		return setInt(&cm.config.Search.VectorDeadlineMS, val)
	case "search.bm25_deadline_ms":
		return setInt(&cm.config.Search.BM25DeadlineMS, val)
	case "search.rerank_deadline_ms":
		return setInt(&cm.config.Search.RerankDeadlineMS, val)

	case "memory.soft_ceiling_mb":
		return setInt(&cm.config.Memory.SoftCeilingMB, val)

	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}

func setString(dst *string, val interface{}) error {
	s, ok := val.(string)
	if !ok {
		return errors.New("expected string")
	}
	*dst = s
	return nil
}

func setInt(dst *int, val interface{}) error {
	n, err := toInt(val)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, val interface{}) error {
	f, err := toFloat64(val)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

// applyDefaults fills in zero-value fields with defaults.
func (cm *ConfigManager) applyDefaults(cfg *Config) {
	d := DefaultConfig()
	if cfg.Server.Port == 0 {
		cfg.Server.Port = d.Server.Port
	}
	if cfg.Embedding.Endpoint == "" {
		cfg.Embedding.Endpoint = d.Embedding.Endpoint
	}
	if cfg.Embedding.ModelName == "" {
		cfg.Embedding.ModelName = d.Embedding.ModelName
	}
	if cfg.Reranker.Endpoint == "" {
		cfg.Reranker.Endpoint = d.Reranker.Endpoint
	}
	if cfg.Reranker.ModelName == "" {
		cfg.Reranker.ModelName = d.Reranker.ModelName
	}
	if cfg.Index.DataDir == "" {
		cfg.Index.DataDir = d.Index.DataDir
	}
	if cfg.Index.ChunkSize == 0 {
		cfg.Index.ChunkSize = d.Index.ChunkSize
	}
	if cfg.Index.ChunkOverlap == 0 {
		cfg.Index.ChunkOverlap = d.Index.ChunkOverlap
	}
	if cfg.Index.BatchSize == 0 {
		cfg.Index.BatchSize = d.Index.BatchSize
	}
	if cfg.Index.TrainingThreshold == 0 {
		cfg.Index.TrainingThreshold = d.Index.TrainingThreshold
	}
	if cfg.Index.ExpectedCorpus == 0 {
		cfg.Index.ExpectedCorpus = d.Index.ExpectedCorpus
	}
	if cfg.Index.RetryBackoffMS == 0 {
		cfg.Index.RetryBackoffMS = d.Index.RetryBackoffMS
	}
	if cfg.Index.NProbe == 0 {
		cfg.Index.NProbe = d.Index.NProbe
	}
	if cfg.Search.DefaultTopK == 0 {
		cfg.Search.DefaultTopK = d.Search.DefaultTopK
	}
	if cfg.Search.MaxTopK == 0 {
		cfg.Search.MaxTopK = d.Search.MaxTopK
	}
	if cfg.Search.KRRF == 0 {
		cfg.Search.KRRF = d.Search.KRRF
	}
	if cfg.Search.VectorWeight == 0 && cfg.Search.BM25Weight == 0 {
		cfg.Search.VectorWeight = d.Search.VectorWeight
		cfg.Search.BM25Weight = d.Search.BM25Weight
	}
	if cfg.Search.RerankPoolMax == 0 {
		cfg.Search.RerankPoolMax = d.Search.RerankPoolMax
	}
	if cfg.Search.VectorDeadlineMS == 0 {
		cfg.Search.VectorDeadlineMS = d.Search.VectorDeadlineMS
	}
	if cfg.Search.BM25DeadlineMS == 0 {
		cfg.Search.BM25DeadlineMS = d.Search.BM25DeadlineMS
	}
	if cfg.Search.RerankDeadlineMS == 0 {
		cfg.Search.RerankDeadlineMS = d.Search.RerankDeadlineMS
	}
	if cfg.Memory.SoftCeilingMB == 0 {
		cfg.Memory.SoftCeilingMB = d.Memory.SoftCeilingMB
	}
}

// --- AES-GCM encryption helpers ---

// encrypt encrypts plaintext using AES-256-GCM.
func (cm *ConfigManager) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	block, err := aes.NewCipher(cm.encryptionKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(ciphertext), nil
}

// decrypt decrypts AES-256-GCM encrypted hex string.
func (cm *ConfigManager) decrypt(ciphertextHex string) (string, error) {
	if ciphertextHex == "" {
		return "", nil
	}
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return "", fmt.Errorf("hex decode: %w", err)
	}
	block, err := aes.NewCipher(cm.encryptionKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// encryptIfNeeded encrypts a value and adds the "enc:" prefix.
// Empty strings are returned as-is.
func (cm *ConfigManager) encryptIfNeeded(value string) string {
	if value == "" {
		return ""
	}
	encrypted, err := cm.encrypt(value)
	if err != nil {
		return value
	}
	return encryptedPrefix + encrypted
}

// decryptIfNeeded decrypts a value if it has the "enc:" prefix.
func (cm *ConfigManager) decryptIfNeeded(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if len(value) > len(encryptedPrefix) && value[:len(encryptedPrefix)] == encryptedPrefix {
		return cm.decrypt(value[len(encryptedPrefix):])
	}
	// Not encrypted (e.g. manually edited config file); return as-is.
	return value, nil
}

// --- Encryption key management ---

func getOrCreateEncryptionKey() ([]byte, error) {
	if keyHex := os.Getenv(encryptionKeyEnvVar); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key hex: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
		}
		return key, nil
	}

	keyFile := "./data/encryption.key"
	if data, err := os.ReadFile(keyFile); err == nil {
		keyHex := strings.TrimSpace(string(data))
		if key, err := hex.DecodeString(keyHex); err == nil && len(key) == 32 {
			return key, nil
		}
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	keyHex := hex.EncodeToString(key)
	os.MkdirAll("./data", 0755)
	if err := os.WriteFile(keyFile, []byte(keyHex+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("save encryption key: %w", err)
	}
	return key, nil
}

// --- Type conversion helpers ---

func toFloat64(val interface{}) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	default:
		return 0, fmt.Errorf("expected numeric value, got %T", val)
	}
}

func toInt(val interface{}) (int, error) {
	switch v := val.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case float32:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, err
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected numeric value, got %T", val)
	}
}
