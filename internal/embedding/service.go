// Package embedding provides the blocking Embedder client consumed by the
// indexing driver and hybrid searcher, talking to an OpenAI-compatible
// /embeddings HTTP endpoint.
package embedding

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hybridpdf/internal/errs"
)

// Dim is the fixed vector dimension every embedder must return.
const Dim = 512

// maxBatchSize bounds a single EmbedBatch call to keep request payloads
// and peak memory predictable.
const maxBatchSize = 256

// Embedder converts text into unit-L2-normalised 512-dimensional vectors.
type Embedder interface {
	Embed(text string) ([]float32, error)
	EmbedBatch(texts []string) ([][]float32, error)
}

// APIEmbedder implements Embedder over an OpenAI-compatible API.
type APIEmbedder struct {
	Endpoint  string
	APIKey    string
	ModelName string
	client    *http.Client
}

// NewAPIEmbedder creates an APIEmbedder with a 30s request timeout.
func NewAPIEmbedder(endpoint, apiKey, modelName string) *APIEmbedder {
	return &APIEmbedder{
		Endpoint:  endpoint,
		APIKey:    apiKey,
		ModelName: modelName,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

type embeddingRequest struct {
	Model string      `json:"model"`
	Input interface{} `json:"input"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Error *apiError       `json:"error,omitempty"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Embed converts a single text string into an embedding vector.
func (s *APIEmbedder) Embed(text string) ([]float32, error) {
	results, err := s.callAPI(text)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, &errs.EmbedderError{Op: "embed", Err: fmt.Errorf("API returned no results")}
	}
	return validateDim(results[0].Embedding)
}

// EmbedBatch converts multiple text strings into embedding vectors,
// preserving input order.
func (s *APIEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > maxBatchSize {
		return nil, &errs.EmbedderError{Op: "embed_batch", Err: fmt.Errorf("batch size %d exceeds maximum of %d", len(texts), maxBatchSize)}
	}
	results, err := s.callAPI(texts)
	if err != nil {
		return nil, err
	}
	if len(results) != len(texts) {
		return nil, &errs.EmbedderError{Op: "embed_batch", Err: fmt.Errorf("API returned %d results, expected %d", len(results), len(texts))}
	}
	out := make([][]float32, len(texts))
	for _, d := range results {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, &errs.EmbedderError{Op: "embed_batch", Err: fmt.Errorf("invalid index %d", d.Index)}
		}
		v, err := validateDim(d.Embedding)
		if err != nil {
			return nil, err
		}
		out[d.Index] = v
	}
	return out, nil
}

func validateDim(v []float32) ([]float32, error) {
	if len(v) != Dim {
		return nil, &errs.EmbedderError{Op: "embed", Err: fmt.Errorf("embedding has dim %d, want %d", len(v), Dim)}
	}
	return v, nil
}

func (s *APIEmbedder) callAPI(input interface{}) ([]embeddingData, error) {
	bodyBytes, err := json.Marshal(embeddingRequest{Model: s.ModelName, Input: input})
	if err != nil {
		return nil, &errs.EmbedderError{Op: "marshal request", Err: err}
	}

	url := strings.TrimRight(s.Endpoint, "/") + "/embeddings"
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, &errs.EmbedderError{Op: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &errs.EmbedderError{Op: "request", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 50<<20))
	if err != nil {
		return nil, &errs.EmbedderError{Op: "read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var errResp embeddingResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != nil {
			return nil, &errs.EmbedderError{Op: "api", Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, errResp.Error.Message)}
		}
		return nil, &errs.EmbedderError{Op: "api", Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))}
	}

	var result embeddingResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &errs.EmbedderError{Op: "decode response", Err: err}
	}
	if result.Error != nil {
		return nil, &errs.EmbedderError{Op: "api", Err: fmt.Errorf("%s", result.Error.Message)}
	}
	return result.Data, nil
}
