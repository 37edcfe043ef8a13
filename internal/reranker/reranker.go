// Package reranker implements the cross-encoder scoring client consumed by
// the hybrid searcher's optional rerank stage: a single HTTP call scoring
// (query, passage) pairs jointly, more accurate but slower than the dense
// dual-encoder scoring the vector index uses.
package reranker

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

// Reranker scores (query, passage) pairs; higher is more relevant.
type Reranker interface {
	Rerank(query string, passages []string) ([]float64, error)
}

// APIReranker implements Reranker over an HTTP cross-encoder endpoint.
type APIReranker struct {
	Endpoint  string
	APIKey    string
	ModelName string
	client    *http.Client
}

// NewAPIReranker creates an APIReranker with a 10s request timeout,
// rerank runs against a 400ms per-stage deadline, so a slow remote should
// fail fast rather than hang the query.
func NewAPIReranker(endpoint, apiKey, modelName string) *APIReranker {
	return &APIReranker{
		Endpoint:  endpoint,
		APIKey:    apiKey,
		ModelName: modelName,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
	Error   *apiError      `json:"error,omitempty"`
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type apiError struct {
	Message string `json:"message"`
}

// Rerank scores query against each of passages, returning one score per
// input passage in the same order.
func (r *APIReranker) Rerank(query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return nil, nil
	}

	bodyBytes, err := json.Marshal(rerankRequest{Model: r.ModelName, Query: query, Documents: passages})
	if err != nil {
		return nil, &errs.EmbedderError{Op: "rerank marshal", Err: err}
	}

	url := strings.TrimRight(r.Endpoint, "/") + "/rerank"
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, &errs.EmbedderError{Op: "rerank request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if r.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &errs.EmbedderError{Op: "rerank do", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, &errs.EmbedderError{Op: "rerank read", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &errs.EmbedderError{Op: "rerank api", Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))}
	}

	var result rerankResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &errs.EmbedderError{Op: "rerank decode", Err: err}
	}
	if result.Error != nil {
		return nil, &errs.EmbedderError{Op: "rerank api", Err: fmt.Errorf("%s", result.Error.Message)}
	}

	scores := make([]float64, len(passages))
	for _, r := range result.Results {
		if r.Index < 0 || r.Index >= len(passages) {
			return nil, &errs.EmbedderError{Op: "rerank decode", Err: fmt.Errorf("invalid index %d", r.Index)}
		}
		scores[r.Index] = r.RelevanceScore
	}
	return scores, nil
}
