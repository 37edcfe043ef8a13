// Package api exposes the search, status and upload surface described by
// the system's external interface: a three-endpoint HTTP façade over the
// driver and searcher, wired through the shared middleware chain.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"hybridpdf/internal/catalogue"
	"hybridpdf/internal/driver"
	"hybridpdf/internal/errlog"
	"hybridpdf/internal/errs"
	"hybridpdf/internal/middleware"
	"hybridpdf/internal/search"
	"hybridpdf/internal/vectorindex"
)

// maxUploadBytes bounds a single /upload request body.
const maxUploadBytes = 200 << 20 // 200MB

// Server wires the searcher and driver behind the documented endpoints.
type Server struct {
	cat      *catalogue.Catalogue
	vec      *vectorindex.Index
	searcher *search.Searcher
	drv      *driver.Driver
	limiter  *middleware.RateLimiter
}

// New constructs a Server. drv may be nil, in which case /upload always
// reports the service as read-only (503).
func New(cat *catalogue.Catalogue, vec *vectorindex.Index, searcher *search.Searcher, drv *driver.Driver) *Server {
	return &Server{
		cat:      cat,
		vec:      vec,
		searcher: searcher,
		drv:      drv,
		limiter:  middleware.NewRateLimiter(60, time.Minute), // 60 req/min per client
	}
}

// Handler returns the fully wrapped http.Handler for the three endpoints.
func (s *Server) Handler() http.Handler {
	chain := middleware.Chain(
		middleware.SecurityHeaders(),
		middleware.CORS(),
		middleware.RequestID(),
		s.limiter.Limit(),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/search", chain(s.handleSearch))
	mux.HandleFunc("/status", chain(s.handleStatus))
	mux.HandleFunc("/upload", chain(s.handleUpload))
	return mux
}

type searchResponse struct {
	Results  []searchHit `json:"results"`
	Degraded bool        `json:"degraded"`
	Timings  timings     `json:"timings_ms"`
}

type searchHit struct {
	ID      int64   `json:"id"`
	Source  string  `json:"source"`
	Page    int     `json:"page"`
	Score   float64 `json:"score"`
	Text    string  `json:"text"`
	Snippet string  `json:"snippet"`
}

type timings struct {
	Vector int64 `json:"vector"`
	BM25   int64 `json:"bm25"`
	Rerank int64 `json:"rerank"`
	Total  int64 `json:"total"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	q := r.URL.Query()
	query := q.Get("query")
	if query == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "query is required")
		return
	}

	topK := 5
	if raw := q.Get("top_k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "top_k must be an integer")
			return
		}
		topK = n
	}

	mode, err := search.ParseMode(q.Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	resp, err := s.searcher.Search(r.Context(), query, topK, mode)
	if err != nil {
		var validation *errs.ValidationError
		if errors.As(err, &validation) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		var degraded *errs.QueryDegraded
		if errors.As(err, &degraded) {
			writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
		errlog.Logf("[api] search error: %v", err)
		log.Printf("[api] search error: %v", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "search failed")
		return
	}

	out := searchResponse{
		Results:  make([]searchHit, len(resp.Results)),
		Degraded: resp.Degraded,
		Timings: timings{
			Vector: resp.Timings.VectorMS,
			BM25:   resp.Timings.BM25MS,
			Rerank: resp.Timings.RerankMS,
			Total:  resp.Timings.TotalMS,
		},
	}
	for i, h := range resp.Results {
		out.Results[i] = searchHit{ID: h.ID, Source: h.Source, Page: h.Page, Score: h.Score, Text: h.Text, Snippet: h.Snippet}
	}
	writeJSON(w, http.StatusOK, out)
}

type statusResponse struct {
	Vectors      int   `json:"vectors"`
	Documents    int64 `json:"documents"`
	Files        int64 `json:"files"`
	Trained      bool  `json:"trained"`
	DegradedMode bool  `json:"degraded_mode"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	counts, err := s.cat.Counts()
	if err != nil {
		errlog.Logf("[api] status error: %v", err)
		log.Printf("[api] status error: %v", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "status unavailable")
		return
	}
	state := s.vec.TrainingState()
	writeJSON(w, http.StatusOK, statusResponse{
		Vectors:      state.NTotal,
		Documents:    counts.Passages,
		Files:        counts.Files,
		Trained:      state.Trained,
		DegradedMode: !state.Trained,
	})
}

type uploadResponse struct {
	Accepted     bool    `json:"accepted"`
	PassageRange []int64 `json:"passage_range,omitempty"`
	Error        string  `json:"error,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}
	if s.drv == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "indexing is not enabled on this instance")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "expected multipart/form-data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read upload")
		return
	}

	result, err := s.drv.IndexFile(header.Filename, data)
	if err != nil {
		writeJSON(w, http.StatusOK, uploadResponse{Accepted: false, Error: err.Error()})
		return
	}
	if result.Failed {
		msg := "extraction failed"
		if result.Err != nil {
			msg = result.Err.Error()
		}
		writeJSON(w, http.StatusOK, uploadResponse{Accepted: false, Error: msg})
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{Accepted: true})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, errorBody{Error: code, Detail: detail})
}
