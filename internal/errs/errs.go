// Package errs defines the error taxonomy shared by every pipeline stage:
// extraction, embedding/reranking, index persistence, catalogue bookkeeping,
// and query-time degradation. Each kind is a distinct type so callers can
// branch with errors.As instead of matching on string content.
package errs

import "fmt"

// ExtractionError wraps a failure to read or parse a source PDF file.
type ExtractionError struct {
	Path string
	Err  error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s: %v", e.Path, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// EmbedderError wraps a failure from the embedding service, whether
// transport-level or a malformed response.
type EmbedderError struct {
	Op  string
	Err error
}

func (e *EmbedderError) Error() string {
	return fmt.Sprintf("embedder %s: %v", e.Op, e.Err)
}

func (e *EmbedderError) Unwrap() error { return e.Err }

// IndexCorruption signals that a persisted vector or lexical index failed
// its integrity check on load and cannot be trusted for search.
type IndexCorruption struct {
	Path string
	Err  error
}

func (e *IndexCorruption) Error() string {
	return fmt.Sprintf("corrupt index %s: %v", e.Path, e.Err)
}

func (e *IndexCorruption) Unwrap() error { return e.Err }

// CatalogueConflict signals a violation of a catalogue invariant: duplicate
// (source_path, page_number, chunk_index), an id gap, or a commit for a file
// that was never begun.
type CatalogueConflict struct {
	Reason string
}

func (e *CatalogueConflict) Error() string {
	return fmt.Sprintf("catalogue conflict: %s", e.Reason)
}

// QueryDegraded reports that a search produced no result because every
// sub-retriever it ran failed; Reasons lists each failure. A search that
// loses only some stages, or the reranker, still succeeds and reports that
// through its response's degraded flag instead of this error.
type QueryDegraded struct {
	Reasons []string
}

func (e *QueryDegraded) Error() string {
	return fmt.Sprintf("query degraded: %v", e.Reasons)
}

// ResourceExhausted signals the soft memory ceiling was hit and a stage
// (typically reranking) was skipped to stay within budget.
type ResourceExhausted struct {
	Stage string
	Limit int64
	Used  int64
}

func (e *ResourceExhausted) Error() string {
	return fmt.Sprintf("resource exhausted at %s: used %d bytes, limit %d", e.Stage, e.Used, e.Limit)
}

// ValidationError signals a request parameter outside its documented range
// (an out-of-bounds top_k, an unrecognised mode). It is the caller's fault,
// not a runtime failure, and API handlers map it to HTTP 400.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IOError wraps an underlying filesystem/database failure that is not
// specific to any of the above stages (directory creation, file rename,
// sqlite open).
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("io %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
