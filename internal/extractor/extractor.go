// Package extractor reads a PDF and yields the chunks surviving the text
// filter: per-page text extraction via GoPDF2, C1 filtering, then a sliding
// window split that never crosses a page boundary.
package extractor

import (
	"fmt"
	"log"

	gopdf "github.com/VantageDataChat/GoPDF2"

	"hybridpdf/internal/chunker"
	"hybridpdf/internal/errs"
	"hybridpdf/internal/textfilter"
)

// Page is one page's text as it survived extraction, before filtering.
type Page struct {
	Number int // 1-based
	Text   string
}

// Chunk is one sliding-window segment of a surviving page.
type Chunk struct {
	PageNumber int // 1-based
	ChunkIndex int // 0-based within page
	Text       string
}

// Extractor reads PDFs and produces filtered, chunked text.
type Extractor struct {
	chunker *chunker.TextChunker
}

// New creates an Extractor using the default 400/50 chunking window.
func New() *Extractor {
	return &Extractor{chunker: chunker.New()}
}

// NewWithChunking creates an Extractor using an explicit chunk size and
// overlap, falling back to the defaults for non-positive values.
func NewWithChunking(chunkSize, overlap int) *Extractor {
	c := chunker.New()
	if chunkSize > 0 {
		c.ChunkSize = chunkSize
	}
	if overlap > 0 {
		c.Overlap = overlap
	}
	return &Extractor{chunker: c}
}

// Pages extracts per-page text from PDF bytes without filtering or
// chunking. Individual page failures are logged and skipped; the call
// fails only if the PDF itself is unreadable.
func (e *Extractor) Pages(data []byte, sourcePath string) ([]Page, error) {
	if len(data) < 5 || string(data[:5]) != "%PDF-" {
		return nil, &errs.ExtractionError{Path: sourcePath, Err: fmt.Errorf("not a valid PDF file")}
	}

	pageCount, err := safePageCount(data)
	if err != nil {
		return nil, &errs.ExtractionError{Path: sourcePath, Err: err}
	}

	pages := make([]Page, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		text, err := safeExtractPage(data, i)
		if err != nil {
			log.Printf("[extract] %s page %d: %v (skipped)", sourcePath, i+1, err)
			continue
		}
		pages = append(pages, Page{Number: i + 1, Text: text})
	}
	return pages, nil
}

// ExtractChunks runs Pages, applies the text filter to each page, and
// splits surviving pages into chunks via the sliding window.
func (e *Extractor) ExtractChunks(data []byte, sourcePath string) ([]Chunk, error) {
	pages, err := e.Pages(data, sourcePath)
	if err != nil {
		return nil, err
	}

	var out []Chunk
	for _, p := range pages {
		v := textfilter.Evaluate(p.Text)
		if !v.Kept {
			log.Printf("[extract] %s page %d dropped: %s", sourcePath, p.Number, v.Reason)
			continue
		}
		for _, c := range e.chunker.Split(p.Text) {
			out = append(out, Chunk{PageNumber: p.Number, ChunkIndex: c.Index, Text: c.Text})
		}
	}
	return out, nil
}

// safePageCount wraps GoPDF2's page-count call, converting a panic on a
// malformed or encrypted PDF into an error.
func safePageCount(data []byte) (count int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("page count: %v", r)
		}
	}()
	return gopdf.GetSourcePDFPageCountFromBytes(data)
}

// safeExtractPage wraps GoPDF2's per-page extraction call, converting a
// panic into an error so one bad page never aborts the whole file.
func safeExtractPage(data []byte, pageIndex int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extract page: %v", r)
		}
	}()
	return gopdf.ExtractPageText(data, pageIndex)
}
