// Package driver implements the resumable indexing pipeline: extraction,
// filtering, chunking, embedding and dual-index insertion for a directory
// of PDFs, checkpointed at file granularity against the catalogue so a
// crash mid-run never leaves the vector and lexical indices inconsistent
// with each other.
package driver

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hybridpdf/internal/catalogue"
	"hybridpdf/internal/embedding"
	"hybridpdf/internal/errlog"
	"hybridpdf/internal/errs"
	"hybridpdf/internal/extractor"
	"hybridpdf/internal/lexical"
	"hybridpdf/internal/vectorindex"
)

const (
	// DefaultBatchSize bounds how many pending chunks accumulate before a
	// flush, whether or not the current file has finished.
	DefaultBatchSize = 128
	// DefaultTrainingThreshold is min(100_000, expected_corpus) in the
	// common case where the expected corpus size is unknown ahead of time.
	DefaultTrainingThreshold = 100_000
	// DefaultMaxRetries is how many times an embedding batch is retried
	// after its first failure before the batch is abandoned.
	DefaultMaxRetries = 1
	// DefaultRetryBackoff is the delay before a retried embedding call.
	DefaultRetryBackoff = 2 * time.Second
)

// Config tunes the driver's batching and training-trigger behaviour.
type Config struct {
	BatchSize         int
	TrainingThreshold int
	OverflowPath      string
	MaxRetries        int
	RetryBackoff      time.Duration
}

// DefaultConfig returns sensible defaults, spilling pre-training vectors to
// overflowPath.
func DefaultConfig(overflowPath string) Config {
	return Config{
		BatchSize:         DefaultBatchSize,
		TrainingThreshold: DefaultTrainingThreshold,
		OverflowPath:      overflowPath,
		MaxRetries:        DefaultMaxRetries,
		RetryBackoff:      DefaultRetryBackoff,
	}
}

// Result reports what happened to one source file.
type Result struct {
	SourcePath string
	Chunks     int
	Skipped    bool
	Failed     bool
	Err        error
}

// Driver orchestrates the text filter, extractor, catalogue, vector index
// and lexical index into a single resumable per-file indexing operation.
type Driver struct {
	cat *catalogue.Catalogue
	vec *vectorindex.Index
	lex *lexical.Index
	ext *extractor.Extractor
	emb embedding.Embedder
	cfg Config

	overflow      *overflowBuffer
	overflowCount int
}

// New wires the five collaborators together under cfg.
func New(cat *catalogue.Catalogue, vec *vectorindex.Index, lex *lexical.Index, ext *extractor.Extractor, emb embedding.Embedder, cfg Config) (*Driver, error) {
	ob, err := newOverflowBuffer(cfg.OverflowPath)
	if err != nil {
		return nil, &errs.IOError{Op: "open overflow buffer", Err: err}
	}
	return &Driver{cat: cat, vec: vec, lex: lex, ext: ext, emb: emb, cfg: cfg, overflow: ob}, nil
}

// Close releases the driver's own resources (the overflow buffer). The
// catalogue, vector index and lexical index are owned by the caller.
func (d *Driver) Close() error {
	return d.overflow.Close()
}

// Recover rolls back every file left in pending status by a prior crash,
// freeing its allocated id range so a future run reindexes it from
// scratch. Call this once at startup before indexing anything.
func (d *Driver) Recover() (int, error) {
	pending, err := d.cat.PendingFiles()
	if err != nil {
		return 0, err
	}
	for _, f := range pending {
		if err := d.cat.DeletePassageRange(f.SourcePath, f.FirstID, f.LastID); err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}

// IndexFile drives one PDF's bytes through extraction, chunking, batched
// embedding and dual-index insertion. Extraction failures are reported via
// Result.Failed rather than a returned error, since a bad PDF should not
// halt a directory walk; a non-nil error return means an embedding or
// index-add failure occurred, and this file's partial id allocation has
// already been rolled back.
func (d *Driver) IndexFile(path string, data []byte) (Result, error) {
	hash := contentHash(data)

	prior, err := d.cat.BeginFile(path, hash)
	if err != nil {
		return Result{SourcePath: path}, err
	}
	if catalogue.ShouldSkip(prior, hash) {
		return Result{SourcePath: path, Skipped: true}, nil
	}

	chunks, err := d.ext.ExtractChunks(data, path)
	if err != nil {
		var extErr *errs.ExtractionError
		if errors.As(err, &extErr) {
			log.Printf("[driver] %s: extraction failed, marking failed: %v", path, err)
			if ferr := d.cat.FinishFile(path, hash, 0, -1, false, time.Now().Unix()); ferr != nil {
				return Result{SourcePath: path, Failed: true}, ferr
			}
			return Result{SourcePath: path, Failed: true, Err: err}, nil
		}
		return Result{SourcePath: path}, err
	}
	chunks = dedupChunkText(chunks)
	if len(chunks) == 0 {
		if err := d.cat.FinishFile(path, hash, 0, -1, true, time.Now().Unix()); err != nil {
			return Result{SourcePath: path}, err
		}
		return Result{SourcePath: path}, nil
	}

	first, last, err := d.cat.AssignIDs(len(chunks))
	if err != nil {
		return Result{SourcePath: path}, err
	}
	if err := d.cat.MarkPending(path, hash, first, last); err != nil {
		return Result{SourcePath: path}, err
	}

	if err := d.processChunks(path, chunks, first); err != nil {
		if rerr := d.cat.DeletePassageRange(path, first, last); rerr != nil {
			errlog.Logf("[driver] %s: rollback after failed batch also failed: %v", path, rerr)
			log.Printf("[driver] %s: rollback after failed batch also failed: %v", path, rerr)
		}
		return Result{SourcePath: path, Failed: true, Err: err}, err
	}

	if err := d.cat.FinishFile(path, hash, first, last, true, time.Now().Unix()); err != nil {
		return Result{SourcePath: path}, err
	}
	return Result{SourcePath: path, Chunks: len(chunks)}, nil
}

// dedupChunkText drops any chunk whose text exactly repeats an earlier
// chunk in the same file, keeping the first occurrence. This is cheap
// suppression for running headers, footers and boilerplate that a
// page-by-page extraction reproduces verbatim on every page.
func dedupChunkText(chunks []extractor.Chunk) []extractor.Chunk {
	seen := make(map[string]struct{}, len(chunks))
	out := chunks[:0]
	for _, c := range chunks {
		if _, ok := seen[c.Text]; ok {
			continue
		}
		seen[c.Text] = struct{}{}
		out = append(out, c)
	}
	return out
}

// IndexDirectory walks dir for *.pdf files (recursing into subdirectories)
// and indexes each in turn via IndexFile. It forces training at the end if
// the corpus never crossed the training threshold, so a small corpus still
// ends up searchable. The returned slice has one Result per discovered
// file, in the order processed. Extraction, read and batch failures are
// reported via each Result and do not halt the walk; the returned error is
// non-nil if the directory could not be walked, training failed, or
// IndexFile returned a catalogue or store error without marking the file
// failed, which stops the walk at that file.
func (d *Driver) IndexDirectory(dir string) ([]Result, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ".pdf") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, &errs.IOError{Op: "walk directory", Err: err}
	}

	results := make([]Result, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			results = append(results, Result{SourcePath: path, Failed: true, Err: err})
			continue
		}
		result, err := d.IndexFile(path, data)
		if err != nil && !result.Failed {
			return results, err
		}
		results = append(results, result)
	}

	if err := d.ForceTrain(); err != nil {
		return results, err
	}
	return results, nil
}

// processChunks embeds and inserts chunks in groups of at most
// cfg.BatchSize, flushing on every full batch and on the final short one.
func (d *Driver) processChunks(path string, chunks []extractor.Chunk, firstID int64) error {
	for start := 0; start < len(chunks); start += d.cfg.BatchSize {
		end := start + d.cfg.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		ids := make([]int64, len(batch))
		for i := range batch {
			ids[i] = firstID + int64(start+i)
		}
		if err := d.flush(path, batch, ids); err != nil {
			return err
		}
	}
	return nil
}

// flush embeds one batch and commits it to the catalogue, vector index and
// lexical index, in that order.
func (d *Driver) flush(path string, batch []extractor.Chunk, ids []int64) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	vectors, err := d.embedWithRetry(texts)
	if err != nil {
		return err
	}

	records := make([]catalogue.Passage, len(batch))
	for i, c := range batch {
		records[i] = catalogue.Passage{ID: ids[i], SourcePath: path, PageNumber: c.PageNumber, ChunkIndex: c.ChunkIndex, Text: c.Text}
	}
	if err := d.cat.CommitPassages(records); err != nil {
		return err
	}

	if err := d.addVectors(ids, vectors); err != nil {
		return err
	}

	for i, id := range ids {
		d.lex.Add(id, texts[i])
	}
	if err := d.lex.Commit(); err != nil {
		return err
	}
	return nil
}

// embedWithRetry retries a failed embedding call up to cfg.MaxRetries times
// (once by default), sleeping cfg.RetryBackoff before each retry.
func (d *Driver) embedWithRetry(texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(d.cfg.RetryBackoff)
		}
		vectors, err := d.emb.EmbedBatch(texts)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
		log.Printf("[driver] embed attempt %d/%d failed: %v", attempt+1, d.cfg.MaxRetries+1, err)
	}
	errlog.Logf("[driver] embedding batch abandoned after %d attempts: %v", d.cfg.MaxRetries+1, lastErr)
	return nil, lastErr
}

// addVectors routes freshly embedded vectors to the trained vector index,
// or to the disk overflow buffer while training has not yet happened,
// forcing training once the threshold is crossed.
func (d *Driver) addVectors(ids []int64, vectors [][]float32) error {
	if d.vec.TrainingState().Trained {
		return d.vec.Add(ids, vectors)
	}

	for i, v := range vectors {
		if err := d.overflow.Append(ids[i], v); err != nil {
			return &errs.IOError{Op: "overflow append", Err: err}
		}
	}
	d.overflowCount += len(vectors)

	if d.overflowCount < d.cfg.TrainingThreshold {
		return nil
	}
	return d.trainAndDrain()
}

func (d *Driver) trainAndDrain() error {
	records, err := d.overflow.ReadAll()
	if err != nil {
		return &errs.IOError{Op: "overflow read", Err: err}
	}

	trainVecs := make([][]float32, len(records))
	for i, r := range records {
		trainVecs[i] = r.Vector
	}
	if err := d.vec.Train(trainVecs); err != nil {
		return err
	}

	ids := make([]int64, len(records))
	vecs := make([][]float32, len(records))
	for i, r := range records {
		ids[i] = r.ID
		vecs[i] = r.Vector
	}
	if err := d.vec.Add(ids, vecs); err != nil {
		return err
	}

	if err := d.overflow.Reset(); err != nil {
		return &errs.IOError{Op: "overflow reset", Err: err}
	}
	d.overflowCount = 0
	return nil
}

// ForceTrain trains immediately from whatever has accumulated in the
// overflow buffer, without waiting for the threshold. Call this at the end
// of an indexing run over a corpus smaller than the training threshold,
// otherwise the vector index would never leave the untrained state.
func (d *Driver) ForceTrain() error {
	if d.vec.TrainingState().Trained || d.overflowCount == 0 {
		return nil
	}
	return d.trainAndDrain()
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
