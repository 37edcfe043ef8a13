// Package lexical implements the 2-gram BM25 index: an embedded relational
// store of compact varint-delta posting-list blobs, updated in batches at
// checkpoint boundaries by the indexing driver.
package lexical

import (
	"database/sql"
	"fmt"
	"math"
	"sort"

	_ "github.com/mattn/go-sqlite3"

	"hybridpdf/internal/errs"
)

const (
	k1    = 1.2
	b     = 0.75
	minDF = 2
)

// Result is one scored hit from Search.
type Result struct {
	ID    int64
	Score float64
}

// Index is the BM25 lexical index. Add() buffers deltas in memory; Commit
// rewrites touched term blobs in a single transaction and applies min_df
// pruning, matching the driver's file-granularity checkpoint discipline.
type Index struct {
	db *sql.DB

	pendingPostings map[string]map[int64]int // term -> passage id -> tf
	pendingDocLens  map[int64]int
}

// Open opens (creating if absent) the lexical database at path.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &errs.IOError{Op: "open lexical", Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errs.IOError{Op: "ping lexical", Err: err}
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, &errs.IOError{Op: "configure lexical", Err: err}
		}
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Index{
		db:              db,
		pendingPostings: make(map[string]map[int64]int),
		pendingDocLens:  make(map[int64]int),
	}, nil
}

func createSchema(db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS term (
			term_id   INTEGER PRIMARY KEY,
			term_text TEXT NOT NULL UNIQUE,
			df        INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS posting (
			term_id INTEGER PRIMARY KEY REFERENCES term(term_id),
			blob    BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stats (
			id              INTEGER PRIMARY KEY CHECK (id = 0),
			corpus_size     INTEGER NOT NULL DEFAULT 0,
			avg_doc_length  REAL NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS doc_len (
			passage_id INTEGER PRIMARY KEY,
			length     INTEGER NOT NULL
		)`,
	}
	tx, err := db.Begin()
	if err != nil {
		return &errs.IOError{Op: "lexical schema begin", Err: err}
	}
	for _, stmt := range ddl {
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return &errs.IOError{Op: "lexical schema", Err: err}
		}
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO stats (id, corpus_size, avg_doc_length) VALUES (0, 0, 0)`); err != nil {
		tx.Rollback()
		return &errs.IOError{Op: "lexical stats seed", Err: err}
	}
	return tx.Commit()
}

// Close releases the underlying database handle.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Add tokenises text and buffers its term-frequency deltas in memory.
// Commit must be called to persist them.
func (ix *Index) Add(id int64, text string) {
	tokens := Tokenize(text)
	ix.pendingDocLens[id] = len(tokens)

	counts := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		counts[tok]++
	}
	for term, tf := range counts {
		byID, ok := ix.pendingPostings[term]
		if !ok {
			byID = make(map[int64]int)
			ix.pendingPostings[term] = byID
		}
		byID[id] += tf
	}
}

// Commit flushes buffered adds: rewrites touched term blobs in a single
// transaction, updates corpus stats, and prunes terms with df < min_df.
func (ix *Index) Commit() error {
	if len(ix.pendingPostings) == 0 && len(ix.pendingDocLens) == 0 {
		return nil
	}

	tx, err := ix.db.Begin()
	if err != nil {
		return &errs.IOError{Op: "lexical commit begin", Err: err}
	}
	defer tx.Rollback()

	for id, length := range ix.pendingDocLens {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO doc_len (passage_id, length) VALUES (?, ?)`, id, length); err != nil {
			return &errs.IOError{Op: "lexical commit doc_len", Err: err}
		}
	}

	terms := make([]string, 0, len(ix.pendingPostings))
	for term := range ix.pendingPostings {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	for _, term := range terms {
		delta := ix.pendingPostings[term]
		deltaPostings := make([]Posting, 0, len(delta))
		for id, tf := range delta {
			deltaPostings = append(deltaPostings, Posting{ID: id, TF: tf})
		}
		sort.Slice(deltaPostings, func(i, j int) bool { return deltaPostings[i].ID < deltaPostings[j].ID })

		var termID int64
		var existingBlob []byte
		err := tx.QueryRow(`SELECT term_id, blob FROM posting JOIN term USING(term_id) WHERE term_text = ?`, term).Scan(&termID, &existingBlob)
		switch {
		case err == sql.ErrNoRows:
			merged := deltaPostings
			if _, err := tx.Exec(`INSERT INTO term (term_text, df) VALUES (?, ?)`, term, len(merged)); err != nil {
				return &errs.IOError{Op: "lexical commit insert term", Err: err}
			}
			if err := tx.QueryRow(`SELECT term_id FROM term WHERE term_text = ?`, term).Scan(&termID); err != nil {
				return &errs.IOError{Op: "lexical commit read term_id", Err: err}
			}
			if _, err := tx.Exec(`INSERT INTO posting (term_id, blob) VALUES (?, ?)`, termID, encodePostings(merged)); err != nil {
				return &errs.IOError{Op: "lexical commit insert posting", Err: err}
			}
		case err != nil:
			return &errs.IOError{Op: "lexical commit read posting", Err: err}
		default:
			merged := mergePostings(decodePostings(existingBlob), deltaPostings)
			if _, err := tx.Exec(`UPDATE term SET df = ? WHERE term_id = ?`, len(merged), termID); err != nil {
				return &errs.IOError{Op: "lexical commit update term", Err: err}
			}
			if _, err := tx.Exec(`UPDATE posting SET blob = ? WHERE term_id = ?`, encodePostings(merged), termID); err != nil {
				return &errs.IOError{Op: "lexical commit update posting", Err: err}
			}
		}
	}

	var corpusSize int64
	var totalLen int64
	if err := tx.QueryRow(`SELECT COUNT(*), COALESCE(SUM(length),0) FROM doc_len`).Scan(&corpusSize, &totalLen); err != nil {
		return &errs.IOError{Op: "lexical commit stats", Err: err}
	}
	avgLen := float64(0)
	if corpusSize > 0 {
		avgLen = float64(totalLen) / float64(corpusSize)
	}
	if _, err := tx.Exec(`UPDATE stats SET corpus_size = ?, avg_doc_length = ? WHERE id = 0`, corpusSize, avgLen); err != nil {
		return &errs.IOError{Op: "lexical commit stats update", Err: err}
	}

	if _, err := tx.Exec(`DELETE FROM posting WHERE term_id IN (SELECT term_id FROM term WHERE df < ?)`, minDF); err != nil {
		return &errs.IOError{Op: "lexical commit prune postings", Err: err}
	}
	if _, err := tx.Exec(`DELETE FROM term WHERE df < ?`, minDF); err != nil {
		return &errs.IOError{Op: "lexical commit prune terms", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &errs.IOError{Op: "lexical commit", Err: err}
	}

	ix.pendingPostings = make(map[string]map[int64]int)
	ix.pendingDocLens = make(map[int64]int)
	return nil
}

// Search tokenises query, decodes each present term's posting list, and
// performs a k-way merge accumulating Okapi BM25 scores. Ties are broken
// by ascending id.
func (ix *Index) Search(query string, k int) ([]Result, error) {
	tokens := Tokenize(query)
	if len(tokens) == 0 || k <= 0 {
		return nil, nil
	}
	unique := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		unique[t] = struct{}{}
	}

	var corpusSize int64
	var avgLen float64
	if err := ix.db.QueryRow(`SELECT corpus_size, avg_doc_length FROM stats WHERE id = 0`).Scan(&corpusSize, &avgLen); err != nil {
		return nil, &errs.IOError{Op: "lexical search stats", Err: err}
	}
	if corpusSize == 0 || avgLen == 0 {
		return nil, nil
	}

	scores := make(map[int64]float64)
	for term := range unique {
		var df int64
		var blob []byte
		err := ix.db.QueryRow(`SELECT df, blob FROM posting JOIN term USING(term_id) WHERE term_text = ?`, term).Scan(&df, &blob)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, &errs.IOError{Op: "lexical search term", Err: err}
		}
		idf := math.Log((float64(corpusSize)-float64(df)+0.5)/(float64(df)+0.5) + 1)
		for _, p := range decodePostings(blob) {
			docLen, err := ix.docLength(p.ID, avgLen)
			if err != nil {
				return nil, err
			}
			termScore := idf * float64(p.TF) * (k1 + 1) / (float64(p.TF) + k1*(1-b+b*docLen/avgLen))
			scores[p.ID] += termScore
		}
	}

	results := make([]Result, 0, len(scores))
	for id, score := range scores {
		results = append(results, Result{ID: id, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (ix *Index) docLength(id int64, fallback float64) (float64, error) {
	var length int64
	err := ix.db.QueryRow(`SELECT length FROM doc_len WHERE passage_id = ?`, id).Scan(&length)
	if err == sql.ErrNoRows {
		return fallback, nil
	}
	if err != nil {
		return 0, &errs.IOError{Op: "lexical doc_length", Err: err}
	}
	return float64(length), nil
}

// CountInRange returns how many passages in [first, last] have a recorded
// document length, used by the driver's cross-store invariant check.
func (ix *Index) CountInRange(first, last int64) (int64, error) {
	if last < first {
		return 0, nil
	}
	var n int64
	err := ix.db.QueryRow(`SELECT COUNT(*) FROM doc_len WHERE passage_id BETWEEN ? AND ?`, first, last).Scan(&n)
	if err != nil {
		return 0, &errs.IOError{Op: "lexical count_in_range", Err: fmt.Errorf("%w", err)}
	}
	return n, nil
}
