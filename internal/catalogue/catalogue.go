// Package catalogue is the authoritative store mapping passage ids to their
// source file, page, chunk index, and text, plus per-file indexing state.
// It exclusively owns identity assignment; the vector and lexical indices
// are read-mostly replicas keyed by the ids it hands out.
package catalogue

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"hybridpdf/internal/errs"
)

// FileStatus is the lifecycle state of a File Record.
type FileStatus string

const (
	StatusPending  FileStatus = "pending"
	StatusIndexed  FileStatus = "indexed"
	StatusFailed   FileStatus = "failed"
)

// Passage is one unit of retrieval.
type Passage struct {
	ID         int64
	SourcePath string
	PageNumber int
	ChunkIndex int
	Text       string
}

// FileRecord is the per-source-file indexing state.
type FileRecord struct {
	SourcePath  string
	ContentHash string
	IndexedAt   int64 // unix seconds; 0 if never completed
	FirstID     int64
	LastID      int64 // LastID < FirstID means an empty range
	Status      FileStatus
}

// Counts summarises catalogue size.
type Counts struct {
	Passages int64
	Files    int64
}

// Catalogue is a single-writer, multi-reader embedded relational store.
type Catalogue struct {
	db *sql.DB
}

// Open opens (creating if absent) the catalogue database at path and
// ensures its schema exists.
func Open(path string) (*Catalogue, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, &errs.IOError{Op: "open catalogue", Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errs.IOError{Op: "ping catalogue", Err: err}
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, &errs.IOError{Op: "configure catalogue", Err: err}
		}
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Catalogue{db: db}, nil
}

func createSchema(db *sql.DB) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS passages (
			id          INTEGER PRIMARY KEY,
			source_path TEXT NOT NULL,
			page_number INTEGER NOT NULL,
			chunk_index INTEGER NOT NULL,
			text        TEXT NOT NULL,
			UNIQUE(source_path, page_number, chunk_index)
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			source_path  TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			indexed_at   INTEGER NOT NULL DEFAULT 0,
			first_id     INTEGER NOT NULL,
			last_id      INTEGER NOT NULL,
			status       TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS id_counter (
			id    INTEGER PRIMARY KEY CHECK (id = 0),
			next_id INTEGER NOT NULL
		)`,
	}
	tx, err := db.Begin()
	if err != nil {
		return &errs.IOError{Op: "begin schema tx", Err: err}
	}
	for _, stmt := range ddl {
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return &errs.IOError{Op: "create schema", Err: err}
		}
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO id_counter (id, next_id) VALUES (0, 0)`); err != nil {
		tx.Rollback()
		return &errs.IOError{Op: "seed id counter", Err: err}
	}
	return tx.Commit()
}

// Close releases the underlying database handle.
func (c *Catalogue) Close() error {
	return c.db.Close()
}

// AssignIDs reserves n consecutive ids atomically and returns [first, last].
func (c *Catalogue) AssignIDs(n int) (first, last int64, err error) {
	if n <= 0 {
		return 0, -1, nil
	}
	tx, err := c.db.Begin()
	if err != nil {
		return 0, 0, &errs.IOError{Op: "assign_ids begin", Err: err}
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRow(`SELECT next_id FROM id_counter WHERE id = 0`).Scan(&next); err != nil {
		return 0, 0, &errs.IOError{Op: "assign_ids read counter", Err: err}
	}
	first = next
	last = next + int64(n) - 1
	if _, err := tx.Exec(`UPDATE id_counter SET next_id = ? WHERE id = 0`, last+1); err != nil {
		return 0, 0, &errs.IOError{Op: "assign_ids write counter", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, &errs.IOError{Op: "assign_ids commit", Err: err}
	}
	return first, last, nil
}

// CommitPassages upserts passage rows, keyed by id.
func (c *Catalogue) CommitPassages(records []Passage) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := c.db.Begin()
	if err != nil {
		return &errs.IOError{Op: "commit_passages begin", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO passages (id, source_path, page_number, chunk_index, text)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET source_path=excluded.source_path,
			page_number=excluded.page_number, chunk_index=excluded.chunk_index, text=excluded.text`)
	if err != nil {
		return &errs.IOError{Op: "commit_passages prepare", Err: err}
	}
	defer stmt.Close()

	for _, p := range records {
		if _, err := stmt.Exec(p.ID, p.SourcePath, p.PageNumber, p.ChunkIndex, p.Text); err != nil {
			return &errs.CatalogueConflict{Reason: fmt.Sprintf("commit passage %d: %v", p.ID, err)}
		}
	}
	if err := tx.Commit(); err != nil {
		return &errs.IOError{Op: "commit_passages commit", Err: err}
	}
	return nil
}

// GetPassagesByIDs fetches passages preserving the order of ids. A missing
// id fails the whole call.
func (c *Catalogue) GetPassagesByIDs(ids []int64) ([]Passage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	byID := make(map[int64]Passage, len(ids))
	const batchSize = 100
	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]
		placeholders := make([]byte, 0, len(batch)*2)
		args := make([]interface{}, len(batch))
		for i, id := range batch {
			if i > 0 {
				placeholders = append(placeholders, ',')
			}
			placeholders = append(placeholders, '?')
			args[i] = id
		}
		query := fmt.Sprintf(`SELECT id, source_path, page_number, chunk_index, text FROM passages WHERE id IN (%s)`, string(placeholders))
		rows, err := c.db.Query(query, args...)
		if err != nil {
			return nil, &errs.IOError{Op: "get_passages_by_ids", Err: err}
		}
		for rows.Next() {
			var p Passage
			if err := rows.Scan(&p.ID, &p.SourcePath, &p.PageNumber, &p.ChunkIndex, &p.Text); err != nil {
				rows.Close()
				return nil, &errs.IOError{Op: "get_passages_by_ids scan", Err: err}
			}
			byID[p.ID] = p
		}
		rows.Close()
	}

	out := make([]Passage, len(ids))
	for i, id := range ids {
		p, ok := byID[id]
		if !ok {
			return nil, &errs.CatalogueConflict{Reason: fmt.Sprintf("passage id %d not found", id)}
		}
		out[i] = p
	}
	return out, nil
}

// BeginFile decides skip-or-reindex for path given its current content
// hash, and returns the prior record if one exists (nil if this is a new
// file). Callers use ShouldSkip on the result to decide whether to proceed.
func (c *Catalogue) BeginFile(path, contentHash string) (*FileRecord, error) {
	row := c.db.QueryRow(`SELECT content_hash, indexed_at, first_id, last_id, status FROM files WHERE source_path = ?`, path)
	var rec FileRecord
	rec.SourcePath = path
	err := row.Scan(&rec.ContentHash, &rec.IndexedAt, &rec.FirstID, &rec.LastID, &rec.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &errs.IOError{Op: "begin_file", Err: err}
	}
	return &rec, nil
}

// ShouldSkip reports whether BeginFile's prior record means this file is
// already fully indexed with unchanged content and can be skipped.
func ShouldSkip(prior *FileRecord, contentHash string) bool {
	return prior != nil && prior.Status == StatusIndexed && prior.ContentHash == contentHash
}

// FinishFile records the outcome of indexing path: the assigned id range
// and whether it completed successfully.
func (c *Catalogue) FinishFile(path, contentHash string, first, last int64, ok bool, indexedAtUnix int64) error {
	status := StatusFailed
	if ok {
		status = StatusIndexed
	}
	_, err := c.db.Exec(`INSERT INTO files (source_path, content_hash, indexed_at, first_id, last_id, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_path) DO UPDATE SET content_hash=excluded.content_hash,
			indexed_at=excluded.indexed_at, first_id=excluded.first_id, last_id=excluded.last_id, status=excluded.status`,
		path, contentHash, indexedAtUnix, first, last, status)
	if err != nil {
		return &errs.IOError{Op: "finish_file", Err: err}
	}
	return nil
}

// MarkPending records a file as pending before its chunks are processed,
// so a crash mid-file is recoverable on restart (the transaction-log
// marker described by the driver's recovery scheme).
func (c *Catalogue) MarkPending(path, contentHash string, first, last int64) error {
	_, err := c.db.Exec(`INSERT INTO files (source_path, content_hash, indexed_at, first_id, last_id, status)
		VALUES (?, ?, 0, ?, ?, ?)
		ON CONFLICT(source_path) DO UPDATE SET content_hash=excluded.content_hash,
			first_id=excluded.first_id, last_id=excluded.last_id, status=excluded.status`,
		path, contentHash, first, last, StatusPending)
	if err != nil {
		return &errs.IOError{Op: "mark_pending", Err: err}
	}
	return nil
}

// FileState returns the current record for path, or nil if unknown.
func (c *Catalogue) FileState(path string) (*FileRecord, error) {
	return c.BeginFile(path, "")
}

// PendingFiles returns every file record left in pending status; the
// startup recovery scan's candidates for rollback.
func (c *Catalogue) PendingFiles() ([]FileRecord, error) {
	rows, err := c.db.Query(`SELECT source_path, content_hash, indexed_at, first_id, last_id, status FROM files WHERE status = ?`, StatusPending)
	if err != nil {
		return nil, &errs.IOError{Op: "pending_files", Err: err}
	}
	defer rows.Close()
	var out []FileRecord
	for rows.Next() {
		var r FileRecord
		if err := rows.Scan(&r.SourcePath, &r.ContentHash, &r.IndexedAt, &r.FirstID, &r.LastID, &r.Status); err != nil {
			return nil, &errs.IOError{Op: "pending_files scan", Err: err}
		}
		out = append(out, r)
	}
	return out, nil
}

// DeletePassageRange removes passages in [first, last] and their owning
// file record, used to roll back a pending file on restart.
func (c *Catalogue) DeletePassageRange(path string, first, last int64) error {
	tx, err := c.db.Begin()
	if err != nil {
		return &errs.IOError{Op: "delete_range begin", Err: err}
	}
	defer tx.Rollback()
	if last >= first {
		if _, err := tx.Exec(`DELETE FROM passages WHERE id BETWEEN ? AND ?`, first, last); err != nil {
			return &errs.IOError{Op: "delete_range passages", Err: err}
		}
	}
	if _, err := tx.Exec(`DELETE FROM files WHERE source_path = ?`, path); err != nil {
		return &errs.IOError{Op: "delete_range file", Err: err}
	}
	return tx.Commit()
}

// CountPassagesInRange returns how many passage rows fall in [first, last].
func (c *Catalogue) CountPassagesInRange(first, last int64) (int64, error) {
	if last < first {
		return 0, nil
	}
	var n int64
	err := c.db.QueryRow(`SELECT COUNT(*) FROM passages WHERE id BETWEEN ? AND ?`, first, last).Scan(&n)
	if err != nil {
		return 0, &errs.IOError{Op: "count_passages_in_range", Err: err}
	}
	return n, nil
}

// Counts reports the overall size of the catalogue.
func (c *Catalogue) Counts() (Counts, error) {
	var out Counts
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM passages`).Scan(&out.Passages); err != nil {
		return out, &errs.IOError{Op: "counts passages", Err: err}
	}
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&out.Files); err != nil {
		return out, &errs.IOError{Op: "counts files", Err: err}
	}
	return out, nil
}
