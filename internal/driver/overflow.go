package driver

import (
	"encoding/gob"
	"io"
	"os"
)

// overflowRecord is one vector spilled to disk while the vector index
// awaits training.
type overflowRecord struct {
	ID     int64
	Vector []float32
}

// overflowBuffer holds embeddings on disk between the time they are
// produced and the time the vector index is trained and can accept them,
// so an untrained corpus never forces the whole training set into memory
// at once.
type overflowBuffer struct {
	path  string
	file  *os.File
	enc   *gob.Encoder
	count int
}

func newOverflowBuffer(path string) (*overflowBuffer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &overflowBuffer{path: path, file: f, enc: gob.NewEncoder(f)}, nil
}

func (b *overflowBuffer) Append(id int64, vector []float32) error {
	if err := b.enc.Encode(overflowRecord{ID: id, Vector: vector}); err != nil {
		return err
	}
	b.count++
	return nil
}

func (b *overflowBuffer) Count() int { return b.count }

// ReadAll rewinds and decodes every record currently spilled to disk.
func (b *overflowBuffer) ReadAll() ([]overflowRecord, error) {
	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	dec := gob.NewDecoder(b.file)
	out := make([]overflowRecord, 0, b.count)
	for {
		var r overflowRecord
		if err := dec.Decode(&r); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Reset truncates the buffer, discarding drained records and resetting the
// encoder to the start of the file.
func (b *overflowBuffer) Reset() error {
	if err := b.file.Truncate(0); err != nil {
		return err
	}
	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	b.enc = gob.NewEncoder(b.file)
	b.count = 0
	return nil
}

func (b *overflowBuffer) Close() error {
	return b.file.Close()
}
