package vectorindex

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"hybridpdf/internal/errs"
)

// SidecarState is the JSON sidecar persisted alongside the binary artefact.
type SidecarState struct {
	Dim     int  `json:"dim"`
	Nlist   int  `json:"nlist"`
	PQM     int  `json:"pq_m"`
	PQNBits int  `json:"pq_nbits"`
	Trained bool `json:"trained"`
	NTotal  int  `json:"ntotal"`
	Version int  `json:"version"`
}

// Save persists the index as a binary artefact at indexPath (magic-prefixed
// `KGSV01`) and a JSON parameter sidecar at sidecarPath.
func (ix *Index) Save(indexPath, sidecarPath string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	f, err := os.Create(indexPath)
	if err != nil {
		return &errs.IOError{Op: "save index", Err: err}
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if _, err := w.WriteString(magic); err != nil {
		return &errs.IOError{Op: "save index magic", Err: err}
	}
	writeInt(w, ix.dim)
	writeBool(w, ix.trained)

	if ix.trained {
		writeInt(w, len(ix.centroids))
		for _, c := range ix.centroids {
			writeFloats(w, c)
		}
		writeInt(w, ix.pq.M)
		writeInt(w, ix.pq.SubDim)
		for _, codebook := range ix.pq.Codebooks {
			writeInt(w, len(codebook))
			for _, entry := range codebook {
				writeFloats(w, entry)
			}
		}
	}

	writeInt(w, len(ix.ids))
	for i, id := range ix.ids {
		writeInt64(w, id)
		writeInt(w, ix.cellAssignment[i])
		if _, err := w.Write(ix.codes[i]); err != nil {
			return &errs.IOError{Op: "save index codes", Err: err}
		}
	}

	if err := w.Flush(); err != nil {
		return &errs.IOError{Op: "save index flush", Err: err}
	}

	sidecar := SidecarState{
		Dim: ix.dim, Nlist: Nlist, PQM: PQSubvectors, PQNBits: PQBits,
		Trained: ix.trained, NTotal: len(ix.ids), Version: version,
	}
	buf, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return &errs.IOError{Op: "save sidecar marshal", Err: err}
	}
	if err := os.WriteFile(sidecarPath, buf, 0644); err != nil {
		return &errs.IOError{Op: "save sidecar write", Err: err}
	}
	return nil
}

// Load reads a persisted index back. It validates the magic prefix and
// cross-checks the sidecar's parameters, failing with IndexCorruption on
// any mismatch or truncation.
func Load(indexPath, sidecarPath string) (*Index, error) {
	sidecarBuf, err := os.ReadFile(sidecarPath)
	if err != nil {
		return nil, &errs.IOError{Op: "load sidecar", Err: err}
	}
	var sidecar SidecarState
	if err := json.Unmarshal(sidecarBuf, &sidecar); err != nil {
		return nil, wrapCorruption(sidecarPath, fmt.Errorf("sidecar: %w", err))
	}
	if sidecar.Nlist != Nlist || sidecar.PQM != PQSubvectors || sidecar.PQNBits != PQBits || sidecar.Version != version {
		return nil, wrapCorruption(sidecarPath, fmt.Errorf("parameter mismatch: nlist=%d pq_m=%d pq_nbits=%d version=%d",
			sidecar.Nlist, sidecar.PQM, sidecar.PQNBits, sidecar.Version))
	}

	f, err := os.Open(indexPath)
	if err != nil {
		return nil, &errs.IOError{Op: "load index", Err: err}
	}
	defer f.Close()
	r := bufio.NewReader(f)

	magicBuf := make([]byte, len(magic))
	if _, err := io.ReadFull(r, magicBuf); err != nil || string(magicBuf) != magic {
		return nil, wrapCorruption(indexPath, fmt.Errorf("bad magic prefix"))
	}

	dim, err := readInt(r)
	if err != nil {
		return nil, wrapCorruption(indexPath, err)
	}
	if dim != sidecar.Dim {
		return nil, wrapCorruption(indexPath, fmt.Errorf("dim mismatch: index=%d sidecar=%d", dim, sidecar.Dim))
	}

	trained, err := readBool(r)
	if err != nil {
		return nil, wrapCorruption(indexPath, err)
	}
	if trained != sidecar.Trained {
		return nil, wrapCorruption(indexPath, fmt.Errorf("trained flag mismatch"))
	}

	ix := New(dim)

	if trained {
		nlist, err := readInt(r)
		if err != nil {
			return nil, wrapCorruption(indexPath, err)
		}
		centroids := make([][]float32, nlist)
		for i := range centroids {
			centroids[i], err = readFloats(r, dim)
			if err != nil {
				return nil, wrapCorruption(indexPath, err)
			}
		}
		m, err := readInt(r)
		if err != nil {
			return nil, wrapCorruption(indexPath, err)
		}
		subDim, err := readInt(r)
		if err != nil {
			return nil, wrapCorruption(indexPath, err)
		}
		codebooks := make([][][]float32, m)
		for sub := range codebooks {
			nEntries, err := readInt(r)
			if err != nil {
				return nil, wrapCorruption(indexPath, err)
			}
			entries := make([][]float32, nEntries)
			for code := range entries {
				entries[code], err = readFloats(r, subDim)
				if err != nil {
					return nil, wrapCorruption(indexPath, err)
				}
			}
			codebooks[sub] = entries
		}
		ix.centroids = centroids
		ix.pq = &productQuantizer{M: m, SubDim: subDim, Codebooks: codebooks}
		ix.trained = true
		ix.invertedLists = make([][]int, len(centroids))
	}

	n, err := readInt(r)
	if err != nil {
		return nil, wrapCorruption(indexPath, err)
	}
	ix.ids = make([]int64, n)
	ix.codes = make([][]byte, n)
	ix.cellAssignment = make([]int, n)
	for i := 0; i < n; i++ {
		id, err := readInt64(r)
		if err != nil {
			return nil, wrapCorruption(indexPath, err)
		}
		cell, err := readInt(r)
		if err != nil {
			return nil, wrapCorruption(indexPath, err)
		}
		code := make([]byte, ix.pq.M)
		if _, err := io.ReadFull(r, code); err != nil {
			return nil, wrapCorruption(indexPath, err)
		}
		ix.ids[i] = id
		ix.cellAssignment[i] = cell
		ix.codes[i] = code
		if cell >= 0 && cell < len(ix.invertedLists) {
			ix.invertedLists[cell] = append(ix.invertedLists[cell], i)
		}
	}

	if n != sidecar.NTotal {
		return nil, wrapCorruption(indexPath, fmt.Errorf("ntotal mismatch: index=%d sidecar=%d", n, sidecar.NTotal))
	}

	return ix, nil
}

func writeInt(w *bufio.Writer, v int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(int64(v)))
	w.Write(buf[:])
}

func writeInt64(w *bufio.Writer, v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	w.Write(buf[:])
}

func writeBool(w *bufio.Writer, v bool) {
	if v {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}

func writeFloats(w *bufio.Writer, v []float32) {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	w.Write(buf)
}

func readInt(r *bufio.Reader) (int, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int(int64(binary.LittleEndian.Uint64(buf[:]))), nil
}

func readInt64(r *bufio.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func readBool(r *bufio.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func readFloats(r *bufio.Reader, n int) ([]float32, error) {
	buf := make([]byte, 4*n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out, nil
}
