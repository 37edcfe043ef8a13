package lexical

import "encoding/binary"

// Posting is one (passage id, term frequency) pair within a term's list.
type Posting struct {
	ID int64
	TF int
}

// encodePostings serialises postings (already sorted ascending by ID) as a
// varint-delta blob: each entry is (id_delta, tf) as two uvarints.
func encodePostings(postings []Posting) []byte {
	buf := make([]byte, 0, len(postings)*3)
	var prev int64
	var scratch [binary.MaxVarintLen64]byte
	for _, p := range postings {
		delta := p.ID - prev
		n := binary.PutUvarint(scratch[:], uint64(delta))
		buf = append(buf, scratch[:n]...)
		n = binary.PutUvarint(scratch[:], uint64(p.TF))
		buf = append(buf, scratch[:n]...)
		prev = p.ID
	}
	return buf
}

// decodePostings parses a varint-delta blob back into ascending-id postings.
func decodePostings(blob []byte) []Posting {
	if len(blob) == 0 {
		return nil
	}
	var out []Posting
	var id int64
	i := 0
	for i < len(blob) {
		delta, n := binary.Uvarint(blob[i:])
		i += n
		tf, n2 := binary.Uvarint(blob[i:])
		i += n2
		id += int64(delta)
		out = append(out, Posting{ID: id, TF: int(tf)})
	}
	return out
}

// mergePostings combines two ascending-id posting lists, summing tf where
// ids collide, and returns the result sorted ascending by id.
func mergePostings(a, b []Posting) []Posting {
	out := make([]Posting, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].ID < b[j].ID:
			out = append(out, a[i])
			i++
		case a[i].ID > b[j].ID:
			out = append(out, b[j])
			j++
		default:
			out = append(out, Posting{ID: a[i].ID, TF: a[i].TF + b[j].TF})
			i++
			j++
		}
	}
	out = append(out, a[i:]...)
	out = append(out, b[j:]...)
	return out
}
