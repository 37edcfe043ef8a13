package vectorindex

import "math/rand"

// productQuantizer splits a residual vector into M sub-vectors and
// quantises each independently against its own 2^nbits-entry codebook.
// nbits is fixed at 8 (one byte per sub-code) throughout this package.
type productQuantizer struct {
	M         int
	SubDim    int
	Codebooks [][][]float32 // [M][<=256][SubDim]; fewer entries when trained on fewer residuals
}

const pqCodes = 256 // 2^8

func trainProductQuantizer(residuals [][]float32, m int, rng *rand.Rand) *productQuantizer {
	dim := len(residuals[0])
	subDim := dim / m

	pq := &productQuantizer{M: m, SubDim: subDim, Codebooks: make([][][]float32, m)}
	for sub := 0; sub < m; sub++ {
		subVectors := make([][]float32, len(residuals))
		for i, r := range residuals {
			subVectors[i] = r[sub*subDim : (sub+1)*subDim]
		}
		pq.Codebooks[sub] = kmeans(subVectors, pqCodes, rng)
	}
	return pq
}

// Encode quantises residual into M byte codes, one nearest-codebook-entry
// index per sub-vector.
func (pq *productQuantizer) Encode(residual []float32) []byte {
	codes := make([]byte, pq.M)
	for sub := 0; sub < pq.M; sub++ {
		subVec := residual[sub*pq.SubDim : (sub+1)*pq.SubDim]
		codes[sub] = byte(nearestCentroid(subVec, pq.Codebooks[sub]))
	}
	return codes
}

// Reconstruct rebuilds an approximate residual vector from its codes.
func (pq *productQuantizer) Reconstruct(codes []byte) []float32 {
	out := make([]float32, pq.M*pq.SubDim)
	for sub := 0; sub < pq.M; sub++ {
		copy(out[sub*pq.SubDim:(sub+1)*pq.SubDim], pq.Codebooks[sub][codes[sub]])
	}
	return out
}

// distanceTable precomputes, for one query residual (relative to a coarse
// centroid), the inner product of each sub-vector against every entry of
// its codebook (up to 256, fewer if trained on a small corpus), the
// asymmetric distance computation table used to score candidates without
// decoding their codes.
func (pq *productQuantizer) distanceTable(queryResidual []float32) [][]float32 {
	table := make([][]float32, pq.M)
	for sub := 0; sub < pq.M; sub++ {
		subQuery := queryResidual[sub*pq.SubDim : (sub+1)*pq.SubDim]
		codebook := pq.Codebooks[sub]
		row := make([]float32, len(codebook))
		for code := range codebook {
			row[code] = dotProduct(subQuery, codebook[code])
		}
		table[sub] = row
	}
	return table
}

// score sums the precomputed table entries selected by codes, the ADC
// approximate inner product between the original query and the encoded
// vector.
func scoreADC(table [][]float32, codes []byte) float32 {
	var sum float32
	for sub, code := range codes {
		sum += table[sub][code]
	}
	return sum
}
