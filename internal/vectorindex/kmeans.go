package vectorindex

import "math/rand"

const kmeansIterations = 15

// kmeans runs Lloyd's algorithm over vectors (each of the same dimension)
// producing k centroids. Centroids are seeded from k distinct random
// samples. Empty clusters are re-seeded from the globally farthest point
// to avoid dead centroids on skewed corpora.
func kmeans(vectors [][]float32, k int, rng *rand.Rand) [][]float32 {
	dim := len(vectors[0])
	if k > len(vectors) {
		k = len(vectors)
	}

	centroids := make([][]float32, k)
	perm := rng.Perm(len(vectors))
	for i := 0; i < k; i++ {
		src := vectors[perm[i]]
		c := make([]float32, dim)
		copy(c, src)
		centroids[i] = c
	}

	assignment := make([]int, len(vectors))
	for iter := 0; iter < kmeansIterations; iter++ {
		for i, v := range vectors {
			assignment[i] = nearestCentroid(v, centroids)
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, v := range vectors {
			c := assignment[i]
			counts[c]++
			for d, x := range v {
				sums[c][d] += float64(x)
			}
		}

		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				far := farthestPoint(vectors, centroids, assignment)
				copy(centroids[c], vectors[far])
				continue
			}
			for d := 0; d < dim; d++ {
				centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
		}
	}
	return centroids
}

// nearestCentroid returns the index of the centroid with the largest
// inner product to v (vectors are L2-normalised, so this equals nearest
// by cosine similarity, and is proportional to nearest by Euclidean
// distance on the unit sphere).
func nearestCentroid(v []float32, centroids [][]float32) int {
	best, bestScore := 0, dotProduct(v, centroids[0])
	for i := 1; i < len(centroids); i++ {
		score := dotProduct(v, centroids[i])
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

func farthestPoint(vectors [][]float32, centroids [][]float32, assignment []int) int {
	worst, worstScore := 0, dotProduct(vectors[0], centroids[assignment[0]])
	for i := 1; i < len(vectors); i++ {
		score := dotProduct(vectors[i], centroids[assignment[i]])
		if score < worstScore {
			worst, worstScore = i, score
		}
	}
	return worst
}
