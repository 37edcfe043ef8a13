package vectorindex

import (
	"math"

	"golang.org/x/sys/cpu"
)

// hasFastFloatOps records whether the host advertises AVX2/NEON-class
// wide-float capability. dotProduct uses it to pick how far to unroll: a
// host with wide SIMD registers profits from an eight-wide accumulator
// group, while a narrower host does needless bookkeeping for no gain.
var hasFastFloatOps = detectFastFloatOps()

func detectFastFloatOps() bool {
	if cpu.X86.HasAVX2 {
		return true
	}
	if cpu.ARM64.HasASIMD {
		return true
	}
	return false
}

// dotProduct computes the inner product of two equal-length float32
// vectors, dispatching to the unroll width the host's float capability
// probe favors.
func dotProduct(a, b []float32) float32 {
	if hasFastFloatOps {
		return dotProductWide(a, b)
	}
	return dotProductNarrow(a, b)
}

// dotProductWide accumulates eight-wide, for hosts wide enough to keep all
// eight partial sums live in vector registers across the loop.
func dotProductWide(a, b []float32) float32 {
	var sum0, sum1, sum2, sum3, sum4, sum5, sum6, sum7 float32
	n := len(a)
	i := 0
	for ; i+8 <= n; i += 8 {
		sum0 += a[i] * b[i]
		sum1 += a[i+1] * b[i+1]
		sum2 += a[i+2] * b[i+2]
		sum3 += a[i+3] * b[i+3]
		sum4 += a[i+4] * b[i+4]
		sum5 += a[i+5] * b[i+5]
		sum6 += a[i+6] * b[i+6]
		sum7 += a[i+7] * b[i+7]
	}
	sum := sum0 + sum1 + sum2 + sum3 + sum4 + sum5 + sum6 + sum7
	for ; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// dotProductNarrow accumulates four-wide, the safe default for a host with
// no advertised wide-float capability.
func dotProductNarrow(a, b []float32) float32 {
	var sum0, sum1, sum2, sum3 float32
	n := len(a)
	i := 0
	for ; i+4 <= n; i += 4 {
		sum0 += a[i] * b[i]
		sum1 += a[i+1] * b[i+1]
		sum2 += a[i+2] * b[i+2]
		sum3 += a[i+3] * b[i+3]
	}
	sum := sum0 + sum1 + sum2 + sum3
	for ; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// l2Normalize scales v in place to unit L2 norm. A zero vector is left
// unchanged.
func l2Normalize(v []float32) {
	var sumSq float32
	for _, x := range v {
		sumSq += x * x
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(float64(sumSq)))
	for i := range v {
		v[i] /= norm
	}
}
