package optimization

import (
	"math"
	"math/rand"
	"time"
)

// ValidateBounds checks that every interval is finite and not inverted.
func ValidateBounds(bounds [][2]float64) error {
	if len(bounds) == 0 {
		return Invalidf("no bounds")
	}
	for i, b := range bounds {
		lo, hi := b[0], b[1]
		if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
			return Invalidf("bound %d must be finite, got [%v, %v]", i, lo, hi)
		}
		if lo > hi {
			return Invalidf("bound %d has lower %v > upper %v", i, lo, hi)
		}
	}
	return nil
}

// NewRand returns a seeded generator. A zero seed uses the clock.
func NewRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// Clip moves x into the bounds in place and returns it.
func Clip(x []float64, bounds [][2]float64) []float64 {
	for i := range x {
		x[i] = math.Max(bounds[i][0], math.Min(x[i], bounds[i][1]))
	}
	return x
}

// FromUnit maps a point of the unit cube onto the bounds.
func FromUnit(dst, u []float64, bounds [][2]float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(u))
	}
	for i, v := range u {
		lo, hi := bounds[i][0], bounds[i][1]
		dst[i] = lo + v*(hi-lo)
	}
	return dst
}

// ToUnit maps a point inside the bounds onto the unit cube. Degenerate
// intervals map to 0.5.
func ToUnit(dst, x []float64, bounds [][2]float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(x))
	}
	for i, v := range x {
		lo, hi := bounds[i][0], bounds[i][1]
		if hi == lo {
			dst[i] = 0.5
			continue
		}
		dst[i] = (v - lo) / (hi - lo)
	}
	return dst
}

// LatinHypercube draws n points of the unit cube so that every dimension has
// exactly one point in each of the n strata.
func LatinHypercube(rng *rand.Rand, n, dims int) [][]float64 {
	samples := make([][]float64, n)
	for j := range samples {
		samples[j] = make([]float64, dims)
	}

	strata := make([]float64, n)
	for i := 0; i < dims; i++ {
		for j := 0; j < n; j++ {
			strata[j] = (float64(j) + rng.Float64()) / float64(n)
		}
		rng.Shuffle(n, func(k, l int) {
			strata[k], strata[l] = strata[l], strata[k]
		})
		for j := 0; j < n; j++ {
			samples[j][i] = strata[j]
		}
	}
	return samples
}
