// Package cvt builds centroidal Voronoi tessellations of a bounded
// descriptor space.
package cvt

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/pthm-cable/lowspread/randkey"
)

// Config holds CVT construction parameters.
type Config struct {
	NumCentroids int // number of cells
	NumSamples   int // uniform samples clustered by k-means
	Iterations   int // maximum Lloyd iterations
}

// ErrConfig is wrapped by every parameter error.
var ErrConfig = errors.New("cvt: invalid parameters")

// Compute samples the box [low, high] uniformly and clusters the samples with
// Lloyd's k-means. The result is deterministic for a given key.
func Compute(key randkey.Key, cfg Config, low, high []float64) ([][]float64, error) {
	if err := checkBounds(low, high); err != nil {
		return nil, err
	}
	if cfg.NumCentroids <= 0 {
		return nil, fmt.Errorf("%w: num_centroids=%d", ErrConfig, cfg.NumCentroids)
	}
	if cfg.NumSamples < cfg.NumCentroids {
		return nil, fmt.Errorf("%w: num_samples=%d < num_centroids=%d", ErrConfig, cfg.NumSamples, cfg.NumCentroids)
	}
	if cfg.Iterations <= 0 {
		return nil, fmt.Errorf("%w: iterations=%d", ErrConfig, cfg.Iterations)
	}

	rng := key.Rand()
	dim := len(low)

	points := make([][]float64, cfg.NumSamples)
	for i := range points {
		p := make([]float64, dim)
		for d := range p {
			p[d] = low[d] + rng.Float64()*(high[d]-low[d])
		}
		points[i] = p
	}

	// Seed with a random subset of the samples (partial Fisher-Yates).
	perm := make([]int, len(points))
	for i := range perm {
		perm[i] = i
	}
	centroids := make([][]float64, cfg.NumCentroids)
	for i := range centroids {
		j := i + rng.IntN(len(perm)-i)
		perm[i], perm[j] = perm[j], perm[i]
		centroids[i] = append([]float64(nil), points[perm[i]]...)
	}

	assign := make([]int, len(points))
	for i := range assign {
		assign[i] = -1
	}
	sums := make([][]float64, cfg.NumCentroids)
	for i := range sums {
		sums[i] = make([]float64, dim)
	}
	counts := make([]int, cfg.NumCentroids)

	for iter := 0; iter < cfg.Iterations; iter++ {
		changed := 0
		for i, p := range points {
			c := Nearest(centroids, p)
			if c != assign[i] {
				assign[i] = c
				changed++
			}
		}
		if changed == 0 {
			break
		}

		for c := range sums {
			for d := range sums[c] {
				sums[c][d] = 0
			}
			counts[c] = 0
		}
		for i, p := range points {
			floats.Add(sums[assign[i]], p)
			counts[assign[i]]++
		}
		for c := range centroids {
			// Empty clusters keep their previous position.
			if counts[c] == 0 {
				continue
			}
			floats.ScaleTo(centroids[c], 1/float64(counts[c]), sums[c])
		}
	}

	return centroids, nil
}

// Grid returns the centers of a regular grid with perDim cells along each
// dimension, ordered with the last dimension varying fastest.
func Grid(perDim int, low, high []float64) ([][]float64, error) {
	if err := checkBounds(low, high); err != nil {
		return nil, err
	}
	if perDim <= 0 {
		return nil, fmt.Errorf("%w: grid size %d", ErrConfig, perDim)
	}
	dim := len(low)
	total := 1
	for range dim {
		total *= perDim
	}

	centroids := make([][]float64, total)
	for i := range centroids {
		c := make([]float64, dim)
		idx := i
		for d := dim - 1; d >= 0; d-- {
			cell := idx % perDim
			idx /= perDim
			width := (high[d] - low[d]) / float64(perDim)
			c[d] = low[d] + (float64(cell)+0.5)*width
		}
		centroids[i] = c
	}
	return centroids, nil
}

// Nearest returns the index of the centroid closest to p in Euclidean
// distance. Ties go to the lowest index.
func Nearest(centroids [][]float64, p []float64) int {
	best := -1
	bestDist := math.Inf(1)
	for i, c := range centroids {
		d := sqDist(c, p)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// sqDist is the squared Euclidean distance. Hot path of Nearest, so it skips
// the square root that floats.Distance takes.
func sqDist(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}

func checkBounds(low, high []float64) error {
	if len(low) == 0 {
		return fmt.Errorf("%w: empty descriptor bounds", ErrConfig)
	}
	if len(low) != len(high) {
		return fmt.Errorf("%w: bounds dimensionality mismatch (%d vs %d)", ErrConfig, len(low), len(high))
	}
	for d := range low {
		if !(low[d] < high[d]) {
			return fmt.Errorf("%w: bound %d: low %v >= high %v", ErrConfig, d, low[d], high[d])
		}
	}
	return nil
}
