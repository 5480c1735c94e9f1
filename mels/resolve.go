package mels

import (
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/pthm-cable/lowspread/archive"
	"github.com/pthm-cable/lowspread/cvt"
	"github.com/pthm-cable/lowspread/scoring"
)

// SpreadFunc measures the dispersion of a set of descriptors.
type SpreadFunc func(descriptors [][]float64) float64

// MaxPairwiseDistance returns the largest Euclidean distance between any two
// descriptors, or 0 for fewer than two.
func MaxPairwiseDistance(descriptors [][]float64) float64 {
	var best float64
	for i := range descriptors {
		for j := i + 1; j < len(descriptors); j++ {
			best = max(best, floats.Distance(descriptors[i], descriptors[j], 2))
		}
	}
	return best
}

// Variance returns the total population variance, summed over descriptor
// dimensions. A single descriptor has zero variance.
func Variance(descriptors [][]float64) float64 {
	if len(descriptors) < 2 {
		return 0
	}
	col := make([]float64, len(descriptors))
	var total float64
	for d := range descriptors[0] {
		for i, desc := range descriptors {
			col[i] = desc[d]
		}
		total += stat.PopVariance(col, nil)
	}
	return total
}

// SpreadByName returns the spread statistic for a config name.
func SpreadByName(name string) (SpreadFunc, error) {
	switch name {
	case "max_pairwise", "":
		return MaxPairwiseDistance, nil
	case "variance":
		return Variance, nil
	default:
		return nil, fmt.Errorf("mels: unknown spread %q", name)
	}
}

// Resolve turns one genotype's samples into an archive candidate. Each valid
// sample votes for its nearest centroid; the plurality cell wins, ties going
// to the cell voted for first. Fitness is the mean over valid samples, the
// descriptor is the winning centroid and spread covers only the samples that
// voted for it. ok is false when no sample is valid. The caller sets
// Genotype.
func Resolve(samples []scoring.Sample, centroids [][]float64, spread SpreadFunc) (c archive.Candidate, ok bool) {
	votes := make(map[int]int, len(samples))
	order := make([]int, 0, len(samples))
	cells := make([]int, len(samples))
	var fitSum float64
	valid := 0
	for i, s := range samples {
		cells[i] = -1
		if !s.Valid {
			continue
		}
		cell := cvt.Nearest(centroids, s.Descriptor)
		cells[i] = cell
		if votes[cell] == 0 {
			order = append(order, cell)
		}
		votes[cell]++
		fitSum += s.Fitness
		valid++
	}
	if valid == 0 {
		return archive.Candidate{}, false
	}

	winner := order[0]
	for _, cell := range order[1:] {
		if votes[cell] > votes[winner] {
			winner = cell
		}
	}

	voters := make([][]float64, 0, votes[winner])
	for i, s := range samples {
		if cells[i] == winner {
			voters = append(voters, s.Descriptor)
		}
	}

	return archive.Candidate{
		Cell:       winner,
		Fitness:    fitSum / float64(valid),
		Descriptor: slices.Clone(centroids[winner]),
		Spread:     spread(voters),
	}, true
}
