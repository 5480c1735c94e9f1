// Package archive implements the fixed-size ME-LS repertoire: one elite per
// centroid cell, annotated with the spread of its sample descriptors.
package archive

import (
	"errors"
	"fmt"
	"math"
)

// Errors returned by New and Add.
var (
	ErrDimension = errors.New("archive: dimension mismatch")
	ErrFitness   = errors.New("archive: NaN fitness")
)

// Candidate is a resolved genotype ready for insertion.
type Candidate struct {
	Genotype   []float64
	Cell       int
	Fitness    float64
	Descriptor []float64 // the centroid of Cell
	Spread     float64
}

// AddStats counts the outcome of one Add.
type AddStats struct {
	Inserted int // filled a previously empty cell
	Replaced int // beat the previous occupant
	Rejected int // lost to the occupant or to a batch peer
}

// Accepted returns Inserted + Replaced.
func (s AddStats) Accepted() int { return s.Inserted + s.Replaced }

// Repertoire stores the best genotype found for each cell. Empty cells have
// a nil genotype and -Inf fitness. A Repertoire is treated as a value: Add
// returns a new one and leaves the receiver untouched, while genotype,
// descriptor and centroid slices are shared and must not be mutated.
type Repertoire struct {
	Centroids   [][]float64
	Genotypes   [][]float64
	Fitnesses   []float64
	Descriptors [][]float64
	Spreads     []float64
}

// New creates an empty repertoire over the given centroids.
func New(centroids [][]float64) (*Repertoire, error) {
	if len(centroids) == 0 {
		return nil, fmt.Errorf("%w: no centroids", ErrDimension)
	}
	dim := len(centroids[0])
	for i, c := range centroids {
		if len(c) != dim || dim == 0 {
			return nil, fmt.Errorf("%w: centroid %d has dim %d, want %d", ErrDimension, i, len(c), dim)
		}
	}
	n := len(centroids)
	r := &Repertoire{
		Centroids:   centroids,
		Genotypes:   make([][]float64, n),
		Fitnesses:   make([]float64, n),
		Descriptors: make([][]float64, n),
		Spreads:     make([]float64, n),
	}
	for i := range r.Fitnesses {
		r.Fitnesses[i] = math.Inf(-1)
	}
	return r, nil
}

// NumCells returns the fixed cell count.
func (r *Repertoire) NumCells() int { return len(r.Centroids) }

// DescriptorSize returns the descriptor dimensionality.
func (r *Repertoire) DescriptorSize() int { return len(r.Centroids[0]) }

// Occupied reports whether cell i holds a genotype.
func (r *Repertoire) Occupied(i int) bool { return r.Genotypes[i] != nil }

// Size returns the number of occupied cells.
func (r *Repertoire) Size() int {
	n := 0
	for i := range r.Genotypes {
		if r.Occupied(i) {
			n++
		}
	}
	return n
}

// OccupiedCells returns the indices of occupied cells in ascending order.
func (r *Repertoire) OccupiedCells() []int {
	cells := make([]int, 0, len(r.Genotypes))
	for i := range r.Genotypes {
		if r.Occupied(i) {
			cells = append(cells, i)
		}
	}
	return cells
}

// Add applies one batch in a single reduction pass. For every touched cell
// the best candidate of the batch is chosen first (the later candidate wins
// exact ties), then compared once against the occupant: an empty cell takes
// it regardless of fitness, an occupied cell only on strict improvement.
func (r *Repertoire) Add(batch []Candidate) (*Repertoire, AddStats, error) {
	var stats AddStats
	best := make(map[int]int, len(batch))
	for i, c := range batch {
		if c.Cell < 0 || c.Cell >= r.NumCells() {
			return nil, AddStats{}, fmt.Errorf("%w: cell %d out of range [0,%d)", ErrDimension, c.Cell, r.NumCells())
		}
		if len(c.Descriptor) != r.DescriptorSize() {
			return nil, AddStats{}, fmt.Errorf("%w: descriptor dim %d, want %d", ErrDimension, len(c.Descriptor), r.DescriptorSize())
		}
		if math.IsNaN(c.Fitness) {
			return nil, AddStats{}, fmt.Errorf("%w: cell %d", ErrFitness, c.Cell)
		}
		if c.Genotype == nil {
			return nil, AddStats{}, fmt.Errorf("%w: nil genotype for cell %d", ErrDimension, c.Cell)
		}
		if j, ok := best[c.Cell]; ok {
			stats.Rejected++
			if c.Fitness < batch[j].Fitness {
				continue
			}
		}
		best[c.Cell] = i
	}

	out := r.clone()
	for cell, i := range best {
		c := batch[i]
		switch {
		case !r.Occupied(cell):
			stats.Inserted++
		case c.Fitness > r.Fitnesses[cell]:
			stats.Replaced++
		default:
			stats.Rejected++
			continue
		}
		out.Genotypes[cell] = c.Genotype
		out.Fitnesses[cell] = c.Fitness
		out.Descriptors[cell] = c.Descriptor
		out.Spreads[cell] = c.Spread
	}
	return out, stats, nil
}

// clone copies the per-cell slices; element slices are shared.
func (r *Repertoire) clone() *Repertoire {
	return &Repertoire{
		Centroids:   r.Centroids,
		Genotypes:   append([][]float64(nil), r.Genotypes...),
		Fitnesses:   append([]float64(nil), r.Fitnesses...),
		Descriptors: append([][]float64(nil), r.Descriptors...),
		Spreads:     append([]float64(nil), r.Spreads...),
	}
}

// Best returns the occupied cell with the highest fitness, or -1 if empty.
// Ties go to the lowest cell index.
func (r *Repertoire) Best() int {
	best := -1
	for i := range r.Genotypes {
		if r.Occupied(i) && (best < 0 || r.Fitnesses[i] > r.Fitnesses[best]) {
			best = i
		}
	}
	return best
}
