package archive

import (
	"math"
)

// Stats summarizes a repertoire.
type Stats struct {
	Coverage   float64 // occupied / total cells
	QDScore    float64 // sum over occupied cells of fitness - offset
	MaxFitness float64 // -Inf when empty
	MeanSpread float64
	Size       int
}

// Summarize computes coverage, QD-score, max fitness and mean spread. The
// offset should be a lower bound on fitness so every term is non-negative.
func (r *Repertoire) Summarize(qdOffset float64) Stats {
	s := Stats{MaxFitness: math.Inf(-1)}
	var spreadSum float64
	for i := range r.Genotypes {
		if !r.Occupied(i) {
			continue
		}
		s.Size++
		s.QDScore += r.Fitnesses[i] - qdOffset
		s.MaxFitness = math.Max(s.MaxFitness, r.Fitnesses[i])
		spreadSum += r.Spreads[i]
	}
	s.Coverage = float64(s.Size) / float64(r.NumCells())
	if s.Size > 0 {
		s.MeanSpread = spreadSum / float64(s.Size)
	}
	return s
}
