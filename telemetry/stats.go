package telemetry

import (
	"log/slog"
	"sort"

	"github.com/pthm-cable/lowspread/archive"
)

// LogRow is one line of log.csv, written after every loop.
type LogRow struct {
	Loop       int     `csv:"loop"`
	Iteration  int     `csv:"iteration"`
	QDScore    float64 `csv:"qd_score"`
	MaxFitness float64 `csv:"max_fitness"`
	Coverage   float64 `csv:"coverage"`
	Time       float64 `csv:"time"` // wall-clock seconds spent in the loop
}

// LogValue implements slog.LogValuer for structured logging.
func (r LogRow) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("loop", r.Loop),
		slog.Int("iteration", r.Iteration),
		slog.Float64("qd_score", r.QDScore),
		slog.Float64("max_fitness", r.MaxFitness),
		slog.Float64("coverage", r.Coverage),
		slog.Float64("time", r.Time),
	)
}

// FitnessStats describes the fitness distribution of the occupied cells.
type FitnessStats struct {
	Mean, P10, P50, P90 float64
}

// LogValue implements slog.LogValuer for structured logging.
func (s FitnessStats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Float64("mean", s.Mean),
		slog.Float64("p10", s.P10),
		slog.Float64("p50", s.P50),
		slog.Float64("p90", s.P90),
	)
}

// Percentile calculates the p-th percentile of a sorted slice.
// p should be in [0, 1]. Returns 0 if slice is empty.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}

	// Linear interpolation
	idx := p * float64(n-1)
	lo := int(idx)
	hi := lo + 1
	if hi >= n {
		return sorted[n-1]
	}

	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// ComputeFitnessStats summarizes the fitness of every occupied cell.
func ComputeFitnessStats(rep *archive.Repertoire) FitnessStats {
	values := make([]float64, 0, rep.NumCells())
	for _, i := range rep.OccupiedCells() {
		values = append(values, rep.Fitnesses[i])
	}
	if len(values) == 0 {
		return FitnessStats{}
	}

	var sum float64
	for _, v := range values {
		sum += v
	}

	sort.Float64s(values)
	return FitnessStats{
		Mean: sum / float64(len(values)),
		P10:  Percentile(values, 0.10),
		P50:  Percentile(values, 0.50),
		P90:  Percentile(values, 0.90),
	}
}
