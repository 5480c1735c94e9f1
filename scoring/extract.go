package scoring

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Extractor derives a behavior descriptor from the per-step state
// descriptors of one episode. The trajectory is never empty.
type Extractor func(traj [][]float64) []float64

// FinalDescriptor uses the state descriptor after the last transition.
func FinalDescriptor(traj [][]float64) []float64 {
	return append([]float64(nil), traj[len(traj)-1]...)
}

// MeanDescriptor averages the state descriptor over the episode.
func MeanDescriptor(traj [][]float64) []float64 {
	out := make([]float64, len(traj[0]))
	for _, d := range traj {
		floats.Add(out, d)
	}
	floats.Scale(1/float64(len(traj)), out)
	return out
}

// ExtractorByName resolves the config name of an extractor.
func ExtractorByName(name string) (Extractor, error) {
	switch name {
	case "final":
		return FinalDescriptor, nil
	case "mean":
		return MeanDescriptor, nil
	default:
		return nil, fmt.Errorf("scoring: unknown descriptor extractor %q", name)
	}
}
