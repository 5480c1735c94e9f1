// Package scoring evaluates genotypes by repeated stochastic rollouts.
package scoring

import (
	"errors"
	"fmt"
	"math"

	"github.com/pthm-cable/lowspread/env"
	"github.com/pthm-cable/lowspread/neural"
	"github.com/pthm-cable/lowspread/randkey"
	"github.com/pthm-cable/lowspread/systems"
)

// boundsTolerance absorbs rounding at the descriptor box edges.
const boundsTolerance = 1e-9

// Sample is one rollout's outcome.
type Sample struct {
	Fitness    float64
	Descriptor []float64
	// Valid is false when the rollout failed, produced a non-finite fitness
	// or descriptor, or left the descriptor bounds. Invalid samples never vote.
	Valid bool
}

// Transitions summarizes the rollouts of one Score call.
type Transitions struct {
	Episodes  int
	Steps     int
	EarlyDone int // ended by the environment before the step limit
	Invalid   int
}

// Result holds the sample sets of a scored batch.
type Result struct {
	Samples     [][]Sample // [genotype][sample]
	Transitions Transitions
}

// Scorer runs num_samples rollouts per genotype.
type Scorer struct {
	env        env.Environment
	structure  neural.Structure
	extract    Extractor
	numSamples int
	low, high  []float64
	rollouts   *systems.Rollouts
}

// NewScorer checks that the policy structure fits the environment.
func NewScorer(e env.Environment, structure neural.Structure, extract Extractor, numSamples, workers int) (*Scorer, error) {
	if numSamples <= 0 {
		return nil, fmt.Errorf("scoring: num_samples must be positive, got %d", numSamples)
	}
	if structure.NumInputs() != e.ObservationSize() {
		return nil, fmt.Errorf("scoring: policy takes %d inputs, %s observes %d", structure.NumInputs(), e.Name(), e.ObservationSize())
	}
	if structure.NumOutputs() != e.ActionSize() {
		return nil, fmt.Errorf("scoring: policy emits %d outputs, %s acts on %d", structure.NumOutputs(), e.Name(), e.ActionSize())
	}
	if extract == nil {
		return nil, errors.New("scoring: nil descriptor extractor")
	}
	low, high := e.DescriptorBounds()
	return &Scorer{
		env:        e,
		structure:  structure,
		extract:    extract,
		numSamples: numSamples,
		low:        low,
		high:       high,
		rollouts:   systems.NewRollouts(e, structure.Apply, workers),
	}, nil
}

// NumSamples returns the sample count per genotype.
func (s *Scorer) NumSamples() int { return s.numSamples }

// Score evaluates a batch. Every episode is reset from its own key, so the
// spread of a sample set reflects the policy rather than a shared start.
// The returned key replaces the one passed in.
func (s *Scorer) Score(key randkey.Key, genotypes [][]float64) (Result, randkey.Key, error) {
	next, use := key.Split()
	genKeys := use.SplitN(len(genotypes))
	keys := make([][]randkey.Key, len(genotypes))
	for g := range keys {
		keys[g] = genKeys[g].SplitN(s.numSamples)
	}

	episodes, err := s.rollouts.Run(genotypes, keys)
	if err != nil {
		return Result{}, next, fmt.Errorf("scoring: %w", err)
	}

	res := Result{Samples: make([][]Sample, len(genotypes))}
	for g := range res.Samples {
		res.Samples[g] = make([]Sample, s.numSamples)
	}
	for _, ep := range episodes {
		smp := Sample{Fitness: ep.Return}
		if !ep.Failed && len(ep.Descriptors) > 0 {
			smp.Descriptor = s.extract(ep.Descriptors)
			smp.Valid = finite(smp.Fitness) && s.inBounds(smp.Descriptor)
		}
		res.Samples[ep.Genotype][ep.Sample] = smp

		res.Transitions.Episodes++
		res.Transitions.Steps += ep.Steps
		if ep.Done && !ep.Failed {
			res.Transitions.EarlyDone++
		}
		if !smp.Valid {
			res.Transitions.Invalid++
		}
	}
	return res, next, nil
}

func (s *Scorer) inBounds(d []float64) bool {
	if len(d) != len(s.low) {
		return false
	}
	for i, v := range d {
		if !finite(v) || v < s.low[i]-boundsTolerance || v > s.high[i]+boundsTolerance {
			return false
		}
	}
	return true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
