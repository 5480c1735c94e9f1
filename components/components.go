// Package components defines ECS components for rollout episodes.
package components

import (
	"github.com/pthm-cable/lowspread/env"
)

// Episode identifies one stochastic rollout of one genotype.
type Episode struct {
	Genotype int // index into the scored batch
	Sample   int // index within the genotype's sample set
	Steps    int
	Done     bool
	Failed   bool
	Err      error // first error that failed the episode
}

// Return accumulates episode reward.
type Return struct {
	Value float64
}

// EnvState holds the live environment state of an episode.
type EnvState struct {
	State env.State
}

// Trajectory records the state descriptor after every transition.
type Trajectory struct {
	Descriptors [][]float64
}
