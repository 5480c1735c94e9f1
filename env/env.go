// Package env provides small stochastic robot control tasks with a
// functional reset/step interface.
package env

import (
	"errors"
	"fmt"
	"math"

	"github.com/pthm-cable/lowspread/randkey"
)

// Errors returned by Step.
var (
	ErrActionSize  = errors.New("env: action size mismatch")
	ErrEpisodeDone = errors.New("env: step after done")
	ErrUnknownEnv  = errors.New("env: unknown environment")
)

// Info carries auxiliary step data.
type Info struct {
	// StateDescriptor is the behavior-relevant part of the state, consumed by
	// descriptor extractors.
	StateDescriptor []float64
}

// State is an immutable environment state. Step returns a new value.
type State struct {
	Obs    []float64
	Reward float64
	Done   bool
	Info   Info

	Q     []float64   // generalized positions
	QD    []float64   // generalized velocities
	Key   randkey.Key // noise stream for the next transition
	Steps int
}

// Environment is a stochastic control task. Implementations hold only
// immutable parameters, so Reset and Step are safe for concurrent use.
type Environment interface {
	Name() string
	ObservationSize() int
	ActionSize() int
	DescriptorSize() int
	// DescriptorBounds returns the box every state descriptor lies in.
	DescriptorBounds() (low, high []float64)
	EpisodeLength() int
	Reset(key randkey.Key) (State, error)
	Step(s State, action []float64) (State, error)
}

// Params are the tunables shared by all tasks.
type Params struct {
	EpisodeLength int
	ActionNoise   float64
	ResetNoise    float64
	NumJoints     int // arm only
}

// Create builds the named environment.
func Create(name string, p Params) (Environment, error) {
	if p.EpisodeLength <= 0 {
		return nil, fmt.Errorf("env: episode length must be positive, got %d", p.EpisodeLength)
	}
	switch name {
	case "omni":
		return &Omni{params: p}, nil
	case "arm":
		if p.NumJoints <= 0 {
			return nil, fmt.Errorf("env: arm needs at least one joint, got %d", p.NumJoints)
		}
		return &Arm{params: p}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnv, name)
	}
}

// controlReward is the per-step reward shared by the tasks: a survival bonus
// minus a quadratic control cost. Lies in [0.5, 1] for actions in [-1, 1].
func controlReward(action []float64) float64 {
	var sq float64
	for _, a := range action {
		sq += a * a
	}
	return 1 - 0.5*sq/float64(len(action))
}

// clipActions clamps actions to [-1, 1] into a new slice.
func clipActions(action []float64) []float64 {
	out := make([]float64, len(action))
	for i, a := range action {
		out[i] = math.Max(-1, math.Min(1, a))
	}
	return out
}
