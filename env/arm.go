package env

import (
	"fmt"
	"math"

	"github.com/pthm-cable/lowspread/randkey"
)

// Arm physics constants.
const (
	armDT      = 0.1
	armMaxRate = 1.5 // rad/s at full action
)

// Arm is a planar arm of NumJoints revolute joints with total reach 1, based
// at the origin. Actions are joint velocities perturbed by noise. The state
// descriptor is the end-effector position mapped into [0, 1]^2.
type Arm struct {
	params Params
}

func (a *Arm) Name() string         { return "arm" }
func (a *Arm) ObservationSize() int { return 2*a.params.NumJoints + 2 }
func (a *Arm) ActionSize() int      { return a.params.NumJoints }
func (a *Arm) DescriptorSize() int  { return 2 }
func (a *Arm) EpisodeLength() int   { return a.params.EpisodeLength }

func (a *Arm) DescriptorBounds() (low, high []float64) {
	return []float64{0, 0}, []float64{1, 1}
}

// Reset starts the arm stretched along +x with jittered joint angles.
func (a *Arm) Reset(key randkey.Key) (State, error) {
	next, use := key.Split()
	rng := use.Rand()
	n := a.params.NumJoints
	q := make([]float64, n)
	for i := range q {
		q[i] = clampf(rng.NormFloat64()*a.params.ResetNoise, -math.Pi, math.Pi)
	}
	qd := make([]float64, n)
	ee := a.endEffector(q)
	return State{
		Obs:  a.obs(q, ee),
		Info: Info{StateDescriptor: ee},
		Q:    q,
		QD:   qd,
		Key:  next,
	}, nil
}

// Step integrates the commanded joint velocities for one time step.
func (a *Arm) Step(s State, action []float64) (State, error) {
	n := a.params.NumJoints
	if len(action) != n {
		return State{}, fmt.Errorf("%w: arm wants %d, got %d", ErrActionSize, n, len(action))
	}
	if s.Done {
		return State{}, ErrEpisodeDone
	}

	next, use := s.Key.Split()
	rng := use.Rand()
	act := clipActions(action)

	q := make([]float64, n)
	qd := make([]float64, n)
	for i := range q {
		qd[i] = armMaxRate * (act[i] + rng.NormFloat64()*a.params.ActionNoise)
		q[i] = clampf(s.Q[i]+armDT*qd[i], -math.Pi, math.Pi)
	}
	ee := a.endEffector(q)

	return State{
		Obs:    a.obs(q, ee),
		Reward: controlReward(act),
		Info:   Info{StateDescriptor: ee},
		Q:      q,
		QD:     qd,
		Key:    next,
		Steps:  s.Steps + 1,
	}, nil
}

// endEffector returns the tip position scaled from [-1,1]^2 to [0,1]^2.
func (a *Arm) endEffector(q []float64) []float64 {
	link := 1.0 / float64(len(q))
	var x, y, phi float64
	for _, theta := range q {
		phi += theta
		x += link * math.Cos(phi)
		y += link * math.Sin(phi)
	}
	return []float64{
		clampf(0.5*(x+1), 0, 1),
		clampf(0.5*(y+1), 0, 1),
	}
}

func (a *Arm) obs(q, ee []float64) []float64 {
	out := make([]float64, 0, 2*len(q)+2)
	for _, theta := range q {
		out = append(out, math.Sin(theta), math.Cos(theta))
	}
	return append(out, ee...)
}
