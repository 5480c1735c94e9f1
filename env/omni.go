package env

import (
	"fmt"
	"math"

	"github.com/pthm-cable/lowspread/randkey"
)

// Omni physics constants.
const (
	omniDT      = 0.1
	omniGain    = 0.02
	omniDamping = 0.9
	omniHalf    = 1.0 // arena is [-omniHalf, omniHalf]^2
)

// Omni is a point robot driven by a noisy 2-D force in a walled arena.
// Touching a wall ends the episode. The state descriptor is the position.
type Omni struct {
	params Params
}

func (o *Omni) Name() string         { return "omni" }
func (o *Omni) ObservationSize() int { return 4 }
func (o *Omni) ActionSize() int      { return 2 }
func (o *Omni) DescriptorSize() int  { return 2 }
func (o *Omni) EpisodeLength() int   { return o.params.EpisodeLength }

func (o *Omni) DescriptorBounds() (low, high []float64) {
	return []float64{-omniHalf, -omniHalf}, []float64{omniHalf, omniHalf}
}

// Reset places the robot near the origin with small random jitter.
func (o *Omni) Reset(key randkey.Key) (State, error) {
	next, use := key.Split()
	rng := use.Rand()
	q := []float64{
		clampf(rng.NormFloat64()*o.params.ResetNoise, -omniHalf/2, omniHalf/2),
		clampf(rng.NormFloat64()*o.params.ResetNoise, -omniHalf/2, omniHalf/2),
	}
	qd := []float64{0, 0}
	return State{
		Obs:  omniObs(q, qd),
		Info: Info{StateDescriptor: append([]float64(nil), q...)},
		Q:    q,
		QD:   qd,
		Key:  next,
	}, nil
}

// Step applies one noisy force.
func (o *Omni) Step(s State, action []float64) (State, error) {
	if len(action) != 2 {
		return State{}, fmt.Errorf("%w: omni wants 2, got %d", ErrActionSize, len(action))
	}
	if s.Done {
		return State{}, ErrEpisodeDone
	}

	next, use := s.Key.Split()
	rng := use.Rand()
	a := clipActions(action)

	q := make([]float64, 2)
	qd := make([]float64, 2)
	done := false
	for i := range q {
		force := a[i] + rng.NormFloat64()*o.params.ActionNoise
		qd[i] = omniDamping*s.QD[i] + omniGain*force
		q[i] = s.Q[i] + omniDT*qd[i]
		if math.Abs(q[i]) >= omniHalf {
			q[i] = math.Copysign(omniHalf, q[i])
			qd[i] = 0
			done = true
		}
	}

	return State{
		Obs:    omniObs(q, qd),
		Reward: controlReward(a),
		Done:   done,
		Info:   Info{StateDescriptor: append([]float64(nil), q...)},
		Q:      q,
		QD:     qd,
		Key:    next,
		Steps:  s.Steps + 1,
	}, nil
}

func omniObs(q, qd []float64) []float64 {
	return []float64{q[0], q[1], qd[0], qd[1]}
}

func clampf(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
