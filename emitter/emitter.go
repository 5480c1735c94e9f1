// Package emitter proposes offspring genotypes from repertoire elites.
package emitter

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/pthm-cable/lowspread/archive"
	"github.com/pthm-cable/lowspread/randkey"
)

// ErrEmptyRepertoire is returned by Emit when there is nothing to select.
var ErrEmptyRepertoire = errors.New("emitter: repertoire has no occupied cells")

// Config holds mixing emitter parameters.
type Config struct {
	BatchSize           int
	IsoSigma            float64 // isotropic noise of the isoline operator
	LineSigma           float64 // noise along the parent-to-parent line
	VariationPercentage float64 // share of the batch produced by isoline variation
	MutationSigma       float64 // Gaussian mutation std for the remainder
	MinParam, MaxParam  float64 // clip range; ignored when MinParam >= MaxParam
}

// State is the emitter's adaptive state, threaded through the loop.
type State struct {
	Emitted        int
	Accepted       int
	LastEmitted    int
	LastAccepted   int
	AcceptanceRate float64 // accepted / emitted over the last batch
}

// Mixing combines isoline variation and Gaussian mutation. Parents are drawn
// uniformly with replacement from occupied cells.
type Mixing struct {
	cfg Config
}

// NewMixing validates cfg.
func NewMixing(cfg Config) (*Mixing, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("emitter: batch_size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.VariationPercentage < 0 || cfg.VariationPercentage > 1 {
		return nil, fmt.Errorf("emitter: variation_percentage %v outside [0,1]", cfg.VariationPercentage)
	}
	if cfg.IsoSigma < 0 || cfg.LineSigma < 0 || cfg.MutationSigma < 0 {
		return nil, errors.New("emitter: sigmas must be non-negative")
	}
	return &Mixing{cfg: cfg}, nil
}

// Config returns the emitter configuration.
func (m *Mixing) Config() Config { return m.cfg }

// BatchSize returns the number of offspring per Emit.
func (m *Mixing) BatchSize() int { return m.cfg.BatchSize }

// Init returns the starting state.
func (m *Mixing) Init() State { return State{} }

// split returns how many offspring come from variation and mutation.
func (m *Mixing) split() (variation, mutation int) {
	variation = int(float64(m.cfg.BatchSize) * m.cfg.VariationPercentage)
	return variation, m.cfg.BatchSize - variation
}

// Emit produces BatchSize new genotypes. Variation offspring come first,
// followed by mutation offspring. Parents are never modified.
func (m *Mixing) Emit(key randkey.Key, rep *archive.Repertoire, _ State) ([][]float64, randkey.Key, error) {
	cells := rep.OccupiedCells()
	if len(cells) == 0 {
		return nil, key, ErrEmptyRepertoire
	}
	next, use := key.Split()
	rng := use.Rand()

	pick := func() []float64 { return rep.Genotypes[cells[rng.IntN(len(cells))]] }

	nVar, nMut := m.split()
	out := make([][]float64, 0, m.cfg.BatchSize)
	for range nVar {
		x1, x2 := pick(), pick()
		child := make([]float64, len(x1))
		for i := range child {
			child[i] = m.cfg.IsoSigma * rng.NormFloat64()
		}
		// child = x1 + iso + line*(x2 - x1)
		line := m.cfg.LineSigma * rng.NormFloat64()
		floats.Add(child, x1)
		floats.AddScaled(child, line, x2)
		floats.AddScaled(child, -line, x1)
		out = append(out, m.clip(child))
	}
	for range nMut {
		x := pick()
		child := make([]float64, len(x))
		for i := range child {
			child[i] = m.cfg.MutationSigma * rng.NormFloat64()
		}
		floats.Add(child, x)
		out = append(out, m.clip(child))
	}
	return out, next, nil
}

func (m *Mixing) clip(x []float64) []float64 {
	if m.cfg.MinParam >= m.cfg.MaxParam {
		return x
	}
	for i, v := range x {
		x[i] = math.Min(math.Max(v, m.cfg.MinParam), m.cfg.MaxParam)
	}
	return x
}

// Update folds the outcome of the last insertion into the state. emitted is
// the number of offspring produced; stats is what the repertoire accepted.
func (m *Mixing) Update(s State, emitted int, stats archive.AddStats) State {
	s.LastEmitted = emitted
	s.LastAccepted = stats.Accepted()
	s.Emitted += emitted
	s.Accepted += s.LastAccepted
	if emitted > 0 {
		s.AcceptanceRate = float64(s.LastAccepted) / float64(emitted)
	} else {
		s.AcceptanceRate = 0
	}
	return s
}
