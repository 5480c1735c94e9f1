// Package neural provides the feedforward controller used as the ME-LS
// genotype. Parameters live in a single flat slice so genotypes can be
// varied, archived and serialized without knowing the layer layout.
package neural

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/pthm-cable/lowspread/randkey"
)

// ErrShape is returned when a flat parameter vector does not match a Structure.
var ErrShape = errors.New("neural: parameter shape mismatch")

// Structure describes an MLP by its layer sizes: input, hidden..., output.
type Structure struct {
	Sizes []int
}

// NewStructure builds the structure for a policy mapping obsSize inputs to
// actSize outputs through the given hidden layers.
func NewStructure(obsSize int, hidden []int, actSize int) Structure {
	sizes := make([]int, 0, len(hidden)+2)
	sizes = append(sizes, obsSize)
	sizes = append(sizes, hidden...)
	sizes = append(sizes, actSize)
	return Structure{Sizes: sizes}
}

// NumInputs returns the input width.
func (s Structure) NumInputs() int { return s.Sizes[0] }

// NumOutputs returns the output width.
func (s Structure) NumOutputs() int { return s.Sizes[len(s.Sizes)-1] }

// NumParams returns the flat parameter count (weights then bias, per layer).
func (s Structure) NumParams() int {
	n := 0
	for l := 0; l+1 < len(s.Sizes); l++ {
		n += s.Sizes[l+1]*s.Sizes[l] + s.Sizes[l+1]
	}
	return n
}

// Init returns freshly initialized parameters. Weights use Xavier-normal
// scaling, biases start at zero.
func (s Structure) Init(key randkey.Key) []float64 {
	rng := key.Rand()
	params := make([]float64, s.NumParams())
	off := 0
	for l := 0; l+1 < len(s.Sizes); l++ {
		in, out := s.Sizes[l], s.Sizes[l+1]
		scale := math.Sqrt(2.0 / float64(in+out))
		for i := 0; i < in*out; i++ {
			params[off+i] = rng.NormFloat64() * scale
		}
		off += in*out + out
	}
	return params
}

// Apply runs the network on one observation. Hidden layers and the output
// use tanh, so actions lie in [-1, 1].
func (s Structure) Apply(params, obs []float64) []float64 {
	x := mat.NewVecDense(len(obs), append([]float64(nil), obs...))
	off := 0
	for l := 0; l+1 < len(s.Sizes); l++ {
		in, out := s.Sizes[l], s.Sizes[l+1]
		// Views over the flat slice; nothing is copied.
		w := mat.NewDense(out, in, params[off:off+in*out])
		b := mat.NewVecDense(out, params[off+in*out:off+in*out+out])
		off += in*out + out

		y := mat.NewVecDense(out, nil)
		y.MulVec(w, x)
		y.AddVec(y, b)
		for i := 0; i < out; i++ {
			y.SetVec(i, math.Tanh(y.AtVec(i)))
		}
		x = y
	}
	return x.RawVector().Data
}

// Reconstruct validates a flat parameter vector against the structure and
// returns a private copy. It is the reconstruction function used when
// loading archived genotypes.
func (s Structure) Reconstruct(flat []float64) ([]float64, error) {
	if len(flat) != s.NumParams() {
		return nil, fmt.Errorf("%w: got %d values, structure %v needs %d", ErrShape, len(flat), s.Sizes, s.NumParams())
	}
	for i, v := range flat {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite parameter at %d", ErrShape, i)
		}
	}
	return append([]float64(nil), flat...), nil
}

// LayerWeights holds one layer's parameters for export.
type LayerWeights struct {
	Inputs  int       `json:"inputs"`
	Outputs int       `json:"outputs"`
	W       []float64 `json:"w"` // row-major [Outputs * Inputs]
	B       []float64 `json:"b"` // [Outputs]
}

// Layers splits flat parameters into per-layer weights.
func (s Structure) Layers(flat []float64) ([]LayerWeights, error) {
	if len(flat) != s.NumParams() {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrShape, len(flat), s.NumParams())
	}
	layers := make([]LayerWeights, 0, len(s.Sizes)-1)
	off := 0
	for l := 0; l+1 < len(s.Sizes); l++ {
		in, out := s.Sizes[l], s.Sizes[l+1]
		layers = append(layers, LayerWeights{
			Inputs:  in,
			Outputs: out,
			W:       append([]float64(nil), flat[off:off+in*out]...),
			B:       append([]float64(nil), flat[off+in*out:off+in*out+out]...),
		})
		off += in*out + out
	}
	return layers, nil
}

// Flatten is the inverse of Layers.
func Flatten(layers []LayerWeights) []float64 {
	var flat []float64
	for _, l := range layers {
		flat = append(flat, l.W...)
		flat = append(flat, l.B...)
	}
	return flat
}
