package systems

import (
	"errors"
	"math"
	"testing"

	"github.com/pthm-cable/lowspread/env"
	"github.com/pthm-cable/lowspread/randkey"
)

// countEnv moves a 1-D counter by the action each step. The state descriptor
// is the counter. Done when the counter reaches doneAt; Step fails when it
// reaches failAt; reward is NaN when it reaches nanAt.
type countEnv struct {
	length                int
	doneAt, failAt, nanAt float64
}

func (c countEnv) Name() string         { return "count" }
func (c countEnv) ObservationSize() int { return 1 }
func (c countEnv) ActionSize() int      { return 1 }
func (c countEnv) DescriptorSize() int  { return 1 }
func (c countEnv) EpisodeLength() int   { return c.length }
func (c countEnv) DescriptorBounds() (low, high []float64) {
	return []float64{-100}, []float64{100}
}

func (c countEnv) Reset(key randkey.Key) (env.State, error) {
	return env.State{Obs: []float64{0}, Q: []float64{0}, Key: key}, nil
}

func (c countEnv) Step(s env.State, action []float64) (env.State, error) {
	q := s.Q[0] + action[0]
	if c.failAt != 0 && q >= c.failAt {
		return env.State{}, errors.New("boom")
	}
	reward := 1.0
	if c.nanAt != 0 && q >= c.nanAt {
		reward = math.NaN()
	}
	return env.State{
		Obs:    []float64{q},
		Q:      []float64{q},
		Reward: reward,
		Done:   c.doneAt != 0 && q >= c.doneAt,
		Info:   env.Info{StateDescriptor: []float64{q}},
		Steps:  s.Steps + 1,
	}, nil
}

// speedPolicy moves by params[0] every step.
func speedPolicy(params, _ []float64) []float64 { return []float64{params[0]} }

func keysFor(n, samples int) [][]randkey.Key {
	keys := make([][]randkey.Key, n)
	root := randkey.New(1)
	for g := range keys {
		var use randkey.Key
		root, use = root.Split()
		keys[g] = use.SplitN(samples)
	}
	return keys
}

func TestRunOrderingAndReturns(t *testing.T) {
	r := NewRollouts(countEnv{length: 10}, speedPolicy, 1)
	genotypes := [][]float64{{1}, {2}, {3}}
	results, err := r.Run(genotypes, keysFor(3, 2))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 6 {
		t.Fatalf("len(results) = %d, want 6", len(results))
	}
	for i, res := range results {
		if res.Genotype != i/2 || res.Sample != i%2 {
			t.Errorf("slot %d holds genotype %d sample %d", i, res.Genotype, res.Sample)
		}
		if res.Steps != 10 || res.Return != 10 {
			t.Errorf("slot %d: steps=%d return=%v, want 10/10", i, res.Steps, res.Return)
		}
		final := res.Descriptors[len(res.Descriptors)-1][0]
		if want := 10 * genotypes[res.Genotype][0]; final != want {
			t.Errorf("slot %d: final descriptor %v, want %v", i, final, want)
		}
	}
}

func TestRunEarlyDone(t *testing.T) {
	r := NewRollouts(countEnv{length: 50, doneAt: 6}, speedPolicy, 1)
	results, err := r.Run([][]float64{{2}, {1}}, keysFor(2, 1))
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Done || results[0].Steps != 3 {
		t.Errorf("genotype 0: done=%v steps=%d, want true/3", results[0].Done, results[0].Steps)
	}
	if !results[1].Done || results[1].Steps != 6 {
		t.Errorf("genotype 1: done=%v steps=%d, want true/6", results[1].Done, results[1].Steps)
	}
	if len(results[0].Descriptors) != 3 {
		t.Errorf("trajectory length %d, want 3", len(results[0].Descriptors))
	}
}

func TestRunFailures(t *testing.T) {
	r := NewRollouts(countEnv{length: 10, failAt: 5, nanAt: 3}, speedPolicy, 1)
	results, err := r.Run([][]float64{{5}, {1}, {0}}, keysFor(3, 1))
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Failed || results[0].Err == nil {
		t.Errorf("step error not recorded: %+v", results[0])
	}
	if !results[1].Failed || results[1].Steps != 2 {
		t.Errorf("NaN reward: failed=%v steps=%d, want true/2", results[1].Failed, results[1].Steps)
	}
	if results[2].Failed {
		t.Errorf("healthy episode failed: %v", results[2].Err)
	}
}

func TestRunParallelMatchesSequential(t *testing.T) {
	e, err := env.Create("omni", env.Params{EpisodeLength: 20, ActionNoise: 0.1, ResetNoise: 0.05})
	if err != nil {
		t.Fatal(err)
	}
	policy := func(params, obs []float64) []float64 {
		return []float64{params[0] - obs[0], params[1] - obs[1]}
	}
	genotypes := make([][]float64, 40)
	for i := range genotypes {
		genotypes[i] = []float64{float64(i%5) / 5, -float64(i%3) / 3}
	}
	keys := keysFor(len(genotypes), 3) // 120 episodes, above the parallel threshold

	seq, err := NewRollouts(e, policy, 1).Run(genotypes, keys)
	if err != nil {
		t.Fatal(err)
	}
	par, err := NewRollouts(e, policy, 4).Run(genotypes, keys)
	if err != nil {
		t.Fatal(err)
	}
	for i := range seq {
		if seq[i].Return != par[i].Return || seq[i].Steps != par[i].Steps {
			t.Fatalf("episode %d differs: %v/%d vs %v/%d", i, seq[i].Return, seq[i].Steps, par[i].Return, par[i].Steps)
		}
	}
}

func TestRunKeyMismatch(t *testing.T) {
	r := NewRollouts(countEnv{length: 1}, speedPolicy, 1)
	if _, err := r.Run([][]float64{{1}}, nil); err == nil {
		t.Error("expected error for missing keys")
	}
}
