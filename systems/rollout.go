// Package systems steps batches of rollout episodes held in an ECS world.
package systems

import (
	"fmt"
	"math"
	"runtime"

	"github.com/mlange-42/ark/ecs"
	"github.com/sourcegraph/conc/pool"

	"github.com/pthm-cable/lowspread/components"
	"github.com/pthm-cable/lowspread/env"
	"github.com/pthm-cable/lowspread/randkey"
)

// parallelThreshold is the minimum active episode count to use parallel
// processing. Below this, single-threaded is faster due to goroutine overhead.
const parallelThreshold = 64

// PolicyFunc maps genotype parameters and an observation to an action.
type PolicyFunc func(params, obs []float64) []float64

// EpisodeResult is the outcome of one rollout.
type EpisodeResult struct {
	Genotype    int
	Sample      int
	Return      float64
	Steps       int
	Done        bool // ended by the environment rather than the step limit
	Failed      bool
	Err         error
	Descriptors [][]float64 // state descriptor after each transition
}

// episodeSnapshot captures read-only state for the parallel phase.
type episodeSnapshot struct {
	Entity   ecs.Entity
	Genotype int
	State    env.State
}

// stepIntent captures computed outputs to apply after the parallel phase.
type stepIntent struct {
	Next env.State
	Err  error
}

// Rollouts runs batches of episodes. One world is built per batch; episodes
// advance in lockstep until every one is done or the step limit is reached.
type Rollouts struct {
	env     env.Environment
	policy  PolicyFunc
	workers int

	world  *ecs.World
	mapper *ecs.Map4[components.Episode, components.Return, components.EnvState, components.Trajectory]
	filter *ecs.Filter4[components.Episode, components.Return, components.EnvState, components.Trajectory]

	snapshots []episodeSnapshot
	intents   []stepIntent
}

// NewRollouts creates a rollout runner. workers <= 0 uses GOMAXPROCS.
func NewRollouts(e env.Environment, policy PolicyFunc, workers int) *Rollouts {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Rollouts{
		env:     e,
		policy:  policy,
		workers: workers,
	}
}

// Run resets one episode per key (keys[g][s] seeds sample s of genotype g),
// steps them all to completion and returns results ordered by genotype then
// sample.
func (r *Rollouts) Run(genotypes [][]float64, keys [][]randkey.Key) ([]EpisodeResult, error) {
	if len(keys) != len(genotypes) {
		return nil, fmt.Errorf("systems: %d key sets for %d genotypes", len(keys), len(genotypes))
	}

	r.resetWorld()

	total := 0
	for g, sampleKeys := range keys {
		for s, key := range sampleKeys {
			state, err := r.env.Reset(key)
			ep := components.Episode{Genotype: g, Sample: s}
			if err != nil {
				ep.Done, ep.Failed, ep.Err = true, true, fmt.Errorf("reset: %w", err)
			}
			ret := components.Return{}
			st := components.EnvState{State: state}
			traj := components.Trajectory{Descriptors: make([][]float64, 0, r.env.EpisodeLength())}
			r.mapper.NewEntity(&ep, &ret, &st, &traj)
			total++
		}
	}

	for step := 0; step < r.env.EpisodeLength(); step++ {
		if r.step(genotypes) == 0 {
			break
		}
	}

	results := make([]EpisodeResult, 0, total)
	query := r.filter.Query()
	for query.Next() {
		ep, ret, _, traj := query.Get()
		results = append(results, EpisodeResult{
			Genotype:    ep.Genotype,
			Sample:      ep.Sample,
			Return:      ret.Value,
			Steps:       ep.Steps,
			Done:        ep.Done,
			Failed:      ep.Failed,
			Err:         ep.Err,
			Descriptors: traj.Descriptors,
		})
	}

	// Query order follows archetype storage; place results into their slots.
	ordered := make([]EpisodeResult, total)
	offsets := make([]int, len(keys)+1)
	for g, sampleKeys := range keys {
		offsets[g+1] = offsets[g] + len(sampleKeys)
	}
	for _, res := range results {
		ordered[offsets[res.Genotype]+res.Sample] = res
	}
	return ordered, nil
}

// resetWorld discards the previous batch.
func (r *Rollouts) resetWorld() {
	r.world = ecs.NewWorld()
	r.mapper = ecs.NewMap4[components.Episode, components.Return, components.EnvState, components.Trajectory](r.world)
	r.filter = ecs.NewFilter4[components.Episode, components.Return, components.EnvState, components.Trajectory](r.world)
}

// step advances every active episode by one transition and returns how many
// were active.
func (r *Rollouts) step(genotypes [][]float64) int {
	// Phase A: Build snapshots (single-threaded)
	r.snapshots = r.snapshots[:0]
	query := r.filter.Query()
	for query.Next() {
		ep, _, st, _ := query.Get()
		if ep.Done {
			continue
		}
		r.snapshots = append(r.snapshots, episodeSnapshot{
			Entity:   query.Entity(),
			Genotype: ep.Genotype,
			State:    st.State,
		})
	}

	n := len(r.snapshots)
	if n == 0 {
		return 0
	}
	if cap(r.intents) < n {
		r.intents = make([]stepIntent, n)
	}
	r.intents = r.intents[:n]

	// Phase B: Compute - choose single or parallel based on episode count
	if n < parallelThreshold || r.workers == 1 {
		r.computeChunk(0, n, genotypes)
	} else {
		r.computeParallel(n, genotypes)
	}

	// Phase C: Apply intents (single-threaded, preserves determinism)
	r.applyIntents()
	return n
}

// computeParallel splits the snapshots into one chunk per worker.
func (r *Rollouts) computeParallel(n int, genotypes [][]float64) {
	p := pool.New().WithMaxGoroutines(r.workers)
	chunkSize := (n + r.workers - 1) / r.workers
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		p.Go(func() {
			r.computeChunk(start, end, genotypes)
		})
	}
	p.Wait()
}

// computeChunk runs policy and environment for a range of snapshots. Each
// index writes only its own intent slot.
func (r *Rollouts) computeChunk(i0, i1 int, genotypes [][]float64) {
	for i := i0; i < i1; i++ {
		snap := &r.snapshots[i]
		action := r.policy(genotypes[snap.Genotype], snap.State.Obs)
		next, err := r.env.Step(snap.State, action)
		r.intents[i] = stepIntent{Next: next, Err: err}
	}
}

// applyIntents writes computed transitions back to the components.
func (r *Rollouts) applyIntents() {
	for i, snap := range r.snapshots {
		intent := &r.intents[i]
		ep, ret, st, traj := r.mapper.Get(snap.Entity)

		if intent.Err != nil {
			ep.Done, ep.Failed, ep.Err = true, true, intent.Err
			continue
		}
		if math.IsNaN(intent.Next.Reward) || math.IsInf(intent.Next.Reward, 0) {
			ep.Done, ep.Failed = true, true
			ep.Err = fmt.Errorf("non-finite reward at step %d", ep.Steps)
			continue
		}

		st.State = intent.Next
		ret.Value += intent.Next.Reward
		ep.Steps++
		ep.Done = intent.Next.Done
		traj.Descriptors = append(traj.Descriptors, intent.Next.Info.StateDescriptor)
	}
}
