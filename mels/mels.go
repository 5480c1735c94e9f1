// Package mels implements the MAP-Elites Low-Spread loop: score offspring
// several times, place each in the cell most of its samples agree on and keep
// the best per cell.
package mels

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/pthm-cable/lowspread/archive"
	"github.com/pthm-cable/lowspread/emitter"
	"github.com/pthm-cable/lowspread/randkey"
	"github.com/pthm-cable/lowspread/scoring"
)

// Phase is the lifecycle stage of a run.
type Phase int

const (
	Uninitialized Phase = iota
	Initialized
	Iterating
	Terminated
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Iterating:
		return "iterating"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

var (
	// ErrEmptyRepertoire is returned by Init when no initial genotype could
	// be placed, for example because every descriptor fell outside the bounds.
	ErrEmptyRepertoire = errors.New("mels: repertoire empty after initialization")
	// ErrPhase is returned when an operation is not valid in the state's phase.
	ErrPhase = errors.New("mels: invalid phase")
)

// Scorer evaluates a batch of genotypes.
type Scorer interface {
	Score(key randkey.Key, genotypes [][]float64) (scoring.Result, randkey.Key, error)
}

// Emitter proposes offspring and adapts to insertion outcomes.
type Emitter interface {
	Init() emitter.State
	Emit(key randkey.Key, rep *archive.Repertoire, s emitter.State) ([][]float64, randkey.Key, error)
	Update(s emitter.State, emitted int, stats archive.AddStats) emitter.State
}

// State is everything that changes between iterations.
type State struct {
	Repertoire *archive.Repertoire
	Emitter    emitter.State
	Key        randkey.Key
	Iteration  int
	Phase      Phase
}

// Metrics describes the repertoire after one step.
type Metrics struct {
	Iteration      int
	Coverage       float64
	QDScore        float64
	MaxFitness     float64
	MeanSpread     float64
	Size           int
	Evaluated      int // genotypes scored this step
	Discarded      int // genotypes without a valid sample
	Inserted       int
	Replaced       int
	AcceptanceRate float64
	Transitions    scoring.Transitions
}

// LogValue implements slog.LogValuer.
func (m Metrics) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("iteration", m.Iteration),
		slog.Float64("coverage", m.Coverage),
		slog.Float64("qd_score", m.QDScore),
		slog.Float64("max_fitness", m.MaxFitness),
		slog.Float64("mean_spread", m.MeanSpread),
		slog.Int("size", m.Size),
		slog.Int("inserted", m.Inserted),
		slog.Int("replaced", m.Replaced),
		slog.Int("discarded", m.Discarded),
		slog.Float64("acceptance_rate", m.AcceptanceRate),
	)
}

// Algorithm wires a scorer and an emitter into the ME-LS update.
type Algorithm struct {
	scorer   Scorer
	emitter  Emitter
	spread   SpreadFunc
	qdOffset float64
}

// New creates an algorithm. A nil spread defaults to MaxPairwiseDistance.
func New(scorer Scorer, em Emitter, spread SpreadFunc, qdOffset float64) *Algorithm {
	if spread == nil {
		spread = MaxPairwiseDistance
	}
	return &Algorithm{scorer: scorer, emitter: em, spread: spread, qdOffset: qdOffset}
}

// Init scores the initial genotypes into an empty repertoire over centroids.
func (a *Algorithm) Init(key randkey.Key, genotypes [][]float64, centroids [][]float64) (State, Metrics, error) {
	rep, err := archive.New(centroids)
	if err != nil {
		return State{}, Metrics{}, err
	}
	rep, m, key, err := a.evaluate(key, rep, genotypes)
	if err != nil {
		return State{}, Metrics{}, fmt.Errorf("scoring initial batch: %w", err)
	}
	if rep.Size() == 0 {
		return State{}, Metrics{}, fmt.Errorf("%w: %d genotypes, %d discarded", ErrEmptyRepertoire, len(genotypes), m.Discarded)
	}
	s := State{
		Repertoire: rep,
		Emitter:    a.emitter.Init(),
		Key:        key,
		Phase:      Initialized,
	}
	return s, m, nil
}

// Resume starts from a previously saved repertoire and emitter state.
func (a *Algorithm) Resume(key randkey.Key, rep *archive.Repertoire, iteration int, em emitter.State) (State, Metrics, error) {
	if rep.Size() == 0 {
		return State{}, Metrics{}, ErrEmptyRepertoire
	}
	s := State{
		Repertoire: rep,
		Emitter:    em,
		Key:        key,
		Iteration:  iteration,
		Phase:      Initialized,
	}
	m := a.summarize(rep, iteration)
	m.AcceptanceRate = em.AcceptanceRate
	return s, m, nil
}

// Update runs one iteration: emit, score, resolve, add, then adapt the
// emitter. The input state is not modified.
func (a *Algorithm) Update(s State) (State, Metrics, error) {
	if s.Phase != Initialized && s.Phase != Iterating {
		return s, Metrics{}, fmt.Errorf("%w: update in phase %s", ErrPhase, s.Phase)
	}
	children, key, err := a.emitter.Emit(s.Key, s.Repertoire, s.Emitter)
	if err != nil {
		return s, Metrics{}, fmt.Errorf("emitting offspring: %w", err)
	}
	rep, m, key, err := a.evaluate(key, s.Repertoire, children)
	if err != nil {
		return s, Metrics{}, fmt.Errorf("iteration %d: %w", s.Iteration+1, err)
	}

	next := State{
		Repertoire: rep,
		Emitter:    a.emitter.Update(s.Emitter, len(children), archive.AddStats{Inserted: m.Inserted, Replaced: m.Replaced}),
		Key:        key,
		Iteration:  s.Iteration + 1,
		Phase:      Iterating,
	}
	m.Iteration = next.Iteration
	m.AcceptanceRate = next.Emitter.AcceptanceRate
	return next, m, nil
}

// Scan runs n updates back to back and returns the metrics of each.
func (a *Algorithm) Scan(s State, n int) (State, []Metrics, error) {
	history := make([]Metrics, 0, n)
	for range n {
		next, m, err := a.Update(s)
		if err != nil {
			return s, history, err
		}
		s = next
		history = append(history, m)
	}
	return s, history, nil
}

// Terminate ends the run. The repertoire stays readable.
func (a *Algorithm) Terminate(s State) State {
	s.Phase = Terminated
	return s
}

// evaluate scores genotypes, resolves their cells and adds them to rep.
func (a *Algorithm) evaluate(key randkey.Key, rep *archive.Repertoire, genotypes [][]float64) (*archive.Repertoire, Metrics, randkey.Key, error) {
	res, key, err := a.scorer.Score(key, genotypes)
	if err != nil {
		return nil, Metrics{}, key, err
	}
	if len(res.Samples) != len(genotypes) {
		return nil, Metrics{}, key, fmt.Errorf("scorer returned %d sample sets for %d genotypes", len(res.Samples), len(genotypes))
	}

	batch := make([]archive.Candidate, 0, len(genotypes))
	discarded := 0
	for i, samples := range res.Samples {
		c, ok := Resolve(samples, rep.Centroids, a.spread)
		if !ok {
			discarded++
			continue
		}
		c.Genotype = genotypes[i]
		batch = append(batch, c)
	}

	rep, stats, err := rep.Add(batch)
	if err != nil {
		return nil, Metrics{}, key, err
	}
	m := a.summarize(rep, 0)
	m.Evaluated = len(genotypes)
	m.Discarded = discarded
	m.Inserted = stats.Inserted
	m.Replaced = stats.Replaced
	m.Transitions = res.Transitions
	return rep, m, key, nil
}

func (a *Algorithm) summarize(rep *archive.Repertoire, iteration int) Metrics {
	st := rep.Summarize(a.qdOffset)
	return Metrics{
		Iteration:  iteration,
		Coverage:   st.Coverage,
		QDScore:    st.QDScore,
		MaxFitness: st.MaxFitness,
		MeanSpread: st.MeanSpread,
		Size:       st.Size,
	}
}
