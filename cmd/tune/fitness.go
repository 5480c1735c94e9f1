package main

import (
	"context"
	"math"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/pthm-cable/lowspread/config"
	"github.com/pthm-cable/lowspread/experiment"
	"github.com/pthm-cable/lowspread/telemetry"
)

// FitnessEvaluator runs short headless ME-LS runs and scores them by
// QD-score.
type FitnessEvaluator struct {
	params     *ParamVector
	iterations int
	seeds      []uint64
	baseConfig *config.Config

	// Best run tracking
	mu         sync.Mutex
	bestScore  float64
	bestElites *telemetry.Elites
	lastResult evalResult
}

// evalResult aggregates one parameter vector over all seeds.
type evalResult struct {
	MeanQDScore  float64
	MeanCoverage float64
	Failed       int
}

// seedResult holds the result from one seed evaluation.
type seedResult struct {
	qdScore  float64
	coverage float64
	elites   telemetry.Elites
	err      error
}

// NewFitnessEvaluator creates a new evaluator.
func NewFitnessEvaluator(params *ParamVector, iterations int, seeds []uint64, baseCfg *config.Config) *FitnessEvaluator {
	return &FitnessEvaluator{
		params:     params,
		iterations: iterations,
		seeds:      seeds,
		baseConfig: baseCfg,
		bestScore:  math.Inf(-1),
	}
}

// BestElites returns the elites from the best seed of the best evaluation.
func (fe *FitnessEvaluator) BestElites() *telemetry.Elites {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.bestElites
}

// LastResult returns the aggregate of the most recent evaluation.
func (fe *FitnessEvaluator) LastResult() evalResult {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	return fe.lastResult
}

// Evaluate computes fitness for a parameter vector (lower = better): the
// negated mean final QD-score across seeds. Failed seeds score zero.
func (fe *FitnessEvaluator) Evaluate(x []float64) float64 {
	results := make([]seedResult, len(fe.seeds))
	p := pool.New()
	for i, seed := range fe.seeds {
		p.Go(func() {
			results[i] = fe.runSeed(x, seed)
		})
	}
	p.Wait()

	var agg evalResult
	bestSeed := -1
	for i, r := range results {
		if r.err != nil {
			agg.Failed++
			continue
		}
		agg.MeanQDScore += r.qdScore
		agg.MeanCoverage += r.coverage
		if bestSeed < 0 || r.qdScore > results[bestSeed].qdScore {
			bestSeed = i
		}
	}
	n := float64(len(fe.seeds))
	agg.MeanQDScore /= n
	agg.MeanCoverage /= n

	fe.mu.Lock()
	fe.lastResult = agg
	if bestSeed >= 0 && agg.MeanQDScore > fe.bestScore {
		fe.bestScore = agg.MeanQDScore
		elites := results[bestSeed].elites
		fe.bestElites = &elites
	}
	fe.mu.Unlock()

	return -agg.MeanQDScore
}

// runSeed runs one short experiment without output or checkpoints.
func (fe *FitnessEvaluator) runSeed(x []float64, seed uint64) seedResult {
	cfg := fe.baseConfig.Clone()
	fe.params.ApplyToConfig(cfg, x)
	cfg.Seed = seed
	cfg.Algorithm.NumIterations = fe.iterations
	cfg.Algorithm.LogPeriod = fe.iterations
	cfg.Output.Dir = ""
	cfg.Storage.Backend = "dir"

	exp, err := experiment.New(cfg, experiment.Options{})
	if err != nil {
		return seedResult{err: err}
	}
	defer exp.Close()

	ctx := context.Background()
	if err := exp.Init(ctx); err != nil {
		return seedResult{err: err}
	}
	res, err := exp.Run(ctx)
	if err != nil {
		return seedResult{err: err}
	}
	return seedResult{
		qdScore:  res.Final.QDScore,
		coverage: res.Final.Coverage,
		elites:   res.Elites,
	}
}
