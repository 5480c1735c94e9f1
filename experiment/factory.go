package experiment

import (
	"fmt"
	"path/filepath"

	"github.com/pthm-cable/lowspread/config"
	"github.com/pthm-cable/lowspread/cvt"
	"github.com/pthm-cable/lowspread/emitter"
	"github.com/pthm-cable/lowspread/env"
	"github.com/pthm-cable/lowspread/neural"
	"github.com/pthm-cable/lowspread/randkey"
	"github.com/pthm-cable/lowspread/scoring"
	"github.com/pthm-cable/lowspread/storage"
)

// newEnv creates the configured environment.
func newEnv(cfg *config.Config) (env.Environment, error) {
	return env.Create(cfg.Env.Name, env.Params{
		EpisodeLength: cfg.Env.EpisodeLength,
		ActionNoise:   cfg.Env.ActionNoise,
		ResetNoise:    cfg.Env.ResetNoise,
		NumJoints:     cfg.Env.NumJoints,
	})
}

// newStructure sizes the policy network for e.
func newStructure(cfg *config.Config, e env.Environment) neural.Structure {
	return neural.NewStructure(e.ObservationSize(), cfg.Policy.HiddenLayers, e.ActionSize())
}

// newCentroids tessellates the descriptor space.
func newCentroids(key randkey.Key, cfg *config.Config, low, high []float64) ([][]float64, error) {
	switch cfg.CVT.Kind {
	case "grid":
		return cvt.Grid(cfg.CVT.GridSize, low, high)
	default:
		return cvt.Compute(key, cvt.Config{
			NumCentroids: cfg.CVT.NumCentroids,
			NumSamples:   cfg.CVT.NumSamples,
			Iterations:   cfg.CVT.Iterations,
		}, low, high)
	}
}

// newScorer wires the rollout scorer.
func newScorer(cfg *config.Config, e env.Environment, structure neural.Structure) (*scoring.Scorer, error) {
	extract, err := scoring.ExtractorByName(cfg.Env.Descriptor)
	if err != nil {
		return nil, err
	}
	return scoring.NewScorer(e, structure, extract, cfg.Algorithm.NumSamples, cfg.Rollout.Workers)
}

// newEmitter creates the mixing emitter.
func newEmitter(cfg *config.Config) (*emitter.Mixing, error) {
	return emitter.NewMixing(emitter.Config{
		BatchSize:           cfg.Algorithm.BatchSize,
		IsoSigma:            cfg.Emitter.IsoSigma,
		LineSigma:           cfg.Emitter.LineSigma,
		VariationPercentage: cfg.Emitter.VariationPercentage,
		MutationSigma:       cfg.Emitter.MutationSigma,
		MinParam:            cfg.Emitter.MinParam,
		MaxParam:            cfg.Emitter.MaxParam,
	})
}

// newStore picks the checkpoint backend. Returns nil when checkpointing is
// disabled, which happens for the dir backend without an output directory.
func newStore(cfg *config.Config, outputDir string) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		path := cfg.Storage.SQLitePath
		if path == "" {
			if outputDir == "" {
				return nil, fmt.Errorf("sqlite backend needs storage.sqlite_path or an output directory")
			}
			path = filepath.Join(outputDir, "runs.db")
		}
		return storage.NewStore("sqlite", path)
	default:
		if outputDir == "" {
			return nil, nil
		}
		return storage.NewStore("dir", filepath.Join(outputDir, cfg.Output.RepertoireDir))
	}
}

// initialGenotypes draws n random policies.
func initialGenotypes(key randkey.Key, structure neural.Structure, n int) [][]float64 {
	keys := key.SplitN(n)
	out := make([][]float64, n)
	for i := range out {
		out[i] = structure.Init(keys[i])
	}
	return out
}
