// Package experiment runs a configured ME-LS search: it builds every
// component from config, drives the loop in log_period chunks, and handles
// logging, checkpoints and plots between chunks.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pthm-cable/lowspread/archive"
	"github.com/pthm-cable/lowspread/config"
	"github.com/pthm-cable/lowspread/emitter"
	"github.com/pthm-cable/lowspread/env"
	"github.com/pthm-cable/lowspread/mels"
	"github.com/pthm-cable/lowspread/neural"
	"github.com/pthm-cable/lowspread/randkey"
	"github.com/pthm-cable/lowspread/scoring"
	"github.com/pthm-cable/lowspread/storage"
	"github.com/pthm-cable/lowspread/telemetry"
)

// ErrNoCheckpoint is returned when resuming finds nothing to resume from.
var ErrNoCheckpoint = errors.New("experiment: no checkpoint to resume from")

// Options configures a run beyond the config file.
type Options struct {
	OutputDir string // overrides output.dir when set
	Resume    bool   // continue from the latest checkpoint
	RunID     string // checkpoint to resume; empty = most recent
	LogStats  bool   // emit a slog record per loop

	// StatsCallback is called with every log row, if set.
	StatsCallback func(telemetry.LogRow)
}

// Result summarizes a finished run.
type Result struct {
	RunID      string
	State      mels.State
	History    []telemetry.LogRow
	Final      mels.Metrics
	Elites     telemetry.Elites
	Repertoire *archive.Repertoire
}

// Experiment holds every component of a run.
type Experiment struct {
	cfg  *config.Config
	opts Options

	env       env.Environment
	structure neural.Structure
	scorer    *scoring.Scorer
	emitter   *emitter.Mixing
	alg       *mels.Algorithm
	low, high []float64

	store     storage.Store
	output    *telemetry.OutputManager
	perf      *telemetry.PerfCollector
	bookmarks *telemetry.BookmarkDetector

	runID   string
	state   mels.State
	loop    int
	history []telemetry.LogRow
	last    mels.Metrics
}

// New builds every component from cfg. Nothing is scored until Init.
func New(cfg *config.Config, opts Options) (*Experiment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ComputeDerived()
	if opts.OutputDir == "" {
		opts.OutputDir = cfg.Output.Dir
	}

	e, err := newEnv(cfg)
	if err != nil {
		return nil, err
	}
	structure := newStructure(cfg, e)
	scorer, err := newScorer(cfg, e, structure)
	if err != nil {
		return nil, err
	}
	em, err := newEmitter(cfg)
	if err != nil {
		return nil, err
	}
	spread, err := mels.SpreadByName(cfg.Algorithm.Spread)
	if err != nil {
		return nil, err
	}
	store, err := newStore(cfg, opts.OutputDir)
	if err != nil {
		return nil, err
	}

	low, high := e.DescriptorBounds()
	return &Experiment{
		cfg:       cfg,
		opts:      opts,
		env:       e,
		structure: structure,
		scorer:    scorer,
		emitter:   em,
		alg:       mels.New(scorer, em, spread, cfg.Algorithm.QDOffset),
		low:       low,
		high:      high,
		store:     store,
		perf:      telemetry.NewPerfCollector(10),
		bookmarks: telemetry.NewBookmarkDetector(10),
	}, nil
}

// Init opens output and storage, then either scores the initial random
// batch or restores the latest checkpoint.
func (x *Experiment) Init(ctx context.Context) error {
	if x.store != nil {
		if err := x.store.Init(ctx); err != nil {
			return fmt.Errorf("opening checkpoint store: %w", err)
		}
	}

	if x.opts.Resume {
		if err := x.resume(ctx); err != nil {
			return err
		}
	} else {
		if err := x.fresh(); err != nil {
			return err
		}
		// Loop 0 is resumable too.
		if err := x.checkpoint(ctx); err != nil {
			return err
		}
	}

	om, err := telemetry.NewOutputManager(x.opts.OutputDir, x.opts.Resume)
	if err != nil {
		return err
	}
	x.output = om
	if err := om.WriteConfig(x.cfg); err != nil {
		return fmt.Errorf("writing config snapshot: %w", err)
	}
	return nil
}

func (x *Experiment) fresh() error {
	root := randkey.New(x.cfg.Seed)
	keys := root.SplitN(3)
	cvtKey, initKey, runKey := keys[0], keys[1], keys[2]

	start := time.Now()
	centroids, err := newCentroids(cvtKey, x.cfg, x.low, x.high)
	if err != nil {
		return fmt.Errorf("building centroids: %w", err)
	}
	slog.Info("centroids_ready",
		"cells", len(centroids),
		"kind", x.cfg.CVT.Kind,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
	)

	genotypes := initialGenotypes(initKey, x.structure, x.cfg.Algorithm.BatchSize)
	state, m, err := x.alg.Init(runKey, genotypes, centroids)
	if err != nil {
		return err
	}
	x.state = state
	x.last = m
	x.runID = storage.NewRunID()

	slog.Info("initialized",
		"run_id", x.runID,
		"env", x.env.Name(),
		"params", humanize.Comma(int64(x.structure.NumParams())),
		"metrics", m,
	)
	return nil
}

func (x *Experiment) resume(ctx context.Context) error {
	if x.store == nil {
		return fmt.Errorf("%w: checkpointing is disabled", ErrNoCheckpoint)
	}
	cp, ok, err := x.store.LoadCheckpoint(ctx, x.opts.RunID, x.structure.Reconstruct)
	if err != nil {
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	if !ok {
		return ErrNoCheckpoint
	}
	state, m, err := x.alg.Resume(cp.Key, cp.Repertoire, cp.Iteration, cp.Emitter)
	if err != nil {
		return err
	}
	x.state = state
	x.last = m
	x.loop = cp.Loop
	x.runID = cp.RunID

	if x.opts.OutputDir != "" {
		if x.history, err = telemetry.ReadLog(filepath.Join(x.opts.OutputDir, "log.csv")); err != nil {
			return err
		}
	}

	slog.Info("resumed",
		"run_id", x.runID,
		"loop", x.loop,
		"iteration", cp.Iteration,
		"saved_at", humanize.Time(cp.SavedAt),
		"metrics", m,
	)
	return nil
}

// Run executes the remaining loops. The context is only checked between
// loops: a loop that has started is finished, checkpointed and logged before
// Run returns ctx.Err().
func (x *Experiment) Run(ctx context.Context) (Result, error) {
	if x.state.Phase == mels.Uninitialized {
		return Result{}, errors.New("experiment: Run called before Init")
	}
	total := x.cfg.Algorithm.NumIterations
	period := x.cfg.Algorithm.LogPeriod

	for x.state.Iteration < total {
		if err := ctx.Err(); err != nil {
			slog.Warn("run_interrupted", "loop", x.loop, "iteration", x.state.Iteration)
			return x.result(), err
		}

		x.loop++
		n := min(period, total-x.state.Iteration)

		x.perf.StartLoop()
		x.perf.StartPhase(telemetry.PhaseScan)
		state, history, err := x.alg.Scan(x.state, n)
		if err != nil {
			return x.result(), fmt.Errorf("loop %d: %w", x.loop, err)
		}
		x.state = state
		x.last = history[len(history)-1]

		x.perf.StartPhase(telemetry.PhaseCheckpoint)
		if err := x.checkpoint(ctx); err != nil {
			return x.result(), err
		}

		x.perf.StartPhase(telemetry.PhaseTelemetry)
		evals := n * x.cfg.Derived.EvalsPerIter
		elapsed := x.perf.EndLoop(evals)
		x.flushTelemetry(elapsed)
	}

	x.state = x.alg.Terminate(x.state)
	if err := x.finish(); err != nil {
		return x.result(), err
	}
	return x.result(), nil
}

// checkpoint saves the repertoire, PRNG key, emitter counters and loop
// position. A finished loop is always saved, even once ctx is cancelled.
func (x *Experiment) checkpoint(ctx context.Context) error {
	if x.store == nil {
		return nil
	}
	cp := storage.Checkpoint{
		RunID:      x.runID,
		Loop:       x.loop,
		Iteration:  x.state.Iteration,
		Key:        x.state.Key,
		SavedAt:    time.Now().UTC(),
		Repertoire: x.state.Repertoire,
		Emitter:    x.state.Emitter,
	}
	if err := x.store.SaveCheckpoint(context.WithoutCancel(ctx), cp); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}

	attrs := []any{"loop", x.loop, "cells", x.state.Repertoire.Size()}
	if ds, ok := x.store.(*storage.DirStore); ok {
		attrs = append(attrs, "size", humanize.Bytes(dirSize(ds.Dir())))
	}
	slog.Debug("repertoire_saved", attrs...)
	return nil
}

// dirSize sums the sizes of regular files under dir.
func dirSize(dir string) uint64 {
	var total uint64
	filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}

// finish writes the final repertoire, elites and plots.
func (x *Experiment) finish() error {
	rep := x.state.Repertoire
	elites := telemetry.TopElites(rep, x.structure, x.env.Name(), x.cfg.Output.TopElites)

	if x.output != nil {
		if x.cfg.Storage.Backend != "dir" {
			dir := x.output.Path(x.cfg.Output.RepertoireDir)
			if err := rep.Save(dir); err != nil {
				return fmt.Errorf("saving repertoire: %w", err)
			}
		}
		if err := x.output.WriteElites(elites); err != nil {
			return err
		}
		if x.cfg.Output.Plot {
			if err := x.plot(); err != nil {
				slog.Error("plotting failed", "error", err)
			}
		}
	}

	best := rep.Best()
	attrs := []any{
		"run_id", x.runID,
		"iterations", x.state.Iteration,
		"metrics", x.last,
	}
	if best >= 0 {
		attrs = append(attrs, "best_cell", best, "best_fitness", rep.Fitnesses[best])
	}
	slog.Info("run_complete", attrs...)
	return nil
}

func (x *Experiment) plot() error {
	if len(x.history) > 0 {
		if err := telemetry.PlotMetrics(x.history, x.output.Dir()); err != nil {
			return err
		}
	}
	return telemetry.PlotRepertoire(x.state.Repertoire, x.low, x.high, x.output.Path(telemetry.RepertoirePlot))
}

func (x *Experiment) result() Result {
	var elites telemetry.Elites
	if x.state.Repertoire != nil {
		elites = telemetry.TopElites(x.state.Repertoire, x.structure, x.env.Name(), x.cfg.Output.TopElites)
	}
	return Result{
		RunID:      x.runID,
		State:      x.state,
		History:    x.history,
		Final:      x.last,
		Elites:     elites,
		Repertoire: x.state.Repertoire,
	}
}

// RunID returns the identifier used for checkpoints.
func (x *Experiment) RunID() string { return x.runID }

// Close releases the output files and the checkpoint store.
func (x *Experiment) Close() error {
	var errs []error
	if err := x.output.Close(); err != nil {
		errs = append(errs, err)
	}
	if x.store != nil {
		if err := x.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
