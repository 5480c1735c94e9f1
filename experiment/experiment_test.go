package experiment

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pthm-cable/lowspread/config"
	"github.com/pthm-cable/lowspread/mels"
	"github.com/pthm-cable/lowspread/telemetry"
)

func smallConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Env.EpisodeLength = 10
	cfg.Policy.HiddenLayers = []int{4}
	cfg.CVT.Kind = "grid"
	cfg.CVT.GridSize = 4
	cfg.Algorithm.BatchSize = 8
	cfg.Algorithm.NumSamples = 2
	cfg.Algorithm.NumIterations = 4
	cfg.Algorithm.LogPeriod = 2
	cfg.Rollout.Workers = 1
	cfg.Output.Plot = false
	cfg.Output.TopElites = 3
	return cfg
}

func runExperiment(t *testing.T, cfg *config.Config, opts Options) Result {
	t.Helper()
	x, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer x.Close()
	if err := x.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	res, err := x.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func TestRunWithoutOutput(t *testing.T) {
	cfg := smallConfig(t)
	var rows []telemetry.LogRow
	res := runExperiment(t, cfg, Options{StatsCallback: func(r telemetry.LogRow) { rows = append(rows, r) }})

	if res.State.Phase != mels.Terminated {
		t.Errorf("phase = %s, want terminated", res.State.Phase)
	}
	if res.State.Iteration != 4 {
		t.Errorf("iteration = %d, want 4", res.State.Iteration)
	}
	if len(res.History) != 2 || len(rows) != 2 {
		t.Fatalf("got %d history rows and %d callbacks, want 2", len(res.History), len(rows))
	}
	for i, row := range res.History {
		if row.Loop != i+1 || row.Iteration != 2*(i+1) {
			t.Errorf("row %d = loop %d iteration %d", i, row.Loop, row.Iteration)
		}
	}
	if res.History[1].MaxFitness < res.History[0].MaxFitness {
		t.Errorf("max fitness fell: %v -> %v", res.History[0].MaxFitness, res.History[1].MaxFitness)
	}
	if res.Repertoire.Size() == 0 {
		t.Error("empty repertoire after run")
	}
	if len(res.Elites.Entries) == 0 || len(res.Elites.Entries) > 3 {
		t.Errorf("got %d elites, want 1..3", len(res.Elites.Entries))
	}
}

func TestRunUnevenLogPeriod(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Algorithm.NumIterations = 5
	res := runExperiment(t, cfg, Options{})
	if res.State.Iteration != 5 {
		t.Errorf("iteration = %d, want 5", res.State.Iteration)
	}
	if len(res.History) != 3 {
		t.Errorf("got %d loops, want 3", len(res.History))
	}
}

func TestRunDeterministic(t *testing.T) {
	a := runExperiment(t, smallConfig(t), Options{})
	b := runExperiment(t, smallConfig(t), Options{})
	if a.Final.QDScore != b.Final.QDScore || a.Final.Coverage != b.Final.Coverage {
		t.Errorf("runs differ: %+v vs %+v", a.Final, b.Final)
	}
	if a.State.Key != b.State.Key {
		t.Error("final keys differ")
	}
}

func TestRunWritesOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := smallConfig(t)
	runExperiment(t, cfg, Options{OutputDir: dir})

	for _, name := range []string{"log.csv", "perf.csv", "config.yaml", "elites.json", filepath.Join("repertoire", "manifest.yaml")} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
	rows, err := telemetry.ReadLog(filepath.Join(dir, "log.csv"))
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("log.csv has %d rows, want 2", len(rows))
	}

	elites, err := telemetry.LoadElitesFromFile(filepath.Join(dir, "elites.json"))
	if err != nil {
		t.Fatalf("LoadElitesFromFile: %v", err)
	}
	if elites.Env != "omni" {
		t.Errorf("elites env = %q", elites.Env)
	}
}

func TestResume(t *testing.T) {
	dir := t.TempDir()
	cfg := smallConfig(t)
	first := runExperiment(t, cfg, Options{OutputDir: dir})

	cfg = smallConfig(t)
	cfg.Algorithm.NumIterations = 6
	second := runExperiment(t, cfg, Options{OutputDir: dir, Resume: true})

	if second.RunID != first.RunID {
		t.Errorf("run id = %q, want %q", second.RunID, first.RunID)
	}
	if second.State.Iteration != 6 {
		t.Errorf("iteration = %d, want 6", second.State.Iteration)
	}
	if len(second.History) != 3 {
		t.Fatalf("history has %d rows, want 3", len(second.History))
	}
	if second.History[2].Loop != 3 {
		t.Errorf("resumed loop = %d, want 3", second.History[2].Loop)
	}
	if second.Final.MaxFitness < first.Final.MaxFitness {
		t.Errorf("max fitness fell across resume: %v -> %v", first.Final.MaxFitness, second.Final.MaxFitness)
	}

	rows, err := telemetry.ReadLog(filepath.Join(dir, "log.csv"))
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("log.csv has %d rows after resume, want 3", len(rows))
	}
}

func TestResumeMatchesUninterruptedRun(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Algorithm.NumIterations = 6
	straight := runExperiment(t, cfg, Options{OutputDir: t.TempDir()})

	dir := t.TempDir()
	runExperiment(t, smallConfig(t), Options{OutputDir: dir})
	cfg = smallConfig(t)
	cfg.Algorithm.NumIterations = 6
	resumed := runExperiment(t, cfg, Options{OutputDir: dir, Resume: true})

	if len(resumed.History) != len(straight.History) {
		t.Fatalf("history rows = %d, want %d", len(resumed.History), len(straight.History))
	}
	for i, want := range straight.History {
		got := resumed.History[i]
		if got.Loop != want.Loop || got.Iteration != want.Iteration ||
			got.QDScore != want.QDScore || got.MaxFitness != want.MaxFitness || got.Coverage != want.Coverage {
			t.Errorf("row %d = %+v, want %+v", i, got, want)
		}
	}
	if resumed.State.Key != straight.State.Key {
		t.Error("resumed run ended on a different key")
	}
	if resumed.State.Emitter != straight.State.Emitter {
		t.Errorf("emitter state = %+v, want %+v", resumed.State.Emitter, straight.State.Emitter)
	}
	for i := range straight.Repertoire.Fitnesses {
		if resumed.Repertoire.Fitnesses[i] != straight.Repertoire.Fitnesses[i] {
			t.Errorf("cell %d fitness = %v, want %v", i, resumed.Repertoire.Fitnesses[i], straight.Repertoire.Fitnesses[i])
		}
	}
}

// cancelAfter reports cancellation once Err has been called n times, the
// way a signal that arrives during a loop looks to Run.
type cancelAfter struct {
	context.Context
	n int
}

func (c *cancelAfter) Err() error {
	if c.n <= 0 {
		return context.Canceled
	}
	c.n--
	return nil
}

func TestCancelDuringLoopKeepsLoop(t *testing.T) {
	dir := t.TempDir()
	x, err := New(smallConfig(t), Options{OutputDir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := x.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	res, err := x.Run(&cancelAfter{Context: context.Background(), n: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if res.State.Iteration != 2 || len(res.History) != 1 {
		t.Errorf("iteration=%d history=%d, want 2/1", res.State.Iteration, len(res.History))
	}
	if err := x.Close(); err != nil {
		t.Fatal(err)
	}
	rows, err := telemetry.ReadLog(filepath.Join(dir, "log.csv"))
	if err != nil || len(rows) != 1 {
		t.Fatalf("log.csv rows=%d err=%v, want 1", len(rows), err)
	}

	resumed := runExperiment(t, smallConfig(t), Options{OutputDir: dir, Resume: true})
	if resumed.State.Iteration != 4 || len(resumed.History) != 2 {
		t.Errorf("resumed iteration=%d history=%d, want 4/2", resumed.State.Iteration, len(resumed.History))
	}
	if resumed.History[1].Loop != 2 {
		t.Errorf("resumed loop = %d, want 2", resumed.History[1].Loop)
	}
}

func TestCancelBeforeFirstLoopIsResumable(t *testing.T) {
	dir := t.TempDir()
	x, err := New(smallConfig(t), Options{OutputDir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := x.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := x.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	runID := x.RunID()
	if err := x.Close(); err != nil {
		t.Fatal(err)
	}

	resumed := runExperiment(t, smallConfig(t), Options{OutputDir: dir, Resume: true})
	if resumed.RunID != runID {
		t.Errorf("run id = %q, want %q", resumed.RunID, runID)
	}
	if resumed.State.Iteration != 4 || len(resumed.History) != 2 || resumed.History[0].Loop != 1 {
		t.Errorf("resumed iteration=%d history=%+v", resumed.State.Iteration, resumed.History)
	}

	// Matches a run that was never interrupted.
	straight := runExperiment(t, smallConfig(t), Options{})
	if resumed.Final.QDScore != straight.Final.QDScore || resumed.State.Key != straight.State.Key {
		t.Errorf("resumed final %+v, straight %+v", resumed.Final, straight.Final)
	}
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	x, err := New(smallConfig(t), Options{OutputDir: t.TempDir(), Resume: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer x.Close()
	if err := x.Init(context.Background()); !errors.Is(err, ErrNoCheckpoint) {
		t.Errorf("Init = %v, want ErrNoCheckpoint", err)
	}
}

func TestSQLiteBackend(t *testing.T) {
	dir := t.TempDir()
	cfg := smallConfig(t)
	cfg.Storage.Backend = "sqlite"
	first := runExperiment(t, cfg, Options{OutputDir: dir})

	if _, err := os.Stat(filepath.Join(dir, "runs.db")); err != nil {
		t.Fatalf("runs.db: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "repertoire", "manifest.yaml")); err != nil {
		t.Errorf("final repertoire not saved: %v", err)
	}

	cfg = smallConfig(t)
	cfg.Storage.Backend = "sqlite"
	cfg.Algorithm.NumIterations = 6
	second := runExperiment(t, cfg, Options{OutputDir: dir, Resume: true, RunID: first.RunID})
	if second.State.Iteration != 6 {
		t.Errorf("iteration = %d, want 6", second.State.Iteration)
	}
}

func TestRunCancelled(t *testing.T) {
	x, err := New(smallConfig(t), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer x.Close()
	if err := x.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := x.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
	if res.State.Iteration != 0 {
		t.Errorf("iteration = %d, want 0", res.State.Iteration)
	}
}

func TestRunBeforeInit(t *testing.T) {
	x, err := New(smallConfig(t), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := x.Run(context.Background()); err == nil {
		t.Error("Run before Init succeeded")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Algorithm.BatchSize = 0
	if _, err := New(cfg, Options{}); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("New = %v, want ErrInvalid", err)
	}
}
