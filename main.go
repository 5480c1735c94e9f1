package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pthm-cable/lowspread/config"
	"github.com/pthm-cable/lowspread/experiment"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	seed := flag.Uint64("seed", 0, "PRNG seed (0 = use config)")
	iterations := flag.Int("iterations", 0, "Total iterations (0 = use config)")
	outputDir := flag.String("output-dir", "", "Output directory for CSV logs, plots and the repertoire")
	resume := flag.Bool("resume", false, "Continue from the latest checkpoint in the output directory")
	runID := flag.String("run-id", "", "Checkpoint run id to resume (empty = most recent)")
	logStats := flag.Bool("log-stats", true, "Output per-loop stats via slog")
	debug := flag.Bool("debug", false, "Enable debug logging")

	flag.Parse()

	// Set up slog (JSON to stdout for structured logging)
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Initialize config before anything else
	if err := config.Init(*configPath); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := config.Cfg()

	if *seed != 0 {
		cfg.Seed = *seed
	}
	if *iterations > 0 {
		cfg.Algorithm.NumIterations = *iterations
		cfg.ComputeDerived()
	}

	opts := experiment.Options{
		OutputDir: *outputDir,
		Resume:    *resume,
		RunID:     *runID,
		LogStats:  *logStats,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Warn("stopped by signal; resume with -resume")
			return
		}
		slog.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts experiment.Options) error {
	x, err := experiment.New(cfg, opts)
	if err != nil {
		return err
	}
	defer x.Close()

	start := time.Now()
	slog.Info("starting run",
		"seed", cfg.Seed,
		"env", cfg.Env.Name,
		"iterations", cfg.Algorithm.NumIterations,
		"log_period", cfg.Algorithm.LogPeriod,
		"loops", cfg.Derived.NumLoops,
		"output_dir", opts.OutputDir,
	)

	if err := x.Init(ctx); err != nil {
		return err
	}
	res, err := x.Run(ctx)
	if err != nil {
		return err
	}

	slog.Info("finished",
		"run_id", res.RunID,
		"elapsed", time.Since(start).Round(time.Millisecond).String(),
		"metrics", res.Final,
	)
	return nil
}
