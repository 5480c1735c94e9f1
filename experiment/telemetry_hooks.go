package experiment

import (
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/pthm-cable/lowspread/telemetry"
)

// flushTelemetry records the loop that just finished: CSV rows, slog
// records and bookmarks.
func (x *Experiment) flushTelemetry(elapsed time.Duration) {
	row := telemetry.LogRow{
		Loop:       x.loop,
		Iteration:  x.state.Iteration,
		QDScore:    x.last.QDScore,
		MaxFitness: x.last.MaxFitness,
		Coverage:   x.last.Coverage,
		Time:       elapsed.Seconds(),
	}
	x.history = append(x.history, row)
	perfStats := x.perf.Stats()

	// Call stats callback if provided
	if x.opts.StatsCallback != nil {
		x.opts.StatsCallback(row)
	}

	// Log stats if enabled
	if x.opts.LogStats {
		slog.Info("loop_complete",
			"stats", row,
			"metrics", x.last,
			"fitness", telemetry.ComputeFitnessStats(x.state.Repertoire),
			"perf", perfStats,
			"evaluations", humanize.Comma(int64(x.state.Iteration*x.cfg.Derived.EvalsPerIter)),
		)
	}

	// Write to CSV if output manager is enabled
	if x.output != nil {
		if err := x.output.WriteLog(row); err != nil {
			slog.Error("failed to write log", "error", err)
		}
		if err := x.output.WritePerf(perfStats, x.loop); err != nil {
			slog.Error("failed to write perf", "error", err)
		}
	}

	// Check for bookmarks
	for _, bm := range x.bookmarks.Check(row) {
		if x.opts.LogStats {
			bm.LogBookmark()
		}
		if x.output != nil {
			if err := x.output.WriteBookmark(bm); err != nil {
				slog.Error("failed to write bookmark", "error", err)
			}
		}
	}
}
