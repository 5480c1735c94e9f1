package telemetry

import (
	"errors"
	"fmt"
	"image/color"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/pthm-cable/lowspread/archive"
)

// Metric plot file names written by PlotMetrics.
const (
	QDScorePlot    = "qd_score.png"
	CoveragePlot   = "coverage.png"
	MaxFitnessPlot = "max_fitness.png"
	RepertoirePlot = "repertoire.png"
)

var emptyCellColor = color.Gray{Y: 220}

// PlotMetrics draws QD-score, coverage and max fitness against iteration,
// one PNG each, into dir.
func PlotMetrics(history []LogRow, dir string) error {
	if len(history) == 0 {
		return errors.New("plot: empty metrics history")
	}
	series := []struct {
		file, title string
		value       func(LogRow) float64
	}{
		{QDScorePlot, "QD score", func(r LogRow) float64 { return r.QDScore }},
		{CoveragePlot, "Coverage", func(r LogRow) float64 { return r.Coverage }},
		{MaxFitnessPlot, "Max fitness", func(r LogRow) float64 { return r.MaxFitness }},
	}
	for _, s := range series {
		pts := make(plotter.XYs, len(history))
		for i, row := range history {
			pts[i].X = float64(row.Iteration)
			pts[i].Y = s.value(row)
		}

		p := plot.New()
		p.Title.Text = s.title
		p.X.Label.Text = "Iteration"
		p.Y.Label.Text = s.title

		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("plot %s: %w", s.file, err)
		}
		p.Add(plotter.NewGrid(), line)

		if err := p.Save(6*vg.Inch, 4*vg.Inch, filepath.Join(dir, s.file)); err != nil {
			return fmt.Errorf("saving %s: %w", s.file, err)
		}
	}
	return nil
}

// PlotRepertoire draws every cell centroid of a 2-D repertoire, colored by
// fitness on a blue-red scale. Empty cells are drawn grey.
func PlotRepertoire(rep *archive.Repertoire, low, high []float64, path string) error {
	if rep.DescriptorSize() != 2 || len(low) != 2 || len(high) != 2 {
		return fmt.Errorf("plot: repertoire plot needs 2-D descriptors, got %d", rep.DescriptorSize())
	}

	cmap := moreland.SmoothBlueRed()
	stats := rep.Summarize(0)
	minFit := stats.MaxFitness
	for _, i := range rep.OccupiedCells() {
		minFit = min(minFit, rep.Fitnesses[i])
	}
	if stats.Size == 0 {
		minFit, stats.MaxFitness = 0, 1
	}
	if minFit == stats.MaxFitness {
		stats.MaxFitness = minFit + 1
	}
	cmap.SetMin(minFit)
	cmap.SetMax(stats.MaxFitness)

	pts := make(plotter.XYs, rep.NumCells())
	colors := make([]color.Color, rep.NumCells())
	for i, c := range rep.Centroids {
		pts[i].X, pts[i].Y = c[0], c[1]
		colors[i] = emptyCellColor
		if rep.Occupied(i) {
			col, err := cmap.At(rep.Fitnesses[i])
			if err != nil {
				return fmt.Errorf("plot: color for cell %d: %w", i, err)
			}
			colors[i] = col
		}
	}

	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return fmt.Errorf("plot repertoire: %w", err)
	}
	scatter.GlyphStyleFunc = func(i int) draw.GlyphStyle {
		return draw.GlyphStyle{Color: colors[i], Radius: vg.Points(3), Shape: draw.CircleGlyph{}}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Repertoire (coverage %.1f%%)", stats.Coverage*100)
	p.X.Label.Text = "descriptor 1"
	p.Y.Label.Text = "descriptor 2"
	p.X.Min, p.X.Max = low[0], high[0]
	p.Y.Min, p.Y.Max = low[1], high[1]
	p.Add(scatter)

	if err := p.Save(5*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("saving %s: %w", filepath.Base(path), err)
	}
	return nil
}
