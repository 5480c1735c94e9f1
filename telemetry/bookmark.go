package telemetry

import (
	"fmt"
	"log/slog"
	"math"
)

// BookmarkType identifies the type of bookmark.
type BookmarkType string

const (
	BookmarkFitnessBreakthrough BookmarkType = "fitness_breakthrough"
	BookmarkCoverageMilestone   BookmarkType = "coverage_milestone"
	BookmarkStagnation          BookmarkType = "stagnation"
)

// coverageMilestones are the coverage fractions reported once each.
var coverageMilestones = []float64{0.25, 0.5, 0.75, 0.9}

// stagnationLoops is how many loops without QD-score progress trigger a
// stagnation bookmark.
const stagnationLoops = 5

// Bookmark represents an automatically triggered bookmark.
type Bookmark struct {
	Type        BookmarkType `csv:"type"`
	Loop        int          `csv:"loop"`
	Iteration   int          `csv:"iteration"`
	Description string       `csv:"description"`
}

// LogBookmark logs the bookmark using slog.
func (b Bookmark) LogBookmark() {
	slog.Info("bookmark",
		"type", string(b.Type),
		"loop", b.Loop,
		"iteration", b.Iteration,
		"description", b.Description,
	)
}

// BookmarkDetector detects interesting moments in a run from the per-loop
// log rows.
type BookmarkDetector struct {
	// Rolling history (circular buffer)
	history     []LogRow
	historySize int
	historyIdx  int
	historyFull bool

	// State tracking
	nextMilestone   int // index into coverageMilestones
	stagnantLoops   int // consecutive loops without QD-score gain
	stagnationFired bool
}

// NewBookmarkDetector creates a detector with the given history size.
func NewBookmarkDetector(historySize int) *BookmarkDetector {
	if historySize < 3 {
		historySize = 3 // minimum for a rolling average of improvements
	}
	return &BookmarkDetector{
		history:     make([]LogRow, historySize),
		historySize: historySize,
	}
}

// Check analyzes the latest row and returns any triggered bookmarks.
func (bd *BookmarkDetector) Check(row LogRow) []Bookmark {
	var bookmarks []Bookmark

	if b := bd.checkFitnessBreakthrough(row); b != nil {
		bookmarks = append(bookmarks, *b)
	}
	bookmarks = append(bookmarks, bd.checkCoverage(row)...)
	if b := bd.checkStagnation(row); b != nil {
		bookmarks = append(bookmarks, *b)
	}

	bd.addToHistory(row)
	return bookmarks
}

func (bd *BookmarkDetector) addToHistory(row LogRow) {
	bd.history[bd.historyIdx] = row
	bd.historyIdx = (bd.historyIdx + 1) % bd.historySize
	if bd.historyIdx == 0 {
		bd.historyFull = true
	}
}

// getHistory returns the stored rows oldest first.
func (bd *BookmarkDetector) getHistory() []LogRow {
	if !bd.historyFull {
		return bd.history[:bd.historyIdx]
	}
	return append(append([]LogRow(nil), bd.history[bd.historyIdx:]...), bd.history[:bd.historyIdx]...)
}

// checkFitnessBreakthrough fires when max fitness jumps by more than twice
// the average per-loop gain seen in the history.
func (bd *BookmarkDetector) checkFitnessBreakthrough(row LogRow) *Bookmark {
	history := bd.getHistory()
	if len(history) < 3 {
		return nil
	}

	var totalGain float64
	for i := 1; i < len(history); i++ {
		totalGain += history[i].MaxFitness - history[i-1].MaxFitness
	}
	avgGain := totalGain / float64(len(history)-1)
	gain := row.MaxFitness - history[len(history)-1].MaxFitness

	if avgGain > 0 && gain > 2*avgGain {
		return &Bookmark{
			Type:        BookmarkFitnessBreakthrough,
			Loop:        row.Loop,
			Iteration:   row.Iteration,
			Description: fmt.Sprintf("Max fitness rose %.3g to %.4g, %.1fx the average gain", gain, row.MaxFitness, gain/avgGain),
		}
	}
	return nil
}

func (bd *BookmarkDetector) checkCoverage(row LogRow) []Bookmark {
	var out []Bookmark
	for bd.nextMilestone < len(coverageMilestones) && row.Coverage >= coverageMilestones[bd.nextMilestone] {
		m := coverageMilestones[bd.nextMilestone]
		out = append(out, Bookmark{
			Type:        BookmarkCoverageMilestone,
			Loop:        row.Loop,
			Iteration:   row.Iteration,
			Description: fmt.Sprintf("Coverage reached %.0f%% (%.1f%%)", m*100, row.Coverage*100),
		})
		bd.nextMilestone++
	}
	return out
}

// checkStagnation fires once when the QD-score has not grown for
// stagnationLoops consecutive loops. Progress re-arms it.
func (bd *BookmarkDetector) checkStagnation(row LogRow) *Bookmark {
	history := bd.getHistory()
	if len(history) == 0 {
		return nil
	}
	prev := history[len(history)-1].QDScore
	if row.QDScore > prev+1e-9*math.Max(1, math.Abs(prev)) {
		bd.stagnantLoops = 0
		bd.stagnationFired = false
		return nil
	}

	bd.stagnantLoops++
	if bd.stagnantLoops >= stagnationLoops && !bd.stagnationFired {
		bd.stagnationFired = true
		return &Bookmark{
			Type:        BookmarkStagnation,
			Loop:        row.Loop,
			Iteration:   row.Iteration,
			Description: fmt.Sprintf("QD score flat at %.4g for %d loops", row.QDScore, bd.stagnantLoops),
		}
	}
	return nil
}
