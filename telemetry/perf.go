package telemetry

import (
	"log/slog"
	"time"
)

// Phase names for one loop of the run.
const (
	PhaseScan       = "scan"
	PhaseCheckpoint = "checkpoint"
	PhaseTelemetry  = "telemetry"
)

var phases = []string{PhaseScan, PhaseCheckpoint, PhaseTelemetry}

// PerfSample holds timing data for a single loop.
type PerfSample struct {
	LoopDuration time.Duration
	Phases       map[string]time.Duration
	Evaluations  int
}

// PerfCollector tracks loop timing over a rolling window.
type PerfCollector struct {
	windowSize    int
	samples       []PerfSample
	writeIndex    int
	sampleCount   int
	currentPhases map[string]time.Duration
	loopStart     time.Time
	phaseStart    time.Time
	lastPhase     string
}

// NewPerfCollector creates a new performance collector averaging over the
// last windowSize loops.
func NewPerfCollector(windowSize int) *PerfCollector {
	if windowSize < 1 {
		windowSize = 10
	}
	return &PerfCollector{
		windowSize:    windowSize,
		samples:       make([]PerfSample, windowSize),
		currentPhases: make(map[string]time.Duration),
	}
}

// StartLoop begins timing a new loop.
func (p *PerfCollector) StartLoop() {
	p.loopStart = time.Now()
	p.currentPhases = make(map[string]time.Duration)
	p.lastPhase = ""
}

// StartPhase begins timing a specific phase, ending the previous one.
func (p *PerfCollector) StartPhase(phase string) {
	now := time.Now()
	if p.lastPhase != "" {
		p.currentPhases[p.lastPhase] += now.Sub(p.phaseStart)
	}
	p.phaseStart = now
	p.lastPhase = phase
}

// EndLoop finishes timing the current loop. evaluations is the number of
// rollouts run during it.
func (p *PerfCollector) EndLoop(evaluations int) time.Duration {
	now := time.Now()
	if p.lastPhase != "" {
		p.currentPhases[p.lastPhase] += now.Sub(p.phaseStart)
		p.lastPhase = ""
	}

	sample := PerfSample{
		LoopDuration: now.Sub(p.loopStart),
		Phases:       p.currentPhases,
		Evaluations:  evaluations,
	}

	p.samples[p.writeIndex] = sample
	p.writeIndex = (p.writeIndex + 1) % p.windowSize
	if p.sampleCount < p.windowSize {
		p.sampleCount++
	}
	return sample.LoopDuration
}

// PerfStats holds aggregated performance statistics.
type PerfStats struct {
	AvgLoopDuration time.Duration
	MinLoopDuration time.Duration
	MaxLoopDuration time.Duration

	// Phase percentages of total loop time
	PhasePct map[string]float64

	EvalsPerSecond float64
}

// Stats computes aggregated statistics over the current window.
func (p *PerfCollector) Stats() PerfStats {
	if p.sampleCount == 0 {
		return PerfStats{PhasePct: make(map[string]float64)}
	}

	var total time.Duration
	var minLoop, maxLoop time.Duration
	evals := 0
	phaseSum := make(map[string]time.Duration)

	for i := 0; i < p.sampleCount; i++ {
		s := p.samples[i]
		total += s.LoopDuration
		evals += s.Evaluations

		if i == 0 || s.LoopDuration < minLoop {
			minLoop = s.LoopDuration
		}
		if s.LoopDuration > maxLoop {
			maxLoop = s.LoopDuration
		}

		for phase, dur := range s.Phases {
			phaseSum[phase] += dur
		}
	}

	phasePct := make(map[string]float64)
	for phase, sum := range phaseSum {
		if total > 0 {
			phasePct[phase] = float64(sum) / float64(total) * 100
		}
	}

	var evalsPerSec float64
	if total > 0 {
		evalsPerSec = float64(evals) / total.Seconds()
	}

	return PerfStats{
		AvgLoopDuration: total / time.Duration(p.sampleCount),
		MinLoopDuration: minLoop,
		MaxLoopDuration: maxLoop,
		PhasePct:        phasePct,
		EvalsPerSecond:  evalsPerSec,
	}
}

// LogValue implements slog.LogValuer for structured logging.
func (s PerfStats) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int64("avg_loop_ms", s.AvgLoopDuration.Milliseconds()),
		slog.Int64("min_loop_ms", s.MinLoopDuration.Milliseconds()),
		slog.Int64("max_loop_ms", s.MaxLoopDuration.Milliseconds()),
		slog.Float64("evals_per_sec", s.EvalsPerSecond),
	}

	for _, phase := range phases {
		if pct, ok := s.PhasePct[phase]; ok && pct > 0.1 {
			attrs = append(attrs, slog.Float64(phase+"_pct", pct))
		}
	}

	return slog.GroupValue(attrs...)
}

// PerfStatsCSV is a flat struct for CSV export of performance stats.
type PerfStatsCSV struct {
	Loop          int     `csv:"loop"`
	AvgLoopMS     int64   `csv:"avg_loop_ms"`
	MinLoopMS     int64   `csv:"min_loop_ms"`
	MaxLoopMS     int64   `csv:"max_loop_ms"`
	EvalsPerSec   float64 `csv:"evals_per_sec"`
	ScanPct       float64 `csv:"scan_pct"`
	CheckpointPct float64 `csv:"checkpoint_pct"`
	TelemetryPct  float64 `csv:"telemetry_pct"`
}

// ToCSV converts PerfStats to a flat CSV-friendly struct.
func (s PerfStats) ToCSV(loop int) PerfStatsCSV {
	return PerfStatsCSV{
		Loop:          loop,
		AvgLoopMS:     s.AvgLoopDuration.Milliseconds(),
		MinLoopMS:     s.MinLoopDuration.Milliseconds(),
		MaxLoopMS:     s.MaxLoopDuration.Milliseconds(),
		EvalsPerSec:   s.EvalsPerSecond,
		ScanPct:       s.PhasePct[PhaseScan],
		CheckpointPct: s.PhasePct[PhaseCheckpoint],
		TelemetryPct:  s.PhasePct[PhaseTelemetry],
	}
}
