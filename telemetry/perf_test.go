package telemetry

import (
	"testing"
	"time"
)

func TestPerfCollector_BasicTiming(t *testing.T) {
	pc := NewPerfCollector(10)

	// Simulate a few loops
	for i := 0; i < 5; i++ {
		pc.StartLoop()
		pc.StartPhase(PhaseScan)
		time.Sleep(200 * time.Microsecond)
		pc.StartPhase(PhaseCheckpoint)
		time.Sleep(100 * time.Microsecond)
		if d := pc.EndLoop(100); d <= 0 {
			t.Fatalf("EndLoop returned %v", d)
		}
	}

	stats := pc.Stats()

	if stats.AvgLoopDuration <= 0 {
		t.Error("expected positive average loop duration")
	}
	if stats.EvalsPerSecond <= 0 {
		t.Error("expected positive evaluation throughput")
	}
	if _, ok := stats.PhasePct[PhaseScan]; !ok {
		t.Error("expected scan phase to be tracked")
	}
	if _, ok := stats.PhasePct[PhaseCheckpoint]; !ok {
		t.Error("expected checkpoint phase to be tracked")
	}
}

func TestPerfCollector_RollingWindow(t *testing.T) {
	pc := NewPerfCollector(5) // Small window

	// Fill window completely
	for i := 0; i < 10; i++ {
		pc.StartLoop()
		pc.StartPhase(PhaseScan)
		pc.EndLoop(10)
	}

	stats := pc.Stats()
	if stats.MinLoopDuration > stats.MaxLoopDuration {
		t.Errorf("min %v > max %v", stats.MinLoopDuration, stats.MaxLoopDuration)
	}
	if pc.sampleCount != 5 {
		t.Errorf("sampleCount = %d, want 5", pc.sampleCount)
	}
}

func TestPerfCollector_PhasePercentages(t *testing.T) {
	pc := NewPerfCollector(10)

	// Simulate with uneven phase durations
	for i := 0; i < 5; i++ {
		pc.StartLoop()
		pc.StartPhase("fast")
		time.Sleep(10 * time.Microsecond)
		pc.StartPhase("slow")
		time.Sleep(500 * time.Microsecond)
		pc.EndLoop(0)
	}

	stats := pc.Stats()

	fastPct := stats.PhasePct["fast"]
	slowPct := stats.PhasePct["slow"]

	// Slow phase should take more % than fast
	if slowPct <= fastPct {
		t.Errorf("expected slow phase (%v%%) > fast phase (%v%%)", slowPct, fastPct)
	}
}

func TestPerfCollector_EmptyStats(t *testing.T) {
	pc := NewPerfCollector(10)

	stats := pc.Stats()

	// Empty collector should return zero values without panicking
	if stats.AvgLoopDuration != 0 {
		t.Error("expected zero avg loop duration for empty collector")
	}

	if stats.PhasePct == nil {
		t.Error("expected non-nil PhasePct map")
	}

	row := stats.ToCSV(3)
	if row.Loop != 3 || row.ScanPct != 0 {
		t.Errorf("ToCSV = %+v", row)
	}
}
