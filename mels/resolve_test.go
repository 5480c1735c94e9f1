package mels

import (
	"math"
	"slices"
	"testing"

	"github.com/pthm-cable/lowspread/scoring"
)

var twoCells = [][]float64{{0, 0}, {1, 0}}

func valid(fitness float64, desc ...float64) scoring.Sample {
	return scoring.Sample{Fitness: fitness, Descriptor: desc, Valid: true}
}

func TestResolvePluralityAndSpread(t *testing.T) {
	samples := []scoring.Sample{
		valid(1, 0.1, 0),
		valid(2, 0.9, 0),
		valid(3, -0.1, 0.1),
		valid(4, 1.1, 0),
		valid(5, 0, 0.2),
	}
	c, ok := Resolve(samples, twoCells, MaxPairwiseDistance)
	if !ok {
		t.Fatal("no candidate")
	}
	if c.Cell != 0 {
		t.Fatalf("cell = %d, want 0 (3 votes against 2)", c.Cell)
	}
	if !slices.Equal(c.Descriptor, twoCells[0]) {
		t.Errorf("descriptor = %v, want centroid %v", c.Descriptor, twoCells[0])
	}
	if c.Fitness != 3 {
		t.Errorf("fitness = %v, want mean 3", c.Fitness)
	}
	// Only the three voters for cell 0 count.
	want := math.Sqrt(0.05)
	if math.Abs(c.Spread-want) > 1e-12 {
		t.Errorf("spread = %v, want %v", c.Spread, want)
	}
}

func TestResolveDescriptorIsCentroidNotMean(t *testing.T) {
	samples := []scoring.Sample{valid(0, 0.3, 0.1), valid(0, 0.2, -0.1)}
	c, _ := Resolve(samples, twoCells, MaxPairwiseDistance)
	mean := []float64{0.25, 0}
	if slices.Equal(c.Descriptor, mean) || !slices.Equal(c.Descriptor, twoCells[0]) {
		t.Errorf("descriptor = %v", c.Descriptor)
	}
	c.Descriptor[0] = 99
	if twoCells[0][0] != 0 {
		t.Error("candidate descriptor aliases the centroid")
	}
}

func TestResolveTieGoesToFirstVoted(t *testing.T) {
	samples := []scoring.Sample{
		valid(0, 0.9, 0),
		valid(0, 0.1, 0),
		valid(0, 1.2, 0),
		valid(0, -0.2, 0),
	}
	c, _ := Resolve(samples, twoCells, MaxPairwiseDistance)
	if c.Cell != 1 {
		t.Errorf("cell = %d, want 1 (voted first)", c.Cell)
	}
}

func TestResolveSingleSampleIsMapElites(t *testing.T) {
	c, ok := Resolve([]scoring.Sample{valid(-7, 0.8, 0.3)}, twoCells, MaxPairwiseDistance)
	if !ok {
		t.Fatal("no candidate")
	}
	if c.Cell != 1 || c.Fitness != -7 || c.Spread != 0 {
		t.Errorf("candidate = %+v", c)
	}
	c, _ = Resolve([]scoring.Sample{valid(1, 0.8, 0.3)}, twoCells, Variance)
	if c.Spread != 0 {
		t.Errorf("variance spread of one sample = %v", c.Spread)
	}
}

func TestResolveSkipsInvalid(t *testing.T) {
	samples := []scoring.Sample{
		{Fitness: 1000, Descriptor: []float64{1, 0}},
		{Fitness: 1000, Descriptor: []float64{1, 0}},
		valid(2, 0, 0),
		{Fitness: math.NaN()},
	}
	c, ok := Resolve(samples, twoCells, MaxPairwiseDistance)
	if !ok {
		t.Fatal("no candidate")
	}
	if c.Cell != 0 || c.Fitness != 2 {
		t.Errorf("candidate = %+v", c)
	}

	if _, ok := Resolve([]scoring.Sample{{}, {}}, twoCells, MaxPairwiseDistance); ok {
		t.Error("all-invalid samples produced a candidate")
	}
}

func TestSpreads(t *testing.T) {
	pts := [][]float64{{0, 0}, {2, 0}, {1, 1}}
	if got := MaxPairwiseDistance(pts); got != 2 {
		t.Errorf("max pairwise = %v", got)
	}
	// x: {0,2,1} var 2/3; y: {0,0,1} var 2/9
	if got, want := Variance(pts), 2.0/3+2.0/9; math.Abs(got-want) > 1e-12 {
		t.Errorf("variance = %v, want %v", got, want)
	}
	if MaxPairwiseDistance(nil) != 0 || Variance(nil) != 0 {
		t.Error("empty spread not zero")
	}
}

func TestSpreadByName(t *testing.T) {
	for _, name := range []string{"max_pairwise", "variance"} {
		if _, err := SpreadByName(name); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
	if _, err := SpreadByName("range"); err == nil {
		t.Error("unknown spread accepted")
	}
}
