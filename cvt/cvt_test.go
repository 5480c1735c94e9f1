package cvt

import (
	"errors"
	"testing"

	"gonum.org/v1/gonum/floats"

	"github.com/pthm-cable/lowspread/randkey"
)

func TestComputeShapeAndBounds(t *testing.T) {
	low, high := []float64{-1, 0}, []float64{1, 2}
	cfg := Config{NumCentroids: 32, NumSamples: 2000, Iterations: 20}

	centroids, err := Compute(randkey.New(1), cfg, low, high)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if len(centroids) != 32 {
		t.Fatalf("got %d centroids, want 32", len(centroids))
	}
	for i, c := range centroids {
		if len(c) != 2 {
			t.Fatalf("centroid %d has dim %d", i, len(c))
		}
		for d := range c {
			if c[d] < low[d] || c[d] > high[d] {
				t.Errorf("centroid %d out of bounds: %v", i, c)
			}
		}
	}
}

func TestComputeDeterministic(t *testing.T) {
	low, high := []float64{0, 0}, []float64{1, 1}
	cfg := Config{NumCentroids: 16, NumSamples: 500, Iterations: 10}

	a, err := Compute(randkey.New(9), cfg, low, high)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Compute(randkey.New(9), cfg, low, high)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if !floats.Equal(a[i], b[i]) {
			t.Fatalf("centroid %d differs: %v vs %v", i, a[i], b[i])
		}
	}

	c, _ := Compute(randkey.New(10), cfg, low, high)
	same := true
	for i := range a {
		if !floats.Equal(a[i], c[i]) {
			same = false
		}
	}
	if same {
		t.Error("different keys produced identical centroids")
	}
}

func TestComputeErrors(t *testing.T) {
	key := randkey.New(0)
	good := Config{NumCentroids: 4, NumSamples: 10, Iterations: 2}
	tests := []struct {
		name      string
		cfg       Config
		low, high []float64
	}{
		{"zero centroids", Config{NumSamples: 10, Iterations: 1}, []float64{0}, []float64{1}},
		{"too few samples", Config{NumCentroids: 4, NumSamples: 3, Iterations: 1}, []float64{0}, []float64{1}},
		{"zero iterations", Config{NumCentroids: 4, NumSamples: 10}, []float64{0}, []float64{1}},
		{"dim mismatch", good, []float64{0, 0}, []float64{1}},
		{"inverted", good, []float64{1}, []float64{0}},
		{"empty", good, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compute(key, tt.cfg, tt.low, tt.high)
			if !errors.Is(err, ErrConfig) {
				t.Errorf("err = %v, want ErrConfig", err)
			}
		})
	}
}

func TestGrid(t *testing.T) {
	g, err := Grid(4, []float64{0, 0}, []float64{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(g) != 16 {
		t.Fatalf("len = %d, want 16", len(g))
	}
	if !floats.EqualApprox(g[0], []float64{0.125, 0.25}, 1e-12) {
		t.Errorf("g[0] = %v", g[0])
	}
	if !floats.EqualApprox(g[1], []float64{0.125, 0.75}, 1e-12) {
		t.Errorf("g[1] = %v", g[1])
	}
	if !floats.EqualApprox(g[15], []float64{0.875, 1.75}, 1e-12) {
		t.Errorf("g[15] = %v", g[15])
	}
}

func TestNearest(t *testing.T) {
	centroids := [][]float64{{0, 0}, {1, 0}, {1, 0}, {0, 1}}
	if got := Nearest(centroids, []float64{0.9, 0.1}); got != 1 {
		t.Errorf("Nearest = %d, want 1 (first of tied duplicates)", got)
	}
	if got := Nearest(centroids, []float64{-3, 0.2}); got != 0 {
		t.Errorf("Nearest = %d, want 0", got)
	}
	if got := Nearest(centroids, []float64{0.1, 0.8}); got != 3 {
		t.Errorf("Nearest = %d, want 3", got)
	}
}

func BenchmarkNearest(b *testing.B) {
	centroids, _ := Compute(randkey.New(1), Config{NumCentroids: 1024, NumSamples: 4096, Iterations: 1}, []float64{0, 0}, []float64{1, 1})
	p := []float64{0.3, 0.7}
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		Nearest(centroids, p)
	}
}
