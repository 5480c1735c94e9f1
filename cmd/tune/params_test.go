package main

import (
	"math"
	"testing"

	"github.com/pthm-cable/lowspread/config"
)

func TestNormalizeRoundTrip(t *testing.T) {
	pv := NewParamVector()
	def := pv.DefaultVector()
	back := pv.Denormalize(pv.Normalize(def))
	for i := range def {
		if math.Abs(back[i]-def[i]) > 1e-12 {
			t.Errorf("%s: %v -> %v", pv.Specs[i].Name, def[i], back[i])
		}
	}
}

func TestDefaultsWithinBounds(t *testing.T) {
	pv := NewParamVector()
	for _, spec := range pv.Specs {
		if spec.Default < spec.Min || spec.Default > spec.Max {
			t.Errorf("%s default %v outside [%v, %v]", spec.Name, spec.Default, spec.Min, spec.Max)
		}
	}
}

func TestApplyExtractConfig(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	pv := NewParamVector()
	want := []float64{0.01, 0.2, 0.1, 0.5}
	pv.ApplyToConfig(cfg, want)
	got := pv.ExtractFromConfig(cfg)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%s = %v, want %v", pv.Specs[i].Name, got[i], want[i])
		}
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("applied config invalid: %v", err)
	}
}

func TestApplyClamps(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	pv := NewParamVector()
	pv.ApplyToConfig(cfg, []float64{-1, 10, -1, 2})
	if cfg.Emitter.IsoSigma != 0 || cfg.Emitter.LineSigma != 0.5 {
		t.Errorf("sigmas not clamped: %+v", cfg.Emitter)
	}
	if cfg.Emitter.MutationSigma != 0.001 || cfg.Emitter.VariationPercentage != 1 {
		t.Errorf("not clamped: %+v", cfg.Emitter)
	}
}
