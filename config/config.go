// Package config provides configuration loading and access for ME-LS runs.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config holds all run configuration parameters.
type Config struct {
	Seed      uint64          `yaml:"seed"`
	Env       EnvConfig       `yaml:"env"`
	Policy    PolicyConfig    `yaml:"policy"`
	CVT       CVTConfig       `yaml:"cvt"`
	Algorithm AlgorithmConfig `yaml:"algorithm"`
	Emitter   EmitterConfig   `yaml:"emitter"`
	Rollout   RolloutConfig   `yaml:"rollout"`
	Output    OutputConfig    `yaml:"output"`
	Storage   StorageConfig   `yaml:"storage"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// EnvConfig selects and parameterizes the simulated task.
type EnvConfig struct {
	Name          string  `yaml:"name"`           // omni | arm
	EpisodeLength int     `yaml:"episode_length"` // max steps per rollout
	ActionNoise   float64 `yaml:"action_noise"`   // std of actuator noise
	ResetNoise    float64 `yaml:"reset_noise"`    // std of initial state jitter
	NumJoints     int     `yaml:"num_joints"`     // arm only
	Descriptor    string  `yaml:"descriptor"`     // final | mean
}

// PolicyConfig defines the controller network.
type PolicyConfig struct {
	HiddenLayers []int `yaml:"hidden_layers"`
}

// CVTConfig holds centroid generation parameters.
type CVTConfig struct {
	NumCentroids int    `yaml:"num_centroids"`
	NumSamples   int    `yaml:"num_init_samples"`
	Iterations   int    `yaml:"iterations"`
	Kind         string `yaml:"kind"`      // cvt | grid
	GridSize     int    `yaml:"grid_size"` // cells per dimension when kind=grid
}

// AlgorithmConfig holds ME-LS loop parameters.
type AlgorithmConfig struct {
	BatchSize     int     `yaml:"batch_size"`
	NumSamples    int     `yaml:"num_samples"`
	NumIterations int     `yaml:"num_iterations"`
	LogPeriod     int     `yaml:"log_period"`
	QDOffset      float64 `yaml:"qd_offset"`
	Spread        string  `yaml:"spread"` // max_pairwise | variance
}

// EmitterConfig holds variation operator parameters.
type EmitterConfig struct {
	IsoSigma            float64 `yaml:"iso_sigma"`
	LineSigma           float64 `yaml:"line_sigma"`
	VariationPercentage float64 `yaml:"variation_percentage"`
	MutationSigma       float64 `yaml:"mutation_sigma"`
	MinParam            float64 `yaml:"min_param"`
	MaxParam            float64 `yaml:"max_param"` // clipping disabled when min == max
}

// RolloutConfig holds rollout execution parameters.
type RolloutConfig struct {
	Workers int `yaml:"workers"` // 0 = GOMAXPROCS
}

// OutputConfig holds output file settings.
type OutputConfig struct {
	Dir           string `yaml:"dir"`
	RepertoireDir string `yaml:"repertoire_dir"` // relative to Dir
	Plot          bool   `yaml:"plot"`
	TopElites     int    `yaml:"top_elites"`
}

// StorageConfig selects the checkpoint backend.
type StorageConfig struct {
	Backend    string `yaml:"backend"` // dir | sqlite
	SQLitePath string `yaml:"sqlite_path"`
}

// DerivedConfig holds values computed from other config values.
type DerivedConfig struct {
	NumLoops     int // num_iterations / log_period
	EvalsPerIter int // batch_size * num_samples
	UseClipping  bool
}

// global holds the loaded configuration.
var global *Config

// Init loads configuration from the given path, or uses embedded defaults if path is empty.
// Must be called before Cfg().
func Init(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	global = cfg
	return nil
}

// MustInit is like Init but panics on error.
func MustInit(path string) {
	if err := Init(path); err != nil {
		panic(fmt.Sprintf("config: failed to initialize: %v", err))
	}
}

// Cfg returns the global configuration. Panics if Init was not called.
func Cfg() *Config {
	if global == nil {
		panic("config: Cfg() called before Init()")
	}
	return global
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	// Start with embedded defaults
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	// Load user config if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.ComputeDerived()

	return cfg, nil
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

// Validate reports configuration errors. They are fatal at setup.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	check(c.Env.Name == "omni" || c.Env.Name == "arm", "env.name %q (want omni or arm)", c.Env.Name)
	check(c.Env.EpisodeLength > 0, "env.episode_length must be positive, got %d", c.Env.EpisodeLength)
	check(c.Env.ActionNoise >= 0, "env.action_noise must be non-negative")
	check(c.Env.ResetNoise >= 0, "env.reset_noise must be non-negative")
	check(c.Env.Name != "arm" || c.Env.NumJoints > 0, "env.num_joints must be positive for arm")
	check(c.Env.Descriptor == "final" || c.Env.Descriptor == "mean", "env.descriptor %q (want final or mean)", c.Env.Descriptor)

	for _, h := range c.Policy.HiddenLayers {
		check(h > 0, "policy.hidden_layers entries must be positive, got %d", h)
	}

	switch c.CVT.Kind {
	case "cvt":
		check(c.CVT.NumCentroids > 0, "cvt.num_centroids must be positive, got %d", c.CVT.NumCentroids)
		check(c.CVT.NumSamples >= c.CVT.NumCentroids, "cvt.num_init_samples (%d) must be >= num_centroids (%d)", c.CVT.NumSamples, c.CVT.NumCentroids)
		check(c.CVT.Iterations > 0, "cvt.iterations must be positive")
	case "grid":
		check(c.CVT.GridSize > 0, "cvt.grid_size must be positive, got %d", c.CVT.GridSize)
	default:
		check(false, "cvt.kind %q (want cvt or grid)", c.CVT.Kind)
	}

	check(c.Algorithm.BatchSize > 0, "algorithm.batch_size must be positive, got %d", c.Algorithm.BatchSize)
	check(c.Algorithm.NumSamples > 0, "algorithm.num_samples must be positive, got %d", c.Algorithm.NumSamples)
	check(c.Algorithm.NumIterations > 0, "algorithm.num_iterations must be positive")
	check(c.Algorithm.LogPeriod > 0, "algorithm.log_period must be positive")
	check(c.Algorithm.Spread == "max_pairwise" || c.Algorithm.Spread == "variance", "algorithm.spread %q (want max_pairwise or variance)", c.Algorithm.Spread)

	check(c.Emitter.IsoSigma >= 0 && c.Emitter.LineSigma >= 0 && c.Emitter.MutationSigma >= 0, "emitter sigmas must be non-negative")
	check(c.Emitter.VariationPercentage >= 0 && c.Emitter.VariationPercentage <= 1, "emitter.variation_percentage must be in [0,1]")
	check(c.Emitter.MinParam <= c.Emitter.MaxParam, "emitter.min_param must be <= max_param")

	check(c.Rollout.Workers >= 0, "rollout.workers must be non-negative")
	check(c.Storage.Backend == "dir" || c.Storage.Backend == "sqlite", "storage.backend %q (want dir or sqlite)", c.Storage.Backend)

	return errors.Join(errs...)
}

// ComputeDerived calculates values derived from loaded config.
func (c *Config) ComputeDerived() {
	c.Derived.NumLoops = c.Algorithm.NumIterations / c.Algorithm.LogPeriod
	if c.Algorithm.NumIterations%c.Algorithm.LogPeriod != 0 {
		c.Derived.NumLoops++
	}
	c.Derived.EvalsPerIter = c.Algorithm.BatchSize * c.Algorithm.NumSamples
	c.Derived.UseClipping = c.Emitter.MinParam < c.Emitter.MaxParam
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Policy.HiddenLayers = append([]int(nil), c.Policy.HiddenLayers...)
	return &out
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
