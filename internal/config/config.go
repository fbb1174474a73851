package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/thermalsharp/config.json"
	defaultParallel   = 4

	// ConfigEnv names the environment variable that overrides the config path.
	ConfigEnv = "THERMALSHARP_CONFIG"
)

// Window failure policies.
const (
	PolicyAbort            = "abort"
	PolicySubstituteNoData = "substitute_nodata"
)

// Temperature aggregation modes.
const (
	AggregateMean     = "mean"
	AggregateRadiance = "radiance"
)

// Blend tapers.
const (
	TaperLinear = "linear"
	TaperCosine = "cosine"
)

// Config holds user-editable settings for the sharpening service.
type Config struct {
	Processing Processing `json:"processing"`
	Sharpening Sharpening `json:"sharpening"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Server     Server     `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	TempDir      string `json:"temp_dir"`
	QueueSize    int    `json:"queue_size"` // pending runs accepted by the pipeline
}

// Sharpening configures the thermal sharpening engine.
type Sharpening struct {
	MovingWindowSize     int     `json:"moving_window_size"` // coarse pixels per window side
	WindowFailurePolicy  string  `json:"window_failure_policy"`
	RegressionSeed       int64   `json:"regression_seed"`
	MinSamples           int     `json:"min_samples"`
	ValidMaskValues      []int   `json:"valid_mask_values"`
	HomogeneityThreshold float64 `json:"homogeneity_threshold"` // 0 disables
	TemperatureAggregate string  `json:"temperature_aggregation"`
	ResidualIterations   int     `json:"residual_iterations"`
	BlendTaper           string  `json:"blend_taper"`
	Forest               Forest  `json:"forest"`
}

// Forest configures the bagged regression tree ensemble.
type Forest struct {
	Trees              int     `json:"trees"`
	MaxDepth           int     `json:"max_depth"`
	MinSamplesLeaf     int     `json:"min_samples_leaf"`
	SampleFraction     float64 `json:"sample_fraction"`
	FeatureFraction    float64 `json:"feature_fraction"`
	LeafLinear         bool    `json:"leaf_linear"`
	ExtrapolationRatio float64 `json:"extrapolation_ratio"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
	WatchDir      string `json:"watch_dir"`
}

// Server configures the HTTP and gRPC listeners.
type Server struct {
	Addr     string `json:"addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnv)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads configuration from path. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
			QueueSize:    8,
		},
		Sharpening: DefaultSharpening(),
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "thermalsharp.db"),
		},
		Server: Server{
			Addr:     ":8080",
			GRPCAddr: ":9090",
		},
	}
}

// DefaultSharpening returns the engine defaults used by the original
// processing chain (30 coarse pixel windows, 30 bagged trees).
func DefaultSharpening() Sharpening {
	return Sharpening{
		MovingWindowSize:     30,
		WindowFailurePolicy:  PolicySubstituteNoData,
		RegressionSeed:       42,
		MinSamples:           5,
		ValidMaskValues:      []int{1},
		TemperatureAggregate: AggregateMean,
		ResidualIterations:   3,
		BlendTaper:           TaperLinear,
		Forest: Forest{
			Trees:              30,
			MaxDepth:           8,
			MinSamplesLeaf:     3,
			SampleFraction:     0.8,
			FeatureFraction:    0.8,
			LeafLinear:         true,
			ExtrapolationRatio: 0.25,
		},
	}
}

// Validate checks the settings that a sharpening run depends on.
func (c *Config) Validate() error {
	if c.Processing.ParallelJobs < 1 {
		return fmt.Errorf("processing.parallel_jobs must be >= 1, got %d", c.Processing.ParallelJobs)
	}
	return c.Sharpening.Validate()
}

// Validate checks engine settings.
func (s Sharpening) Validate() error {
	if s.MovingWindowSize < 1 {
		return fmt.Errorf("sharpening.moving_window_size must be >= 1, got %d", s.MovingWindowSize)
	}
	switch s.WindowFailurePolicy {
	case PolicyAbort, PolicySubstituteNoData:
	default:
		return fmt.Errorf("sharpening.window_failure_policy must be %q or %q, got %q", PolicyAbort, PolicySubstituteNoData, s.WindowFailurePolicy)
	}
	switch s.TemperatureAggregate {
	case AggregateMean, AggregateRadiance:
	default:
		return fmt.Errorf("sharpening.temperature_aggregation must be %q or %q, got %q", AggregateMean, AggregateRadiance, s.TemperatureAggregate)
	}
	switch s.BlendTaper {
	case TaperLinear, TaperCosine:
	default:
		return fmt.Errorf("sharpening.blend_taper must be %q or %q, got %q", TaperLinear, TaperCosine, s.BlendTaper)
	}
	if s.MinSamples < 1 {
		return fmt.Errorf("sharpening.min_samples must be >= 1, got %d", s.MinSamples)
	}
	if s.ResidualIterations < 0 {
		return fmt.Errorf("sharpening.residual_iterations must be >= 0, got %d", s.ResidualIterations)
	}
	if s.HomogeneityThreshold < 0 {
		return fmt.Errorf("sharpening.homogeneity_threshold must be >= 0, got %g", s.HomogeneityThreshold)
	}
	f := s.Forest
	if f.Trees < 1 {
		return fmt.Errorf("sharpening.forest.trees must be >= 1, got %d", f.Trees)
	}
	if f.SampleFraction <= 0 || f.SampleFraction > 1 {
		return fmt.Errorf("sharpening.forest.sample_fraction must be in (0, 1], got %g", f.SampleFraction)
	}
	if f.FeatureFraction <= 0 || f.FeatureFraction > 1 {
		return fmt.Errorf("sharpening.forest.feature_fraction must be in (0, 1], got %g", f.FeatureFraction)
	}
	if f.MinSamplesLeaf < 1 {
		return fmt.Errorf("sharpening.forest.min_samples_leaf must be >= 1, got %d", f.MinSamplesLeaf)
	}
	if f.ExtrapolationRatio < 0 {
		return fmt.Errorf("sharpening.forest.extrapolation_ratio must be >= 0, got %g", f.ExtrapolationRatio)
	}
	return nil
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
