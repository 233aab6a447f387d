package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "SEGFORGE_"

// DefaultConfigFile is looked up in the working directory when no file is given.
const DefaultConfigFile = "segforge.yaml"

// Config captures the runtime knobs for a training run.
type Config struct {
	DataRoot      string   `koanf:"data_root" yaml:"data_root"`
	Epochs        int      `koanf:"epochs" yaml:"epochs"`
	BufferSize    int      `koanf:"buffer_size" yaml:"buffer_size"`
	BatchSize     int      `koanf:"batch_size" yaml:"batch_size"`
	Seed          int64    `koanf:"seed" yaml:"seed"`
	Deterministic bool     `koanf:"deterministic" yaml:"deterministic"`
	ImageHeight   int      `koanf:"image_height" yaml:"image_height"`
	ImageWidth    int      `koanf:"image_width" yaml:"image_width"`
	NumChannels   int      `koanf:"num_channels" yaml:"num_channels"`
	NumClasses    int      `koanf:"num_classes" yaml:"num_classes"`
	Filters       int      `koanf:"filters" yaml:"filters"`
	Depth         int      `koanf:"depth" yaml:"depth"`
	Dropout       float64  `koanf:"dropout" yaml:"dropout"`
	Optimizer     string   `koanf:"optimizer" yaml:"optimizer"`
	LearningRate  float64  `koanf:"learning_rate" yaml:"learning_rate"`
	Loss          string   `koanf:"loss" yaml:"loss"`
	Metrics       []string `koanf:"metrics" yaml:"metrics"`
	NumWorkers    int      `koanf:"num_workers" yaml:"num_workers"`
	LogEvery      int      `koanf:"log_every" yaml:"log_every"`
	StatePath     string   `koanf:"state_path" yaml:"state_path"`
	CheckpointDir string   `koanf:"checkpoint_dir" yaml:"checkpoint_dir"`
	LogFormat     string   `koanf:"log_format" yaml:"log_format"`
	Verbose       bool     `koanf:"verbose" yaml:"verbose"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	DataRoot   string
	Epochs     int
	BatchSize  int
	NumWorkers int
	Seed       int64
	LogEvery   int
}

// Defaults returns the baseline values, before any file, env or flag.
func Defaults() map[string]any {
	return map[string]any{
		"epochs":        15,
		"buffer_size":   500,
		"batch_size":    32,
		"seed":          1,
		"deterministic": true,
		"image_height":  96,
		"image_width":   128,
		"num_channels":  3,
		"num_classes":   23,
		"filters":       32,
		"depth":         4,
		"dropout":       0.3,
		"optimizer":     "adam",
		"learning_rate": 0.001,
		"loss":          "sparse_categorical_crossentropy_logits",
		"metrics":       []string{"accuracy"},
		"num_workers":   runtime.NumCPU(),
		"log_every":     10,
		"state_path":    ".segforge/state.db",
		"log_format":    "text",
		"verbose":       false,
	}
}

// flagKeys maps flag names that differ from their config key.
var flagKeys = map[string]string{
	"data":       "data_root",
	"state":      "state_path",
	"checkpoint": "checkpoint_dir",
}

// Load merges defaults, the YAML file at path, SEGFORGE_* environment
// variables and explicitly set flags, in increasing precedence. An empty path
// falls back to DefaultConfigFile when present. The result is validated.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !f.Changed {
				return "", nil
			}
			key := strings.ReplaceAll(f.Name, "-", "_")
			if mapped, ok := flagKeys[f.Name]; ok {
				key = mapped
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataRoot != "" {
		c.DataRoot = o.DataRoot
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be > 0 (got %d)", c.BufferSize)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.NumChannels != 1 && c.NumChannels != 3 {
		return fmt.Errorf("num_channels must be 1 or 3 (got %d)", c.NumChannels)
	}
	if c.NumClasses <= 0 {
		return fmt.Errorf("num_classes must be > 0 (got %d)", c.NumClasses)
	}
	if c.Filters <= 0 {
		return fmt.Errorf("filters must be > 0 (got %d)", c.Filters)
	}
	if c.Depth < 1 {
		return fmt.Errorf("depth must be >= 1 (got %d)", c.Depth)
	}
	if c.ImageHeight <= 0 || c.ImageWidth <= 0 {
		return fmt.Errorf("image size must be > 0 (got %dx%d)", c.ImageHeight, c.ImageWidth)
	}
	if f := 1 << c.Depth; c.ImageHeight%f != 0 || c.ImageWidth%f != 0 {
		return fmt.Errorf("image_height and image_width must be divisible by %d for depth %d (got %dx%d)",
			f, c.Depth, c.ImageHeight, c.ImageWidth)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0, 1) (got %g)", c.Dropout)
	}
	switch strings.ToLower(c.Optimizer) {
	case "adam", "sgd":
	default:
		return fmt.Errorf("unknown optimizer %q", c.Optimizer)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("num_workers must be > 0 (got %d)", c.NumWorkers)
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 10
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json (got %q)", c.LogFormat)
	}
	return nil
}

// RequireData reports an error when no dataset root is configured.
func (c *Config) RequireData() error {
	if c.DataRoot == "" {
		return errors.New("data_root must be set (flag --data, env SEGFORGE_DATA_ROOT or config file)")
	}
	return nil
}

// InputShape is the (height, width, channels) the model consumes.
func (c *Config) InputShape() [3]int {
	return [3]int{c.ImageHeight, c.ImageWidth, c.NumChannels}
}
