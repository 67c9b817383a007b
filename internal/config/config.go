// Package config groups the YAML-loadable configuration structs the CLI
// reads at startup, one struct per concern, each with a colocated
// validator.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TopologyConfig groups the 3-D parallelism grid dimensions.
type TopologyConfig struct {
	Data     int `yaml:"data"`     // data-parallel degree
	Tensor   int `yaml:"tensor"`   // tensor-parallel degree
	Pipeline int `yaml:"pipeline"` // pipeline-parallel degree (number of stages)
}

// Validate rejects non-positive dimensions before anything is built on
// top of the grid.
func (c TopologyConfig) Validate() error {
	if c.Data <= 0 || c.Tensor <= 0 || c.Pipeline <= 0 {
		return fmt.Errorf("config: topology dimensions must be positive, got data=%d tensor=%d pipeline=%d", c.Data, c.Tensor, c.Pipeline)
	}
	return nil
}

// ScheduleConfig groups micro-batch scheduling parameters.
type ScheduleConfig struct {
	NumMicroBatches int    `yaml:"num_micro_batches"` // defaults to 2*Pipeline when zero
	Kind            string `yaml:"kind"`              // "inference", "train", or "generate"
}

func (c ScheduleConfig) Validate() error {
	switch c.Kind {
	case "inference", "train", "generate":
	default:
		return fmt.Errorf("config: unknown schedule kind %q", c.Kind)
	}
	if c.NumMicroBatches < 0 {
		return fmt.Errorf("config: num_micro_batches must be non-negative, got %d", c.NumMicroBatches)
	}
	return nil
}

// BackendConfig groups the precision and sharding options the training
// backend branches on.
type BackendConfig struct {
	BF16             bool `yaml:"bf16"`
	ZeroStage        int  `yaml:"zero_stage"`
	SequenceParallel bool `yaml:"sequence_parallel"`
}

// ValidateWith rejects the option combinations that are fatal at
// initialization: ZeRO gradient/parameter sharding under pipeline
// parallelism, and sequence parallelism without tensor parallelism.
func (c BackendConfig) ValidateWith(t TopologyConfig) error {
	if c.ZeroStage < 0 || c.ZeroStage > 3 {
		return fmt.Errorf("config: zero_stage must be in [0, 3], got %d", c.ZeroStage)
	}
	if c.ZeroStage >= 2 && t.Pipeline > 1 {
		return fmt.Errorf("config: zero_stage %d cannot be combined with pipeline parallelism (pipeline=%d)", c.ZeroStage, t.Pipeline)
	}
	if c.SequenceParallel && t.Tensor <= 1 {
		return fmt.Errorf("config: sequence_parallel requires tensor parallelism (tensor=%d)", t.Tensor)
	}
	return nil
}

// GenerationConfig is the YAML-facing mirror of engine.GenerationConfig.
type GenerationConfig struct {
	MinNewTokens int     `yaml:"min_new_tokens"`
	MaxNewTokens int     `yaml:"max_new_tokens"`
	Temperature  float64 `yaml:"temperature"`
	Greedy       bool    `yaml:"greedy"`
	TopP         float64 `yaml:"top_p"`
	TopK         int     `yaml:"top_k"`
	NumSamples   int     `yaml:"num_samples"`
}

// Env holds the environment variables consumed once at process start:
// package path, remote-vs-local mode, trace flag, recover flag,
// save-recover flag.
type Env struct {
	PackagePath  string
	RemoteMode   bool
	Trace        bool
	Recover      bool
	SaveRecover  bool
}

// LoadEnv reads the environment variables once at process start.
func LoadEnv() Env {
	return Env{
		PackagePath: os.Getenv("PIPEFLOW_PACKAGE_PATH"),
		RemoteMode:  os.Getenv("PIPEFLOW_REMOTE") == "1",
		Trace:       os.Getenv("PIPEFLOW_TRACE") == "1",
		Recover:     os.Getenv("PIPEFLOW_RECOVER") == "1",
		SaveRecover: os.Getenv("PIPEFLOW_SAVE_RECOVER") == "1",
	}
}

// RunConfig is the full YAML document the `run`/`serve` CLI commands load.
type RunConfig struct {
	Topology   TopologyConfig   `yaml:"topology"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Backend    BackendConfig    `yaml:"backend"`
	Generation GenerationConfig `yaml:"generation"`
}

func (c RunConfig) Validate() error {
	if err := c.Topology.Validate(); err != nil {
		return err
	}
	if err := c.Schedule.Validate(); err != nil {
		return err
	}
	return c.Backend.ValidateWith(c.Topology)
}

// Load reads and validates a RunConfig from a YAML file.
func Load(path string) (RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg RunConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Schedule.NumMicroBatches == 0 {
		cfg.Schedule.NumMicroBatches = 2 * cfg.Topology.Pipeline
	}
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}
