package impala

import (
	"fmt"
	"os"

	"github.com/samuelfneumann/goimpala/network"
	"github.com/samuelfneumann/goimpala/solver"
	"gopkg.in/yaml.v3"
)

// Config configures a Learner and the training run that drives it
type Config struct {
	// Truncated trajectory length T and number of trajectories B in
	// each training batch
	Steps int `yaml:"steps" json:"steps"`
	Batch int `yaml:"batch" json:"batch"`

	// Importance sampling ratio thresholds of V-trace
	ClipRho float64 `yaml:"clip_rho" json:"clip_rho"`
	ClipC   float64 `yaml:"clip_c" json:"clip_c"`

	EntropyCoef float64 `yaml:"entropy_coef" json:"entropy_coef"`

	// OutputDir is the root directory of checkpoints
	OutputDir string `yaml:"output_dir" json:"output_dir"`

	// CheckpointEvery is the number of training steps between
	// checkpoints, zero to disable periodic checkpointing
	CheckpointEvery int `yaml:"checkpoint_every" json:"checkpoint_every"`

	// Streamed transfers inputs asynchronously on a dedicated stream
	Streamed bool `yaml:"streamed" json:"streamed"`

	Seed     uint64 `yaml:"seed" json:"seed"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	Solver *solver.Solver            `yaml:"solver" json:"solver"`
	Model  network.ActorCriticConfig `yaml:"model" json:"model"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Steps:       20,
		Batch:       32,
		ClipRho:     1.0,
		ClipC:       1.0,
		EntropyCoef: 1e-3,
		OutputDir:   "output",
		LogLevel:    "info",
		Model: network.ActorCriticConfig{
			Hidden: []int{64},
		},
	}
}

// LoadConfig reads a YAML configuration file. Fields missing from the
// file keep their default values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("loadConfig: %v", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("loadConfig: could not parse %v: %v",
			path, err)
	}
	return config, nil
}

// Validate returns an error if the configuration of the learner is not
// valid. The model configuration is validated when the model is
// created.
func (c Config) Validate() error {
	if c.Steps <= 0 {
		return fmt.Errorf("validate: steps must be positive, got %v", c.Steps)
	}
	if c.Batch <= 0 {
		return fmt.Errorf("validate: batch must be positive, got %v", c.Batch)
	}
	if c.ClipRho <= 0 || c.ClipC <= 0 {
		return fmt.Errorf("validate: clipping thresholds must be positive, "+
			"got ρ̄=%v c̄=%v", c.ClipRho, c.ClipC)
	}
	if c.EntropyCoef < 0 {
		return fmt.Errorf("validate: entropy coefficient must be "+
			"non-negative, got %v", c.EntropyCoef)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("validate: output directory must be set")
	}
	if c.CheckpointEvery < 0 {
		return fmt.Errorf("validate: checkpoint interval must be "+
			"non-negative, got %v", c.CheckpointEvery)
	}
	return nil
}

// newSolver returns the configured solver, or RMSProp with the
// hyperparameters commonly used for IMPALA if none is configured
func (c Config) newSolver() (*solver.Solver, error) {
	if c.Solver != nil {
		return c.Solver, nil
	}
	return solver.NewDefaultRMSProp(0.01)
}
