// Package config defines experiment configuration, YAML loading, validation,
// and the per-algorithm presets used by the CLI.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jan-svitak/algocollusion/pkg/market"
)

// Algorithm names accepted in configuration.
const (
	AlgorithmUCB      = "ucb"
	AlgorithmLinear   = "linear"
	AlgorithmNeural   = "neural"
	AlgorithmQ        = "q"
	AlgorithmReducedQ = "q-reduced" // coarser grid, faster decay, same update rule
)

// Hyperparameters collects the per-algorithm tuning knobs. Fields not used
// by the configured algorithm are ignored.
type Hyperparameters struct {
	Decay           float64 `yaml:"decay"`             // exploration decay constant k
	LearningRate    float64 `yaml:"learning_rate"`     // Q-learning step size
	Discount        float64 `yaml:"discount"`          // Q-learning discount factor
	InitPeriods     int     `yaml:"init_periods"`      // contextual bandits' random window
	RefitEvery      int     `yaml:"refit_every"`       // linear bandit refit cadence
	MinibatchSize   int     `yaml:"minibatch_size"`    // refit / gradient-step sample size
	NeuralRate      float64 `yaml:"neural_rate"`       // base SGD rate, scaled by 1/batch
	NeuralInitIters int     `yaml:"neural_init_iters"` // initial full-batch fit iterations
}

// Experiment is the full configuration of one Monte Carlo experiment.
type Experiment struct {
	Name       string          `yaml:"name"`
	Algorithm  string          `yaml:"algorithm"`
	Grid       []float64       `yaml:"grid"`
	Alpha      float64         `yaml:"alpha"`
	Beta       float64         `yaml:"beta"`
	Agents     int             `yaml:"agents"`
	Periods    int             `yaml:"periods"`
	Replicates int             `yaml:"replicates"`
	Seed       int64           `yaml:"seed"`
	Workers    int             `yaml:"workers"` // 0 means one per CPU
	Hyper      Hyperparameters `yaml:"hyper"`
}

// ConfigError reports an invalid configuration field. It is fatal and raised
// before any simulation executes.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Load reads and validates an experiment configuration from a YAML file.
func Load(path string) (*Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Experiment
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func contextual(algorithm string) bool {
	return algorithm == AlgorithmLinear || algorithm == AlgorithmNeural
}

// Validate checks the configuration against the engine's invariants.
func (c *Experiment) Validate() error {
	switch c.Algorithm {
	case AlgorithmUCB, AlgorithmLinear, AlgorithmNeural, AlgorithmQ, AlgorithmReducedQ:
	default:
		return &ConfigError{"algorithm", fmt.Sprintf("unknown algorithm %q", c.Algorithm)}
	}
	if err := market.Grid(c.Grid).Validate(); err != nil {
		return &ConfigError{"grid", err.Error()}
	}
	if c.Agents != 2 && c.Agents != 3 {
		return &ConfigError{"agents", fmt.Sprintf("agent count must be 2 or 3, got %d", c.Agents)}
	}
	if c.Periods <= 0 {
		return &ConfigError{"periods", fmt.Sprintf("period count must be positive, got %d", c.Periods)}
	}
	if c.Replicates <= 0 {
		return &ConfigError{"replicates", fmt.Sprintf("replicate count must be positive, got %d", c.Replicates)}
	}
	if c.Workers < 0 {
		return &ConfigError{"workers", fmt.Sprintf("worker count must be non-negative, got %d", c.Workers)}
	}
	if c.Algorithm != AlgorithmUCB && c.Hyper.Decay <= 0 {
		return &ConfigError{"hyper.decay", fmt.Sprintf("decay constant must be positive, got %v", c.Hyper.Decay)}
	}
	if contextual(c.Algorithm) {
		if c.Hyper.InitPeriods <= 0 || c.Hyper.InitPeriods >= c.Periods {
			return &ConfigError{"hyper.init_periods", fmt.Sprintf("initialization window must be in (0, periods), got %d", c.Hyper.InitPeriods)}
		}
		if c.Hyper.MinibatchSize <= 0 {
			return &ConfigError{"hyper.minibatch_size", fmt.Sprintf("minibatch size must be positive, got %d", c.Hyper.MinibatchSize)}
		}
	}
	if c.Algorithm == AlgorithmLinear && c.Hyper.RefitEvery <= 0 {
		return &ConfigError{"hyper.refit_every", fmt.Sprintf("refit cadence must be positive, got %d", c.Hyper.RefitEvery)}
	}
	if c.Algorithm == AlgorithmNeural {
		if c.Hyper.NeuralRate <= 0 {
			return &ConfigError{"hyper.neural_rate", fmt.Sprintf("learning rate must be positive, got %v", c.Hyper.NeuralRate)}
		}
		if c.Hyper.NeuralInitIters <= 0 {
			return &ConfigError{"hyper.neural_init_iters", fmt.Sprintf("initial fit iterations must be positive, got %d", c.Hyper.NeuralInitIters)}
		}
	}
	if c.Algorithm == AlgorithmQ || c.Algorithm == AlgorithmReducedQ {
		if c.Hyper.LearningRate <= 0 || c.Hyper.LearningRate > 1 {
			return &ConfigError{"hyper.learning_rate", fmt.Sprintf("learning rate must be in (0,1], got %v", c.Hyper.LearningRate)}
		}
		if c.Hyper.Discount < 0 || c.Hyper.Discount >= 1 {
			return &ConfigError{"hyper.discount", fmt.Sprintf("discount factor must be in [0,1), got %v", c.Hyper.Discount)}
		}
	}
	return nil
}

// Default grids. The reduced grid is the coarse one the reduced-state
// Q-learning variant runs on.
var (
	FineGrid    = []float64{0.30, 0.35, 0.40, 0.45, 0.50}
	ReducedGrid = []float64{0.30, 0.40, 0.50}
)

func base(name, algorithm string, grid []float64) Experiment {
	return Experiment{
		Name:       name,
		Algorithm:  algorithm,
		Grid:       append([]float64(nil), grid...),
		Alpha:      5,
		Beta:       5,
		Agents:     2,
		Periods:    10000,
		Replicates: 100,
		Seed:       1,
	}
}

// UCBPreset configures the UCB1-Tuned bandit experiment.
func UCBPreset() Experiment {
	return base("ucb1-tuned", AlgorithmUCB, FineGrid)
}

// LinearPreset configures the linear-regression contextual bandit.
func LinearPreset() Experiment {
	cfg := base("linear-bandit", AlgorithmLinear, FineGrid)
	cfg.Hyper = Hyperparameters{
		Decay:         5e-4,
		InitPeriods:   500,
		RefitEvery:    500,
		MinibatchSize: 500,
	}
	return cfg
}

// NeuralPreset configures the neural-network contextual bandit.
func NeuralPreset() Experiment {
	cfg := base("neural-bandit", AlgorithmNeural, FineGrid)
	cfg.Hyper = Hyperparameters{
		Decay:           5e-4,
		InitPeriods:     500,
		MinibatchSize:   100,
		NeuralRate:      0.5,
		NeuralInitIters: 1000,
	}
	return cfg
}

// QPreset configures full-state Q-learning.
func QPreset() Experiment {
	cfg := base("q-learning", AlgorithmQ, FineGrid)
	cfg.Hyper = Hyperparameters{
		Decay:        2e-4,
		LearningRate: 0.3,
		Discount:     0.95,
	}
	return cfg
}

// ReducedQPreset configures the reduced-state Q-learning variant: same
// update rule, coarser grid, faster exploration decay.
func ReducedQPreset() Experiment {
	cfg := base("q-learning-reduced", AlgorithmReducedQ, ReducedGrid)
	cfg.Hyper = Hyperparameters{
		Decay:        1e-3,
		LearningRate: 0.3,
		Discount:     0.95,
	}
	return cfg
}

// Preset returns the named preset configuration.
func Preset(name string) (Experiment, error) {
	switch name {
	case AlgorithmUCB:
		return UCBPreset(), nil
	case AlgorithmLinear:
		return LinearPreset(), nil
	case AlgorithmNeural:
		return NeuralPreset(), nil
	case AlgorithmQ:
		return QPreset(), nil
	case AlgorithmReducedQ:
		return ReducedQPreset(), nil
	}
	return Experiment{}, &ConfigError{"preset", fmt.Sprintf("unknown preset %q", name)}
}
