package experiment

import (
	"context"
	"reflect"
	"testing"

	"github.com/jan-svitak/algocollusion/pkg/config"
)

func smallConfig(algorithm string) config.Experiment {
	cfg := config.Experiment{
		Name:       "test-" + algorithm,
		Algorithm:  algorithm,
		Grid:       []float64{0.3, 0.4, 0.5},
		Alpha:      5,
		Beta:       5,
		Agents:     2,
		Periods:    80,
		Replicates: 3,
		Seed:       11,
		Workers:    1,
	}
	switch algorithm {
	case config.AlgorithmLinear:
		cfg.Hyper = config.Hyperparameters{Decay: 5e-4, InitPeriods: 20, RefitEvery: 30, MinibatchSize: 30}
	case config.AlgorithmNeural:
		cfg.Hyper = config.Hyperparameters{Decay: 5e-4, InitPeriods: 15, MinibatchSize: 8, NeuralRate: 0.5, NeuralInitIters: 30}
	case config.AlgorithmQ, config.AlgorithmReducedQ:
		cfg.Hyper = config.Hyperparameters{Decay: 1e-3, LearningRate: 0.3, Discount: 0.95}
	}
	return cfg
}

func TestRunnerTrajectories(t *testing.T) {
	algorithms := []string{
		config.AlgorithmUCB,
		config.AlgorithmLinear,
		config.AlgorithmNeural,
		config.AlgorithmQ,
		config.AlgorithmReducedQ,
	}
	for _, algorithm := range algorithms {
		t.Run(algorithm, func(t *testing.T) {
			cfg := smallConfig(algorithm)
			runner, err := NewRunner(cfg)
			if err != nil {
				t.Fatalf("NewRunner failed: %v", err)
			}
			result, err := runner.Run(context.Background())
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if len(result.Failures) != 0 {
				t.Fatalf("unexpected failures: %v", result.Failures)
			}
			if result.RunID == "" {
				t.Error("result has no run ID")
			}

			grid := make(map[float64]bool)
			for _, p := range cfg.Grid {
				grid[p] = true
			}
			for a := 0; a < cfg.Agents; a++ {
				for rep := 0; rep < cfg.Replicates; rep++ {
					prices := result.Prices[a][rep]
					if len(prices) != cfg.Periods {
						t.Fatalf("agent %d replicate %d has %d periods, want %d", a, rep, len(prices), cfg.Periods)
					}
					for tt, p := range prices {
						if !grid[p] {
							t.Fatalf("agent %d replicate %d period %d charged %v, not on the grid", a, rep, tt, p)
						}
					}
					if len(result.Profits[a][rep]) != cfg.Periods {
						t.Fatalf("profit table is ragged for agent %d replicate %d", a, rep)
					}
				}
			}
			for rep, snaps := range result.Snapshots {
				if len(snaps) != cfg.Agents {
					t.Fatalf("replicate %d has %d snapshots, want %d", rep, len(snaps), cfg.Agents)
				}
			}
		})
	}
}

func TestRunnerThreeAgents(t *testing.T) {
	cfg := smallConfig(config.AlgorithmQ)
	cfg.Agents = 3
	runner, err := NewRunner(cfg)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Failures) != 0 {
		t.Fatalf("unexpected failures: %v", result.Failures)
	}
	arms := len(cfg.Grid)
	wantStates := arms * arms * arms
	for _, snaps := range result.Snapshots {
		for a, snap := range snaps {
			if len(snap.QTable) != wantStates {
				t.Fatalf("agent %d Q-table has %d states, want %d", a, len(snap.QTable), wantStates)
			}
		}
	}
}

// Replicate results must not depend on how many workers executed them, for
// every learner that carries state between periods.
func TestRunnerParallelMatchesSerial(t *testing.T) {
	algorithms := []string{
		config.AlgorithmQ,
		config.AlgorithmLinear,
		config.AlgorithmNeural,
	}
	for _, algorithm := range algorithms {
		t.Run(algorithm, func(t *testing.T) {
			cfg := smallConfig(algorithm)
			cfg.Periods = 300
			cfg.Replicates = 6

			run := func(workers int) *Result {
				c := cfg
				c.Workers = workers
				runner, err := NewRunner(c)
				if err != nil {
					t.Fatalf("NewRunner failed: %v", err)
				}
				result, err := runner.Run(context.Background())
				if err != nil {
					t.Fatalf("Run failed: %v", err)
				}
				if len(result.Failures) != 0 {
					t.Fatalf("unexpected failures: %v", result.Failures)
				}
				return result
			}

			serial := run(1)
			parallel := run(4)

			for a := 0; a < cfg.Agents; a++ {
				for rep := 0; rep < cfg.Replicates; rep++ {
					for tt := range serial.Prices[a][rep] {
						if serial.Prices[a][rep][tt] != parallel.Prices[a][rep][tt] {
							t.Fatalf("prices diverge at agent %d replicate %d period %d", a, rep, tt)
						}
						if serial.Profits[a][rep][tt] != parallel.Profits[a][rep][tt] {
							t.Fatalf("profits diverge at agent %d replicate %d period %d", a, rep, tt)
						}
					}
				}
			}
			for rep := range serial.Snapshots {
				for a := range serial.Snapshots[rep] {
					if !reflect.DeepEqual(serial.Snapshots[rep][a], parallel.Snapshots[rep][a]) {
						t.Fatalf("terminal snapshots diverge at replicate %d agent %d", rep, a)
					}
				}
			}
		})
	}
}

func TestRunnerCancellation(t *testing.T) {
	cfg := smallConfig(config.AlgorithmQ)
	cfg.Periods = 100000
	cfg.Replicates = 2

	runner, err := NewRunner(cfg)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := runner.Run(ctx); err == nil {
		t.Fatal("Run returned nil error on a cancelled context")
	}
}

// Statistical regression check against a stored seed: UCB1-Tuned self-play
// should settle above the one-shot equilibrium price of 0.4.
func TestUCBSelfPlayExceedsStaticPrice(t *testing.T) {
	if testing.Short() {
		t.Skip("10000-period self-play run")
	}
	cfg := config.Experiment{
		Name:       "scenario-ucb",
		Algorithm:  config.AlgorithmUCB,
		Grid:       []float64{0.3, 0.4, 0.5},
		Alpha:      5,
		Beta:       5,
		Agents:     2,
		Periods:    10000,
		Replicates: 1,
		Seed:       42,
		Workers:    1,
	}
	runner, err := NewRunner(cfg)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Failures) != 0 {
		t.Fatalf("unexpected failures: %v", result.Failures)
	}

	var mean float64
	for a := 0; a < cfg.Agents; a++ {
		mean += MeanTrailing(result.Prices[a][0], 1000)
	}
	mean /= float64(cfg.Agents)
	if mean <= 0.4 {
		t.Errorf("mean price over the final 1000 periods = %v, want > 0.4", mean)
	}
}
