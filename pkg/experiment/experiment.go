// Package experiment orchestrates the Monte Carlo pricing game: it runs many
// independent replicates of many strictly sequential periods and records the
// price and profit trajectories plus each learner's terminal state.
package experiment

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jan-svitak/algocollusion/pkg/config"
	"github.com/jan-svitak/algocollusion/pkg/learner"
	"github.com/jan-svitak/algocollusion/pkg/market"
)

// Failure records a replicate that aborted. Other replicates continue.
type Failure struct {
	Replicate int
	Period    int
	Err       error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("replicate %d failed at period %d: %v", f.Replicate, f.Period, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Result holds everything the engine produces for downstream analysis.
// Serialization is the caller's responsibility.
type Result struct {
	RunID  string
	Config config.Experiment

	// Prices and Profits are indexed [agent][replicate][period]. A failed
	// replicate's row is truncated at the failing period.
	Prices  [][][]float64
	Profits [][][]float64

	// Snapshots is indexed [replicate][agent]; nil for failed replicates.
	Snapshots [][]learner.Snapshot

	Failures []Failure
}

// Agent pairs an identifier with the learner it owns. The learner lives for
// exactly one replicate.
type Agent struct {
	ID      string
	Learner learner.Learner
}

// Runner executes one configured experiment.
type Runner struct {
	cfg  config.Experiment
	grid market.Grid
}

// NewRunner validates the configuration and returns a runner for it.
func NewRunner(cfg config.Experiment) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{cfg: cfg, grid: market.Grid(cfg.Grid).Clone()}, nil
}

// newLearner constructs the configured learner variant for one agent of one
// replicate, owning its own random stream.
func (r *Runner) newLearner(rng *rand.Rand) learner.Learner {
	rivals := r.cfg.Agents - 1
	switch r.cfg.Algorithm {
	case config.AlgorithmLinear:
		return learner.NewLinear(learner.LinearConfig{
			Grid:        r.grid,
			Rivals:      rivals,
			InitPeriods: r.cfg.Hyper.InitPeriods,
			RefitEvery:  r.cfg.Hyper.RefitEvery,
			Minibatch:   r.cfg.Hyper.MinibatchSize,
			Decay:       r.cfg.Hyper.Decay,
		}, rng)
	case config.AlgorithmNeural:
		return learner.NewNeural(learner.NeuralConfig{
			Grid:        r.grid,
			Rivals:      rivals,
			InitPeriods: r.cfg.Hyper.InitPeriods,
			Minibatch:   r.cfg.Hyper.MinibatchSize,
			Rate:        r.cfg.Hyper.NeuralRate,
			InitIters:   r.cfg.Hyper.NeuralInitIters,
			Decay:       r.cfg.Hyper.Decay,
		}, rng)
	case config.AlgorithmQ, config.AlgorithmReducedQ:
		return learner.NewQLearning(learner.QConfig{
			Grid:         r.grid,
			Rivals:       rivals,
			Demand:       market.Params{Alpha: r.cfg.Alpha, Beta: r.cfg.Beta},
			LearningRate: r.cfg.Hyper.LearningRate,
			Discount:     r.cfg.Hyper.Discount,
			Decay:        r.cfg.Hyper.Decay,
		}, rng)
	default:
		return learner.NewUCB(len(r.grid), rng)
	}
}

// agentSeed derives the seed for one agent of one replicate. It is a pure
// function of the indices, so results do not depend on execution order.
func (r *Runner) agentSeed(replicate, agent int) int64 {
	return r.cfg.Seed + int64(replicate)*1000003 + int64(agent)*7919
}

// Run executes all replicates, possibly concurrently, and merges the results
// by replicate index. A numerical failure aborts only its own replicate.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	res := &Result{
		RunID:     uuid.New().String(),
		Config:    r.cfg,
		Prices:    make([][][]float64, r.cfg.Agents),
		Profits:   make([][][]float64, r.cfg.Agents),
		Snapshots: make([][]learner.Snapshot, r.cfg.Replicates),
	}
	for a := 0; a < r.cfg.Agents; a++ {
		res.Prices[a] = make([][]float64, r.cfg.Replicates)
		res.Profits[a] = make([][]float64, r.cfg.Replicates)
	}

	workers := r.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers > r.cfg.Replicates {
		workers = r.cfg.Replicates
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	var mu sync.Mutex // guards res.Failures
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rep := range jobs {
				prices, profits, snaps, fail := r.runReplicate(ctx, rep)
				for a := 0; a < r.cfg.Agents; a++ {
					res.Prices[a][rep] = prices[a]
					res.Profits[a][rep] = profits[a]
				}
				res.Snapshots[rep] = snaps
				if fail != nil {
					mu.Lock()
					res.Failures = append(res.Failures, *fail)
					mu.Unlock()
				}
			}
		}()
	}
	for rep := 0; rep < r.cfg.Replicates; rep++ {
		jobs <- rep
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(res.Failures, func(i, j int) bool {
		return res.Failures[i].Replicate < res.Failures[j].Replicate
	})
	return res, nil
}

// runReplicate plays one full N-period game. Within a period all agents
// select from state frozen at the end of the previous period before any of
// them observes the outcome: simultaneous-move semantics.
func (r *Runner) runReplicate(ctx context.Context, rep int) (prices, profits [][]float64, snaps []learner.Snapshot, fail *Failure) {
	agents := r.cfg.Agents
	players := make([]Agent, agents)
	for a := range players {
		players[a] = Agent{
			ID:      fmt.Sprintf("agent-%d-%d", rep, a),
			Learner: r.newLearner(rand.New(rand.NewSource(r.agentSeed(rep, a)))),
		}
	}

	prices = make([][]float64, agents)
	profits = make([][]float64, agents)
	for a := range prices {
		prices[a] = make([]float64, 0, r.cfg.Periods)
		profits[a] = make([]float64, 0, r.cfg.Periods)
	}

	arms := make([]int, agents)
	periodProfits := make([]float64, agents)
	for t := 0; t < r.cfg.Periods; t++ {
		select {
		case <-ctx.Done():
			return prices, profits, nil, &Failure{Replicate: rep, Period: t, Err: ctx.Err()}
		default:
		}

		for a, p := range players {
			arm, err := p.Learner.SelectArm(t)
			if err != nil {
				return prices, profits, nil, &Failure{Replicate: rep, Period: t, Err: err}
			}
			arms[a] = arm
		}
		for a := range players {
			periodProfits[a] = market.Reward(r.grid[arms[a]], r.rivalPrices(arms, a), r.cfg.Alpha, r.cfg.Beta)
		}
		for a, p := range players {
			if err := p.Learner.Observe(t, arms[a], rivalArms(arms, a), periodProfits[a]); err != nil {
				return prices, profits, nil, &Failure{Replicate: rep, Period: t, Err: err}
			}
		}
		for a := 0; a < agents; a++ {
			prices[a] = append(prices[a], r.grid[arms[a]])
			profits[a] = append(profits[a], periodProfits[a])
		}
	}

	snaps = make([]learner.Snapshot, agents)
	for a, p := range players {
		snaps[a] = p.Learner.Snapshot()
	}
	return prices, profits, snaps, nil
}

// rivalPrices returns the prices charged by everyone except agent a, in
// increasing agent order.
func (r *Runner) rivalPrices(arms []int, a int) []float64 {
	out := make([]float64, 0, len(arms)-1)
	for i, arm := range arms {
		if i != a {
			out = append(out, r.grid[arm])
		}
	}
	return out
}

// rivalArms returns the arms played by everyone except agent a, in
// increasing agent order.
func rivalArms(arms []int, a int) []int {
	out := make([]int, 0, len(arms)-1)
	for i, arm := range arms {
		if i != a {
			out = append(out, arm)
		}
	}
	return out
}
