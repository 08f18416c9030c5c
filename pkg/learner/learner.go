// Package learner implements the self-learning pricing algorithms: the
// UCB1-Tuned index bandit, the linear-regression and neural-network
// contextual bandits, and tabular Q-learning. A learner lives for exactly
// one replicate: it is constructed at replicate start with its own random
// stream and discarded at replicate end.
package learner

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	deep "github.com/patrikeh/go-deep"
)

// Learner is the estimate-and-update contract shared by all algorithms.
// Within a period the runner first calls SelectArm for every agent, then
// Observe for every agent, so selections only ever see state frozen at the
// end of the previous period.
type Learner interface {
	// SelectArm returns the grid index of the price to charge in period t.
	SelectArm(t int) (int, error)
	// Observe feeds back the realized outcome of period t: the agent's own
	// arm, its rivals' arms, and the profit it earned.
	Observe(t int, own int, rivals []int, profit float64) error
	// Snapshot returns the terminal learned state for offline analysis.
	Snapshot() Snapshot
}

// ErrNotInitialized reports a selection or update that arrived before the
// learner's warm-up contract allows it. It is fatal for the replicate.
var ErrNotInitialized = errors.New("learner not initialized")

// NumericalError reports a degenerate fit: non-finite model parameters or a
// minibatch the estimator cannot use. It aborts the affected replicate and
// must never be masked by a default action.
type NumericalError struct {
	Period int
	Reason string
	Err    error
}

func (e *NumericalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("numerical failure at period %d: %s: %v", e.Period, e.Reason, e.Err)
	}
	return fmt.Sprintf("numerical failure at period %d: %s", e.Period, e.Reason)
}

func (e *NumericalError) Unwrap() error { return e.Err }

// Snapshot carries a learner's terminal state out of a replicate. Only the
// fields relevant to the algorithm are set.
type Snapshot struct {
	Algorithm string

	// UCB1-Tuned
	Pulls []int
	Means []float64

	// Linear bandit: intercept, own-price slope, one slope per rival.
	Coefficients []float64

	// Neural bandit
	Network *deep.Dump
	Payoffs [][]float64

	// Q-learning: one row per joint state, one column per arm.
	QTable [][]float64
}

// ExploreProb returns the probability of charging a uniformly random price
// in period t under decay constant k: exp(-k*t). It is 1 at t=0 and strictly
// decreasing in t for k > 0.
func ExploreProb(t int, k float64) float64 {
	return math.Exp(-k * float64(t))
}

// StateIndex flattens an agent's own previous arm and its rivals' previous
// arms into a single joint-state integer over a grid of arms prices.
func StateIndex(own int, rivals []int, arms int) int {
	s := own
	for _, r := range rivals {
		s = s*arms + r
	}
	return s
}

// argmaxRand returns the index of the largest value, breaking exact ties
// uniformly at random.
func argmaxRand(values []float64, rng *rand.Rand) int {
	best := math.Inf(-1)
	ties := make([]int, 0, 4)
	for i, v := range values {
		switch {
		case v > best:
			best = v
			ties = append(ties[:0], i)
		case v == best:
			ties = append(ties, i)
		}
	}
	if len(ties) == 1 {
		return ties[0]
	}
	return ties[rng.Intn(len(ties))]
}

// observation is one period's realized outcome as seen by a contextual
// learner.
type observation struct {
	period int
	own    int
	rivals []int
	profit float64
}

// history accumulates a replicate's observations in period order.
type history struct {
	obs []observation
}

func (h *history) add(o observation) {
	h.obs = append(h.obs, o)
}

func (h *history) len() int { return len(h.obs) }

// sample draws up to n observations uniformly (with replacement) from the
// suffix starting at index lo. If the suffix holds fewer than n observations
// it is returned whole.
func (h *history) sample(n, lo int, rng *rand.Rand) []observation {
	pool := h.obs[lo:]
	if len(pool) <= n {
		out := make([]observation, len(pool))
		copy(out, pool)
		return out
	}
	out := make([]observation, n)
	for i := range out {
		out[i] = pool[rng.Intn(len(pool))]
	}
	return out
}
