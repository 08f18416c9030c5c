package learner

import (
	"fmt"
	"math"
	"math/rand"
)

// UCB implements the UCB1-Tuned index policy over the price grid. It keeps
// per-arm pull counts and reward moments for the agent's own prices only;
// rival prices enter solely through the realized reward. There is no
// exploration schedule: the confidence bonus does the exploring.
type UCB struct {
	rng    *rand.Rand
	pulls  []int
	sums   []float64
	sumSqs []float64

	initOrder []int // random order of the forced first pass over the arms
	played    int   // total observations across all arms
}

// NewUCB returns a UCB1-Tuned learner over a grid of arms prices, drawing
// from rng.
func NewUCB(arms int, rng *rand.Rand) *UCB {
	return &UCB{
		rng:    rng,
		pulls:  make([]int, arms),
		sums:   make([]float64, arms),
		sumSqs: make([]float64, arms),
	}
}

// SelectArm plays every arm exactly once, in random order, before indexed
// selection is allowed; afterwards it returns the arm with the highest
// UCB1-Tuned index, ties broken uniformly.
func (u *UCB) SelectArm(t int) (int, error) {
	if u.played < len(u.pulls) {
		if u.initOrder == nil {
			u.initOrder = u.rng.Perm(len(u.pulls))
		}
		return u.initOrder[u.played], nil
	}
	return argmaxRand(u.indices(), u.rng), nil
}

// indices computes the UCB1-Tuned index for every arm. Only valid once every
// arm has been pulled at least once.
func (u *UCB) indices() []float64 {
	lnT := math.Log(float64(u.played))
	idx := make([]float64, len(u.pulls))
	for p := range u.pulls {
		n := float64(u.pulls[p])
		mean := u.sums[p] / n
		variance := u.sumSqs[p]/n - mean*mean + math.Sqrt(2*lnT/n)
		idx[p] = mean + math.Sqrt(lnT/n*math.Min(0.25, variance))
	}
	return idx
}

// Observe updates the accumulators of the played arm only.
func (u *UCB) Observe(t int, own int, rivals []int, profit float64) error {
	if own < 0 || own >= len(u.pulls) {
		return fmt.Errorf("ucb: arm %d out of range", own)
	}
	u.pulls[own]++
	u.sums[own] += profit
	u.sumSqs[own] += profit * profit
	u.played++
	return nil
}

func (u *UCB) Snapshot() Snapshot {
	pulls := make([]int, len(u.pulls))
	copy(pulls, u.pulls)
	means := make([]float64, len(u.pulls))
	for p := range means {
		if u.pulls[p] > 0 {
			means[p] = u.sums[p] / float64(u.pulls[p])
		}
	}
	return Snapshot{Algorithm: "ucb1-tuned", Pulls: pulls, Means: means}
}
