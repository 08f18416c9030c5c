package learner

import (
	"fmt"
	"math"
	"math/rand"

	deep "github.com/patrikeh/go-deep"
	"github.com/patrikeh/go-deep/training"

	"github.com/jan-svitak/algocollusion/pkg/market"
)

// NeuralConfig parameterizes the neural-network contextual bandit.
type NeuralConfig struct {
	Grid        market.Grid
	Rivals      int
	InitPeriods int     // randomized initialization window
	Minibatch   int     // max observations per gradient step
	Rate        float64 // base learning rate, scaled by 1/len(minibatch)
	InitIters   int     // full-batch iterations for the initial fit
	Decay       float64 // exploration decay constant
}

// Neural predicts a firm's profit from a one-hot encoding of the joint price
// vector using a two-hidden-unit network with logistic activation and a
// linear output. After initialization each period performs exactly one
// gradient step on a minibatch drawn from post-initialization history, then
// recomputes the cached payoff table; selection only reads the cache.
type Neural struct {
	cfg NeuralConfig
	rng *rand.Rand

	hist       history
	net        *deep.Neural
	payoffs    [][]float64 // [own arm][joint rival state], rebuilt after every update
	lastRivals []int
}

// NewNeural returns a neural contextual bandit drawing from rng. The rng
// also seeds the network weights so replicates replay exactly.
func NewNeural(cfg NeuralConfig, rng *rand.Rand) *Neural {
	return &Neural{cfg: cfg, rng: rng}
}

func (n *Neural) arms() int { return len(n.cfg.Grid) }

// rivalState flattens the rivals' arms into a payoff-table column index.
func (n *Neural) rivalState(rivals []int) int {
	s := 0
	for _, r := range rivals {
		s = s*n.arms() + r
	}
	return s
}

// context one-hot encodes an own arm followed by each rival's arm.
func (n *Neural) context(own int, rivals []int) []float64 {
	v := make([]float64, (1+n.cfg.Rivals)*n.arms())
	v[own] = 1
	for j, r := range rivals {
		v[(1+j)*n.arms()+r] = 1
	}
	return v
}

// SelectArm charges a uniformly random price during the initialization
// window and with probability exp(-k*t) afterwards; otherwise it returns the
// arm with the highest cached payoff against the rivals' last prices.
func (n *Neural) SelectArm(t int) (int, error) {
	if t < n.cfg.InitPeriods {
		return n.rng.Intn(n.arms()), nil
	}
	if n.payoffs == nil || n.lastRivals == nil {
		return 0, fmt.Errorf("neural bandit asked to select at period %d: %w", t, ErrNotInitialized)
	}
	if n.rng.Float64() < ExploreProb(t, n.cfg.Decay) {
		return n.rng.Intn(n.arms()), nil
	}
	col := n.rivalState(n.lastRivals)
	values := make([]float64, n.arms())
	for i := range values {
		values[i] = n.payoffs[i][col]
	}
	return argmaxRand(values, n.rng), nil
}

// Observe records the period, trains the network to convergence over the
// initialization sample when the window closes, and afterwards performs one
// gradient step per period on a minibatch drawn only from history
// accumulated since initialization.
func (n *Neural) Observe(t int, own int, rivals []int, profit float64) error {
	if len(rivals) != n.cfg.Rivals {
		return fmt.Errorf("neural bandit expects %d rivals, got %d", n.cfg.Rivals, len(rivals))
	}
	n.hist.add(observation{period: t, own: own, rivals: rivals, profit: profit})
	n.lastRivals = rivals

	switch {
	case t+1 == n.cfg.InitPeriods:
		n.net = deep.NewNeural(&deep.Config{
			Inputs:     (1 + n.cfg.Rivals) * n.arms(),
			Layout:     []int{2, 1},
			Activation: deep.ActivationSigmoid,
			Mode:       deep.ModeRegression,
			Weight:     func() float64 { return n.rng.NormFloat64() * 0.5 },
			Bias:       true,
		})
		n.train(n.hist.obs, n.cfg.Rate, n.cfg.InitIters)
		return n.rebuildPayoffs(t)
	case n.net != nil && t >= n.cfg.InitPeriods:
		batch := n.hist.sample(n.cfg.Minibatch, n.cfg.InitPeriods, n.rng)
		if len(batch) == 0 {
			return &NumericalError{Period: t, Reason: "empty post-initialization minibatch"}
		}
		n.train(batch, n.cfg.Rate/float64(len(batch)), 1)
		return n.rebuildPayoffs(t)
	}
	return nil
}

func (n *Neural) train(batch []observation, rate float64, iterations int) {
	examples := make(training.Examples, len(batch))
	for i, o := range batch {
		examples[i] = training.Example{
			Input:    n.context(o.own, o.rivals),
			Response: []float64{o.profit},
		}
	}
	// The trainer shuffles its input from the global rand stream, so feed it
	// one example at a time in an order drawn from the learner's own rng;
	// replays then depend only on the replicate seed.
	trainer := training.NewTrainer(training.NewSGD(rate, 0, 0, false), 0)
	single := make(training.Examples, 1)
	for it := 0; it < iterations; it++ {
		for _, i := range n.rng.Perm(len(examples)) {
			single[0] = examples[i]
			trainer.Train(n.net, single, nil, 1)
		}
	}
}

// rebuildPayoffs re-evaluates the network for every (own arm, joint rival
// state) pair and replaces the cache wholesale. A non-finite prediction
// means the fit degenerated and aborts the replicate.
func (n *Neural) rebuildPayoffs(t int) error {
	cols := 1
	for j := 0; j < n.cfg.Rivals; j++ {
		cols *= n.arms()
	}
	payoffs := make([][]float64, n.arms())
	rivals := make([]int, n.cfg.Rivals)
	for i := range payoffs {
		payoffs[i] = make([]float64, cols)
		for c := 0; c < cols; c++ {
			decodeRivals(c, n.arms(), rivals)
			p := n.net.Predict(n.context(i, rivals))[0]
			if math.IsNaN(p) || math.IsInf(p, 0) {
				return &NumericalError{Period: t, Reason: fmt.Sprintf("non-finite network prediction for arm %d", i)}
			}
			payoffs[i][c] = p
		}
	}
	n.payoffs = payoffs
	return nil
}

// decodeRivals writes the joint rival state s back into per-rival arms.
func decodeRivals(s, arms int, rivals []int) {
	for j := len(rivals) - 1; j >= 0; j-- {
		rivals[j] = s % arms
		s /= arms
	}
}

func (n *Neural) Snapshot() Snapshot {
	snap := Snapshot{Algorithm: "neural"}
	if n.net != nil {
		snap.Network = n.net.Dump()
	}
	if n.payoffs != nil {
		snap.Payoffs = make([][]float64, len(n.payoffs))
		for i, row := range n.payoffs {
			snap.Payoffs[i] = append([]float64(nil), row...)
		}
	}
	return snap
}
