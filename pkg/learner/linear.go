package learner

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/jan-svitak/algocollusion/pkg/market"
)

// LinearConfig parameterizes the linear-regression contextual bandit.
type LinearConfig struct {
	Grid        market.Grid
	Rivals      int     // number of competing agents
	InitPeriods int     // randomized initialization window
	RefitEvery  int     // full-refit cadence in periods
	Minibatch   int     // observations drawn per refit
	Decay       float64 // exploration decay constant
}

// Linear estimates the demand a firm faces as a linear function of its own
// price and each rival's price, fit by ordinary least squares. The model is
// refit wholesale on a fixed cadence and static in between.
type Linear struct {
	cfg LinearConfig
	rng *rand.Rand

	hist       history
	coef       []float64 // intercept, own slope, rival slopes; nil until first fit
	lastRivals []int
}

// NewLinear returns a linear contextual bandit drawing from rng.
func NewLinear(cfg LinearConfig, rng *rand.Rand) *Linear {
	return &Linear{cfg: cfg, rng: rng}
}

// SelectArm charges a uniformly random price during the initialization
// window and with probability exp(-k*t) afterwards; otherwise it exploits
// the fitted demand model against the rivals' last realized prices.
func (l *Linear) SelectArm(t int) (int, error) {
	arms := len(l.cfg.Grid)
	if t < l.cfg.InitPeriods {
		return l.rng.Intn(arms), nil
	}
	if l.coef == nil || l.lastRivals == nil {
		return 0, fmt.Errorf("linear bandit asked to select at period %d: %w", t, ErrNotInitialized)
	}
	if l.rng.Float64() < ExploreProb(t, l.cfg.Decay) {
		return l.rng.Intn(arms), nil
	}
	values := make([]float64, arms)
	for i, own := range l.cfg.Grid {
		demand := l.coef[0] + l.coef[1]*own
		for j, r := range l.lastRivals {
			demand += l.coef[2+j] * l.cfg.Grid[r]
		}
		values[i] = demand * own
	}
	return argmaxRand(values, l.rng), nil
}

// Observe records the period and refits on schedule: once over the whole
// initialization sample when the window closes, then every RefitEvery
// periods on a fresh uniform minibatch from the entire history so far.
func (l *Linear) Observe(t int, own int, rivals []int, profit float64) error {
	if len(rivals) != l.cfg.Rivals {
		return fmt.Errorf("linear bandit expects %d rivals, got %d", l.cfg.Rivals, len(rivals))
	}
	l.hist.add(observation{period: t, own: own, rivals: rivals, profit: profit})
	l.lastRivals = rivals

	switch {
	case t+1 == l.cfg.InitPeriods:
		return l.refit(t, l.hist.obs)
	case l.coef != nil && (t+1)%l.cfg.RefitEvery == 0:
		return l.refit(t, l.hist.sample(l.cfg.Minibatch, 0, l.rng))
	}
	return nil
}

// refit solves the least-squares system demand = a + b*own + sum c_j*rival_j
// over batch and replaces the coefficient vector wholesale. The demand
// observation for a period is profit/price.
func (l *Linear) refit(t int, batch []observation) error {
	k := 2 + l.cfg.Rivals
	if len(batch) < k {
		return &NumericalError{Period: t, Reason: fmt.Sprintf("refit batch of %d rows cannot identify %d coefficients", len(batch), k)}
	}
	x := mat.NewDense(len(batch), k, nil)
	y := mat.NewVecDense(len(batch), nil)
	for i, o := range batch {
		own := l.cfg.Grid[o.own]
		x.Set(i, 0, 1)
		x.Set(i, 1, own)
		for j, r := range o.rivals {
			x.Set(i, 2+j, l.cfg.Grid[r])
		}
		y.SetVec(i, o.profit/own)
	}
	var beta mat.VecDense
	if err := beta.SolveVec(x, y); err != nil {
		return &NumericalError{Period: t, Reason: "degenerate regression minibatch", Err: err}
	}
	coef := make([]float64, k)
	for i := range coef {
		c := beta.AtVec(i)
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return &NumericalError{Period: t, Reason: fmt.Sprintf("non-finite regression coefficient %d", i)}
		}
		coef[i] = c
	}
	l.coef = coef
	return nil
}

func (l *Linear) Snapshot() Snapshot {
	coef := make([]float64, len(l.coef))
	copy(coef, l.coef)
	return Snapshot{Algorithm: "linear", Coefficients: coef}
}
