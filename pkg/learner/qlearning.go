package learner

import (
	"fmt"
	"math/rand"

	"github.com/jan-svitak/algocollusion/pkg/market"
)

// QConfig parameterizes the tabular Q-learning agent. The reduced-state
// variant is the same learner over a coarser grid with a faster decay.
type QConfig struct {
	Grid         market.Grid
	Rivals       int
	Demand       market.Params // used for the warm start only
	LearningRate float64
	Discount     float64
	Decay        float64 // exploration decay constant
}

// QLearning keeps an action value for every (joint previous-price state, own
// next price) pair and updates it with an off-policy Bellman backup. The
// table is warm-started to the exact static one-shot profits, biasing early
// play toward the static equilibrium.
type QLearning struct {
	cfg QConfig
	rng *rand.Rand

	q     [][]float64
	state int // joint state at the end of the previous period; -1 before the first
}

// NewQLearning returns a warm-started Q-learner drawing from rng.
func NewQLearning(cfg QConfig, rng *rand.Rand) *QLearning {
	arms := len(cfg.Grid)
	states := 1
	for i := 0; i <= cfg.Rivals; i++ {
		states *= arms
	}
	q := make([][]float64, states)
	rivals := make([]int, cfg.Rivals)
	rivalPrices := make([]float64, cfg.Rivals)
	for s := range q {
		// The own-price component of the state does not enter the one-shot
		// profit; only the rivals' components do.
		decodeRivals(s%intPow(arms, cfg.Rivals), arms, rivals)
		for j, r := range rivals {
			rivalPrices[j] = cfg.Grid[r]
		}
		q[s] = make([]float64, arms)
		for a := range q[s] {
			q[s][a] = market.Reward(cfg.Grid[a], rivalPrices, cfg.Demand.Alpha, cfg.Demand.Beta)
		}
	}
	return &QLearning{cfg: cfg, rng: rng, q: q, state: -1}
}

func intPow(base, exp int) int {
	n := 1
	for i := 0; i < exp; i++ {
		n *= base
	}
	return n
}

// SelectArm draws uniformly in the first period of a replicate (no valid
// prior state exists) and with probability exp(-k*t) afterwards; otherwise
// it is greedy in the current state, ties broken uniformly.
func (q *QLearning) SelectArm(t int) (int, error) {
	arms := len(q.cfg.Grid)
	if q.state < 0 {
		return q.rng.Intn(arms), nil
	}
	if q.rng.Float64() < ExploreProb(t, q.cfg.Decay) {
		return q.rng.Intn(arms), nil
	}
	return argmaxRand(q.q[q.state], q.rng), nil
}

// Observe applies the Bellman backup for the played action and rolls the
// joint state forward to this period's realized prices. The first period
// only seeds the state.
func (q *QLearning) Observe(t int, own int, rivals []int, profit float64) error {
	if len(rivals) != q.cfg.Rivals {
		return fmt.Errorf("q-learning expects %d rivals, got %d", q.cfg.Rivals, len(rivals))
	}
	next := StateIndex(own, rivals, len(q.cfg.Grid))
	if q.state >= 0 {
		best := q.q[next][0]
		for _, v := range q.q[next][1:] {
			if v > best {
				best = v
			}
		}
		alpha := q.cfg.LearningRate
		q.q[q.state][own] = (1-alpha)*q.q[q.state][own] + alpha*(profit+q.cfg.Discount*best)
	}
	q.state = next
	return nil
}

// Values returns the action values for state s. Used by offline analysis of
// learned best responses.
func (q *QLearning) Values(s int) []float64 {
	return q.q[s]
}

func (q *QLearning) Snapshot() Snapshot {
	table := make([][]float64, len(q.q))
	for s, row := range q.q {
		table[s] = append([]float64(nil), row...)
	}
	return Snapshot{Algorithm: "qlearning", QTable: table}
}
