package experiment

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/jan-svitak/algocollusion/pkg/learner"
	"github.com/jan-svitak/algocollusion/pkg/market"
)

// MeanTrailing returns the mean of the final window entries of series. If
// the series is shorter than the window the whole series is averaged.
func MeanTrailing(series []float64, window int) float64 {
	if window < len(series) {
		series = series[len(series)-window:]
	}
	return stat.Mean(series, nil)
}

// BestResponseCorrelation derives each Q-learning agent's greedy
// best-response price for every joint previous-price state and returns the
// pairwise Pearson correlations between agents' best-response functions.
// Only defined for Q-learning snapshots.
func BestResponseCorrelation(snaps []learner.Snapshot, grid market.Grid) ([][]float64, error) {
	agents := len(snaps)
	arms := len(grid)
	states := 1
	for i := 0; i < agents; i++ {
		states *= arms
	}
	for a, s := range snaps {
		if s.QTable == nil {
			return nil, fmt.Errorf("agent %d snapshot has no Q-table (algorithm %q)", a, s.Algorithm)
		}
		if len(s.QTable) != states {
			return nil, fmt.Errorf("agent %d Q-table has %d states, want %d", a, len(s.QTable), states)
		}
	}

	// br[a][s] is agent a's greedy price when the joint previous prices are
	// the s-th vector. Ties resolve to the lowest arm so the derived
	// function is deterministic.
	br := make([][]float64, agents)
	for a := range br {
		br[a] = make([]float64, states)
	}
	joint := make([]int, agents)
	for s := 0; s < states; s++ {
		v := s
		for a := agents - 1; a >= 0; a-- {
			joint[a] = v % arms
			v /= arms
		}
		for a := 0; a < agents; a++ {
			rivals := make([]int, 0, agents-1)
			for i, arm := range joint {
				if i != a {
					rivals = append(rivals, arm)
				}
			}
			row := snaps[a].QTable[learner.StateIndex(joint[a], rivals, arms)]
			best := 0
			for i := 1; i < arms; i++ {
				if row[i] > row[best] {
					best = i
				}
			}
			br[a][s] = grid[best]
		}
	}

	corr := make([][]float64, agents)
	for i := range corr {
		corr[i] = make([]float64, agents)
		corr[i][i] = 1
	}
	for i := 0; i < agents; i++ {
		for j := i + 1; j < agents; j++ {
			c := pairCorrelation(br[i], br[j])
			corr[i][j] = c
			corr[j][i] = c
		}
	}
	return corr, nil
}

// pairCorrelation is the Pearson correlation extended to constant vectors,
// which Pearson leaves undefined (NaN). A fully collusive agent best-responds
// with the same price in every state; score such a pair 1 when the two
// functions coincide and 0 otherwise.
func pairCorrelation(x, y []float64) float64 {
	if !isConstant(x) && !isConstant(y) {
		return stat.Correlation(x, y, nil)
	}
	for i := range x {
		if x[i] != y[i] {
			return 0
		}
	}
	return 1
}

func isConstant(v []float64) bool {
	for _, x := range v[1:] {
		if x != v[0] {
			return false
		}
	}
	return true
}
