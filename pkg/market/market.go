// Package market implements the multinomial-logit market in which the
// pricing agents compete. Demand is split between the firms and an outside
// option; a firm's per-period profit depends on the full vector of prices
// charged that period.
package market

import (
	"fmt"
	"math"
)

// Grid is the ordered set of prices an agent may charge. It is shared by all
// agents in an experiment and fixed for the experiment's lifetime.
type Grid []float64

// Validate checks that the grid holds at least two positive, strictly
// increasing prices.
func (g Grid) Validate() error {
	if len(g) < 2 {
		return fmt.Errorf("price grid needs at least 2 prices, got %d", len(g))
	}
	for i, p := range g {
		if p <= 0 {
			return fmt.Errorf("price grid entry %d is %v, prices must be positive", i, p)
		}
		if i > 0 && p <= g[i-1] {
			return fmt.Errorf("price grid must be strictly increasing, entry %d (%v) <= entry %d (%v)", i, p, i-1, g[i-1])
		}
	}
	return nil
}

// Index returns the position of p in the grid, or -1 if p is not a member.
func (g Grid) Index(p float64) int {
	for i, q := range g {
		if q == p {
			return i
		}
	}
	return -1
}

// Clone returns an independent copy of the grid.
func (g Grid) Clone() Grid {
	c := make(Grid, len(g))
	copy(c, g)
	return c
}

// Params holds the demand primitives of the logit market.
type Params struct {
	Alpha float64
	Beta  float64
}

// Demand returns the market share of a firm charging own while its rivals
// charge rivals. The denominator includes the outside option and every firm
// in the market, the firm itself included.
func Demand(own float64, rivals []float64, alpha, beta float64) float64 {
	denom := 1 + math.Exp(alpha-beta*own)
	for _, p := range rivals {
		denom += math.Exp(alpha - beta*p)
	}
	return math.Exp(alpha-beta*own) / denom
}

// Reward returns the per-period profit of a firm charging own against
// rivals. Stateless; supports any number of rivals, though experiments use
// one or two.
func Reward(own float64, rivals []float64, alpha, beta float64) float64 {
	return own * Demand(own, rivals, alpha, beta)
}

// ProfitTable returns the static one-shot profit for every (own price, rival
// price) pair on the grid in a two-firm market: table[i][j] is the profit of
// charging grid[i] while the rival charges grid[j].
func ProfitTable(g Grid, alpha, beta float64) [][]float64 {
	table := make([][]float64, len(g))
	for i, own := range g {
		table[i] = make([]float64, len(g))
		for j, rival := range g {
			table[i][j] = Reward(own, []float64{rival}, alpha, beta)
		}
	}
	return table
}
