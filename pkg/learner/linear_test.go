package learner

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/jan-svitak/algocollusion/pkg/market"
)

func linearTestConfig() LinearConfig {
	return LinearConfig{
		Grid:        market.Grid{0.3, 0.4, 0.5},
		Rivals:      1,
		InitPeriods: 60,
		RefitEvery:  100,
		Minibatch:   50,
		Decay:       5e-4,
	}
}

// Feed observations generated from an exact linear demand model; the OLS fit
// over the initialization sample must recover the coefficients.
func TestLinearRecoversDemand(t *testing.T) {
	cfg := linearTestConfig()
	l := NewLinear(cfg, rand.New(rand.NewSource(1)))
	rng := rand.New(rand.NewSource(2))
	a, b, c := 2.0, -1.5, 0.8

	for tt := 0; tt < cfg.InitPeriods; tt++ {
		own, err := l.SelectArm(tt)
		if err != nil {
			t.Fatalf("SelectArm(%d) failed: %v", tt, err)
		}
		rival := rng.Intn(len(cfg.Grid))
		price := cfg.Grid[own]
		demand := a + b*price + c*cfg.Grid[rival]
		if err := l.Observe(tt, own, []int{rival}, demand*price); err != nil {
			t.Fatalf("Observe(%d) failed: %v", tt, err)
		}
	}

	snap := l.Snapshot()
	want := []float64{a, b, c}
	if len(snap.Coefficients) != len(want) {
		t.Fatalf("got %d coefficients, want %d", len(snap.Coefficients), len(want))
	}
	for i, w := range want {
		if math.Abs(snap.Coefficients[i]-w) > 1e-8 {
			t.Errorf("coefficient %d = %v, want %v", i, snap.Coefficients[i], w)
		}
	}
}

func TestLinearStaticBetweenRefits(t *testing.T) {
	cfg := linearTestConfig()
	l := NewLinear(cfg, rand.New(rand.NewSource(1)))
	rng := rand.New(rand.NewSource(2))

	step := func(tt int) {
		own, err := l.SelectArm(tt)
		if err != nil {
			t.Fatalf("SelectArm(%d) failed: %v", tt, err)
		}
		rival := rng.Intn(len(cfg.Grid))
		profit := market.Reward(cfg.Grid[own], []float64{cfg.Grid[rival]}, 5, 5)
		if err := l.Observe(tt, own, []int{rival}, profit); err != nil {
			t.Fatalf("Observe(%d) failed: %v", tt, err)
		}
	}

	for tt := 0; tt < cfg.InitPeriods; tt++ {
		step(tt)
	}
	after := l.Snapshot().Coefficients

	// Periods 60..98 fall between refits (next refit lands at t+1 == 100),
	// so the model must stay bit-identical.
	for tt := cfg.InitPeriods; tt < 99; tt++ {
		step(tt)
		for i, c := range l.Snapshot().Coefficients {
			if c != after[i] {
				t.Fatalf("coefficient %d changed between refits at period %d", i, tt)
			}
		}
	}
}

func TestLinearDegenerateBatch(t *testing.T) {
	cfg := linearTestConfig()
	cfg.InitPeriods = 10
	l := NewLinear(cfg, rand.New(rand.NewSource(1)))

	// A constant design matrix cannot identify three coefficients.
	var err error
	for tt := 0; tt < cfg.InitPeriods; tt++ {
		err = l.Observe(tt, 1, []int{1}, 0.19)
		if tt < cfg.InitPeriods-1 && err != nil {
			t.Fatalf("Observe(%d) failed early: %v", tt, err)
		}
	}

	var numErr *NumericalError
	if !errors.As(err, &numErr) {
		t.Fatalf("degenerate fit returned %v, want NumericalError", err)
	}
	if numErr.Period != cfg.InitPeriods-1 {
		t.Errorf("NumericalError.Period = %d, want %d", numErr.Period, cfg.InitPeriods-1)
	}
}

func TestLinearSelectBeforeFit(t *testing.T) {
	l := NewLinear(linearTestConfig(), rand.New(rand.NewSource(1)))
	if _, err := l.SelectArm(500); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("SelectArm before any fit returned %v, want ErrNotInitialized", err)
	}
}
