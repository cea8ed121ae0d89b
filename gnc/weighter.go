// Package gnc implements graduated non-convexity reweighting with a
// Geman-McClure surrogate cost: a control parameter anneals from a convex
// start toward the true robust cost while the weighted problem is re-solved
// at each step, driving outlier loop closures toward zero weight without
// any combinatorial search.
package gnc

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Mode turns the weighter on or off. Disabled is explicit: weights stay at
// exactly 1 and no extra solves happen.
type Mode int

// The two modes.
const (
	Disabled Mode = iota
	Enabled
)

func (m Mode) String() string {
	if m == Enabled {
		return "enabled"
	}
	return "disabled"
}

// Defaults for the annealing schedule.
const (
	defaultMuStep    = 1.4
	defaultMaxIters  = 100
	defaultWeightTol = 1e-4
)

// Config parameterizes the weighter. BarcSq is the inlier cost threshold:
// the squared-residual boundary between inlier and outlier cost. Zero
// values for MuStep, MaxIters and WeightTol select the defaults.
type Config struct {
	Mode      Mode
	BarcSq    float64
	MuStep    float64
	MaxIters  int
	WeightTol float64
}

// ErrBadInlierThreshold is returned when an enabled weighter has a
// non-positive or non-finite inlier cost threshold.
var ErrBadInlierThreshold = errors.New("gnc inlier cost threshold must be positive and finite")

// SolveFunc re-solves the optimization problem under the given loop-closure
// weights and reports the resulting squared residuals per closure and the
// weighted total cost.
type SolveFunc func(weights map[int64]float64) (residualsSq map[int64]float64, cost float64, err error)

// Weighter runs the annealed reweighting loop.
type Weighter struct {
	cfg    Config
	logger golog.Logger
}

// NewWeighter validates the config and returns a weighter.
func NewWeighter(cfg Config, logger golog.Logger) (*Weighter, error) {
	if cfg.Mode == Enabled {
		if cfg.BarcSq <= 0 || math.IsInf(cfg.BarcSq, 0) || math.IsNaN(cfg.BarcSq) {
			return nil, ErrBadInlierThreshold
		}
	}
	if cfg.MuStep == 0 {
		cfg.MuStep = defaultMuStep
	}
	if cfg.MuStep <= 1 {
		return nil, errors.New("gnc mu step must be greater than 1")
	}
	if cfg.MaxIters == 0 {
		cfg.MaxIters = defaultMaxIters
	}
	if cfg.WeightTol == 0 {
		cfg.WeightTol = defaultWeightTol
	}
	return &Weighter{cfg: cfg, logger: logger}, nil
}

// Enabled reports whether the weighter will actually reweight.
func (w *Weighter) Enabled() bool { return w.cfg.Mode == Enabled }

// Run drives the GNC loop over the given closure identifiers. Weights
// start at 1 for every closure and stay in [0,1] throughout. Disabled mode
// returns all-ones without calling solve. The returned map is the final
// weight per closure.
func (w *Weighter) Run(ids []int64, solve SolveFunc) (map[int64]float64, error) {
	weights := make(map[int64]float64, len(ids))
	for _, id := range ids {
		weights[id] = 1
	}
	if w.cfg.Mode == Disabled || len(ids) == 0 {
		return weights, nil
	}

	residualsSq, cost, err := solve(weights)
	if err != nil {
		return nil, errors.Wrap(err, "initial gnc solve")
	}
	w.logger.Debugw("gnc start", "cost", cost, "closures", len(ids))

	mu := w.initialMu(residualsSq)
	for iter := 0; iter < w.cfg.MaxIters; iter++ {
		maxDelta := 0.0
		for _, id := range ids {
			r2 := residualsSq[id]
			next := w.weight(r2, mu)
			if delta := math.Abs(next - weights[id]); delta > maxDelta {
				maxDelta = delta
			}
			weights[id] = next
		}

		residualsSq, cost, err = solve(weights)
		if err != nil {
			return nil, errors.Wrapf(err, "gnc solve at iteration %d", iter)
		}
		w.logger.Debugw("gnc iteration", "iter", iter, "mu", mu, "cost", cost, "maxWeightDelta", maxDelta)

		if mu <= 1 && maxDelta < w.cfg.WeightTol {
			break
		}
		mu = math.Max(1, mu/w.cfg.MuStep)
	}
	return weights, nil
}

// initialMu picks the convex starting point of the schedule,
// 2*max(r^2)/barcsq, clamped so the schedule never starts past its target.
func (w *Weighter) initialMu(residualsSq map[int64]float64) float64 {
	if len(residualsSq) == 0 {
		return 1
	}
	r2 := make([]float64, 0, len(residualsSq))
	for _, v := range residualsSq {
		r2 = append(r2, v)
	}
	mu := 2 * floats.Max(r2) / w.cfg.BarcSq
	return math.Max(1, mu)
}

// weight is the Geman-McClure surrogate weight at control value mu. It is
// 1 at zero residual and decays monotonically past the inlier threshold.
func (w *Weighter) weight(r2, mu float64) float64 {
	mb := mu * w.cfg.BarcSq
	v := mb / (r2 + mb)
	return v * v
}
