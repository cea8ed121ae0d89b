package gnc

import (
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
)

func TestNewWeighterValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	_, err := NewWeighter(Config{Mode: Enabled}, logger)
	test.That(t, err, test.ShouldBeError, ErrBadInlierThreshold)
	_, err = NewWeighter(Config{Mode: Enabled, BarcSq: 1, MuStep: 0.5}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewWeighter(Config{Mode: Disabled}, logger)
	test.That(t, err, test.ShouldBeNil)
}

func TestDisabledNeverSolves(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w, err := NewWeighter(Config{Mode: Disabled}, logger)
	test.That(t, err, test.ShouldBeNil)

	solves := 0
	weights, err := w.Run([]int64{1, 2, 3}, func(map[int64]float64) (map[int64]float64, float64, error) {
		solves++
		return nil, 0, nil
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, solves, test.ShouldEqual, 0)
	for _, id := range []int64{1, 2, 3} {
		test.That(t, weights[id], test.ShouldEqual, 1.0)
	}
}

// fixedResidualSolve models a problem where re-solving cannot change the
// residuals: the outlier stays far out, the inliers stay at zero.
func fixedResidualSolve(residualsSq map[int64]float64, costs *[]float64) SolveFunc {
	return func(weights map[int64]float64) (map[int64]float64, float64, error) {
		cost := 0.0
		for id, r2 := range residualsSq {
			cost += weights[id] * r2
		}
		*costs = append(*costs, cost)
		return residualsSq, cost, nil
	}
}

func TestOutlierConvergesToLowWeight(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w, err := NewWeighter(Config{Mode: Enabled, BarcSq: 1}, logger)
	test.That(t, err, test.ShouldBeNil)

	residuals := map[int64]float64{
		1: 0.0,   // perfect inlier
		2: 0.01,  // near-perfect inlier
		3: 400.0, // badly inconsistent
	}
	var costs []float64
	weights, err := w.Run([]int64{1, 2, 3}, fixedResidualSolve(residuals, &costs))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, weights[1], test.ShouldAlmostEqual, 1.0, 1e-6)
	test.That(t, weights[2], test.ShouldBeGreaterThan, 0.9)
	test.That(t, weights[3], test.ShouldBeLessThan, 0.1)
	for _, wt := range weights {
		test.That(t, wt, test.ShouldBeLessThanOrEqualTo, 1.0)
		test.That(t, wt, test.ShouldBeGreaterThanOrEqualTo, 0.0)
	}
}

func TestWeightedCostIsNonIncreasing(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w, err := NewWeighter(Config{Mode: Enabled, BarcSq: 1}, logger)
	test.That(t, err, test.ShouldBeNil)

	residuals := map[int64]float64{1: 0.2, 2: 9.0, 3: 100.0, 4: 0.0}
	var costs []float64
	_, err = w.Run([]int64{1, 2, 3, 4}, fixedResidualSolve(residuals, &costs))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(costs), test.ShouldBeGreaterThan, 1)
	for i := 1; i < len(costs); i++ {
		test.That(t, costs[i], test.ShouldBeLessThanOrEqualTo, costs[i-1]+1e-12)
	}
}

func TestAllInliersStayAtFullWeight(t *testing.T) {
	logger := golog.NewTestLogger(t)
	w, err := NewWeighter(Config{Mode: Enabled, BarcSq: 1}, logger)
	test.That(t, err, test.ShouldBeNil)

	residuals := map[int64]float64{1: 0.0, 2: 0.001, 3: 0.002}
	var costs []float64
	weights, err := w.Run([]int64{1, 2, 3}, fixedResidualSolve(residuals, &costs))
	test.That(t, err, test.ShouldBeNil)
	for _, wt := range weights {
		test.That(t, wt, test.ShouldBeGreaterThan, 0.99)
	}
}
