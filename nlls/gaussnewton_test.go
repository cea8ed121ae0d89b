package nlls

import (
	"context"
	"math"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rpgo/spatialmath"
)

func infoDiag(vals ...float64) *mat.SymDense {
	n := len(vals)
	out := mat.NewSymDense(n, nil)
	for i, v := range vals {
		out.SetSym(i, i, v)
	}
	return out
}

func TestSolvePriorOnly(t *testing.T) {
	logger := golog.NewTestLogger(t)
	p := NewProblem()
	test.That(t, p.AddVariable(0, spatialmath.NewZeroPose2()), test.ShouldBeNil)
	test.That(t, p.AddPrior(PriorFactor{
		Key:         0,
		Prior:       spatialmath.NewPose2(1, 2, 0.3),
		Information: infoDiag(100, 100, 1000),
	}), test.ShouldBeNil)

	res, err := NewGaussNewton(logger).Solve(context.Background(), p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(res.Values[0], spatialmath.NewPose2(1, 2, 0.3), 1e-6), test.ShouldBeTrue)
	test.That(t, res.Cost, test.ShouldBeLessThan, 1e-9)
}

func TestSolveClosesTriangleLoop(t *testing.T) {
	logger := golog.NewTestLogger(t)
	p := NewProblem()
	// noisy initial guesses
	test.That(t, p.AddVariable(0, spatialmath.NewZeroPose2()), test.ShouldBeNil)
	test.That(t, p.AddVariable(1, spatialmath.NewPose2(1.1, -0.1, math.Pi/2+0.05)), test.ShouldBeNil)
	test.That(t, p.AddVariable(2, spatialmath.NewPose2(1.2, 1.1, math.Pi-0.04)), test.ShouldBeNil)

	info := infoDiag(100, 100, 1000)
	weakPrior := infoDiag(1e-4, 1e-4, 1e-4)
	test.That(t, p.AddPrior(PriorFactor{Key: 0, Prior: spatialmath.NewZeroPose2(), Information: weakPrior}), test.ShouldBeNil)
	test.That(t, p.AddBetween(BetweenFactor{
		From: 0, To: 1, Measured: spatialmath.NewPose2(1, 0, math.Pi/2), Information: info,
	}), test.ShouldBeNil)
	test.That(t, p.AddBetween(BetweenFactor{
		From: 1, To: 2, Measured: spatialmath.NewPose2(1, 0, math.Pi/2), Information: info,
	}), test.ShouldBeNil)
	// loop closure back to the start
	test.That(t, p.AddBetween(BetweenFactor{
		ID: 1, From: 2, To: 0, Measured: spatialmath.NewPose2(1, 1, math.Pi), Information: info,
	}), test.ShouldBeNil)

	res, err := NewGaussNewton(logger).Solve(context.Background(), p)
	test.That(t, err, test.ShouldBeNil)

	// every factor residual is (near) zero at the solution
	rel01 := res.Values[0].Between(res.Values[1])
	test.That(t, spatialmath.PoseAlmostEqual(rel01, spatialmath.NewPose2(1, 0, math.Pi/2), 1e-5), test.ShouldBeTrue)
	test.That(t, res.ResidualsSq[1], test.ShouldBeLessThan, 1e-8)
	test.That(t, res.Iterations, test.ShouldBeGreaterThan, 0)
}

func TestResidualsSqReportsMahalanobis(t *testing.T) {
	logger := golog.NewTestLogger(t)
	p := NewProblem()
	test.That(t, p.AddVariable(0, spatialmath.NewZeroPose2()), test.ShouldBeNil)
	test.That(t, p.AddVariable(1, spatialmath.NewPose2(1, 0, 0)), test.ShouldBeNil)

	strong := infoDiag(1e6, 1e6, 1e6)
	test.That(t, p.AddPrior(PriorFactor{Key: 0, Prior: spatialmath.NewZeroPose2(), Information: strong}), test.ShouldBeNil)
	test.That(t, p.AddPrior(PriorFactor{Key: 1, Prior: spatialmath.NewPose2(1, 0, 0), Information: strong}), test.ShouldBeNil)
	// measurement is 0.5m off; with sigma 0.1 that is 25 in squared
	// Mahalanobis terms
	test.That(t, p.AddBetween(BetweenFactor{
		ID: 9, From: 0, To: 1, Measured: spatialmath.NewPose2(1.5, 0, 0), Information: infoDiag(100, 100, 1000),
	}), test.ShouldBeNil)

	res, err := NewGaussNewton(logger).Solve(context.Background(), p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.ResidualsSq[9], test.ShouldAlmostEqual, 25, 1)
}

func TestLowWeightFactorBarelyPulls(t *testing.T) {
	logger := golog.NewTestLogger(t)
	p := NewProblem()
	test.That(t, p.AddVariable(0, spatialmath.NewZeroPose2()), test.ShouldBeNil)
	test.That(t, p.AddVariable(1, spatialmath.NewPose2(1, 0, 0)), test.ShouldBeNil)

	info := infoDiag(100, 100, 1000)
	test.That(t, p.AddPrior(PriorFactor{Key: 0, Prior: spatialmath.NewZeroPose2(), Information: infoDiag(1e6, 1e6, 1e6)}), test.ShouldBeNil)
	test.That(t, p.AddBetween(BetweenFactor{
		From: 0, To: 1, Measured: spatialmath.NewPose2(1, 0, 0), Information: info,
	}), test.ShouldBeNil)
	// wildly wrong closure, but nearly zero weight
	test.That(t, p.AddBetween(BetweenFactor{
		ID: 2, From: 0, To: 1, Measured: spatialmath.NewPose2(5, 5, 1), Information: info, Weight: 1e-8,
	}), test.ShouldBeNil)

	res, err := NewGaussNewton(logger).Solve(context.Background(), p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(res.Values[1], spatialmath.NewPose2(1, 0, 0), 1e-3), test.ShouldBeTrue)
}

func TestProblemValidation(t *testing.T) {
	p := NewProblem()
	test.That(t, p.AddVariable(0, spatialmath.NewZeroPose2()), test.ShouldBeNil)
	test.That(t, p.AddVariable(0, spatialmath.NewZeroPose2()), test.ShouldNotBeNil)
	test.That(t, p.AddVariable(1, spatialmath.NewZeroPose3()), test.ShouldNotBeNil)
	test.That(t, p.AddPrior(PriorFactor{Key: 5}), test.ShouldNotBeNil)
	test.That(t, p.AddBetween(BetweenFactor{From: 0, To: 5}), test.ShouldNotBeNil)
}

func TestEmptyProblem(t *testing.T) {
	logger := golog.NewTestLogger(t)
	res, err := NewGaussNewton(logger).Solve(context.Background(), NewProblem())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Values, test.ShouldHaveLength, 0)
}
