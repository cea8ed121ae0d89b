package spatialmath

import (
	"math"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestPose2ComposeInverse(t *testing.T) {
	a := NewPose2(1, 2, math.Pi/3)
	b := NewPose2(-0.5, 0.25, -math.Pi/7)

	ab := a.Compose(b)
	back := ab.Compose(b.Inverse())
	test.That(t, PoseAlmostEqual(a, back, 1e-10), test.ShouldBeTrue)

	ident := a.Compose(a.Inverse())
	test.That(t, PoseAlmostEqual(ident, NewZeroPose2(), 1e-10), test.ShouldBeTrue)
}

func TestPose2Between(t *testing.T) {
	a := NewPose2(1, 0, 0)
	b := NewPose2(2, 1, math.Pi/2)
	rel := a.Between(b)
	test.That(t, PoseAlmostEqual(a.Compose(rel), b, 1e-10), test.ShouldBeTrue)
}

func TestPose2LogRetractRoundTrip(t *testing.T) {
	for _, tangent := range [][]float64{
		{0, 0, 0},
		{1, 0, 0},
		{0.3, -0.7, 0.9},
		{-2, 5, -3},
		{0.1, 0.1, 1e-12},
	} {
		p := NewZeroPose2().Retract(tangent)
		got := p.Log()
		for i := range tangent {
			test.That(t, got[i], test.ShouldAlmostEqual, tangent[i], 1e-9)
		}
	}
}

func TestPose2AngleNormalization(t *testing.T) {
	p := NewPose2(0, 0, 3*math.Pi)
	test.That(t, p.Theta, test.ShouldAlmostEqual, math.Pi, 1e-12)
	q := NewPose2(0, 0, -3*math.Pi/2)
	test.That(t, q.Theta, test.ShouldAlmostEqual, math.Pi/2, 1e-12)
}

func TestPose2Adjoint(t *testing.T) {
	// Ad(p) maps tangents so that p * Exp(v) == Exp(Ad(p) v) * p.
	p := NewPose2(1.5, -0.5, 0.8)
	v := []float64{0.01, -0.02, 0.015}

	left := p.Retract(v)
	adj := p.Adjoint()
	mapped := make([]float64, 3)
	vec := mat.NewVecDense(3, v)
	var out mat.VecDense
	out.MulVec(adj, vec)
	for i := range mapped {
		mapped[i] = out.AtVec(i)
	}
	right := NewZeroPose2().Retract(mapped).Compose(p)
	test.That(t, PoseAlmostEqual(left, right, 1e-5), test.ShouldBeTrue)
}

func TestComposeCovariance(t *testing.T) {
	cov := mat.NewSymDense(3, []float64{
		0.01, 0, 0,
		0, 0.01, 0,
		0, 0, 0.001,
	})
	b := NewPose2(1, 0, 0.1)
	out := ComposeCovariance(cov, cov, b)

	// symmetric and positive on the diagonal, and strictly larger than a
	// single leg
	for i := 0; i < 3; i++ {
		test.That(t, out.At(i, i), test.ShouldBeGreaterThan, cov.At(i, i))
		for j := 0; j < 3; j++ {
			test.That(t, out.At(i, j), test.ShouldAlmostEqual, out.At(j, i), 1e-12)
		}
	}

	var chol mat.Cholesky
	test.That(t, chol.Factorize(out), test.ShouldBeTrue)
}
