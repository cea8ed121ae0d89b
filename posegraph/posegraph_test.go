package posegraph

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rpgo/spatialmath"
)

func smallCov() *mat.SymDense {
	return mat.NewSymDense(3, []float64{
		0.01, 0, 0,
		0, 0.01, 0,
		0, 0, 0.001,
	})
}

func TestAddPoseDuplicate(t *testing.T) {
	g := NewGraph()
	test.That(t, g.AddPose(0, spatialmath.NewZeroPose2()), test.ShouldBeNil)
	err := g.AddPose(0, spatialmath.NewPose2(1, 0, 0))
	test.That(t, err, test.ShouldNotBeNil)
	var dup *DuplicateKeyError
	test.That(t, errors.As(err, &dup), test.ShouldBeTrue)
	test.That(t, dup.Key, test.ShouldEqual, Key(0))
}

func TestAddOdometryValidation(t *testing.T) {
	g := NewGraph()
	test.That(t, g.AddPose(0, spatialmath.NewZeroPose2()), test.ShouldBeNil)
	test.That(t, g.AddPose(1, spatialmath.NewPose2(1, 0, 0)), test.ShouldBeNil)
	test.That(t, g.AddPose(2, spatialmath.NewPose2(2, 0, 0)), test.ShouldBeNil)

	err := g.AddOdometry(Measurement{From: 0, To: 5, Transform: spatialmath.NewPose2(1, 0, 0), Cov: smallCov()})
	test.That(t, errors.Is(err, ErrUnknownKey), test.ShouldBeTrue)

	err = g.AddOdometry(Measurement{From: 0, To: 2, Transform: spatialmath.NewPose2(1, 0, 0), Cov: smallCov()})
	test.That(t, errors.Is(err, ErrNotAdjacent), test.ShouldBeTrue)

	test.That(t, g.AddOdometry(Measurement{From: 0, To: 1, Transform: spatialmath.NewPose2(1, 0, 0), Cov: smallCov()}), test.ShouldBeNil)
	test.That(t, g.Odometry(), test.ShouldHaveLength, 1)
	test.That(t, g.Odometry()[0].Kind, test.ShouldEqual, Odometry)
}

func TestLoopClosureIDsAreMonotonic(t *testing.T) {
	g := NewGraph()
	for k := Key(0); k < 4; k++ {
		test.That(t, g.AddPose(k, spatialmath.NewZeroPose2()), test.ShouldBeNil)
	}
	id1, err := g.AddLoopClosure(Measurement{From: 3, To: 0, Transform: spatialmath.NewZeroPose2(), Cov: smallCov()})
	test.That(t, err, test.ShouldBeNil)
	id2, err := g.AddLoopClosure(Measurement{From: 2, To: 0, Transform: spatialmath.NewZeroPose2(), Cov: smallCov()})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, id2, test.ShouldBeGreaterThan, id1)
	test.That(t, g.LoopClosureIDs(), test.ShouldResemble, []int64{id1, id2})

	m, ok := g.LoopClosure(id1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, m.Kind, test.ShouldEqual, LoopClosure)

	_, err = g.AddLoopClosure(Measurement{From: 1, To: 1, Transform: spatialmath.NewZeroPose2(), Cov: smallCov()})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestUnderconstrainedKeys(t *testing.T) {
	g := NewGraph()
	for k := Key(0); k < 3; k++ {
		test.That(t, g.AddPose(k, spatialmath.NewZeroPose2()), test.ShouldBeNil)
	}
	test.That(t, g.AddOdometry(Measurement{From: 0, To: 1, Transform: spatialmath.NewPose2(1, 0, 0), Cov: smallCov()}), test.ShouldBeNil)
	test.That(t, g.UnderconstrainedKeys(), test.ShouldResemble, []Key{2})
}

func TestBetweenOdometry(t *testing.T) {
	g := NewGraph()
	for k := Key(0); k < 3; k++ {
		test.That(t, g.AddPose(k, spatialmath.NewZeroPose2()), test.ShouldBeNil)
	}
	test.That(t, g.AddOdometry(Measurement{From: 0, To: 1, Transform: spatialmath.NewPose2(1, 0, math.Pi/2), Cov: smallCov()}), test.ShouldBeNil)
	test.That(t, g.AddOdometry(Measurement{From: 1, To: 2, Transform: spatialmath.NewPose2(1, 0, 0), Cov: smallCov()}), test.ShouldBeNil)

	pose, cov, err := g.BetweenOdometry(0, 2)
	test.That(t, err, test.ShouldBeNil)
	want := spatialmath.NewPose2(1, 1, math.Pi/2)
	test.That(t, spatialmath.PoseAlmostEqual(pose, want, 1e-10), test.ShouldBeTrue)
	// two legs of noise accumulated
	test.That(t, cov.At(0, 0), test.ShouldBeGreaterThan, 0.01)

	// reverse direction is the inverse
	rev, _, err := g.BetweenOdometry(2, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(rev, want.Inverse(), 1e-10), test.ShouldBeTrue)

	// identity for a == b
	same, _, err := g.BetweenOdometry(1, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, spatialmath.PoseAlmostEqual(same, spatialmath.NewZeroPose2(), 1e-12), test.ShouldBeTrue)

	_, _, err = g.BetweenOdometry(0, 7)
	test.That(t, errors.Is(err, ErrUnknownKey) || errors.Is(err, ErrNoOdometryPath), test.ShouldBeTrue)
}
