package consistency

import (
	"context"
	"testing"

	"github.com/edaniels/golog"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rpgo/posegraph"
	"go.viam.com/rpgo/spatialmath"
)

func diagCov() *mat.SymDense {
	return mat.NewSymDense(3, []float64{
		0.01, 0, 0,
		0, 0.01, 0,
		0, 0, 0.001,
	})
}

// threePoseGraph builds 0 -> 1 -> 2 with unit forward odometry.
func threePoseGraph(t *testing.T) *posegraph.Graph {
	t.Helper()
	g := posegraph.NewGraph()
	for k := posegraph.Key(0); k < 3; k++ {
		test.That(t, g.AddPose(k, spatialmath.NewPose2(float64(k), 0, 0)), test.ShouldBeNil)
	}
	for k := posegraph.Key(0); k < 2; k++ {
		err := g.AddOdometry(posegraph.Measurement{
			From: k, To: k + 1,
			Transform: spatialmath.NewPose2(1, 0, 0),
			Cov:       diagCov(),
		})
		test.That(t, err, test.ShouldBeNil)
	}
	return g
}

func stage(t *testing.T, g *posegraph.Graph, from, to posegraph.Key, pose *spatialmath.Pose2) int64 {
	t.Helper()
	id, err := g.AddLoopClosure(posegraph.Measurement{From: from, To: to, Transform: pose, Cov: diagCov()})
	test.That(t, err, test.ShouldBeNil)
	return id
}

func TestCheckerValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	_, err := NewChecker(Simplified, Thresholds{Translation: 0.1}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewChecker(Original, Thresholds{OdometryDistance: 3}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewChecker(Disabled, Thresholds{}, logger)
	test.That(t, err, test.ShouldBeNil)
}

func TestDisabledMarksEveryPairConsistent(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := threePoseGraph(t)
	good := stage(t, g, 2, 0, spatialmath.NewPose2(-2, 0, 0))
	bad := stage(t, g, 2, 0, spatialmath.NewPose2(0, 0, 0))

	c, err := NewChecker(Disabled, Thresholds{}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Check(context.Background(), g, []int64{good, bad}), test.ShouldBeNil)
	test.That(t, c.Graph().NumVertices(), test.ShouldEqual, 2)
	test.That(t, c.Graph().HasEdge(good, bad), test.ShouldBeTrue)
}

func TestSimplifiedRejectsInconsistentPair(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := threePoseGraph(t)
	good := stage(t, g, 2, 0, spatialmath.NewPose2(-2, 0, 0))
	// 2.0 translation offset from the odometry chain
	bad := stage(t, g, 2, 0, spatialmath.NewPose2(0, 0, 0))

	c, err := NewChecker(Simplified, Thresholds{Translation: 0.1, Rotation: 0.05}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Check(context.Background(), g, []int64{good, bad}), test.ShouldBeNil)

	test.That(t, c.Graph().NumVertices(), test.ShouldEqual, 2)
	test.That(t, c.Graph().HasEdge(good, bad), test.ShouldBeFalse)
}

func TestSimplifiedAcceptsConsistentPair(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := threePoseGraph(t)
	lc1 := stage(t, g, 2, 0, spatialmath.NewPose2(-2, 0, 0))
	lc2 := stage(t, g, 1, 0, spatialmath.NewPose2(-1, 0, 0))

	c, err := NewChecker(Simplified, Thresholds{Translation: 0.1, Rotation: 0.05}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Check(context.Background(), g, []int64{lc1, lc2}), test.ShouldBeNil)
	test.That(t, c.Graph().HasEdge(lc1, lc2), test.ShouldBeTrue)
}

func TestOriginalOdometryGate(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := threePoseGraph(t)
	good := stage(t, g, 2, 0, spatialmath.NewPose2(-2, 0, 0))
	bad := stage(t, g, 2, 0, spatialmath.NewPose2(0, 0, 0))

	c, err := NewChecker(Original, Thresholds{OdometryDistance: 3, LoopDistance: 3}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Check(context.Background(), g, []int64{good, bad}), test.ShouldBeNil)

	// the bad closure never enters the consistency graph
	test.That(t, c.Graph().HasVertex(good), test.ShouldBeTrue)
	test.That(t, c.Graph().HasVertex(bad), test.ShouldBeFalse)
	test.That(t, c.OdometryRejected(bad), test.ShouldBeTrue)
	test.That(t, c.OdometryRejected(good), test.ShouldBeFalse)
}

func TestIncrementalCheckOnlyTouchesNewPairs(t *testing.T) {
	logger := golog.NewTestLogger(t)
	g := threePoseGraph(t)
	lc1 := stage(t, g, 2, 0, spatialmath.NewPose2(-2, 0, 0))

	c, err := NewChecker(Simplified, Thresholds{Translation: 0.1, Rotation: 0.05}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, c.Check(context.Background(), g, []int64{lc1}), test.ShouldBeNil)
	test.That(t, c.Graph().NumVertices(), test.ShouldEqual, 1)
	test.That(t, c.Graph().NumEdges(), test.ShouldEqual, 0)

	lc2 := stage(t, g, 1, 0, spatialmath.NewPose2(-1, 0, 0))
	test.That(t, c.Check(context.Background(), g, []int64{lc2}), test.ShouldBeNil)
	test.That(t, c.Graph().NumVertices(), test.ShouldEqual, 2)
	test.That(t, c.Graph().NumEdges(), test.ShouldEqual, 1)

	// re-running with no new closures changes nothing
	test.That(t, c.Check(context.Background(), g, nil), test.ShouldBeNil)
	test.That(t, c.Graph().NumEdges(), test.ShouldEqual, 1)
}

func TestDistanceForConfidence(t *testing.T) {
	d95 := DistanceForConfidence(3, 0.95)
	d99 := DistanceForConfidence(3, 0.99)
	test.That(t, d95, test.ShouldBeGreaterThan, 0)
	test.That(t, d99, test.ShouldBeGreaterThan, d95)
}
