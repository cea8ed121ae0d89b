package consistency

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"go.viam.com/rpgo/posegraph"
	"go.viam.com/rpgo/spatialmath"
)

// Mode selects the consistency policy. Disabled is a first-class mode, not
// an infinite threshold: no residual is ever computed for it.
type Mode int

// The supported policies.
const (
	// Disabled marks every pair of closures consistent.
	Disabled Mode = iota
	// Simplified applies one translation and one rotation cutoff to the
	// cycle residual of every pair.
	Simplified
	// Original gates each closure against its own odometry loop first,
	// then applies a Mahalanobis cutoff to pairwise cycle residuals.
	Original
)

func (m Mode) String() string {
	switch m {
	case Disabled:
		return "disabled"
	case Simplified:
		return "simplified"
	case Original:
		return "original"
	default:
		return "unknown"
	}
}

// Thresholds carries the cutoffs for both policy variants. Simplified uses
// Translation (meters) and Rotation (radians) on the residual directly;
// Original uses Mahalanobis distance bounds for the odometry leg and the
// loop leg of the cycle.
type Thresholds struct {
	Translation      float64
	Rotation         float64
	OdometryDistance float64
	LoopDistance     float64
}

// ErrBadThreshold is returned when a configured cutoff is not a positive
// finite number.
var ErrBadThreshold = errors.New("consistency threshold must be positive and finite")

// DistanceForConfidence converts a chi-squared confidence level (e.g. 0.95)
// at the given tangent dimension into a Mahalanobis distance bound.
func DistanceForConfidence(dim int, confidence float64) float64 {
	chi2 := distuv.ChiSquared{K: float64(dim)}
	return math.Sqrt(chi2.Quantile(confidence))
}

// Checker evaluates pairwise consistency of loop closures and maintains
// the consistency graph. One checker serves one pose graph.
type Checker struct {
	mode       Mode
	thresholds Thresholds
	logger     golog.Logger
	graph      *Graph
	// closures that failed the odometry-leg gate (Original mode only);
	// they never enter the consistency graph
	odometryRejected map[int64]bool
}

// NewChecker validates the mode/threshold combination and returns a
// checker with an empty consistency graph.
func NewChecker(mode Mode, thresholds Thresholds, logger golog.Logger) (*Checker, error) {
	switch mode {
	case Disabled:
	case Simplified:
		if !positiveFinite(thresholds.Translation) || !positiveFinite(thresholds.Rotation) {
			return nil, errors.Wrap(ErrBadThreshold, "simplified mode needs translation and rotation cutoffs")
		}
	case Original:
		if !positiveFinite(thresholds.OdometryDistance) || !positiveFinite(thresholds.LoopDistance) {
			return nil, errors.Wrap(ErrBadThreshold, "original mode needs odometry and loop distance cutoffs")
		}
	default:
		return nil, errors.Errorf("unknown consistency mode %d", mode)
	}
	return &Checker{
		mode:             mode,
		thresholds:       thresholds,
		logger:           logger,
		graph:            NewGraph(),
		odometryRejected: map[int64]bool{},
	}, nil
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// Graph returns the current consistency graph.
func (c *Checker) Graph() *Graph { return c.graph }

// OdometryRejected reports whether the Original-mode odometry gate threw
// the closure out before any pairwise check.
func (c *Checker) OdometryRejected(id int64) bool { return c.odometryRejected[id] }

type pairResult struct {
	a, b       int64
	consistent bool
}

// Check ingests newly staged closures, evaluating only pairs that involve
// one of them; pairs among previously seen closures are never re-evaluated.
// Pair evaluations are independent and fan out across goroutines.
func (c *Checker) Check(ctx context.Context, pg *posegraph.Graph, newIDs []int64) error {
	for _, id := range newIDs {
		m, ok := pg.LoopClosure(id)
		if !ok {
			return errors.Errorf("closure %d is not staged in the pose graph", id)
		}
		if c.mode == Original {
			ok, err := c.odometryConsistent(pg, m)
			if err != nil {
				return err
			}
			if !ok {
				c.odometryRejected[id] = true
				c.logger.Debugw("closure rejected by odometry gate", "id", id, "from", m.From, "to", m.To)
				continue
			}
		}
		existing := c.graph.Vertices()
		c.graph.AddVertex(id)

		if c.mode == Disabled {
			for _, other := range existing {
				c.graph.AddEdge(id, other)
			}
			continue
		}

		results := make([]pairResult, len(existing))
		group, gctx := errgroup.WithContext(ctx)
		for i, other := range existing {
			i, other := i, other
			group.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				mi := m
				mj, ok := pg.LoopClosure(other)
				if !ok {
					return errors.Errorf("closure %d is not staged in the pose graph", other)
				}
				consistent, err := c.pairConsistent(pg, mi, mj)
				if err != nil {
					return err
				}
				results[i] = pairResult{a: id, b: other, consistent: consistent}
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return err
		}
		for _, r := range results {
			if r.consistent {
				c.graph.AddEdge(r.a, r.b)
			}
		}
	}
	return nil
}

// odometryConsistent checks one closure against the odometry chain between
// its endpoints: the composed chain and the closure should agree to within
// the odometry-leg Mahalanobis bound.
func (c *Checker) odometryConsistent(pg *posegraph.Graph, m posegraph.Measurement) (bool, error) {
	chain, chainCov, err := pg.BetweenOdometry(m.From, m.To)
	if err != nil {
		return false, errors.Wrapf(err, "odometry gate for closure %d", m.ID)
	}
	residual := m.Transform.Between(chain)
	cov := spatialmath.ComposeCovariance(m.Cov, chainCov, residual)
	d, err := mahalanobis(residual.Log(), cov)
	if err != nil {
		return false, errors.Wrapf(err, "odometry gate for closure %d", m.ID)
	}
	return d <= c.thresholds.OdometryDistance, nil
}

// pairConsistent walks the cycle closure_i -> odometry -> closure_j^-1 ->
// odometry and tests the residual against the configured cutoffs.
func (c *Checker) pairConsistent(pg *posegraph.Graph, mi, mj posegraph.Measurement) (bool, error) {
	odomTo, odomToCov, err := pg.BetweenOdometry(mi.To, mj.To)
	if err != nil {
		return false, errors.Wrapf(err, "pair %d/%d", mi.ID, mj.ID)
	}
	odomBack, odomBackCov, err := pg.BetweenOdometry(mj.From, mi.From)
	if err != nil {
		return false, errors.Wrapf(err, "pair %d/%d", mi.ID, mj.ID)
	}

	jInv := mj.Transform.Inverse()
	jInvCov := spatialmath.InvertCovariance(mj.Cov, mj.Transform)

	// compose the four legs, carrying covariance along
	pose := mi.Transform
	cov := spatialmath.ComposeCovariance(mi.Cov, odomToCov, odomTo)
	pose = pose.Compose(odomTo)
	cov = spatialmath.ComposeCovariance(cov, jInvCov, jInv)
	pose = pose.Compose(jInv)
	cov = spatialmath.ComposeCovariance(cov, odomBackCov, odomBack)
	pose = pose.Compose(odomBack)

	switch c.mode {
	case Simplified:
		trans := norm(pose.Translation())
		return trans <= c.thresholds.Translation && pose.RotationMagnitude() <= c.thresholds.Rotation, nil
	case Original:
		d, err := mahalanobis(pose.Log(), cov)
		if err != nil {
			return false, errors.Wrapf(err, "pair %d/%d", mi.ID, mj.ID)
		}
		return d <= c.thresholds.LoopDistance, nil
	default:
		return true, nil
	}
}

// mahalanobis returns sqrt(r^T cov^-1 r) via a Cholesky solve, jittering
// the diagonal once if the covariance is numerically singular.
func mahalanobis(residual []float64, cov *mat.SymDense) (float64, error) {
	n := len(residual)
	var chol mat.Cholesky
	if !chol.Factorize(cov) {
		jittered := mat.NewSymDense(n, nil)
		jittered.CopySym(cov)
		for i := 0; i < n; i++ {
			jittered.SetSym(i, i, jittered.At(i, i)+1e-12)
		}
		if !chol.Factorize(jittered) {
			return 0, errors.New("singular covariance in consistency check")
		}
	}
	r := mat.NewVecDense(n, residual)
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, r); err != nil {
		return 0, errors.Wrap(err, "solving covariance system")
	}
	return math.Sqrt(mat.Dot(r, &x)), nil
}

func norm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}
