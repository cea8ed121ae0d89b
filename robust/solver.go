package robust

import (
	"context"
	"sort"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rpgo/consistency"
	"go.viam.com/rpgo/gnc"
	"go.viam.com/rpgo/maxclique"
	"go.viam.com/rpgo/nlls"
	"go.viam.com/rpgo/posegraph"
	"go.viam.com/rpgo/spatialmath"
)

// ErrOptimizationFailed reports that the backend could not converge. The
// previously published estimate stays current; nothing corrupted is ever
// published.
var ErrOptimizationFailed = errors.New("optimization failed; previous estimate retained")

// anchorInfo is the information put on the gauge anchor. Weak enough not
// to bias the solution, just enough to pin the global frame.
const anchorInfo = 1e-4

// Solver is the nonlinear least-squares collaborator. nlls.GaussNewton is
// the default implementation.
type Solver interface {
	Solve(ctx context.Context, p *nlls.Problem) (*nlls.Result, error)
}

// RobustSolver is the incremental optimizer: it ingests measurements,
// drives consistency checking, clique selection and GNC as configured,
// re-solves, and publishes the current best trajectory. One update call
// runs the whole cycle synchronously; the solver presents one coherent
// state between calls and is not safe for concurrent use.
type RobustSolver struct {
	params   Params
	logger   golog.Logger
	clk      clock.Clock
	graph    *posegraph.Graph
	checker  *consistency.Checker
	clique   maxclique.Solver
	weighter *gnc.Weighter
	backend  Solver

	firstKey   posegraph.Key
	haveFirst  bool
	anchorKey  posegraph.Key
	anchorPose spatialmath.Pose
	anchored   bool

	inliers  []int64
	weights  map[int64]float64
	estimate map[posegraph.Key]spatialmath.Pose
	dirty    bool
}

// New returns a pipeline with the default Gauss-Newton backend.
func New(params Params, logger golog.Logger) (*RobustSolver, error) {
	return NewWithBackend(params, nlls.NewGaussNewton(logger), logger)
}

// NewWithBackend returns a pipeline using the given nonlinear backend.
// Params are validated here, before any measurement is processed.
func NewWithBackend(params Params, backend Solver, logger golog.Logger) (*RobustSolver, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	checker, err := consistency.NewChecker(params.PCMMode, params.PCMThresholds, logger)
	if err != nil {
		return nil, errors.Wrap(ErrUnsupportedConfig, err.Error())
	}
	cliqueSolver, err := maxclique.NewSolver(params.CliqueMethod)
	if err != nil {
		return nil, errors.Wrap(ErrUnsupportedConfig, err.Error())
	}
	weighter, err := gnc.NewWeighter(params.GNC, logger)
	if err != nil {
		return nil, errors.Wrap(ErrUnsupportedConfig, err.Error())
	}
	return &RobustSolver{
		params:   params,
		logger:   logger,
		clk:      clock.New(),
		graph:    posegraph.NewGraph(),
		checker:  checker,
		clique:   cliqueSolver,
		weighter: weighter,
		backend:  backend,
		weights:  map[int64]float64{},
		estimate: map[posegraph.Key]spatialmath.Pose{},
	}, nil
}

// AddPose registers a pose key with an initial value, as supplied by the
// graph loader. Duplicate keys are a malformed input graph and fail with
// posegraph.DuplicateKeyError.
func (s *RobustSolver) AddPose(key posegraph.Key, initial spatialmath.Pose) error {
	if err := s.graph.AddPose(key, initial); err != nil {
		return err
	}
	s.noteKey(key, initial)
	return nil
}

func (s *RobustSolver) noteKey(key posegraph.Key, initial spatialmath.Pose) {
	if !s.haveFirst {
		s.firstKey = key
		s.haveFirst = true
		if !s.anchored {
			s.anchorKey = key
			s.anchorPose = initial
		}
	}
}

// Anchor fixes the global gauge on the given pose with a weak prior. The
// pipeline anchors the first-encountered pose automatically; calling this
// after an anchor exists is an error.
func (s *RobustSolver) Anchor(key posegraph.Key, prior spatialmath.Pose) error {
	if s.anchored {
		return errors.Errorf("gauge already anchored on key %d", s.anchorKey)
	}
	s.anchorKey = key
	s.anchorPose = prior
	s.anchored = true
	return nil
}

// AnchorKey returns the gauge anchor, once one exists.
func (s *RobustSolver) AnchorKey() (posegraph.Key, bool) {
	if s.anchored || s.haveFirst {
		return s.anchorKey, true
	}
	return 0, false
}

// Update ingests new measurements and runs one full cycle: consistency
// update, clique selection, optional GNC iterations, re-solve, publish.
// Data-integrity errors (unknown/duplicate keys) abort before the problem
// is touched. On backend failure the previous estimate stays published and
// ErrOptimizationFailed is returned.
func (s *RobustSolver) Update(ctx context.Context, odometry, loopClosures []posegraph.Measurement) error {
	newIDs, err := s.ingest(odometry, loopClosures)
	if err != nil {
		return err
	}
	if !s.dirty {
		// nothing changed since the last publish
		return nil
	}

	if err := s.checker.Check(ctx, s.graph, newIDs); err != nil {
		return errors.Wrap(err, "consistency update")
	}
	if err := s.selectInliers(ctx); err != nil {
		return err
	}
	if err := s.solveAndPublish(ctx); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// ingest stages the new measurements into the pose graph, creating poses
// for odometry endpoints by dead reckoning when the loader did not
// pre-register them. The whole batch is validated first; a malformed
// measurement anywhere in it leaves the graph untouched.
func (s *RobustSolver) ingest(odometry, loopClosures []posegraph.Measurement) ([]int64, error) {
	if err := s.validateBatch(odometry, loopClosures); err != nil {
		return nil, err
	}
	for _, m := range odometry {
		if !s.graph.HasPose(m.From) {
			initial := m.Transform.Identity()
			if err := s.graph.AddPose(m.From, initial); err != nil {
				return nil, err
			}
			s.noteKey(m.From, initial)
		}
		if !s.graph.HasPose(m.To) {
			from, _ := s.currentValue(m.From)
			initial := from.Compose(m.Transform)
			if err := s.graph.AddPose(m.To, initial); err != nil {
				return nil, err
			}
			s.noteKey(m.To, initial)
		}
		if err := s.graph.AddOdometry(m); err != nil {
			return nil, err
		}
		s.dirty = true
	}
	var newIDs []int64
	for _, m := range loopClosures {
		id, err := s.graph.AddLoopClosure(m)
		if err != nil {
			return nil, err
		}
		newIDs = append(newIDs, id)
		s.dirty = true
	}
	return newIDs, nil
}

// validateBatch applies the pose graph's staging rules to a batch without
// mutating it: odometry must be consecutive, and closures may only
// reference keys that exist now or that the batch's odometry will create.
func (s *RobustSolver) validateBatch(odometry, loopClosures []posegraph.Measurement) error {
	created := make(map[posegraph.Key]bool, len(odometry)*2)
	for _, m := range odometry {
		if m.To != m.From+1 {
			return errors.Wrapf(posegraph.ErrNotAdjacent, "odometry %d->%d", m.From, m.To)
		}
		created[m.From] = true
		created[m.To] = true
	}
	for _, m := range loopClosures {
		if !created[m.From] && !s.graph.HasPose(m.From) {
			return errors.Wrapf(posegraph.ErrUnknownKey, "loop closure %d->%d", m.From, m.To)
		}
		if !created[m.To] && !s.graph.HasPose(m.To) {
			return errors.Wrapf(posegraph.ErrUnknownKey, "loop closure %d->%d", m.From, m.To)
		}
		if m.From == m.To {
			return errors.Errorf("loop closure cannot be a self edge on key %d", m.From)
		}
	}
	return nil
}

// selectInliers runs the clique search over the current consistency graph.
// A timed-out search degrades to the best clique found; it never yields an
// inconsistent set. The budget timer runs on the solver's clock.
func (s *RobustSolver) selectInliers(ctx context.Context) error {
	searchCtx := ctx
	cancel := func() {}
	if s.params.CliqueBudget > 0 {
		searchCtx, cancel = context.WithCancel(ctx)
		budget := s.clk.AfterFunc(s.params.CliqueBudget, cancel)
		defer budget.Stop()
	}
	defer cancel()

	start := s.clk.Now()
	inliers, err := s.clique.Solve(searchCtx, s.checker.Graph())
	elapsed := s.clk.Since(start)
	switch {
	case errors.Is(err, maxclique.ErrSearchTimeout):
		s.logger.Warnw("clique search timed out, using best clique found",
			"method", s.params.CliqueMethod.String(), "size", len(inliers), "elapsed", elapsed)
	case err != nil:
		return errors.Wrap(err, "clique selection")
	default:
		s.debugw("clique selected",
			"method", s.params.CliqueMethod.String(), "size", len(inliers), "elapsed", elapsed)
	}
	s.inliers = inliers
	return nil
}

// buildProblem assembles the optimization problem: all poses, all odometry,
// plus the currently accepted loop closures at the given weights, and
// exactly one weak gauge prior on the anchor.
func (s *RobustSolver) buildProblem(weights map[int64]float64) (*nlls.Problem, error) {
	p := nlls.NewProblem()
	for _, key := range s.graph.Keys() {
		value, _ := s.currentValue(key)
		if err := p.AddVariable(key, value); err != nil {
			return nil, err
		}
	}

	dim := s.anchorPose.Dim()
	info := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		info.SetSym(i, i, anchorInfo)
	}
	if err := p.AddPrior(nlls.PriorFactor{Key: s.anchorKey, Prior: s.anchorPose, Information: info}); err != nil {
		return nil, err
	}

	for _, m := range s.graph.Odometry() {
		infoM, err := invertCov(m.Cov)
		if err != nil {
			return nil, errors.Wrapf(err, "odometry %d->%d", m.From, m.To)
		}
		if err := p.AddBetween(nlls.BetweenFactor{
			From: m.From, To: m.To, Measured: m.Transform, Information: infoM,
		}); err != nil {
			return nil, err
		}
	}
	for _, id := range s.inliers {
		m, ok := s.graph.LoopClosure(id)
		if !ok {
			return nil, errors.Errorf("inlier %d is not a staged closure", id)
		}
		infoM, err := invertCov(m.Cov)
		if err != nil {
			return nil, errors.Wrapf(err, "closure %d", id)
		}
		weight := 1.0
		if w, ok := weights[id]; ok {
			weight = w
		}
		if err := p.AddBetween(nlls.BetweenFactor{
			ID: m.ID, From: m.From, To: m.To, Measured: m.Transform, Information: infoM, Weight: weight,
		}); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// solveAndPublish runs the GNC loop (or one plain solve) and publishes the
// result. The previous estimate survives any failure.
func (s *RobustSolver) solveAndPublish(ctx context.Context) error {
	if isolated := s.graph.UnderconstrainedKeys(); len(isolated) > 0 {
		s.logger.Warnw("graph has isolated poses; optimization proceeds under-constrained", "keys", isolated)
	}

	var lastResult *nlls.Result
	solveOnce := func(weights map[int64]float64) (map[int64]float64, float64, error) {
		problem, err := s.buildProblem(weights)
		if err != nil {
			return nil, 0, err
		}
		res, err := s.backend.Solve(ctx, problem)
		if err != nil {
			return nil, 0, err
		}
		lastResult = res
		return res.ResidualsSq, res.Cost, nil
	}

	start := s.clk.Now()
	weights, err := s.weighter.Run(s.inliers, gnc.SolveFunc(solveOnce))
	if err == nil && lastResult == nil {
		// GNC off (or no closures): one plain solve at unit weights
		_, _, err = solveOnce(weights)
	}
	if err != nil {
		s.logger.Errorw("solve failed, retaining previous estimate", "error", err)
		return errors.Wrap(ErrOptimizationFailed, err.Error())
	}

	s.weights = weights
	s.estimate = lastResult.Values
	s.debugw("estimate published",
		"poses", len(s.estimate),
		"inliers", len(s.inliers),
		"cost", lastResult.Cost,
		"elapsed", s.clk.Since(start))
	return nil
}

// debugw logs at debug level only when the pipeline was configured
// verbose.
func (s *RobustSolver) debugw(msg string, keysAndValues ...interface{}) {
	if s.params.Verbosity == Verbose {
		s.logger.Debugw(msg, keysAndValues...)
	}
}

// currentValue is the best known value for a key: the published estimate
// if one exists, the loader's initial value otherwise.
func (s *RobustSolver) currentValue(key posegraph.Key) (spatialmath.Pose, bool) {
	if v, ok := s.estimate[key]; ok {
		return v, true
	}
	return s.graph.InitialValue(key)
}

// CurrentEstimate returns the latest published trajectory estimate.
func (s *RobustSolver) CurrentEstimate() map[posegraph.Key]spatialmath.Pose {
	out := make(map[posegraph.Key]spatialmath.Pose, len(s.estimate))
	for k, v := range s.estimate {
		out[k] = v
	}
	return out
}

// InlierSet returns the loop-closure identifiers currently trusted by the
// optimizer, in ascending order.
func (s *RobustSolver) InlierSet() []int64 {
	out := append([]int64(nil), s.inliers...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Weights returns the current GNC weight per accepted closure (all 1 when
// GNC is disabled).
func (s *RobustSolver) Weights() map[int64]float64 {
	out := make(map[int64]float64, len(s.weights))
	for k, v := range s.weights {
		out[k] = v
	}
	return out
}

// Graph exposes the underlying pose graph (read-only use).
func (s *RobustSolver) Graph() *posegraph.Graph { return s.graph }

func invertCov(cov *mat.SymDense) (*mat.SymDense, error) {
	var chol mat.Cholesky
	if !chol.Factorize(cov) {
		return nil, errors.New("covariance is not positive definite")
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return nil, errors.Wrap(err, "inverting covariance")
	}
	out := mat.NewSymDense(cov.SymmetricDim(), nil)
	out.CopySym(&inv)
	return out, nil
}
