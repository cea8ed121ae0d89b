package nlls

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rpgo/posegraph"
	"go.viam.com/rpgo/spatialmath"
)

// ErrConvergenceFailure reports that damping saturated without finding a
// cost decrease; the caller must not publish the partial state.
var ErrConvergenceFailure = errors.New("nonlinear solve failed to converge")

// Tunables of the damped Gauss-Newton loop.
const (
	defaultMaxIterations = 100
	defaultCostTol       = 1e-9
	defaultDeltaTol      = 1e-10
	jacobianStep         = 1e-6
	lambdaInit           = 1e-6
	lambdaFactor         = 10.0
	lambdaMax            = 1e10
	lambdaMin            = 1e-12
)

// Result carries a converged estimate. ResidualsSq maps each tagged
// between factor (loop closure) to its unweighted squared Mahalanobis
// residual at the solution, which is what GNC reweights on.
type Result struct {
	Values      map[posegraph.Key]spatialmath.Pose
	Cost        float64
	ResidualsSq map[int64]float64
	Iterations  int
}

// GaussNewton is a dense Gauss-Newton solver with Levenberg damping and
// numeric Jacobians. Fine for the moderate problem sizes of a single
// session; swap the backend for large-scale work.
type GaussNewton struct {
	MaxIterations int
	CostTol       float64
	logger        golog.Logger
}

// NewGaussNewton returns a solver with default iteration and tolerance
// settings.
func NewGaussNewton(logger golog.Logger) *GaussNewton {
	return &GaussNewton{
		MaxIterations: defaultMaxIterations,
		CostTol:       defaultCostTol,
		logger:        logger,
	}
}

// Solve optimizes the problem and returns the converged values, or
// ErrConvergenceFailure without a result.
func (s *GaussNewton) Solve(ctx context.Context, p *Problem) (*Result, error) {
	keys := p.Keys()
	if len(keys) == 0 {
		return &Result{Values: map[posegraph.Key]spatialmath.Pose{}, ResidualsSq: map[int64]float64{}}, nil
	}
	d := p.dim
	offsets := make(map[posegraph.Key]int, len(keys))
	for i, k := range keys {
		offsets[k] = i * d
	}
	n := len(keys) * d

	values := make(map[posegraph.Key]spatialmath.Pose, len(keys))
	for k, v := range p.initial {
		values[k] = v
	}
	cost := s.totalCost(p, values)

	lambda := lambdaInit
	iterations := 0
	for iter := 0; iter < s.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "solve canceled")
		}
		iterations = iter + 1
		h, b := s.assemble(p, values, offsets, n)

		accepted := false
		for lambda <= lambdaMax {
			delta, ok := solveDamped(h, b, lambda, n)
			if !ok {
				lambda *= lambdaFactor
				continue
			}
			next := retractAll(values, keys, offsets, d, delta)
			nextCost := s.totalCost(p, next)
			if nextCost <= cost {
				improvement := cost - nextCost
				values = next
				cost = nextCost
				lambda = math.Max(lambda/lambdaFactor, lambdaMin)
				accepted = true
				if improvement < s.CostTol*(cost+1e-12) || floats.Norm(delta, 2) < defaultDeltaTol {
					iter = s.MaxIterations // converged
				}
				break
			}
			lambda *= lambdaFactor
		}
		if !accepted {
			s.logger.Debugw("damping saturated", "lambda", lambda, "cost", cost)
			return nil, ErrConvergenceFailure
		}
	}

	residualsSq := map[int64]float64{}
	for _, f := range p.betweens {
		if f.ID == 0 {
			continue
		}
		r := betweenResidual(f, values)
		residualsSq[f.ID] = quadraticForm(r, f.Information)
	}
	s.logger.Debugw("solve done", "iterations", iterations, "cost", cost)
	return &Result{Values: values, Cost: cost, ResidualsSq: residualsSq, Iterations: iterations}, nil
}

// betweenResidual is the tangent-space error of a between factor:
// log(measured^-1 * (from^-1 * to)).
func betweenResidual(f BetweenFactor, values map[posegraph.Key]spatialmath.Pose) []float64 {
	rel := values[f.From].Between(values[f.To])
	return f.Measured.Between(rel).Log()
}

func priorResidual(f PriorFactor, values map[posegraph.Key]spatialmath.Pose) []float64 {
	return f.Prior.Between(values[f.Key]).Log()
}

func quadraticForm(r []float64, info *mat.SymDense) float64 {
	n := len(r)
	v := mat.NewVecDense(n, r)
	var tmp mat.VecDense
	tmp.MulVec(info, v)
	return mat.Dot(v, &tmp)
}

func (s *GaussNewton) totalCost(p *Problem, values map[posegraph.Key]spatialmath.Pose) float64 {
	total := 0.0
	for _, f := range p.priors {
		total += quadraticForm(priorResidual(f, values), f.Information)
	}
	for _, f := range p.betweens {
		total += f.Weight * quadraticForm(betweenResidual(f, values), f.Information)
	}
	return total
}

// assemble builds the normal equations H*delta = -b at the current values.
func (s *GaussNewton) assemble(
	p *Problem,
	values map[posegraph.Key]spatialmath.Pose,
	offsets map[posegraph.Key]int,
	n int,
) (*mat.SymDense, []float64) {
	d := p.dim
	h := mat.NewDense(n, n, nil)
	b := make([]float64, n)

	addBlock := func(info *mat.SymDense, weight float64, r []float64, jacs map[posegraph.Key]*mat.Dense) {
		// weighted information
		w := mat.NewDense(d, d, nil)
		w.Scale(weight, info)
		rv := mat.NewVecDense(d, r)
		for ka, ja := range jacs {
			var jtw mat.Dense
			jtw.Mul(ja.T(), w)
			// gradient contribution
			var g mat.VecDense
			g.MulVec(&jtw, rv)
			oa := offsets[ka]
			for i := 0; i < d; i++ {
				b[oa+i] += g.AtVec(i)
			}
			for kb, jb := range jacs {
				var block mat.Dense
				block.Mul(&jtw, jb)
				ob := offsets[kb]
				for i := 0; i < d; i++ {
					for j := 0; j < d; j++ {
						h.Set(oa+i, ob+j, h.At(oa+i, ob+j)+block.At(i, j))
					}
				}
			}
		}
	}

	for _, f := range p.priors {
		f := f
		r := priorResidual(f, values)
		jac := numericJacobian(d, func(delta []float64) []float64 {
			perturbed := withPerturbed(values, f.Key, delta)
			return priorResidual(f, perturbed)
		})
		addBlock(f.Information, 1, r, map[posegraph.Key]*mat.Dense{f.Key: jac})
	}
	for _, f := range p.betweens {
		f := f
		r := betweenResidual(f, values)
		jFrom := numericJacobian(d, func(delta []float64) []float64 {
			perturbed := withPerturbed(values, f.From, delta)
			return betweenResidual(f, perturbed)
		})
		jTo := numericJacobian(d, func(delta []float64) []float64 {
			perturbed := withPerturbed(values, f.To, delta)
			return betweenResidual(f, perturbed)
		})
		addBlock(f.Information, f.Weight, r, map[posegraph.Key]*mat.Dense{f.From: jFrom, f.To: jTo})
	}

	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(h.At(i, j)+h.At(j, i)))
		}
	}
	return sym, b
}

// withPerturbed returns values with one variable retracted by delta. Only
// the perturbed entry is copied.
func withPerturbed(
	values map[posegraph.Key]spatialmath.Pose,
	key posegraph.Key,
	delta []float64,
) map[posegraph.Key]spatialmath.Pose {
	out := make(map[posegraph.Key]spatialmath.Pose, len(values))
	for k, v := range values {
		out[k] = v
	}
	out[key] = values[key].Retract(delta)
	return out
}

// numericJacobian computes a central-difference Jacobian of a residual
// function of one variable's tangent perturbation.
func numericJacobian(d int, residualAt func(delta []float64) []float64) *mat.Dense {
	jac := mat.NewDense(d, d, nil)
	delta := make([]float64, d)
	for j := 0; j < d; j++ {
		delta[j] = jacobianStep
		plus := residualAt(delta)
		delta[j] = -jacobianStep
		minus := residualAt(delta)
		delta[j] = 0
		for i := 0; i < d; i++ {
			jac.Set(i, j, (plus[i]-minus[i])/(2*jacobianStep))
		}
	}
	return jac
}

// solveDamped solves (H + lambda*diag(H))*delta = -b.
func solveDamped(h *mat.SymDense, b []float64, lambda float64, n int) ([]float64, bool) {
	damped := mat.NewSymDense(n, nil)
	damped.CopySym(h)
	for i := 0; i < n; i++ {
		diag := h.At(i, i)
		if diag == 0 {
			diag = 1
		}
		damped.SetSym(i, i, h.At(i, i)+lambda*diag)
	}
	var chol mat.Cholesky
	if !chol.Factorize(damped) {
		return nil, false
	}
	neg := make([]float64, n)
	for i := range b {
		neg[i] = -b[i]
	}
	var x mat.VecDense
	if err := chol.SolveVecTo(&x, mat.NewVecDense(n, neg)); err != nil {
		return nil, false
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = x.AtVec(i)
	}
	return out, true
}

func retractAll(
	values map[posegraph.Key]spatialmath.Pose,
	keys []posegraph.Key,
	offsets map[posegraph.Key]int,
	d int,
	delta []float64,
) map[posegraph.Key]spatialmath.Pose {
	out := make(map[posegraph.Key]spatialmath.Pose, len(values))
	for _, k := range keys {
		o := offsets[k]
		out[k] = values[k].Retract(delta[o : o+d])
	}
	return out
}
