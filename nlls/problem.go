// Package nlls is the nonlinear least-squares backend for pose-graph
// optimization: a dense Gauss-Newton solver with Levenberg damping over
// prior and between factors. It is consumed through the robust package's
// Solver interface so alternative backends can be swapped in.
package nlls

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rpgo/posegraph"
	"go.viam.com/rpgo/spatialmath"
)

// PriorFactor anchors one pose to a fixed value with the given information
// matrix (inverse covariance).
type PriorFactor struct {
	Key         posegraph.Key
	Prior       spatialmath.Pose
	Information *mat.SymDense
}

// BetweenFactor constrains the relative transform between two poses.
// Weight scales the information matrix; GNC drives it below 1 for
// suspected outliers. ID tags loop-closure factors for residual reporting
// and is zero for odometry.
type BetweenFactor struct {
	ID          int64
	From, To    posegraph.Key
	Measured    spatialmath.Pose
	Information *mat.SymDense
	Weight      float64
}

// Problem is one optimization problem: variables with initial values plus
// factors. Built fresh by the incremental optimizer each solve cycle.
type Problem struct {
	initial  map[posegraph.Key]spatialmath.Pose
	priors   []PriorFactor
	betweens []BetweenFactor
	dim      int
}

// NewProblem returns an empty problem.
func NewProblem() *Problem {
	return &Problem{initial: map[posegraph.Key]spatialmath.Pose{}}
}

// AddVariable registers a pose variable with its initial value. All
// variables in one problem must share a tangent dimension.
func (p *Problem) AddVariable(key posegraph.Key, initial spatialmath.Pose) error {
	if _, ok := p.initial[key]; ok {
		return errors.Errorf("variable %d added twice", key)
	}
	if p.dim == 0 {
		p.dim = initial.Dim()
	} else if p.dim != initial.Dim() {
		return errors.Errorf("variable %d has dim %d, problem has dim %d", key, initial.Dim(), p.dim)
	}
	p.initial[key] = initial
	return nil
}

// HasVariable reports whether key is registered.
func (p *Problem) HasVariable(key posegraph.Key) bool {
	_, ok := p.initial[key]
	return ok
}

// AddPrior adds a prior factor. The key must be registered.
func (p *Problem) AddPrior(f PriorFactor) error {
	if !p.HasVariable(f.Key) {
		return errors.Errorf("prior on unregistered variable %d", f.Key)
	}
	p.priors = append(p.priors, f)
	return nil
}

// AddBetween adds a between factor. Both keys must be registered; a zero
// weight is promoted to 1 (unweighted).
func (p *Problem) AddBetween(f BetweenFactor) error {
	if !p.HasVariable(f.From) || !p.HasVariable(f.To) {
		return errors.Errorf("between factor %d->%d on unregistered variable", f.From, f.To)
	}
	if f.Weight == 0 {
		f.Weight = 1
	}
	p.betweens = append(p.betweens, f)
	return nil
}

// Keys returns the variable keys in ascending order.
func (p *Problem) Keys() []posegraph.Key {
	keys := make([]posegraph.Key, 0, len(p.initial))
	for k := range p.initial {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// NumFactors returns the total factor count.
func (p *Problem) NumFactors() int { return len(p.priors) + len(p.betweens) }

// Priors returns the prior factors in insertion order.
func (p *Problem) Priors() []PriorFactor {
	return append([]PriorFactor(nil), p.priors...)
}

// Betweens returns the between factors in insertion order.
func (p *Problem) Betweens() []BetweenFactor {
	return append([]BetweenFactor(nil), p.betweens...)
}
