// Package spatialmath defines the rigid transform types and covariance
// algebra used by the pose graph. SE(2) and SE(3) poses implement one Pose
// interface so the estimation code is written once for both.
package spatialmath

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Pose is a rigid transform together with the Lie-group operations the
// estimator needs. Implementations are immutable; every operation returns a
// new value. Mixing SE(2) and SE(3) poses in one operation is a programmer
// error and panics.
type Pose interface {
	// Compose returns this pose followed by other (this * other).
	Compose(other Pose) Pose
	// Inverse returns the inverse transform.
	Inverse() Pose
	// Between returns the relative transform from this pose to other,
	// i.e. Inverse() composed with other.
	Between(other Pose) Pose
	// Log returns the tangent-space coordinates of the pose, translation
	// components first: (x, y, theta) for SE(2), (x, y, z, rx, ry, rz)
	// for SE(3).
	Log() []float64
	// Retract composes the pose with the exponential of the given tangent
	// vector, which must have length Dim().
	Retract(delta []float64) Pose
	// Adjoint returns the Dim()xDim() adjoint map of the pose, ordered to
	// match Log.
	Adjoint() *mat.Dense
	// Identity returns the identity pose of the same group.
	Identity() Pose
	// Translation returns the translation components, length 2 or 3.
	Translation() []float64
	// RotationMagnitude returns the absolute rotation angle in radians.
	RotationMagnitude() float64
	// Dim is the tangent-space dimension, 3 for SE(2) and 6 for SE(3).
	Dim() int
}

// If an angle is within this of zero we switch to the series expansions of
// the exp/log coefficient functions.
const angleEpsilon = 1e-9

// normalizeAngle wraps an angle to (-pi, pi].
func normalizeAngle(theta float64) float64 {
	for theta > math.Pi {
		theta -= 2 * math.Pi
	}
	for theta <= -math.Pi {
		theta += 2 * math.Pi
	}
	return theta
}

// PoseAlmostEqual reports whether two poses agree to within tol in every
// tangent coordinate of their relative transform.
func PoseAlmostEqual(a, b Pose, tol float64) bool {
	delta := a.Between(b).Log()
	for _, d := range delta {
		if math.Abs(d) > tol {
			return false
		}
	}
	return true
}

// ComposeCovariance propagates measurement covariance across a composition:
// given cov(a) and cov(b) for relative transforms a then b, both expressed
// in their own body frames, it returns the covariance of a*b in the frame
// of the composed transform. First-order propagation by the adjoint of the
// inverse of the second leg.
func ComposeCovariance(aCov, bCov *mat.SymDense, b Pose) *mat.SymDense {
	n := b.Dim()
	adj := b.Inverse().Adjoint()
	var tmp, full mat.Dense
	tmp.Mul(adj, aCov)
	full.Mul(&tmp, adj.T())
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			// symmetrize against first-order asymmetry
			out.SetSym(i, j, 0.5*(full.At(i, j)+full.At(j, i))+bCov.At(i, j))
		}
	}
	return out
}

// InvertCovariance returns the covariance of p.Inverse() given the
// covariance of p, propagated by the adjoint of p.
func InvertCovariance(cov *mat.SymDense, p Pose) *mat.SymDense {
	n := p.Dim()
	adj := p.Adjoint()
	var tmp, full mat.Dense
	tmp.Mul(adj, cov)
	full.Mul(&tmp, adj.T())
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, 0.5*(full.At(i, j)+full.At(j, i)))
		}
	}
	return out
}
