package spatialmath

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose3 is a rigid transform in space: a translation and a unit rotation
// quaternion.
type Pose3 struct {
	T r3.Vector
	R quat.Number
}

// NewPose3 returns the SE(3) pose with the given translation and rotation.
// The quaternion is normalized.
func NewPose3(t r3.Vector, r quat.Number) *Pose3 {
	n := math.Sqrt(r.Real*r.Real + r.Imag*r.Imag + r.Jmag*r.Jmag + r.Kmag*r.Kmag)
	if n == 0 {
		r = quat.Number{Real: 1}
	} else {
		r = quat.Scale(1/n, r)
	}
	return &Pose3{T: t, R: r}
}

// NewZeroPose3 returns the SE(3) identity.
func NewZeroPose3() *Pose3 {
	return &Pose3{R: quat.Number{Real: 1}}
}

// rotateVector applies the rotation quaternion q to v as q*v*conj(q).
func rotateVector(q quat.Number, v r3.Vector) r3.Vector {
	qv := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	out := quat.Mul(quat.Mul(q, qv), quat.Conj(q))
	return r3.Vector{X: out.Imag, Y: out.Jmag, Z: out.Kmag}
}

// Compose implements Pose.
func (p *Pose3) Compose(other Pose) Pose {
	o := mustPose3(other)
	return NewPose3(p.T.Add(rotateVector(p.R, o.T)), quat.Mul(p.R, o.R))
}

// Inverse implements Pose.
func (p *Pose3) Inverse() Pose {
	rInv := quat.Conj(p.R)
	return NewPose3(rotateVector(rInv, p.T.Mul(-1)), rInv)
}

// Between implements Pose.
func (p *Pose3) Between(other Pose) Pose {
	return p.Inverse().Compose(other)
}

// rotationLog returns the rotation vector (axis * angle) of a unit
// quaternion, with the angle in [0, pi].
func rotationLog(q quat.Number) r3.Vector {
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	imag := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	n := imag.Norm()
	if n < angleEpsilon {
		// small angle: q ~ (1, phi/2)
		return imag.Mul(2)
	}
	theta := 2 * math.Atan2(n, q.Real)
	return imag.Mul(theta / n)
}

// rotationExp returns the unit quaternion of a rotation vector.
func rotationExp(phi r3.Vector) quat.Number {
	theta := phi.Norm()
	if theta < angleEpsilon {
		half := phi.Mul(0.5)
		q := quat.Number{Real: 1, Imag: half.X, Jmag: half.Y, Kmag: half.Z}
		n := math.Sqrt(q.Real*q.Real + q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
		return quat.Scale(1/n, q)
	}
	axis := phi.Mul(1 / theta)
	s := math.Sin(theta / 2)
	return quat.Number{Real: math.Cos(theta / 2), Imag: s * axis.X, Jmag: s * axis.Y, Kmag: s * axis.Z}
}

func skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// rotationMatrix converts a unit quaternion to its 3x3 rotation matrix.
func rotationMatrix(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// Log implements Pose. Exact SE(3) logarithm, translation first.
func (p *Pose3) Log() []float64 {
	phi := rotationLog(p.R)
	theta := phi.Norm()

	// rho = Vinv(phi) * t
	vinv := mat.NewDense(3, 3, nil)
	eye3(vinv)
	ph := skew(phi)
	var half mat.Dense
	half.Scale(0.5, ph)
	vinv.Sub(vinv, &half)
	var coef float64
	if theta < angleEpsilon {
		coef = 1.0 / 12
	} else {
		coef = (1 - theta*math.Sin(theta)/(2*(1-math.Cos(theta)))) / (theta * theta)
	}
	var ph2, scaled mat.Dense
	ph2.Mul(ph, ph)
	scaled.Scale(coef, &ph2)
	vinv.Add(vinv, &scaled)

	t := mat.NewVecDense(3, []float64{p.T.X, p.T.Y, p.T.Z})
	var rho mat.VecDense
	rho.MulVec(vinv, t)

	return []float64{rho.AtVec(0), rho.AtVec(1), rho.AtVec(2), phi.X, phi.Y, phi.Z}
}

// Retract implements Pose.
func (p *Pose3) Retract(delta []float64) Pose {
	if len(delta) != 6 {
		panic(fmt.Sprintf("expected tangent of length 6, got %d", len(delta)))
	}
	return p.Compose(exp3(
		r3.Vector{X: delta[0], Y: delta[1], Z: delta[2]},
		r3.Vector{X: delta[3], Y: delta[4], Z: delta[5]},
	))
}

// exp3 is the SE(3) exponential of tangent (rho, phi).
func exp3(rho, phi r3.Vector) *Pose3 {
	theta := phi.Norm()
	q := rotationExp(phi)

	v := mat.NewDense(3, 3, nil)
	eye3(v)
	if theta >= angleEpsilon {
		ph := skew(phi)
		var a, b, ph2 mat.Dense
		a.Scale((1-math.Cos(theta))/(theta*theta), ph)
		ph2.Mul(ph, ph)
		b.Scale((theta-math.Sin(theta))/(theta*theta*theta), &ph2)
		v.Add(v, &a)
		v.Add(v, &b)
	}
	rhoVec := mat.NewVecDense(3, []float64{rho.X, rho.Y, rho.Z})
	var t mat.VecDense
	t.MulVec(v, rhoVec)
	return NewPose3(r3.Vector{X: t.AtVec(0), Y: t.AtVec(1), Z: t.AtVec(2)}, q)
}

// Adjoint implements Pose. Tangent ordering (rho, phi).
func (p *Pose3) Adjoint() *mat.Dense {
	r := rotationMatrix(p.R)
	var tr mat.Dense
	tr.Mul(skew(p.T), r)
	adj := mat.NewDense(6, 6, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			adj.Set(i, j, r.At(i, j))
			adj.Set(i, j+3, tr.At(i, j))
			adj.Set(i+3, j+3, r.At(i, j))
		}
	}
	return adj
}

// Identity implements Pose.
func (p *Pose3) Identity() Pose { return NewZeroPose3() }

// Translation implements Pose.
func (p *Pose3) Translation() []float64 { return []float64{p.T.X, p.T.Y, p.T.Z} }

// RotationMagnitude implements Pose.
func (p *Pose3) RotationMagnitude() float64 { return rotationLog(p.R).Norm() }

// Dim implements Pose.
func (p *Pose3) Dim() int { return 6 }

func (p *Pose3) String() string {
	return fmt.Sprintf("(%.6f, %.6f, %.6f; %v)", p.T.X, p.T.Y, p.T.Z, p.R)
}

func eye3(m *mat.Dense) {
	for i := 0; i < 3; i++ {
		m.Set(i, i, 1)
	}
}

func mustPose3(p Pose) *Pose3 {
	o, ok := p.(*Pose3)
	if !ok {
		panic(fmt.Sprintf("expected *Pose3, got %T", p))
	}
	return o
}
