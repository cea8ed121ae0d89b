package spatialmath

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Pose2 is a rigid transform in the plane: translation plus heading.
// Theta is kept normalized to (-pi, pi].
type Pose2 struct {
	X, Y, Theta float64
}

// NewPose2 returns the SE(2) pose with the given translation and heading.
func NewPose2(x, y, theta float64) *Pose2 {
	return &Pose2{X: x, Y: y, Theta: normalizeAngle(theta)}
}

// NewZeroPose2 returns the SE(2) identity.
func NewZeroPose2() *Pose2 {
	return &Pose2{}
}

// Compose implements Pose.
func (p *Pose2) Compose(other Pose) Pose {
	o := mustPose2(other)
	c, s := math.Cos(p.Theta), math.Sin(p.Theta)
	return &Pose2{
		X:     p.X + c*o.X - s*o.Y,
		Y:     p.Y + s*o.X + c*o.Y,
		Theta: normalizeAngle(p.Theta + o.Theta),
	}
}

// Inverse implements Pose.
func (p *Pose2) Inverse() Pose {
	c, s := math.Cos(p.Theta), math.Sin(p.Theta)
	return &Pose2{
		X:     -(c*p.X + s*p.Y),
		Y:     -(-s*p.X + c*p.Y),
		Theta: normalizeAngle(-p.Theta),
	}
}

// Between implements Pose.
func (p *Pose2) Between(other Pose) Pose {
	return p.Inverse().Compose(other)
}

// Log implements Pose. Exact SE(2) logarithm.
func (p *Pose2) Log() []float64 {
	theta := p.Theta
	var a float64
	if math.Abs(theta) < angleEpsilon {
		a = 1 - theta*theta/12
	} else {
		a = theta * math.Sin(theta) / (2 * (1 - math.Cos(theta)))
	}
	halfTheta := theta / 2
	return []float64{
		a*p.X + halfTheta*p.Y,
		-halfTheta*p.X + a*p.Y,
		theta,
	}
}

// Retract implements Pose.
func (p *Pose2) Retract(delta []float64) Pose {
	if len(delta) != 3 {
		panic(fmt.Sprintf("expected tangent of length 3, got %d", len(delta)))
	}
	return p.Compose(exp2(delta[0], delta[1], delta[2]))
}

// exp2 is the SE(2) exponential of tangent (vx, vy, omega).
func exp2(vx, vy, omega float64) *Pose2 {
	if math.Abs(omega) < angleEpsilon {
		return NewPose2(vx-omega*vy/2, vy+omega*vx/2, omega)
	}
	s, c := math.Sin(omega), math.Cos(omega)
	return NewPose2(
		(s*vx-(1-c)*vy)/omega,
		((1-c)*vx+s*vy)/omega,
		omega,
	)
}

// Adjoint implements Pose. Tangent ordering (vx, vy, omega).
func (p *Pose2) Adjoint() *mat.Dense {
	c, s := math.Cos(p.Theta), math.Sin(p.Theta)
	return mat.NewDense(3, 3, []float64{
		c, -s, p.Y,
		s, c, -p.X,
		0, 0, 1,
	})
}

// Identity implements Pose.
func (p *Pose2) Identity() Pose { return NewZeroPose2() }

// Translation implements Pose.
func (p *Pose2) Translation() []float64 { return []float64{p.X, p.Y} }

// RotationMagnitude implements Pose.
func (p *Pose2) RotationMagnitude() float64 { return math.Abs(p.Theta) }

// Dim implements Pose.
func (p *Pose2) Dim() int { return 3 }

func (p *Pose2) String() string {
	return fmt.Sprintf("(%.6f, %.6f; %.6f)", p.X, p.Y, p.Theta)
}

func mustPose2(p Pose) *Pose2 {
	o, ok := p.(*Pose2)
	if !ok {
		panic(fmt.Sprintf("expected *Pose2, got %T", p))
	}
	return o
}
