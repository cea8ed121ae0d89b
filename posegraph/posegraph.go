// Package posegraph holds the pose graph data model: pose keys with initial
// values, trusted odometry edges, and staged loop-closure candidates.
package posegraph

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/rpgo/spatialmath"
)

// Key identifies one pose. Keys are assigned monotonically per session.
type Key uint64

// Kind partitions measurements into trusted odometry and candidate loop
// closures.
type Kind int

// The two measurement kinds.
const (
	Odometry Kind = iota
	LoopClosure
)

func (k Kind) String() string {
	switch k {
	case Odometry:
		return "odometry"
	case LoopClosure:
		return "loop_closure"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Measurement is one relative-pose edge. Immutable once added to a graph.
// ID is assigned by the graph when a loop closure is staged and is zero
// for odometry edges.
type Measurement struct {
	ID        int64
	From, To  Key
	Transform spatialmath.Pose
	Cov       *mat.SymDense
	Kind      Kind
}

// DuplicateKeyError reports an attempt to register a pose key twice. This
// is a malformed input graph and aborts the update that produced it.
type DuplicateKeyError struct {
	Key Key
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("pose key %d already registered", e.Key)
}

var (
	// ErrUnknownKey is returned when a measurement references a pose key
	// that was never registered.
	ErrUnknownKey = errors.New("measurement references unknown pose key")
	// ErrNotAdjacent is returned when an odometry edge does not connect
	// temporally consecutive keys.
	ErrNotAdjacent = errors.New("odometry edge must connect consecutive keys")
	// ErrNoOdometryPath is returned when no odometry chain connects two keys.
	ErrNoOdometryPath = errors.New("no odometry chain between keys")
)

// Graph is the pose graph. Not safe for concurrent mutation; the update
// loop owns it for the duration of a call.
type Graph struct {
	poses          map[Key]spatialmath.Pose
	odometryByFrom map[Key]Measurement
	odometry       []Measurement
	loopClosures   map[int64]Measurement
	nextClosureID  int64
}

// NewGraph returns an empty pose graph.
func NewGraph() *Graph {
	return &Graph{
		poses:          map[Key]spatialmath.Pose{},
		odometryByFrom: map[Key]Measurement{},
		loopClosures:   map[int64]Measurement{},
		nextClosureID:  1,
	}
}

// AddPose registers a pose key with its initial value. Registering a key
// twice fails with DuplicateKeyError.
func (g *Graph) AddPose(key Key, initial spatialmath.Pose) error {
	if _, ok := g.poses[key]; ok {
		return &DuplicateKeyError{Key: key}
	}
	g.poses[key] = initial
	return nil
}

// HasPose reports whether key is registered.
func (g *Graph) HasPose(key Key) bool {
	_, ok := g.poses[key]
	return ok
}

// InitialValue returns the registered initial value for key.
func (g *Graph) InitialValue(key Key) (spatialmath.Pose, bool) {
	p, ok := g.poses[key]
	return p, ok
}

// AddOdometry adds a trusted odometry edge. Both endpoints must be
// registered and consecutive.
func (g *Graph) AddOdometry(m Measurement) error {
	if !g.HasPose(m.From) || !g.HasPose(m.To) {
		return errors.Wrapf(ErrUnknownKey, "odometry %d->%d", m.From, m.To)
	}
	if m.To != m.From+1 {
		return errors.Wrapf(ErrNotAdjacent, "odometry %d->%d", m.From, m.To)
	}
	m.Kind = Odometry
	m.ID = 0
	g.odometryByFrom[m.From] = m
	g.odometry = append(g.odometry, m)
	return nil
}

// AddLoopClosure stages a loop-closure candidate and returns its assigned
// identifier. The closure is not trusted until the consistency pipeline
// accepts it.
func (g *Graph) AddLoopClosure(m Measurement) (int64, error) {
	if !g.HasPose(m.From) || !g.HasPose(m.To) {
		return 0, errors.Wrapf(ErrUnknownKey, "loop closure %d->%d", m.From, m.To)
	}
	if m.From == m.To {
		return 0, errors.Errorf("loop closure cannot be a self edge on key %d", m.From)
	}
	m.Kind = LoopClosure
	m.ID = g.nextClosureID
	g.nextClosureID++
	g.loopClosures[m.ID] = m
	return m.ID, nil
}

// Odometry returns the odometry edges in insertion order.
func (g *Graph) Odometry() []Measurement {
	out := make([]Measurement, len(g.odometry))
	copy(out, g.odometry)
	return out
}

// LoopClosure returns the staged closure with the given identifier.
func (g *Graph) LoopClosure(id int64) (Measurement, bool) {
	m, ok := g.loopClosures[id]
	return m, ok
}

// LoopClosureIDs returns all staged closure identifiers in ascending order.
func (g *Graph) LoopClosureIDs() []int64 {
	ids := make([]int64, 0, len(g.loopClosures))
	for id := range g.loopClosures {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Keys returns all registered pose keys in ascending order.
func (g *Graph) Keys() []Key {
	keys := make([]Key, 0, len(g.poses))
	for k := range g.poses {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// UnderconstrainedKeys returns registered keys touched by no measurement.
// An isolated pose is permitted but leaves the problem under-constrained,
// so callers log it before solving.
func (g *Graph) UnderconstrainedKeys() []Key {
	touched := map[Key]bool{}
	for _, m := range g.odometry {
		touched[m.From] = true
		touched[m.To] = true
	}
	for _, m := range g.loopClosures {
		touched[m.From] = true
		touched[m.To] = true
	}
	var out []Key
	for _, k := range g.Keys() {
		if !touched[k] {
			out = append(out, k)
		}
	}
	return out
}

// BetweenOdometry composes the odometry chain from key a to key b and
// propagates covariance along it. Works in either key order; the reverse
// direction is the inverse of the forward chain.
func (g *Graph) BetweenOdometry(a, b Key) (spatialmath.Pose, *mat.SymDense, error) {
	if a == b {
		first, ok := g.poses[a]
		if !ok {
			return nil, nil, errors.Wrapf(ErrUnknownKey, "key %d", a)
		}
		n := first.Dim()
		return first.Identity(), mat.NewSymDense(n, nil), nil
	}
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	m, ok := g.odometryByFrom[lo]
	if !ok {
		return nil, nil, errors.Wrapf(ErrNoOdometryPath, "keys %d..%d", lo, hi)
	}
	pose := m.Transform
	cov := cloneSym(m.Cov)
	for k := lo + 1; k < hi; k++ {
		m, ok = g.odometryByFrom[k]
		if !ok {
			return nil, nil, errors.Wrapf(ErrNoOdometryPath, "keys %d..%d", lo, hi)
		}
		cov = spatialmath.ComposeCovariance(cov, m.Cov, m.Transform)
		pose = pose.Compose(m.Transform)
	}
	if a > b {
		cov = spatialmath.InvertCovariance(cov, pose)
		pose = pose.Inverse()
	}
	return pose, cov, nil
}

func cloneSym(s *mat.SymDense) *mat.SymDense {
	n := s.SymmetricDim()
	out := mat.NewSymDense(n, nil)
	out.CopySym(s)
	return out
}
