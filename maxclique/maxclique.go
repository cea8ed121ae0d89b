// Package maxclique selects the largest mutually consistent subset of loop
// closures from a consistency graph. Three strategies share one contract:
// exact branch and bound, a greedy heuristic, and a Motzkin-Straus
// relaxation. All of them return vertices forming a clique, in ascending
// identifier order, and degrade to the best clique found so far when their
// context expires.
package maxclique

import (
	"context"

	"github.com/pkg/errors"

	"go.viam.com/rpgo/consistency"
)

// ErrSearchTimeout reports that a bounded-time search ran out of budget.
// The clique returned alongside it is still valid, just possibly not
// maximum.
var ErrSearchTimeout = errors.New("clique search exceeded its time budget")

// Method selects a clique search strategy.
type Method int

// The supported strategies.
const (
	// Exact is branch-and-bound search; optimal, worst-case exponential.
	Exact Method = iota
	// Heuristic is greedy growth from every vertex; fast, no optimality
	// guarantee.
	Heuristic
	// Relaxation is replicator dynamics on the Motzkin-Straus program
	// with greedy rounding; suited to dense graphs.
	Relaxation
)

func (m Method) String() string {
	switch m {
	case Exact:
		return "exact"
	case Heuristic:
		return "heuristic"
	case Relaxation:
		return "relaxation"
	default:
		return "unknown"
	}
}

// Solver finds a clique in a consistency graph.
type Solver interface {
	Solve(ctx context.Context, g *consistency.Graph) ([]int64, error)
}

// NewSolver returns the solver for the given method.
func NewSolver(m Method) (Solver, error) {
	switch m {
	case Exact:
		return &exactSolver{}, nil
	case Heuristic:
		return &heuristicSolver{}, nil
	case Relaxation:
		return &relaxationSolver{}, nil
	default:
		return nil, errors.Errorf("unknown clique method %d", m)
	}
}

// dense is the adjacency form the strategies work on: vertices remapped to
// ascending dense indices so tie-breaking by lowest identifier falls out of
// index order.
type dense struct {
	ids []int64
	adj [][]bool
	deg []int
}

func newDense(g *consistency.Graph) *dense {
	ids := g.Vertices()
	index := make(map[int64]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}
	adj := make([][]bool, len(ids))
	deg := make([]int, len(ids))
	for i, id := range ids {
		adj[i] = make([]bool, len(ids))
		for _, other := range g.Neighbors(id) {
			j := index[other]
			adj[i][j] = true
		}
		deg[i] = len(g.Neighbors(id))
	}
	return &dense{ids: ids, adj: adj, deg: deg}
}

func (d *dense) toIDs(indices []int) []int64 {
	out := make([]int64, 0, len(indices))
	for _, i := range indices {
		out = append(out, d.ids[i])
	}
	sortInt64s(out)
	return out
}

func sortInt64s(v []int64) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j] < v[j-1]; j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
}

// trivialClique handles the degenerate graphs every strategy treats the
// same way: no vertices means an empty set, no edges means the lowest
// vertex alone.
func trivialClique(g *consistency.Graph) ([]int64, bool) {
	if g.NumVertices() == 0 {
		return nil, true
	}
	if g.NumEdges() == 0 {
		return []int64{g.Vertices()[0]}, true
	}
	return nil, false
}

// IsClique reports whether the given vertices are pairwise connected in g.
func IsClique(g *consistency.Graph, vertices []int64) bool {
	for i := 0; i < len(vertices); i++ {
		for j := i + 1; j < len(vertices); j++ {
			if !g.HasEdge(vertices[i], vertices[j]) {
				return false
			}
		}
	}
	return true
}
