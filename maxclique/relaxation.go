package maxclique

import (
	"context"
	"sort"

	"gonum.org/v1/gonum/mat"

	"go.viam.com/rpgo/consistency"
)

// relaxationSolver runs replicator dynamics on the Motzkin-Straus quadratic
// program (maximize x'Ax over the simplex; maximizers concentrate on a
// maximum clique) and rounds the converged support to a clique greedily.
// Scales well on dense graphs where branch and bound churns.
type relaxationSolver struct{}

const (
	relaxationMaxIters = 500
	relaxationTol      = 1e-8
)

func (s *relaxationSolver) Solve(ctx context.Context, g *consistency.Graph) ([]int64, error) {
	if out, done := trivialClique(g); done {
		return out, nil
	}
	d := newDense(g)
	n := len(d.ids)

	a := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if d.adj[i][j] {
				a.Set(i, j, 1)
			}
		}
	}

	// uniform start on the simplex
	x := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		x.SetVec(i, 1/float64(n))
	}

	timedOut := false
	var ax mat.VecDense
	for iter := 0; iter < relaxationMaxIters; iter++ {
		if iter%32 == 0 && ctx.Err() != nil {
			timedOut = true
			break
		}
		ax.MulVec(a, x)
		total := mat.Dot(x, &ax)
		if total <= 0 {
			break
		}
		delta := 0.0
		for i := 0; i < n; i++ {
			next := x.AtVec(i) * ax.AtVec(i) / total
			if diff := next - x.AtVec(i); diff > delta || -diff > delta {
				if diff < 0 {
					diff = -diff
				}
				delta = diff
			}
			x.SetVec(i, next)
		}
		if delta < relaxationTol {
			break
		}
	}

	clique := s.round(d, x)
	out := d.toIDs(clique)
	if timedOut {
		return out, ErrSearchTimeout
	}
	return out, nil
}

// round orders vertices by converged mass (lowest index on ties) and keeps
// each one that stays pairwise connected to everything kept so far, so the
// result is always a clique even if the dynamics stopped early.
func (s *relaxationSolver) round(d *dense, x *mat.VecDense) []int {
	n := len(d.ids)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return x.AtVec(order[i]) > x.AtVec(order[j])
	})

	var clique []int
	for _, v := range order {
		ok := true
		for _, u := range clique {
			if !d.adj[v][u] {
				ok = false
				break
			}
		}
		if ok {
			clique = append(clique, v)
		}
	}
	return clique
}
