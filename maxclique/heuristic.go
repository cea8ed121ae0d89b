package maxclique

import (
	"context"

	"go.viam.com/rpgo/consistency"
)

// heuristicSolver grows a clique greedily from every vertex and keeps the
// best. Within a growth step the candidate with the most surviving
// candidate neighbors wins, lowest index on ties, so results are
// reproducible.
type heuristicSolver struct{}

func (s *heuristicSolver) Solve(ctx context.Context, g *consistency.Graph) ([]int64, error) {
	if out, done := trivialClique(g); done {
		return out, nil
	}
	d := newDense(g)

	var best []int
	timedOut := false
	for start := range d.ids {
		if ctx.Err() != nil {
			timedOut = true
			break
		}
		// a start vertex whose degree cannot beat the best is not worth
		// growing
		if d.deg[start]+1 <= len(best) {
			continue
		}
		clique := s.grow(d, start)
		if len(clique) > len(best) {
			best = clique
		}
	}

	out := d.toIDs(best)
	if timedOut {
		return out, ErrSearchTimeout
	}
	return out, nil
}

func (s *heuristicSolver) grow(d *dense, start int) []int {
	clique := []int{start}
	var candidates []int
	for v := range d.ids {
		if d.adj[start][v] {
			candidates = append(candidates, v)
		}
	}
	for len(candidates) > 0 {
		// pick the candidate keeping the most options open
		bestIdx, bestScore := -1, -1
		for _, v := range candidates {
			score := 0
			for _, u := range candidates {
				if d.adj[v][u] {
					score++
				}
			}
			if score > bestScore {
				bestIdx, bestScore = v, score
			}
		}
		clique = append(clique, bestIdx)
		var next []int
		for _, v := range candidates {
			if v != bestIdx && d.adj[bestIdx][v] {
				next = append(next, v)
			}
		}
		candidates = next
	}
	return clique
}
