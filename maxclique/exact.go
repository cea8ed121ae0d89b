package maxclique

import (
	"context"
	"sort"

	"go.viam.com/rpgo/consistency"
)

// exactSolver is Tomita-style branch and bound with a greedy-coloring
// bound. Among equal-size maximum cliques the one whose sorted members
// have the lowest identifiers wins.
type exactSolver struct{}

// check the context only every so many expansions; ctx.Err is not free.
const expansionsPerCancelCheck = 256

type exactState struct {
	d          *dense
	ctx        context.Context
	best       []int
	expansions int
	timedOut   bool
}

func (s *exactSolver) Solve(ctx context.Context, g *consistency.Graph) ([]int64, error) {
	if out, done := trivialClique(g); done {
		return out, nil
	}
	d := newDense(g)
	st := &exactState{d: d, ctx: ctx}

	all := make([]int, len(d.ids))
	for i := range all {
		all[i] = i
	}
	st.expand(nil, all)

	out := d.toIDs(st.best)
	if st.timedOut {
		return out, ErrSearchTimeout
	}
	return out, nil
}

func (st *exactState) expand(r, candidates []int) {
	if st.timedOut {
		return
	}
	st.expansions++
	if st.expansions%expansionsPerCancelCheck == 0 && st.ctx.Err() != nil {
		st.timedOut = true
		return
	}
	if len(candidates) == 0 {
		if betterClique(r, st.best) {
			st.best = append([]int(nil), r...)
		}
		return
	}

	order, colors := st.colorSort(candidates)
	for i := len(order) - 1; i >= 0; i-- {
		// ties are still explored so the identifier tie-break can apply
		if len(r)+colors[i] < len(st.best) {
			return
		}
		v := order[i]
		var next []int
		for _, u := range order[:i] {
			if st.d.adj[v][u] {
				next = append(next, u)
			}
		}
		st.expand(append(r, v), next)
		if st.timedOut {
			return
		}
	}
}

// betterClique prefers the larger clique; on equal size the one whose
// sorted members compare lexicographically smaller wins. Dense indices are
// in ascending identifier order, so index order is identifier order.
func betterClique(a, b []int) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	as := append([]int(nil), a...)
	bs := append([]int(nil), b...)
	sort.Ints(as)
	sort.Ints(bs)
	for i := range as {
		if as[i] != bs[i] {
			return as[i] < bs[i]
		}
	}
	return false
}

// colorSort greedily colors the candidate set in ascending index order and
// returns the candidates sorted by color class; colors[i] is the color
// number of order[i] and upper-bounds the clique extendable through it.
func (st *exactState) colorSort(candidates []int) (order, colors []int) {
	classes := [][]int{}
	for _, v := range candidates {
		placed := false
		for ci := range classes {
			conflict := false
			for _, u := range classes[ci] {
				if st.d.adj[v][u] {
					conflict = true
					break
				}
			}
			if !conflict {
				classes[ci] = append(classes[ci], v)
				placed = true
				break
			}
		}
		if !placed {
			classes = append(classes, []int{v})
		}
	}
	for ci, class := range classes {
		for _, v := range class {
			order = append(order, v)
			colors = append(colors, ci+1)
		}
	}
	return order, colors
}
