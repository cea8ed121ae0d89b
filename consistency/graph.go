// Package consistency implements pairwise consistency maximization (PCM)
// gating for loop closures: each candidate pair is checked for geometric
// compatibility around the cycle they form with the odometry chain, and the
// results are recorded in a consistency graph for clique selection.
package consistency

import "sort"

// Graph is the consistency graph: one vertex per staged loop closure, one
// undirected edge per geometrically consistent pair. It never contains
// odometry edges. Owned by the update loop; not safe for concurrent
// mutation.
type Graph struct {
	vertices map[int64]struct{}
	adj      map[int64]map[int64]struct{}
	numEdges int
}

// NewGraph returns an empty consistency graph.
func NewGraph() *Graph {
	return &Graph{
		vertices: map[int64]struct{}{},
		adj:      map[int64]map[int64]struct{}{},
	}
}

// AddVertex registers a loop-closure identifier. Adding a vertex twice is
// a no-op.
func (g *Graph) AddVertex(id int64) {
	if _, ok := g.vertices[id]; ok {
		return
	}
	g.vertices[id] = struct{}{}
	g.adj[id] = map[int64]struct{}{}
}

// HasVertex reports whether id is in the graph.
func (g *Graph) HasVertex(id int64) bool {
	_, ok := g.vertices[id]
	return ok
}

// AddEdge marks two closures as mutually consistent. Self edges are
// ignored; both endpoints must already be vertices.
func (g *Graph) AddEdge(a, b int64) {
	if a == b || !g.HasVertex(a) || !g.HasVertex(b) {
		return
	}
	if _, ok := g.adj[a][b]; ok {
		return
	}
	g.adj[a][b] = struct{}{}
	g.adj[b][a] = struct{}{}
	g.numEdges++
}

// HasEdge reports whether a and b are marked consistent.
func (g *Graph) HasEdge(a, b int64) bool {
	_, ok := g.adj[a][b]
	return ok
}

// Vertices returns all vertex identifiers in ascending order.
func (g *Graph) Vertices() []int64 {
	out := make([]int64, 0, len(g.vertices))
	for id := range g.vertices {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Neighbors returns the consistent partners of id in ascending order.
func (g *Graph) Neighbors(id int64) []int64 {
	out := make([]int64, 0, len(g.adj[id]))
	for other := range g.adj[id] {
		out = append(out, other)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NumVertices returns the vertex count.
func (g *Graph) NumVertices() int { return len(g.vertices) }

// NumEdges returns the undirected edge count.
func (g *Graph) NumEdges() int { return g.numEdges }
