// Package ann implements a Vamana proximity graph, the in-memory structure
// behind DiskANN-style approximate nearest-neighbour search. The graph is
// built once over a fixed set of vectors and is read-only afterwards, so
// concurrent searches need no locking.
package ann

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
)

// DistanceFunc returns the distance between two vectors of equal length.
// Smaller is nearer.
type DistanceFunc func(a, b []float32) float64

// Options configures graph construction and search.
type Options struct {
	// R is the maximum out-degree of a node.
	R int

	// L is the candidate list size used while building.
	L int

	// SearchL is the default candidate list size used by Search. It is raised
	// to k when smaller.
	SearchL int

	// Alpha (>= 1) trades sparsity for longer-range edges during pruning.
	Alpha float64

	// Seed drives the random initial edges so builds are reproducible.
	Seed int64
}

// DefaultOptions returns parameters suited to FAQ-sized corpora.
func DefaultOptions() Options {
	return Options{
		R:       32,
		L:       64,
		SearchL: 64,
		Alpha:   1.2,
		Seed:    42,
	}
}

// Neighbor is a search hit: the position of the vector in the build input
// and its distance to the query.
type Neighbor struct {
	Index    int
	Distance float64
}

// Graph is a built Vamana graph.
type Graph struct {
	opts    Options
	dist    DistanceFunc
	vectors [][]float32
	edges   [][]int
	entry   int
}

// Build constructs a graph over vectors. The vectors are copied; positions in
// the slice become the Neighbor indexes returned by Search.
func Build(ctx context.Context, vectors [][]float32, dist DistanceFunc, opts Options) (*Graph, error) {
	if len(vectors) == 0 {
		return nil, errors.New("ann: no vectors to build")
	}
	if dist == nil {
		return nil, errors.New("ann: distance function must not be nil")
	}
	if opts.R <= 0 || opts.L <= 0 || opts.Alpha < 1 {
		return nil, fmt.Errorf("ann: invalid graph parameters R=%d L=%d alpha=%v", opts.R, opts.L, opts.Alpha)
	}
	if opts.SearchL <= 0 {
		opts.SearchL = opts.L
	}

	dim := len(vectors[0])
	g := &Graph{
		opts:    opts,
		dist:    dist,
		vectors: make([][]float32, len(vectors)),
		edges:   make([][]int, len(vectors)),
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("ann: vector %d has %d dimensions, want %d", i, len(v), dim)
		}
		g.vectors[i] = append([]float32(nil), v...)
	}

	n := len(g.vectors)
	rng := rand.New(rand.NewSource(opts.Seed))
	for i := 0; i < n; i++ {
		want := min(opts.R/2, n-1)
		seen := make(map[int]struct{}, want)
		for len(seen) < want {
			if j := rng.Intn(n); j != i {
				seen[j] = struct{}{}
			}
		}
		g.edges[i] = make([]int, 0, len(seen))
		for j := range seen {
			g.edges[i] = append(g.edges[i], j)
		}
		sort.Ints(g.edges[i])
	}

	g.entry = g.medoid()

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		visited := g.greedySearch(g.vectors[i], opts.L)
		cands := make([]int, 0, len(visited)+len(g.edges[i]))
		for _, nb := range visited {
			cands = append(cands, nb.Index)
		}
		cands = append(cands, g.edges[i]...)
		g.edges[i] = g.robustPrune(i, cands)

		for _, j := range g.edges[i] {
			g.addEdge(j, i)
		}
	}

	return g, nil
}

// Len returns the number of vectors in the graph.
func (g *Graph) Len() int {
	return len(g.vectors)
}

// Search returns up to k approximate nearest neighbours of query ordered by
// ascending distance. l overrides the candidate list size when positive.
func (g *Graph) Search(query []float32, k, l int) []Neighbor {
	if k <= 0 || len(g.vectors) == 0 {
		return nil
	}
	if l <= 0 {
		l = g.opts.SearchL
	}
	l = max(l, k)
	res := g.greedySearch(query, l)
	if len(res) > k {
		res = res[:k]
	}
	return res
}

// greedySearch is the Vamana beam search: repeatedly expand the nearest
// unexpanded candidate until every one of the best l has been expanded.
func (g *Graph) greedySearch(query []float32, l int) []Neighbor {
	type cand struct {
		Neighbor
		expanded bool
	}
	visited := map[int]struct{}{g.entry: {}}
	list := []cand{{Neighbor: Neighbor{Index: g.entry, Distance: g.dist(query, g.vectors[g.entry])}}}

	for {
		next := -1
		for i := range list {
			if !list[i].expanded {
				next = i
				break
			}
		}
		if next < 0 {
			break
		}
		list[next].expanded = true

		for _, j := range g.edges[list[next].Index] {
			if _, ok := visited[j]; ok {
				continue
			}
			visited[j] = struct{}{}
			d := g.dist(query, g.vectors[j])
			if len(list) >= l && d >= list[len(list)-1].Distance {
				continue
			}
			pos := sort.Search(len(list), func(x int) bool { return list[x].Distance > d })
			list = append(list, cand{})
			copy(list[pos+1:], list[pos:])
			list[pos] = cand{Neighbor: Neighbor{Index: j, Distance: d}}
			if len(list) > l {
				list = list[:l]
			}
		}
	}

	out := make([]Neighbor, len(list))
	for i, c := range list {
		out[i] = c.Neighbor
	}
	return out
}

// robustPrune keeps at most R candidates for node, skipping any candidate
// that an already selected neighbour covers within a factor of Alpha.
func (g *Graph) robustPrune(node int, cands []int) []int {
	seen := make(map[int]struct{}, len(cands))
	scored := make([]Neighbor, 0, len(cands))
	for _, c := range cands {
		if c == node {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		scored = append(scored, Neighbor{Index: c, Distance: g.dist(g.vectors[node], g.vectors[c])})
	}
	sort.Slice(scored, func(a, b int) bool {
		if scored[a].Distance != scored[b].Distance {
			return scored[a].Distance < scored[b].Distance
		}
		return scored[a].Index < scored[b].Index
	})

	selected := make([]int, 0, g.opts.R)
	for _, c := range scored {
		if len(selected) >= g.opts.R {
			break
		}
		keep := true
		for _, s := range selected {
			if g.opts.Alpha*g.dist(g.vectors[c.Index], g.vectors[s]) <= c.Distance {
				keep = false
				break
			}
		}
		if keep {
			selected = append(selected, c.Index)
		}
	}
	return selected
}

// addEdge adds src -> dst, pruning src when it exceeds R edges.
func (g *Graph) addEdge(src, dst int) {
	for _, j := range g.edges[src] {
		if j == dst {
			return
		}
	}
	g.edges[src] = append(g.edges[src], dst)
	if len(g.edges[src]) > g.opts.R {
		g.edges[src] = g.robustPrune(src, g.edges[src])
	}
}

// medoid returns the vector nearest to the centroid, used as the search entry.
func (g *Graph) medoid() int {
	dim := len(g.vectors[0])
	centroid := make([]float32, dim)
	for _, v := range g.vectors {
		for j, x := range v {
			centroid[j] += x
		}
	}
	for j := range centroid {
		centroid[j] /= float32(len(g.vectors))
	}

	best, bestDist := 0, g.dist(centroid, g.vectors[0])
	for i := 1; i < len(g.vectors); i++ {
		if d := g.dist(centroid, g.vectors[i]); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}
