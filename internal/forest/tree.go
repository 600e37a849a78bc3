package forest

import (
	"cmp"
	"math/rand/v2"
	"slices"
)

// Node is one node of a regression tree. Leaves have Feature -1.
type Node struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Value     float64
	Samples   int
}

func (n Node) IsLeaf() bool { return n.Feature < 0 }

// Tree is a CART regression tree stored as a flat node slice; Nodes[0] is
// the root.
type Tree struct {
	Nodes []Node
}

// Predict walks x down the tree. Values at or below a threshold go left.
func (t *Tree) Predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.IsLeaf() {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

func (t *Tree) Depth() int {
	var walk func(i int) int
	walk = func(i int) int {
		n := t.Nodes[i]
		if n.IsLeaf() {
			return 0
		}
		return 1 + max(walk(n.Left), walk(n.Right))
	}
	return walk(0)
}

type split struct {
	feature   int
	threshold float64
	decrease  float64
}

type grower struct {
	x          [][]float64
	y          []float64
	params     Params
	rng        *rand.Rand
	nFeatures  int
	mtry       int
	tree       *Tree
	importance []float64
	scratch    []int
}

// growTree fits one tree on the rows listed in idx (duplicates allowed) and
// returns it with its unnormalized impurity decrease per feature.
func growTree(x [][]float64, y []float64, idx []int, p Params, rng *rand.Rand) (*Tree, []float64) {
	nf := len(x[0])
	g := &grower{
		x:          x,
		y:          y,
		params:     p,
		rng:        rng,
		nFeatures:  nf,
		mtry:       p.featuresPerSplit(nf),
		tree:       &Tree{},
		importance: make([]float64, nf),
		scratch:    make([]int, len(idx)),
	}
	g.grow(idx, 0)
	return g.tree, g.importance
}

func (g *grower) grow(idx []int, depth int) int {
	sum, lo, hi := 0.0, g.y[idx[0]], g.y[idx[0]]
	for _, i := range idx {
		v := g.y[i]
		sum += v
		lo = min(lo, v)
		hi = max(hi, v)
	}
	n := len(idx)
	id := len(g.tree.Nodes)
	g.tree.Nodes = append(g.tree.Nodes, Node{Feature: -1, Value: sum / float64(n), Samples: n})

	if lo == hi ||
		(g.params.MaxDepth > 0 && depth >= g.params.MaxDepth) ||
		n < g.params.MinSamplesSplit ||
		n < 2*g.params.MinSamplesLeaf {
		return id
	}

	s, ok := g.bestSplit(idx, sum)
	if !ok {
		return id
	}
	g.importance[s.feature] += s.decrease

	left, right := partition(g.x, idx, s)
	l := g.grow(left, depth+1)
	r := g.grow(right, depth+1)

	node := &g.tree.Nodes[id]
	node.Feature = s.feature
	node.Threshold = s.threshold
	node.Left = l
	node.Right = r
	return id
}

// bestSplit maximizes the reduction in summed squared error. Ties keep the
// first candidate found.
func (g *grower) bestSplit(idx []int, sum float64) (split, bool) {
	n := float64(len(idx))
	parent := sum * sum / n
	best := parent
	var out split
	found := false

	sorted := g.scratch[:len(idx)]
	minLeaf := g.params.MinSamplesLeaf
	for _, f := range g.candidates() {
		copy(sorted, idx)
		slices.SortFunc(sorted, func(a, b int) int { return cmp.Compare(g.x[a][f], g.x[b][f]) })

		left := 0.0
		for i := 0; i < len(sorted)-1; i++ {
			left += g.y[sorted[i]]
			nl := i + 1
			nr := len(sorted) - nl
			if nr < minLeaf {
				break
			}
			if nl < minLeaf {
				continue
			}
			cur, next := g.x[sorted[i]][f], g.x[sorted[i+1]][f]
			if cur == next {
				continue
			}
			right := sum - left
			score := left*left/float64(nl) + right*right/float64(nr)
			if score > best {
				best = score
				out = split{feature: f, threshold: midpoint(cur, next), decrease: score - parent}
				found = true
			}
		}
	}
	return out, found
}

func (g *grower) candidates() []int {
	if g.mtry >= g.nFeatures {
		all := make([]int, g.nFeatures)
		for i := range all {
			all[i] = i
		}
		return all
	}
	perm := g.rng.Perm(g.nFeatures)[:g.mtry]
	slices.Sort(perm)
	return perm
}

func midpoint(a, b float64) float64 {
	m := a + (b-a)/2
	if m >= b {
		return a
	}
	return m
}

func partition(x [][]float64, idx []int, s split) ([]int, []int) {
	var left, right []int
	for _, i := range idx {
		if x[i][s.feature] <= s.threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return left, right
}
