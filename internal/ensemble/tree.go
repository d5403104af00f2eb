package ensemble

import (
	"sort"
)

// node is one vertex of a regression tree. Rows with x[Feature] < Threshold go left.
type node struct {
	Leaf      bool    `json:"leaf,omitempty"`
	Feature   int     `json:"feature,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
	Left      int     `json:"left,omitempty"`
	Right     int     `json:"right,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Gain      float64 `json:"gain,omitempty"`
}

// tree stores nodes in a flat slice rooted at index 0.
type tree struct {
	Nodes []node `json:"nodes"`
}

func (t *tree) predict(x []float64) float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if x[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// treeBuilder fits one regression tree to second-order gradient statistics.
type treeBuilder struct {
	x        [][]float64
	grad     []float64
	hess     []float64
	features []int
	params   Params
	nodes    []node
}

func (b *treeBuilder) build(rows []int) tree {
	b.nodes = b.nodes[:0]
	b.grow(rows, 0)
	return tree{Nodes: append([]node(nil), b.nodes...)}
}

func (b *treeBuilder) grow(rows []int, depth int) int {
	idx := len(b.nodes)
	b.nodes = append(b.nodes, node{})

	var g, h float64
	for _, r := range rows {
		g += b.grad[r]
		h += b.hess[r]
	}

	leaf := node{Leaf: true, Value: -g / (h + b.params.Lambda) * b.params.LearningRate}
	if depth >= b.params.MaxDepth || len(rows) < 2 {
		b.nodes[idx] = leaf
		return idx
	}

	split, ok := b.bestSplit(rows, g, h)
	if !ok {
		b.nodes[idx] = leaf
		return idx
	}

	var left, right []int
	for _, r := range rows {
		if b.x[r][split.feature] < split.threshold {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}

	l := b.grow(left, depth+1)
	rt := b.grow(right, depth+1)
	b.nodes[idx] = node{
		Feature:   split.feature,
		Threshold: split.threshold,
		Left:      l,
		Right:     rt,
		Gain:      split.gain,
	}
	return idx
}

type candidate struct {
	feature   int
	threshold float64
	gain      float64
}

func (b *treeBuilder) bestSplit(rows []int, g, h float64) (candidate, bool) {
	lambda := b.params.Lambda
	parent := g * g / (h + lambda)
	best := candidate{gain: 0}
	found := false

	sorted := make([]int, len(rows))
	for _, f := range b.features {
		copy(sorted, rows)
		sort.SliceStable(sorted, func(i, j int) bool {
			return b.x[sorted[i]][f] < b.x[sorted[j]][f]
		})

		var gl, hl float64
		for i := 0; i < len(sorted)-1; i++ {
			r := sorted[i]
			gl += b.grad[r]
			hl += b.hess[r]

			cur, next := b.x[r][f], b.x[sorted[i+1]][f]
			if cur == next {
				continue
			}
			hr := h - hl
			if hl < b.params.MinChildWeight || hr < b.params.MinChildWeight {
				continue
			}
			gr := g - gl
			gain := 0.5*(gl*gl/(hl+lambda)+gr*gr/(hr+lambda)-parent) - b.params.Gamma
			if gain > best.gain {
				best = candidate{feature: f, threshold: cur + (next-cur)/2, gain: gain}
				found = true
			}
		}
	}
	return best, found
}
