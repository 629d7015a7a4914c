package iforest

import (
	"math/rand/v2"
)

// Node is one node of an isolation tree. Leaves have Left and Right set to -1.
type Node struct {
	// Feature and Threshold route a sample left when sample[Feature] < Threshold.
	Feature   int
	Threshold float64

	Left  int
	Right int

	// Size is the number of subsample rows that reached the node.
	Size  int
	Depth int
}

// IsLeaf reports whether the node is terminal.
func (n Node) IsLeaf() bool {
	return n.Left < 0
}

// PathLength is the isolation depth credited to samples ending at this leaf:
// its depth plus the expected depth of the rows it failed to separate.
func (n Node) PathLength() float64 {
	return float64(n.Depth) + AveragePathLength(n.Size)
}

// Tree is an isolation tree stored as a flat node slice rooted at index 0.
type Tree struct {
	Nodes []Node
}

// PathLength walks sample down the tree and returns its leaf's path length.
func (t Tree) PathLength(sample []float64) float64 {
	i := 0
	for {
		n := &t.Nodes[i]
		if n.IsLeaf() {
			return n.PathLength()
		}
		if sample[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// builder grows one tree from its own random stream.
type builder struct {
	data     [][]float64
	rng      *rand.Rand
	maxDepth int
	features []int
	nodes    []Node
}

func (b *builder) build(sampleSize, maxFeatures int, bootstrap bool) Tree {
	nFeatures := len(b.data[0])
	b.features = b.rng.Perm(nFeatures)[:maxFeatures]

	n := len(b.data)
	idx := make([]int, sampleSize)
	if bootstrap {
		for j := range idx {
			idx[j] = b.rng.IntN(n)
		}
	} else {
		copy(idx, b.rng.Perm(n)[:sampleSize])
	}

	b.grow(idx, 0)
	return Tree{Nodes: b.nodes}
}

// grow appends the subtree for idx and returns its root index.
func (b *builder) grow(idx []int, depth int) int {
	id := len(b.nodes)
	b.nodes = append(b.nodes, Node{Left: -1, Right: -1, Size: len(idx), Depth: depth})

	if depth >= b.maxDepth || len(idx) <= 1 {
		return id
	}

	feature, lo, hi, ok := b.pickFeature(idx)
	if !ok {
		return id
	}

	split := lo + b.rng.Float64()*(hi-lo)
	// Prefer thresholds that survive the float32 export unchanged.
	if q := float64(float32(split)); q > lo && q <= hi {
		split = q
	}

	p := partition(b.data, idx, feature, split)
	left := b.grow(idx[:p], depth+1)
	right := b.grow(idx[p:], depth+1)

	n := &b.nodes[id]
	n.Feature = feature
	n.Threshold = split
	n.Left = left
	n.Right = right
	return id
}

// pickFeature tries the tree's features in random order and returns the first
// one that is not constant over idx.
func (b *builder) pickFeature(idx []int) (feature int, lo, hi float64, ok bool) {
	for _, k := range b.rng.Perm(len(b.features)) {
		f := b.features[k]
		lo, hi = b.data[idx[0]][f], b.data[idx[0]][f]
		for _, i := range idx[1:] {
			x := b.data[i][f]
			if x < lo {
				lo = x
			}
			if x > hi {
				hi = x
			}
		}
		if lo < hi {
			return f, lo, hi, true
		}
	}
	return 0, 0, 0, false
}

// partition reorders idx so rows below split come first and returns the
// boundary.
func partition(data [][]float64, idx []int, feature int, split float64) int {
	p := 0
	for j := range idx {
		if data[idx[j]][feature] < split {
			idx[p], idx[j] = idx[j], idx[p]
			p++
		}
	}
	return p
}
