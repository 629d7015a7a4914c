package onnx

import (
	"fmt"
	"math"
)

type branchMode int

const (
	modeLeaf branchMode = iota
	modeLEQ
	modeLT
	modeGTE
	modeGT
	modeEQ
	modeNEQ
)

var branchModes = map[string]branchMode{
	"LEAF":       modeLeaf,
	"BRANCH_LEQ": modeLEQ,
	"BRANCH_LT":  modeLT,
	"BRANCH_GTE": modeGTE,
	"BRANCH_GT":  modeGT,
	"BRANCH_EQ":  modeEQ,
	"BRANCH_NEQ": modeNEQ,
}

type targetWeight struct {
	target int
	weight float32
}

type ensembleNode struct {
	mode        branchMode
	feature     int
	threshold   float32
	trueIdx     int
	falseIdx    int
	missingTrue bool
	weights     []targetWeight
}

func (n *ensembleNode) takeTrue(x float32) bool {
	if n.missingTrue && math.IsNaN(float64(x)) {
		return true
	}
	switch n.mode {
	case modeLEQ:
		return x <= n.threshold
	case modeLT:
		return x < n.threshold
	case modeGTE:
		return x >= n.threshold
	case modeGT:
		return x > n.threshold
	case modeEQ:
		return x == n.threshold
	case modeNEQ:
		return x != n.threshold
	}
	return false
}

type ensembleTree struct {
	nodes []ensembleNode
	root  int
}

// leaf returns the leaf row reaches.
func (t *ensembleTree) leaf(row []float32) (*ensembleNode, error) {
	i := t.root
	for steps := 0; steps <= len(t.nodes); steps++ {
		n := &t.nodes[i]
		if n.mode == modeLeaf {
			return n, nil
		}
		if n.feature >= len(row) {
			return nil, fmt.Errorf("%w: split on feature %d of a %d-wide row", ErrInput, n.feature, len(row))
		}
		if n.takeTrue(row[n.feature]) {
			i = n.trueIdx
		} else {
			i = n.falseIdx
		}
	}
	return nil, fmt.Errorf("%w: tree does not terminate", ErrUnsupported)
}

type ensemble struct {
	trees     []ensembleTree
	targets   int
	aggregate string
	base      []float32
}

type ensembleAttrs struct {
	treeIDs, nodeIDs, featureIDs, trueIDs, falseIDs, missing []int64
	values                                                   []float32
	modes                                                    []string
	targetTreeIDs, targetNodeIDs, targetIDs                  []int64
	targetWeights                                            []float32
}

func readEnsembleAttrs(n *Node) (ensembleAttrs, error) {
	var a ensembleAttrs
	ints := map[string]*[]int64{
		"nodes_treeids":                   &a.treeIDs,
		"nodes_nodeids":                   &a.nodeIDs,
		"nodes_featureids":                &a.featureIDs,
		"nodes_truenodeids":               &a.trueIDs,
		"nodes_falsenodeids":              &a.falseIDs,
		"nodes_missing_value_tracks_true": &a.missing,
		"target_treeids":                  &a.targetTreeIDs,
		"target_nodeids":                  &a.targetNodeIDs,
		"target_ids":                      &a.targetIDs,
	}
	for name, dst := range ints {
		if attr, ok := n.Attribute(name); ok {
			*dst = attr.Ints
		}
	}
	if attr, ok := n.Attribute("nodes_values"); ok {
		a.values = attr.Floats
	}
	if attr, ok := n.Attribute("nodes_modes"); ok {
		a.modes = attr.Strings
	}
	if attr, ok := n.Attribute("target_weights"); ok {
		a.targetWeights = attr.Floats
	}
	if _, ok := n.Attribute("nodes_values_as_tensor"); ok {
		return a, fmt.Errorf("%w: nodes_values_as_tensor", ErrUnsupported)
	}

	count := len(a.nodeIDs)
	if count == 0 {
		return a, fmt.Errorf("%w: ensemble has no nodes", ErrUnsupported)
	}
	for name, l := range map[string]int{
		"nodes_treeids":      len(a.treeIDs),
		"nodes_featureids":   len(a.featureIDs),
		"nodes_truenodeids":  len(a.trueIDs),
		"nodes_falsenodeids": len(a.falseIDs),
		"nodes_values":       len(a.values),
		"nodes_modes":        len(a.modes),
	} {
		if l != count {
			return a, fmt.Errorf("%w: %s has %d entries, want %d", ErrUnsupported, name, l, count)
		}
	}
	if len(a.missing) != 0 && len(a.missing) != count {
		return a, fmt.Errorf("%w: nodes_missing_value_tracks_true has %d entries, want %d", ErrUnsupported, len(a.missing), count)
	}
	targets := len(a.targetIDs)
	if len(a.targetTreeIDs) != targets || len(a.targetNodeIDs) != targets || len(a.targetWeights) != targets {
		return a, fmt.Errorf("%w: target attributes differ in length", ErrUnsupported)
	}
	return a, nil
}

func compileEnsemble(n *Node) (*ensemble, error) {
	a, err := readEnsembleAttrs(n)
	if err != nil {
		return nil, err
	}

	e := &ensemble{targets: 1, aggregate: "SUM"}
	if attr, ok := n.Attribute("n_targets"); ok {
		e.targets = int(attr.I)
	}
	if e.targets < 1 {
		return nil, fmt.Errorf("%w: n_targets=%d", ErrUnsupported, e.targets)
	}
	if attr, ok := n.Attribute("aggregate_function"); ok {
		e.aggregate = attr.S
	}
	switch e.aggregate {
	case "SUM", "AVERAGE", "MIN", "MAX":
	default:
		return nil, fmt.Errorf("%w: aggregate_function %q", ErrUnsupported, e.aggregate)
	}
	if attr, ok := n.Attribute("post_transform"); ok && attr.S != "" && attr.S != "NONE" {
		return nil, fmt.Errorf("%w: post_transform %q", ErrUnsupported, attr.S)
	}
	if attr, ok := n.Attribute("base_values"); ok && len(attr.Floats) > 0 {
		if len(attr.Floats) != e.targets {
			return nil, fmt.Errorf("%w: %d base_values for %d targets", ErrUnsupported, len(attr.Floats), e.targets)
		}
		e.base = attr.Floats
	}

	type key struct{ tree, node int64 }
	treeIndex := map[int64]int{}
	nodeIndex := map[key]int{}

	for i := range a.nodeIDs {
		ti, ok := treeIndex[a.treeIDs[i]]
		if !ok {
			ti = len(e.trees)
			treeIndex[a.treeIDs[i]] = ti
			e.trees = append(e.trees, ensembleTree{})
		}
		k := key{a.treeIDs[i], a.nodeIDs[i]}
		if _, dup := nodeIndex[k]; dup {
			return nil, fmt.Errorf("%w: duplicate node %d in tree %d", ErrUnsupported, k.node, k.tree)
		}
		mode, ok := branchModes[a.modes[i]]
		if !ok {
			return nil, fmt.Errorf("%w: node mode %q", ErrUnsupported, a.modes[i])
		}
		if a.featureIDs[i] < 0 {
			return nil, fmt.Errorf("%w: negative feature id %d", ErrUnsupported, a.featureIDs[i])
		}

		t := &e.trees[ti]
		nodeIndex[k] = len(t.nodes)
		t.nodes = append(t.nodes, ensembleNode{
			mode:        mode,
			feature:     int(a.featureIDs[i]),
			threshold:   a.values[i],
			missingTrue: len(a.missing) > 0 && a.missing[i] != 0,
		})
	}

	referenced := make([][]bool, len(e.trees))
	for ti := range e.trees {
		referenced[ti] = make([]bool, len(e.trees[ti].nodes))
	}
	for i := range a.nodeIDs {
		ti := treeIndex[a.treeIDs[i]]
		t := &e.trees[ti]
		node := &t.nodes[nodeIndex[key{a.treeIDs[i], a.nodeIDs[i]}]]
		if node.mode == modeLeaf {
			continue
		}
		trueIdx, ok1 := nodeIndex[key{a.treeIDs[i], a.trueIDs[i]}]
		falseIdx, ok2 := nodeIndex[key{a.treeIDs[i], a.falseIDs[i]}]
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: node %d of tree %d has a dangling child", ErrUnsupported, a.nodeIDs[i], a.treeIDs[i])
		}
		node.trueIdx, node.falseIdx = trueIdx, falseIdx
		referenced[ti][trueIdx] = true
		referenced[ti][falseIdx] = true
	}

	for ti := range e.trees {
		root := -1
		for i, ref := range referenced[ti] {
			if ref {
				continue
			}
			if root >= 0 {
				return nil, fmt.Errorf("%w: tree %d has more than one root", ErrUnsupported, ti)
			}
			root = i
		}
		if root < 0 {
			return nil, fmt.Errorf("%w: tree %d has no root", ErrUnsupported, ti)
		}
		e.trees[ti].root = root
	}

	for i := range a.targetIDs {
		ti, ok := treeIndex[a.targetTreeIDs[i]]
		if !ok {
			return nil, fmt.Errorf("%w: target references unknown tree %d", ErrUnsupported, a.targetTreeIDs[i])
		}
		ni, ok := nodeIndex[key{a.targetTreeIDs[i], a.targetNodeIDs[i]}]
		if !ok {
			return nil, fmt.Errorf("%w: target references unknown node %d", ErrUnsupported, a.targetNodeIDs[i])
		}
		if a.targetIDs[i] < 0 || int(a.targetIDs[i]) >= e.targets {
			return nil, fmt.Errorf("%w: target id %d out of range", ErrUnsupported, a.targetIDs[i])
		}
		node := &e.trees[ti].nodes[ni]
		node.weights = append(node.weights, targetWeight{target: int(a.targetIDs[i]), weight: a.targetWeights[i]})
	}
	return e, nil
}

func (e *ensemble) eval(x value) (value, error) {
	if len(x.shape) != 2 {
		return value{}, fmt.Errorf("%w: tree ensemble input must be rank 2, got %v", ErrInput, x.shape)
	}
	rows, width := x.shape[0], x.shape[1]
	out := value{shape: []int{rows, e.targets}, data: make([]float32, rows*e.targets)}

	acc := make([]float64, e.targets)
	contrib := make([]float64, e.targets)
	for r := 0; r < rows; r++ {
		row := x.data[r*width : (r+1)*width]
		for k := range acc {
			acc[k] = 0
		}

		for ti := range e.trees {
			leaf, err := e.trees[ti].leaf(row)
			if err != nil {
				return value{}, err
			}
			for k := range contrib {
				contrib[k] = 0
			}
			for _, w := range leaf.weights {
				contrib[w.target] += float64(w.weight)
			}
			for k, c := range contrib {
				switch {
				case e.aggregate == "MIN" && ti > 0:
					acc[k] = math.Min(acc[k], c)
				case e.aggregate == "MAX" && ti > 0:
					acc[k] = math.Max(acc[k], c)
				case e.aggregate == "MIN" || e.aggregate == "MAX":
					acc[k] = c
				default:
					acc[k] += c
				}
			}
		}

		for k, v := range acc {
			if e.aggregate == "AVERAGE" {
				v /= float64(len(e.trees))
			}
			if e.base != nil {
				v += float64(e.base[k])
			}
			out.data[r*e.targets+k] = float32(v)
		}
	}
	return out, nil
}
