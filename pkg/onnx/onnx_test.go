package onnx

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// twoStumps averages two depth-one trees, then computes 2*avg + 1.
func twoStumps() *Model {
	ensemble := Node{
		Name:    "ensemble",
		OpType:  "TreeEnsembleRegressor",
		Domain:  DomainML,
		Inputs:  []string{"x"},
		Outputs: []string{"avg"},
		Attributes: []Attribute{
			IntsAttr("nodes_treeids", []int64{0, 0, 0, 1, 1, 1}),
			IntsAttr("nodes_nodeids", []int64{0, 1, 2, 0, 1, 2}),
			IntsAttr("nodes_featureids", []int64{0, 0, 0, 1, 0, 0}),
			FloatsAttr("nodes_values", []float32{5, 0, 0, 10, 0, 0}),
			StringsAttr("nodes_modes", []string{"BRANCH_LT", "LEAF", "LEAF", "BRANCH_LT", "LEAF", "LEAF"}),
			IntsAttr("nodes_truenodeids", []int64{1, 0, 0, 1, 0, 0}),
			IntsAttr("nodes_falsenodeids", []int64{2, 0, 0, 2, 0, 0}),
			IntsAttr("target_treeids", []int64{0, 0, 1, 1}),
			IntsAttr("target_nodeids", []int64{1, 2, 1, 2}),
			IntsAttr("target_ids", []int64{0, 0, 0, 0}),
			FloatsAttr("target_weights", []float32{1, 3, 2, 4}),
			IntAttr("n_targets", 1),
			StringAttr("aggregate_function", "AVERAGE"),
			StringAttr("post_transform", "NONE"),
		},
	}

	return &Model{
		IRVersion:       IRVersion,
		OpsetImports:    []OperatorSet{{Domain: DomainDefault, Version: DefaultOpset}, {Domain: DomainML, Version: MLOpset}},
		ProducerName:    "test",
		ProducerVersion: "1",
		Graph: Graph{
			Name: "stumps",
			Nodes: []Node{
				ensemble,
				{Name: "scale", OpType: "Mul", Inputs: []string{"avg", "two"}, Outputs: []string{"scaled"}},
				{Name: "shift", OpType: "Add", Inputs: []string{"scaled", "one"}, Outputs: []string{"y"}},
			},
			Initializers: []Tensor{ScalarFloat("two", 2), ScalarFloat("one", 1)},
			Inputs: []ValueInfo{{
				Name:     "x",
				ElemType: Float,
				Shape:    []Dimension{{Param: "batch"}, {Value: 2}},
			}},
			Outputs: []ValueInfo{{
				Name:     "y",
				ElemType: Float,
				Shape:    []Dimension{{Param: "batch"}, {Value: 1}},
			}},
		},
		Metadata: []StringEntry{{Key: "k", Value: "v"}, {Key: "empty", Value: ""}},
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	m := twoStumps()
	data, err := Marshal(m)
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	v, ok := got.MetadataValue("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	_, ok = got.MetadataValue("missing")
	assert.False(t, ok)
	assert.Equal(t, int64(MLOpset), got.Opset(DomainML))
	assert.Zero(t, got.Opset("com.example"))
}

func TestMarshalNil(t *testing.T) {
	_, err := Marshal(nil)
	assert.Error(t, err)
}

func TestUnmarshalTruncated(t *testing.T) {
	data, err := Marshal(twoStumps())
	require.NoError(t, err)

	_, err = Unmarshal(data[:len(data)-3])
	assert.Error(t, err)

	_, err = Unmarshal([]byte{0xff})
	assert.Error(t, err)
}

func TestUnmarshalPackedAndUnknownFields(t *testing.T) {
	var packed []byte
	for _, f := range []float32{1.5, -2} {
		packed = protowire.AppendFixed32(packed, math.Float32bits(f))
	}
	var attr []byte
	attr = appendStringField(attr, attrName, "weights")
	attr = appendMessage(attr, attrFloats, packed)
	attr = appendVarintField(attr, attrType, uint64(AttrFloats))

	var tensor []byte
	tensor = appendVarintField(tensor, tensorDataType, uint64(Float))
	tensor = appendFloatField(tensor, tensorFloatData, 7)
	tensor = appendFloatField(tensor, tensorFloatData, 8)
	tensor = appendStringField(tensor, tensorName, "unpacked")

	var node []byte
	node = appendStringField(node, nodeOpType, "Identity")
	node = appendMessage(node, nodeAttribute, attr)
	node = appendVarintField(node, 99, 12345)

	var graph []byte
	graph = appendMessage(graph, graphNode, node)
	graph = appendMessage(graph, graphInitializer, tensor)

	var model []byte
	model = appendVarintField(model, modelIRVersion, 3)
	model = appendMessage(model, modelGraph, graph)
	model = appendFloatField(model, 42, 1)

	got, err := Unmarshal(model)
	require.NoError(t, err)
	require.Len(t, got.Graph.Nodes, 1)

	a, ok := got.Graph.Nodes[0].Attribute("weights")
	require.True(t, ok)
	assert.Equal(t, AttrFloats, a.Type)
	assert.Equal(t, []float32{1.5, -2}, a.Floats)

	require.Len(t, got.Graph.Initializers, 1)
	assert.Equal(t, []float32{7, 8}, got.Graph.Initializers[0].FloatData)
	assert.Equal(t, int64(3), got.IRVersion)
}

func TestUnmarshalWireTypeMismatch(t *testing.T) {
	var model []byte
	model = appendFloatField(model, modelIRVersion, 1)
	_, err := Unmarshal(model)
	assert.Error(t, err)
}

func TestSessionRun(t *testing.T) {
	s, err := NewSession(twoStumps())
	require.NoError(t, err)
	assert.Equal(t, 2, s.NumFeatures())
	assert.Equal(t, "x", s.InputName())
	assert.Equal(t, "y", s.OutputName())

	out, err := s.Run([][]float32{{1, 20}, {9, 0}, {5, 10}, {4.999, 9.999}})
	require.NoError(t, err)
	// (1+4)/2*2+1, (3+2)/2*2+1, (3+4)/2*2+1, (1+2)/2*2+1
	assert.Equal(t, []float32{6, 6, 8, 4}, out)

	score, err := s.ScoreSample([]float64{1, 20})
	require.NoError(t, err)
	assert.Equal(t, 6.0, score)
}

func TestSessionInputErrors(t *testing.T) {
	s, err := NewSession(twoStumps())
	require.NoError(t, err)

	_, err = s.Run(nil)
	assert.ErrorIs(t, err, ErrInput)

	_, err = s.Run([][]float32{{1, 2, 3}})
	assert.ErrorIs(t, err, ErrInput)

	_, err = s.ScoreSamples([][]float64{{math.NaN(), 1}})
	assert.ErrorIs(t, err, ErrInput)
}

func TestSessionOperators(t *testing.T) {
	m := &Model{
		Graph: Graph{
			Nodes: []Node{
				{OpType: "Neg", Inputs: []string{"x"}, Outputs: []string{"a"}},
				{OpType: "Sub", Inputs: []string{"a", "x"}, Outputs: []string{"b"}},
				{OpType: "Div", Inputs: []string{"b", "four"}, Outputs: []string{"c"}},
				{OpType: "Pow", Inputs: []string{"four", "c"}, Outputs: []string{"d"}},
				{OpType: "Identity", Inputs: []string{"d"}, Outputs: []string{"y"}},
			},
			Initializers: []Tensor{{Name: "four", DataType: Float, Dims: []int64{1}, FloatData: []float32{4}}},
			Inputs:       []ValueInfo{{Name: "x", ElemType: Float, Shape: []Dimension{{Param: "N"}, {Value: 1}}}},
			Outputs:      []ValueInfo{{Name: "y", ElemType: Float, Shape: []Dimension{{Param: "N"}, {Value: 1}}}},
		},
	}
	s, err := NewSession(m)
	require.NoError(t, err)

	// y = 4^((-x - x)/4) = 4^(-x/2)
	out, err := s.Run([][]float32{{0}, {1}, {2}})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{1, 0.5, 0.25}, out, 1e-6)
}

func TestNewSessionRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *Model)
	}{
		{
			name:   "unknown operator",
			mutate: func(m *Model) { m.Graph.Nodes[1].OpType = "Sigmoid" },
		},
		{
			name:   "post transform",
			mutate: func(m *Model) { m.Graph.Nodes[0].Attributes[13] = StringAttr("post_transform", "LOGISTIC") },
		},
		{
			name:   "dangling child",
			mutate: func(m *Model) { m.Graph.Nodes[0].Attributes[5] = IntsAttr("nodes_truenodeids", []int64{7, 0, 0, 1, 0, 0}) },
		},
		{
			name:   "unknown mode",
			mutate: func(m *Model) { m.Graph.Nodes[0].Attributes[4].Strings[0] = "BRANCH_MAYBE" },
		},
		{
			name:   "length mismatch",
			mutate: func(m *Model) { m.Graph.Nodes[0].Attributes[3] = FloatsAttr("nodes_values", []float32{5}) },
		},
		{
			name:   "wrong domain",
			mutate: func(m *Model) { m.Graph.Nodes[0].Domain = "" },
		},
		{
			name:   "symbolic feature dimension",
			mutate: func(m *Model) { m.Graph.Inputs[0].Shape[1] = Dimension{Param: "F"} },
		},
		{
			name:   "double input",
			mutate: func(m *Model) { m.Graph.Inputs[0].ElemType = Double },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := twoStumps()
			tt.mutate(m)
			_, err := NewSession(m)
			assert.ErrorIs(t, err, ErrUnsupported)
		})
	}
}

func TestEnsembleAggregates(t *testing.T) {
	for _, tt := range []struct {
		aggregate string
		want      float32
	}{
		{"SUM", 5},
		{"AVERAGE", 2.5},
		{"MIN", 1},
		{"MAX", 4},
	} {
		t.Run(tt.aggregate, func(t *testing.T) {
			m := twoStumps()
			m.Graph.Nodes[0].Attributes[12] = StringAttr("aggregate_function", tt.aggregate)
			m.Graph.Nodes[0].Outputs = []string{"y"}
			m.Graph.Nodes = m.Graph.Nodes[:1]

			s, err := NewSession(m)
			require.NoError(t, err)
			out, err := s.Run([][]float32{{1, 20}})
			require.NoError(t, err)
			assert.Equal(t, []float32{tt.want}, out)
		})
	}
}
