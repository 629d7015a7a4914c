// Package onnx reads and writes the subset of the ONNX ModelProto schema needed
// to ship tree-ensemble models, and evaluates such graphs in-process.
//
// Messages are encoded directly on the protobuf wire format with the field
// numbers of onnx.proto, so no generated code is required.
package onnx

// Format versions written by this package. IR version 7 pairs with the
// ai.onnx opset 12 release; ai.onnx.ml 1 carries TreeEnsembleRegressor.
const (
	IRVersion     = 7
	DefaultOpset  = 12
	MLOpset       = 1
	DomainDefault = ""
	DomainML      = "ai.onnx.ml"
)

// DataType is TensorProto.DataType.
type DataType int32

const (
	Undefined DataType = 0
	Float     DataType = 1
	Int32     DataType = 6
	Int64     DataType = 7
	String    DataType = 8
	Double    DataType = 11
)

// AttributeType is AttributeProto.AttributeType.
type AttributeType int32

const (
	AttrUndefined AttributeType = 0
	AttrFloat     AttributeType = 1
	AttrInt       AttributeType = 2
	AttrString    AttributeType = 3
	AttrTensor    AttributeType = 4
	AttrFloats    AttributeType = 6
	AttrInts      AttributeType = 7
	AttrStrings   AttributeType = 8
)

// Model is ModelProto.
type Model struct {
	IRVersion       int64
	OpsetImports    []OperatorSet
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           Graph
	Metadata        []StringEntry
}

// OperatorSet is OperatorSetIdProto.
type OperatorSet struct {
	Domain  string
	Version int64
}

// StringEntry is StringStringEntryProto.
type StringEntry struct {
	Key   string
	Value string
}

// Graph is GraphProto.
type Graph struct {
	Name         string
	Nodes        []Node
	Initializers []Tensor
	Inputs       []ValueInfo
	Outputs      []ValueInfo
	DocString    string
}

// Node is NodeProto.
type Node struct {
	Name       string
	OpType     string
	Domain     string
	Inputs     []string
	Outputs    []string
	Attributes []Attribute
	DocString  string
}

// Attribute is AttributeProto. Only the field matching Type is meaningful.
type Attribute struct {
	Name    string
	Type    AttributeType
	F       float32
	I       int64
	S       string
	T       *Tensor
	Floats  []float32
	Ints    []int64
	Strings []string
}

// ValueInfo is ValueInfoProto restricted to tensor types.
type ValueInfo struct {
	Name     string
	ElemType DataType
	Shape    []Dimension
}

// Dimension is TensorShapeProto.Dimension. A non-empty Param marks a symbolic
// dimension.
type Dimension struct {
	Value int64
	Param string
}

// Tensor is TensorProto for float and int64 payloads.
type Tensor struct {
	Name      string
	DataType  DataType
	Dims      []int64
	FloatData []float32
	Int64Data []int64
}

// MetadataValue returns the value of a metadata_props entry.
func (m *Model) MetadataValue(key string) (string, bool) {
	for _, e := range m.Metadata {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Opset returns the imported version for domain, or zero.
func (m *Model) Opset(domain string) int64 {
	for _, o := range m.OpsetImports {
		if o.Domain == domain {
			return o.Version
		}
	}
	return 0
}

// Attribute returns the named attribute.
func (n *Node) Attribute(name string) (Attribute, bool) {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// FloatAttr builds a FLOAT attribute.
func FloatAttr(name string, v float32) Attribute {
	return Attribute{Name: name, Type: AttrFloat, F: v}
}

// IntAttr builds an INT attribute.
func IntAttr(name string, v int64) Attribute {
	return Attribute{Name: name, Type: AttrInt, I: v}
}

// StringAttr builds a STRING attribute.
func StringAttr(name, v string) Attribute {
	return Attribute{Name: name, Type: AttrString, S: v}
}

// FloatsAttr builds a FLOATS attribute.
func FloatsAttr(name string, v []float32) Attribute {
	return Attribute{Name: name, Type: AttrFloats, Floats: v}
}

// IntsAttr builds an INTS attribute.
func IntsAttr(name string, v []int64) Attribute {
	return Attribute{Name: name, Type: AttrInts, Ints: v}
}

// StringsAttr builds a STRINGS attribute.
func StringsAttr(name string, v []string) Attribute {
	return Attribute{Name: name, Type: AttrStrings, Strings: v}
}

// ScalarFloat builds a rank-0 float initializer.
func ScalarFloat(name string, v float32) Tensor {
	return Tensor{Name: name, DataType: Float, FloatData: []float32{v}}
}
