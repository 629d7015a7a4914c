package onnx

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Unmarshal decodes a serialized ModelProto. Fields outside the supported
// subset are skipped. Repeated scalars are accepted packed or unpacked.
func Unmarshal(b []byte) (*Model, error) {
	m := &Model{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case modelIRVersion:
			return varint(typ, b, &m.IRVersion)
		case modelProducerName:
			return str(typ, b, &m.ProducerName)
		case modelProducerVersion:
			return str(typ, b, &m.ProducerVersion)
		case modelDomain:
			return str(typ, b, &m.Domain)
		case modelModelVersion:
			return varint(typ, b, &m.ModelVersion)
		case modelDocString:
			return str(typ, b, &m.DocString)
		case modelGraph:
			return message(typ, b, func(mb []byte) error { return decodeGraph(mb, &m.Graph) })
		case modelOpsetImport:
			return message(typ, b, func(mb []byte) error {
				var o OperatorSet
				if err := decodeOpset(mb, &o); err != nil {
					return err
				}
				m.OpsetImports = append(m.OpsetImports, o)
				return nil
			})
		case modelMetadataProps:
			return message(typ, b, func(mb []byte) error {
				var e StringEntry
				if err := decodeEntry(mb, &e); err != nil {
					return err
				}
				m.Metadata = append(m.Metadata, e)
				return nil
			})
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return nil, fmt.Errorf("onnx: decode model: %w", err)
	}
	return m, nil
}

func decodeOpset(b []byte, o *OperatorSet) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case opsetDomain:
			return str(typ, b, &o.Domain)
		case opsetVersion:
			return varint(typ, b, &o.Version)
		}
		return skip(num, typ, b)
	})
}

func decodeEntry(b []byte, e *StringEntry) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case entryKey:
			return str(typ, b, &e.Key)
		case entryValue:
			return str(typ, b, &e.Value)
		}
		return skip(num, typ, b)
	})
}

func decodeGraph(b []byte, g *Graph) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case graphNode:
			return message(typ, b, func(mb []byte) error {
				var n Node
				if err := decodeNode(mb, &n); err != nil {
					return err
				}
				g.Nodes = append(g.Nodes, n)
				return nil
			})
		case graphName:
			return str(typ, b, &g.Name)
		case graphInitializer:
			return message(typ, b, func(mb []byte) error {
				var t Tensor
				if err := decodeTensor(mb, &t); err != nil {
					return err
				}
				g.Initializers = append(g.Initializers, t)
				return nil
			})
		case graphDocString:
			return str(typ, b, &g.DocString)
		case graphInput, graphOutput:
			return message(typ, b, func(mb []byte) error {
				var v ValueInfo
				if err := decodeValueInfo(mb, &v); err != nil {
					return err
				}
				if num == graphInput {
					g.Inputs = append(g.Inputs, v)
				} else {
					g.Outputs = append(g.Outputs, v)
				}
				return nil
			})
		}
		return skip(num, typ, b)
	})
}

func decodeNode(b []byte, n *Node) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case nodeInput:
			return strs(typ, b, &n.Inputs)
		case nodeOutput:
			return strs(typ, b, &n.Outputs)
		case nodeName:
			return str(typ, b, &n.Name)
		case nodeOpType:
			return str(typ, b, &n.OpType)
		case nodeAttribute:
			return message(typ, b, func(mb []byte) error {
				var a Attribute
				if err := decodeAttribute(mb, &a); err != nil {
					return err
				}
				n.Attributes = append(n.Attributes, a)
				return nil
			})
		case nodeDocString:
			return str(typ, b, &n.DocString)
		case nodeDomain:
			return str(typ, b, &n.Domain)
		}
		return skip(num, typ, b)
	})
}

func decodeAttribute(b []byte, a *Attribute) error {
	var typed int64
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case attrName:
			return str(typ, b, &a.Name)
		case attrF:
			return float(typ, b, &a.F)
		case attrI:
			return varint(typ, b, &a.I)
		case attrS:
			return str(typ, b, &a.S)
		case attrT:
			return message(typ, b, func(mb []byte) error {
				a.T = &Tensor{}
				return decodeTensor(mb, a.T)
			})
		case attrFloats:
			return floats(typ, b, &a.Floats)
		case attrInts:
			return varints(typ, b, &a.Ints)
		case attrStrings:
			return strs(typ, b, &a.Strings)
		case attrType:
			return varint(typ, b, &typed)
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return err
	}
	a.Type = AttributeType(typed)
	if a.Type == AttrUndefined {
		a.Type = inferAttributeType(a)
	}
	return nil
}

// inferAttributeType recovers the type of attributes written by producers
// that predate AttributeProto.type.
func inferAttributeType(a *Attribute) AttributeType {
	switch {
	case len(a.Floats) > 0:
		return AttrFloats
	case len(a.Ints) > 0:
		return AttrInts
	case len(a.Strings) > 0:
		return AttrStrings
	case a.T != nil:
		return AttrTensor
	case a.S != "":
		return AttrString
	case a.I != 0:
		return AttrInt
	case a.F != 0:
		return AttrFloat
	}
	return AttrUndefined
}

func decodeValueInfo(b []byte, v *ValueInfo) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case valueInfoName:
			return str(typ, b, &v.Name)
		case valueInfoType:
			return message(typ, b, func(tb []byte) error {
				return walk(tb, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					if num != typeTensorType {
						return skip(num, typ, b)
					}
					return message(typ, b, func(mb []byte) error { return decodeTensorType(mb, v) })
				})
			})
		}
		return skip(num, typ, b)
	})
}

func decodeTensorType(b []byte, v *ValueInfo) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case tensorTypeElemType:
			var elem int64
			n, err := varint(typ, b, &elem)
			v.ElemType = DataType(elem)
			return n, err
		case tensorTypeShape:
			v.Shape = []Dimension{}
			return message(typ, b, func(sb []byte) error {
				return walk(sb, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					if num != shapeDim {
						return skip(num, typ, b)
					}
					return message(typ, b, func(db []byte) error {
						var d Dimension
						err := walk(db, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
							switch num {
							case dimValue:
								return varint(typ, b, &d.Value)
							case dimParam:
								return str(typ, b, &d.Param)
							}
							return skip(num, typ, b)
						})
						v.Shape = append(v.Shape, d)
						return err
					})
				})
			})
		}
		return skip(num, typ, b)
	})
}

func decodeTensor(b []byte, t *Tensor) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case tensorDims:
			return varints(typ, b, &t.Dims)
		case tensorDataType:
			var dt int64
			n, err := varint(typ, b, &dt)
			t.DataType = DataType(dt)
			return n, err
		case tensorFloatData:
			return floats(typ, b, &t.FloatData)
		case tensorInt64Data:
			return varints(typ, b, &t.Int64Data)
		case tensorName:
			return str(typ, b, &t.Name)
		}
		return skip(num, typ, b)
	})
}

// walk calls fn for every field in b. fn consumes the field value and returns
// the number of bytes it used.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	n := protowire.ConsumeFieldValue(num, typ, b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, nil
}

func wireMismatch(want, got protowire.Type) error {
	return fmt.Errorf("unexpected wire type %d, want %d", got, want)
}

func varint(typ protowire.Type, b []byte, out *int64) (int, error) {
	if typ != protowire.VarintType {
		return 0, wireMismatch(protowire.VarintType, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*out = int64(v)
	return n, nil
}

func float(typ protowire.Type, b []byte, out *float32) (int, error) {
	if typ != protowire.Fixed32Type {
		return 0, wireMismatch(protowire.Fixed32Type, typ)
	}
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*out = math.Float32frombits(v)
	return n, nil
}

func str(typ protowire.Type, b []byte, out *string) (int, error) {
	if typ != protowire.BytesType {
		return 0, wireMismatch(protowire.BytesType, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*out = string(v)
	return n, nil
}

func strs(typ protowire.Type, b []byte, out *[]string) (int, error) {
	var s string
	n, err := str(typ, b, &s)
	if err != nil {
		return 0, err
	}
	*out = append(*out, s)
	return n, nil
}

func message(typ protowire.Type, b []byte, fn func([]byte) error) (int, error) {
	if typ != protowire.BytesType {
		return 0, wireMismatch(protowire.BytesType, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	if err := fn(v); err != nil {
		return 0, err
	}
	return n, nil
}

func floats(typ protowire.Type, b []byte, out *[]float32) (int, error) {
	if typ != protowire.BytesType {
		var f float32
		n, err := float(typ, b, &f)
		if err != nil {
			return 0, err
		}
		*out = append(*out, f)
		return n, nil
	}
	return message(typ, b, func(packed []byte) error {
		if len(packed)%4 != 0 {
			return fmt.Errorf("packed floats: length %d is not a multiple of 4", len(packed))
		}
		for len(packed) > 0 {
			v, n := protowire.ConsumeFixed32(packed)
			if n < 0 {
				return protowire.ParseError(n)
			}
			*out = append(*out, math.Float32frombits(v))
			packed = packed[n:]
		}
		return nil
	})
}

func varints(typ protowire.Type, b []byte, out *[]int64) (int, error) {
	if typ != protowire.BytesType {
		var v int64
		n, err := varint(typ, b, &v)
		if err != nil {
			return 0, err
		}
		*out = append(*out, v)
		return n, nil
	}
	return message(typ, b, func(packed []byte) error {
		for len(packed) > 0 {
			v, n := protowire.ConsumeVarint(packed)
			if n < 0 {
				return protowire.ParseError(n)
			}
			*out = append(*out, int64(v))
			packed = packed[n:]
		}
		return nil
	})
}
