package protos

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessageField(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, sub)
}

func appendPackedVarints[T int32 | int64 | uint64](b []byte, num protowire.Number, values []T) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessageField(b, num, packed)
}

// Marshal serializes the model to the ONNX wire format.
func (m *ModelProto) Marshal() []byte {
	var b []byte
	b = appendVarintField(b, 1, uint64(m.IrVersion))
	b = appendStringField(b, 2, m.ProducerName)
	b = appendStringField(b, 3, m.ProducerVersion)
	b = appendStringField(b, 4, m.Domain)
	b = appendVarintField(b, 5, uint64(m.ModelVersion))
	b = appendStringField(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessageField(b, 7, m.Graph.Marshal())
	}
	for _, opset := range m.OpsetImport {
		var sub []byte
		sub = appendStringField(sub, 1, opset.Domain)
		sub = appendVarintField(sub, 2, uint64(opset.Version))
		b = appendMessageField(b, 8, sub)
	}
	return b
}

// Marshal serializes the graph to the ONNX wire format.
func (g *GraphProto) Marshal() []byte {
	var b []byte
	for _, node := range g.Node {
		b = appendMessageField(b, 1, node.Marshal())
	}
	b = appendStringField(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = appendMessageField(b, 5, t.Marshal())
	}
	b = appendStringField(b, 10, g.DocString)
	for _, vi := range g.Input {
		b = appendMessageField(b, 11, vi.marshal())
	}
	for _, vi := range g.Output {
		b = appendMessageField(b, 12, vi.marshal())
	}
	for _, vi := range g.ValueInfo {
		b = appendMessageField(b, 13, vi.marshal())
	}
	return b
}

// Marshal serializes the node to the ONNX wire format.
func (node *NodeProto) Marshal() []byte {
	var b []byte
	for _, input := range node.Input {
		// Empty names denote optional inputs that are not given: they must be kept to preserve positions.
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, input)
	}
	for _, output := range node.Output {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, output)
	}
	b = appendStringField(b, 3, node.Name)
	b = appendStringField(b, 4, node.OpType)
	for _, attr := range node.Attribute {
		b = appendMessageField(b, 5, attr.marshal())
	}
	b = appendStringField(b, 6, node.DocString)
	b = appendStringField(b, 7, node.Domain)
	return b
}

func (attr *AttributeProto) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, attr.Name)
	switch attr.Type {
	case AttributeProto_FLOAT:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(attr.F))
	case AttributeProto_INT:
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(attr.I))
	case AttributeProto_STRING:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, attr.S)
	case AttributeProto_TENSOR:
		if attr.T != nil {
			b = appendMessageField(b, 5, attr.T.Marshal())
		}
	case AttributeProto_GRAPH:
		if attr.G != nil {
			b = appendMessageField(b, 6, attr.G.Marshal())
		}
	case AttributeProto_FLOATS:
		for _, f := range attr.Floats {
			b = protowire.AppendTag(b, 7, protowire.Fixed32Type)
			b = protowire.AppendFixed32(b, math.Float32bits(f))
		}
	case AttributeProto_INTS:
		for _, i := range attr.Ints {
			b = protowire.AppendTag(b, 8, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(i))
		}
	case AttributeProto_STRINGS:
		for _, s := range attr.Strings {
			b = protowire.AppendTag(b, 9, protowire.BytesType)
			b = protowire.AppendBytes(b, s)
		}
	case AttributeProto_TENSORS:
		for _, t := range attr.Tensors {
			b = appendMessageField(b, 10, t.Marshal())
		}
	}
	b = appendStringField(b, 13, attr.DocString)
	b = protowire.AppendTag(b, 20, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(attr.Type))
	return b
}

// Marshal serializes the tensor to the ONNX wire format.
func (t *TensorProto) Marshal() []byte {
	var b []byte
	for _, dim := range t.Dims {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(dim))
	}
	b = appendVarintField(b, 2, uint64(t.DataType))
	if len(t.FloatData) > 0 {
		packed := make([]byte, 0, 4*len(t.FloatData))
		for _, f := range t.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = appendMessageField(b, 4, packed)
	}
	b = appendPackedVarints(b, 5, t.Int32Data)
	for _, s := range t.StringData {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	b = appendPackedVarints(b, 7, t.Int64Data)
	b = appendStringField(b, 8, t.Name)
	if t.RawData != nil {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, t.RawData)
	}
	if len(t.DoubleData) > 0 {
		packed := make([]byte, 0, 8*len(t.DoubleData))
		for _, f := range t.DoubleData {
			packed = protowire.AppendFixed64(packed, math.Float64bits(f))
		}
		b = appendMessageField(b, 10, packed)
	}
	b = appendPackedVarints(b, 11, t.Uint64Data)
	b = appendStringField(b, 12, t.DocString)
	for _, entry := range t.ExternalData {
		var sub []byte
		sub = appendStringField(sub, 1, entry.Key)
		sub = appendStringField(sub, 2, entry.Value)
		b = appendMessageField(b, 13, sub)
	}
	return b
}

func (vi *ValueInfoProto) marshal() []byte {
	var b []byte
	b = appendStringField(b, 1, vi.Name)
	if vi.Type != nil {
		var typeBytes []byte
		if tt := vi.Type.TensorType; tt != nil {
			var tensorBytes []byte
			tensorBytes = appendVarintField(tensorBytes, 1, uint64(tt.ElemType))
			if tt.Shape != nil {
				var shapeBytes []byte
				for _, dim := range tt.Shape.Dim {
					var dimBytes []byte
					if dim.HasValue {
						dimBytes = protowire.AppendTag(dimBytes, 1, protowire.VarintType)
						dimBytes = protowire.AppendVarint(dimBytes, uint64(dim.DimValue))
					}
					dimBytes = appendStringField(dimBytes, 2, dim.DimParam)
					dimBytes = appendStringField(dimBytes, 3, dim.Denotation)
					shapeBytes = appendMessageField(shapeBytes, 1, dimBytes)
				}
				tensorBytes = appendMessageField(tensorBytes, 2, shapeBytes)
			}
			typeBytes = appendMessageField(typeBytes, 1, tensorBytes)
		}
		typeBytes = appendStringField(typeBytes, 6, vi.Type.Denotation)
		b = appendMessageField(b, 2, typeBytes)
	}
	b = appendStringField(b, 3, vi.DocString)
	return b
}
