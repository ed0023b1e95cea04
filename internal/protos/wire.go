package protos

import (
	"bytes"
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// fieldFn handles one field of a message: b starts at the field value (after the tag).
// It returns the number of bytes consumed.
type fieldFn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walkFields iterates over the fields of a serialized message.
func walkFields(b []byte, fn fieldFn) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return errors.WithMessagef(err, "field #%d", num)
		}
		if n < 0 {
			return errors.WithMessagef(protowire.ParseError(n), "field #%d", num)
		}
		b = b[n:]
	}
	return nil
}

// skipField consumes a field that is not decoded.
func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return protowire.ConsumeFieldValue(num, typ, b), nil
}

func wantType(got, want protowire.Type) error {
	if got != want {
		return errors.Errorf("invalid wire type %d, expected %d", got, want)
	}
	return nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if err := wantType(typ, protowire.BytesType); err != nil {
		return nil, 0, err
	}
	v, n := protowire.ConsumeBytes(b)
	return v, n, nil
}

func consumeString(typ protowire.Type, b []byte) (string, int, error) {
	v, n, err := consumeBytes(typ, b)
	return string(v), n, err
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if err := wantType(typ, protowire.VarintType); err != nil {
		return 0, 0, err
	}
	v, n := protowire.ConsumeVarint(b)
	return v, n, nil
}

// consumeMessage decodes a length-delimited sub-message with the given unmarshal function.
func consumeMessage(typ protowire.Type, b []byte, unmarshal func([]byte) error) (int, error) {
	v, n, err := consumeBytes(typ, b)
	if err != nil || n < 0 {
		return n, err
	}
	return n, unmarshal(v)
}

// appendVarints decodes a repeated varint field, accepting both packed and unpacked encodings.
func appendVarints[T int32 | int64 | uint64](dst []T, typ protowire.Type, b []byte) ([]T, int, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		return append(dst, T(v)), n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return dst, n, nil
		}
		if dst == nil {
			dst = []T{}
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return dst, m, nil
			}
			dst = append(dst, T(v))
			packed = packed[m:]
		}
		return dst, n, nil
	}
	return dst, 0, errors.Errorf("invalid wire type %d for repeated varint", typ)
}

// appendFloats decodes a repeated float field, accepting both packed and unpacked encodings.
func appendFloats(dst []float32, typ protowire.Type, b []byte) ([]float32, int, error) {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		return append(dst, math.Float32frombits(v)), n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return dst, n, nil
		}
		if len(packed)%4 != 0 {
			return dst, 0, errors.Errorf("packed float field with %d bytes", len(packed))
		}
		if dst == nil {
			dst = make([]float32, 0, len(packed)/4)
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed32(packed)
			dst = append(dst, math.Float32frombits(v))
			packed = packed[m:]
		}
		return dst, n, nil
	}
	return dst, 0, errors.Errorf("invalid wire type %d for repeated float", typ)
}

// appendDoubles decodes a repeated double field, accepting both packed and unpacked encodings.
func appendDoubles(dst []float64, typ protowire.Type, b []byte) ([]float64, int, error) {
	switch typ {
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		return append(dst, math.Float64frombits(v)), n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return dst, n, nil
		}
		if len(packed)%8 != 0 {
			return dst, 0, errors.Errorf("packed double field with %d bytes", len(packed))
		}
		if dst == nil {
			dst = make([]float64, 0, len(packed)/8)
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeFixed64(packed)
			dst = append(dst, math.Float64frombits(v))
			packed = packed[m:]
		}
		return dst, n, nil
	}
	return dst, 0, errors.Errorf("invalid wire type %d for repeated double", typ)
}

// Unmarshal decodes a serialized ONNX ModelProto into m.
func (m *ModelProto) Unmarshal(b []byte) error {
	*m = ModelProto{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		var v uint64
		switch num {
		case 1:
			v, n, err = consumeVarint(typ, b)
			m.IrVersion = int64(v)
		case 2:
			m.ProducerName, n, err = consumeString(typ, b)
		case 3:
			m.ProducerVersion, n, err = consumeString(typ, b)
		case 4:
			m.Domain, n, err = consumeString(typ, b)
		case 5:
			v, n, err = consumeVarint(typ, b)
			m.ModelVersion = int64(v)
		case 6:
			m.DocString, n, err = consumeString(typ, b)
		case 7:
			m.Graph = &GraphProto{}
			n, err = consumeMessage(typ, b, m.Graph.Unmarshal)
		case 8:
			opset := &OperatorSetIdProto{}
			n, err = consumeMessage(typ, b, opset.unmarshal)
			m.OpsetImport = append(m.OpsetImport, opset)
		default:
			return skipField(num, typ, b)
		}
		return
	})
}

func (o *OperatorSetIdProto) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			o.Domain, n, err = consumeString(typ, b)
		case 2:
			var v uint64
			v, n, err = consumeVarint(typ, b)
			o.Version = int64(v)
		default:
			return skipField(num, typ, b)
		}
		return
	})
}

// Unmarshal decodes a serialized ONNX GraphProto into g.
func (g *GraphProto) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			node := &NodeProto{}
			n, err = consumeMessage(typ, b, node.Unmarshal)
			g.Node = append(g.Node, node)
		case 2:
			g.Name, n, err = consumeString(typ, b)
		case 5:
			t := &TensorProto{}
			n, err = consumeMessage(typ, b, t.Unmarshal)
			g.Initializer = append(g.Initializer, t)
		case 10:
			g.DocString, n, err = consumeString(typ, b)
		case 11, 12, 13:
			vi := &ValueInfoProto{}
			n, err = consumeMessage(typ, b, vi.unmarshal)
			switch num {
			case 11:
				g.Input = append(g.Input, vi)
			case 12:
				g.Output = append(g.Output, vi)
			default:
				g.ValueInfo = append(g.ValueInfo, vi)
			}
		default:
			return skipField(num, typ, b)
		}
		return
	})
}

// Unmarshal decodes a serialized ONNX NodeProto into node.
func (node *NodeProto) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		var s string
		switch num {
		case 1:
			s, n, err = consumeString(typ, b)
			node.Input = append(node.Input, s)
		case 2:
			s, n, err = consumeString(typ, b)
			node.Output = append(node.Output, s)
		case 3:
			node.Name, n, err = consumeString(typ, b)
		case 4:
			node.OpType, n, err = consumeString(typ, b)
		case 5:
			attr := &AttributeProto{}
			n, err = consumeMessage(typ, b, attr.unmarshal)
			node.Attribute = append(node.Attribute, attr)
		case 6:
			node.DocString, n, err = consumeString(typ, b)
		case 7:
			node.Domain, n, err = consumeString(typ, b)
		default:
			return skipField(num, typ, b)
		}
		return
	})
}

func (attr *AttributeProto) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		var v uint64
		var raw []byte
		switch num {
		case 1:
			attr.Name, n, err = consumeString(typ, b)
		case 2:
			if err = wantType(typ, protowire.Fixed32Type); err != nil {
				return
			}
			var bits uint32
			bits, n = protowire.ConsumeFixed32(b)
			attr.F = math.Float32frombits(bits)
		case 3:
			v, n, err = consumeVarint(typ, b)
			attr.I = int64(v)
		case 4:
			raw, n, err = consumeBytes(typ, b)
			attr.S = bytes.Clone(raw)
		case 5:
			attr.T = &TensorProto{}
			n, err = consumeMessage(typ, b, attr.T.Unmarshal)
		case 6:
			attr.G = &GraphProto{}
			n, err = consumeMessage(typ, b, attr.G.Unmarshal)
		case 7:
			attr.Floats, n, err = appendFloats(attr.Floats, typ, b)
		case 8:
			attr.Ints, n, err = appendVarints(attr.Ints, typ, b)
		case 9:
			raw, n, err = consumeBytes(typ, b)
			attr.Strings = append(attr.Strings, bytes.Clone(raw))
		case 10:
			t := &TensorProto{}
			n, err = consumeMessage(typ, b, t.Unmarshal)
			attr.Tensors = append(attr.Tensors, t)
		case 13:
			attr.DocString, n, err = consumeString(typ, b)
		case 20:
			v, n, err = consumeVarint(typ, b)
			attr.Type = AttributeProto_AttributeType(int32(v))
		default:
			return skipField(num, typ, b)
		}
		return
	})
}

// Unmarshal decodes a serialized ONNX TensorProto into t.
func (t *TensorProto) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		var v uint64
		var raw []byte
		switch num {
		case 1:
			t.Dims, n, err = appendVarints(t.Dims, typ, b)
		case 2:
			v, n, err = consumeVarint(typ, b)
			t.DataType = int32(v)
		case 4:
			t.FloatData, n, err = appendFloats(t.FloatData, typ, b)
		case 5:
			t.Int32Data, n, err = appendVarints(t.Int32Data, typ, b)
		case 6:
			raw, n, err = consumeBytes(typ, b)
			t.StringData = append(t.StringData, bytes.Clone(raw))
		case 7:
			t.Int64Data, n, err = appendVarints(t.Int64Data, typ, b)
		case 8:
			t.Name, n, err = consumeString(typ, b)
		case 9:
			raw, n, err = consumeBytes(typ, b)
			t.RawData = bytes.Clone(raw)
			if t.RawData == nil {
				t.RawData = []byte{}
			}
		case 10:
			t.DoubleData, n, err = appendDoubles(t.DoubleData, typ, b)
		case 11:
			t.Uint64Data, n, err = appendVarints(t.Uint64Data, typ, b)
		case 12:
			t.DocString, n, err = consumeString(typ, b)
		case 13:
			entry := &StringStringEntryProto{}
			n, err = consumeMessage(typ, b, entry.unmarshal)
			t.ExternalData = append(t.ExternalData, entry)
		default:
			return skipField(num, typ, b)
		}
		return
	})
}

func (e *StringStringEntryProto) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			e.Key, n, err = consumeString(typ, b)
		case 2:
			e.Value, n, err = consumeString(typ, b)
		default:
			return skipField(num, typ, b)
		}
		return
	})
}

func (vi *ValueInfoProto) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			vi.Name, n, err = consumeString(typ, b)
		case 2:
			vi.Type = &TypeProto{}
			n, err = consumeMessage(typ, b, vi.Type.unmarshal)
		case 3:
			vi.DocString, n, err = consumeString(typ, b)
		default:
			return skipField(num, typ, b)
		}
		return
	})
}

func (tp *TypeProto) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			tp.TensorType = &TypeProto_Tensor{}
			n, err = consumeMessage(typ, b, tp.TensorType.unmarshal)
		case 6:
			tp.Denotation, n, err = consumeString(typ, b)
		default:
			return skipField(num, typ, b)
		}
		return
	})
}

func (tt *TypeProto_Tensor) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			var v uint64
			v, n, err = consumeVarint(typ, b)
			tt.ElemType = int32(v)
		case 2:
			tt.Shape = &TensorShapeProto{}
			n, err = consumeMessage(typ, b, tt.Shape.unmarshal)
		default:
			return skipField(num, typ, b)
		}
		return
	})
}

func (s *TensorShapeProto) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		if num != 1 {
			return skipField(num, typ, b)
		}
		dim := &TensorShapeProto_Dimension{}
		n, err = consumeMessage(typ, b, dim.unmarshal)
		s.Dim = append(s.Dim, dim)
		return
	})
}

func (d *TensorShapeProto_Dimension) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (n int, err error) {
		switch num {
		case 1:
			var v uint64
			v, n, err = consumeVarint(typ, b)
			d.DimValue = int64(v)
			d.HasValue = true
		case 2:
			d.DimParam, n, err = consumeString(typ, b)
		case 3:
			d.Denotation, n, err = consumeString(typ, b)
		default:
			return skipField(num, typ, b)
		}
		return
	})
}
