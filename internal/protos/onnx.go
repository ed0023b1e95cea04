// Package protos holds the subset of the ONNX protocol buffer messages (onnx.proto, IR version >= 3)
// needed to read and write ONNX model files.
//
// Field names and numbers follow onnx.proto, so the messages are wire-compatible with files exported
// by any ONNX producer. Fields not listed here are skipped when decoding.
package protos

import "fmt"

// TensorProto_DataType enumerates the ONNX tensor element types.
type TensorProto_DataType int32

const (
	TensorProto_UNDEFINED  TensorProto_DataType = 0
	TensorProto_FLOAT      TensorProto_DataType = 1
	TensorProto_UINT8      TensorProto_DataType = 2
	TensorProto_INT8       TensorProto_DataType = 3
	TensorProto_UINT16     TensorProto_DataType = 4
	TensorProto_INT16      TensorProto_DataType = 5
	TensorProto_INT32      TensorProto_DataType = 6
	TensorProto_INT64      TensorProto_DataType = 7
	TensorProto_STRING     TensorProto_DataType = 8
	TensorProto_BOOL       TensorProto_DataType = 9
	TensorProto_FLOAT16    TensorProto_DataType = 10
	TensorProto_DOUBLE     TensorProto_DataType = 11
	TensorProto_UINT32     TensorProto_DataType = 12
	TensorProto_UINT64     TensorProto_DataType = 13
	TensorProto_COMPLEX64  TensorProto_DataType = 14
	TensorProto_COMPLEX128 TensorProto_DataType = 15
	TensorProto_BFLOAT16   TensorProto_DataType = 16
)

var dataTypeNames = map[TensorProto_DataType]string{
	TensorProto_UNDEFINED:  "UNDEFINED",
	TensorProto_FLOAT:      "FLOAT",
	TensorProto_UINT8:      "UINT8",
	TensorProto_INT8:       "INT8",
	TensorProto_UINT16:     "UINT16",
	TensorProto_INT16:      "INT16",
	TensorProto_INT32:      "INT32",
	TensorProto_INT64:      "INT64",
	TensorProto_STRING:     "STRING",
	TensorProto_BOOL:       "BOOL",
	TensorProto_FLOAT16:    "FLOAT16",
	TensorProto_DOUBLE:     "DOUBLE",
	TensorProto_UINT32:     "UINT32",
	TensorProto_UINT64:     "UINT64",
	TensorProto_COMPLEX64:  "COMPLEX64",
	TensorProto_COMPLEX128: "COMPLEX128",
	TensorProto_BFLOAT16:   "BFLOAT16",
}

// String implements fmt.Stringer.
func (t TensorProto_DataType) String() string {
	if name, found := dataTypeNames[t]; found {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int32(t))
}

// AttributeProto_AttributeType enumerates the types of ONNX node attributes.
type AttributeProto_AttributeType int32

const (
	AttributeProto_UNDEFINED AttributeProto_AttributeType = 0
	AttributeProto_FLOAT     AttributeProto_AttributeType = 1
	AttributeProto_INT       AttributeProto_AttributeType = 2
	AttributeProto_STRING    AttributeProto_AttributeType = 3
	AttributeProto_TENSOR    AttributeProto_AttributeType = 4
	AttributeProto_GRAPH     AttributeProto_AttributeType = 5
	AttributeProto_FLOATS    AttributeProto_AttributeType = 6
	AttributeProto_INTS      AttributeProto_AttributeType = 7
	AttributeProto_STRINGS   AttributeProto_AttributeType = 8
	AttributeProto_TENSORS   AttributeProto_AttributeType = 9
	AttributeProto_GRAPHS    AttributeProto_AttributeType = 10
)

var attributeTypeNames = []string{
	"UNDEFINED", "FLOAT", "INT", "STRING", "TENSOR", "GRAPH", "FLOATS", "INTS", "STRINGS", "TENSORS", "GRAPHS",
}

// String implements fmt.Stringer.
func (t AttributeProto_AttributeType) String() string {
	if t >= 0 && int(t) < len(attributeTypeNames) {
		return attributeTypeNames[t]
	}
	return fmt.Sprintf("AttributeType(%d)", int32(t))
}

// ModelProto is the top-level ONNX container: a graph plus its metadata.
type ModelProto struct {
	IrVersion       int64
	OpsetImport     []*OperatorSetIdProto
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
}

// OperatorSetIdProto identifies an operator set by domain and version.
type OperatorSetIdProto struct {
	Domain  string
	Version int64
}

// GraphProto is a list of nodes forming a dataflow graph, plus its initializers and declared inputs/outputs.
type GraphProto struct {
	Node        []*NodeProto
	Name        string
	Initializer []*TensorProto
	DocString   string
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
	ValueInfo   []*ValueInfoProto
}

// NodeProto is one operator invocation.
type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Domain    string
	Attribute []*AttributeProto
	DocString string
}

// GetOutput returns the node output names, nil-safe.
func (n *NodeProto) GetOutput() []string {
	if n == nil {
		return nil
	}
	return n.Output
}

// AttributeProto is a named attribute of a node. Only the field matching Type is meaningful.
type AttributeProto struct {
	Name      string
	Type      AttributeProto_AttributeType
	F         float32
	I         int64
	S         []byte
	T         *TensorProto
	G         *GraphProto
	Floats    []float32
	Ints      []int64
	Strings   [][]byte
	Tensors   []*TensorProto
	DocString string
}

// StringStringEntryProto is a key/value pair, used for external data locations.
type StringStringEntryProto struct {
	Key, Value string
}

// TensorProto is a serialized tensor value: initializers and Constant node values.
//
// Exactly one of the *Data fields (or RawData) is expected to be set.
type TensorProto struct {
	Dims         []int64
	DataType     int32
	FloatData    []float32
	Int32Data    []int32
	StringData   [][]byte
	Int64Data    []int64
	Name         string
	DocString    string
	RawData      []byte
	ExternalData []*StringStringEntryProto
	DoubleData   []float64
	Uint64Data   []uint64
}

// ValueInfoProto describes a graph input, output or intermediary value.
type ValueInfoProto struct {
	Name      string
	Type      *TypeProto
	DocString string
}

// TypeProto holds the type of value. Only tensor types are supported.
type TypeProto struct {
	TensorType *TypeProto_Tensor
	Denotation string
}

// TypeProto_Tensor is the type of a tensor value: element type and (possibly partial) shape.
type TypeProto_Tensor struct {
	ElemType int32
	Shape    *TensorShapeProto
}

// GetElemType returns the element type, nil-safe.
func (t *TypeProto_Tensor) GetElemType() int32 {
	if t == nil {
		return 0
	}
	return t.ElemType
}

// TensorShapeProto is a list of dimensions, each either a known value or a symbolic parameter.
type TensorShapeProto struct {
	Dim []*TensorShapeProto_Dimension
}

// TensorShapeProto_Dimension is one axis of a TensorShapeProto.
//
// If HasValue is false, the dimension is dynamic and DimParam (possibly empty) names it.
type TensorShapeProto_Dimension struct {
	DimValue   int64
	DimParam   string
	HasValue   bool
	Denotation string
}
