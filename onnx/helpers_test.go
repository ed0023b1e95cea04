package onnx

import (
	"math/rand/v2"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx2layers/internal/protos"
	"github.com/gomlx/onnx2layers/layers"
	"github.com/stretchr/testify/require"
)

// testGraph builds small ONNX models programmatically.
type testGraph struct {
	t     *testing.T
	proto *protos.GraphProto
	opset int64
	rng   *rand.Rand
}

func newTestGraph(t *testing.T, name string) *testGraph {
	return &testGraph{
		t:     t,
		proto: &protos.GraphProto{Name: name},
		opset: 17,
		rng:   rand.New(rand.NewPCG(42, uint64(len(name)))),
	}
}

// input adds a float32 graph input. Negative dimensions are dynamic.
func (tg *testGraph) input(name string, dims ...int) *testGraph {
	shape := &protos.TensorShapeProto{}
	for _, dim := range dims {
		if dim < 0 {
			shape.Dim = append(shape.Dim, &protos.TensorShapeProto_Dimension{DimParam: "batch_size"})
		} else {
			shape.Dim = append(shape.Dim, &protos.TensorShapeProto_Dimension{DimValue: int64(dim), HasValue: true})
		}
	}
	tg.proto.Input = append(tg.proto.Input, &protos.ValueInfoProto{
		Name: name,
		Type: &protos.TypeProto{TensorType: &protos.TypeProto_Tensor{
			ElemType: int32(protos.TensorProto_FLOAT),
			Shape:    shape,
		}},
	})
	return tg
}

// output sets the graph outputs.
func (tg *testGraph) output(names ...string) *testGraph {
	for _, name := range names {
		tg.proto.Output = append(tg.proto.Output, &protos.ValueInfoProto{Name: name})
	}
	return tg
}

// weights adds a float32 initializer with random values.
func (tg *testGraph) weights(name string, dims ...int) *testGraph {
	return tg.initializer(name, randomTensor(tg.rng, dims...))
}

// initializer adds an initializer with the given value.
func (tg *testGraph) initializer(name string, value *tensors.Tensor) *testGraph {
	proto, err := TensorToProto(name, value)
	require.NoError(tg.t, err)
	tg.proto.Initializer = append(tg.proto.Initializer, proto)
	return tg
}

// node adds a node named after its first output.
func (tg *testGraph) node(opType string, inputs, outputs []string, attrs ...*protos.AttributeProto) *testGraph {
	tg.proto.Node = append(tg.proto.Node, &protos.NodeProto{
		Name:      outputs[0],
		OpType:    opType,
		Input:     inputs,
		Output:    outputs,
		Attribute: attrs,
	})
	return tg
}

// model serializes the graph and parses it back.
func (tg *testGraph) model() *Model {
	modelProto := &protos.ModelProto{
		IrVersion:    8,
		OpsetImport:  []*protos.OperatorSetIdProto{{Version: tg.opset}},
		ProducerName: "onnx2layers-test",
		Graph:        tg.proto,
	}
	m, err := Parse(modelProto.Marshal())
	require.NoError(tg.t, err)
	return m
}

func intAttr(name string, value int) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, Type: protos.AttributeProto_INT, I: int64(value)}
}

func intsAttr(name string, values ...int) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, Type: protos.AttributeProto_INTS,
		Ints: sliceMap(values, func(v int) int64 { return int64(v) })}
}

func floatAttr(name string, value float32) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, Type: protos.AttributeProto_FLOAT, F: value}
}

func stringAttr(name, value string) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, Type: protos.AttributeProto_STRING, S: []byte(value)}
}

// randomTensor returns a float32 tensor with values uniformly distributed in [-1, 1).
func randomTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	values := make([]float32, size)
	for ii := range values {
		values[ii] = 2*rng.Float32() - 1
	}
	return tensors.FromFlatDataAndDimensions(values, dims...)
}

// transposeTensor returns the tensor with its axes permuted.
func transposeTensor(t *testing.T, value *tensors.Tensor, perm ...int) *tensors.Tensor {
	backend := graphtest.BuildTestBackend()
	var result *tensors.Tensor
	require.NotPanics(t, func() {
		result = MustExecOnce(backend, func(x *Node) *Node { return TransposeAllAxes(x, perm...) }, value)
	})
	result.ToLocal()
	return result
}

// defaultDelta is the largest difference accepted between the converted model and the ONNX graph:
// outputs must agree to 6 decimal places.
const defaultDelta = 1.5e-6

// convertAndCompare converts the model and checks that the layer model (fed with NHWC inputs) and the
// ONNX graph (fed with the original NCHW inputs) produce the same outputs, within defaultDelta. The input
// dimensions are given in ONNX order. It returns the converted model.
func convertAndCompare(t *testing.T, m *Model, inputDims ...[]int) *layers.Model {
	return convertAndCompareWithin(t, m, defaultDelta, inputDims...)
}

// convertAndCompareWithin is like convertAndCompare, with the given tolerance.
func convertAndCompareWithin(t *testing.T, m *Model, delta float64, inputDims ...[]int) *layers.Model {
	converted, err := m.Convert(WithMultipleOutputs())
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(7, 11))
	onnxInputs := make([]*tensors.Tensor, len(inputDims))
	layerInputs := make([]*tensors.Tensor, len(inputDims))
	for ii, dims := range inputDims {
		onnxInputs[ii] = randomTensor(rng, dims...)
		layerInputs[ii] = onnxInputs[ii]
		if len(dims) == 4 {
			layerInputs[ii] = transposeTensor(t, onnxInputs[ii], 0, 2, 3, 1)
		}
	}
	want, err := m.Run(onnxInputs...)
	require.NoError(t, err)
	got, err := converted.Predict(layerInputs...)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for ii := range want {
		if want[ii].Rank() == 4 {
			want[ii] = transposeTensor(t, want[ii], 0, 2, 3, 1)
		}
		require.Equal(t, want[ii].Shape().Dimensions, got[ii].Shape().Dimensions, "output #%d shape", ii)
		require.InDeltaSlice(t, tensors.CopyFlatData[float32](want[ii]), tensors.CopyFlatData[float32](got[ii]),
			delta, "output #%d values", ii)
	}
	return converted
}
