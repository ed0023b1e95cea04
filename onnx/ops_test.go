package onnx

import (
	"fmt"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/onnx2layers/internal/protos"
)

// testNode returns a node proto with the given attributes, to call the reference ops directly.
func testNode(opType string, attrs ...*protos.AttributeProto) *protos.NodeProto {
	return &protos.NodeProto{Name: "test_" + opType, OpType: opType, Output: []string{"out"}, Attribute: attrs}
}

func TestONNXBinaryOp(t *testing.T) {
	graphtest.RunTestGraphFn(t, "onnxBinaryOp", func(g *Graph) (inputs, outputs []*Node) {
		lhs := Const(g, [][]float32{{1, 2, 3}, {4, 5, 6}})
		column := Const(g, [][]float32{{10}, {20}})
		row := Const(g, []float32{100, 200, 300})
		inputs = []*Node{lhs, column, row}
		outputs = []*Node{
			onnxBinaryOp(Add, lhs, column),
			onnxBinaryOp(Add, lhs, row),
			onnxBinaryOp(Mul, column, row),
			onnxBinaryOp(Sub, lhs, Const(g, int32(1))),
		}
		return
	}, []any{
		[][]float32{{11, 12, 13}, {24, 25, 26}},
		[][]float32{{101, 202, 303}, {104, 205, 306}},
		[][]float32{{1000, 2000, 3000}, {2000, 4000, 6000}},
		[][]float32{{0, 1, 2}, {3, 4, 5}},
	}, -1)
}

func TestONNXConv(t *testing.T) {
	graphtest.RunTestGraphFn(t, "onnxConv", func(g *Graph) (inputs, outputs []*Node) {
		x := OnePlus(IotaFull(g, shapes.Make(dtypes.Float32, 1, 1, 3, 3)))
		w := Ones(g, shapes.Make(dtypes.Float32, 1, 1, 2, 2))
		b := Const(g, []float32{0.5})
		inputs = []*Node{x, w}
		outputs = []*Node{
			onnxConv(testNode("Conv"), []*Node{x, w}),
			onnxConv(testNode("Conv", intsAttr("strides", 2, 2), intsAttr("pads", 0, 0, 1, 1)), []*Node{x, w, b}),
		}
		return
	}, []any{
		[][][][]float32{{{{12, 16}, {24, 28}}}},
		[][][][]float32{{{{12.5, 9.5}, {15.5, 9.5}}}},
	}, 1e-4)
}

func TestONNXConvTranspose(t *testing.T) {
	graphtest.RunTestGraphFn(t, "onnxConvTranspose", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][][]float32{{{{1, 2}, {3, 4}}}})
		w := Ones(g, shapes.Make(dtypes.Float32, 1, 1, 2, 2))
		inputs = []*Node{x, w}
		outputs = []*Node{
			onnxConvTranspose(testNode("ConvTranspose"), []*Node{x, w}),
			onnxConvTranspose(testNode("ConvTranspose", intsAttr("strides", 2, 2)), []*Node{x, w}),
			onnxConvTranspose(testNode("ConvTranspose", intsAttr("pads", 1, 1, 0, 0)), []*Node{x, w}),
		}
		return
	}, []any{
		[][][][]float32{{{{1, 3, 2}, {4, 10, 6}, {3, 7, 4}}}},
		[][][][]float32{{{{1, 1, 2, 2}, {1, 1, 2, 2}, {3, 3, 4, 4}, {3, 3, 4, 4}}}},
		[][][][]float32{{{{10, 6}, {7, 4}}}},
	}, 1e-4)
}

func TestONNXMaxPool(t *testing.T) {
	graphtest.RunTestGraphFn(t, "onnxMaxPool", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][][]float32{{{{-1, -2}, {-3, -4}}}})
		inputs = []*Node{x}
		outputs = []*Node{
			onnxMaxPool(testNode("MaxPool", intsAttr("kernel_shape", 2, 2), intsAttr("pads", 1, 1, 1, 1)), []*Node{x}),
			onnxMaxPool(testNode("MaxPool", intsAttr("kernel_shape", 2, 2)), []*Node{x}),
		}
		return
	}, []any{
		// Padded positions never win, even for negative values.
		[][][][]float32{{{{-1, -1, -2}, {-1, -1, -2}, {-3, -3, -4}}}},
		[][][][]float32{{{{-1}}}},
	}, -1)
}

func TestONNXAveragePool(t *testing.T) {
	graphtest.RunTestGraphFn(t, "onnxAveragePool", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][][]float32{{{{1, 2}, {3, 4}}}})
		inputs = []*Node{x}
		outputs = []*Node{
			onnxAveragePool(testNode("AveragePool", intsAttr("kernel_shape", 2, 2), intsAttr("pads", 1, 1, 1, 1)), []*Node{x}),
			onnxAveragePool(testNode("AveragePool", intsAttr("kernel_shape", 2, 2), intsAttr("pads", 1, 1, 1, 1),
				intAttr("count_include_pad", 1)), []*Node{x}),
		}
		return
	}, []any{
		[][][][]float32{{{{1, 1.5, 2}, {2, 2.5, 3}, {3, 3.5, 4}}}},
		[][][][]float32{{{{0.25, 0.75, 0.5}, {1, 2.5, 1.5}, {0.75, 1.75, 1}}}},
	}, 1e-5)
}

func TestONNXGemm(t *testing.T) {
	graphtest.RunTestGraphFn(t, "onnxGemm", func(g *Graph) (inputs, outputs []*Node) {
		a := Const(g, [][]float32{{1, 2}})
		b := Const(g, [][]float32{{1, 0, 1}, {0, 1, 1}})
		bT := Const(g, [][]float32{{1, 0}, {0, 1}, {1, 1}})
		c := Const(g, []float32{1, 1, 1})
		inputs = []*Node{a, b, bT, c}
		outputs = []*Node{
			onnxGemm(testNode("Gemm"), []*Node{a, b, c}),
			onnxGemm(testNode("Gemm", intAttr("transB", 1), floatAttr("alpha", 2), floatAttr("beta", 0.5)), []*Node{a, bT, c}),
		}
		return
	}, []any{
		[][]float32{{2, 3, 4}},
		[][]float32{{2.5, 4.5, 6.5}},
	}, 1e-5)
}

func TestONNXFlatten(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	testIdx := 0
	flattenFn := func(shape shapes.Shape, splitAxis int) shapes.Shape {
		g := NewGraph(backend, fmt.Sprintf("Flatten #%d", testIdx))
		testIdx++
		operand := IotaFull(g, shape)
		newShape := onnxFlatten(operand, splitAxis).Shape()
		g.Finalize()
		return newShape
	}

	// Scalar becomes a 1x1 matrix.
	flattenFn(shapes.Make(dtypes.Float32), 0).Assert(dtypes.Float32, 1, 1)

	// Vector can be split in 2 different ways.
	flattenFn(shapes.Make(dtypes.Int32, 7), 0).Assert(dtypes.Int32, 1, 7)
	flattenFn(shapes.Make(dtypes.Int32, 7), 1).AssertDims(7, 1)

	// Higher-dimensional tensor.
	flattenFn(shapes.Make(dtypes.Float32, 7, 2, 3, 4), 2).AssertDims(14, 12)
}
