package onnx

import (
	"fmt"
	"slices"

	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/onnx2layers/internal/protos"
	"github.com/gomlx/onnx2layers/internal/spatial"
	"github.com/pkg/errors"
)

// This file implements the ONNX operators used by CallGraph, in their original channels-first layout,
// for the operators that don't have a direct corresponding GoMLX operator.

// gomlxBinaryOp is a GoMLX binary op. Used by onnxBinaryOp.
type gomlxBinaryOp func(lhs, rhs *Node) *Node

// onnxImplicitExpansion expands operands to the largest rank, expanding to the left.
// This is part of ONNX implicit broadcasting rule.
// Scalars are left untouched, because generally, XLA will broadcast them.
//
// Returns the list of broadcast operands.
func onnxImplicitExpansion(operands []*Node) []*Node {
	ranks := sliceMap(operands, func(n *Node) int { return n.Rank() })
	maxRank := slices.Max(ranks)
	return sliceMap(operands, func(n *Node) *Node {
		if n.IsScalar() || n.Rank() == maxRank {
			return n
		}
		return ExpandLeftToRank(n, maxRank)
	})
}

// onnxBroadcastToCommonShape implements the full ONNX multidirectional broadcasting rule:
// operands are expanded to the same rank and then broadcast to the maximum dimension of each axis.
//
// See https://github.com/onnx/onnx/blob/main/docs/Broadcasting.md
func onnxBroadcastToCommonShape(operands []*Node) []*Node {
	operands = onnxImplicitExpansion(operands)
	maxRank := slices.Max(sliceMap(operands, func(n *Node) int { return n.Rank() }))
	maxDims := make([]int, maxRank)
	for axis := range maxRank {
		maxDims[axis] = slices.Max(sliceMap(operands, func(n *Node) int {
			if n.IsScalar() {
				return 1
			}
			return n.Shape().Dim(axis)
		}))
	}
	return sliceMap(operands, func(operand *Node) *Node {
		if operand.IsScalar() || slices.Equal(operand.Shape().Dimensions, maxDims) {
			return operand
		}
		return BroadcastToDims(operand, maxDims...)
	})
}

// onnxBinaryOp applies ONNX broadcasting rule before calling the fn.
//
// It differs from GoMLX and XLA in that it automatically prepend 1-dimensional axes to
// any of the operands, if they differ in rank.
func onnxBinaryOp(fn gomlxBinaryOp, lhs, rhs *Node) *Node {
	operands := onnxBroadcastToCommonShape([]*Node{lhs, rhs})
	lhs, rhs = operands[0], operands[1]
	if lhs.DType() != rhs.DType() {
		rhs = ConvertDType(rhs, lhs.DType())
	}
	return fn(lhs, rhs)
}

// channelsFirstBroadcast reshapes a per-channel vector v to broadcast over the axis 1 of an operand of the
// given rank.
func channelsFirstBroadcast(v *Node, rank int) *Node {
	if v.Rank() != 1 || rank < 2 {
		return v
	}
	dims := make([]int, rank)
	for axis := range dims {
		dims[axis] = 1
	}
	dims[1] = v.Shape().Dim(0)
	return Reshape(v, dims...)
}

// spatialAxesCF returns the spatial axes of a channels-first operand.
func spatialAxesCF(x *Node) []int {
	axes := make([]int, x.Rank()-2)
	for i := range axes {
		axes[i] = i + 2
	}
	return axes
}

// onnxWindowPads returns the (before, after) padding of each spatial axis of the windowed operation, taking
// into account auto_pad.
func onnxWindowPads(node *protos.NodeProto, x *Node, kernel, strides, dilations []int) [][2]int {
	numSpatial := x.Rank() - 2
	inputSizes := x.Shape().Dimensions[2:]
	autoPad := getStringAttrOr(node, "auto_pad", "NOTSET")
	if pads := autoPads(autoPad, inputSizes, kernel, strides, dilations); pads != nil {
		return pads
	}
	return onnxPairs(getSpatialIntsAttrOr(node, "pads", numSpatial, 2, 0))
}

// onnxLeakyRelu implements the corresponding ONNX operation.
// LeakyRelu(x) = x if x >= 0, alpha * x otherwise
func onnxLeakyRelu(node *protos.NodeProto, inputs []*Node) *Node {
	alpha := getFloatAttrOr(node, "alpha", 0.01)
	x := inputs[0]
	zero := ScalarZero(x.Graph(), x.DType())
	return Where(GreaterOrEqual(x, zero), x, MulScalar(x, alpha))
}

// onnxPRelu implements the corresponding ONNX operation.
// PRelu(x, slope) = x if x >= 0, slope * x otherwise
func onnxPRelu(inputs []*Node) *Node {
	operands := onnxBroadcastToCommonShape([]*Node{inputs[0], inputs[1]})
	x, slope := operands[0], operands[1]
	zero := ScalarZero(x.Graph(), x.DType())
	return Where(GreaterOrEqual(x, zero), x, Mul(slope, x))
}

// onnxClip implements the corresponding ONNX operation. Before opset 11, min and max are attributes.
func (m *Model) onnxClip(node *protos.NodeProto, inputs []*Node, convertedOutputs map[string]*Node) *Node {
	x := inputs[0]
	g := x.Graph()
	minValue := m.staticFloatInput(node, 1, convertedOutputs, getFloatAttrOr(node, "min", math32.Inf(-1)))
	maxValue := m.staticFloatInput(node, 2, convertedOutputs, getFloatAttrOr(node, "max", math32.Inf(1)))
	if !math32.IsInf(minValue, -1) {
		x = Max(x, Scalar(g, x.DType(), minValue))
	}
	if !math32.IsInf(maxValue, 1) {
		x = Min(x, Scalar(g, x.DType(), maxValue))
	}
	return x
}

// onnxSoftmax implements the corresponding ONNX operation.
// Before opset 13, the softmax is taken over the flattened axes starting from "axis".
func (m *Model) onnxSoftmax(node *protos.NodeProto, inputs []*Node) *Node {
	x := inputs[0]
	opset := m.OpsetVersion()
	if opset > 0 && opset < 13 {
		axis := AdjustAxisToOperandRank(x, getIntAttrOr(node, "axis", 1))
		flat := onnxFlatten(x, axis)
		return Reshape(Softmax(flat, 1), x.Shape().Dimensions...)
	}
	return Softmax(x, AdjustAxisToOperandRank(x, getIntAttrOr(node, "axis", -1)))
}

// onnxConv implements the corresponding ONNX operation, with ONNX axes ([O, I/group, spatial...] kernel).
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Conv.html
func onnxConv(node *protos.NodeProto, inputs []*Node) *Node {
	x, w := inputs[0], inputs[1]
	var b *Node
	if len(inputs) > 2 {
		b = inputs[2]
	}
	numSpatial := x.Rank() - 2
	kernel := getIntsAttrOr(node, "kernel_shape", w.Shape().Dimensions[2:])
	strides := getSpatialIntsAttrOr(node, "strides", numSpatial, 1, 1)
	dilations := getSpatialIntsAttrOr(node, "dilations", numSpatial, 1, 1)
	paddings := onnxWindowPads(node, x, kernel, strides, dilations)
	groups := getIntAttrOr(node, "group", 1)

	spatialAxes := spatialAxesCF(x)
	axes := backends.ConvolveAxesConfig{
		InputBatch:           0,
		InputChannels:        1,
		InputSpatial:         spatialAxes,
		KernelOutputChannels: 0,
		KernelInputChannels:  1,
		KernelSpatial:        spatialAxes,
		OutputBatch:          0,
		OutputChannels:       1,
		OutputSpatial:        spatialAxes,
	}
	conv := Convolve(x, w).AxesConfig(axes).
		StridePerAxis(strides...).
		DilationPerAxis(dilations...).
		PaddingPerDim(paddings)
	if groups > 1 {
		conv = conv.ChannelGroupCount(groups)
	}
	out := conv.Done()
	if b != nil {
		out = Add(out, channelsFirstBroadcast(b, out.Rank()))
	}
	return out
}

// onnxConvTranspose implements the corresponding ONNX operation as a convolution over the input dilated by
// the strides, with the kernel ([I, O, spatial...]) spatially flipped.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__ConvTranspose.html
func onnxConvTranspose(node *protos.NodeProto, inputs []*Node) *Node {
	x, w := inputs[0], inputs[1]
	var b *Node
	if len(inputs) > 2 {
		b = inputs[2]
	}
	if x.Rank() != 4 {
		exceptions.Panicf("ConvTranspose: only 2D transposed convolutions are implemented, got input shaped %s", x.Shape())
	}
	if group := getIntAttrOr(node, "group", 1); group != 1 {
		exceptions.Panicf("ConvTranspose: support for attribute 'group' (%d) is not yet implemented", group)
	}
	kernel := getIntsAttrOr(node, "kernel_shape", w.Shape().Dimensions[2:])
	strides := getSpatialIntsAttrOr(node, "strides", 2, 1, 1)
	dilations := getSpatialIntsAttrOr(node, "dilations", 2, 1, 1)
	outputPadding := getSpatialIntsAttrOr(node, "output_padding", 2, 1, 0)
	pads := transposedPads(node, x.Shape().Dimensions[2:], kernel, strides, outputPadding)

	paddings := make([][2]int, 2)
	crops := make([][2]int, 2)
	for axis := range 2 {
		effectiveKernel := (kernel[axis]-1)*dilations[axis] + 1
		start := effectiveKernel - 1 - pads[axis][0]
		end := effectiveKernel - 1 - pads[axis][1] + outputPadding[axis]
		// Negative padding is cropped from the output instead.
		crops[axis] = [2]int{max(0, -start), max(0, -end)}
		paddings[axis] = [2]int{max(0, start), max(0, end)}
	}
	spatialAxes := spatialAxesCF(x)
	axes := backends.ConvolveAxesConfig{
		InputBatch:           0,
		InputChannels:        1,
		InputSpatial:         spatialAxes,
		KernelInputChannels:  0,
		KernelOutputChannels: 1,
		KernelSpatial:        spatialAxes,
		OutputBatch:          0,
		OutputChannels:       1,
		OutputSpatial:        spatialAxes,
	}
	out := Convolve(x, spatial.Flip(w, 2, 3)).AxesConfig(axes).
		InputDilationPerAxis(strides...).
		DilationPerAxis(dilations...).
		PaddingPerDim(paddings).
		Done()
	if crops[0] != [2]int{} || crops[1] != [2]int{} {
		height, width := out.Shape().Dim(2), out.Shape().Dim(3)
		out = Slice(out, AxisRange(), AxisRange(),
			AxisRange(crops[0][0], height-crops[0][1]),
			AxisRange(crops[1][0], width-crops[1][1]))
	}
	if b != nil {
		out = Add(out, channelsFirstBroadcast(b, out.Rank()))
	}
	return out
}

// hasPadding returns whether any of the pads is not zero.
func hasPadding(pads [][2]int) bool {
	return slices.ContainsFunc(pads, func(pair [2]int) bool { return pair != [2]int{} })
}

// onnxPoolingWindow returns the kernel, strides and pads of a pooling node.
func onnxPoolingWindow(node *protos.NodeProto, x *Node) (kernel, strides []int, pads [][2]int) {
	numSpatial := x.Rank() - 2
	kernel = getIntsAttrOr(node, "kernel_shape", nil)
	if len(kernel) != numSpatial {
		exceptions.Panicf("%s: kernel_shape %v doesn't match the %d spatial axes of the input", node.OpType, kernel, numSpatial)
	}
	if getIntAttrOr(node, "ceil_mode", 0) != 0 {
		exceptions.Panicf("%s: support for attribute 'ceil_mode' is not yet implemented", node.OpType)
	}
	dilations := getSpatialIntsAttrOr(node, "dilations", numSpatial, 1, 1)
	if slices.ContainsFunc(dilations, func(d int) bool { return d != 1 }) {
		exceptions.Panicf("%s: support for attribute 'dilations' (%v) is not yet implemented", node.OpType, dilations)
	}
	strides = getSpatialIntsAttrOr(node, "strides", numSpatial, 1, 1)
	pads = onnxWindowPads(node, x, kernel, strides, dilations)
	return
}

// onnxMaxPool implements the corresponding ONNX operation: padded positions never win the maximum.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__MaxPool.html
func onnxMaxPool(node *protos.NodeProto, inputs []*Node) *Node {
	x := inputs[0]
	kernel, strides, pads := onnxPoolingWindow(node, x)
	return MaxPool(x).ChannelsAxis(timage.ChannelsFirst).
		WindowPerAxis(kernel...).
		StridePerAxis(strides...).
		PaddingPerDim(pads).
		Done()
}

// onnxAveragePool implements the corresponding ONNX operation, with or without counting the padded
// positions in the average (count_include_pad).
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__AveragePool.html
func onnxAveragePool(node *protos.NodeProto, inputs []*Node) *Node {
	x := inputs[0]
	kernel, strides, pads := onnxPoolingWindow(node, x)
	if !hasPadding(pads) || getIntAttrOr(node, "count_include_pad", 0) == 0 {
		return MeanPool(x).ChannelsAxis(timage.ChannelsFirst).
			WindowPerAxis(kernel...).
			StridePerAxis(strides...).
			PaddingPerDim(pads).
			Done()
	}
	windowSize := 1
	for _, dim := range kernel {
		windowSize *= dim
	}
	sum := SumPool(x).ChannelsAxis(timage.ChannelsFirst).
		WindowPerAxis(kernel...).
		StridePerAxis(strides...).
		PaddingPerDim(pads).
		Done()
	return DivScalar(sum, float64(windowSize))
}

// onnxGlobalAveragePool implements the corresponding ONNX operation, keeping the spatial axes.
func onnxGlobalAveragePool(inputs []*Node) *Node {
	x := inputs[0]
	return ReduceAndKeep(x, ReduceMean, spatialAxesCF(x)...)
}

// onnxBatchNormalization implements the corresponding ONNX operation in inference mode.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__BatchNormalization.html
func onnxBatchNormalization(node *protos.NodeProto, inputs []*Node) *Node {
	// Inputs: [input, scale, bias, mean, var]
	x := inputs[0]
	rank := x.Rank()
	scale := channelsFirstBroadcast(inputs[1], rank)
	bias := channelsFirstBroadcast(inputs[2], rank)
	mean := channelsFirstBroadcast(inputs[3], rank)
	variance := channelsFirstBroadcast(inputs[4], rank)
	if getIntAttrOr(node, "training_mode", 0) != 0 {
		exceptions.Panicf("BatchNormalization: support for attribute 'training_mode' is not yet implemented")
	}
	epsilon := getFloatAttrOr(node, "epsilon", 1e-5)
	normed := Div(Sub(x, mean), Sqrt(AddScalar(variance, epsilon)))
	return Add(Mul(normed, scale), bias)
}

// onnxPad implements the corresponding ONNX operation, in "constant" mode.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Pad.html
func (m *Model) onnxPad(node *protos.NodeProto, inputs []*Node, convertedOutputs map[string]*Node) *Node {
	x := inputs[0]
	rank := x.Rank()
	if mode := getStringAttrOr(node, "mode", "constant"); mode != "constant" {
		exceptions.Panicf("Pad: support for mode %q is not yet implemented", mode)
	}
	pads := getIntsAttrOr(node, "pads", nil)
	if pads == nil {
		pads = m.staticIntsInput(node, 1, convertedOutputs)
	}
	value := m.staticFloatInput(node, 2, convertedOutputs, getFloatAttrOr(node, "value", 0))
	if axes := m.staticIntsInput(node, 3, convertedOutputs); axes != nil {
		full := make([]int, 2*rank)
		for ii, axis := range axes {
			axis = AdjustAxisToOperandRank(x, axis)
			full[axis], full[axis+rank] = pads[ii], pads[ii+len(axes)]
		}
		pads = full
	}
	if len(pads) != 2*rank {
		exceptions.Panicf("Pad: expected %d pads for an input of rank %d, got %v", 2*rank, rank, pads)
	}
	axes := make([]int, rank)
	for axis := range axes {
		axes[axis] = axis
	}
	return spatial.Pad(x, Scalar(x.Graph(), x.DType(), value), axes, onnxPairs(pads))
}

// onnxFlatten implements the corresponding ONNX operation.
func onnxFlatten(operand *Node, splitAxis int) *Node {
	outerDim, innerDim := 1, 1
	for axis, dim := range operand.Shape().Dimensions {
		if axis < splitAxis {
			outerDim *= dim
		} else {
			innerDim *= dim
		}
	}
	return Reshape(operand, outerDim, innerDim)
}

// onnxReshape implements the corresponding ONNX operation, with a static target shape: 0 copies the input
// dimension (unless allowzero is set), -1 is inferred.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Reshape.html
func (m *Model) onnxReshape(node *protos.NodeProto, inputs []*Node, convertedOutputs map[string]*Node) *Node {
	x := inputs[0]
	dims := slices.Clone(m.staticIntsInput(node, 1, convertedOutputs))
	if dims == nil {
		// Before opset 5, the shape is an attribute.
		dims = slices.Clone(getIntsAttrOr(node, "shape", nil))
	}
	allowZero := getIntAttrOr(node, "allowzero", 0) != 0
	if !allowZero {
		for axis, dim := range dims {
			if dim == 0 && axis < x.Rank() {
				dims[axis] = x.Shape().Dim(axis)
			}
		}
	}
	return Reshape(x, dims...)
}

// onnxTranspose implements the corresponding ONNX operation. The default permutation reverses the axes.
func onnxTranspose(node *protos.NodeProto, inputs []*Node) *Node {
	operand := inputs[0]
	permutations := getIntsAttrOr(node, "perm", nil)
	if permutations == nil {
		permutations = make([]int, operand.Rank())
		for axis := range permutations {
			permutations[axis] = operand.Rank() - axis - 1
		}
	}
	if len(permutations) != operand.Rank() {
		exceptions.Panicf("Tranpose(data=%s, perm=%v) must have one permutation value per axis of the data: %s", operand.Shape(), permutations, nodeToString(node))
	}
	return TransposeAllAxes(operand, permutations...)
}

// onnxReduceMean implements the corresponding ONNX operation. Since opset 18, the axes are given as an input.
func (m *Model) onnxReduceMean(node *protos.NodeProto, inputs []*Node, convertedOutputs map[string]*Node) *Node {
	x := inputs[0]
	axes := getIntsAttrOr(node, "axes", nil)
	if axes == nil {
		axes = m.staticIntsInput(node, 1, convertedOutputs)
	}
	if len(axes) == 0 {
		if getIntAttrOr(node, "noop_with_empty_axes", 0) != 0 {
			return x
		}
		axes = make([]int, x.Rank())
		for axis := range axes {
			axes[axis] = axis
		}
	}
	axes = sliceMap(axes, func(axis int) int { return AdjustAxisToOperandRank(x, axis) })
	if getIntAttrOr(node, "keepdims", 1) != 0 {
		return ReduceAndKeep(x, ReduceMean, axes...)
	}
	return ReduceMean(x, axes...)
}

// onnxGemm implements the corresponding ONNX operation.
// Gemm stands for general matrix multiplication.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Gemm.html
func onnxGemm(node *protos.NodeProto, inputs []*Node) *Node {
	operandA := inputs[0]
	operandB := inputs[1]
	transposeA := getBoolAttrOr(node, "transA", false)
	transposeB := getBoolAttrOr(node, "transB", false)
	alpha := getFloatAttrOr(node, "alpha", 1.0)
	beta := getFloatAttrOr(node, "beta", 1.0)

	aAxes, bAxes := "ij", "jk"
	if transposeA {
		aAxes = "ji"
	}
	if transposeB {
		bAxes = "kj"
	}
	equation := fmt.Sprintf("%s,%s->ik", aAxes, bAxes)
	result := Einsum(equation, operandA, operandB)
	if alpha != 1.0 {
		result = MulScalar(result, alpha)
	}

	// Include the C term if given.
	if len(inputs) > 2 && inputs[2] != nil {
		operandC := inputs[2]
		if beta != 1.0 {
			operandC = MulScalar(operandC, beta)
		}
		result = onnxBinaryOp(Add, result, operandC)
	}
	return result
}

// onnxMatMul implements the corresponding ONNX operation, for a rank-2 or higher lhs and a rank-2 rhs.
func onnxMatMul(lhs, rhs *Node) *Node {
	if rhs.Rank() != 2 {
		exceptions.Panicf("MatMul: only rank-2 right-hand side operands are implemented, got %s", rhs.Shape())
	}
	return DotGeneral(lhs, []int{lhs.Rank() - 1}, nil, rhs, []int{0}, nil)
}

// onnxConstant implements the corresponding ONNX operation.
func onnxConstant(g *Graph, node *protos.NodeProto) *Node {
	t, err := tensorFromProto(g.Backend(), constantProto(node))
	if err != nil {
		panic(errors.WithMessagef(err, "while converting the value of Constant node %s", nodeToString(node)))
	}
	return Const(g, t)
}
