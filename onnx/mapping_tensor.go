package onnx

import (
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/onnx2layers/internal/protos"
	"github.com/gomlx/onnx2layers/layers"
	"github.com/pkg/errors"
)

// convertBinary returns a rule for the element-wise Add, Sub and Mul: both operands must be computed
// values of the same shape (no broadcasting). The second operand is converted to the layout of the first.
func convertBinary(class layers.Class) mappingRule {
	return func(a *assembler, _ *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
		lhs := a.requireActivation(inputs, 0)
		rhs := a.requireActivation(inputs, 1)
		if lhs.rank() != rhs.rank() {
			a.unsupportedf("operands of different ranks (shapes %v and %v) are not supported", lhs.onnxShape(), rhs.onnxShape())
		}
		rhs = a.adapt(rhs, lhs.layout)
		return single(a.emit(class, layers.Config{}, lhs.layout, lhs, rhs))
	}
}

// convertConcat converts a ONNX Concat node to a Concatenate layer. All inputs are converted to the layout of
// the first one.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Concat.html
func convertConcat(a *assembler, node *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
	handles := make([]*tensorHandle, len(inputs))
	for ii := range inputs {
		handles[ii] = a.requireActivation(inputs, ii)
	}
	if len(handles) == 0 {
		panic(graphErrorf("node %s has no inputs", nodeToString(node)))
	}
	first := handles[0]
	for ii, h := range handles {
		if h.rank() != first.rank() {
			a.unsupportedf("inputs of different ranks (%v and %v) can't be concatenated", first.onnxShape(), h.onnxShape())
		}
		handles[ii] = a.adapt(h, first.layout)
	}
	axis := a.axisInLayout(first, mustGetIntAttr(node, "axis"), "axis")
	if axis == 0 {
		a.unsupportedf("concatenation over the batch axis is not supported")
	}
	if len(handles) == 1 {
		return single(first)
	}
	return single(a.emit(layers.ClassConcatenate, layers.Config{Axis: axis}, first.layout, handles...))
}

// spatialSizeIsOne returns whether a channels-last value has all spatial dimensions equal to 1, in which case
// its flattened contents are the same in both layouts.
func spatialSizeIsOne(x *tensorHandle) bool {
	shape := x.shape()
	for _, dim := range shape[1 : len(shape)-1] {
		if dim != 1 {
			return false
		}
	}
	return true
}

// convertFlatten converts a ONNX Flatten node (with axis=1) to a Flatten layer. The input is converted to
// channels-first first, so the order of the flattened values matches ONNX.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Flatten.html
func convertFlatten(a *assembler, node *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
	x := a.requireActivation(inputs, 0)
	axis := getIntAttrOr(node, "axis", 1)
	if axis < 0 {
		axis += x.rank()
	}
	if axis != 1 {
		a.unsupportedf("only flattening all but the batch axis (axis=1) is supported, got axis=%d", axis)
	}
	if x.rank() == 2 {
		return single(x)
	}
	if x.layout != LayoutChannelsLast || !spatialSizeIsOne(x) {
		x = a.adapt(x, LayoutChannelsFirst)
	}
	return single(a.emit(layers.ClassFlatten, layers.Config{}, LayoutFlat, x))
}

// reshapeTarget resolves the ONNX target shape of a Reshape (0 copies the input dimension, unless allowZero)
// and checks that the batch axis is preserved.
func (a *assembler) reshapeTarget(inputShape, target []int, allowZero bool) []int {
	target = slices.Clone(target)
	if len(target) == 0 {
		a.unsupportedf("reshape to a scalar is not supported")
	}
	for axis, dim := range target {
		if dim == 0 && !allowZero && axis < len(inputShape) {
			target[axis] = inputShape[axis]
		}
	}
	exampleSize := 1
	for _, dim := range inputShape[1:] {
		exampleSize *= dim
	}
	switch {
	case target[0] == inputShape[0] && target[0] > 0:
	case target[0] == -1:
		if slices.Contains(target[1:], -1) {
			a.unsupportedf("reshape with a dynamic batch and another inferred dimension (%v) is not supported", target)
		}
		size := 1
		for _, dim := range target[1:] {
			size *= dim
		}
		if size != exampleSize {
			a.unsupportedf("reshape from %v to %v changes the batch axis, which is not supported", inputShape, target)
		}
	default:
		a.unsupportedf("reshape from %v to %v changes the batch axis, which is not supported", inputShape, target)
	}
	return target
}

// convertReshape converts a ONNX Reshape node to a Reshape layer. The input is converted to channels-first first,
// so the order of the values matches ONNX.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Reshape.html
func convertReshape(a *assembler, node *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
	x := a.requireActivation(inputs, 0)
	// Before opset 5 the shape was an attribute.
	target := getIntsAttrOr(node, "shape", nil)
	if target == nil {
		target = a.constantInts(inputs, 1, "shape")
	}
	if target == nil {
		panic(graphErrorf("node %s has no target shape", nodeToString(node)))
	}
	inputShape := x.onnxShape()
	target = a.reshapeTarget(inputShape, target, getBoolAttrOr(node, "allowzero", false))
	if slices.Equal(target, inputShape) {
		return single(x)
	}
	x = a.adapt(x, LayoutChannelsFirst)
	return single(a.emit(layers.ClassReshape, layers.Config{TargetShape: target[1:]}, layoutForRank(len(target)), x))
}

// convertTranspose converts a ONNX Transpose node that keeps the batch axis in place to a Permute layer.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Transpose.html
func convertTranspose(a *assembler, node *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
	x := a.requireActivation(inputs, 0)
	rank := x.rank()
	perm := getIntsAttrOr(node, "perm", nil)
	if perm == nil {
		// Default reverses the axes.
		perm = make([]int, rank)
		for axis := range perm {
			perm[axis] = rank - 1 - axis
		}
	}
	sorted := slices.Sorted(slices.Values(perm))
	for axis, value := range sorted {
		if value != axis {
			attrPanicf(node, "perm", "%v is not a permutation of the %d axes", perm, rank)
		}
	}
	if len(perm) != rank {
		attrPanicf(node, "perm", "%v is not a permutation of the %d axes", perm, rank)
	}
	if perm[0] != 0 {
		a.unsupportedf("transposing the batch axis is not supported (perm=%v)", perm)
	}
	if slices.IsSorted(perm) {
		return single(x)
	}
	if x.layout == LayoutChannelsLast && slices.Equal(perm, channelsFirstToLastPerm(rank)) {
		// The channels-last tensor already holds the values in the transposed order.
		return single(&tensorHandle{name: node.Output[0], tensor: x.tensor, layout: LayoutChannelsFirst})
	}
	x = a.adapt(x, LayoutChannelsFirst)
	return single(a.emit(layers.ClassPermute, layers.Config{Dims: perm[1:]}, layoutForRank(rank), x))
}

// convertReduceMean converts a ONNX ReduceMean over the spatial axes of a 4D input (and GlobalAveragePool)
// to a GlobalAveragePooling2D.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__ReduceMean.html
func convertReduceMean(a *assembler, node *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
	x := a.requireActivation(inputs, 0)
	// Since opset 18 the axes are an input.
	axes := getIntsAttrOr(node, "axes", nil)
	if axes == nil {
		axes = a.constantInts(inputs, 1, "axes")
	}
	rank := x.rank()
	axes = sliceMap(axes, func(axis int) int {
		if axis < 0 {
			return axis + rank
		}
		return axis
	})
	slices.Sort(axes)
	if rank != 4 || !slices.Equal(axes, []int{2, 3}) {
		a.unsupportedf("only the mean over the spatial axes of a 4D input is supported, got axes %v for input shaped %v",
			axes, x.onnxShape())
	}
	keepDims := getBoolAttrOr(node, "keepdims", true)
	layout := LayoutFlat
	if keepDims {
		layout = LayoutChannelsLast
	}
	x = a.adapt(x, LayoutChannelsLast)
	return single(a.emit(layers.ClassGlobalAveragePooling2D, layers.Config{KeepDims: keepDims}, layout, x))
}

// convertGemm converts a ONNX Gemm node to a Dense layer: B must be an initializer, and alpha and beta are
// folded into the kernel and bias.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Gemm.html
func convertGemm(a *assembler, node *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
	x := a.requireActivation(inputs, 0)
	if x.rank() != 2 {
		a.unsupportedf("only 2D inputs are supported, got input shaped %v", x.onnxShape())
	}
	if getBoolAttrOr(node, "transA", false) {
		a.unsupportedf("transA=1 is not supported: the input is the batch of examples")
	}
	b := a.requireWeight(inputs, 1, "B")
	c := a.weightInput(inputs, 2, "C")
	transB := getBoolAttrOr(node, "transB", false)
	alpha := getFloatAttrOr(node, "alpha", 1)
	beta := getFloatAttrOr(node, "beta", 1)
	bShape := b.shape()
	if len(bShape) != 2 {
		a.unsupportedf("B must be a matrix, got shape %v", bShape)
	}
	units := bShape[1]
	if transB {
		units = bShape[0]
	}
	useBias := c != nil && beta != 0
	out := a.emit(layers.ClassDense, layers.Config{Units: units, UseBias: useBias}, LayoutFlat, x)
	l := out.tensor.Layer()
	a.binder.bind(l, "kernel", b, func(w *Node) *Node {
		if transB {
			w = Transpose(w, 0, 1)
		}
		if alpha != 1 {
			w = MulScalar(w, alpha)
		}
		return w
	})
	if useBias {
		a.binder.bind(l, "bias", c, func(bias *Node) *Node {
			bias = Reshape(bias, bias.Shape().Size())
			if bias.Shape().Size() == 1 && units != 1 {
				bias = BroadcastToDims(bias, units)
			}
			if beta != 1 {
				bias = MulScalar(bias, beta)
			}
			return bias
		})
	} else if c != nil {
		a.binder.consumed.Insert(c.name)
	}
	return single(out)
}

// convertMatMul converts a ONNX MatMul with a constant matrix as second operand to a Dense layer without bias.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__MatMul.html
func convertMatMul(a *assembler, _ *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
	x := a.requireActivation(inputs, 0)
	w := a.requireWeight(inputs, 1, "second operand")
	wShape := w.shape()
	if len(wShape) != 2 {
		a.unsupportedf("only a matrix as second operand is supported, got shape %v", wShape)
	}
	x = a.adapt(x, LayoutChannelsFirst)
	out := a.emit(layers.ClassDense, layers.Config{Units: wShape[1]}, x.layout, x)
	a.binder.bind(out.tensor.Layer(), "kernel", w, nil)
	return single(out)
}

// convertPassThrough handles Identity and Dropout (at inference): the output is the input.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Dropout.html
func convertPassThrough(a *assembler, node *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
	if len(inputs) == 0 || inputs[0] == nil {
		panic(graphErrorf("node %s has no input", nodeToString(node)))
	}
	if node.OpType == "Dropout" {
		training := getIntAttrOr(node, "training_mode", 0) != 0
		a.constantInput(inputs, 1, "ratio")
		if mode := a.constantInput(inputs, 2, "training_mode"); mode != nil {
			training = training || tensorToFloat32s(mode)[0] != 0
		}
		if training {
			attrPanicf(node, "training_mode", "dropout in training mode is not supported")
		}
	}
	return single(inputs[0])
}

// convertConstant converts a ONNX Constant node to a static value, which can be used as weights or
// parameters by other nodes.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Constant.html
func convertConstant(a *assembler, node *protos.NodeProto, _ []*tensorHandle) []*tensorHandle {
	value, err := tensorFromProto(a.cfg.backend, constantProto(node))
	if err != nil {
		panic(errors.WithMessagef(err, "while converting the value of Constant node %q", nodeName(node)))
	}
	return single(&tensorHandle{name: node.Output[0], constant: value, layout: LayoutFlat})
}

// constantProto returns the value of a Constant node as a tensor proto.
func constantProto(node *protos.NodeProto) *protos.TensorProto {
	if len(node.Attribute) != 1 {
		attrPanicf(node, "value", "Constant requires exactly one value attribute, got %d attributes", len(node.Attribute))
	}
	attr := node.Attribute[0]
	var proto *protos.TensorProto
	switch attr.Name {
	case "value":
		proto = attr.T
	case "value_float":
		proto = &protos.TensorProto{DataType: int32(protos.TensorProto_FLOAT), FloatData: []float32{attr.F}}
	case "value_floats":
		proto = &protos.TensorProto{DataType: int32(protos.TensorProto_FLOAT), FloatData: attr.Floats,
			Dims: []int64{int64(len(attr.Floats))}}
	case "value_int":
		proto = &protos.TensorProto{DataType: int32(protos.TensorProto_INT64), Int64Data: []int64{attr.I}}
	case "value_ints":
		proto = &protos.TensorProto{DataType: int32(protos.TensorProto_INT64), Int64Data: attr.Ints,
			Dims: []int64{int64(len(attr.Ints))}}
	default:
		attrPanicf(node, attr.Name, "constant attribute %q is not supported", attr.Name)
	}
	if proto == nil {
		attrPanicf(node, attr.Name, "missing tensor value")
	}
	return proto
}
