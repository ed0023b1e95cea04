package onnx

import (
	"math"

	"github.com/chewxy/math32"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/onnx2layers/internal/protos"
	"github.com/gomlx/onnx2layers/layers"
)

// convertUnary returns a rule for element-wise operators without attributes: the output keeps the input layout.
func convertUnary(class layers.Class, config layers.Config) mappingRule {
	return func(a *assembler, _ *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
		x := a.requireActivation(inputs, 0)
		return single(a.emit(class, config, x.layout, x))
	}
}

// convertLeakyRelu converts a ONNX LeakyRelu node to a LeakyReLU layer.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__LeakyRelu.html
func convertLeakyRelu(a *assembler, node *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
	x := a.requireActivation(inputs, 0)
	alpha := getFloatAttrOr(node, "alpha", 0.01)
	return single(a.emit(layers.ClassLeakyReLU, layers.Config{Alpha: alpha}, x.layout, x))
}

// convertPRelu converts a ONNX PRelu node with a per-channel (or scalar) slope to a PReLU layer.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__PRelu.html
func convertPRelu(a *assembler, _ *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
	x := a.requireActivation(inputs, 0)
	slope := a.requireWeight(inputs, 1, "slope")
	rank := x.rank()
	switch rank {
	case 2:
	case 4:
		x = a.adapt(x, LayoutChannelsLast)
	default:
		a.unsupportedf("only inputs of rank 2 or 4 are supported, got input shaped %v", x.onnxShape())
	}
	channels := x.shape()[rank-1]
	if !isPerChannelSlope(slope.onnxShape(), rank, channels) {
		a.unsupportedf("slope shaped %v is not per channel for input shaped %v", slope.onnxShape(), x.onnxShape())
	}
	out := a.emit(layers.ClassPReLU, layers.Config{}, x.layout, x)
	a.binder.bind(out.tensor.Layer(), "alpha", slope, func(s *Node) *Node {
		s = Reshape(s, s.Shape().Size())
		if s.Shape().Size() == 1 && channels != 1 {
			s = BroadcastToDims(s, channels)
		}
		if rank == 4 {
			s = Reshape(s, 1, 1, s.Shape().Size())
		}
		return s
	})
	return single(out)
}

// isPerChannelSlope returns whether a slope of the given shape, broadcast (ONNX unidirectional broadcasting)
// to an input of the given rank, varies only over the channels axis (axis 1), or is a scalar.
func isPerChannelSlope(slopeShape []int, rank, channels int) bool {
	if len(slopeShape) > rank {
		return false
	}
	size := 1
	for _, dim := range slopeShape {
		size *= dim
	}
	if size == 1 {
		return true
	}
	offset := rank - len(slopeShape)
	for axis, dim := range slopeShape {
		switch {
		case axis+offset == 1:
			if dim != channels {
				return false
			}
		case dim != 1:
			return false
		}
	}
	return true
}

// finiteFloat32 replaces infinities by the largest finite float32 of the same sign, since
// they can't be represented in the saved model.
func finiteFloat32(v float32) float32 {
	switch {
	case math32.IsInf(v, 1):
		return math.MaxFloat32
	case math32.IsInf(v, -1):
		return -math.MaxFloat32
	}
	return v
}

// convertClip converts a ONNX Clip node: clipping to [0, max] becomes a ReLU (a ReLU6 for max=6), other
// ranges a Clip layer.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Clip.html
func convertClip(a *assembler, node *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
	x := a.requireActivation(inputs, 0)

	// Before opset 11, min and max are attributes.
	minValue := getFloatAttrOr(node, "min", math32.Inf(-1))
	maxValue := getFloatAttrOr(node, "max", math32.Inf(1))
	minValue = a.constantFloat(inputs, 1, "min", minValue)
	maxValue = a.constantFloat(inputs, 2, "max", maxValue)
	if minValue > maxValue {
		a.unsupportedf("min %g is larger than max %g", minValue, maxValue)
	}
	switch {
	case math32.IsInf(minValue, -1) && math32.IsInf(maxValue, 1):
		return single(x)
	case minValue == 0:
		var config layers.Config
		if !math32.IsInf(maxValue, 1) {
			config.MaxValue = &maxValue
		}
		return single(a.emit(layers.ClassReLU, config, x.layout, x))
	}
	return single(a.emit(layers.ClassClip, layers.Config{
		Min: finiteFloat32(minValue),
		Max: finiteFloat32(maxValue),
	}, x.layout, x))
}

// convertSoftmax converts a ONNX Softmax node to a Softmax layer over the corresponding axis.
//
// Before opset 13 the softmax is taken over the flattened axes starting at "axis" (default 1): only the
// case where that is the last axis is supported.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Softmax.html
func convertSoftmax(a *assembler, node *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
	x := a.requireActivation(inputs, 0)
	rank := x.rank()
	opset := a.model.OpsetVersion()
	legacy := opset > 0 && opset < 13
	defaultAxis := -1
	if legacy {
		defaultAxis = 1
	}
	axis := getIntAttrOr(node, "axis", defaultAxis)
	if axis < 0 {
		axis += rank
	}
	if legacy && axis != rank-1 {
		a.unsupportedf("softmax over the flattened axes %d to %d (opset %d) is not supported", axis, rank-1, opset)
	}
	return single(a.emit(layers.ClassSoftmax, layers.Config{Axis: a.axisInLayout(x, axis, "axis")}, x.layout, x))
}
