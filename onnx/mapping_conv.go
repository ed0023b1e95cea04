package onnx

import (
	"math"
	"slices"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/onnx2layers/internal/protos"
	"github.com/gomlx/onnx2layers/layers"
)

// spatialInput returns input ii in channels-last layout. Only 2D spatial inputs (rank 4) are supported.
func (a *assembler) spatialInput(inputs []*tensorHandle, ii int) *tensorHandle {
	x := a.requireActivation(inputs, ii)
	if x.rank() != 4 {
		a.unsupportedf("only 2D spatial operations are supported (inputs of rank 4), got input %q shaped %v",
			x.name, x.onnxShape())
	}
	return a.adapt(x, LayoutChannelsLast)
}

// spatialDims returns the height and width of a channels-last handle.
func spatialDims(x *tensorHandle) []int {
	return slices.Clone(x.shape()[1:3])
}

// windowParams are the attributes shared by convolutions and pooling.
type windowParams struct {
	kernel, strides, dilations []int

	// pads has one (before, after) pair per spatial axis.
	pads [][2]int
}

// parseWindowParams reads strides, dilations, auto_pad and pads, for the given kernel and input spatial dimensions.
func (a *assembler) parseWindowParams(node *protos.NodeProto, inputSizes, kernel []int) windowParams {
	wp := windowParams{
		kernel:    kernel,
		strides:   getSpatialIntsAttrOr(node, "strides", 2, 1, 1),
		dilations: getSpatialIntsAttrOr(node, "dilations", 2, 1, 1),
	}
	for axis := range 2 {
		if wp.strides[axis] <= 0 {
			attrPanicf(node, "strides", "strides must be positive, got %v", wp.strides)
		}
		if wp.dilations[axis] <= 0 {
			attrPanicf(node, "dilations", "dilations must be positive, got %v", wp.dilations)
		}
		if kernel[axis] <= 0 {
			attrPanicf(node, "kernel_shape", "kernel dimensions must be positive, got %v", kernel)
		}
	}
	autoPad := getStringAttrOr(node, "auto_pad", "NOTSET")
	switch autoPad {
	case "NOTSET", "VALID", "SAME_UPPER", "SAME_LOWER":
	default:
		attrPanicf(node, "auto_pad", "unknown value %q", autoPad)
	}
	wp.pads = autoPads(autoPad, inputSizes, kernel, wp.strides, wp.dilations)
	if wp.pads == nil {
		wp.pads = onnxPairs(getSpatialIntsAttrOr(node, "pads", 2, 2, 0))
	}
	for _, pair := range wp.pads {
		if pair[0] < 0 || pair[1] < 0 {
			attrPanicf(node, "pads", "negative pads are not supported, got %v", wp.pads)
		}
	}
	return wp
}

// kernelShape returns the "kernel_shape" attribute, which must match defaultKernel if that is given.
func kernelShape(node *protos.NodeProto, defaultKernel []int) []int {
	kernel := getIntsAttrOr(node, "kernel_shape", defaultKernel)
	if kernel == nil {
		getNodeAttr(node, "kernel_shape", true)
	}
	if len(kernel) != 2 {
		attrPanicf(node, "kernel_shape", "only 2D kernels are supported, got %v", kernel)
	}
	if defaultKernel != nil && !slices.Equal(kernel, defaultKernel) {
		attrPanicf(node, "kernel_shape", "kernel shape %v doesn't match the weights spatial dimensions %v", kernel, defaultKernel)
	}
	return kernel
}

// padIfNeeded resolves the padding of the windowed operation. If it can't be expressed by the layer's own
// padding mode, it inserts a padding layer of the given class, and returns the padded input to be used
// with "valid" padding.
func (a *assembler) padIfNeeded(x *tensorHandle, wp windowParams, padClass layers.Class, padValue float32) (*tensorHandle, layers.Padding) {
	mode, explicit := resolveSpatialPadding(spatialDims(x), wp.kernel, wp.strides, wp.dilations, wp.pads)
	if explicit == nil {
		return x, mode
	}
	padded := a.addLayer(padClass, a.layerSuffix("pad"), layers.Config{Pads: explicit, PadValue: padValue}, x)
	return &tensorHandle{name: x.name, tensor: padded, layout: LayoutChannelsLast}, mode
}

// convertConv converts a ONNX Conv node to a Conv2D, a DepthwiseConv2D (if group is the number of
// input channels), or to one Conv2D per group concatenated.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Conv.html
func convertConv(a *assembler, node *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
	x := a.spatialInput(inputs, 0)
	w := a.requireWeight(inputs, 1, "weights")
	bias := a.weightInput(inputs, 2, "bias")
	wShape := w.shape()
	if len(wShape) != 4 {
		a.unsupportedf("only 2D convolutions are supported, got weights shaped %v", wShape)
	}
	outChannels, groupInChannels := wShape[0], wShape[1]
	inChannels := x.shape()[3]
	kernel := kernelShape(node, wShape[2:])
	group := getIntAttrOr(node, "group", 1)
	if group <= 0 || inChannels%group != 0 || outChannels%group != 0 || groupInChannels*group != inChannels {
		attrPanicf(node, "group", "group %d is not compatible with %d input channels and weights shaped %v",
			group, inChannels, wShape)
	}
	wp := a.parseWindowParams(node, spatialDims(x), kernel)
	x, padding := a.padIfNeeded(x, wp, layers.ClassZeroPadding2D, 0)
	config := layers.Config{
		KernelSize:   kernel,
		Strides:      wp.strides,
		DilationRate: wp.dilations,
		Padding:      padding,
		UseBias:      bias != nil,
	}

	switch {
	case group == 1:
		config.Filters = outChannels
		out := a.emit(layers.ClassConv2D, config, LayoutChannelsLast, x)
		l := out.tensor.Layer()
		a.binder.bind(l, "kernel", w, func(w *Node) *Node { return TransposeAllAxes(w, 2, 3, 1, 0) })
		if bias != nil {
			a.binder.bind(l, "bias", bias, nil)
		}
		return single(out)

	case group == inChannels:
		multiplier := outChannels / inChannels
		config.DepthMultiplier = multiplier
		out := a.emit(layers.ClassDepthwiseConv2D, config, LayoutChannelsLast, x)
		l := out.tensor.Layer()
		a.binder.bind(l, "depthwise_kernel", w, func(w *Node) *Node {
			// [out, 1, kH, kW] -> [kH, kW, 1, out] -> [kH, kW, in, multiplier]
			w = TransposeAllAxes(w, 2, 3, 1, 0)
			return Reshape(w, kernel[0], kernel[1], inChannels, multiplier)
		})
		if bias != nil {
			a.binder.bind(l, "bias", bias, nil)
		}
		return single(out)
	}

	// Generic groups: one convolution per group, over its slice of the channels.
	inPerGroup, outPerGroup := inChannels/group, outChannels/group
	config.Filters = outPerGroup
	branches := make([]*tensorHandle, group)
	for groupIdx := range group {
		sliced := a.addLayer(layers.ClassSliceChannels, a.layerSuffix("group%d_in", groupIdx), layers.Config{
			ChannelStart: groupIdx * inPerGroup,
			ChannelEnd:   (groupIdx + 1) * inPerGroup,
		}, x)
		slicedHandle := &tensorHandle{name: x.name, tensor: sliced, layout: LayoutChannelsLast}
		conv := a.addLayer(layers.ClassConv2D, a.layerSuffix("group%d", groupIdx), config, slicedHandle)
		start, end := groupIdx*outPerGroup, (groupIdx+1)*outPerGroup
		a.binder.bind(conv.Layer(), "kernel", w, func(w *Node) *Node {
			return TransposeAllAxes(SliceAxis(w, 0, AxisRange(start, end)), 2, 3, 1, 0)
		})
		if bias != nil {
			a.binder.bind(conv.Layer(), "bias", bias, func(b *Node) *Node {
				return SliceAxis(b, 0, AxisRange(start, end))
			})
		}
		branches[groupIdx] = &tensorHandle{name: x.name, tensor: conv, layout: LayoutChannelsLast}
	}
	return single(a.emit(layers.ClassConcatenate, layers.Config{Axis: 3}, LayoutChannelsLast, branches...))
}

// transposedPads returns the pads of a ConvTranspose node, one (before, after) pair per spatial axis.
// If "output_shape" or a SAME auto_pad is given, the pads are derived from the target output size.
func transposedPads(node *protos.NodeProto, inputSizes, kernel, strides, outputPadding []int) [][2]int {
	autoPad := getStringAttrOr(node, "auto_pad", "NOTSET")
	outputShape := getIntsAttrOr(node, "output_shape", nil)
	if len(outputShape) > 2 {
		outputShape = outputShape[len(outputShape)-2:]
	}
	switch autoPad {
	case "NOTSET", "VALID":
		if outputShape == nil {
			if autoPad == "VALID" {
				return make([][2]int, 2)
			}
			return onnxPairs(getSpatialIntsAttrOr(node, "pads", 2, 2, 0))
		}
	case "SAME_UPPER", "SAME_LOWER":
		if outputShape == nil {
			outputShape = []int{inputSizes[0] * strides[0], inputSizes[1] * strides[1]}
		}
	default:
		attrPanicf(node, "auto_pad", "unknown value %q", autoPad)
	}
	if len(outputShape) != 2 {
		attrPanicf(node, "output_shape", "expected 2 spatial dimensions, got %v", outputShape)
	}
	pads := make([][2]int, 2)
	for axis := range 2 {
		total := strides[axis]*(inputSizes[axis]-1) + outputPadding[axis] + kernel[axis] - outputShape[axis]
		if total < 0 {
			attrPanicf(node, "output_shape", "output size %d is larger than the maximum %d for axis %d",
				outputShape[axis], outputShape[axis]+total, axis)
		}
		if autoPad == "SAME_UPPER" {
			pads[axis] = [2]int{total / 2, total - total/2}
		} else {
			pads[axis] = [2]int{total - total/2, total / 2}
		}
	}
	return pads
}

// convertConvTranspose converts a ONNX ConvTranspose node to a Conv2DTranspose, followed by a Cropping2D
// if the pads don't match any padding mode of the layer.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__ConvTranspose.html
func convertConvTranspose(a *assembler, node *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
	x := a.spatialInput(inputs, 0)
	w := a.requireWeight(inputs, 1, "weights")
	bias := a.weightInput(inputs, 2, "bias")
	wShape := w.shape()
	if len(wShape) != 4 {
		a.unsupportedf("only 2D transposed convolutions are supported, got weights shaped %v", wShape)
	}
	if group := getIntAttrOr(node, "group", 1); group != 1 {
		a.unsupportedf("grouped transposed convolutions are not supported (group=%d)", group)
	}
	kernel := kernelShape(node, wShape[2:])
	dilations := getSpatialIntsAttrOr(node, "dilations", 2, 1, 1)
	if !slices.Equal(dilations, []int{1, 1}) {
		a.unsupportedf("dilated transposed convolutions are not supported (dilations=%v)", dilations)
	}
	strides := getSpatialIntsAttrOr(node, "strides", 2, 1, 1)
	outputPadding := getSpatialIntsAttrOr(node, "output_padding", 2, 1, 0)
	for axis := range 2 {
		if strides[axis] <= 0 {
			attrPanicf(node, "strides", "strides must be positive, got %v", strides)
		}
		if outputPadding[axis] < 0 || outputPadding[axis] >= strides[axis] {
			attrPanicf(node, "output_padding", "output padding %v must be smaller than the strides %v", outputPadding, strides)
		}
	}
	pads := transposedPads(node, spatialDims(x), kernel, strides, outputPadding)
	for _, pair := range pads {
		if pair[0] < 0 || pair[1] < 0 {
			attrPanicf(node, "pads", "negative pads are not supported, got %v", pads)
		}
	}

	// Find the padding mode of the layer, with or without output padding, that crops the full transposed
	// output like the ONNX pads do. Otherwise, take the full output and crop it with a Cropping2D.
	matches := func(layerOutputPadding []int, padding layers.Padding) bool {
		for axis := range 2 {
			op := -1
			if layerOutputPadding != nil {
				op = layerOutputPadding[axis]
			}
			start, end := layers.TransposedConvCrop(kernel[axis], strides[axis], 1, op, padding)
			if pads[axis] != [2]int{start, end + outputPadding[axis]} {
				return false
			}
		}
		return true
	}
	config := layers.Config{
		Filters:    wShape[1],
		KernelSize: kernel,
		Strides:    strides,
		Padding:    layers.PaddingValid,
		UseBias:    bias != nil,
	}
	var crops [][2]int
	switch {
	case matches(nil, layers.PaddingValid):
	case matches(nil, layers.PaddingSame):
		config.Padding = layers.PaddingSame
	case matches(outputPadding, layers.PaddingValid):
		config.OutputPadding = outputPadding
	case matches(outputPadding, layers.PaddingSame):
		config.Padding = layers.PaddingSame
		config.OutputPadding = outputPadding
	default:
		config.OutputPadding = outputPadding
		crops = pads
	}
	out := a.emit(layers.ClassConv2DTranspose, config, LayoutChannelsLast, x)
	l := out.tensor.Layer()
	a.binder.bind(l, "kernel", w, func(w *Node) *Node {
		// [in, out, kH, kW] -> [kH, kW, out, in]
		return TransposeAllAxes(w, 2, 3, 1, 0)
	})
	if bias != nil {
		a.binder.bind(l, "bias", bias, nil)
	}
	if crops == nil {
		return single(out)
	}
	cropped := a.addLayer(layers.ClassCropping2D, a.layerSuffix("crop"), layers.Config{Pads: crops}, out)
	return single(&tensorHandle{name: out.name, tensor: cropped, layout: LayoutChannelsLast})
}

// checkPoolingAttributes panics for the pooling variants that have no layer equivalent.
func (a *assembler) checkPoolingAttributes(node *protos.NodeProto) {
	if getBoolAttrOr(node, "ceil_mode", false) {
		a.unsupportedf("ceil_mode=1 is not supported")
	}
	if dilations := getIntsAttrOr(node, "dilations", nil); dilations != nil && slices.ContainsFunc(dilations, func(d int) bool { return d != 1 }) {
		a.unsupportedf("dilated pooling is not supported (dilations=%v)", dilations)
	}
}

// convertMaxPool converts a ONNX MaxPool node to a MaxPooling2D.
// Explicit pads are implemented with a ConstantPadding2D using the lowest float32, so padded values
// are never selected.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__MaxPool.html
func convertMaxPool(a *assembler, node *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
	x := a.spatialInput(inputs, 0)
	a.checkPoolingAttributes(node)
	if getIntAttrOr(node, "storage_order", 0) != 0 {
		a.unsupportedf("storage_order=1 is not supported")
	}
	kernel := kernelShape(node, nil)
	wp := a.parseWindowParams(node, spatialDims(x), kernel)
	x, padding := a.padIfNeeded(x, wp, layers.ClassConstantPadding2D, -math.MaxFloat32)
	return single(a.emit(layers.ClassMaxPooling2D, layers.Config{
		PoolSize: kernel,
		Strides:  wp.strides,
		Padding:  padding,
	}, LayoutChannelsLast, x))
}

// convertAveragePool converts a ONNX AveragePool node to an AveragePooling2D.
//
// The layer's "same" padding excludes the padding from the average (count_include_pad=0). Explicit
// pads are implemented with a ZeroPadding2D, hence they are included in the average (count_include_pad=1).
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__AveragePool.html
func convertAveragePool(a *assembler, node *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
	x := a.spatialInput(inputs, 0)
	a.checkPoolingAttributes(node)
	countIncludePad := getBoolAttrOr(node, "count_include_pad", false)
	kernel := kernelShape(node, nil)
	wp := a.parseWindowParams(node, spatialDims(x), kernel)
	mode, explicit := resolveSpatialPadding(spatialDims(x), wp.kernel, wp.strides, wp.dilations, wp.pads)
	if mode == layers.PaddingSame && countIncludePad {
		explicit = wp.pads
	}
	if explicit != nil {
		if !countIncludePad {
			a.unsupportedf("pads %v can't be excluded from the average (count_include_pad=0) for input shaped %v",
				wp.pads, x.onnxShape())
		}
		padded := a.addLayer(layers.ClassZeroPadding2D, a.layerSuffix("pad"), layers.Config{Pads: explicit}, x)
		x = &tensorHandle{name: x.name, tensor: padded, layout: LayoutChannelsLast}
		mode = layers.PaddingValid
	}
	return single(a.emit(layers.ClassAveragePooling2D, layers.Config{
		PoolSize: kernel,
		Strides:  wp.strides,
		Padding:  mode,
	}, LayoutChannelsLast, x))
}

// convertGlobalAveragePool converts a ONNX GlobalAveragePool node to a GlobalAveragePooling2D, keeping
// the spatial axes (as ONNX does).
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__GlobalAveragePool.html
func convertGlobalAveragePool(a *assembler, _ *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
	x := a.spatialInput(inputs, 0)
	return single(a.emit(layers.ClassGlobalAveragePooling2D, layers.Config{KeepDims: true}, LayoutChannelsLast, x))
}

// convertBatchNormalization converts a ONNX BatchNormalization node (in inference mode) to a
// BatchNormalization layer over the channels axis.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__BatchNormalization.html
func convertBatchNormalization(a *assembler, node *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
	if getIntAttrOr(node, "training_mode", 0) != 0 {
		attrPanicf(node, "training_mode", "only inference mode (training_mode=0) is supported")
	}
	x := a.requireActivation(inputs, 0)
	switch x.rank() {
	case 2:
	case 4:
		x = a.adapt(x, LayoutChannelsLast)
	default:
		a.unsupportedf("only inputs of rank 2 or 4 are supported, got input shaped %v", x.onnxShape())
	}
	params := []string{"gamma", "beta", "moving_mean", "moving_variance"}
	weights := make([]*tensorHandle, len(params))
	for ii, param := range params {
		weights[ii] = a.requireWeight(inputs, ii+1, param)
	}
	epsilon := getFloatAttrOr(node, "epsilon", 1e-5)
	out := a.emit(layers.ClassBatchNormalization, layers.Config{Epsilon: epsilon}, x.layout, x)
	for ii, param := range params {
		a.binder.bind(out.tensor.Layer(), param, weights[ii], nil)
	}
	return single(out)
}

// convertPad converts a ONNX Pad node, in constant mode and padding only the spatial axes, to a ZeroPadding2D
// (or a ConstantPadding2D for non-zero values).
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Pad.html
func convertPad(a *assembler, node *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle {
	x := a.requireActivation(inputs, 0)
	if mode := getStringAttrOr(node, "mode", "constant"); mode != "constant" {
		a.unsupportedf("only constant padding is supported, got mode %q", mode)
	}
	if x.rank() != 4 {
		a.unsupportedf("only inputs of rank 4 are supported, got input shaped %v", x.onnxShape())
	}

	// Before opset 11, pads and value are attributes.
	pads := getIntsAttrOr(node, "pads", nil)
	if pads == nil {
		pads = a.constantInts(inputs, 1, "pads")
	}
	value := getFloatAttrOr(node, "value", 0)
	value = a.constantFloat(inputs, 2, "constant_value", value)
	if axes := a.constantInts(inputs, 3, "axes"); axes != nil {
		if len(pads) != 2*len(axes) {
			attrPanicf(node, "pads", "expected %d pads for axes %v, got %v", 2*len(axes), axes, pads)
		}
		full := make([]int, 8)
		for ii, axis := range axes {
			if axis < 0 {
				axis += 4
			}
			if axis < 0 || axis >= 4 {
				attrPanicf(node, "axes", "axis %d out of range for rank 4", axis)
			}
			full[axis], full[axis+4] = pads[ii], pads[ii+len(axes)]
		}
		pads = full
	}
	if len(pads) != 8 {
		attrPanicf(node, "pads", "expected 8 pads for an input of rank 4, got %v", pads)
	}
	pairs := onnxPairs(pads)
	if pairs[0] != [2]int{} || pairs[1] != [2]int{} {
		a.unsupportedf("only padding of the spatial axes is supported, got pads %v", pads)
	}
	for _, pair := range pairs[2:] {
		if pair[0] < 0 || pair[1] < 0 {
			a.unsupportedf("negative pads (cropping) are not supported, got pads %v", pads)
		}
	}
	x = a.adapt(x, LayoutChannelsLast)
	class := layers.ClassZeroPadding2D
	if value != 0 {
		class = layers.ClassConstantPadding2D
	}
	return single(a.emit(class, layers.Config{Pads: pairs[2:], PadValue: value}, LayoutChannelsLast, x))
}
