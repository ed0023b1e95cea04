package layers

import (
	"slices"

	"github.com/pkg/errors"
)

// SamePadding returns the padding (before, after) used by PaddingSame for one spatial axis.
//
// The output size is ceil(inputSize/stride), and the padding needed to achieve it is split
// with the extra element, if odd, at the end.
func SamePadding(inputSize, kernel, stride, dilation int) (before, after int) {
	effectiveKernel := (kernel-1)*dilation + 1
	outputSize := (inputSize + stride - 1) / stride
	total := max((outputSize-1)*stride+effectiveKernel-inputSize, 0)
	before = total / 2
	after = total - before
	return
}

// ConvOutputSize returns the output size of a convolution or pooling along one spatial axis.
func ConvOutputSize(inputSize, kernel, stride, dilation int, padding Padding) int {
	if padding == PaddingSame {
		return (inputSize + stride - 1) / stride
	}
	effectiveKernel := (kernel-1)*dilation + 1
	return (inputSize-effectiveKernel)/stride + 1
}

// TransposedConvCrop returns how much of the full transposed convolution output, sized
// (inputSize-1)*stride + effectiveKernel, is removed at the start and at the end of one spatial axis.
// A negative end extends the output with zeros (plus bias) instead.
//
// A negative outputPadding means it is not set: the output size is then inputSize*stride for PaddingSame, and
// inputSize*stride + max(effectiveKernel-stride, 0) for PaddingValid. If it is set, PaddingSame removes
// effectiveKernel/2 on both sides, and outputPadding is added back at the end.
func TransposedConvCrop(kernel, stride, dilation, outputPadding int, padding Padding) (start, end int) {
	effectiveKernel := (kernel-1)*dilation + 1
	if outputPadding >= 0 {
		if padding == PaddingSame {
			start = effectiveKernel / 2
		}
		return start, start - outputPadding
	}
	total := effectiveKernel - stride
	if padding == PaddingSame && total > 0 {
		start = total / 2
		return start, total - start
	}
	return 0, min(total, 0)
}

// TransposedConvOutputSize returns the output size of a transposed convolution along one spatial axis.
// See TransposedConvCrop for the meaning of outputPadding.
func TransposedConvOutputSize(inputSize, kernel, stride, dilation, outputPadding int, padding Padding) int {
	start, end := TransposedConvCrop(kernel, stride, dilation, outputPadding, padding)
	return (inputSize-1)*stride + (kernel-1)*dilation + 1 - start - end
}

// transposedOutputPadding returns the output padding of a Conv2DTranspose for the spatial axis, or -1 if not set.
func (c *Config) transposedOutputPadding(axis int) int {
	if len(c.OutputPadding) != 2 {
		return -1
	}
	return c.OutputPadding[axis]
}

// spatialPaddings returns the padding per spatial axis (height, width) for the given native padding
// mode, for an NHWC input shape.
func spatialPaddings(inputShape, kernel, strides, dilations []int, padding Padding) [][2]int {
	paddings := make([][2]int, 2)
	if padding != PaddingSame {
		return paddings
	}
	for axis := range 2 {
		paddings[axis][0], paddings[axis][1] = SamePadding(inputShape[axis+1], kernel[axis], strides[axis], dilations[axis])
	}
	return paddings
}

// withDefaults fills the optional configuration fields of spatial layers.
func (l *Layer) withDefaults() {
	c := &l.Config
	if len(c.Strides) == 0 {
		c.Strides = []int{1, 1}
		if l.Class == ClassMaxPooling2D || l.Class == ClassAveragePooling2D {
			c.Strides = slices.Clone(c.PoolSize)
		}
	}
	if len(c.DilationRate) == 0 {
		c.DilationRate = []int{1, 1}
	}
	if c.Padding == "" {
		c.Padding = PaddingValid
	}
	if l.Class == ClassDepthwiseConv2D && c.DepthMultiplier == 0 {
		c.DepthMultiplier = 1
	}
}

func checkLen(name string, values []int, want int) error {
	if len(values) != want {
		return errors.Errorf("%s must have %d values, got %v", name, want, values)
	}
	return nil
}

func checkRank(inputShape []int, rank int) error {
	if len(inputShape) != rank {
		return errors.Errorf("expected input of rank %d, got shape %v", rank, inputShape)
	}
	return nil
}

func checkPositive(name string, values []int) error {
	for _, v := range values {
		if v <= 0 {
			return errors.Errorf("%s must be positive, got %v", name, values)
		}
	}
	return nil
}

// infer computes the output shape of the layer and the expected shapes of its parameters,
// given the shapes of its inputs (all including the batch axis).
func (l *Layer) infer(inputShapes [][]int) (outputShape []int, params []*Param, err error) {
	c := &l.Config
	param := func(name string, shape ...int) {
		params = append(params, &Param{Name: name, Shape: shape})
	}
	if l.Class == ClassInput {
		if len(inputShapes) != 0 {
			return nil, nil, errors.New("InputLayer takes no inputs")
		}
		return slices.Clone(c.Shape), nil, nil
	}
	if len(inputShapes) == 0 {
		return nil, nil, errors.Errorf("%s requires at least one input", l.Class)
	}
	x := inputShapes[0]
	switch l.Class {
	case ClassConv2D, ClassDepthwiseConv2D, ClassConv2DTranspose, ClassMaxPooling2D, ClassAveragePooling2D:
		l.withDefaults()
		if err = checkRank(x, 4); err != nil {
			return
		}
		window := c.KernelSize
		if l.Class == ClassMaxPooling2D || l.Class == ClassAveragePooling2D {
			window = c.PoolSize
		}
		for _, check := range []struct {
			name   string
			values []int
		}{{"window", window}, {"strides", c.Strides}, {"dilation_rate", c.DilationRate}} {
			if err = checkLen(check.name, check.values, 2); err != nil {
				return
			}
			if err = checkPositive(check.name, check.values); err != nil {
				return
			}
		}
		if c.Padding != PaddingValid && c.Padding != PaddingSame {
			return nil, nil, errors.Errorf("invalid padding %q", c.Padding)
		}
		channels := x[3]
		outputShape = []int{x[0], 0, 0, channels}
		for axis := range 2 {
			if l.Class == ClassConv2DTranspose {
				outputShape[axis+1] = TransposedConvOutputSize(x[axis+1], window[axis], c.Strides[axis],
					c.DilationRate[axis], c.transposedOutputPadding(axis), c.Padding)
			} else {
				outputShape[axis+1] = ConvOutputSize(x[axis+1], window[axis], c.Strides[axis], c.DilationRate[axis], c.Padding)
			}
			if outputShape[axis+1] <= 0 {
				return nil, nil, errors.Errorf("input shape %v too small for window %v (padding %q)", x, window, c.Padding)
			}
		}
		switch l.Class {
		case ClassConv2D:
			outputShape[3] = c.Filters
			param("kernel", window[0], window[1], channels, c.Filters)
			if c.UseBias {
				param("bias", c.Filters)
			}
		case ClassDepthwiseConv2D:
			outputShape[3] = channels * c.DepthMultiplier
			param("depthwise_kernel", window[0], window[1], channels, c.DepthMultiplier)
			if c.UseBias {
				param("bias", channels*c.DepthMultiplier)
			}
		case ClassConv2DTranspose:
			if len(c.OutputPadding) != 0 && len(c.OutputPadding) != 2 {
				return nil, nil, errors.Errorf("output_padding must have 2 values, got %v", c.OutputPadding)
			}
			outputShape[3] = c.Filters
			param("kernel", window[0], window[1], c.Filters, channels)
			if c.UseBias {
				param("bias", c.Filters)
			}
		}
		if (l.Class == ClassConv2D || l.Class == ClassConv2DTranspose) && c.Filters <= 0 {
			return nil, nil, errors.Errorf("filters must be positive, got %d", c.Filters)
		}
		return

	case ClassZeroPadding2D, ClassConstantPadding2D, ClassCropping2D:
		if err = checkRank(x, 4); err != nil {
			return
		}
		if len(c.Pads) != 2 {
			return nil, nil, errors.Errorf("pads must be ((top, bottom), (left, right)), got %v", c.Pads)
		}
		outputShape = slices.Clone(x)
		for axis := range 2 {
			if c.Pads[axis][0] < 0 || c.Pads[axis][1] < 0 {
				return nil, nil, errors.Errorf("negative pads %v", c.Pads)
			}
			delta := c.Pads[axis][0] + c.Pads[axis][1]
			if l.Class == ClassCropping2D {
				delta = -delta
			}
			outputShape[axis+1] += delta
			if outputShape[axis+1] <= 0 {
				return nil, nil, errors.Errorf("cropping %v too large for input shape %v", c.Pads, x)
			}
		}
		return

	case ClassGlobalAveragePooling2D:
		if err = checkRank(x, 4); err != nil {
			return
		}
		if c.KeepDims {
			return []int{x[0], 1, 1, x[3]}, nil, nil
		}
		return []int{x[0], x[3]}, nil, nil

	case ClassBatchNormalization:
		channels := x[len(x)-1]
		for _, name := range []string{"gamma", "beta", "moving_mean", "moving_variance"} {
			param(name, channels)
		}
		return slices.Clone(x), params, nil

	case ClassDense:
		if len(x) < 2 {
			return nil, nil, errors.Errorf("Dense requires input of rank >= 2, got %v", x)
		}
		if c.Units <= 0 {
			return nil, nil, errors.Errorf("units must be positive, got %d", c.Units)
		}
		outputShape = slices.Clone(x)
		outputShape[len(x)-1] = c.Units
		param("kernel", x[len(x)-1], c.Units)
		if c.UseBias {
			param("bias", c.Units)
		}
		return

	case ClassPReLU:
		if len(x) == 4 {
			param("alpha", 1, 1, x[3])
		} else {
			param("alpha", x[len(x)-1])
		}
		return slices.Clone(x), params, nil

	case ClassReLU, ClassLeakyReLU, ClassActivation:
		if l.Class == ClassActivation {
			switch c.Activation {
			case "sigmoid", "tanh", "relu", "linear":
			default:
				return nil, nil, errors.Errorf("unknown activation %q", c.Activation)
			}
		}
		return slices.Clone(x), nil, nil

	case ClassClip:
		if c.Min > c.Max {
			return nil, nil, errors.Errorf("clip min (%g) > max (%g)", c.Min, c.Max)
		}
		return slices.Clone(x), nil, nil

	case ClassSoftmax:
		if c.Axis < 0 || c.Axis >= len(x) {
			return nil, nil, errors.Errorf("softmax axis %d out of range for shape %v", c.Axis, x)
		}
		return slices.Clone(x), nil, nil

	case ClassAdd, ClassSubtract, ClassMultiply:
		if len(inputShapes) < 2 || (l.Class == ClassSubtract && len(inputShapes) != 2) {
			return nil, nil, errors.Errorf("%s takes 2 inputs (Add and Multiply take 2 or more), got %d", l.Class, len(inputShapes))
		}
		for _, other := range inputShapes[1:] {
			if !sameShape(x, other) {
				return nil, nil, errors.Errorf("%s operands have different shapes: %v and %v", l.Class, x, other)
			}
		}
		return slices.Clone(x), nil, nil

	case ClassConcatenate:
		if c.Axis <= 0 || c.Axis >= len(x) {
			return nil, nil, errors.Errorf("concatenation axis %d out of range for shape %v", c.Axis, x)
		}
		outputShape = slices.Clone(x)
		for _, other := range inputShapes[1:] {
			if len(other) != len(x) {
				return nil, nil, errors.Errorf("Concatenate operands have different ranks: %v and %v", x, other)
			}
			for axis := range x {
				if axis == c.Axis {
					continue
				}
				if !sameDim(x[axis], other[axis]) {
					return nil, nil, errors.Errorf("Concatenate operands %v and %v differ on axis %d", x, other, axis)
				}
			}
			outputShape[c.Axis] += other[c.Axis]
		}
		return

	case ClassPermute:
		if len(c.Dims) != len(x)-1 {
			return nil, nil, errors.Errorf("permute dims %v don't match input shape %v", c.Dims, x)
		}
		outputShape = []int{x[0]}
		seen := make([]bool, len(x))
		for _, dim := range c.Dims {
			if dim < 1 || dim >= len(x) || seen[dim] {
				return nil, nil, errors.Errorf("invalid permute dims %v", c.Dims)
			}
			seen[dim] = true
			outputShape = append(outputShape, x[dim])
		}
		return

	case ClassFlatten:
		size := 1
		for _, dim := range x[1:] {
			size *= dim
		}
		return []int{x[0], size}, nil, nil

	case ClassReshape:
		size := 1
		for _, dim := range x[1:] {
			size *= dim
		}
		var target []int
		target, err = resolveTargetShape(c.TargetShape, size)
		if err != nil {
			return
		}
		return append([]int{x[0]}, target...), nil, nil

	case ClassSliceChannels:
		channels := x[len(x)-1]
		if c.ChannelStart < 0 || c.ChannelEnd > channels || c.ChannelStart >= c.ChannelEnd {
			return nil, nil, errors.Errorf("invalid channel range [%d, %d) for shape %v", c.ChannelStart, c.ChannelEnd, x)
		}
		outputShape = slices.Clone(x)
		outputShape[len(x)-1] = c.ChannelEnd - c.ChannelStart
		return
	}
	return nil, nil, errors.Errorf("unsupported layer class %s", l.Class)
}

// resolveTargetShape replaces the (at most one) -1 dimension in target such that it holds size elements.
func resolveTargetShape(target []int, size int) ([]int, error) {
	resolved := slices.Clone(target)
	known := 1
	unknownAxis := -1
	for axis, dim := range target {
		switch {
		case dim == -1 && unknownAxis == -1:
			unknownAxis = axis
		case dim <= 0:
			return nil, errors.Errorf("invalid target shape %v", target)
		default:
			known *= dim
		}
	}
	if unknownAxis >= 0 {
		if known == 0 || size%known != 0 {
			return nil, errors.Errorf("cannot reshape %d elements to %v", size, target)
		}
		resolved[unknownAxis] = size / known
		return resolved, nil
	}
	if known != size {
		return nil, errors.Errorf("cannot reshape %d elements to %v", size, target)
	}
	return resolved, nil
}

// sameDim compares dimensions, where -1 (dynamic) matches anything.
func sameDim(a, b int) bool {
	return a == b || a == -1 || b == -1
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for axis := range a {
		if !sameDim(a[axis], b[axis]) {
			return false
		}
	}
	return true
}
