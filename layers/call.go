package layers

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/onnx2layers/internal/spatial"
)

// nhwcConvAxes is the convolution axes configuration for NHWC inputs and HWIO kernels.
var nhwcConvAxes = backends.ConvolveAxesConfig{
	InputBatch:           0,
	InputChannels:        3,
	InputSpatial:         []int{1, 2},
	KernelInputChannels:  2,
	KernelOutputChannels: 3,
	KernelSpatial:        []int{0, 1},
	OutputBatch:          0,
	OutputChannels:       3,
	OutputSpatial:        []int{1, 2},
}

// paramNode returns the parameter value as a constant in the graph of x.
func (l *Layer) paramNode(x *Node, name string) *Node {
	p := l.Param(name)
	if p == nil || p.Value == nil {
		exceptions.Panicf("layer %q (%s) parameter %q is not set", l.Name, l.Class, name)
	}
	return Const(x.Graph(), p.Value)
}

// channelsLastBroadcast reshapes a per-channel vector to broadcast over the last axis of a rank-r operand.
func channelsLastBroadcast(v *Node, rank int) *Node {
	dims := make([]int, rank)
	for axis := range dims {
		dims[axis] = 1
	}
	dims[rank-1] = v.Shape().Size()
	return Reshape(v, dims...)
}

// padSpatial pads the height and width axes of an NHWC operand with value.
func padSpatial(x, value *Node, pads [][2]int) *Node {
	return spatial.Pad(x, value, []int{1, 2}, pads)
}

// call builds the layer computation. It panics in case of errors.
func (l *Layer) call(inputs []*Node) *Node {
	x := inputs[0]
	g := x.Graph()
	c := &l.Config
	switch l.Class {
	case ClassConv2D:
		paddings := spatialPaddings(x.Shape().Dimensions, c.KernelSize, c.Strides, c.DilationRate, c.Padding)
		out := Convolve(x, l.paramNode(x, "kernel")).AxesConfig(nhwcConvAxes).
			StridePerAxis(c.Strides...).
			DilationPerAxis(c.DilationRate...).
			PaddingPerDim(paddings).
			Done()
		if c.UseBias {
			out = Add(out, channelsLastBroadcast(l.paramNode(x, "bias"), out.Rank()))
		}
		return out

	case ClassDepthwiseConv2D:
		channels := x.Shape().Dim(3)
		kernel := l.paramNode(x, "depthwise_kernel")
		kernel = Reshape(kernel, c.KernelSize[0], c.KernelSize[1], 1, channels*c.DepthMultiplier)
		paddings := spatialPaddings(x.Shape().Dimensions, c.KernelSize, c.Strides, c.DilationRate, c.Padding)
		out := Convolve(x, kernel).AxesConfig(nhwcConvAxes).
			StridePerAxis(c.Strides...).
			DilationPerAxis(c.DilationRate...).
			PaddingPerDim(paddings).
			ChannelGroupCount(channels).
			Done()
		if c.UseBias {
			out = Add(out, channelsLastBroadcast(l.paramNode(x, "bias"), out.Rank()))
		}
		return out

	case ClassConv2DTranspose:
		return l.callConv2DTranspose(x)

	case ClassZeroPadding2D, ClassConstantPadding2D:
		return padSpatial(x, Scalar(g, x.DType(), c.PadValue), c.Pads)

	case ClassCropping2D:
		height, width := x.Shape().Dim(1), x.Shape().Dim(2)
		return Slice(x,
			AxisRange(),
			AxisRange(c.Pads[0][0], height-c.Pads[0][1]),
			AxisRange(c.Pads[1][0], width-c.Pads[1][1]),
			AxisRange())

	case ClassMaxPooling2D:
		// Padded positions never win the maximum.
		paddings := spatialPaddings(x.Shape().Dimensions, c.PoolSize, c.Strides, c.DilationRate, c.Padding)
		return MaxPool(x).ChannelsAxis(timage.ChannelsLast).
			WindowPerAxis(c.PoolSize...).
			StridePerAxis(c.Strides...).
			PaddingPerDim(paddings).
			Done()

	case ClassAveragePooling2D:
		// Padded positions don't count in the average.
		paddings := spatialPaddings(x.Shape().Dimensions, c.PoolSize, c.Strides, c.DilationRate, c.Padding)
		return MeanPool(x).ChannelsAxis(timage.ChannelsLast).
			WindowPerAxis(c.PoolSize...).
			StridePerAxis(c.Strides...).
			PaddingPerDim(paddings).
			Done()

	case ClassGlobalAveragePooling2D:
		if c.KeepDims {
			return ReduceAndKeep(x, ReduceMean, 1, 2)
		}
		return ReduceMean(x, 1, 2)

	case ClassBatchNormalization:
		rank := x.Rank()
		gamma := channelsLastBroadcast(l.paramNode(x, "gamma"), rank)
		beta := channelsLastBroadcast(l.paramNode(x, "beta"), rank)
		mean := channelsLastBroadcast(l.paramNode(x, "moving_mean"), rank)
		variance := channelsLastBroadcast(l.paramNode(x, "moving_variance"), rank)
		normed := Div(Sub(x, mean), Sqrt(Add(variance, Scalar(g, x.DType(), c.Epsilon))))
		return Add(Mul(normed, gamma), beta)

	case ClassDense:
		out := MatMul(x, l.paramNode(x, "kernel"))
		if c.UseBias {
			out = Add(out, channelsLastBroadcast(l.paramNode(x, "bias"), out.Rank()))
		}
		return out

	case ClassReLU:
		out := activations.Relu(x)
		if c.MaxValue != nil {
			out = Min(out, Scalar(g, x.DType(), *c.MaxValue))
		}
		return out

	case ClassLeakyReLU:
		return Where(GreaterOrEqual(x, ZerosLike(x)), x, MulScalar(x, c.Alpha))

	case ClassPReLU:
		alpha := l.paramNode(x, "alpha")
		alpha = Reshape(alpha, append([]int{1}, alpha.Shape().Dimensions...)...)
		return Where(GreaterOrEqual(x, ZerosLike(x)), x, Mul(x, alpha))

	case ClassClip:
		return Min(Max(x, Scalar(g, x.DType(), c.Min)), Scalar(g, x.DType(), c.Max))

	case ClassActivation:
		switch c.Activation {
		case "sigmoid":
			return Sigmoid(x)
		case "tanh":
			return Tanh(x)
		case "relu":
			return activations.Relu(x)
		case "linear":
			return x
		}
		exceptions.Panicf("layer %q: unknown activation %q", l.Name, c.Activation)

	case ClassSoftmax:
		return Softmax(x, c.Axis)

	case ClassAdd, ClassSubtract, ClassMultiply:
		out := x
		for _, other := range inputs[1:] {
			switch l.Class {
			case ClassAdd:
				out = Add(out, other)
			case ClassSubtract:
				out = Sub(out, other)
			default:
				out = Mul(out, other)
			}
		}
		return out

	case ClassConcatenate:
		return Concatenate(inputs, c.Axis)

	case ClassPermute:
		return TransposeAllAxes(x, append([]int{0}, c.Dims...)...)

	case ClassFlatten:
		batch := x.Shape().Dim(0)
		return Reshape(x, batch, x.Shape().Size()/batch)

	case ClassReshape:
		batch := x.Shape().Dim(0)
		target, err := resolveTargetShape(c.TargetShape, x.Shape().Size()/batch)
		if err != nil {
			panic(err)
		}
		return Reshape(x, append([]int{batch}, target...)...)

	case ClassSliceChannels:
		return SliceAxis(x, x.Rank()-1, AxisRange(c.ChannelStart, c.ChannelEnd))
	}
	exceptions.Panicf("layer %q: class %s cannot be executed", l.Name, l.Class)
	return nil
}

// callConv2DTranspose implements the transposed convolution as a regular convolution over the
// input dilated by the strides, with a spatially flipped kernel.
func (l *Layer) callConv2DTranspose(x *Node) *Node {
	c := &l.Config
	paddings := make([][2]int, 2)
	for axis := range 2 {
		effectiveKernel := (c.KernelSize[axis]-1)*c.DilationRate[axis] + 1
		start, end := TransposedConvCrop(c.KernelSize[axis], c.Strides[axis], c.DilationRate[axis],
			c.transposedOutputPadding(axis), c.Padding)
		paddings[axis] = [2]int{effectiveKernel - 1 - start, effectiveKernel - 1 - end}
	}

	// Kernel is stored as [kH, kW, out, in]: flip it spatially and use it with swapped channel axes.
	kernel := spatial.Flip(l.paramNode(x, "kernel"), 0, 1)
	axes := nhwcConvAxes
	axes.KernelInputChannels, axes.KernelOutputChannels = 3, 2
	out := Convolve(x, kernel).AxesConfig(axes).
		InputDilationPerAxis(c.Strides...).
		DilationPerAxis(c.DilationRate...).
		PaddingPerDim(paddings).
		Done()
	if c.UseBias {
		out = Add(out, channelsLastBroadcast(l.paramNode(x, "bias"), out.Rank()))
	}
	return out
}
