// Package layers implements a small Keras-like layer model: an ordered list of layers in
// channels-last (NHWC) layout, wired as a functional graph, executed with GoMLX.
//
//   - Builder: adds layers one at a time, inferring output shapes and expected parameter shapes.
//   - Model: the built (immutable) model. It can Predict, Save and Load.
//
// Layer class names follow the Keras naming (InputLayer, Conv2D, DepthwiseConv2D, ...), since
// downstream tooling inspects the layer sequence by class name.
package layers

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Class of a layer.
type Class int

const (
	ClassInvalid Class = iota
	ClassInput
	ClassConv2D
	ClassDepthwiseConv2D
	ClassConv2DTranspose
	ClassZeroPadding2D
	ClassConstantPadding2D
	ClassCropping2D
	ClassMaxPooling2D
	ClassAveragePooling2D
	ClassGlobalAveragePooling2D
	ClassBatchNormalization
	ClassDense
	ClassReLU
	ClassLeakyReLU
	ClassPReLU
	ClassClip
	ClassActivation
	ClassSoftmax
	ClassAdd
	ClassSubtract
	ClassMultiply
	ClassConcatenate
	ClassPermute
	ClassFlatten
	ClassReshape
	ClassSliceChannels
)

var classNames = []string{
	ClassInvalid:                "Invalid",
	ClassInput:                  "InputLayer",
	ClassConv2D:                 "Conv2D",
	ClassDepthwiseConv2D:        "DepthwiseConv2D",
	ClassConv2DTranspose:        "Conv2DTranspose",
	ClassZeroPadding2D:          "ZeroPadding2D",
	ClassConstantPadding2D:      "ConstantPadding2D",
	ClassCropping2D:             "Cropping2D",
	ClassMaxPooling2D:           "MaxPooling2D",
	ClassAveragePooling2D:       "AveragePooling2D",
	ClassGlobalAveragePooling2D: "GlobalAveragePooling2D",
	ClassBatchNormalization:     "BatchNormalization",
	ClassDense:                  "Dense",
	ClassReLU:                   "ReLU",
	ClassLeakyReLU:              "LeakyReLU",
	ClassPReLU:                  "PReLU",
	ClassClip:                   "Clip",
	ClassActivation:             "Activation",
	ClassSoftmax:                "Softmax",
	ClassAdd:                    "Add",
	ClassSubtract:               "Subtract",
	ClassMultiply:               "Multiply",
	ClassConcatenate:            "Concatenate",
	ClassPermute:                "Permute",
	ClassFlatten:                "Flatten",
	ClassReshape:                "Reshape",
	ClassSliceChannels:          "SliceChannels",
}

// String returns the Keras-style class name.
func (c Class) String() string {
	if c < 0 || int(c) >= len(classNames) {
		return fmt.Sprintf("Class(%d)", int(c))
	}
	return classNames[c]
}

// ClassFromString returns the Class for the given class name.
func ClassFromString(name string) (Class, error) {
	idx := slices.Index(classNames, name)
	if idx <= 0 {
		return ClassInvalid, errors.Errorf("unknown layer class %q", name)
	}
	return Class(idx), nil
}

// MarshalText implements encoding.TextMarshaler.
func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Class) UnmarshalText(text []byte) (err error) {
	*c, err = ClassFromString(string(text))
	return
}

// Padding is the native padding mode of convolution and pooling layers.
type Padding string

const (
	// PaddingValid means no padding.
	PaddingValid Padding = "valid"

	// PaddingSame pads so that the output size is ceil(input/stride). The total padding is split
	// with the extra element (if odd) at the end.
	PaddingSame Padding = "same"
)

// Config holds the hyperparameters of a layer. Each class only uses a subset of the fields.
type Config struct {
	// Input
	Shape []int `json:"shape,omitempty"`

	// Convolutions and pooling.
	Filters         int     `json:"filters,omitempty"`
	KernelSize      []int   `json:"kernel_size,omitempty"`
	PoolSize        []int   `json:"pool_size,omitempty"`
	Strides         []int   `json:"strides,omitempty"`
	DilationRate    []int   `json:"dilation_rate,omitempty"`
	Padding         Padding `json:"padding,omitempty"`
	OutputPadding   []int   `json:"output_padding,omitempty"`
	DepthMultiplier int     `json:"depth_multiplier,omitempty"`
	UseBias         bool    `json:"use_bias,omitempty"`

	// Explicit paddings and croppings: ((top, bottom), (left, right)).
	Pads     [][2]int `json:"pads,omitempty"`
	PadValue float32  `json:"pad_value,omitempty"`

	// Dense
	Units int `json:"units,omitempty"`

	// Normalization
	Epsilon float32 `json:"epsilon,omitempty"`

	// Activations.
	MaxValue   *float32 `json:"max_value,omitempty"`
	Alpha      float32  `json:"alpha,omitempty"`
	Min        float32  `json:"min,omitempty"`
	Max        float32  `json:"max,omitempty"`
	Activation string   `json:"activation,omitempty"`

	// Axis for Concatenate and Softmax, including the batch axis.
	Axis int `json:"axis,omitempty"`

	// Dims for Permute: 1-based permutation of the non-batch axes.
	Dims []int `json:"dims,omitempty"`

	// TargetShape for Reshape, excluding the batch axis. One dimension may be -1.
	TargetShape []int `json:"target_shape,omitempty"`

	// Channel range [ChannelStart, ChannelEnd) for SliceChannels.
	ChannelStart int `json:"channel_start,omitempty"`
	ChannelEnd   int `json:"channel_end,omitempty"`

	// KeepDims for GlobalAveragePooling2D.
	KeepDims bool `json:"keepdims,omitempty"`
}

// Param is a named parameter (weight) of a layer.
//
// Shape is the expected shape, set when the layer is added to a Builder. Value is nil until assigned.
type Param struct {
	Name  string
	Shape []int
	Value *tensors.Tensor
}

// Layer is one node of the model.
type Layer struct {
	Class  Class
	Name   string
	Config Config

	// Inbound holds the names of the layers feeding this one, in order.
	Inbound []string

	// OutputShape includes the batch axis, which may be -1 if dynamic.
	OutputShape []int

	// Params are created by the Builder in the order the class defines them.
	Params []*Param
}

// New creates a layer of the given class. It must be added to a Builder before use.
func New(class Class, name string, config Config) *Layer {
	return &Layer{Class: class, Name: name, Config: config}
}

// Param returns the parameter with the given name, or nil if the layer has no such parameter.
func (l *Layer) Param(name string) *Param {
	for _, p := range l.Params {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// SetWeight assigns the value of parameter name. The value shape must match the expected shape.
func (l *Layer) SetWeight(name string, value *tensors.Tensor) error {
	p := l.Param(name)
	if p == nil {
		return errors.Errorf("layer %q (%s) has no parameter %q", l.Name, l.Class, name)
	}
	if !slices.Equal(value.Shape().Dimensions, p.Shape) {
		return errors.Errorf("layer %q (%s) parameter %q expects shape %v, got %v",
			l.Name, l.Class, name, p.Shape, value.Shape().Dimensions)
	}
	p.Value = value
	return nil
}

// NumParams returns the number of scalar values in the parameters of the layer.
func (l *Layer) NumParams() int {
	var count int
	for _, p := range l.Params {
		size := 1
		for _, dim := range p.Shape {
			size *= dim
		}
		count += size
	}
	return count
}

// String implements fmt.Stringer.
func (l *Layer) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s(%q", l.Class, l.Name)
	if len(l.Inbound) > 0 {
		fmt.Fprintf(&sb, ", in=%q", l.Inbound)
	}
	fmt.Fprintf(&sb, ") -> %v", l.OutputShape)
	return sb.String()
}
