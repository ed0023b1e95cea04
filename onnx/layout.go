package onnx

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx2layers/layers"
	"k8s.io/klog/v2"
)

// Layout is the axes order of a tensor produced during the conversion.
type Layout int

const (
	// LayoutFlat is used for tensors of rank <= 2, where channels-first and channels-last coincide.
	LayoutFlat Layout = iota

	// LayoutChannelsFirst is the ONNX layout: [batch, channels, spatial...].
	LayoutChannelsFirst

	// LayoutChannelsLast is the layers layout: [batch, spatial..., channels].
	LayoutChannelsLast
)

func (l Layout) String() string {
	switch l {
	case LayoutFlat:
		return "flat"
	case LayoutChannelsFirst:
		return "channels-first"
	case LayoutChannelsLast:
		return "channels-last"
	}
	return fmt.Sprintf("Layout(%d)", int(l))
}

// tensorHandle refers to a value of the ONNX graph in the layer model being built.
// Handles are never modified once created.
type tensorHandle struct {
	// name of the ONNX value.
	name string

	// tensor is the layer output holding the value. It is nil for constants.
	tensor *layers.Tensor
	layout Layout

	// constant is set for initializers and outputs of Constant nodes: they are not part of the layer
	// model and can only be consumed as weights or static parameters.
	constant *tensors.Tensor

	// permutedFrom is set if this handle was created by the layout adapter from another handle, which
	// holds the same value in another layout.
	permutedFrom *tensorHandle
}

// isConstant returns whether the handle holds a static value.
func (h *tensorHandle) isConstant() bool { return h.constant != nil }

// rank of the value.
func (h *tensorHandle) rank() int {
	if h.isConstant() {
		return h.constant.Rank()
	}
	return h.tensor.Rank()
}

// shape returns the shape of the value in its current layout (for constants, its ONNX shape).
func (h *tensorHandle) shape() []int {
	if h.isConstant() {
		return h.constant.Shape().Dimensions
	}
	return h.tensor.Shape()
}

// onnxShape returns the shape of the value as seen by the ONNX graph, that is, in channels-first layout.
func (h *tensorHandle) onnxShape() []int {
	shape := h.shape()
	if h.layout != LayoutChannelsLast {
		return shape
	}
	return applyPermutation(shape, channelsLastToFirstPerm(len(shape)))
}

// layoutForRank returns the layout a freshly created ONNX layout value of the given rank has.
func layoutForRank(rank int) Layout {
	if rank <= 2 {
		return LayoutFlat
	}
	return LayoutChannelsFirst
}

// channelsFirstToLastPerm returns the axes permutation that converts a channels-first tensor of the given rank
// to channels-last: for rank 4 it is [0, 2, 3, 1].
func channelsFirstToLastPerm(rank int) []int {
	perm := make([]int, 0, rank)
	perm = append(perm, 0)
	for axis := 2; axis < rank; axis++ {
		perm = append(perm, axis)
	}
	return append(perm, 1)
}

// channelsLastToFirstPerm returns the axes permutation that converts a channels-last tensor of the given rank
// to channels-first: for rank 4 it is [0, 3, 1, 2].
func channelsLastToFirstPerm(rank int) []int {
	perm := make([]int, 0, rank)
	perm = append(perm, 0, rank-1)
	for axis := 1; axis < rank-1; axis++ {
		perm = append(perm, axis)
	}
	return perm
}

// applyPermutation returns values permuted such that output[i] = values[perm[i]].
func applyPermutation(values, perm []int) []int {
	return sliceMap(perm, func(axis int) int { return values[axis] })
}

// channelsLastAxis maps an axis of a channels-first tensor to the same axis of the tensor in channels-last layout.
func channelsLastAxis(axis, rank int) int {
	switch {
	case axis == 0:
		return 0
	case axis == 1:
		return rank - 1
	}
	return axis - 1
}

// axisInLayout maps an ONNX axis (possibly negative) to the axis of the value in the handle's layout.
// It panics with an InvalidAttributeError if the axis is out of range.
func (a *assembler) axisInLayout(h *tensorHandle, axis int, attrName string) int {
	rank := h.rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		attrPanicf(a.node, attrName, "axis %d out of range for rank %d", axis, rank)
	}
	if h.layout == LayoutChannelsLast {
		return channelsLastAxis(axis, rank)
	}
	return axis
}

// permuteKey is the key for the cache of layout conversions.
type permuteKey struct {
	handle *tensorHandle
	layout Layout
}

// adapt returns a handle with the value of h in the required layout, emitting a Permute layer if needed.
//
// Converting back a value that was itself converted returns the original handle, and the conversion of a
// handle to a layout is done at most once.
func (a *assembler) adapt(h *tensorHandle, required Layout) *tensorHandle {
	if h.layout == required || h.isConstant() || h.layout == LayoutFlat || required == LayoutFlat {
		return h
	}
	if h.permutedFrom != nil && h.permutedFrom.layout == required {
		return h.permutedFrom
	}
	key := permuteKey{handle: h, layout: required}
	if cached, found := a.permuteCache[key]; found {
		return cached
	}

	rank := h.rank()
	var perm []int
	if required == LayoutChannelsLast {
		perm = channelsFirstToLastPerm(rank)
	} else {
		perm = channelsLastToFirstPerm(rank)
	}
	// Permute takes the 1-based permutation of the non-batch axes.
	dims := slices.Clone(perm[1:])
	suffix := "_nhwc"
	if required == LayoutChannelsFirst {
		suffix = "_nchw"
	}
	permuted := a.addLayer(layers.ClassPermute, a.layerName(h.name+suffix), layers.Config{Dims: dims}, h)
	adapted := &tensorHandle{
		name:         h.name,
		tensor:       permuted,
		layout:       required,
		permutedFrom: h,
	}
	klog.V(2).Infof("layout: %q %s -> %s (permute %v)", h.name, h.layout, required, dims)
	a.permuteCache[key] = adapted
	return adapted
}
