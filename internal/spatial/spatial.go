// Package spatial implements padding and flipping of graph nodes with slices and concatenations, so they
// run on backends that don't implement the Pad or Reverse operations (e.g. SimpleGo).
package spatial

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// Pad pads the given axes of x with value, a scalar of the same dtype as x.
// pads holds the (before, after) padding of each axis: negative values crop x instead.
func Pad(x, value *Node, axes []int, pads [][2]int) *Node {
	if len(axes) != len(pads) {
		exceptions.Panicf("spatial.Pad: %d axes given, but %d pads", len(axes), len(pads))
	}
	if value.DType() != x.DType() {
		value = ConvertDType(value, x.DType())
	}
	for ii, axis := range axes {
		axis = AdjustAxisToOperandRank(x, axis)
		before, after := pads[ii][0], pads[ii][1]
		if before < 0 || after < 0 {
			dim := x.Shape().Dim(axis)
			x = SliceAxis(x, axis, AxisRange(max(0, -before), dim-max(0, -after)))
			before, after = max(0, before), max(0, after)
		}
		if before == 0 && after == 0 {
			continue
		}
		parts := make([]*Node, 0, 3)
		if before > 0 {
			parts = append(parts, constantSlab(x, value, axis, before))
		}
		parts = append(parts, x)
		if after > 0 {
			parts = append(parts, constantSlab(x, value, axis, after))
		}
		x = Concatenate(parts, axis)
	}
	return x
}

// constantSlab returns value broadcast to the shape of x, except for axis, which has the given size.
func constantSlab(x, value *Node, axis, size int) *Node {
	dims := slices.Clone(x.Shape().Dimensions)
	dims[axis] = size
	return BroadcastToDims(value, dims...)
}

// Flip reverses the order of the elements of x along the given axes.
func Flip(x *Node, axes ...int) *Node {
	for _, axis := range axes {
		axis = AdjustAxisToOperandRank(x, axis)
		dim := x.Shape().Dim(axis)
		if dim <= 1 {
			continue
		}
		parts := make([]*Node, dim)
		for ii := range parts {
			parts[ii] = SliceAxis(x, axis, AxisElem(dim-1-ii))
		}
		x = Concatenate(parts, axis)
	}
	return x
}
