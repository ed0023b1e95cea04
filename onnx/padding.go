package onnx

import (
	"fmt"

	"github.com/gomlx/onnx2layers/layers"
)

// PaddingKind is how the padding of one spatial axis is expressed in the layer model.
type PaddingKind int

const (
	// PaddingNativeValid means no padding: the layer uses "valid" padding.
	PaddingNativeValid PaddingKind = iota

	// PaddingNativeSame means the ONNX pads match exactly what the layer's "same" padding computes.
	PaddingNativeSame

	// PaddingExplicit means the pads can't be expressed by the layer itself, and require a separate
	// padding layer, followed by the layer with "valid" padding.
	PaddingExplicit
)

func (k PaddingKind) String() string {
	switch k {
	case PaddingNativeValid:
		return "valid"
	case PaddingNativeSame:
		return "same"
	case PaddingExplicit:
		return "explicit"
	}
	return fmt.Sprintf("PaddingKind(%d)", int(k))
}

// PaddingPlan describes how to reproduce the ONNX padding of one spatial axis.
type PaddingPlan struct {
	Kind PaddingKind

	// Before and After are the ONNX pads of the axis, used when Kind is PaddingExplicit.
	Before, After int
}

// ResolvePadding decides how the explicit ONNX pads of one spatial axis are expressed in the layer model.
//
// Only symmetric pads map to the native "same" padding: asymmetric pads are always explicit, even when
// they match the layer's "same" padding for this input size (which puts the odd extra padding after,
// see layers.SamePadding).
func ResolvePadding(kernel, stride, dilation, padBefore, padAfter, inputSize int) PaddingPlan {
	if padBefore == 0 && padAfter == 0 {
		return PaddingPlan{Kind: PaddingNativeValid}
	}
	sameBefore, sameAfter := layers.SamePadding(inputSize, kernel, stride, dilation)
	if padBefore == padAfter && padBefore == sameBefore && padAfter == sameAfter {
		return PaddingPlan{Kind: PaddingNativeSame, Before: padBefore, After: padAfter}
	}
	return PaddingPlan{Kind: PaddingExplicit, Before: padBefore, After: padAfter}
}

// resolveSpatialPadding combines the padding of the spatial axes into the padding mode of the layer, and
// the explicit pads (one pair per axis) of a padding layer to insert before it, if needed.
//
// All axes must agree on the native mode: an axis with no padding is compatible with "same" if
// "same" also wouldn't pad it.
func resolveSpatialPadding(inputSizes, kernel, strides, dilations []int, pads [][2]int) (mode layers.Padding, explicit [][2]int) {
	allValid, allSame := true, true
	for axis := range pads {
		plan := ResolvePadding(kernel[axis], strides[axis], dilations[axis], pads[axis][0], pads[axis][1], inputSizes[axis])
		switch plan.Kind {
		case PaddingNativeValid:
			before, after := layers.SamePadding(inputSizes[axis], kernel[axis], strides[axis], dilations[axis])
			allSame = allSame && before == 0 && after == 0
		case PaddingNativeSame:
			allValid = false
		case PaddingExplicit:
			allValid, allSame = false, false
		}
	}
	switch {
	case allValid:
		return layers.PaddingValid, nil
	case allSame:
		return layers.PaddingSame, nil
	}
	return layers.PaddingValid, pads
}

// onnxPairs converts the ONNX pads layout ([x1_begin, x2_begin, ..., x1_end, x2_end, ...]) to one
// (before, after) pair per axis.
func onnxPairs(pads []int) [][2]int {
	numAxes := len(pads) / 2
	pairs := make([][2]int, numAxes)
	for axis := range numAxes {
		pairs[axis] = [2]int{pads[axis], pads[axis+numAxes]}
	}
	return pairs
}

// autoPads computes the explicit pads for the ONNX "auto_pad" attribute values SAME_UPPER and SAME_LOWER.
// For VALID it returns zero pads, and for NOTSET (or empty) it returns nil.
func autoPads(autoPad string, inputSizes, kernel, strides, dilations []int) [][2]int {
	switch autoPad {
	case "", "NOTSET":
		return nil
	}
	pads := make([][2]int, len(inputSizes))
	for axis := range pads {
		switch autoPad {
		case "SAME_UPPER":
			pads[axis][0], pads[axis][1] = layers.SamePadding(inputSizes[axis], kernel[axis], strides[axis], dilations[axis])
		case "SAME_LOWER":
			pads[axis][1], pads[axis][0] = layers.SamePadding(inputSizes[axis], kernel[axis], strides[axis], dilations[axis])
		}
	}
	return pads
}
