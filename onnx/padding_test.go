package onnx

import (
	"fmt"
	"testing"

	"github.com/gomlx/onnx2layers/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePadding(t *testing.T) {
	testCases := []struct {
		kernel, stride, dilation, before, after, inputSize int
		want                                               PaddingKind
	}{
		{3, 1, 1, 0, 0, 10, PaddingNativeValid},
		{3, 1, 1, 1, 1, 10, PaddingNativeSame},
		{3, 2, 1, 1, 1, 223, PaddingNativeSame},
		{3, 2, 1, 1, 1, 224, PaddingExplicit},
		{3, 2, 1, 0, 1, 224, PaddingExplicit},
		{4, 1, 1, 1, 2, 10, PaddingExplicit},
		{7, 2, 1, 3, 3, 224, PaddingExplicit},
		{7, 2, 1, 3, 3, 223, PaddingNativeSame},
		{3, 1, 2, 2, 2, 10, PaddingNativeSame},
		{3, 1, 1, 3, 4, 10, PaddingExplicit},
		{1, 1, 1, 0, 0, 7, PaddingNativeValid},
	}
	for _, tc := range testCases {
		name := fmt.Sprintf("k=%d,s=%d,d=%d,pads=(%d,%d),in=%d", tc.kernel, tc.stride, tc.dilation, tc.before, tc.after, tc.inputSize)
		t.Run(name, func(t *testing.T) {
			plan := ResolvePadding(tc.kernel, tc.stride, tc.dilation, tc.before, tc.after, tc.inputSize)
			assert.Equal(t, tc.want, plan.Kind, "got plan %+v", plan)
			if plan.Kind != PaddingNativeValid {
				assert.Equal(t, tc.before, plan.Before)
				assert.Equal(t, tc.after, plan.After)
			}
		})
	}
}

func TestResolveSpatialPadding(t *testing.T) {
	// Both axes "same".
	mode, explicit := resolveSpatialPadding([]int{8, 8}, []int{3, 3}, []int{1, 1}, []int{1, 1}, [][2]int{{1, 1}, {1, 1}})
	assert.Equal(t, layers.PaddingSame, mode)
	assert.Nil(t, explicit)

	// A 1x3 kernel: the height isn't padded, and "same" wouldn't pad it either.
	mode, explicit = resolveSpatialPadding([]int{8, 8}, []int{1, 3}, []int{1, 1}, []int{1, 1}, [][2]int{{0, 0}, {1, 1}})
	assert.Equal(t, layers.PaddingSame, mode)
	assert.Nil(t, explicit)

	// The height isn't padded, but "same" would pad it: explicit.
	pads := [][2]int{{0, 0}, {1, 1}}
	mode, explicit = resolveSpatialPadding([]int{8, 8}, []int{3, 3}, []int{1, 1}, []int{1, 1}, pads)
	assert.Equal(t, layers.PaddingValid, mode)
	assert.Equal(t, pads, explicit)

	// No padding at all.
	mode, explicit = resolveSpatialPadding([]int{8, 8}, []int{3, 3}, []int{2, 2}, []int{1, 1}, [][2]int{{0, 0}, {0, 0}})
	assert.Equal(t, layers.PaddingValid, mode)
	assert.Nil(t, explicit)
}

func TestAutoPads(t *testing.T) {
	require.Nil(t, autoPads("NOTSET", []int{8}, []int{3}, []int{1}, []int{1}))
	require.Nil(t, autoPads("", []int{8}, []int{3}, []int{1}, []int{1}))
	assert.Equal(t, [][2]int{{0, 0}, {0, 0}}, autoPads("VALID", []int{8, 8}, []int{3, 3}, []int{1, 1}, []int{1, 1}))

	// Odd total padding: the extra goes after for SAME_UPPER, before for SAME_LOWER.
	assert.Equal(t, [][2]int{{0, 1}}, autoPads("SAME_UPPER", []int{224}, []int{3}, []int{2}, []int{1}))
	assert.Equal(t, [][2]int{{1, 0}}, autoPads("SAME_LOWER", []int{224}, []int{3}, []int{2}, []int{1}))
	assert.Equal(t, [][2]int{{1, 1}, {2, 2}}, autoPads("SAME_UPPER", []int{8, 8}, []int{3, 3}, []int{1, 1}, []int{1, 2}))
}

func TestOnnxPairs(t *testing.T) {
	assert.Equal(t, [][2]int{{1, 3}, {2, 4}}, onnxPairs([]int{1, 2, 3, 4}))
	assert.Equal(t, [][2]int{{0, 0}, {0, 0}, {1, 3}, {2, 4}}, onnxPairs([]int{0, 0, 1, 2, 0, 0, 3, 4}))
}
