package layers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamePadding(t *testing.T) {
	for _, tc := range []struct {
		input, kernel, stride, dilation int
		before, after                   int
	}{
		{input: 223, kernel: 3, stride: 2, dilation: 1, before: 1, after: 1},
		{input: 224, kernel: 3, stride: 2, dilation: 1, before: 0, after: 1},
		{input: 224, kernel: 3, stride: 1, dilation: 1, before: 1, after: 1},
		{input: 384, kernel: 7, stride: 2, dilation: 1, before: 2, after: 3},
		{input: 10, kernel: 3, stride: 1, dilation: 2, before: 2, after: 2},
		{input: 5, kernel: 1, stride: 3, dilation: 1, before: 0, after: 0},
	} {
		before, after := SamePadding(tc.input, tc.kernel, tc.stride, tc.dilation)
		assert.Equal(t, [2]int{tc.before, tc.after}, [2]int{before, after}, "SamePadding(%d, k=%d, s=%d, d=%d)",
			tc.input, tc.kernel, tc.stride, tc.dilation)
	}
}

func TestConvOutputSize(t *testing.T) {
	assert.Equal(t, 112, ConvOutputSize(223, 3, 2, 1, PaddingSame))
	assert.Equal(t, 111, ConvOutputSize(223, 3, 2, 1, PaddingValid))
	assert.Equal(t, 6, ConvOutputSize(10, 3, 1, 2, PaddingValid))
}

func TestTransposedConvOutputSize(t *testing.T) {
	for _, tc := range []struct {
		input, kernel, stride, dilation, outputPadding int
		padding                                        Padding
		want, start, end                               int
	}{
		// Without output padding: input*stride for "same", plus max(kernel-stride, 0) for "valid".
		{14, 5, 2, 1, -1, PaddingValid, 31, 0, 0},
		{14, 1, 3, 1, -1, PaddingValid, 42, 0, -2},
		{14, 3, 2, 1, -1, PaddingSame, 28, 0, 1},
		{14, 4, 2, 1, -1, PaddingSame, 28, 1, 1},
		{14, 3, 1, 1, -1, PaddingSame, 14, 1, 1},
		{14, 2, 3, 1, -1, PaddingSame, 42, 0, -1},
		{14, 3, 2, 2, -1, PaddingSame, 28, 1, 2},
		// With output padding: kernel/2 removed on both sides for "same".
		{14, 4, 2, 1, 0, PaddingSame, 26, 2, 2},
		{14, 4, 2, 1, 1, PaddingSame, 27, 2, 1},
		{14, 3, 2, 1, 1, PaddingValid, 30, 0, -1},
	} {
		start, end := TransposedConvCrop(tc.kernel, tc.stride, tc.dilation, tc.outputPadding, tc.padding)
		assert.Equal(t, [2]int{tc.start, tc.end}, [2]int{start, end}, "TransposedConvCrop(k=%d, s=%d, d=%d, op=%d, %s)",
			tc.kernel, tc.stride, tc.dilation, tc.outputPadding, tc.padding)
		assert.Equal(t, tc.want, TransposedConvOutputSize(tc.input, tc.kernel, tc.stride, tc.dilation, tc.outputPadding, tc.padding),
			"TransposedConvOutputSize(%d, k=%d, s=%d, d=%d, op=%d, %s)",
			tc.input, tc.kernel, tc.stride, tc.dilation, tc.outputPadding, tc.padding)
	}
}

func TestInfer(t *testing.T) {
	t.Run("Conv2D", func(t *testing.T) {
		l := New(ClassConv2D, "conv", Config{Filters: 8, KernelSize: []int{3, 3}, Strides: []int{2, 2}, Padding: PaddingSame, UseBias: true})
		out, params, err := l.infer([][]int{{-1, 223, 223, 3}})
		require.NoError(t, err)
		assert.Equal(t, []int{-1, 112, 112, 8}, out)
		require.Len(t, params, 2)
		assert.Equal(t, []int{3, 3, 3, 8}, params[0].Shape)
		assert.Equal(t, []int{8}, params[1].Shape)
		assert.Equal(t, []int{1, 1}, l.Config.DilationRate)
	})

	t.Run("Conv2DNoBias", func(t *testing.T) {
		l := New(ClassConv2D, "conv", Config{Filters: 8, KernelSize: []int{3, 3}})
		out, params, err := l.infer([][]int{{1, 10, 12, 3}})
		require.NoError(t, err)
		assert.Equal(t, []int{1, 8, 10, 8}, out)
		require.Len(t, params, 1)
		assert.Equal(t, "kernel", params[0].Name)
	})

	t.Run("DepthwiseConv2D", func(t *testing.T) {
		l := New(ClassDepthwiseConv2D, "dw", Config{KernelSize: []int{3, 3}, Padding: PaddingSame, DepthMultiplier: 2})
		out, params, err := l.infer([][]int{{1, 16, 16, 3}})
		require.NoError(t, err)
		assert.Equal(t, []int{1, 16, 16, 6}, out)
		assert.Equal(t, []int{3, 3, 3, 2}, params[0].Shape)
	})

	t.Run("PoolingDefaultsStridesToPoolSize", func(t *testing.T) {
		l := New(ClassMaxPooling2D, "pool", Config{PoolSize: []int{2, 2}})
		out, _, err := l.infer([][]int{{1, 17, 16, 4}})
		require.NoError(t, err)
		assert.Equal(t, []int{1, 8, 8, 4}, out)
	})

	t.Run("Concatenate", func(t *testing.T) {
		l := New(ClassConcatenate, "concat", Config{Axis: 3})
		out, _, err := l.infer([][]int{{1, 4, 4, 3}, {1, 4, 4, 5}})
		require.NoError(t, err)
		assert.Equal(t, []int{1, 4, 4, 8}, out)

		_, _, err = l.infer([][]int{{1, 4, 4, 3}, {1, 5, 4, 5}})
		require.Error(t, err)
	})

	t.Run("Permute", func(t *testing.T) {
		l := New(ClassPermute, "perm", Config{Dims: []int{3, 1, 2}})
		out, _, err := l.infer([][]int{{1, 4, 5, 3}})
		require.NoError(t, err)
		assert.Equal(t, []int{1, 3, 4, 5}, out)

		l = New(ClassPermute, "perm", Config{Dims: []int{1, 1, 2}})
		_, _, err = l.infer([][]int{{1, 4, 5, 3}})
		require.Error(t, err)
	})

	t.Run("Reshape", func(t *testing.T) {
		l := New(ClassReshape, "reshape", Config{TargetShape: []int{-1, 4}})
		out, _, err := l.infer([][]int{{2, 3, 4, 2}})
		require.NoError(t, err)
		assert.Equal(t, []int{2, 6, 4}, out)

		l = New(ClassReshape, "reshape", Config{TargetShape: []int{5, -1}})
		_, _, err = l.infer([][]int{{2, 3, 4, 2}})
		require.Error(t, err)
	})

	t.Run("AddShapeMismatch", func(t *testing.T) {
		l := New(ClassAdd, "add", Config{})
		_, _, err := l.infer([][]int{{1, 4, 4, 3}, {1, 4, 4, 2}})
		require.Error(t, err)
	})

	t.Run("CroppingTooLarge", func(t *testing.T) {
		l := New(ClassCropping2D, "crop", Config{Pads: [][2]int{{2, 2}, {0, 0}}})
		_, _, err := l.infer([][]int{{1, 4, 4, 3}})
		require.Error(t, err)
	})
}

func TestClassNames(t *testing.T) {
	for class := ClassInput; class <= ClassSliceChannels; class++ {
		parsed, err := ClassFromString(class.String())
		require.NoError(t, err)
		require.Equal(t, class, parsed)
	}
	_, err := ClassFromString("Lambda")
	require.Error(t, err)
	_, err = ClassFromString("Invalid")
	require.Error(t, err)
}
