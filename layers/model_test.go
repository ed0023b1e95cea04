package layers

import (
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// iotaTensor returns a float32 tensor with the given dimensions filled with scale*(0, 1, 2, ...).
func iotaTensor(scale float32, dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	data := make([]float32, size)
	for ii := range data {
		data[ii] = scale * float32(ii)
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

func constTensor(value float32, dims ...int) *tensors.Tensor {
	t := iotaTensor(0, dims...)
	tensors.MutableFlatData[float32](t, func(flat []float32) {
		for ii := range flat {
			flat[ii] = value
		}
	})
	return t
}

func predict1(t *testing.T, m *Model, x *tensors.Tensor) []float32 {
	m.WithBackend(graphtest.BuildTestBackend())
	outputs, err := m.Predict(x)
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	return tensors.CopyFlatData[float32](outputs[0])
}

func TestBuilder(t *testing.T) {
	t.Run("UnsetWeights", func(t *testing.T) {
		b := NewBuilder("unset")
		x, err := b.Input("x", []int{1, 4, 4, 2})
		require.NoError(t, err)
		y, err := b.Add(New(ClassConv2D, "conv", Config{Filters: 3, KernelSize: []int{1, 1}}), x)
		require.NoError(t, err)
		_, err = b.Build(y)
		require.ErrorContains(t, err, "was not set")
	})

	t.Run("UniqueNamesAndOrder", func(t *testing.T) {
		b := NewBuilder("names")
		x, err := b.Input("x", []int{1, 2, 2, 1})
		require.NoError(t, err)
		y, err := b.Add(New(ClassReLU, "act", Config{}), x)
		require.NoError(t, err)
		z, err := b.Add(New(ClassReLU, "act", Config{}), y)
		require.NoError(t, err)
		require.Equal(t, "act_1", z.Layer().Name)
		m, err := b.Build(z)
		require.NoError(t, err)
		require.Equal(t, []string{"InputLayer", "ReLU", "ReLU"}, m.LayerClasses())
		require.Equal(t, []string{"act"}, m.Layer("act_1").Inbound)
	})

	t.Run("ForeignInput", func(t *testing.T) {
		other := NewBuilder("other")
		x, err := other.Input("x", []int{1, 2, 2, 1})
		require.NoError(t, err)
		b := NewBuilder("b")
		_, err = b.Input("x", []int{1, 2, 2, 1})
		require.NoError(t, err)
		_, err = b.Add(New(ClassReLU, "act", Config{}), x)
		require.Error(t, err)
	})

	t.Run("WrongWeightShape", func(t *testing.T) {
		b := NewBuilder("shape")
		x, err := b.Input("x", []int{1, 4, 4, 2})
		require.NoError(t, err)
		y, err := b.Add(New(ClassDense, "dense", Config{Units: 3}), x)
		require.NoError(t, err)
		require.Error(t, y.Layer().SetWeight("kernel", iotaTensor(1, 3, 2)))
		require.Error(t, y.Layer().SetWeight("bias", iotaTensor(1, 3)))
		require.NoError(t, y.Layer().SetWeight("kernel", iotaTensor(1, 2, 3)))
	})
}

func TestConv2DTranspose(t *testing.T) {
	testCases := []struct {
		name   string
		config Config
		dims   []int
		want   []float32
	}{
		{
			// With stride equal to the kernel size there is no overlap: each input value is replicated on
			// its 2x2 output block.
			name:   "valid",
			config: Config{Filters: 1, KernelSize: []int{2, 2}, Strides: []int{2, 2}, Padding: PaddingValid},
			dims:   []int{1, 4, 4, 1},
			want: []float32{
				1, 1, 2, 2,
				1, 1, 2, 2,
				3, 3, 4, 4,
				3, 3, 4, 4,
			},
		},
		{
			// "same" outputs input*strides: the full 5x5 output loses its last row and column.
			name:   "same",
			config: Config{Filters: 1, KernelSize: []int{3, 3}, Strides: []int{2, 2}, Padding: PaddingSame},
			dims:   []int{1, 4, 4, 1},
			want: []float32{
				1, 1, 3, 2,
				1, 1, 3, 2,
				4, 4, 10, 6,
				3, 3, 7, 4,
			},
		},
		{
			// With output_padding, "same" removes kernel/2 on both sides and adds the output padding back.
			name: "same+output_padding",
			config: Config{Filters: 1, KernelSize: []int{3, 3}, Strides: []int{2, 2}, Padding: PaddingSame,
				OutputPadding: []int{1, 1}},
			dims: []int{1, 4, 4, 1},
			want: []float32{
				1, 3, 2, 2,
				4, 10, 6, 6,
				3, 7, 4, 4,
				3, 7, 4, 4,
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBuilder("deconv")
			x, err := b.Input("x", []int{1, 2, 2, 1})
			require.NoError(t, err)
			y, err := b.Add(New(ClassConv2DTranspose, "deconv", tc.config), x)
			require.NoError(t, err)
			require.Equal(t, tc.dims, y.Shape())
			k := tc.config.KernelSize
			require.NoError(t, y.Layer().SetWeight("kernel", constTensor(1, k[0], k[1], 1, 1)))
			m, err := b.Build(y)
			require.NoError(t, err)

			got := predict1(t, m, tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 1, 2, 2, 1))
			require.Equal(t, tc.want, got)
		})
	}
}

func TestPooling(t *testing.T) {
	// 2x2 windows with strides 2 on a 3x3 input: "same" pads one row and one column at the end.
	input := tensors.FromFlatDataAndDimensions([]float32{-1, -2, -3, -4, -5, -6, -7, -8, -9}, 1, 3, 3, 1)
	testCases := []struct {
		class Class
		want  []float32
	}{
		// Padded positions never win the maximum.
		{ClassMaxPooling2D, []float32{-1, -3, -7, -9}},
		// Padded positions don't count in the average.
		{ClassAveragePooling2D, []float32{-3, -4.5, -7.5, -9}},
	}
	for _, tc := range testCases {
		t.Run(tc.class.String(), func(t *testing.T) {
			b := NewBuilder("pool")
			x, err := b.Input("x", []int{1, 3, 3, 1})
			require.NoError(t, err)
			y, err := b.Add(New(tc.class, "pool", Config{PoolSize: []int{2, 2}, Padding: PaddingSame}), x)
			require.NoError(t, err)
			require.Equal(t, []int{1, 2, 2, 1}, y.Shape())
			m, err := b.Build(y)
			require.NoError(t, err)
			require.InDeltaSlice(t, tc.want, predict1(t, m, input), 1e-6)
		})
	}
}

func TestDepthwiseConv2D(t *testing.T) {
	// A 1x1 depthwise kernel with multiplier 2 scales each channel by two factors.
	b := NewBuilder("depthwise")
	x, err := b.Input("x", []int{1, 1, 2, 2})
	require.NoError(t, err)
	y, err := b.Add(New(ClassDepthwiseConv2D, "dw", Config{KernelSize: []int{1, 1}, DepthMultiplier: 2, UseBias: true}), x)
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 2, 4}, y.Shape())
	require.NoError(t, y.Layer().SetWeight("depthwise_kernel",
		tensors.FromFlatDataAndDimensions([]float32{1, 10, 100, 1000}, 1, 1, 2, 2)))
	require.NoError(t, y.Layer().SetWeight("bias", tensors.FromFlatDataAndDimensions([]float32{0, 0, 0, 1}, 4)))
	m, err := b.Build(y)
	require.NoError(t, err)

	// Input pixels: (channel0, channel1) = (1, 2) and (3, 4).
	got := predict1(t, m, tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 1, 1, 2, 2))
	require.Equal(t, []float32{
		1, 10, 200, 2001,
		3, 30, 400, 4001,
	}, got)
}

func TestPaddingAndCropping(t *testing.T) {
	b := NewBuilder("pads")
	x, err := b.Input("x", []int{1, 2, 2, 1})
	require.NoError(t, err)
	padded, err := b.Add(New(ClassZeroPadding2D, "pad", Config{Pads: [][2]int{{1, 0}, {0, 1}}}), x)
	require.NoError(t, err)
	require.Equal(t, []int{1, 3, 3, 1}, padded.Shape())
	cropped, err := b.Add(New(ClassCropping2D, "crop", Config{Pads: [][2]int{{0, 1}, {1, 0}}}), padded)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 2, 1}, cropped.Shape())
	m, err := b.Build(cropped)
	require.NoError(t, err)

	// Padded: [[0 0 0] [1 2 0] [3 4 0]]; cropped drops the last row and first column.
	got := predict1(t, m, tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 1, 2, 2, 1))
	require.Equal(t, []float32{0, 0, 2, 0}, got)

	b = NewBuilder("constant_pads")
	x, err = b.Input("x", []int{1, 1, 2, 1})
	require.NoError(t, err)
	padded, err = b.Add(New(ClassConstantPadding2D, "pad", Config{Pads: [][2]int{{1, 0}, {1, 1}}, PadValue: -5}), x)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 4, 1}, padded.Shape())
	m, err = b.Build(padded)
	require.NoError(t, err)
	got = predict1(t, m, tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 1, 2, 1))
	require.Equal(t, []float32{-5, -5, -5, -5, -5, 1, 2, -5}, got)
}

func TestActivations(t *testing.T) {
	b := NewBuilder("activations")
	x, err := b.Input("x", []int{1, 4})
	require.NoError(t, err)
	six := float32(6)
	relu6, err := b.Add(New(ClassReLU, "relu6", Config{MaxValue: &six}), x)
	require.NoError(t, err)
	clip, err := b.Add(New(ClassClip, "clip", Config{Min: 0.3, Max: 0.7}), x)
	require.NoError(t, err)
	leaky, err := b.Add(New(ClassLeakyReLU, "leaky", Config{Alpha: 0.5}), x)
	require.NoError(t, err)
	prelu, err := b.Add(New(ClassPReLU, "prelu", Config{}), x)
	require.NoError(t, err)
	require.NoError(t, prelu.Layer().SetWeight("alpha", tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 4)))
	sum, err := b.Add(New(ClassAdd, "sum", Config{}), relu6, clip, leaky, prelu)
	require.NoError(t, err)
	m, err := b.Build(relu6, clip, leaky, prelu, sum)
	require.NoError(t, err)

	m.WithBackend(graphtest.BuildTestBackend())
	outputs, err := m.Predict(tensors.FromFlatDataAndDimensions([]float32{-2, 0.5, 3, 10}, 1, 4))
	require.NoError(t, err)
	require.Len(t, outputs, 5)
	require.InDeltaSlice(t, []float32{0, 0.5, 3, 6}, tensors.CopyFlatData[float32](outputs[0]), 1e-6)
	require.InDeltaSlice(t, []float32{0.3, 0.5, 0.7, 0.7}, tensors.CopyFlatData[float32](outputs[1]), 1e-6)
	require.InDeltaSlice(t, []float32{-1, 0.5, 3, 10}, tensors.CopyFlatData[float32](outputs[2]), 1e-6)
	require.InDeltaSlice(t, []float32{-2, 0.5, 3, 10}, tensors.CopyFlatData[float32](outputs[3]), 1e-6)
	require.InDeltaSlice(t, []float32{-2.7, 2, 9.7, 26.7}, tensors.CopyFlatData[float32](outputs[4]), 1e-5)
}

func TestSaveLoad(t *testing.T) {
	b := NewBuilder("roundtrip")
	x, err := b.Input("x", []int{1, 5, 5, 2})
	require.NoError(t, err)
	conv, err := b.Add(New(ClassConv2D, "conv", Config{
		Filters: 3, KernelSize: []int{3, 3}, Strides: []int{2, 2}, Padding: PaddingSame, UseBias: true}), x)
	require.NoError(t, err)
	require.NoError(t, conv.Layer().SetWeight("kernel", iotaTensor(0.01, 3, 3, 2, 3)))
	require.NoError(t, conv.Layer().SetWeight("bias", iotaTensor(0.5, 3)))
	bn, err := b.Add(New(ClassBatchNormalization, "bn", Config{Epsilon: 1e-3}), conv)
	require.NoError(t, err)
	for _, name := range []string{"gamma", "beta", "moving_mean", "moving_variance"} {
		require.NoError(t, bn.Layer().SetWeight(name, iotaTensor(0.25, 3)))
	}
	gap, err := b.Add(New(ClassGlobalAveragePooling2D, "gap", Config{}), bn)
	require.NoError(t, err)
	m, err := b.Build(gap)
	require.NoError(t, err)

	input := iotaTensor(0.1, 1, 5, 5, 2)
	want := predict1(t, m, input)

	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, m.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, m.LayerClasses(), loaded.LayerClasses())
	require.Equal(t, m.CountParams(), loaded.CountParams())
	require.Equal(t, [][]int{{1, 3}}, loaded.OutputShapes())
	require.Equal(t, want, predict1(t, loaded, input))
}
