package onnx

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/onnx2layers/internal/protos"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestTensorShape(t *testing.T) {
	_, err := TensorShape(nil)
	require.ErrorContains(t, err, "nil")

	shape, err := TensorShape(&protos.TensorProto{DataType: int32(protos.TensorProto_FLOAT)})
	require.NoError(t, err)
	require.Equal(t, dtypes.Float32, shape.DType)
	require.Equal(t, 0, shape.Rank())

	shape, err = TensorShape(&protos.TensorProto{Dims: []int64{16, 3, 3, 3}, DataType: int32(protos.TensorProto_INT64)})
	require.NoError(t, err)
	require.Equal(t, dtypes.Int64, shape.DType)
	require.Equal(t, []int{16, 3, 3, 3}, shape.Dimensions)

	_, err = TensorShape(&protos.TensorProto{Dims: []int64{2}, DataType: int32(protos.TensorProto_STRING)})
	require.ErrorContains(t, err, "unsupported")
}

func float32RawData(values ...float32) []byte {
	raw := make([]byte, 0, 4*len(values))
	for _, value := range values {
		raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(value))
	}
	return raw
}

func TestTensorFromProto(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	t.Run("Values", func(t *testing.T) {
		testCases := []struct {
			name  string
			proto *protos.TensorProto
			dtype dtypes.DType
			dims  []int
			want  any
		}{
			{
				name: "FloatData",
				proto: &protos.TensorProto{Name: "w", Dims: []int64{2, 2}, DataType: int32(protos.TensorProto_FLOAT),
					FloatData: []float32{1, 2, 3, 4}},
				dtype: dtypes.Float32, dims: []int{2, 2}, want: [][]float32{{1, 2}, {3, 4}},
			},
			{
				name: "RawData",
				proto: &protos.TensorProto{Name: "b", Dims: []int64{4}, DataType: int32(protos.TensorProto_FLOAT),
					RawData: float32RawData(1.5, 2.5, 3.5, 4.5)},
				dtype: dtypes.Float32, dims: []int{4}, want: []float32{1.5, 2.5, 3.5, 4.5},
			},
			{
				// int32 tensors may be stored in int64_data: they are converted to the declared dtype.
				name: "Int64DataAsInt32",
				proto: &protos.TensorProto{Name: "axes", Dims: []int64{2}, DataType: int32(protos.TensorProto_INT32),
					Int64Data: []int64{2, 3}},
				dtype: dtypes.Int32, dims: []int{2}, want: []int32{2, 3},
			},
			{
				name: "DoubleDataAsFloat32",
				proto: &protos.TensorProto{Name: "eps", Dims: []int64{1}, DataType: int32(protos.TensorProto_FLOAT),
					DoubleData: []float64{0.25}},
				dtype: dtypes.Float32, dims: []int{1}, want: []float32{0.25},
			},
			{
				name:  "Empty",
				proto: &protos.TensorProto{Name: "roi", Dims: []int64{0}, DataType: int32(protos.TensorProto_FLOAT)},
				dtype: dtypes.Float32, dims: []int{0},
			},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				value, err := tensorFromProto(backend, tc.proto)
				require.NoError(t, err)
				defer value.FinalizeAll()
				require.Equal(t, tc.dtype, value.DType())
				require.Equal(t, tc.dims, value.Shape().Dimensions)
				if tc.want == nil {
					require.Zero(t, value.Shape().Size())
					return
				}
				require.Equal(t, tc.want, value.Value())
			})
		}
	})

	t.Run("Errors", func(t *testing.T) {
		testCases := []struct {
			name  string
			proto *protos.TensorProto
			want  string
		}{
			{"Nil", nil, "nil"},
			{"RawDataSize", &protos.TensorProto{Name: "w", Dims: []int64{4}, DataType: int32(protos.TensorProto_FLOAT),
				RawData: []byte{1, 2, 3}}, "raw-data"},
			{"ValuesSize", &protos.TensorProto{Name: "w", Dims: []int64{2, 2}, DataType: int32(protos.TensorProto_FLOAT),
				FloatData: []float32{1, 2}}, "size"},
			{"ExternalData", &protos.TensorProto{Name: "w", Dims: []int64{2}, DataType: int32(protos.TensorProto_FLOAT),
				ExternalData: []*protos.StringStringEntryProto{{Key: "location", Value: "weights.bin"}}}, "external data"},
			{"NoData", &protos.TensorProto{Name: "w", Dims: []int64{3}, DataType: int32(protos.TensorProto_FLOAT)},
				"no supported format"},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := tensorFromProto(backend, tc.proto)
				require.ErrorContains(t, err, tc.want)
			})
		}
	})
}

func TestTensorToProto(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	proto, err := TensorToProto("w", tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3))
	require.NoError(t, err)
	require.Equal(t, "w", proto.Name)
	require.Equal(t, int32(protos.TensorProto_FLOAT), proto.DataType)
	require.Equal(t, []int64{2, 3}, proto.Dims)
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, proto.FloatData)
	require.Nil(t, proto.RawData)

	// Integer tensors are stored as raw data, and read back.
	proto, err = TensorToProto("shape", tensors.FromValue([]int64{3, -1, 7}))
	require.NoError(t, err)
	require.Equal(t, int32(protos.TensorProto_INT64), proto.DataType)
	require.Len(t, proto.RawData, 3*8)
	back, err := tensorFromProto(backend, proto)
	require.NoError(t, err)
	require.Equal(t, []int{3, -1, 7}, tensorToInts(back))
}

func TestTensorToFloat32s(t *testing.T) {
	require.Equal(t, []float32{6}, tensorToFloat32s(tensors.FromValue(float64(6))))
	require.Equal(t, []float32{1, 0}, tensorToFloat32s(tensors.FromValue([]bool{true, false})))
	require.Equal(t, []int{1, -1}, tensorToInts(tensors.FromValue([]int32{1, -1})))
	require.Panics(t, func() { tensorToFloat32s(tensors.FromValue([]uint8{1})) })
}
