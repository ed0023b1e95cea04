package onnx

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/onnx2layers/internal/protos"
	"github.com/stretchr/testify/require"
)

func TestValidateInputs(t *testing.T) {
	m := &Model{
		InputsNames: []string{"i0", "i1"},
		InputsShapes: []DynamicShape{
			{
				DType:      dtypes.Float32,
				Dimensions: []int{-1, -1},
				Names:      []string{"batch_size", "feature_dim"},
			},
			{
				DType:      dtypes.Int32,
				Dimensions: []int{-1, 3},
				Names:      []string{"batch_size", "other"},
			},
		},
	}

	// Example valid input, batch_size=5
	require.NoError(t, m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7),
		shapes.Make(dtypes.Int32, 5, 3)))

	// Wrong dtype:
	require.Error(t, m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7, 1),
		shapes.Make( /**/ dtypes.Int64, 5, 3)))

	// Wrong rank:
	require.Error(t, m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7 /**/, 1),
		shapes.Make(dtypes.Int32, 5, 3)))

	// Fixed dimension not matching:
	require.Error(t, m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7),
		shapes.Make(dtypes.Int32, 5 /**/, 4)))

	// Named dynamic dimension not matching:
	err := m.ValidateInputs(
		shapes.Make(dtypes.Float32, 5, 7),
		shapes.Make(dtypes.Int32 /**/, 6, 3))
	require.ErrorContains(t, err, "batch_size")
	require.ErrorContains(t, err, `"i1"`)
}

func TestShapeFromValueInfo(t *testing.T) {
	info := &protos.ValueInfoProto{Name: "image", Type: &protos.TypeProto{TensorType: &protos.TypeProto_Tensor{
		ElemType: int32(protos.TensorProto_FLOAT),
		Shape: &protos.TensorShapeProto{Dim: []*protos.TensorShapeProto_Dimension{
			{DimParam: "batch_size"},
			{DimValue: 3, HasValue: true},
			{DimValue: 224, HasValue: true},
			{},
		}},
	}}}
	dshape, err := shapeFromValueInfo(info)
	require.NoError(t, err)
	require.Equal(t, dtypes.Float32, dshape.DType)
	require.Equal(t, []int{-1, 3, 224, -1}, dshape.Dimensions)
	require.Equal(t, []string{"batch_size", "3", "224", UnnamedDynamicDimension}, dshape.Names)
	require.True(t, dshape.IsDynamic(0))
	require.False(t, dshape.IsDynamic(1))
	require.Equal(t, "(Float32) [batch_size, 3, 224, ?]", dshape.String())

	// Only the batch axis can be dynamic in the input layers.
	_, err = dshape.layerDims("image")
	var graphErr *GraphStructureError
	require.ErrorAs(t, err, &graphErr)
	dshape.Dimensions[3], dshape.Names[3] = 224, "224"
	dims, err := dshape.layerDims("image")
	require.NoError(t, err)
	require.Equal(t, []int{-1, 3, 224, 224}, dims)

	// Shape information is required.
	info.Type.TensorType.Shape = nil
	_, err = shapeFromValueInfo(info)
	require.Error(t, err)
	_, err = shapeFromValueInfo(&protos.ValueInfoProto{Name: "sequence"})
	require.Error(t, err)
}

func TestLayerDimsDType(t *testing.T) {
	dshape := DynamicShape{DType: dtypes.Int64, Dimensions: []int{1, 4}, Names: []string{"1", "4"}}
	_, err := dshape.layerDims("ids")
	require.ErrorContains(t, err, "only float inputs")
}
