package onnx

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/onnx2layers/internal/protos"
	"github.com/pkg/errors"
)

// DynamicShape is the declared shape of a graph input or output, where some axes may have unknown
// dimensions (-1).
//
// Unknown dimensions can be named (ONNX "dim_param"): axes sharing a name must have the same dimension
// in the concrete inputs.
type DynamicShape struct {
	dtypes.DType
	Dimensions []int
	Names      []string
}

// UnnamedDynamicDimension is the name given to a dynamic axis without a "dim_param": it matches any dimension.
const UnnamedDynamicDimension = "?"

// shapeFromValueInfo parses the declared type of a graph input or output.
func shapeFromValueInfo(info *protos.ValueInfoProto) (dshape DynamicShape, err error) {
	if info.Type == nil || info.Type.TensorType == nil {
		return dshape, errors.Errorf("%q is not a tensor", info.Name)
	}
	tensorType := info.Type.TensorType
	dshape.DType, err = dtypeForONNX(protos.TensorProto_DataType(tensorType.GetElemType()))
	if err != nil {
		return
	}
	if tensorType.Shape == nil {
		return dshape, errors.Errorf("%q has no shape information", info.Name)
	}
	rank := len(tensorType.Shape.Dim)
	dshape.Dimensions = make([]int, rank)
	dshape.Names = make([]string, rank)
	for axis, dim := range tensorType.Shape.Dim {
		dshape.Dimensions[axis] = -1
		switch {
		case dim.HasValue && dim.DimValue > 0:
			dshape.Dimensions[axis] = int(dim.DimValue)
			dshape.Names[axis] = strconv.Itoa(dshape.Dimensions[axis])
		case dim.DimParam != "":
			dshape.Names[axis] = dim.DimParam
		default:
			dshape.Names[axis] = UnnamedDynamicDimension
		}
	}
	return
}

// IsDynamic returns whether the axis has an unknown dimension.
func (dshape DynamicShape) IsDynamic(axis int) bool {
	return dshape.Dimensions[axis] <= 0
}

// Rank returns the number of axes.
func (dshape DynamicShape) Rank() int {
	return len(dshape.Dimensions)
}

// String implements fmt.Stringer.
func (dshape DynamicShape) String() string {
	if dshape.Rank() == 0 {
		return fmt.Sprintf("(%s)", dshape.DType)
	}
	return fmt.Sprintf("(%s) [%s]", dshape.DType, strings.Join(dshape.Names, ", "))
}

// layerDims returns the dimensions of the input layer created for a graph input: the batch axis
// may be dynamic (-1), all other axes must be known.
func (dshape DynamicShape) layerDims(name string) ([]int, error) {
	if !dshape.DType.IsFloat() {
		return nil, graphErrorf("input %q has dtype %s, only float inputs are supported", name, dshape.DType)
	}
	if dshape.Rank() == 0 {
		return nil, graphErrorf("input %q is a scalar, inputs must have a batch axis", name)
	}
	for axis := 1; axis < dshape.Rank(); axis++ {
		if dshape.IsDynamic(axis) {
			return nil, graphErrorf("input %q has a dynamic dimension on axis %d (%s): only the batch dimension can be dynamic",
				name, axis, dshape)
		}
	}
	dims := slices.Clone(dshape.Dimensions)
	if dshape.IsDynamic(0) {
		dims[0] = -1
	}
	return dims, nil
}

// match checks a concrete shape against the dynamic shape. Named dynamic axes are recorded in bound
// the first time they are seen, and must match afterwards.
func (dshape DynamicShape) match(shape shapes.Shape, bound map[string]int) error {
	if shape.Rank() != dshape.Rank() {
		return errors.Errorf("want rank %d, got rank %d", dshape.Rank(), shape.Rank())
	}
	if shape.DType != dshape.DType {
		return errors.Errorf("want dtype %s, got dtype %s", dshape.DType, shape.DType)
	}
	for axis, dim := range shape.Dimensions {
		if !dshape.IsDynamic(axis) {
			if dim != dshape.Dimensions[axis] {
				return errors.Errorf("want shape %s, got %s", dshape, shape)
			}
			continue
		}
		name := dshape.Names[axis]
		if name == UnnamedDynamicDimension {
			continue
		}
		if boundDim, found := bound[name]; !found {
			bound[name] = dim
		} else if boundDim != dim {
			return errors.Errorf("axis %d (%q) has dimension %d, but %q was already bound to %d",
				axis, name, dim, name, boundDim)
		}
	}
	return nil
}

// ValidateInputs checks that the given shapes are compatible with the declared shapes of the model inputs.
func (m *Model) ValidateInputs(inputsShapes ...shapes.Shape) error {
	if len(inputsShapes) != len(m.InputsNames) {
		return errors.Errorf("model takes %d inputs, but %d inputs provided",
			len(m.InputsNames), len(inputsShapes))
	}
	bound := make(map[string]int)
	for idx, shape := range inputsShapes {
		if err := m.InputsShapes[idx].match(shape, bound); err != nil {
			return errors.WithMessagef(err, "model input #%d (%q)", idx, m.InputsNames[idx])
		}
	}
	return nil
}
