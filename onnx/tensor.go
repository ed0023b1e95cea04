package onnx

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/onnx2layers/internal/protos"
	"github.com/pkg/errors"
)

// TensorShape returns the GoMLX shape (dtype and dimensions) declared by an ONNX tensor.
func TensorShape(proto *protos.TensorProto) (shape shapes.Shape, err error) {
	if proto == nil {
		return shape, errors.New("ONNX TensorProto is nil")
	}
	shape.DType, err = dtypeForONNX(protos.TensorProto_DataType(proto.DataType))
	if err != nil {
		return
	}
	shape.Dimensions = sliceMap(proto.Dims, func(dim int64) int { return int(dim) })
	return
}

// tensorFromProto reads the value of an initializer or Constant node.
//
// Values stored in one of the typed fields (e.g. int64_data for an int32 tensor) are converted to the
// declared dtype with the given backend.
func tensorFromProto(backend backends.Backend, proto *protos.TensorProto) (*tensors.Tensor, error) {
	shape, err := TensorShape(proto)
	if err != nil {
		if proto != nil {
			err = errors.WithMessagef(err, "while parsing tensor %q", proto.Name)
		}
		return nil, err
	}
	var t *tensors.Tensor
	switch {
	case proto.RawData != nil:
		t, err = rawTensor(proto, shape)
	case len(proto.ExternalData) > 0:
		err = errors.Errorf("ONNX model tensor %q is stored as external data, which is not implemented", proto.Name)
	case proto.StringData != nil:
		err = errors.Errorf("ONNX model tensor %q holds string data, which can't be used in a layer model", proto.Name)
	case proto.FloatData != nil:
		t, err = typedTensor(proto, proto.FloatData, shape)
	case proto.DoubleData != nil:
		t, err = typedTensor(proto, proto.DoubleData, shape)
	case proto.Int64Data != nil:
		t, err = typedTensor(proto, proto.Int64Data, shape)
	case proto.Int32Data != nil:
		t, err = typedTensor(proto, proto.Int32Data, shape)
	case proto.Uint64Data != nil:
		t, err = typedTensor(proto, proto.Uint64Data, shape)
	case shape.Size() == 0:
		t = tensors.FromShape(shape)
	default:
		err = errors.Errorf("tensor %q shaped %s has no supported format of data in the ONNX model", proto.Name, shape)
	}
	if err != nil || t.DType() == shape.DType {
		return t, err
	}
	return convertTensorDType(backend, t, shape.DType)
}

// rawTensor copies the raw (little-endian) bytes of the proto to a tensor.
// TODO: It assumes it was saved in the same endian-ness and row-major order. Check/adjust if not.
func rawTensor(proto *protos.TensorProto, shape shapes.Shape) (t *tensors.Tensor, err error) {
	t = tensors.FromShape(shape)
	t.MutableBytes(func(data []byte) {
		if len(data) != len(proto.RawData) {
			err = errors.Errorf("tensor %q shaped %s uses %d bytes, but ONNX model provided %d bytes of raw-data",
				proto.Name, shape, len(data), len(proto.RawData))
			return
		}
		copy(data, proto.RawData)
	})
	if err != nil {
		t.FinalizeAll()
		return nil, err
	}
	return t, nil
}

// typedTensor creates a tensor from one of the typed data fields of the proto, in the dtype of the field.
func typedTensor[T float32 | float64 | int32 | int64 | uint64](proto *protos.TensorProto, values []T, shape shapes.Shape) (*tensors.Tensor, error) {
	if len(values) != shape.Size() {
		return nil, errors.Errorf("tensor %q shaped %s has size %d, but ONNX model provided %d values",
			proto.Name, shape, shape.Size(), len(values))
	}
	return tensors.FromFlatDataAndDimensions(values, shape.Dimensions...), nil
}

// convertTensorDType returns a copy of t converted to dtype, detached from the backend.
func convertTensorDType(backend backends.Backend, t *tensors.Tensor, dtype dtypes.DType) (converted *tensors.Tensor, err error) {
	defer t.FinalizeAll()
	err = exceptions.TryCatch[error](func() {
		converted = MustExecOnce(backend, func(x *Node) *Node {
			return ConvertDType(x, dtype)
		}, t)
		converted.ToLocal()
	})
	return
}

// TensorToProto converts a GoMLX tensor to an ONNX TensorProto with the given name.
//
// Float32 and float64 values are stored in the typed fields, every other dtype is stored as raw data.
func TensorToProto(name string, t *tensors.Tensor) (proto *protos.TensorProto, err error) {
	shape := t.Shape()
	onnxDType, err := dtypeToONNX(shape.DType)
	if err != nil {
		return nil, errors.WithMessagef(err, "while converting tensor %q", name)
	}
	proto = &protos.TensorProto{
		Name:     name,
		DataType: int32(onnxDType),
		Dims:     sliceMap(shape.Dimensions, func(dim int) int64 { return int64(dim) }),
	}
	switch shape.DType {
	case dtypes.Float32:
		proto.FloatData = tensors.CopyFlatData[float32](t)
	case dtypes.Float64:
		proto.DoubleData = tensors.CopyFlatData[float64](t)
	default:
		t.ConstBytes(func(data []byte) {
			proto.RawData = slices.Clone(data)
		})
	}
	return proto, nil
}

// tensorToInts reads a static integer (or float) tensor, like a Reshape target shape.
func tensorToInts(t *tensors.Tensor) []int {
	switch t.DType() {
	case dtypes.Int64:
		return sliceMap(tensors.CopyFlatData[int64](t), func(v int64) int { return int(v) })
	case dtypes.Int32:
		return sliceMap(tensors.CopyFlatData[int32](t), func(v int32) int { return int(v) })
	}
	return sliceMap(tensorToFloat32s(t), func(v float32) int { return int(v) })
}

// tensorToFloat32s reads a static numeric tensor, like the Clip bounds or the Pad value.
func tensorToFloat32s(t *tensors.Tensor) []float32 {
	switch t.DType() {
	case dtypes.Float32:
		return tensors.CopyFlatData[float32](t)
	case dtypes.Float64:
		return sliceMap(tensors.CopyFlatData[float64](t), func(v float64) float32 { return float32(v) })
	case dtypes.Int64:
		return sliceMap(tensors.CopyFlatData[int64](t), func(v int64) float32 { return float32(v) })
	case dtypes.Int32:
		return sliceMap(tensors.CopyFlatData[int32](t), func(v int32) float32 { return float32(v) })
	case dtypes.Bool:
		return sliceMap(tensors.CopyFlatData[bool](t), func(v bool) float32 {
			if v {
				return 1
			}
			return 0
		})
	}
	exceptions.Panicf("tensor of dtype %s can't be used as a static value", t.DType())
	return nil
}
