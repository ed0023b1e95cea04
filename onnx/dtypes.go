package onnx

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/onnx2layers/internal/protos"
	"github.com/pkg/errors"
)

// onnxToDType maps the ONNX tensor element types to GoMLX dtypes.
var onnxToDType = map[protos.TensorProto_DataType]dtypes.DType{
	protos.TensorProto_FLOAT:      dtypes.Float32,
	protos.TensorProto_DOUBLE:     dtypes.Float64,
	protos.TensorProto_FLOAT16:    dtypes.Float16,
	protos.TensorProto_BFLOAT16:   dtypes.BFloat16,
	protos.TensorProto_INT8:       dtypes.Int8,
	protos.TensorProto_INT16:      dtypes.Int16,
	protos.TensorProto_INT32:      dtypes.Int32,
	protos.TensorProto_INT64:      dtypes.Int64,
	protos.TensorProto_UINT8:      dtypes.Uint8,
	protos.TensorProto_UINT16:     dtypes.Uint16,
	protos.TensorProto_UINT32:     dtypes.Uint32,
	protos.TensorProto_UINT64:     dtypes.Uint64,
	protos.TensorProto_BOOL:       dtypes.Bool,
	protos.TensorProto_COMPLEX64:  dtypes.Complex64,
	protos.TensorProto_COMPLEX128: dtypes.Complex128,
}

// dtypeForONNX converts an ONNX data type to a gomlx data type.
func dtypeForONNX(onnxDType protos.TensorProto_DataType) (dtypes.DType, error) {
	dtype, found := onnxToDType[onnxDType]
	if !found {
		return dtypes.InvalidDType, errors.Errorf("unsupported/unknown ONNX data type %v", onnxDType)
	}
	return dtype, nil
}

// dtypeToONNX is the inverse of dtypeForONNX.
func dtypeToONNX(dtype dtypes.DType) (protos.TensorProto_DataType, error) {
	for onnxDType, candidate := range onnxToDType {
		if candidate == dtype {
			return onnxDType, nil
		}
	}
	return protos.TensorProto_UNDEFINED, errors.Errorf("dtype %s has no ONNX equivalent", dtype)
}
