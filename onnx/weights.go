package onnx

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/onnx2layers/layers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// weightTransform converts an ONNX initializer (already converted to float32) to the layout of a layer parameter.
type weightTransform func(x *Node) *Node

// weightBinder transforms ONNX initializers and sets them as layer parameters.
type weightBinder struct {
	backend backends.Backend

	// consumed holds the names of the initializers (and constants) used by the conversion.
	consumed sets.Set[string]
}

func newWeightBinder(backend backends.Backend) *weightBinder {
	return &weightBinder{backend: backend, consumed: sets.Make[string]()}
}

// transform returns value converted to float32 and transformed by fn (which can be nil).
func (b *weightBinder) transform(value *tensors.Tensor, fn weightTransform) *tensors.Tensor {
	if fn == nil && value.DType() == dtypes.Float32 {
		return value
	}
	var result *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		result = MustExecOnce(b.backend, func(x *Node) *Node {
			if x.DType() != dtypes.Float32 {
				x = ConvertDType(x, dtypes.Float32)
			}
			if fn != nil {
				x = fn(x)
			}
			return x
		}, value)
		result.ToLocal()
	})
	if err != nil {
		panic(errors.WithMessagef(err, "while transforming weights shaped %s", value.Shape()))
	}
	return result
}

// bind sets the parameter of the layer to the initializer value transformed by fn.
// It panics with a WeightShapeMismatchError if the transformed value doesn't have the shape the
// parameter requires.
func (b *weightBinder) bind(l *layers.Layer, param string, source *tensorHandle, fn weightTransform) {
	b.consumed.Insert(source.name)
	p := l.Param(param)
	if p == nil {
		exceptions.Panicf("layer %q (%s) has no parameter %q", l.Name, l.Class, param)
	}
	value := b.transform(source.constant, fn)
	got := value.Shape().Dimensions
	if !slices.Equal(p.Shape, got) {
		panic(&WeightShapeMismatchError{
			Layer:       l.Name,
			Param:       param,
			Initializer: source.name,
			Want:        slices.Clone(p.Shape),
			Got:         slices.Clone(got),
		})
	}
	if err := l.SetWeight(param, value); err != nil {
		panic(err)
	}
	klog.V(2).Infof("bound %q %v to %s.%s", source.name, got, l.Name, param)
}
