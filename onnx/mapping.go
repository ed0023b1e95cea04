package onnx

import (
	"fmt"
	"slices"

	"github.com/gomlx/onnx2layers/internal/protos"
	"github.com/gomlx/onnx2layers/layers"
)

// mappingRule converts one ONNX node to layers, given the handles of its inputs (nil for omitted optional inputs).
// It returns the handles for the node outputs, in order. Outputs not returned are not supported.
//
// Rules panic with one of the conversion errors (see Model.Convert) if the node can't be converted.
type mappingRule func(a *assembler, node *protos.NodeProto, inputs []*tensorHandle) []*tensorHandle

// mappingRules maps ONNX op types to their conversion. It's populated in init, since rules refer back to
// the assembler.
var mappingRules map[string]mappingRule

func init() {
	mappingRules = map[string]mappingRule{
		// Spatial operators: see mapping_conv.go.
		"Conv":               convertConv,
		"ConvTranspose":      convertConvTranspose,
		"MaxPool":            convertMaxPool,
		"AveragePool":        convertAveragePool,
		"GlobalAveragePool":  convertGlobalAveragePool,
		"BatchNormalization": convertBatchNormalization,
		"Pad":                convertPad,

		// Activations: see mapping_activation.go.
		"Relu":      convertUnary(layers.ClassReLU, layers.Config{}),
		"Sigmoid":   convertUnary(layers.ClassActivation, layers.Config{Activation: "sigmoid"}),
		"Tanh":      convertUnary(layers.ClassActivation, layers.Config{Activation: "tanh"}),
		"LeakyRelu": convertLeakyRelu,
		"PRelu":     convertPRelu,
		"Clip":      convertClip,
		"Softmax":   convertSoftmax,

		// Tensor manipulation: see mapping_tensor.go.
		"Add":        convertBinary(layers.ClassAdd),
		"Sub":        convertBinary(layers.ClassSubtract),
		"Mul":        convertBinary(layers.ClassMultiply),
		"Concat":     convertConcat,
		"Flatten":    convertFlatten,
		"Reshape":    convertReshape,
		"Transpose":  convertTranspose,
		"ReduceMean": convertReduceMean,
		"Gemm":       convertGemm,
		"MatMul":     convertMatMul,
		"Dropout":    convertPassThrough,
		"Identity":   convertPassThrough,
		"Constant":   convertConstant,
	}
}

// SupportedOps returns the sorted list of ONNX operators that can be converted.
func SupportedOps() []string {
	ops := make([]string, 0, len(mappingRules))
	for op := range mappingRules {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	return ops
}

// UnsupportedOps returns the operators used by the model that have no conversion, sorted.
// Notice a model using only supported operators may still fail to convert, if some attribute
// combination is not supported.
func (m *Model) UnsupportedOps() []string {
	var unsupported []string
	for op := range m.OpTypes() {
		if _, found := mappingRules[op]; !found {
			unsupported = append(unsupported, op)
		}
	}
	slices.Sort(unsupported)
	return unsupported
}

// single is a shortcut to return one output handle.
func single(h *tensorHandle) []*tensorHandle {
	return []*tensorHandle{h}
}

// weightInput returns the input ii, which must be a constant (an initializer or the output of a Constant node),
// or nil if the input was not given.
func (a *assembler) weightInput(inputs []*tensorHandle, ii int, what string) *tensorHandle {
	if ii >= len(inputs) || inputs[ii] == nil {
		return nil
	}
	h := inputs[ii]
	if !h.isConstant() {
		a.unsupportedf("%s (input %q) must be an initializer or a constant", what, h.name)
	}
	return h
}

// requireWeight is like weightInput, but the input must be given.
func (a *assembler) requireWeight(inputs []*tensorHandle, ii int, what string) *tensorHandle {
	h := a.weightInput(inputs, ii, what)
	if h == nil {
		panic(graphErrorf("node %s is missing its %s (input #%d)", nodeToString(a.node), what, ii))
	}
	return h
}

// layerSuffix returns the name for an auxiliary layer of the current node.
func (a *assembler) layerSuffix(format string, args ...any) string {
	return a.layerName(nodeName(a.node) + "_" + fmt.Sprintf(format, args...))
}
