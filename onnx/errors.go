package onnx

import (
	"fmt"
	"strings"
)

// UnsupportedOperatorError is returned when a node uses an operator (or a variant of it) that has
// no translation to layers.
type UnsupportedOperatorError struct {
	OpType string
	Node   string

	// Reason is empty when no mapping rule is registered for OpType.
	Reason string
}

func (e *UnsupportedOperatorError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unsupported ONNX operator %q (node %q): no conversion registered", e.OpType, e.Node)
	}
	return fmt.Sprintf("unsupported ONNX operator %q (node %q): %s", e.OpType, e.Node, e.Reason)
}

// InvalidAttributeError is returned when an attribute of a node is malformed or holds a value
// the conversion can't honor.
type InvalidAttributeError struct {
	OpType, Node string
	Attribute    string
	Reason       string
}

func (e *InvalidAttributeError) Error() string {
	return fmt.Sprintf("invalid attribute %q in ONNX node %q (%s): %s", e.Attribute, e.Node, e.OpType, e.Reason)
}

// GraphStructureError is returned for malformed graphs: cycles, dangling references, missing inputs
// or outputs.
type GraphStructureError struct {
	Reason string
}

func (e *GraphStructureError) Error() string {
	return "invalid ONNX graph: " + e.Reason
}

// WeightShapeMismatchError is returned when a transformed initializer doesn't match the shape the
// layer expects for the parameter.
type WeightShapeMismatchError struct {
	Layer, Param string
	Initializer  string
	Want, Got    []int
}

func (e *WeightShapeMismatchError) Error() string {
	return fmt.Sprintf("layer %q parameter %q expects shape %v, but initializer %q converts to %v",
		e.Layer, e.Param, e.Want, e.Initializer, e.Got)
}

// graphErrorf creates a GraphStructureError.
func graphErrorf(format string, args ...any) *GraphStructureError {
	return &GraphStructureError{Reason: fmt.Sprintf(format, args...)}
}

// joinNames is used in error messages listing tensor names.
func joinNames(names []string) string {
	return "[" + strings.Join(names, ", ") + "]"
}
