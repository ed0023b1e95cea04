package onnx

import (
	"fmt"

	"github.com/gomlx/onnx2layers/internal/protos"
)

// Attribute getters panic with an *InvalidAttributeError, which is caught and returned by Model.Convert.

// attrPanicf panics with an InvalidAttributeError for the given node and attribute.
func attrPanicf(node *protos.NodeProto, attrName, format string, args ...any) {
	panic(&InvalidAttributeError{
		OpType:    node.OpType,
		Node:      nodeName(node),
		Attribute: attrName,
		Reason:    fmt.Sprintf(format, args...),
	})
}

// getNodeAttr returns the given node attribute. If required is true, it will panic with a message about
// the missing attribute.
func getNodeAttr(node *protos.NodeProto, name string, required bool) *protos.AttributeProto {
	for _, attr := range node.Attribute {
		if attr.Name == name {
			return attr
		}
	}
	if required {
		attrPanicf(node, name, "missing required attribute")
	}
	return nil
}

// assertNodeAttrType panics if the attribute is of a different type.
// Some exporters leave the type undefined, in which case the value is taken as is.
func assertNodeAttrType(node *protos.NodeProto, attr *protos.AttributeProto, attributeType protos.AttributeProto_AttributeType) {
	if attr.Type != attributeType && attr.Type != protos.AttributeProto_UNDEFINED {
		attrPanicf(node, attr.Name, "expected attribute of type %s, got %s", attributeType, attr.Type)
	}
}

// mustGetIntAttr get the attribute as an integer.
// It panics with an exception if attribute is not set or if it is of the wrong type.
func mustGetIntAttr(node *protos.NodeProto, attrName string) int {
	attr := getNodeAttr(node, attrName, true)
	assertNodeAttrType(node, attr, protos.AttributeProto_INT)
	return int(attr.I)
}

// getIntAttrOr gets an integer attribute for node if present or return the given defaultValue.
func getIntAttrOr(node *protos.NodeProto, attrName string, defaultValue int) int {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValue
	}
	assertNodeAttrType(node, attr, protos.AttributeProto_INT)
	return int(attr.I)
}

// getBoolAttrOr gets a boolean attribute (ONNX uses an int value of 0 or 1) for node if present or return the given defaultValue.
func getBoolAttrOr(node *protos.NodeProto, attrName string, defaultValue bool) bool {
	defaultInt := 0
	if defaultValue {
		defaultInt = 1
	}
	intValue := getIntAttrOr(node, attrName, defaultInt)
	return intValue != 0
}

// getFloatAttrOr gets a float attribute for node if present or return the given defaultValue.
func getFloatAttrOr(node *protos.NodeProto, attrName string, defaultValue float32) float32 {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValue
	}
	assertNodeAttrType(node, attr, protos.AttributeProto_FLOAT)
	return attr.F
}

// getStringAttrOr gets a string attribute for node if present or return the given defaultValue.
func getStringAttrOr(node *protos.NodeProto, attrName string, defaultValue string) string {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValue
	}
	assertNodeAttrType(node, attr, protos.AttributeProto_STRING)
	return string(attr.S)
}

// getIntsAttrOr gets an integer list attribute for node if present or return the given defaultValues.
func getIntsAttrOr(node *protos.NodeProto, attrName string, defaultValues []int) []int {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValues
	}
	assertNodeAttrType(node, attr, protos.AttributeProto_INTS)
	return sliceMap(attr.Ints, func(i int64) int { return int(i) })
}

// getSpatialIntsAttrOr gets an integer list attribute with one value per spatial axis (or 2 per axis
// if perAxis is 2, as in "pads"), and checks its length.
func getSpatialIntsAttrOr(node *protos.NodeProto, attrName string, numSpatial, perAxis, defaultValue int) []int {
	values := getIntsAttrOr(node, attrName, nil)
	if values == nil {
		values = make([]int, numSpatial*perAxis)
		for ii := range values {
			values[ii] = defaultValue
		}
		return values
	}
	if len(values) != numSpatial*perAxis {
		attrPanicf(node, attrName, "expected %d values, got %v", numSpatial*perAxis, values)
	}
	return values
}

// getFloatsAttrOr gets a float list attribute for node if present or return the given defaultValues.
func getFloatsAttrOr(node *protos.NodeProto, attrName string, defaultValues []float32) []float32 {
	attr := getNodeAttr(node, attrName, false)
	if attr == nil {
		return defaultValues
	}
	assertNodeAttrType(node, attr, protos.AttributeProto_FLOATS)
	return attr.Floats
}

// nodeName returns a name to identify the node in errors and in the names of the generated layers:
// the node name if set, otherwise its first output.
func nodeName(node *protos.NodeProto) string {
	if node.Name != "" {
		return node.Name
	}
	for _, output := range node.Output {
		if output != "" {
			return output
		}
	}
	return node.OpType
}
