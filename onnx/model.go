// Package onnx parses ONNX models and converts them to channels-last layer models (see package layers).
//
//   - Parse: converts a serialized ONNX ModelProto to a Model.
//   - ReadFile: reads a file and calls Parse. It returns a Model.
//   - Model.Convert: translates the ONNX graph to a layers.Model, with its weights bound.
//   - Model.CallGraph: executes the ONNX graph as is (channels-first), used as a reference to validate
//     conversions.
package onnx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/onnx2layers/internal/protos"
	"github.com/pkg/errors"
)

// Model represents a parsed ONNX file.
type Model struct {
	onnxFileName     string
	Proto            protos.ModelProto
	nodeOutputToNode map[string]*protos.NodeProto

	// variableNameToValue maps initializer names to their values.
	variableNameToValue map[string]*protos.TensorProto

	name                        string
	InputsNames, OutputsNames   []string
	InputsShapes, OutputsShapes []DynamicShape

	// backend used to materialize initializers, created on first use if not set.
	backend backends.Backend
}

// Parse parses an ONNX model into an internal representation that can be converted to a layers.Model.
func Parse(contents []byte) (*Model, error) {
	m := &Model{}
	err := m.Proto.Unmarshal(contents)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ONNX model proto")
	}
	if m.Proto.Graph == nil {
		return nil, graphErrorf("ONNX model has no graph")
	}
	graph := m.Proto.Graph

	// Set of variable names.
	m.variableNameToValue = make(map[string]*protos.TensorProto)
	for _, tensorProto := range graph.Initializer {
		m.variableNameToValue[tensorProto.Name] = tensorProto
	}

	// Parse inputs and outputs: older ONNX versions also list the initializers as inputs, those are skipped.
	m.name = graph.Name
	for ii, input := range graph.Input {
		if _, isVariable := m.variableNameToValue[input.Name]; isVariable {
			continue
		}
		dshape, err := shapeFromValueInfo(input)
		if err != nil {
			return nil, errors.WithMessagef(err, "while parsing input #%d (%q)", ii, input.Name)
		}
		m.InputsNames = append(m.InputsNames, input.Name)
		m.InputsShapes = append(m.InputsShapes, dshape)
	}
	m.OutputsNames = make([]string, len(graph.Output))
	m.OutputsShapes = make([]DynamicShape, len(graph.Output))
	for ii, output := range graph.Output {
		m.OutputsNames[ii] = output.Name
		if output.Type == nil || output.Type.TensorType == nil {
			// Output types are informative only.
			continue
		}
		m.OutputsShapes[ii], err = shapeFromValueInfo(output)
		if err != nil {
			return nil, errors.WithMessagef(err, "while parsing output #%d (%q)", ii, output.Name)
		}
	}

	// Maps the intermediary node outputs to the nodes that create them.
	m.nodeOutputToNode = make(map[string]*protos.NodeProto)
	for _, node := range graph.Node {
		for _, outputName := range node.GetOutput() {
			if outputName == "" {
				continue
			}
			if otherNode, found := m.nodeOutputToNode[outputName]; found {
				return nil, graphErrorf("node output name %q used by 2 different nodes: (1) %s, (2) %s",
					outputName, nodeToString(otherNode), nodeToString(node))
			}
			m.nodeOutputToNode[outputName] = node
		}
	}
	return m, nil
}

// ReadFile parses an ONNX model file into an internal representation that can be converted to a layers.Model.
func ReadFile(filePath string) (*Model, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ONNX model file in %s", filePath)
	}
	m, err := Parse(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "ONNX model file %s", filePath)
	}
	m.onnxFileName = filePath
	return m, nil
}

// Name of the model graph.
func (m *Model) Name() string { return m.name }

// FileName returns the file the model was read from, if it was read with ReadFile.
func (m *Model) FileName() string { return m.onnxFileName }

// Inputs returns the names and DynamicShapes of the inputs.
func (m *Model) Inputs() (names []string, dshapes []DynamicShape) {
	return m.InputsNames, m.InputsShapes
}

// Outputs returns a description of the outputs.
func (m *Model) Outputs() (names []string, dshapes []DynamicShape) {
	return m.OutputsNames, m.OutputsShapes
}

// NumInputs returns the number of inputs this graph takes.
func (m *Model) NumInputs() int {
	return len(m.InputsNames)
}

// OpsetVersion returns the version of the default ("ai.onnx") operator set used by the model.
// It returns 0 if the model doesn't declare it.
func (m *Model) OpsetVersion() int {
	for _, opset := range m.Proto.OpsetImport {
		if opset.Domain == "" || opset.Domain == "ai.onnx" {
			return int(opset.Version)
		}
	}
	return 0
}

// OpTypes returns the set of operator types used by the model.
func (m *Model) OpTypes() sets.Set[string] {
	ops := sets.Make[string]()
	for _, node := range m.Proto.Graph.Node {
		ops.Insert(node.OpType)
	}
	return ops
}

// WithBackend sets the backend used to materialize the ONNX initializers during conversion.
func (m *Model) WithBackend(backend backends.Backend) *Model {
	m.backend = backend
	return m
}

// getBackend returns the backend set with WithBackend, or creates a SimpleGo backend on first use.
func (m *Model) getBackend() (backends.Backend, error) {
	if m.backend != nil {
		return m.backend, nil
	}
	backend, err := simplego.New("")
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend for ONNX model %q", m.name)
	}
	m.backend = backend
	return backend, nil
}

// Write will write the ONNX model to the given writer (usually a file).
//
// See also Model.SaveToFile.
func (m *Model) Write(w io.Writer) error {
	content := m.Proto.Marshal()
	_, err := w.Write(content)
	if err != nil {
		return errors.Wrapf(err, "failed to write serialized ONNX model proto")
	}
	return nil
}

// SaveToFile serializes the ONNX model to the given file.
func (m *Model) SaveToFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to save ONNX model proto to %s", path)
	}
	err = m.Write(f)
	if err != nil {
		_ = f.Close()
		return err
	}
	err = f.Close()
	if err != nil {
		return errors.Wrapf(err, "failed to save ONNX model proto to %s", path)
	}
	return nil
}

// nodeToString returns a one-line description of the node, used in error messages and logging.
func nodeToString(n *protos.NodeProto) string {
	var sb strings.Builder
	name := n.Name
	if name == "" {
		name = "<unnamed>"
	}
	fmt.Fprintf(&sb, "%s (%s): [%s] -> [%s]", name, n.OpType,
		strings.Join(n.Input, ", "), strings.Join(n.Output, ", "))
	if len(n.Attribute) > 0 {
		attrs := sliceMap(n.Attribute, func(attr *protos.AttributeProto) string { return attr.Name })
		fmt.Fprintf(&sb, " attrs=%v", attrs)
	}
	return sb.String()
}
