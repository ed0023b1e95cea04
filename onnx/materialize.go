package onnx

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// nonConstantDependencies returns the graph inputs the node output depends on.
func (m *Model) nonConstantDependencies(nodeOutputName string) (inputs []string) {
	visitedNodes := sets.Make[string]()
	inputsNameSet := sets.Make[string]()
	for _, name := range m.InputsNames {
		inputsNameSet.Insert(name)
	}
	return m.recursiveNonConstantDependencies(nodeOutputName, visitedNodes, inputsNameSet, inputs)
}

// recursiveNonConstantDependencies is the recursive implementation of nonConstantDependencies.
// Use nonConstantDependencies.
func (m *Model) recursiveNonConstantDependencies(name string, visitedNodes, inputsNameSet sets.Set[string], nonConstInputs []string) []string {
	visitedNodes.Insert(name)
	if _, found := m.variableNameToValue[name]; found {
		return nonConstInputs
	}
	if inputsNameSet.Has(name) {
		return append(nonConstInputs, name)
	}

	// Recurse into the inputs of the node that generated the `name` output.
	node := m.nodeOutputToNode[name]
	if node == nil {
		exceptions.Panicf("nonConstantDependencies given an unknown node output name %q", name)
		return nil
	}
	for _, input := range node.Input {
		if input == "" || visitedNodes.Has(input) {
			continue
		}
		nonConstInputs = m.recursiveNonConstantDependencies(input, visitedNodes, inputsNameSet, nonConstInputs)
	}
	return nonConstInputs
}

// materializeConstantExpression materializes a node to its constant expression.
//
// This is required for ONNX ops that take dynamic values (like axes, pads and shapes), but for which GoMLX only
// accepts static (materialized) values.
//
// If the node depends on the graph inputs, it returns an error.
func (m *Model) materializeConstantExpression(nodeOutputName string, convertedOutputs map[string]*Node) (*tensors.Tensor, error) {
	// Easy reply: if the node is already a constant.
	node := convertedOutputs[nodeOutputName]
	if node == nil {
		return nil, errors.Errorf("node output %q hasn't been converted yet, so we can't materializeConstantExpression!?", nodeOutputName)
	}
	if node.Type() == NodeTypeConstant {
		return node.ConstantValue(), nil
	}

	// See if it is possible: if the subgraph that generated the node is a constant expression.
	if nonConstInputs := m.nonConstantDependencies(nodeOutputName); len(nonConstInputs) > 0 {
		return nil, errors.Errorf("cannot materialize constant/static value for %q: it depends on the graph inputs %q",
			nodeOutputName, nonConstInputs)
	}

	// Evaluate constant sub-expression in a newly created graph.
	backend := node.Graph().Backend()
	var result *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		result = MustExecOnce(backend, func(g *Graph) *Node {
			constConvertedOutputs := make(map[string]*Node)
			m.recursiveCallGraph(g, nodeOutputName, constConvertedOutputs, sets.Make[string]())
			return constConvertedOutputs[nodeOutputName]
		})
	})
	if err != nil {
		return nil, errors.WithMessage(err, "while evaluating constant sub-expression")
	}
	return result, nil
}
