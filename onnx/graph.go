package onnx

import (
	"runtime"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/onnx2layers/internal/protos"
	"github.com/pkg/errors"
)

// sliceMap executes the given function sequentially for every element on in and returns a mapped slice.
func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// CallGraph builds the ONNX graph as is, in its original channels-first layout, with GoMLX ops.
// It doesn't use the layers conversion at all, and it's used as the reference to validate converted models.
//
// The initializers of the model are embedded in the graph as constants.
//
// The inputs map the ONNX input names to their graph.Node. If outputNames is not given, it will output
// the model's registered outputs. Alternatively, you can select any list of node outputs to generate.
//
// Only the operators with a conversion (see SupportedOps) are implemented.
//
// As in GoMLX graph building (symbolic) functions, it panics (throws exceptions) in case of errors.
func (m *Model) CallGraph(g *Graph, inputs map[string]*Node, outputNames ...string) (outputs []*Node) {
	// If no outputNames were given, take the model outputs.
	if len(outputNames) == 0 {
		outputNames = m.OutputsNames
	}

	// Map the given inputs to the corresponding ONNX inputs and report (throw exception) if there are
	// any discrepancies.
	convertedOutputs := make(map[string]*Node)
	missingInputs := sets.Make[string]()
	unknownInputs := sets.Make[string]()
	for _, inputName := range m.InputsNames {
		inputN := inputs[inputName]
		if inputN == nil {
			missingInputs.Insert(inputName)
			continue
		}
		convertedOutputs[inputName] = inputN
	}
	for givenName := range inputs {
		if _, found := convertedOutputs[givenName]; !found {
			unknownInputs.Insert(givenName)
		}
	}
	if len(missingInputs) > 0 || len(unknownInputs) > 0 {
		exceptions.Panicf("onnx.CallGraph() called with wrong inputs: missing inputs=%q; unknown given inputs=%q",
			missingInputs, unknownInputs)
	}

	// Validate the input shapes.
	err := m.ValidateInputs(sliceMap(m.InputsNames, func(inputName string) shapes.Shape { return convertedOutputs[inputName].Shape() })...)
	if err != nil {
		panic(err)
	}

	// Convert all nodes recursively, which will implicitly yield a topological order.
	for _, target := range outputNames {
		m.recursiveCallGraph(g, target, convertedOutputs, sets.Make[string]())
	}

	// Pick the outputs.
	outputs = make([]*Node, len(outputNames))
	var found bool
	for outputIdx, nodeName := range outputNames {
		outputs[outputIdx], found = convertedOutputs[nodeName]
		if !found {
			exceptions.Panicf("output node %q not found", nodeName)
		}
	}

	// Makes sure all the temporarily allocated on-device tensors are freed.
	for range 3 {
		runtime.GC()
	}
	return outputs
}

// recursiveCallGraph recursively creates a GoMLX graph for the target output name.
// The convertedOutputs are used both as input and as output to store the converted nodes.
// The visiting set holds the outputs being converted up in the recursion, to detect cycles.
func (m *Model) recursiveCallGraph(g *Graph, nodeOutputName string, convertedOutputs map[string]*Node, visiting sets.Set[string]) {
	if _, found := convertedOutputs[nodeOutputName]; found {
		// Already converted.
		return
	}

	// Is it an initializer?
	if tensorProto, found := m.variableNameToValue[nodeOutputName]; found {
		t, err := tensorFromProto(g.Backend(), tensorProto)
		if err != nil {
			panic(errors.WithMessagef(err, "while reading initializer %q", nodeOutputName))
		}
		convertedOutputs[nodeOutputName] = Const(g, t)
		return
	}

	onnxNode, found := m.nodeOutputToNode[nodeOutputName]
	if !found {
		exceptions.Panicf("ONNX node output %q not found as the output of any Op, and not an initializer or input either -- could it be a node name, and not a node **output** name ?", nodeOutputName)
	}
	if visiting.Has(nodeOutputName) {
		exceptions.Panicf("ONNX graph has a cycle going through %q", nodeOutputName)
	}
	visiting.Insert(nodeOutputName)

	// Recursively converts the inputs of the onnxNode:
	for _, inputName := range onnxNode.Input {
		if inputName == "" {
			// Omitted optional input.
			continue
		}
		m.recursiveCallGraph(g, inputName, convertedOutputs, visiting)
	}

	// Convert the node itself.
	m.callNode(g, onnxNode, convertedOutputs)
}

// callNode converts the ONNX node to GoMLX ops, and stores its outputs in convertedOutputs.
// Its inputs must have been converted already.
func (m *Model) callNode(g *Graph, node *protos.NodeProto, convertedOutputs map[string]*Node) {
	if _, found := convertedOutputs[node.Output[0]]; found {
		// Already converted.
		return
	}

	// Convert the node: the usual case is that there is only one output.
	// If res is not nil, it is set to convertedOutputs[output[0]].
	// Anything different must be implemented by the specific op switch.
	var res *Node
	inputs := sliceMap(node.Input, func(n string) *Node {
		if n == "" {
			return nil
		}
		return convertedOutputs[n]
	})
	switch node.OpType {
	// Element-wise and activations.
	case "Relu":
		res = activations.Relu(inputs[0])
	case "Sigmoid":
		res = Sigmoid(inputs[0])
	case "Tanh":
		res = Tanh(inputs[0])
	case "LeakyRelu":
		res = onnxLeakyRelu(node, inputs)
	case "PRelu":
		res = onnxPRelu(inputs)
	case "Clip":
		res = m.onnxClip(node, inputs, convertedOutputs)
	case "Softmax":
		res = m.onnxSoftmax(node, inputs)
	case "Add":
		res = onnxBinaryOp(Add, inputs[0], inputs[1])
	case "Sub":
		res = onnxBinaryOp(Sub, inputs[0], inputs[1])
	case "Mul":
		res = onnxBinaryOp(Mul, inputs[0], inputs[1])

	// Spatial ops.
	case "Conv":
		res = onnxConv(node, inputs)
	case "ConvTranspose":
		res = onnxConvTranspose(node, inputs)
	case "MaxPool":
		res = onnxMaxPool(node, inputs)
	case "AveragePool":
		res = onnxAveragePool(node, inputs)
	case "GlobalAveragePool":
		res = onnxGlobalAveragePool(inputs)
	case "BatchNormalization":
		res = onnxBatchNormalization(node, inputs)
	case "Pad":
		res = m.onnxPad(node, inputs, convertedOutputs)

	// Tensor manipulation.
	case "Concat":
		res = Concatenate(inputs, AdjustAxisToOperandRank(inputs[0], mustGetIntAttr(node, "axis")))
	case "Flatten":
		res = onnxFlatten(inputs[0], AdjustAxisToOperandRank(inputs[0], getIntAttrOr(node, "axis", 1)))
	case "Reshape":
		res = m.onnxReshape(node, inputs, convertedOutputs)
	case "Transpose":
		res = onnxTranspose(node, inputs)
	case "ReduceMean":
		res = m.onnxReduceMean(node, inputs, convertedOutputs)
	case "Gemm":
		res = onnxGemm(node, inputs)
	case "MatMul":
		res = onnxMatMul(inputs[0], inputs[1])
	case "Dropout", "Identity":
		res = inputs[0]
		if len(node.Output) > 1 && node.Output[1] != "" {
			// Dropout mask: all true in inference.
			convertedOutputs[node.Output[1]] = BroadcastToDims(Const(g, true), res.Shape().Dimensions...)
		}
	case "Constant":
		res = onnxConstant(g, node)

	default:
		exceptions.Panicf("unimplemented ONNX op %q in %s", node.OpType, nodeToString(node))
	}
	if res != nil {
		convertedOutputs[node.Output[0]] = res
	} else {
		exceptions.Panicf("nil output for ONNX node %q", node.Name)
	}
}

// staticInput returns the materialized value of the input ii of the node, or nil if it was not given.
func (m *Model) staticInput(node *protos.NodeProto, ii int, convertedOutputs map[string]*Node) *tensors.Tensor {
	if ii >= len(node.Input) || node.Input[ii] == "" {
		return nil
	}
	t, err := m.materializeConstantExpression(node.Input[ii], convertedOutputs)
	if err != nil {
		panic(errors.WithMessagef(err, "while converting node %s: input #%d must be static", nodeToString(node), ii))
	}
	return t
}

// staticIntsInput is like staticInput, but converts the value to a slice of ints.
func (m *Model) staticIntsInput(node *protos.NodeProto, ii int, convertedOutputs map[string]*Node) []int {
	t := m.staticInput(node, ii, convertedOutputs)
	if t == nil {
		return nil
	}
	return tensorToInts(t)
}

// staticFloatInput is like staticInput, but returns a scalar float value, or defaultValue if the input
// was not given.
func (m *Model) staticFloatInput(node *protos.NodeProto, ii int, convertedOutputs map[string]*Node, defaultValue float32) float32 {
	t := m.staticInput(node, ii, convertedOutputs)
	if t == nil {
		return defaultValue
	}
	values := tensorToFloat32s(t)
	if len(values) != 1 {
		exceptions.Panicf("input #%d of node %s must be a scalar, got shape %s", ii, nodeToString(node), t.Shape())
	}
	return values[0]
}

// Run executes the ONNX graph as is (see CallGraph) on the given inputs, one per Model.InputsNames in
// the same order, and returns the model outputs.
//
// It compiles the graph on every call, and it's meant for validation and debugging.
func (m *Model) Run(inputs ...*tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	if len(m.InputsNames) == 0 {
		return nil, errors.Errorf("ONNX model %q has no inputs", m.name)
	}
	if len(inputs) != len(m.InputsNames) {
		return nil, errors.Errorf("ONNX model %q takes %d inputs %q, %d given", m.name, len(m.InputsNames), m.InputsNames, len(inputs))
	}
	backend, err := m.getBackend()
	if err != nil {
		return nil, err
	}
	args := sliceMap(inputs, func(t *tensors.Tensor) any { return t })
	err = exceptions.TryCatch[error](func() {
		exec := MustNewExec(backend, func(nodes []*Node) []*Node {
			named := make(map[string]*Node, len(nodes))
			for ii, name := range m.InputsNames {
				named[name] = nodes[ii]
			}
			return m.CallGraph(nodes[0].Graph(), named)
		})
		outputs = exec.MustExec(args...)
		for _, output := range outputs {
			output.ToLocal()
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while running ONNX model %q", m.name)
	}
	return outputs, nil
}
