package onnx

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/onnx2layers/internal/protos"
	"github.com/gomlx/onnx2layers/layers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// convertConfig holds the options of Model.Convert.
type convertConfig struct {
	name            string
	multipleOutputs bool
	backend         backends.Backend
}

// ConvertOption configures Model.Convert.
type ConvertOption func(c *convertConfig)

// WithName sets the name of the converted model. It defaults to the ONNX graph name.
func WithName(name string) ConvertOption {
	return func(c *convertConfig) { c.name = name }
}

// WithMultipleOutputs allows the conversion of graphs with more than one output.
// Without it, converting such a graph fails with a GraphStructureError.
func WithMultipleOutputs() ConvertOption {
	return func(c *convertConfig) { c.multipleOutputs = true }
}

// WithBackend sets the backend used to transform the weights during the conversion, and by the
// converted model's Predict. It defaults to the one set with Model.WithBackend, or a SimpleGo backend.
func WithBackend(backend backends.Backend) ConvertOption {
	return func(c *convertConfig) { c.backend = backend }
}

// Convert translates the ONNX graph to a layers.Model in channels-last layout, with all its weights bound.
//
// 4D inputs of the ONNX graph (NCHW) become NHWC inputs of the layer model, and 4D outputs are also
// returned in NHWC layout.
//
// Errors are one of *UnsupportedOperatorError, *InvalidAttributeError, *GraphStructureError or
// *WeightShapeMismatchError (possibly with added context, use errors.As to check).
func (m *Model) Convert(options ...ConvertOption) (model *layers.Model, err error) {
	cfg := &convertConfig{name: m.name, backend: m.backend}
	for _, option := range options {
		option(cfg)
	}
	if cfg.name == "" {
		cfg.name = "model"
	}
	if len(m.OutputsNames) == 0 {
		return nil, graphErrorf("graph has no outputs")
	}
	if len(m.OutputsNames) > 1 && !cfg.multipleOutputs {
		return nil, graphErrorf("graph has %d outputs %s, use WithMultipleOutputs() to convert it",
			len(m.OutputsNames), joinNames(m.OutputsNames))
	}
	order, err := m.topologicalOrder()
	if err != nil {
		return nil, err
	}
	if cfg.backend == nil {
		cfg.backend, err = m.getBackend()
		if err != nil {
			return nil, err
		}
	}

	a := newAssembler(m, cfg)
	err = exceptions.TryCatch[error](func() { model = a.run(order) })
	if err != nil {
		return nil, err
	}
	model.WithBackend(cfg.backend)
	klog.V(1).Infof("converted ONNX model %q: %d nodes -> %d layers, %d parameters",
		m.name, len(order), len(model.Layers()), model.CountParams())
	return model, nil
}

// topologicalOrder returns the nodes of the graph in an order where every node comes after the nodes
// producing its inputs. Among the nodes ready at any point, the one first in the ONNX graph is picked,
// so already sorted graphs keep their order.
//
// It returns a *GraphStructureError if an input refers to an unknown value or if the graph has a cycle.
func (m *Model) topologicalOrder() ([]*protos.NodeProto, error) {
	nodes := m.Proto.Graph.Node
	available := sets.Make[string]()
	for _, name := range m.InputsNames {
		available.Insert(name)
	}
	for name := range m.variableNameToValue {
		available.Insert(name)
	}
	producer := make(map[string]int, len(m.nodeOutputToNode))
	for idx, node := range nodes {
		for _, output := range node.Output {
			if output != "" {
				producer[output] = idx
			}
		}
	}

	// Count pending dependencies of each node, and the consumers of each node.
	pending := make([]int, len(nodes))
	consumers := make([][]int, len(nodes))
	for idx, node := range nodes {
		for _, input := range node.Input {
			if input == "" || available.Has(input) {
				continue
			}
			producerIdx, found := producer[input]
			if !found {
				return nil, graphErrorf("input %q of node %s is not produced by any node, nor is it a graph input or initializer",
					input, nodeToString(node))
			}
			pending[idx]++
			consumers[producerIdx] = append(consumers[producerIdx], idx)
		}
	}

	// Kahn's algorithm, with the ready set kept sorted by node index.
	var ready []int
	for idx := range nodes {
		if pending[idx] == 0 {
			ready = append(ready, idx)
		}
	}
	order := make([]*protos.NodeProto, 0, len(nodes))
	for len(ready) > 0 {
		idx := ready[0]
		ready = ready[1:]
		order = append(order, nodes[idx])
		for _, consumerIdx := range consumers[idx] {
			pending[consumerIdx]--
			if pending[consumerIdx] == 0 {
				pos, _ := slices.BinarySearch(ready, consumerIdx)
				ready = slices.Insert(ready, pos, consumerIdx)
			}
		}
	}
	if len(order) != len(nodes) {
		var cyclic []string
		for idx, node := range nodes {
			if pending[idx] > 0 {
				cyclic = append(cyclic, nodeName(node))
			}
		}
		return nil, graphErrorf("graph has a cycle involving nodes %s", joinNames(cyclic))
	}

	// Graph outputs must be produced by someone.
	for _, output := range m.OutputsNames {
		if _, found := producer[output]; !found && !available.Has(output) {
			return nil, graphErrorf("graph output %q is not produced by any node", output)
		}
	}
	return order, nil
}

// handleTable maps ONNX value names to their handles. It is persistent: with returns a new table
// and leaves the receiver untouched.
type handleTable struct {
	parent  *handleTable
	entries map[string]*tensorHandle
	depth   int
}

// maxHandleTableDepth bounds the chain of tables, after which entries are merged in a new root table.
const maxHandleTableDepth = 32

// get returns the handle for name, or nil if it is not defined.
func (t *handleTable) get(name string) *tensorHandle {
	for ; t != nil; t = t.parent {
		if h, found := t.entries[name]; found {
			return h
		}
	}
	return nil
}

// with returns a table with the given handles added to the ones of t.
func (t *handleTable) with(handles map[string]*tensorHandle) *handleTable {
	if t == nil {
		return &handleTable{entries: maps.Clone(handles)}
	}
	if t.depth < maxHandleTableDepth {
		return &handleTable{parent: t, entries: maps.Clone(handles), depth: t.depth + 1}
	}
	merged := make(map[string]*tensorHandle)
	var chain []*handleTable
	for table := t; table != nil; table = table.parent {
		chain = append(chain, table)
	}
	for _, table := range slices.Backward(chain) {
		maps.Copy(merged, table.entries)
	}
	maps.Copy(merged, handles)
	return &handleTable{entries: merged}
}

// assembler holds the state of one conversion.
type assembler struct {
	model   *Model
	cfg     *convertConfig
	builder *layers.Builder
	binder  *weightBinder
	handles *handleTable

	// constants caches the initializers converted to tensors.
	constants    map[string]*tensors.Tensor
	permuteCache map[permuteKey]*tensorHandle

	// node being converted.
	node *protos.NodeProto
}

func newAssembler(m *Model, cfg *convertConfig) *assembler {
	a := &assembler{
		model:        m,
		cfg:          cfg,
		builder:      layers.NewBuilder(cfg.name),
		constants:    make(map[string]*tensors.Tensor),
		permuteCache: make(map[permuteKey]*tensorHandle),
	}
	a.binder = newWeightBinder(cfg.backend)
	return a
}

// run converts the nodes in the given order. It panics on errors.
func (a *assembler) run(order []*protos.NodeProto) *layers.Model {
	a.handles = a.handles.with(a.createInputs())
	for _, node := range order {
		a.convertNode(node)
	}
	a.node = nil

	outputs := make([]*layers.Tensor, len(a.model.OutputsNames))
	for ii, name := range a.model.OutputsNames {
		h := a.handles.get(name)
		if h == nil {
			h = a.resolve(name)
		}
		if h.isConstant() {
			panic(graphErrorf("graph output %q is a constant, it can't be the output of a layer model", name))
		}
		if h.rank() == 4 {
			h = a.adapt(h, LayoutChannelsLast)
		}
		outputs[ii] = h.tensor
	}
	model, err := a.builder.Build(outputs...)
	if err != nil {
		panic(errors.WithMessagef(err, "while building layer model %q", a.cfg.name))
	}
	for name := range a.model.variableNameToValue {
		if !a.binder.consumed.Has(name) {
			klog.Warningf("initializer %q is not used by the converted model", name)
		}
	}
	return model
}

// createInputs creates the input layers for the graph inputs: 4D inputs are created in channels-last layout.
func (a *assembler) createInputs() map[string]*tensorHandle {
	handles := make(map[string]*tensorHandle, len(a.model.InputsNames))
	for ii, name := range a.model.InputsNames {
		shape, err := a.model.InputsShapes[ii].layerDims(name)
		if err != nil {
			panic(err)
		}
		layout := layoutForRank(len(shape))
		if len(shape) == 4 {
			layout = LayoutChannelsLast
			shape = applyPermutation(shape, channelsFirstToLastPerm(4))
		}
		input, err := a.builder.Input(a.layerName(name), shape)
		if err != nil {
			panic(errors.WithMessagef(err, "while creating input %q", name))
		}
		handles[name] = &tensorHandle{name: name, tensor: input, layout: layout}
	}
	return handles
}

// convertNode converts one node, adding its outputs to the handle table.
func (a *assembler) convertNode(node *protos.NodeProto) {
	a.node = node
	klog.V(1).Infof("converting %s", nodeToString(node))
	rule, found := mappingRules[node.OpType]
	if !found || (node.Domain != "" && node.Domain != "ai.onnx") {
		panic(&UnsupportedOperatorError{OpType: node.OpType, Node: nodeName(node)})
	}

	inputs := make([]*tensorHandle, len(node.Input))
	for ii, name := range node.Input {
		if name != "" {
			inputs[ii] = a.resolve(name)
		}
	}
	var outputs []*tensorHandle
	err := exceptions.TryCatch[error](func() { outputs = rule(a, node, inputs) })
	if err != nil {
		panic(errors.WithMessagef(err, "while converting node %s", nodeToString(node)))
	}

	produced := make(map[string]*tensorHandle, len(outputs))
	for ii, h := range outputs {
		if ii >= len(node.Output) || node.Output[ii] == "" {
			continue
		}
		produced[node.Output[ii]] = h
	}
	a.handles = a.handles.with(produced)
}

// resolve returns the handle of an input value: either an already converted value, or an initializer.
func (a *assembler) resolve(name string) *tensorHandle {
	if h := a.handles.get(name); h != nil {
		return h
	}
	if _, found := a.model.variableNameToValue[name]; found {
		return &tensorHandle{name: name, constant: a.initializer(name), layout: LayoutFlat}
	}
	consumer := "the graph outputs"
	if a.node != nil {
		consumer = "node " + nodeName(a.node)
	}
	producer := a.model.nodeOutputToNode[name]
	if producer == nil {
		panic(graphErrorf("value %q used by %s is not defined", name, consumer))
	}
	panic(&UnsupportedOperatorError{OpType: producer.OpType, Node: nodeName(producer),
		Reason: fmt.Sprintf("output %q (used by %s) is not supported", name, consumer)})
}

// initializer returns the value of the named initializer, converting it on first use.
func (a *assembler) initializer(name string) *tensors.Tensor {
	if t, found := a.constants[name]; found {
		return t
	}
	t, err := tensorFromProto(a.cfg.backend, a.model.variableNameToValue[name])
	if err != nil {
		panic(errors.WithMessagef(err, "while reading initializer %q", name))
	}
	a.constants[name] = t
	return t
}

// layerNameSanitizer matches characters not allowed in layer names.
var layerNameSanitizer = regexp.MustCompile(`[^A-Za-z0-9_.\-]+`)

// layerName converts an ONNX name to a layer name. Uniqueness is handled by the layers.Builder.
func (a *assembler) layerName(name string) string {
	name = strings.Trim(layerNameSanitizer.ReplaceAllString(name, "_"), "_")
	if name == "" {
		name = "layer"
	}
	return name
}

// addLayer adds a layer taking the given handles as input, and returns its output.
func (a *assembler) addLayer(class layers.Class, name string, config layers.Config, inputs ...*tensorHandle) *layers.Tensor {
	inputTensors := make([]*layers.Tensor, len(inputs))
	for ii, h := range inputs {
		if h.isConstant() {
			panic(&UnsupportedOperatorError{OpType: a.node.OpType, Node: nodeName(a.node),
				Reason: fmt.Sprintf("input %q is a constant, which can't be an input to a %s layer", h.name, class)})
		}
		inputTensors[ii] = h.tensor
	}
	output, err := a.builder.Add(layers.New(class, name, config), inputTensors...)
	if err != nil {
		panic(&UnsupportedOperatorError{OpType: a.node.OpType, Node: nodeName(a.node), Reason: err.Error()})
	}
	return output
}

// emit adds a layer for the current node and returns the handle for its output in the given layout.
func (a *assembler) emit(class layers.Class, config layers.Config, layout Layout, inputs ...*tensorHandle) *tensorHandle {
	output := a.addLayer(class, a.layerName(nodeName(a.node)), config, inputs...)
	return &tensorHandle{name: a.node.GetOutput()[0], tensor: output, layout: layout}
}

// constantInput returns the static value of the input ii of the current node, or nil if the input is not given.
// It panics with an UnsupportedOperatorError if the input is not static.
func (a *assembler) constantInput(inputs []*tensorHandle, ii int, what string) *tensors.Tensor {
	if ii >= len(inputs) || inputs[ii] == nil {
		return nil
	}
	h := inputs[ii]
	if !h.isConstant() {
		panic(&UnsupportedOperatorError{OpType: a.node.OpType, Node: nodeName(a.node),
			Reason: fmt.Sprintf("%s (input %q) must be an initializer or a constant", what, h.name)})
	}
	a.binder.consumed.Insert(h.name)
	return h.constant
}

// constantInts returns the static value of input ii converted to ints, or nil if not given.
func (a *assembler) constantInts(inputs []*tensorHandle, ii int, what string) []int {
	t := a.constantInput(inputs, ii, what)
	if t == nil {
		return nil
	}
	return tensorToInts(t)
}

// constantFloat returns the static scalar value of input ii, or defaultValue if not given.
func (a *assembler) constantFloat(inputs []*tensorHandle, ii int, what string, defaultValue float32) float32 {
	t := a.constantInput(inputs, ii, what)
	if t == nil {
		return defaultValue
	}
	if t.Shape().Size() != 1 {
		panic(&UnsupportedOperatorError{OpType: a.node.OpType, Node: nodeName(a.node),
			Reason: fmt.Sprintf("%s must be a scalar, got shape %s", what, t.Shape())})
	}
	return tensorToFloat32s(t)[0]
}

// requireActivation returns the input ii, which must be a computed value (not a constant).
func (a *assembler) requireActivation(inputs []*tensorHandle, ii int) *tensorHandle {
	if ii >= len(inputs) || inputs[ii] == nil {
		panic(graphErrorf("node %s is missing input #%d", nodeToString(a.node), ii))
	}
	h := inputs[ii]
	if h.isConstant() {
		panic(&UnsupportedOperatorError{OpType: a.node.OpType, Node: nodeName(a.node),
			Reason: fmt.Sprintf("input %q is a constant, only computed values are supported as input #%d", h.name, ii)})
	}
	return h
}

// unsupportedf panics with an UnsupportedOperatorError for the current node.
func (a *assembler) unsupportedf(format string, args ...any) {
	panic(&UnsupportedOperatorError{OpType: a.node.OpType, Node: nodeName(a.node), Reason: fmt.Sprintf(format, args...)})
}
