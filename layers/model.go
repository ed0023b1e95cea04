package layers

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Model is a built layer model. Its structure is immutable.
//
// Inputs and outputs are in channels-last (NHWC) layout.
type Model struct {
	name            string
	layers          []*Layer
	byName          map[string]*Layer
	inputs, outputs []string

	mu      sync.Mutex
	backend backends.Backend
	exec    *Exec
}

func newModel(name string, layers []*Layer, inputs, outputs []string) *Model {
	m := &Model{
		name:    name,
		layers:  slices.Clone(layers),
		byName:  make(map[string]*Layer, len(layers)),
		inputs:  slices.Clone(inputs),
		outputs: slices.Clone(outputs),
	}
	for _, l := range layers {
		m.byName[l.Name] = l
	}
	return m
}

// Name of the model.
func (m *Model) Name() string { return m.name }

// Layers returns the ordered list of layers. The first is always an InputLayer.
func (m *Model) Layers() []*Layer { return slices.Clone(m.layers) }

// Layer returns the layer with the given name, or nil if not found.
func (m *Model) Layer(name string) *Layer { return m.byName[name] }

// LayerClasses returns the class name of each layer, in order.
func (m *Model) LayerClasses() []string {
	classes := make([]string, len(m.layers))
	for ii, l := range m.layers {
		classes[ii] = l.Class.String()
	}
	return classes
}

// Inputs returns the names of the input layers.
func (m *Model) Inputs() []string { return slices.Clone(m.inputs) }

// Outputs returns the names of the output layers.
func (m *Model) Outputs() []string { return slices.Clone(m.outputs) }

// OutputShapes returns the shapes of the outputs, including the batch axis.
func (m *Model) OutputShapes() [][]int {
	shapes := make([][]int, len(m.outputs))
	for ii, name := range m.outputs {
		shapes[ii] = slices.Clone(m.byName[name].OutputShape)
	}
	return shapes
}

// CountParams returns the total number of scalar parameters.
func (m *Model) CountParams() int {
	var count int
	for _, l := range m.layers {
		count += l.NumParams()
	}
	return count
}

// WithBackend sets the backend used by Predict. If not set, a SimpleGo backend is created on first use.
func (m *Model) WithBackend(backend backends.Backend) *Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backend = backend
	m.exec = nil
	return m
}

// CallGraph builds the model computation for the given inputs (one per model input, in NHWC layout)
// and returns the outputs.
//
// As in GoMLX graph building functions, it panics (throws exceptions) in case of errors.
func (m *Model) CallGraph(inputs []*Node) []*Node {
	if len(inputs) != len(m.inputs) {
		exceptions.Panicf("model %q takes %d inputs, %d given", m.name, len(m.inputs), len(inputs))
	}
	values := make(map[string]*Node, len(m.layers))
	for ii, name := range m.inputs {
		x := inputs[ii]
		want := m.byName[name].OutputShape
		got := x.Shape().Dimensions
		if !sameShape(want, got) {
			exceptions.Panicf("model %q input #%d (%q) should be shaped %v, got %v", m.name, ii, name, want, got)
		}
		if x.DType() != dtypes.Float32 {
			x = ConvertDType(x, dtypes.Float32)
		}
		values[name] = x
	}
	for _, l := range m.layers {
		if l.Class == ClassInput {
			continue
		}
		layerInputs := make([]*Node, len(l.Inbound))
		for ii, name := range l.Inbound {
			layerInputs[ii] = values[name]
		}
		values[l.Name] = l.call(layerInputs)
	}
	outputs := make([]*Node, len(m.outputs))
	for ii, name := range m.outputs {
		outputs[ii] = values[name]
	}
	return outputs
}

// Predict runs the model on the given inputs (NHWC, one per model input) and returns its outputs.
//
// Inputs must be local or on the model's backend (see WithBackend). The outputs are local.
func (m *Model) Predict(inputs ...*tensors.Tensor) (outputs []*tensors.Tensor, err error) {
	exec, err := m.getExec()
	if err != nil {
		return nil, err
	}
	args := make([]any, len(inputs))
	for ii, input := range inputs {
		args[ii] = input
	}
	err = exceptions.TryCatch[error](func() {
		outputs = exec.MustExec(args...)
		for _, output := range outputs {
			output.ToLocal()
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "while predicting with model %q", m.name)
	}
	return outputs, nil
}

// getExec returns the cached executor, creating it (and the default backend) on first use.
func (m *Model) getExec() (*Exec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.exec != nil {
		return m.exec, nil
	}
	if m.backend == nil {
		backend, err := simplego.New("")
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to create backend for model %q", m.name)
		}
		m.backend = backend
	}
	err := exceptions.TryCatch[error](func() {
		m.exec = MustNewExec(m.backend, m.CallGraph)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create executor for model %q", m.name)
	}
	return m.exec, nil
}

// Summary returns a table with the layers of the model, their output shapes and number of parameters.
func (m *Model) Summary() string {
	var sb strings.Builder
	row := func(cols ...string) {
		fmt.Fprintf(&sb, "%-32s %-24s %-22s %10s  %s\n", cols[0], cols[1], cols[2], cols[3], cols[4])
	}
	fmt.Fprintf(&sb, "Model: %q\n", m.name)
	row("Layer", "Class", "Output Shape", "Params", "Connected to")
	sb.WriteString(strings.Repeat("=", 110) + "\n")
	for _, l := range m.layers {
		row(l.Name, l.Class.String(), fmt.Sprint(l.OutputShape), fmt.Sprint(l.NumParams()), strings.Join(l.Inbound, ", "))
	}
	sb.WriteString(strings.Repeat("=", 110) + "\n")
	fmt.Fprintf(&sb, "Total params: %d\n", m.CountParams())
	return sb.String()
}
