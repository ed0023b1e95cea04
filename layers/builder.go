package layers

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Tensor is the symbolic output of a layer added to a Builder, used to wire it to other layers.
type Tensor struct {
	layer *Layer
}

// Layer that outputs this tensor.
func (t *Tensor) Layer() *Layer { return t.layer }

// Shape of the tensor, including the batch axis.
func (t *Tensor) Shape() []int { return slices.Clone(t.layer.OutputShape) }

// Rank of the tensor, including the batch axis.
func (t *Tensor) Rank() int { return len(t.layer.OutputShape) }

// Builder assembles a Model, one layer at a time, in the order they are added.
//
// It is not safe for concurrent use.
type Builder struct {
	name    string
	layers  []*Layer
	byName  map[string]*Layer
	inputs  []string
	counter map[string]int
}

// NewBuilder creates a Builder for a model with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{
		name:    name,
		byName:  make(map[string]*Layer),
		counter: make(map[string]int),
	}
}

// uniqueName returns name if not yet used, or name with a numeric suffix otherwise.
// If name is empty, a name is derived from the class.
func (b *Builder) uniqueName(name string, class Class) string {
	if name == "" {
		name = class.String()
	}
	candidate := name
	for {
		if _, found := b.byName[candidate]; !found {
			return candidate
		}
		b.counter[name]++
		candidate = fmt.Sprintf("%s_%d", name, b.counter[name])
	}
}

// Input declares a model input with the given shape (including the batch axis, which may be -1).
func (b *Builder) Input(name string, shape []int) (*Tensor, error) {
	return b.Add(New(ClassInput, name, Config{Shape: slices.Clone(shape)}))
}

// Add appends the layer to the model, connected to the given inputs.
//
// It infers the layer output shape and creates its parameters with their expected shapes: the values
// must be set (Layer.SetWeight) before calling Build.
// The layer name is made unique by appending a suffix if needed.
func (b *Builder) Add(l *Layer, inputs ...*Tensor) (*Tensor, error) {
	if l.Class == ClassInvalid {
		return nil, errors.New("cannot add a layer of invalid class")
	}
	inputShapes := make([][]int, len(inputs))
	inbound := make([]string, len(inputs))
	for ii, input := range inputs {
		if input == nil || b.byName[input.layer.Name] != input.layer {
			return nil, errors.Errorf("input #%d of layer %q (%s) doesn't belong to this model", ii, l.Name, l.Class)
		}
		inputShapes[ii] = input.layer.OutputShape
		inbound[ii] = input.layer.Name
	}
	outputShape, params, err := l.infer(inputShapes)
	if err != nil {
		return nil, errors.WithMessagef(err, "while adding layer %q (%s) with inputs %q", l.Name, l.Class, inbound)
	}
	l.Name = b.uniqueName(l.Name, l.Class)
	l.Inbound = inbound
	l.OutputShape = outputShape
	l.Params = params
	b.layers = append(b.layers, l)
	b.byName[l.Name] = l
	if l.Class == ClassInput {
		b.inputs = append(b.inputs, l.Name)
	}
	klog.V(2).Infof("layers: added %s", l)
	return &Tensor{layer: l}, nil
}

// NumLayers returns the number of layers added so far.
func (b *Builder) NumLayers() int {
	return len(b.layers)
}

// Build returns the model with the given outputs.
//
// It fails if any parameter has not been assigned a value.
// The Builder should not be used after Build.
func (b *Builder) Build(outputs ...*Tensor) (*Model, error) {
	if len(b.inputs) == 0 {
		return nil, errors.Errorf("model %q has no inputs", b.name)
	}
	if len(outputs) == 0 {
		return nil, errors.Errorf("model %q has no outputs", b.name)
	}
	if b.layers[0].Class != ClassInput {
		return nil, errors.Errorf("model %q first layer is %s, not an InputLayer", b.name, b.layers[0].Class)
	}
	for _, l := range b.layers {
		for _, p := range l.Params {
			if p.Value == nil {
				return nil, errors.Errorf("layer %q (%s) parameter %q was not set", l.Name, l.Class, p.Name)
			}
		}
	}
	outputNames := make([]string, len(outputs))
	for ii, output := range outputs {
		if output == nil || b.byName[output.layer.Name] != output.layer {
			return nil, errors.Errorf("output #%d doesn't belong to model %q", ii, b.name)
		}
		outputNames[ii] = output.layer.Name
	}
	return newModel(b.name, b.layers, b.inputs, outputNames), nil
}
