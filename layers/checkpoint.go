package layers

import (
	"encoding/json"
	"os"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FormatVersion identifies the file format written by Save.
const FormatVersion = "onnx2layers.model.v1"

// savedWeight is the serialized form of a parameter: all weights are stored as float32.
type savedWeight struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

type savedLayer struct {
	Class       Class         `json:"class"`
	Name        string        `json:"name"`
	Inbound     []string      `json:"inbound,omitempty"`
	Config      Config        `json:"config"`
	OutputShape []int         `json:"output_shape"`
	Weights     []savedWeight `json:"weights,omitempty"`
}

type savedModel struct {
	Format  string       `json:"format"`
	Name    string       `json:"name"`
	Inputs  []string     `json:"inputs"`
	Outputs []string     `json:"outputs"`
	Layers  []savedLayer `json:"layers"`
}

// Save writes the model (structure and weights) to a single file.
func (m *Model) Save(path string) error {
	saved := savedModel{
		Format:  FormatVersion,
		Name:    m.name,
		Inputs:  m.inputs,
		Outputs: m.outputs,
		Layers:  make([]savedLayer, len(m.layers)),
	}
	for ii, l := range m.layers {
		sl := savedLayer{
			Class:       l.Class,
			Name:        l.Name,
			Inbound:     l.Inbound,
			Config:      l.Config,
			OutputShape: l.OutputShape,
		}
		for _, p := range l.Params {
			if p.Value == nil {
				return errors.Errorf("parameter %q of layer %q has no value", p.Name, l.Name)
			}
			data := tensors.CopyFlatData[float32](p.Value)
			sl.Weights = append(sl.Weights, savedWeight{Name: p.Name, Shape: p.Shape, Data: data})
		}
		saved.Layers[ii] = sl
	}
	contents, err := json.Marshal(&saved)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize model %q", m.name)
	}
	if err = os.WriteFile(path, contents, 0o644); err != nil {
		return errors.Wrapf(err, "failed to save model %q to %s", m.name, path)
	}
	klog.V(1).Infof("saved model %q (%d layers, %d params) to %s", m.name, len(m.layers), m.CountParams(), path)
	return nil
}

// Load reads a model saved with Model.Save.
//
// The model is rebuilt layer by layer, so shapes and weights are validated again.
func Load(path string) (*Model, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model file %s", path)
	}
	var saved savedModel
	if err = json.Unmarshal(contents, &saved); err != nil {
		return nil, errors.Wrapf(err, "failed to parse model file %s", path)
	}
	if saved.Format != FormatVersion {
		return nil, errors.Errorf("model file %s has format %q, expected %q", path, saved.Format, FormatVersion)
	}

	b := NewBuilder(saved.Name)
	outputs := make(map[string]*Tensor, len(saved.Layers))
	for _, sl := range saved.Layers {
		inputs := make([]*Tensor, len(sl.Inbound))
		for ii, name := range sl.Inbound {
			inputs[ii] = outputs[name]
			if inputs[ii] == nil {
				return nil, errors.Errorf("model file %s: layer %q refers to unknown input layer %q", path, sl.Name, name)
			}
		}
		output, err := b.Add(New(sl.Class, sl.Name, sl.Config), inputs...)
		if err != nil {
			return nil, errors.WithMessagef(err, "model file %s", path)
		}
		l := output.Layer()
		if l.Name != sl.Name {
			return nil, errors.Errorf("model file %s: duplicate layer name %q", path, sl.Name)
		}
		for _, w := range sl.Weights {
			if err = l.SetWeight(w.Name, tensors.FromFlatDataAndDimensions(w.Data, w.Shape...)); err != nil {
				return nil, errors.WithMessagef(err, "model file %s", path)
			}
		}
		outputs[sl.Name] = output
	}
	modelOutputs := make([]*Tensor, len(saved.Outputs))
	for ii, name := range saved.Outputs {
		modelOutputs[ii] = outputs[name]
		if modelOutputs[ii] == nil {
			return nil, errors.Errorf("model file %s: unknown output layer %q", path, name)
		}
	}
	m, err := b.Build(modelOutputs...)
	if err != nil {
		return nil, errors.WithMessagef(err, "model file %s", path)
	}
	return m, nil
}
