// onnx2layers converts an ONNX model (channels-first) to a channels-last layer model, saved as JSON.
//
// Usage:
//
//	onnx2layers [flags] model.onnx
//	onnx2layers -hf=<repo_id> -hf_file=model.onnx [flags]
//
// With -validate the converted model is compared with the ONNX graph executed as is, and with -ort
// (and ORT_SO_PATH set) with ONNXRuntime.
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chewxy/math32"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnx2layers/internal/crosscheck"
	"github.com/gomlx/onnx2layers/layers"
	"github.com/gomlx/onnx2layers/onnx"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagOutput    = flag.String("o", "", "Output file for the layer model. Defaults to the input file with the extension .layers.json.")
	flagName      = flag.String("name", "", "Name of the converted model. Defaults to the ONNX graph name.")
	flagMulti     = flag.Bool("multi", false, "Allow models with multiple outputs.")
	flagSummary   = flag.Bool("summary", true, "Print a summary of the converted model.")
	flagValidate  = flag.Bool("validate", false, "Compare the converted model with the ONNX graph on random inputs.")
	flagORT       = flag.Bool("ort", false, "Compare the converted model with ONNXRuntime on random inputs. Requires ORT_SO_PATH.")
	flagTolerance = flag.Float64("tolerance", 1e-4, "Maximum absolute difference accepted by -validate and -ort.")
	flagHFRepo    = flag.String("hf", "", "HuggingFace repository to download the ONNX model from, instead of a local file.")
	flagHFFile    = flag.String("hf_file", "model.onnx", "ONNX file in the HuggingFace repository given by -hf.")
)

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <model.onnx>\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	path := flag.Arg(0)
	if *flagHFRepo != "" {
		path = must.M1(crosscheck.DownloadModel(*flagHFRepo, *flagHFFile))
	}
	if path == "" {
		flag.Usage()
		os.Exit(1)
	}
	if err := run(path); err != nil {
		klog.Errorf("Failed: %+v", err)
		os.Exit(1)
	}
}

func run(path string) error {
	model, err := onnx.ReadFile(path)
	if err != nil {
		return err
	}
	if unsupported := model.UnsupportedOps(); len(unsupported) > 0 {
		return errors.Errorf("model %s uses operators without conversion: %s", path, strings.Join(unsupported, ", "))
	}
	var options []onnx.ConvertOption
	if *flagName != "" {
		options = append(options, onnx.WithName(*flagName))
	}
	if *flagMulti {
		options = append(options, onnx.WithMultipleOutputs())
	}
	converted, err := model.Convert(options...)
	if err != nil {
		return err
	}
	if *flagSummary {
		fmt.Println(converted.Summary())
	}

	output := *flagOutput
	if output == "" {
		output = strings.TrimSuffix(path, filepath.Ext(path)) + ".layers.json"
	}
	if err = converted.Save(output); err != nil {
		return err
	}
	fmt.Printf("Saved %q (%d layers, %d parameters) to %s\n",
		converted.Name(), len(converted.Layers()), converted.CountParams(), output)

	if !*flagValidate && !*flagORT {
		return nil
	}
	inputs := randomInputs(model)
	got, err := converted.Predict(sliceMap(inputs, toChannelsLast)...)
	if err != nil {
		return err
	}
	got = sliceMap(got, toChannelsFirst)
	if *flagValidate {
		want, err := model.Run(inputs...)
		if err != nil {
			return errors.WithMessage(err, "while running the ONNX graph")
		}
		if err = compare("ONNX graph", converted, want, got); err != nil {
			return err
		}
	}
	if *flagORT {
		if err = compareORT(path, model, converted, inputs, got); err != nil {
			return err
		}
	}
	return nil
}

// randomInputs returns random values in [0, 1) for the model inputs, with a batch of 1 for dynamic batch axes.
func randomInputs(model *onnx.Model) []*tensors.Tensor {
	rng := rand.New(rand.NewPCG(42, 0))
	names, dshapes := model.Inputs()
	inputs := make([]*tensors.Tensor, len(names))
	for ii, dshape := range dshapes {
		dims := sliceMap(dshape.Dimensions, func(dim int) int { return max(dim, 1) })
		size := 1
		for _, dim := range dims {
			size *= dim
		}
		values := make([]float32, size)
		for jj := range values {
			values[jj] = rng.Float32()
		}
		inputs[ii] = tensors.FromFlatDataAndDimensions(values, dims...)
	}
	return inputs
}

// compare checks that the converted model outputs (already transposed to channels-first) match want.
func compare(reference string, converted *layers.Model, want, got []*tensors.Tensor) error {
	if len(want) != len(got) {
		return errors.Errorf("%s has %d outputs, the converted model %d", reference, len(want), len(got))
	}
	outputNames := converted.Outputs()
	tolerance := float32(*flagTolerance)
	for ii := range want {
		if !want[ii].Shape().Equal(got[ii].Shape()) {
			return errors.Errorf("output %q: %s has shape %s, the converted model %s",
				outputNames[ii], reference, want[ii].Shape(), got[ii].Shape())
		}
		wantValues := tensors.CopyFlatData[float32](want[ii])
		gotValues := tensors.CopyFlatData[float32](got[ii])
		var maxDiff float32
		for jj, value := range wantValues {
			maxDiff = math32.Max(maxDiff, math32.Abs(value-gotValues[jj]))
		}
		fmt.Printf("Output %q: max difference to %s is %g\n", outputNames[ii], reference, maxDiff)
		if maxDiff > tolerance {
			return errors.Errorf("output %q differs from %s by %g, more than the tolerance %g",
				outputNames[ii], reference, maxDiff, tolerance)
		}
	}
	return nil
}

// compareORT runs the ONNX file with ONNXRuntime and compares its first output with the converted model.
func compareORT(path string, model *onnx.Model, converted *layers.Model, inputs, got []*tensors.Tensor) error {
	ok, err := crosscheck.InitializeORT()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("-ort requires ORT_SO_PATH to be set to the ONNXRuntime shared library")
	}
	inputNames, _ := model.Inputs()
	outputNames, _ := model.Outputs()
	if len(inputNames) != 1 {
		return errors.Errorf("-ort only supports models with one input, got %q", inputNames)
	}
	session, err := crosscheck.NewORTSession(path, inputNames[0], outputNames[0],
		inputs[0].Shape().Dimensions, got[0].Shape().Dimensions)
	if err != nil {
		return err
	}
	defer session.Destroy()
	want, err := session.Run(tensors.CopyFlatData[float32](inputs[0]))
	if err != nil {
		return err
	}
	return compare("ONNXRuntime", converted, []*tensors.Tensor{want}, got[:1])
}

func toChannelsLast(t *tensors.Tensor) *tensors.Tensor {
	if t.Rank() != 4 {
		return t
	}
	return transpose(t, 0, 2, 3, 1)
}

func toChannelsFirst(t *tensors.Tensor) *tensors.Tensor {
	if t.Rank() != 4 {
		return t
	}
	return transpose(t, 0, 3, 1, 2)
}

// backendForTransposes is used to convert inputs and outputs between layouts.
var backendForTransposes = sync.OnceValues(func() (backends.Backend, error) {
	return simplego.New("")
})

// transpose returns a local tensor, so it can be given to the models, which run on their own backends.
func transpose(t *tensors.Tensor, perm ...int) *tensors.Tensor {
	backend := must.M1(backendForTransposes())
	transposed := graph.MustExecOnce(backend, func(x *graph.Node) *graph.Node {
		return graph.TransposeAllAxes(x, perm...)
	}, t)
	transposed.ToLocal()
	return transposed
}

func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}
