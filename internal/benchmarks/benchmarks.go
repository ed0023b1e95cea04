// Package benchmarks implements support functionality for the benchmark tests of converted models, comparing
// the layer models with the ONNX reference graph and with ONNXRuntime.
package benchmarks

import (
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/xsync"
	"github.com/gomlx/onnx2layers/internal/protos"
	"github.com/gomlx/onnx2layers/onnx"
	"github.com/janpfeifer/go-benchmarks"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// requireSameTensorsFloat32 compares two tensors and fails the test if they are not within a delta margin.
func requireSameTensorsFloat32(t *testing.T, want, got *tensors.Tensor, delta float64) {
	// Make sure shapes are the same.
	require.True(t, got.Shape().Equal(want.Shape()), "want shape %s, got %s", want.Shape(), got.Shape())
	gotFlat := tensors.CopyFlatData[float32](got)
	wantFlat := tensors.CopyFlatData[float32](want)
	var mismatches int
	for flatIdx, gotValue := range gotFlat {
		wantValue := wantFlat[flatIdx]
		if math.Abs(float64(gotValue)-float64(wantValue)) > delta {
			if mismatches < 3 {
				fmt.Printf("\tflatIdx=%d has a mismatch: got %f, want %f\n", flatIdx, gotValue, wantValue)
			} else if mismatches == 4 {
				fmt.Printf("\t...\n")
			}
			mismatches++
		}
	}
	require.Zerof(t, mismatches, "found %d mismatches in tensors", mismatches)
}

// formatDuration formats the duration with 2 decimal places but keeping the unit suffix.
func formatDuration(d time.Duration) string {
	s := d.String()
	i := 0
	for ; i < len(s); i++ {
		if (s[i] < '0' || s[i] > '9') && s[i] != '.' {
			break
		}
	}
	num := s[:i]
	unit := s[i:]
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", f, unit)
}

// implParallelBenchmark runs workerFn on numWorkers goroutines, fed by inputFn, and reports the time per example.
func implParallelBenchmark[E any](
	name string,
	numWorkers, batchSize int, header bool,
	warmUpRuns int, duration time.Duration,
	inputFn func() E,
	workerFn func(workerIdx int, e E)) {
	var wg sync.WaitGroup
	done := xsync.NewLatch()

	// The producer is buffered, so the preparation of the inputs is not accounted for.
	examplesChan := make(chan E, numWorkers)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			e := inputFn()
			select {
			case <-done.WaitChan():
				return
			case examplesChan <- e:
			}
		}
	}()

	finishedCounter := make(chan struct{})
	for workerIdx := range numWorkers {
		wg.Add(1)
		go func(workerIdx int) {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			for {
				var e E
				select {
				case <-done.WaitChan():
					return
				case e = <-examplesChan:
				}
				workerFn(workerIdx, e)
				select {
				case <-done.WaitChan():
					return
				case finishedCounter <- struct{}{}:
				}
			}
		}(workerIdx)
	}

	testFn := benchmarks.NamedFunction{
		Name: name,
		Func: func() {
			<-finishedCounter
		},
	}
	benchmarks.New(testFn).
		WithWarmUps(warmUpRuns).
		WithDuration(duration).
		WithHeader(header).
		WithInnerRepeats(batchSize). // Report will be "per example".
		WithPrettyPrintFn(formatDuration).
		Done()

	done.Trigger()
	wg.Wait()
}

// ConvNetConfig configures the synthetic classifier built by BuildConvNet.
type ConvNetConfig struct {
	BatchSize, Channels, ImageSize, NumClasses int

	// Seed for the random weights.
	Seed uint64
}

// convNetBuilder accumulates the nodes and initializers of the synthetic model.
type convNetBuilder struct {
	graph *protos.GraphProto
	rng   *rand.Rand
}

func (b *convNetBuilder) weights(name string, dims ...int) string {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	values := make([]float32, size)
	scale := 1 / math.Sqrt(float64(size/dims[0]))
	for ii := range values {
		values[ii] = float32(b.rng.NormFloat64() * scale)
	}
	return b.initializer(name, tensors.FromFlatDataAndDimensions(values, dims...))
}

func (b *convNetBuilder) initializer(name string, value *tensors.Tensor) string {
	proto := must.M1(onnx.TensorToProto(name, value))
	b.graph.Initializer = append(b.graph.Initializer, proto)
	return name
}

func (b *convNetBuilder) node(opType string, inputs []string, output string, attrs ...*protos.AttributeProto) string {
	b.graph.Node = append(b.graph.Node, &protos.NodeProto{
		Name: output, OpType: opType, Input: inputs, Output: []string{output}, Attribute: attrs,
	})
	return output
}

func intsAttr(name string, values ...int64) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, Type: protos.AttributeProto_INTS, Ints: values}
}

func intAttr(name string, value int64) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, Type: protos.AttributeProto_INT, I: value}
}

func valueInfo(name string, dims ...int) *protos.ValueInfoProto {
	shape := &protos.TensorShapeProto{}
	for _, dim := range dims {
		shape.Dim = append(shape.Dim, &protos.TensorShapeProto_Dimension{DimValue: int64(dim), HasValue: true})
	}
	return &protos.ValueInfoProto{Name: name, Type: &protos.TypeProto{TensorType: &protos.TypeProto_Tensor{
		ElemType: int32(protos.TensorProto_FLOAT),
		Shape:    shape,
	}}}
}

// BuildConvNet returns a small MobileNet-like classifier as an ONNX model, with random weights.
// It has one input "image" (NCHW) and one output "probs".
//
// It exercises the common conversions: convolutions with "same" and explicit padding, depthwise
// convolutions, batch normalization, ReLU6, residual additions, max pooling and a dense classifier.
func BuildConvNet(cfg ConvNetConfig) *protos.ModelProto {
	b := &convNetBuilder{
		graph: &protos.GraphProto{Name: "convnet"},
		rng:   rand.New(rand.NewPCG(cfg.Seed, 0)),
	}
	g := b.graph
	g.Input = []*protos.ValueInfoProto{valueInfo("image", cfg.BatchSize, cfg.Channels, cfg.ImageSize, cfg.ImageSize)}
	g.Output = []*protos.ValueInfoProto{valueInfo("probs", cfg.BatchSize, cfg.NumClasses)}
	zero := b.initializer("zero", tensors.FromValue(float32(0)))
	six := b.initializer("six", tensors.FromValue(float32(6)))

	batchNorm := func(prefix, x string, channels int) string {
		variance := make([]float32, channels)
		for ii := range variance {
			variance[ii] = 0.5 + b.rng.Float32()
		}
		return b.node("BatchNormalization", []string{x,
			b.weights(prefix+"_gamma", channels), b.weights(prefix+"_beta", channels),
			b.weights(prefix+"_mean", channels), b.initializer(prefix+"_var", tensors.FromValue(variance))},
			prefix+"_bn")
	}
	relu6 := func(prefix, x string) string {
		return b.node("Clip", []string{x, zero, six}, prefix+"_relu6")
	}

	// Stem: stride 2 convolution, with pads that "same" padding can only match for odd image sizes.
	x := b.node("Conv", []string{"image", b.weights("stem_w", 16, cfg.Channels, 3, 3)}, "stem",
		intsAttr("strides", 2, 2), intsAttr("pads", 1, 1, 1, 1))
	x = relu6("stem", batchNorm("stem", x, 16))

	// Two inverted residual blocks.
	for blockIdx, channels := range []int{16, 16} {
		prefix := fmt.Sprintf("block%d", blockIdx)
		expanded := b.node("Conv", []string{x, b.weights(prefix+"_expand_w", 4*channels, channels, 1, 1),
			b.weights(prefix+"_expand_b", 4*channels)}, prefix+"_expand")
		expanded = relu6(prefix+"_expand", expanded)
		depthwise := b.node("Conv", []string{expanded, b.weights(prefix+"_dw_w", 4*channels, 1, 3, 3)}, prefix+"_dw",
			intAttr("group", int64(4*channels)), intsAttr("pads", 1, 1, 1, 1))
		depthwise = relu6(prefix+"_dw", batchNorm(prefix+"_dw", depthwise, 4*channels))
		projected := b.node("Conv", []string{depthwise, b.weights(prefix+"_project_w", channels, 4*channels, 1, 1)},
			prefix+"_project")
		projected = batchNorm(prefix+"_project", projected, channels)
		x = b.node("Add", []string{x, projected}, prefix+"_residual")
	}

	x = b.node("MaxPool", []string{x}, "pool",
		intsAttr("kernel_shape", 3, 3), intsAttr("strides", 2, 2), intsAttr("pads", 1, 1, 1, 1))
	x = b.node("GlobalAveragePool", []string{x}, "gap")
	x = b.node("Flatten", []string{x}, "flatten")
	x = b.node("Gemm", []string{x, b.weights("fc_w", cfg.NumClasses, 16), b.weights("fc_b", cfg.NumClasses)}, "logits",
		intAttr("transB", 1))
	b.node("Softmax", []string{x}, "probs", intAttr("axis", -1))

	return &protos.ModelProto{
		IrVersion:    8,
		OpsetImport:  []*protos.OperatorSetIdProto{{Version: 17}},
		ProducerName: "onnx2layers-benchmarks",
		Graph:        g,
	}
}

// WriteModel serializes the model proto to a file in dir, and returns its path.
func WriteModel(dir string, proto *protos.ModelProto) (string, error) {
	path := dir + "/" + proto.Graph.Name + ".onnx"
	if err := os.WriteFile(path, proto.Marshal(), 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write ONNX model to %s", path)
	}
	return path, nil
}
