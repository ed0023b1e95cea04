// Package crosscheck runs ONNX models on ONNXRuntime and downloads them from the HuggingFace Hub, to
// validate converted models against an independent implementation.
package crosscheck

import (
	"os"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"
)

// DownloadModel downloads an ONNX file from a HuggingFace repository, using the token in HF_TOKEN
// if set, and returns the local path.
func DownloadModel(repoID, fileName string) (string, error) {
	repo := hub.New(repoID).WithAuth(os.Getenv("HF_TOKEN"))
	path, err := repo.DownloadFile(fileName)
	if err != nil {
		return "", errors.WithMessagef(err, "failed to download %q from HuggingFace repository %q", fileName, repoID)
	}
	return path, nil
}

var (
	ortOnce sync.Once
	ortErr  error
)

// InitializeORT initializes the ONNXRuntime environment, using the library pointed by ORT_SO_PATH.
// It returns false if ORT_SO_PATH is not set.
func InitializeORT() (bool, error) {
	ortPath := os.Getenv("ORT_SO_PATH")
	if ortPath == "" {
		return false, nil
	}
	ortOnce.Do(func() {
		ort.SetSharedLibraryPath(ortPath)
		ortErr = ort.InitializeEnvironment()
		if ortErr != nil {
			ortErr = errors.Wrapf(ortErr, "failed to initialize ONNXRuntime from %s", ortPath)
			return
		}
		klog.V(1).Infof("ONNXRuntime initialized from %s", ortPath)
	})
	return ortErr == nil, ortErr
}

// ORTSession runs an ONNX model with one float32 input and one float32 output on ONNXRuntime.
type ORTSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewORTSession creates a session for the model file with fixed input and output shapes.
func NewORTSession(path, inputName, outputName string, inputDims, outputDims []int) (*ORTSession, error) {
	toShape := func(dims []int) ort.Shape {
		dims64 := make([]int64, len(dims))
		for ii, dim := range dims {
			dims64[ii] = int64(dim)
		}
		return ort.NewShape(dims64...)
	}
	s := &ORTSession{}
	var err error
	s.input, err = ort.NewEmptyTensor[float32](toShape(inputDims))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ONNXRuntime input tensor")
	}
	s.output, err = ort.NewEmptyTensor[float32](toShape(outputDims))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create ONNXRuntime output tensor")
	}
	s.session, err = ort.NewAdvancedSession(path, []string{inputName}, []string{outputName},
		[]ort.Value{s.input}, []ort.Value{s.output}, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create ONNXRuntime session for %s", path)
	}
	return s, nil
}

// Run executes the model with the given input values, and returns a tensor with a copy of the output.
func (s *ORTSession) Run(input []float32) (*tensors.Tensor, error) {
	data := s.input.GetData()
	if len(input) != len(data) {
		exceptions.Panicf("ORTSession.Run: input has %d values, the model expects %d", len(input), len(data))
	}
	copy(data, input)
	if err := s.session.Run(); err != nil {
		return nil, errors.Wrap(err, "ONNXRuntime failed")
	}
	shape := s.output.GetShape()
	dims := make([]int, len(shape))
	for ii, dim := range shape {
		dims[ii] = int(dim)
	}
	output := make([]float32, len(s.output.GetData()))
	copy(output, s.output.GetData())
	return tensors.FromFlatDataAndDimensions(output, dims...), nil
}

// Destroy releases the ONNXRuntime resources.
func (s *ORTSession) Destroy() {
	_ = s.session.Destroy()
	_ = s.input.Destroy()
	_ = s.output.Destroy()
}
