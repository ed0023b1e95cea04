package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/onnx2layers/internal/benchmarks"
	"github.com/gomlx/onnx2layers/layers"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	dir := t.TempDir()
	cfg := benchmarks.ConvNetConfig{BatchSize: 2, Channels: 3, ImageSize: 17, NumClasses: 5, Seed: 7}
	path, err := benchmarks.WriteModel(dir, benchmarks.BuildConvNet(cfg))
	require.NoError(t, err)

	*flagSummary = false
	*flagValidate = true
	*flagName = "tiny"
	defer func() { *flagValidate, *flagName = false, "" }()
	require.NoError(t, run(path))

	saved := filepath.Join(dir, "convnet.layers.json")
	_, err = os.Stat(saved)
	require.NoError(t, err)
	model, err := layers.Load(saved)
	require.NoError(t, err)
	require.Equal(t, "tiny", model.Name())
	require.Equal(t, [][]int{{2, 5}}, model.OutputShapes())
}

func TestRunMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.onnx")
	require.Error(t, run(path))
}
