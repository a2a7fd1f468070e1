//go:build integration

package onnx

import (
	"context"
	"os"
	"testing"

	"github.com/example/go-deepvoice/internal/audio"
	"github.com/example/go-deepvoice/internal/config"
	"github.com/example/go-deepvoice/internal/model"
	"github.com/example/go-deepvoice/internal/tensor"
)

// TestGeneratorIntegration runs an exported generate graph named by
// DEEPVOICE_ONNX_MANIFEST.
func TestGeneratorIntegration(t *testing.T) {
	manifest := os.Getenv("DEEPVOICE_ONNX_MANIFEST")
	if manifest == "" {
		t.Skip("DEEPVOICE_ONNX_MANIFEST not set")
	}

	if _, err := DetectRuntime(config.RuntimeConfig{}); err != nil {
		t.Skipf("ONNX Runtime library not detected: %v", err)
	}

	exp, err := OpenExport(config.RuntimeConfig{ONNXManifest: manifest}, audio.Params{MinLevelDB: -100, RefLevelDB: 20, Power: 1.4, Preemphasis: 0.97})
	if err != nil {
		t.Fatalf("OpenExport: %v", err)
	}
	defer exp.Close()

	gen := exp.Generator
	tokens, _ := tensor.New([]int64{41, 42, 43, 1}, []int64{1, 4})
	out, err := gen.Generate(context.Background(), tokens, model.TextPositions(4), 50)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if out.Mel.Dim(0) != 1 || out.Linear.Dim(0) != 1 {
		t.Fatalf("unexpected output shapes: mel %v linear %v", out.Mel.Shape(), out.Linear.Shape())
	}
}
