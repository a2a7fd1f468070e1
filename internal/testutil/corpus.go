package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// WriteNPY writes a rows×cols .npy file where every value is fill.
func WriteNPY(tb testing.TB, path string, rows, cols int, fill float32) {
	tb.Helper()

	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = float64(fill)
	}

	f, err := os.Create(path)
	if err != nil {
		tb.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	if err := npyio.Write(f, mat.NewDense(rows, cols, data)); err != nil {
		tb.Fatalf("write %s: %v", path, err)
	}
}

// CorpusOptions shapes the features WriteCorpus generates.
type CorpusOptions struct {
	Utterances int
	NMels      int
	LinearDim  int
	// MinFrames is the frame count of the first utterance; each following
	// one is a frame longer.
	MinFrames int
}

// WriteCorpus writes a train.txt manifest and its .npy features into a new
// temporary directory and returns it.
func WriteCorpus(tb testing.TB, opts CorpusOptions) string {
	tb.Helper()

	root := tb.TempDir()

	var manifest strings.Builder
	for i := range opts.Utterances {
		frames := opts.MinFrames + i
		WriteNPY(tb, filepath.Join(root, fmt.Sprintf("ljspeech-spec-%05d.npy", i)), frames, opts.LinearDim, 0.5)
		WriteNPY(tb, filepath.Join(root, fmt.Sprintf("ljspeech-mel-%05d.npy", i)), frames, opts.NMels, 0.5)
		fmt.Fprintf(&manifest, "ljspeech-spec-%05d.npy|ljspeech-mel-%05d.npy|%d|printing in the only sense %d\n", i, i, frames, i)
	}

	if err := os.WriteFile(filepath.Join(root, "train.txt"), []byte(manifest.String()), 0o644); err != nil {
		tb.Fatalf("write manifest: %v", err)
	}

	return root
}
