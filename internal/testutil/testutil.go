// Package testutil provides skip helpers for integration tests and an
// in-memory engine for exercising the training loop and synthesis driver.
//
// Typical usage:
//
//	func TestTrainIntegration(t *testing.T) {
//	    argv := testutil.RequireEngine(t)
//	    ...
//	}
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// RequireEngine skips the test unless DEEPVOICE_ENGINE names an executable
// engine command. It returns the command split into argv.
func RequireEngine(tb testing.TB) []string {
	tb.Helper()

	argv := strings.Fields(os.Getenv("DEEPVOICE_ENGINE"))
	if len(argv) == 0 {
		tb.Skipf("model engine not configured; set DEEPVOICE_ENGINE to the engine command")
		return nil
	}

	if _, err := exec.LookPath(argv[0]); err != nil {
		tb.Skipf("model engine %q not available: %v", argv[0], err)
		return nil
	}

	return argv
}

// RequireONNXRuntime skips the test if no ONNX Runtime shared library can be
// located. It checks ORT_LIBRARY_PATH, DEEPVOICE_ORT_LIB, then common system
// library paths.
func RequireONNXRuntime(tb testing.TB) {
	tb.Helper()

	for _, env := range []string{"ORT_LIBRARY_PATH", "DEEPVOICE_ORT_LIB"} {
		if p := os.Getenv(env); p != "" {
			if _, err := os.Stat(p); err == nil {
				return
			}

			tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)

			return
		}
	}

	for _, p := range []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
	} {
		if _, err := os.Stat(p); err == nil {
			return
		}
	}

	tb.Skip("ONNX Runtime shared library not found; set ORT_LIBRARY_PATH or DEEPVOICE_ORT_LIB")
}

// RequireDataset skips the test unless root holds a preprocessed corpus
// manifest.
func RequireDataset(tb testing.TB, root string) {
	tb.Helper()

	if _, err := os.Stat(filepath.Join(root, "train.txt")); err != nil {
		tb.Skipf("dataset not available at %q: %v", root, err)
	}
}
