// Package doctor provides environment preflight checks for deepvoice.
package doctor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PassMark and FailMark are the prefix symbols printed for each check result.
const (
	PassMark = "✓"
	FailMark = "✗"
)

// VersionFunc returns a version string or an error if the component is unavailable.
type VersionFunc func() (string, error)

// Config holds injectable dependencies for each doctor check. A nil func
// skips its check.
type Config struct {
	// EngineVersion starts the model engine and returns its handshake.
	EngineVersion VersionFunc
	// PythonVersion returns the interpreter version of a Python engine.
	PythonVersion VersionFunc
	// ORTRuntime returns the detected ONNX Runtime library and version.
	ORTRuntime VersionFunc
	// ManifestEntries loads the dataset manifest and returns its size.
	ManifestEntries func() (int, error)
	// CheckpointDir must exist or be creatable, and be writable.
	CheckpointDir string
	// Checkpoint, when set, is inspected with InspectCheckpoint.
	Checkpoint        string
	InspectCheckpoint func(path string) (string, error)
}

// Result collects the outcome of all checks.
type Result struct {
	failures []string
}

// Failed returns true if any check failed.
func (r *Result) Failed() bool { return len(r.failures) > 0 }

// Failures returns the list of failure messages.
func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// AddFailure appends an external failure message to the result.
func (r *Result) AddFailure(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) fail(msg string) { r.failures = append(r.failures, msg) }

func (r *Result) check(w io.Writer, name string, fn VersionFunc) {
	if fn == nil {
		fmt.Fprintf(w, "%s %s: skipped\n", PassMark, name)
		return
	}

	v, err := fn()
	if err != nil {
		r.fail(fmt.Sprintf("%s: %v", name, err))
		fmt.Fprintf(w, "%s %s: %v\n", FailMark, name, err)

		return
	}

	fmt.Fprintf(w, "%s %s: %s\n", PassMark, name, v)
}

// Run executes all configured checks and writes human-readable output to w.
// Each check line is prefixed with PassMark or FailMark.
func Run(cfg Config, w io.Writer) Result {
	var res Result

	res.check(w, "model engine", cfg.EngineVersion)

	if cfg.PythonVersion != nil {
		res.check(w, "python version", func() (string, error) {
			ver, err := cfg.PythonVersion()
			if err != nil {
				return "", err
			}

			if err := checkPythonVersion(ver); err != nil {
				return "", fmt.Errorf("%s: %w", ver, err)
			}

			return ver, nil
		})
	}

	res.check(w, "onnx runtime", cfg.ORTRuntime)

	var manifest VersionFunc
	if cfg.ManifestEntries != nil {
		manifest = func() (string, error) {
			n, err := cfg.ManifestEntries()
			if err != nil {
				return "", err
			}

			if n == 0 {
				return "", fmt.Errorf("manifest is empty")
			}

			return fmt.Sprintf("%d utterances", n), nil
		}
	}

	res.check(w, "dataset", manifest)

	if cfg.CheckpointDir != "" {
		res.check(w, "checkpoint dir", func() (string, error) {
			return cfg.CheckpointDir, checkWritable(cfg.CheckpointDir)
		})
	}

	if cfg.Checkpoint != "" && cfg.InspectCheckpoint != nil {
		res.check(w, "checkpoint", func() (string, error) {
			return cfg.InspectCheckpoint(cfg.Checkpoint)
		})
	}

	return res
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}

	name := f.Name()
	_ = f.Close()

	return os.Remove(filepath.Clean(name))
}

// checkPythonVersion returns an error if ver is outside [3.9, 3.15).
// ver is expected to be a string like "3.11.4".
func checkPythonVersion(ver string) error {
	major, minor, err := parseMajorMinor(ver)
	if err != nil {
		return fmt.Errorf("cannot parse %q: %w", ver, err)
	}
	if major != 3 {
		return fmt.Errorf("requires Python 3, got %d", major)
	}
	if minor < 9 {
		return fmt.Errorf("requires Python >=3.9, got 3.%d", minor)
	}
	if minor >= 15 {
		return fmt.Errorf("requires Python <3.15, got 3.%d", minor)
	}
	return nil
}

func parseMajorMinor(ver string) (major, minor int, err error) {
	parts := strings.SplitN(strings.TrimPrefix(strings.TrimSpace(ver), "Python "), ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("unexpected version format %q", ver)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad major in %q: %w", ver, err)
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad minor in %q: %w", ver, err)
	}
	return major, minor, nil
}
