package doctor_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-deepvoice/internal/doctor"
)

var errNotFound = errors.New("not found")

func hasFailureContaining(failures []string, sub string) bool {
	for _, f := range failures {
		if strings.Contains(strings.ToLower(f), sub) {
			return true
		}
	}

	return false
}

func passingConfig(t *testing.T) doctor.Config {
	t.Helper()

	return doctor.Config{
		EngineVersion:   func() (string, error) { return "torch-engine 0.3 (protocol 1)", nil },
		PythonVersion:   func() (string, error) { return "3.11.4", nil },
		ManifestEntries: func() (int, error) { return 13100, nil },
		CheckpointDir:   filepath.Join(t.TempDir(), "ckpt"),
	}
}

func TestRun_AllChecksPass(t *testing.T) {
	var out strings.Builder
	result := doctor.Run(passingConfig(t), &out)

	if result.Failed() {
		t.Errorf("expected all checks to pass; failures: %v", result.Failures())
	}

	for _, want := range []string{"model engine", "13100 utterances", "onnx runtime: skipped"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output should mention %q:\n%s", want, out.String())
		}
	}
}

func TestRun_Failures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*doctor.Config)
		want   string
	}{
		{"engine missing", func(c *doctor.Config) {
			c.EngineVersion = func() (string, error) { return "", errNotFound }
		}, "model engine"},
		{"python too old", func(c *doctor.Config) {
			c.PythonVersion = func() (string, error) { return "3.8.10", nil }
		}, "python"},
		{"python too new", func(c *doctor.Config) {
			c.PythonVersion = func() (string, error) { return "3.15.0", nil }
		}, "python"},
		{"ort missing", func(c *doctor.Config) {
			c.ORTRuntime = func() (string, error) { return "", errNotFound }
		}, "onnx runtime"},
		{"empty manifest", func(c *doctor.Config) {
			c.ManifestEntries = func() (int, error) { return 0, nil }
		}, "dataset"},
		{"manifest error", func(c *doctor.Config) {
			c.ManifestEntries = func() (int, error) { return 0, errNotFound }
		}, "dataset"},
		{"bad checkpoint", func(c *doctor.Config) {
			c.Checkpoint = "x.safetensors"
			c.InspectCheckpoint = func(string) (string, error) { return "", errNotFound }
		}, "checkpoint"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := passingConfig(t)
			tc.mutate(&cfg)

			var out strings.Builder
			result := doctor.Run(cfg, &out)

			if !hasFailureContaining(result.Failures(), tc.want) {
				t.Fatalf("expected failure mentioning %q, got: %v", tc.want, result.Failures())
			}

			if !strings.Contains(out.String(), doctor.FailMark) {
				t.Errorf("output should contain %s:\n%s", doctor.FailMark, out.String())
			}
		})
	}
}

func TestRun_CheckpointDirNotWritable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := passingConfig(t)
	cfg.CheckpointDir = filepath.Join(blocker, "ckpt")

	var out strings.Builder
	result := doctor.Run(cfg, &out)

	if !hasFailureContaining(result.Failures(), "checkpoint dir") {
		t.Fatalf("expected checkpoint dir failure, got: %v", result.Failures())
	}
}

func TestRun_SkipsUnconfiguredChecks(t *testing.T) {
	var out strings.Builder
	result := doctor.Run(doctor.Config{}, &out)

	if result.Failed() {
		t.Fatalf("empty config should not fail: %v", result.Failures())
	}

	if n := strings.Count(out.String(), "skipped"); n != 3 {
		t.Fatalf("expected 3 skipped checks, got %d:\n%s", n, out.String())
	}
}

func TestResult_AddFailure(t *testing.T) {
	var r doctor.Result
	r.AddFailure("external check failed")

	if !r.Failed() || len(r.Failures()) != 1 {
		t.Fatalf("unexpected result: %v", r.Failures())
	}
}
