package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/example/go-deepvoice/internal/config"
	"github.com/example/go-deepvoice/internal/testutil"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Paths.DataRoot = t.TempDir()
	cfg.Paths.CheckpointDir = filepath.Join(t.TempDir(), "checkpoints")
	cfg.Runtime.ONNXManifest = filepath.Join(t.TempDir(), "manifest.json")

	return cfg
}

func TestDoctorAllChecksPass(t *testing.T) {
	cfg := testConfig(t)
	cfg.Paths.DataRoot = testutil.WriteCorpus(t, testutil.CorpusOptions{Utterances: 2, NMels: 3, LinearDim: 5, MinFrames: 3})
	cfg.Runtime.Engine = fakeEngineCommand(t, 3, 5, 1, 1)

	dcfg := doctorConfig(context.Background(), cfg)
	dcfg.Checkpoint = writeCheckpoint(t, t.TempDir(), 3)

	var stdout, stderr bytes.Buffer
	if err := runDoctor(dcfg, &stdout, &stderr); err != nil {
		t.Fatalf("runDoctor: %v\nstdout:\n%s\nstderr:\n%s", err, stdout.String(), stderr.String())
	}

	out := stdout.String()
	for _, want := range []string{
		"model engine: fake test (protocol 1)",
		"onnx runtime: skipped",
		"dataset: 2 utterances",
		"checkpoint: step 3, epoch 1",
		"doctor checks passed",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestDoctorReportsFailures(t *testing.T) {
	cfg := testConfig(t)

	var stdout, stderr bytes.Buffer
	err := runDoctor(doctorConfig(context.Background(), cfg), &stdout, &stderr)
	if err == nil {
		t.Fatal("expected doctor to fail without a dataset")
	}

	if !strings.Contains(stderr.String(), "FAIL: dataset") {
		t.Errorf("stderr = %q, want dataset failure", stderr.String())
	}

	if !strings.Contains(stdout.String(), "model engine: skipped") {
		t.Errorf("stdout = %q, want skipped engine check", stdout.String())
	}
}

func TestDoctorCommand(t *testing.T) {
	root := testutil.WriteCorpus(t, testutil.CorpusOptions{Utterances: 1, NMels: 3, LinearDim: 5, MinFrames: 3})

	out, err := execute(t, "doctor",
		"--data-root", root,
		"--checkpoint-dir", t.TempDir(),
		"--onnx-manifest", filepath.Join(t.TempDir(), "manifest.json"),
	)
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}

	if !strings.Contains(out, "doctor checks passed") {
		t.Errorf("output = %q", out)
	}
}

func TestDoctorONNXExport(t *testing.T) {
	cfg := testConfig(t)
	cfg.Paths.DataRoot = testutil.WriteCorpus(t, testutil.CorpusOptions{Utterances: 1, NMels: 3, LinearDim: 5, MinFrames: 3})

	dir := filepath.Dir(cfg.Runtime.ONNXManifest)
	for _, name := range []string{"generate.onnx", "vocoder.onnx"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("fake"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	manifest := `{"graphs": [{"name":"generate","filename":"generate.onnx"},{"name":"vocoder","filename":"vocoder.onnx"}]}`
	if err := os.WriteFile(cfg.Runtime.ONNXManifest, []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	lib := filepath.Join(t.TempDir(), "libonnxruntime.so.1.22.0")
	if err := os.WriteFile(lib, []byte("fake"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Runtime.ORTLibraryPath = lib

	var stdout, stderr bytes.Buffer
	if err := runDoctor(doctorConfig(context.Background(), cfg), &stdout, &stderr); err != nil {
		t.Fatalf("runDoctor: %v\n%s%s", err, stdout.String(), stderr.String())
	}

	want := "1.22.0 (" + lib + " via config; graphs generate,vocoder)"
	if !strings.Contains(stdout.String(), want) {
		t.Errorf("output missing %q:\n%s", want, stdout.String())
	}
}
