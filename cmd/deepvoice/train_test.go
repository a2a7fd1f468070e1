package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/example/go-deepvoice/internal/checkpoint"
	"github.com/example/go-deepvoice/internal/config"
	"github.com/example/go-deepvoice/internal/events"
	"github.com/example/go-deepvoice/internal/logging"
	"github.com/example/go-deepvoice/internal/testutil"
)

const smallHParams = "num_mels=3,fft_size=8,outputs_per_step=1,downsample_step=1," +
	"batch_size=2,num_workers=1,nepochs=1,checkpoint_interval=1"

func TestTrainCommandEndToEnd(t *testing.T) {
	root := testutil.WriteCorpus(t, testutil.CorpusOptions{Utterances: 3, NMels: 3, LinearDim: 5, MinFrames: 4})
	engine := fakeEngineCommand(t, 3, 5, 1, 1)
	ckptDir := t.TempDir()
	logDir := filepath.Join(t.TempDir(), "run")

	args := []string{
		"train",
		"--data-root", root,
		"--checkpoint-dir", ckptDir,
		"--log-event-path", logDir,
		"--engine", engine,
		"--hparams", smallHParams,
	}

	if _, err := execute(t, args...); err != nil {
		t.Fatalf("train: %v", err)
	}

	// Two batches per epoch; the second step lands on the interval.
	first := checkpoint.Path(ckptDir, 1)
	info, err := checkpoint.Inspect(first)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if info.GlobalStep != 1 || info.ModelTensors == 0 {
		t.Errorf("checkpoint info = %+v", info)
	}

	if _, err := os.Stat(filepath.Join(logDir, logging.FileName)); err != nil {
		t.Errorf("rotated log missing: %v", err)
	}

	evs, err := events.ReadFile(logDir)
	if err != nil {
		t.Fatalf("events.ReadFile: %v", err)
	}
	tags := map[string]bool{}
	for _, e := range evs {
		tags[e.Tag] = true
	}
	for _, want := range []string{"loss", "learning rate", "loss (per epoch)"} {
		if !tags[want] {
			t.Errorf("no %q event in %v", want, tags)
		}
	}

	// Resuming replays epoch 0 from step 1 and reaches step 2.
	args = append(args, "--checkpoint-path", first)
	if _, err := execute(t, args...); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := os.Stat(checkpoint.Path(ckptDir, 2)); err != nil {
		t.Errorf("resumed run did not checkpoint step 2: %v", err)
	}
}

func TestTrainCommandRequiresEngine(t *testing.T) {
	root := testutil.WriteCorpus(t, testutil.CorpusOptions{Utterances: 1, NMels: 3, LinearDim: 5, MinFrames: 4})

	_, err := execute(t, "train",
		"--data-root", root,
		"--checkpoint-dir", t.TempDir(),
		"--log-event-path", t.TempDir(),
		"--engine", "",
		"--hparams", smallHParams,
	)
	if err == nil || !strings.Contains(err.Error(), "no model engine") {
		t.Fatalf("err = %v, want missing engine", err)
	}
}

func TestTrainCommandMissingDataset(t *testing.T) {
	_, err := execute(t, "train",
		"--data-root", filepath.Join(t.TempDir(), "nope"),
		"--checkpoint-dir", t.TempDir(),
		"--log-event-path", t.TempDir(),
		"--engine", "unused",
		"--hparams", smallHParams,
	)
	if err == nil {
		t.Fatal("expected an error for a missing dataset")
	}
}

func TestRunDir(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)

	cfg := config.DefaultConfig()
	if got, want := runDir(cfg, now), filepath.Join("log", "run-20240309-140506"); got != want {
		t.Errorf("runDir = %q, want %q", got, want)
	}

	cfg.Paths.LogEventPath = "custom"
	if got := runDir(cfg, now); got != "custom" {
		t.Errorf("runDir = %q, want custom", got)
	}
}

func TestLoadFrontendLexicon(t *testing.T) {
	cfg := config.DefaultConfig()

	fe, err := loadFrontend(cfg)
	if err != nil {
		t.Fatalf("loadFrontend: %v", err)
	}
	if fe.NVocab() == 0 {
		t.Error("empty vocabulary")
	}

	cfg.Paths.Lexicon = filepath.Join(t.TempDir(), "missing.dict")
	if _, err := loadFrontend(cfg); err == nil {
		t.Error("expected an error for a missing lexicon")
	}

	cfg.Paths.Lexicon = ""
	cfg.HParams.Frontend = "jp"
	if _, err := loadFrontend(cfg); err == nil {
		t.Error("expected an error for an unknown frontend")
	}
}
