package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"

	"github.com/example/go-deepvoice/internal/lrschedule"
)

// fakeBinder wraps a pflag.FlagSet to satisfy the flagBinder interface.
type fakeBinder struct {
	fs *pflag.FlagSet
}

func (f *fakeBinder) Flags() *pflag.FlagSet { return f.fs }

// newFlagBinder registers all config flags and parses args.
func newFlagBinder(t *testing.T, defaults Config, args ...string) *fakeBinder {
	t.Helper()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	return &fakeBinder{fs: fs}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return path
}

// --- NormalizeBackend ---

func TestNormalizeBackend(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "", want: BackendWorker},
		{in: "worker", want: BackendWorker},
		{in: " ONNX ", want: BackendONNX},
		{in: "engine", want: BackendWorker},
		{in: "torch", wantErr: true},
	}

	for _, tc := range tests {
		got, err := NormalizeBackend(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("NormalizeBackend(%q) = %q; want error", tc.in, got)
			}
			continue
		}

		if err != nil || got != tc.want {
			t.Errorf("NormalizeBackend(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

// --- RegisterFlags ---

func TestRegisterFlags(t *testing.T) {
	defaults := DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	cases := []struct {
		flag string
		want string
	}{
		{"log-level", "info"},
		{"data-root", "data/ljspeech"},
		{"checkpoint-dir", "checkpoints"},
		{"onnx-manifest", "models/manifest.json"},
		{"engine", ""},
		{"lexicon", ""},
		{"listen", "127.0.0.1:8080"},
		{"server-workers", "1"},
		{"request-timeout", "60"},
	}

	for _, c := range cases {
		f := fs.Lookup(c.flag)
		if f == nil {
			t.Errorf("flag %q not registered", c.flag)
			continue
		}

		if f.DefValue != c.want {
			t.Errorf("flag %q default = %q; want %q", c.flag, f.DefValue, c.want)
		}
	}
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	defaults := DefaultConfig()

	cfg, err := Load(LoadOptions{Cmd: newFlagBinder(t, defaults), Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Paths.DataRoot != defaults.Paths.DataRoot {
		t.Errorf("DataRoot = %q; want %q", cfg.Paths.DataRoot, defaults.Paths.DataRoot)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q; want info", cfg.LogLevel)
	}

	if cfg.Server.Workers != 1 || cfg.Server.MaxTextBytes != 4096 || cfg.Server.ShutdownTimeout != 30 {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}

	h := cfg.HParams
	if h.Name != ModelName || h.BatchSize != 16 || h.DownsampleStep != 4 || h.OutputsPerStep != 1 {
		t.Errorf("unexpected hparams %+v", h)
	}

	if h.InitialLearningRate != 5e-4 || h.LRSchedule != lrschedule.NoamName || !h.UseGuidedAttention {
		t.Errorf("unexpected training hparams %+v", h)
	}

	if h.MaskedLossWeight != 0.5 || h.Power != 1.4 || h.Preemphasis != 0.97 {
		t.Errorf("unexpected loss/audio hparams %+v", h)
	}
}

func TestLoad_FlagOverride(t *testing.T) {
	defaults := DefaultConfig()
	binder := newFlagBinder(t, defaults, "--data-root=/corpus", "--log-level=debug", "--engine=python engine.py")

	cfg, err := Load(LoadOptions{Cmd: binder, Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Paths.DataRoot != "/corpus" {
		t.Errorf("DataRoot = %q; want /corpus", cfg.Paths.DataRoot)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q; want debug", cfg.LogLevel)
	}

	if cfg.Runtime.Engine != "python engine.py" {
		t.Errorf("Engine = %q", cfg.Runtime.Engine)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("DEEPVOICE_LOG_LEVEL", "warn")
	t.Setenv("DEEPVOICE_HPARAMS_BATCH_SIZE", "32")
	t.Setenv("DEEPVOICE_ORT_LIB", "/opt/ort/libonnxruntime.so")

	cfg, err := Load(LoadOptions{Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q; want warn", cfg.LogLevel)
	}

	if cfg.HParams.BatchSize != 32 {
		t.Errorf("BatchSize = %d; want 32", cfg.HParams.BatchSize)
	}

	if cfg.Runtime.ORTLibraryPath != "/opt/ort/libonnxruntime.so" {
		t.Errorf("ORTLibraryPath = %q", cfg.Runtime.ORTLibraryPath)
	}
}

func TestLoad_ConfigFileHParams(t *testing.T) {
	path := writeConfig(t, "deepvoice.yaml", `
hparams:
  outputs_per_step: 5
  downsample_step: 1
  lr_schedule: step_learning_rate_decay
  lr_schedule_kwargs:
    anneal_interval: 1000
`)

	cfg, err := Load(LoadOptions{ConfigFile: path, Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	h := cfg.HParams
	if h.OutputsPerStep != 5 || h.DownsampleStep != 1 {
		t.Errorf("r, ds = %d, %d; want 5, 1", h.OutputsPerStep, h.DownsampleStep)
	}

	if h.BatchSize != 16 {
		t.Errorf("BatchSize = %d; want default 16", h.BatchSize)
	}

	s, err := h.Schedule()
	if err != nil {
		t.Fatalf("Schedule() error = %v", err)
	}

	if s.Kind != lrschedule.KindStep || s.AnnealInterval != 1000 {
		t.Errorf("schedule = %+v", s)
	}
}

func TestLoad_Overrides(t *testing.T) {
	defaults := DefaultConfig()

	cfg, err := Load(LoadOptions{
		Cmd:       newFlagBinder(t, defaults),
		Defaults:  defaults,
		Overrides: "batch_size=4, use_guided_attention=false,lr_schedule_kwargs.warmup_steps=8000,clip_thresh=-1",
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	h := cfg.HParams
	if h.BatchSize != 4 || h.UseGuidedAttention || h.ClipThresh != -1 {
		t.Errorf("overrides not applied: %+v", h)
	}

	if h.LRScheduleKwargs["warmup_steps"] != "8000" {
		t.Errorf("kwargs = %v", h.LRScheduleKwargs)
	}
}

func TestLoad_BadOverrides(t *testing.T) {
	for _, o := range []string{
		"no_such_param=1",
		"batch_size",
		"name=tacotron",
		"outputs_per_step=0",
		"sample_rate.x=1",
		"lr_schedule=cosine",
	} {
		t.Run(o, func(t *testing.T) {
			if _, err := Load(LoadOptions{Defaults: DefaultConfig(), Overrides: o}); err == nil {
				t.Errorf("Load(%q) = nil; want error", o)
			}
		})
	}
}

func TestParseOverrides(t *testing.T) {
	got, err := ParseOverrides(" A=1,, b = two ,c=")
	if err != nil {
		t.Fatalf("ParseOverrides() error = %v", err)
	}

	want := [][2]string{{"a", "1"}, {"b", "two"}, {"c", ""}}
	if len(got) != len(want) {
		t.Fatalf("got %v; want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pair %d = %v; want %v", i, got[i], want[i])
		}
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	path := writeConfig(t, "bad.yaml", ":\t:bad yaml:::")

	if _, err := Load(LoadOptions{ConfigFile: path, Defaults: DefaultConfig()}); err == nil {
		t.Error("Load() = nil; want error for invalid config file")
	}
}

func TestLoad_MissingExplicitConfigFile(t *testing.T) {
	_, err := Load(LoadOptions{
		ConfigFile: "/nonexistent/path/deepvoice.yaml",
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Error("Load() = nil; want error for missing explicit config file")
	}
}

// --- HParams ---

func TestHParamsDerivedOptions(t *testing.T) {
	h := DefaultHParams()

	if h.LinearDim() != 513 {
		t.Errorf("LinearDim() = %d; want 513", h.LinearDim())
	}

	b := h.BatchOptions()
	if b.R != 1 || b.DownsampleStep != 4 || b.PaddingIdx != 0 {
		t.Errorf("BatchOptions() = %+v", b)
	}

	l := h.LoaderOptions()
	if l.BatchSize != 16 || l.Workers != 2 || l.Prefetch != 2 || l.Batch != b {
		t.Errorf("LoaderOptions() = %+v", l)
	}

	lo := h.LossOptions()
	if lo.SampleRate != 22050 || lo.BinaryDivergenceWeight != 0.1 || lo.GuidedAttentionSigma != 0.2 || lo.MaskedWeight != 0.5 {
		t.Errorf("LossOptions() = %+v", lo)
	}

	a := h.AudioParams()
	if a.MinLevelDB != -100 || a.RefLevelDB != 20 {
		t.Errorf("AudioParams() = %+v", a)
	}

	to, err := h.TrainOptions("ckpt")
	if err != nil {
		t.Fatalf("TrainOptions() error: %v", err)
	}

	if to.CheckpointDir != "ckpt" || to.NEpochs != 2000 || to.CheckpointInterval != 10000 || to.Schedule.Kind != lrschedule.KindNoam || to.Loss != lo {
		t.Errorf("TrainOptions() = %+v", to)
	}

	h.LRSchedule = "bogus"
	if _, err := h.TrainOptions("ckpt"); err == nil {
		t.Error("TrainOptions() = nil error; want unknown schedule error")
	}
}

func TestHParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*HParams)
	}{
		{"batch size", func(h *HParams) { h.BatchSize = 0 }},
		{"downsample", func(h *HParams) { h.DownsampleStep = 0 }},
		{"interval", func(h *HParams) { h.CheckpointInterval = 0 }},
		{"masked weight", func(h *HParams) { h.MaskedLossWeight = 1.5 }},
		{"sigma", func(h *HParams) { h.GuidedAttentionSigma = 0 }},
		{"schedule kwargs", func(h *HParams) { h.LRScheduleKwargs = map[string]string{"anneal_rate": "0.5"} }},
	}

	if err := DefaultHParams().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := DefaultHParams()
			tc.mutate(&h)

			if err := h.Validate(); err == nil {
				t.Error("Validate() = nil; want error")
			}
		})
	}
}

func TestHParamsLogValue(t *testing.T) {
	var sb strings.Builder
	logger := slog.New(slog.NewTextHandler(&sb, nil))
	logger.Info("hparams", "hparams", DefaultHParams())

	out := sb.String()
	for _, want := range []string{"hparams.batch_size=16", "hparams.outputs_per_step=1", "hparams.lr_schedule=noam_learning_rate_decay"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestLoad_IgnoresUnrelatedFlags(t *testing.T) {
	defaults := DefaultConfig()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("config", "", "")
	fs.String("hparams", "", "")
	fs.String("paths", "", "")
	RegisterFlags(fs, defaults)
	if err := fs.Parse([]string{"--hparams=batch_size=2", "--paths=x", "--data-root=/corpus"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	cfg, err := Load(LoadOptions{Cmd: &fakeBinder{fs: fs}, Defaults: defaults, Overrides: "batch_size=2"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.HParams.Name != ModelName || cfg.HParams.BatchSize != 2 {
		t.Errorf("hparams = %q batch %d; want %q batch 2", cfg.HParams.Name, cfg.HParams.BatchSize, ModelName)
	}
	if cfg.Paths.DataRoot != "/corpus" {
		t.Errorf("DataRoot = %q; want /corpus", cfg.Paths.DataRoot)
	}
}
