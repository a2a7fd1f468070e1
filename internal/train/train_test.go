package train

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/example/go-deepvoice/internal/audio"
	"github.com/example/go-deepvoice/internal/batch"
	"github.com/example/go-deepvoice/internal/checkpoint"
	"github.com/example/go-deepvoice/internal/dataset"
	"github.com/example/go-deepvoice/internal/events"
	"github.com/example/go-deepvoice/internal/loss"
	"github.com/example/go-deepvoice/internal/lrschedule"
	"github.com/example/go-deepvoice/internal/model"
	"github.com/example/go-deepvoice/internal/testutil"
)

const (
	testMels      = 4
	testLinearDim = 9
	testRate      = 8000
)

// corpus is an in-memory dataset.Source of n synthetic utterances.
type corpus struct{ utts []batch.Utterance }

func newCorpus(n int) *corpus {
	c := &corpus{}
	for i := range n {
		frames := 8 + i%3
		tokens := make([]int64, 3+i%3)
		for j := range tokens {
			tokens[j] = int64(10 + j)
		}
		tokens[len(tokens)-1] = 1

		mel := mat.NewDense(frames, testMels, nil)
		lin := mat.NewDense(frames, testLinearDim, nil)
		for r := range frames {
			for k := range testMels {
				mel.Set(r, k, float64((r+k)%5)/5)
			}
			for k := range testLinearDim {
				lin.Set(r, k, float64((r*k)%7)/7)
			}
		}

		c.utts = append(c.utts, batch.Utterance{Tokens: tokens, Mel: mel, Linear: lin})
	}

	return c
}

func (c *corpus) Len() int { return len(c.utts) }

func (c *corpus) Get(i int) (batch.Utterance, error) { return c.utts[i], nil }

type fixture struct {
	trainer *Trainer
	engine  *testutil.Engine
	dir     string
	events  *events.Writer
	opts    Options
}

func newFixture(t *testing.T, utterances, batchSize int, mutate func(*Options)) *fixture {
	t.Helper()

	const r, ds = 1, 2

	loader, err := dataset.NewLoader(newCorpus(utterances), dataset.LoaderOptions{
		BatchSize: batchSize,
		Workers:   2,
		Prefetch:  2,
		Seed:      1,
		Batch:     batch.Options{R: r, DownsampleStep: ds},
	})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	dir := t.TempDir()
	ew, err := events.NewWriter(filepath.Join(dir, "events"))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	t.Cleanup(func() { _ = ew.Close() })

	sched, err := lrschedule.Parse(lrschedule.NoamName, nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	opts := Options{
		CheckpointDir:      filepath.Join(dir, "checkpoints"),
		NEpochs:            1,
		InitialLR:          0.5,
		Schedule:           sched,
		ClipThresh:         0.1,
		CheckpointInterval: 1000,
		Loss: loss.Options{
			SampleRate:             testRate,
			PriorityFreq:           3000,
			BinaryDivergenceWeight: 0.1,
			MaskedWeight:           0.5,
			UseGuidedAttention:     true,
			GuidedAttentionSigma:   0.2,
		},
		Audio:      audio.Params{MinLevelDB: -100, RefLevelDB: 20, Power: 1.4},
		SampleRate: testRate,
	}
	if mutate != nil {
		mutate(&opts)
	}

	engine := testutil.NewEngine(testMels, testLinearDim, r, ds)

	tr, err := New(Deps{Model: engine, Data: loader, Vocoder: engine, Events: ew}, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return &fixture{trainer: tr, engine: engine, dir: dir, events: ew, opts: opts}
}

func (f *fixture) readEvents(t *testing.T) map[string][]events.Event {
	t.Helper()

	if err := f.events.Close(); err != nil {
		t.Fatalf("close events: %v", err)
	}

	evs, err := events.ReadFile(filepath.Join(f.dir, "events"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	byTag := map[string][]events.Event{}
	for _, e := range evs {
		byTag[e.Tag] = append(byTag[e.Tag], e)
	}

	return byTag
}

func requireFile(t *testing.T, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected %s: %v", path, err)
	}

	return data
}

func TestRunCompletesEpochs(t *testing.T) {
	f := newFixture(t, 5, 2, func(o *Options) {
		o.NEpochs = 2
		o.CheckpointInterval = 4
	})

	if err := f.trainer.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := f.trainer.State(); got != (State{GlobalStep: 6, GlobalEpoch: 2}) {
		t.Fatalf("State() = %+v, want {6 2}", got)
	}

	if f.trainer.Phase() != Completed {
		t.Fatalf("Phase() = %v, want completed", f.trainer.Phase())
	}

	if !f.engine.Training() {
		t.Fatal("engine was not put in training mode")
	}

	if got := f.engine.Count("Step"); got != 6 {
		t.Fatalf("Step calls = %d, want 6", got)
	}

	rates := f.engine.Rates()
	for step, lr := range rates {
		if want := f.opts.Schedule.Rate(f.opts.InitialLR, step); lr != want {
			t.Fatalf("rate at step %d = %v, want %v", step, lr, want)
		}
	}

	for _, c := range f.engine.ClipNorms() {
		if c != 0.1 {
			t.Fatalf("clip threshold = %v, want 0.1", c)
		}
	}

	ckpt := checkpoint.Path(f.opts.CheckpointDir, 4)
	info, err := checkpoint.Inspect(ckpt)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}

	if info.GlobalStep != 4 || info.GlobalEpoch != 1 {
		t.Fatalf("checkpoint info = %+v, want step 4 epoch 1", info)
	}

	entries, _ := os.ReadDir(f.opts.CheckpointDir)
	ckpts := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".safetensors" {
			ckpts++
		}
	}

	if ckpts != 1 {
		t.Fatalf("found %d checkpoints, want 1", ckpts)
	}

	requireFile(t, filepath.Join(f.opts.CheckpointDir, "alignment_layer1", "step000000004_layer_1_alignment.png"))
	requireFile(t, filepath.Join(f.opts.CheckpointDir, "alignment_ave", "step000000004_alignment.png"))
	requireFile(t, filepath.Join(f.opts.CheckpointDir, "step000000004_predicted_linear.png"))
	requireFile(t, filepath.Join(f.opts.CheckpointDir, "step000000004_target_mel.png"))

	wav := requireFile(t, filepath.Join(f.opts.CheckpointDir, "step000000004_predicted.wav"))
	testutil.AssertValidWAV(t, wav, testRate)

	byTag := f.readEvents(t)
	if n := len(byTag["loss (per epoch)"]); n != 2 {
		t.Fatalf("loss (per epoch) events = %d, want 2", n)
	}

	if n := len(byTag["learning rate"]); n != 6 {
		t.Fatalf("learning rate events = %d, want 6", n)
	}

	if n := len(byTag["attn_loss"]); n != 6 {
		t.Fatalf("attn_loss events = %d, want 6", n)
	}

	if n := len(byTag["gradient norm"]); n != 6 || byTag["gradient norm"][0].Value != 0.2 {
		t.Fatalf("gradient norm events = %+v", byTag["gradient norm"])
	}

	if n := len(byTag["averaged_alignment"]); n != 1 || byTag["averaged_alignment"][0].Kind != events.KindImage {
		t.Fatalf("averaged_alignment events = %+v", byTag["averaged_alignment"])
	}

	if n := len(byTag["Predicted audio signal"]); n != 1 {
		t.Fatalf("audio events = %d, want 1", n)
	}
}

func TestRunSkipsNonFiniteLoss(t *testing.T) {
	f := newFixture(t, 5, 2, nil)
	f.engine.NaNForwards = map[int]bool{1: true}

	if err := f.trainer.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := f.trainer.State().GlobalStep; got != 3 {
		t.Fatalf("GlobalStep = %d, want 3", got)
	}

	if got := f.engine.Count("Step"); got != 2 {
		t.Fatalf("Step calls = %d, want 2", got)
	}

	if got := f.engine.Count("Backward"); got != 2 {
		t.Fatalf("Backward calls = %d, want 2", got)
	}

	byTag := f.readEvents(t)
	skipped := byTag["skipped_steps"]
	if len(skipped) != 1 || skipped[0].Step != 1 {
		t.Fatalf("skipped_steps events = %+v", skipped)
	}

	if n := len(byTag["loss"]); n != 2 {
		t.Fatalf("loss events = %d, want 2", n)
	}
}

func TestRunInterruptWritesFinalCheckpoint(t *testing.T) {
	f := newFixture(t, 5, 1, func(o *Options) { o.NEpochs = 3 })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.engine.OnForward = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	err := f.trainer.Run(ctx)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Run error = %v, want ErrInterrupted", err)
	}

	if f.trainer.Phase() != Interrupted {
		t.Fatalf("Phase() = %v, want interrupted", f.trainer.Phase())
	}

	st := f.trainer.State()
	if st.GlobalStep != 3 || st.GlobalEpoch != 0 {
		t.Fatalf("State() = %+v, want {3 0}", st)
	}

	c, err := checkpoint.Load(checkpoint.Path(f.opts.CheckpointDir, 3), checkpoint.LoadOptions{})
	if err != nil {
		t.Fatalf("final checkpoint: %v", err)
	}

	if got := c.Optimizer["optimizer_steps"].RawData()[0]; got != 3 {
		t.Fatalf("checkpointed optimizer_steps = %v, want 3", got)
	}
}

// rpcEngine behaves like a remote engine client: the engine finishes the
// call, but the caller sees ctx's error if ctx ended meanwhile.
type rpcEngine struct {
	*testutil.Engine
}

func (e rpcEngine) Backward(ctx context.Context, grads *model.Gradients) error {
	if err := e.Engine.Backward(ctx, grads); err != nil {
		return err
	}
	return ctx.Err()
}

func (e rpcEngine) Step(ctx context.Context, lr float64) error {
	if err := e.Engine.Step(ctx, lr); err != nil {
		return err
	}
	return ctx.Err()
}

func TestRunInterruptFinishesStartedBatch(t *testing.T) {
	f := newFixture(t, 5, 1, func(o *Options) { o.NEpochs = 3 })
	f.trainer.model = rpcEngine{f.engine}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.engine.OnForward = func(n int) {
		if n == 1 {
			cancel()
		}
	}

	if err := f.trainer.Run(ctx); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Run error = %v, want ErrInterrupted", err)
	}

	st := f.trainer.State()
	if st.GlobalStep != 2 {
		t.Fatalf("GlobalStep = %d, want 2", st.GlobalStep)
	}
	if n := f.engine.Count("Forward"); n != 2 {
		t.Fatalf("Forward calls = %d, want 2", n)
	}

	c, err := checkpoint.Load(checkpoint.Path(f.opts.CheckpointDir, st.GlobalStep), checkpoint.LoadOptions{})
	if err != nil {
		t.Fatalf("final checkpoint: %v", err)
	}

	if got := c.Optimizer["optimizer_steps"].RawData()[0]; int(got) != c.GlobalStep {
		t.Fatalf("checkpoint optimizer_steps = %v, global_step = %d; want equal", got, c.GlobalStep)
	}
}

func TestRunInterruptedBeforeStart(t *testing.T) {
	f := newFixture(t, 3, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.trainer.Run(ctx); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Run error = %v, want ErrInterrupted", err)
	}

	if f.engine.Count("Forward") != 0 {
		t.Fatal("no batch should run after cancellation")
	}

	requireFile(t, checkpoint.Path(f.opts.CheckpointDir, 0))
}

func TestRestoreResumes(t *testing.T) {
	src := newFixture(t, 3, 1, nil)
	for range 4 {
		_ = src.engine.Step(context.Background(), 0.1)
	}

	st, _ := src.engine.State(context.Background())
	path, err := checkpoint.Save(t.TempDir(), checkpoint.FromState(st, 7, 1))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	t.Run("keep optimizer", func(t *testing.T) {
		f := newFixture(t, 3, 1, func(o *Options) { o.NEpochs = 2 })
		if err := f.trainer.Restore(context.Background(), path, false); err != nil {
			t.Fatalf("Restore: %v", err)
		}

		if got := f.trainer.State(); got != (State{GlobalStep: 7, GlobalEpoch: 1}) {
			t.Fatalf("State() = %+v", got)
		}

		loaded, reset := f.engine.Loaded()
		if reset || loaded.Optimizer == nil {
			t.Fatalf("optimizer state not restored: reset=%v state=%+v", reset, loaded)
		}

		if err := f.trainer.Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}

		if got := f.trainer.State(); got != (State{GlobalStep: 10, GlobalEpoch: 2}) {
			t.Fatalf("State() after Run = %+v, want {10 2}", got)
		}

		if rates := f.engine.Rates(); rates[0] != f.opts.Schedule.Rate(f.opts.InitialLR, 7) {
			t.Fatalf("first resumed rate = %v", rates[0])
		}
	})

	t.Run("reset optimizer", func(t *testing.T) {
		f := newFixture(t, 3, 1, nil)
		if err := f.trainer.Restore(context.Background(), path, true); err != nil {
			t.Fatalf("Restore: %v", err)
		}

		loaded, reset := f.engine.Loaded()
		if !reset || loaded.Optimizer != nil {
			t.Fatalf("optimizer state should be dropped: reset=%v state=%+v", reset, loaded)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		f := newFixture(t, 3, 1, nil)
		if err := f.trainer.Restore(context.Background(), filepath.Join(t.TempDir(), "nope.safetensors"), false); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestRunPropagatesEngineError(t *testing.T) {
	boom := errors.New("boom")
	f := newFixture(t, 3, 1, nil)
	f.engine.FailOn = map[string]error{"Backward": boom}

	err := f.trainer.Run(context.Background())
	if !errors.Is(err, boom) || errors.Is(err, ErrInterrupted) {
		t.Fatalf("Run error = %v, want boom", err)
	}
}

func TestRunWithoutClipping(t *testing.T) {
	f := newFixture(t, 3, 1, func(o *Options) { o.ClipThresh = 0 })

	if err := f.trainer.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := f.engine.Count("ClipGradNorm"); n != 0 {
		t.Fatalf("ClipGradNorm calls = %d, want 0", n)
	}

	if n := len(f.readEvents(t)["gradient norm"]); n != 0 {
		t.Fatalf("gradient norm events = %d, want 0", n)
	}
}

func TestNewValidates(t *testing.T) {
	engine := testutil.NewEngine(testMels, testLinearDim, 1, 1)
	loader, _ := dataset.NewLoader(newCorpus(2), dataset.LoaderOptions{BatchSize: 1, Batch: batch.Options{R: 1, DownsampleStep: 1}})

	good := Options{CheckpointDir: "c", NEpochs: 1, CheckpointInterval: 1, SampleRate: 1}

	tests := []struct {
		name string
		deps Deps
		opts func(Options) Options
	}{
		{"no model", Deps{Data: loader}, func(o Options) Options { return o }},
		{"no data", Deps{Model: engine}, func(o Options) Options { return o }},
		{"no dir", Deps{Model: engine, Data: loader}, func(o Options) Options { o.CheckpointDir = ""; return o }},
		{"interval", Deps{Model: engine, Data: loader}, func(o Options) Options { o.CheckpointInterval = 0; return o }},
		{"epochs", Deps{Model: engine, Data: loader}, func(o Options) Options { o.NEpochs = -1; return o }},
		{"rate", Deps{Model: engine, Data: loader}, func(o Options) Options { o.SampleRate = 0; return o }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.deps, tc.opts(good)); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := New(Deps{Model: engine, Data: loader}, good); err != nil {
		t.Fatalf("New with valid options: %v", err)
	}
}

func TestPhaseString(t *testing.T) {
	for p, want := range map[Phase]string{
		Idle: "idle", Running: "running", Checkpointing: "checkpointing",
		Interrupted: "interrupted", Completed: "completed", Phase(9): "phase(9)",
	} {
		if got := p.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", p, got, want)
		}
	}
}
