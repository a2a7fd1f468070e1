package testutil

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/example/go-deepvoice/internal/audio"
	"github.com/example/go-deepvoice/internal/model"
	"github.com/example/go-deepvoice/internal/tensor"
)

var (
	_ model.Model     = (*Engine)(nil)
	_ model.Generator = (*Engine)(nil)
	_ audio.Vocoder   = (*Engine)(nil)
)

// Engine is an in-memory model.Model, model.Generator and audio.Vocoder.
// Forward returns constant outputs shaped from its inputs, so losses are
// finite and deterministic. Every call is recorded by method name.
type Engine struct {
	NMels      int
	LinearDim  int
	R          int
	Downsample int
	Layers     int
	// HopSize is the number of samples Invert emits per spectrogram frame.
	HopSize int

	// NaNForwards lists 0-based Forward call indices whose mel output is NaN.
	NaNForwards map[int]bool
	// FailOn makes the named method return an error.
	FailOn map[string]error
	// OnForward runs after each Forward, before it returns.
	OnForward func(n int)

	mu       sync.Mutex
	calls    []string
	rates    []float64
	clips    []float64
	forwards int
	training bool
	steps    float32
	loaded   *model.State
	reset    bool
	vocab    int
	hparams  map[string]any
}

// NewEngine returns an Engine with one attention layer and 4 samples per
// frame.
func NewEngine(nMels, linearDim, r, downsample int) *Engine {
	return &Engine{NMels: nMels, LinearDim: linearDim, R: r, Downsample: downsample, Layers: 1, HopSize: 4}
}

func (e *Engine) record(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, name)

	return e.FailOn[name]
}

// Calls returns the method names invoked so far.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.calls...)
}

// Count returns how often method was called.
func (e *Engine) Count(method string) int {
	n := 0
	for _, c := range e.Calls() {
		if c == method {
			n++
		}
	}

	return n
}

// Rates returns the learning rates passed to Step.
func (e *Engine) Rates() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]float64(nil), e.rates...)
}

// ClipNorms returns the thresholds passed to ClipGradNorm.
func (e *Engine) ClipNorms() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]float64(nil), e.clips...)
}

// Training reports the last mode passed to SetTraining.
func (e *Engine) Training() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.training
}

// Loaded returns the last state passed to LoadState and whether the
// optimizer was reset.
func (e *Engine) Loaded() (*model.State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.loaded, e.reset
}

// Configure records the vocabulary size and hyperparameters it was built
// with.
func (e *Engine) Configure(_ context.Context, nVocab int, hparams map[string]any) error {
	if err := e.record("Configure"); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.vocab = nVocab
	e.hparams = hparams

	return nil
}

// Configured returns the arguments of the last Configure call.
func (e *Engine) Configured() (int, map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.vocab, e.hparams
}

func (e *Engine) Forward(_ context.Context, in model.TrainInputs) (*model.Outputs, error) {
	if err := e.record("Forward"); err != nil {
		return nil, err
	}

	if in.Mel == nil || in.Tokens == nil || in.FramePositions == nil {
		return nil, errors.New("fake engine: incomplete inputs")
	}

	e.mu.Lock()
	n := e.forwards
	e.forwards++
	e.mu.Unlock()

	b, tMel, tIn, tDec := in.Mel.Dim(0), in.Mel.Dim(1), in.Tokens.Dim(1), in.FramePositions.Dim(1)

	out, err := e.outputs(b, tMel, tMel*max(e.Downsample, 1), tDec, tIn)
	if err != nil {
		return nil, err
	}

	if e.NaNForwards[n] {
		out.Mel.RawData()[0] = float32(math.NaN())
	}

	if e.OnForward != nil {
		e.OnForward(n)
	}

	return out, nil
}

func (e *Engine) outputs(b, tMel, tLin, tDec, tIn int) (*model.Outputs, error) {
	mel, err := tensor.Full([]int64{int64(b), int64(tMel), int64(e.NMels)}, float32(0.5))
	if err != nil {
		return nil, err
	}

	linear, err := tensor.Full([]int64{int64(b), int64(tLin), int64(e.LinearDim)}, float32(0.5))
	if err != nil {
		return nil, err
	}

	done, err := tensor.Full([]int64{int64(b), int64(tDec), 1}, float32(0.5))
	if err != nil {
		return nil, err
	}

	attn, err := tensor.Full([]int64{int64(max(e.Layers, 1)), int64(b), int64(tDec), int64(tIn)}, float32(1/float64(tIn)))
	if err != nil {
		return nil, err
	}

	return &model.Outputs{Mel: mel, Linear: linear, Attention: attn, Done: done}, nil
}

func (e *Engine) Backward(_ context.Context, grads *model.Gradients) error {
	if err := e.record("Backward"); err != nil {
		return err
	}

	if grads == nil || grads.Mel == nil || grads.Linear == nil || grads.Done == nil {
		return errors.New("fake engine: missing output gradients")
	}

	return nil
}

func (e *Engine) ClipGradNorm(_ context.Context, maxNorm float64) (float64, error) {
	if err := e.record("ClipGradNorm"); err != nil {
		return 0, err
	}

	e.mu.Lock()
	e.clips = append(e.clips, maxNorm)
	e.mu.Unlock()

	return 2 * maxNorm, nil
}

func (e *Engine) Step(_ context.Context, lr float64) error {
	if err := e.record("Step"); err != nil {
		return err
	}

	e.mu.Lock()
	e.rates = append(e.rates, lr)
	e.steps++
	e.mu.Unlock()

	return nil
}

func (e *Engine) ZeroGrad(context.Context) error {
	return e.record("ZeroGrad")
}

func (e *Engine) SetTraining(_ context.Context, training bool) error {
	if err := e.record("SetTraining"); err != nil {
		return err
	}

	e.mu.Lock()
	e.training = training
	e.mu.Unlock()

	return nil
}

// State returns a "weight" tensor and an "optimizer_steps" counter holding
// the number of Step calls.
func (e *Engine) State(context.Context) (*model.State, error) {
	if err := e.record("State"); err != nil {
		return nil, err
	}

	e.mu.Lock()
	steps := e.steps
	e.mu.Unlock()

	w, _ := tensor.New([]float32{1, 2, 3, 4}, []int64{2, 2})
	s, _ := tensor.New([]float32{steps}, []int64{1})

	return &model.State{
		Model:     map[string]*tensor.Float32{"weight": w},
		Optimizer: map[string]*tensor.Float32{"optimizer_steps": s},
	}, nil
}

func (e *Engine) LoadState(_ context.Context, st *model.State, resetOptimizer bool) error {
	if err := e.record("LoadState"); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.loaded, e.reset = st, resetOptimizer
	if !resetOptimizer && st != nil {
		if s, ok := st.Optimizer["optimizer_steps"]; ok && s.ElemCount() == 1 {
			e.steps = s.RawData()[0]
		}
	}

	return nil
}

// Generate decodes min(maxDecoderSteps, 2·N) steps for N input tokens.
func (e *Engine) Generate(_ context.Context, tokens, textPositions *tensor.Int64, maxDecoderSteps int) (*model.Outputs, error) {
	if err := e.record("Generate"); err != nil {
		return nil, err
	}

	if tokens == nil || textPositions == nil {
		return nil, errors.New("fake engine: tokens and text positions are required")
	}

	if tokens.Dim(1) != textPositions.Dim(1) {
		return nil, fmt.Errorf("fake engine: %d tokens but %d positions", tokens.Dim(1), textPositions.Dim(1))
	}

	tIn := tokens.Dim(1)
	tDec := max(min(maxDecoderSteps, 2*tIn), 1)
	r, ds := max(e.R, 1), max(e.Downsample, 1)

	return e.outputs(1, tDec*r, tDec*r*ds, tDec, tIn)
}

// Invert emits HopSize samples of a 0.25 amplitude ramp per frame.
func (e *Engine) Invert(_ context.Context, linear *mat.Dense) ([]float32, error) {
	if err := e.record("Invert"); err != nil {
		return nil, err
	}

	rows, _ := linear.Dims()
	out := make([]float32, rows*max(e.HopSize, 1))
	for i := range out {
		out[i] = 0.25 * float32(i%8) / 8
	}

	return out, nil
}
