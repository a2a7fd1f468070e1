// Package model defines the ports through which the training loop and the
// synthesis driver reach the external deep-learning engine. The network,
// autodiff and optimizer math live behind these interfaces.
package model

import (
	"context"

	"github.com/example/go-deepvoice/internal/tensor"
)

// TrainInputs is a teacher-forced forward pass request.
type TrainInputs struct {
	Tokens         *tensor.Int64   // [B, Tin]
	Mel            *tensor.Float32 // [B, Tmel, n_mels], downsampled targets
	TextPositions  *tensor.Int64   // [B, Tin]
	FramePositions *tensor.Int64   // [B, Tdec]
	InputLengths   []int
}

// Outputs is what a forward pass returns.
type Outputs struct {
	Mel       *tensor.Float32 // [B, Tmel, n_mels]
	Linear    *tensor.Float32 // [B, Tlin, n_freq]
	Attention *tensor.Float32 // [L, B, Tdec, Tenc]
	Done      *tensor.Float32 // [B, Tdec, 1], stop probabilities
}

// Gradients holds ∂loss/∂output for each output tensor. A nil field means
// the loss does not depend on that output.
type Gradients struct {
	Mel       *tensor.Float32
	Linear    *tensor.Float32
	Attention *tensor.Float32
	Done      *tensor.Float32
}

// State is a snapshot of model and optimizer parameters keyed by name.
type State struct {
	Model     map[string]*tensor.Float32
	Optimizer map[string]*tensor.Float32
}

// Model is a trainable network. Calls are synchronous; the training loop
// never overlaps them.
type Model interface {
	Forward(ctx context.Context, in TrainInputs) (*Outputs, error)
	// Backward propagates the given output gradients through the network,
	// accumulating parameter gradients.
	Backward(ctx context.Context, grads *Gradients) error
	// ClipGradNorm rescales parameter gradients to a total norm of at most
	// maxNorm and returns the norm before clipping.
	ClipGradNorm(ctx context.Context, maxNorm float64) (float64, error)
	// Step applies one optimizer update at learning rate lr.
	Step(ctx context.Context, lr float64) error
	ZeroGrad(ctx context.Context) error
	SetTraining(ctx context.Context, training bool) error
	State(ctx context.Context) (*State, error)
	LoadState(ctx context.Context, st *State, resetOptimizer bool) error
}

// Generator runs greedy (non-teacher-forced) decoding.
type Generator interface {
	Generate(ctx context.Context, tokens, textPositions *tensor.Int64, maxDecoderSteps int) (*Outputs, error)
	LoadState(ctx context.Context, st *State, resetOptimizer bool) error
}

// TextPositions returns 1..n as a [1, n] tensor, the position input used for
// single-utterance inference.
func TextPositions(n int) *tensor.Int64 {
	pos := make([]int64, n)
	for i := range pos {
		pos[i] = int64(i + 1)
	}
	t, _ := tensor.Wrap(pos, []int64{1, int64(n)})
	return t
}
