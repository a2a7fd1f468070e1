// Package train drives the optimization loop: it feeds batches to the model
// engine, scores the outputs, applies updates and persists checkpoints.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/example/go-deepvoice/internal/audio"
	"github.com/example/go-deepvoice/internal/batch"
	"github.com/example/go-deepvoice/internal/checkpoint"
	"github.com/example/go-deepvoice/internal/events"
	"github.com/example/go-deepvoice/internal/loss"
	"github.com/example/go-deepvoice/internal/lrschedule"
	"github.com/example/go-deepvoice/internal/model"
)

// ErrInterrupted is returned by Run when ctx is cancelled. The final
// checkpoint has been written by then.
var ErrInterrupted = errors.New("train: interrupted")

// State holds the training counters. GlobalStep counts every batch ever
// processed, skipped ones included.
type State struct {
	GlobalStep  int
	GlobalEpoch int
}

// Phase is the lifecycle stage of a Trainer, readable from any goroutine.
type Phase int32

const (
	Idle Phase = iota
	Running
	Checkpointing
	Interrupted
	Completed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Checkpointing:
		return "checkpointing"
	case Interrupted:
		return "interrupted"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Batches yields the batches of one epoch. *dataset.Loader implements it.
type Batches interface {
	Len() int
	Iterate(ctx context.Context, epoch int, fn func(*batch.Batch) error) error
}

// Options configures a training run.
type Options struct {
	CheckpointDir      string
	NEpochs            int
	InitialLR          float64
	Schedule           lrschedule.Schedule
	ClipThresh         float64
	CheckpointInterval int
	Loss               loss.Options
	Audio              audio.Params
	SampleRate         int
}

func (o Options) validate() error {
	switch {
	case o.CheckpointDir == "":
		return errors.New("train: checkpoint dir is required")
	case o.NEpochs < 0:
		return fmt.Errorf("train: nepochs must be >= 0, got %d", o.NEpochs)
	case o.CheckpointInterval < 1:
		return fmt.Errorf("train: checkpoint interval must be >= 1, got %d", o.CheckpointInterval)
	case o.SampleRate < 1:
		return fmt.Errorf("train: sample rate must be >= 1, got %d", o.SampleRate)
	}

	return nil
}

// Trainer owns the model engine and the training State for one run. It is
// not safe for concurrent use except for Phase.
type Trainer struct {
	model   model.Model
	data    Batches
	vocoder audio.Vocoder
	events  events.Sink
	logger  *slog.Logger
	opts    Options

	state State
	phase atomic.Int32
}

// Deps are the collaborators of a Trainer. Vocoder, Events and Logger are
// optional.
type Deps struct {
	Model   model.Model
	Data    Batches
	Vocoder audio.Vocoder
	Events  events.Sink
	Logger  *slog.Logger
}

func New(d Deps, opts Options) (*Trainer, error) {
	if d.Model == nil || d.Data == nil {
		return nil, errors.New("train: model and data are required")
	}

	if err := opts.validate(); err != nil {
		return nil, err
	}

	if d.Events == nil {
		d.Events = events.Discard{}
	}

	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	return &Trainer{
		model:   d.Model,
		data:    d.Data,
		vocoder: d.Vocoder,
		events:  d.Events,
		logger:  d.Logger,
		opts:    opts,
	}, nil
}

func (t *Trainer) State() State { return t.state }

func (t *Trainer) Phase() Phase { return Phase(t.phase.Load()) }

func (t *Trainer) setPhase(p Phase) { t.phase.Store(int32(p)) }

// Restore loads a checkpoint into the model and resumes its counters. With
// resetOptimizer the optimizer state is neither read nor restored.
func (t *Trainer) Restore(ctx context.Context, path string, resetOptimizer bool) error {
	c, err := checkpoint.Load(path, checkpoint.LoadOptions{SkipOptimizer: resetOptimizer})
	if err != nil {
		return err
	}

	if err := t.model.LoadState(ctx, c.State(), resetOptimizer); err != nil {
		return fmt.Errorf("train: load state from %s: %w", path, err)
	}

	t.state = State{GlobalStep: c.GlobalStep, GlobalEpoch: c.GlobalEpoch}
	t.logger.Info("resumed from checkpoint",
		"path", path,
		"global_step", c.GlobalStep,
		"global_epoch", c.GlobalEpoch,
		"reset_optimizer", resetOptimizer,
	)

	return nil
}

// Run trains until GlobalEpoch reaches NEpochs. When ctx is cancelled it
// finishes the current batch, stops before the next one, writes a final checkpoint and returns
// ErrInterrupted.
func (t *Trainer) Run(ctx context.Context) error {
	t.setPhase(Running)

	if err := t.model.SetTraining(ctx, true); err != nil {
		return t.fail(ctx, fmt.Errorf("train: set training mode: %w", err))
	}

	for t.state.GlobalEpoch < t.opts.NEpochs {
		if ctx.Err() != nil {
			return t.interrupt(ctx)
		}

		start := time.Now()
		var running float64

		err := t.data.Iterate(ctx, t.state.GlobalEpoch, func(b *batch.Batch) error {
			if err := ctx.Err(); err != nil {
				return err
			}

			// A started batch runs to completion so the engine never holds
			// an update that GlobalStep has not counted.
			total, err := t.step(context.WithoutCancel(ctx), b)
			running += total

			return err
		})
		if err != nil {
			return t.fail(ctx, err)
		}

		avg := running / float64(max(t.data.Len(), 1))
		t.scalars(t.state.GlobalEpoch, map[string]float64{"loss (per epoch)": avg})
		t.logger.Info("epoch done",
			"epoch", t.state.GlobalEpoch,
			"global_step", t.state.GlobalStep,
			"loss", avg,
			"elapsed", time.Since(start).Round(time.Millisecond).String(),
		)

		t.state.GlobalEpoch++
	}

	t.setPhase(Completed)

	return nil
}

// fail turns an error seen while ctx is cancelled into an interruption.
func (t *Trainer) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return t.interrupt(ctx)
	}

	return err
}

func (t *Trainer) interrupt(ctx context.Context) error {
	t.setPhase(Interrupted)
	t.logger.Warn("training interrupted, saving final checkpoint", "global_step", t.state.GlobalStep)

	if _, err := t.saveCheckpoint(context.WithoutCancel(ctx)); err != nil {
		return errors.Join(ErrInterrupted, err)
	}

	return fmt.Errorf("%w at step %d", ErrInterrupted, t.state.GlobalStep)
}

// step runs one batch and returns its total loss, or 0 when the batch was
// skipped for a non-finite loss.
func (t *Trainer) step(ctx context.Context, b *batch.Batch) (float64, error) {
	lr := t.opts.Schedule.Rate(t.opts.InitialLR, t.state.GlobalStep)

	if err := t.model.ZeroGrad(ctx); err != nil {
		return 0, fmt.Errorf("train: zero grad: %w", err)
	}

	mel, err := b.DownsampleMel()
	if err != nil {
		return 0, err
	}

	out, err := t.model.Forward(ctx, model.TrainInputs{
		Tokens:         b.Tokens,
		Mel:            mel,
		TextPositions:  b.TextPositions,
		FramePositions: b.FramePositions,
		InputLengths:   b.InputLengths,
	})
	if err != nil {
		return 0, fmt.Errorf("train: forward at step %d: %w", t.state.GlobalStep, err)
	}

	bd, grads, err := loss.Compute(out, b, mel, t.opts.Loss)
	if err != nil {
		return 0, fmt.Errorf("train: loss at step %d: %w", t.state.GlobalStep, err)
	}

	finite := bd.Finite()

	if t.state.GlobalStep > 0 && t.state.GlobalStep%t.opts.CheckpointInterval == 0 {
		if finite {
			t.saveStates(ctx, out, b, mel)
		}

		if _, err := t.saveCheckpoint(ctx); err != nil {
			return 0, err
		}
	}

	if !finite {
		t.logger.Warn("non-finite loss, skipping update",
			"global_step", t.state.GlobalStep,
			"loss", bd.Total,
			"mel", bd.Mel,
			"linear", bd.Linear,
			"done", bd.Done,
		)
		t.scalars(t.state.GlobalStep, map[string]float64{"skipped_steps": 1})
		t.state.GlobalStep++

		return 0, nil
	}

	if err := t.model.Backward(ctx, grads); err != nil {
		return 0, fmt.Errorf("train: backward at step %d: %w", t.state.GlobalStep, err)
	}

	scalars := map[string]float64{
		"loss":              bd.Total,
		"done_loss":         bd.Done,
		"mel loss":          bd.Mel,
		"mel_l1_loss":       bd.MelL1,
		"mel_binary_div":    bd.MelBinaryDiv,
		"linear_loss":       bd.Linear,
		"linear_l1_loss":    bd.LinearL1,
		"linear_binary_div": bd.LinearBinaryDiv,
		"learning rate":     lr,
	}

	if bd.HasAttention {
		scalars["attn_loss"] = bd.Attention
	}

	if t.opts.ClipThresh > 0 {
		norm, err := t.model.ClipGradNorm(ctx, t.opts.ClipThresh)
		if err != nil {
			return 0, fmt.Errorf("train: clip grad norm at step %d: %w", t.state.GlobalStep, err)
		}

		scalars["gradient norm"] = norm
	}

	if err := t.model.Step(ctx, lr); err != nil {
		return 0, fmt.Errorf("train: optimizer step %d: %w", t.state.GlobalStep, err)
	}

	t.scalars(t.state.GlobalStep, scalars)
	t.logger.Debug("step",
		"global_step", t.state.GlobalStep,
		"loss", bd.Total,
		"lr", lr,
	)

	t.state.GlobalStep++

	return bd.Total, nil
}

func (t *Trainer) scalars(step int, values map[string]float64) {
	var errs []error
	for tag, v := range values {
		if err := t.events.Scalar(tag, v, step); err != nil {
			errs = append(errs, err)
		}
	}

	events.Result{Op: "write scalars", Err: errors.Join(errs...)}.Report(t.logger)
}

// saveCheckpoint snapshots the engine and writes it under CheckpointDir.
func (t *Trainer) saveCheckpoint(ctx context.Context) (string, error) {
	prev := t.Phase()
	t.setPhase(Checkpointing)
	defer t.setPhase(prev)

	st, err := t.model.State(ctx)
	if err != nil {
		return "", fmt.Errorf("train: snapshot state at step %d: %w", t.state.GlobalStep, err)
	}

	path, err := checkpoint.Save(t.opts.CheckpointDir, checkpoint.FromState(st, t.state.GlobalStep, t.state.GlobalEpoch))
	if err != nil {
		return "", err
	}

	t.logger.Info("saved checkpoint", "path", path, "global_step", t.state.GlobalStep, "global_epoch", t.state.GlobalEpoch)

	return path, nil
}
