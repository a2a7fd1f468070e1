package worker

import (
	"fmt"

	"github.com/example/go-deepvoice/internal/model"
	"github.com/example/go-deepvoice/internal/tensor"
)

// Tensor is the wire form of a dense tensor. Exactly one of F32 and I64 is
// set.
type Tensor struct {
	Shape []int64   `msgpack:"shape"`
	F32   []float32 `msgpack:"f32,omitempty"`
	I64   []int64   `msgpack:"i64,omitempty"`
}

type Empty struct{}

type HelloReply struct {
	Name     string `msgpack:"name"`
	Version  string `msgpack:"version"`
	Protocol int    `msgpack:"protocol"`
}

// ConfigureArgs tells the engine which network to build. HParams carries the
// hyperparameters keyed by their config names.
type ConfigureArgs struct {
	NVocab  int            `msgpack:"n_vocab"`
	HParams map[string]any `msgpack:"hparams"`
}

type ForwardArgs struct {
	Tokens         *Tensor `msgpack:"tokens"`
	Mel            *Tensor `msgpack:"mel"`
	TextPositions  *Tensor `msgpack:"text_positions"`
	FramePositions *Tensor `msgpack:"frame_positions"`
	InputLengths   []int   `msgpack:"input_lengths"`
}

// Outputs carries forward results one way and output gradients the other.
type Outputs struct {
	Mel       *Tensor `msgpack:"mel"`
	Linear    *Tensor `msgpack:"linear"`
	Attention *Tensor `msgpack:"attention,omitempty"`
	Done      *Tensor `msgpack:"done"`
}

type ClipArgs struct {
	MaxNorm float64 `msgpack:"max_norm"`
}

type ClipReply struct {
	Norm float64 `msgpack:"norm"`
}

type StepArgs struct {
	LR float64 `msgpack:"lr"`
}

type TrainingArgs struct {
	Training bool `msgpack:"training"`
}

type State struct {
	Model          map[string]*Tensor `msgpack:"model"`
	Optimizer      map[string]*Tensor `msgpack:"optimizer,omitempty"`
	ResetOptimizer bool               `msgpack:"reset_optimizer,omitempty"`
}

type GenerateArgs struct {
	Tokens          *Tensor `msgpack:"tokens"`
	TextPositions   *Tensor `msgpack:"text_positions"`
	MaxDecoderSteps int     `msgpack:"max_decoder_steps"`
}

type InvertArgs struct {
	Linear *Tensor `msgpack:"linear"`
}

type InvertReply struct {
	Samples []float32 `msgpack:"samples"`
}

func fromFloat32(t *tensor.Float32) *Tensor {
	if t == nil {
		return nil
	}

	return &Tensor{Shape: t.Shape(), F32: t.RawData()}
}

func fromInt64(t *tensor.Int64) *Tensor {
	if t == nil {
		return nil
	}

	return &Tensor{Shape: t.Shape(), I64: t.RawData()}
}

func (w *Tensor) toFloat32() (*tensor.Float32, error) {
	if w == nil {
		return nil, nil
	}
	if w.I64 != nil {
		return nil, fmt.Errorf("worker: expected float32 tensor of shape %v, got int64", w.Shape)
	}

	data := w.F32
	if data == nil {
		data = []float32{}
	}

	return tensor.Wrap(data, w.Shape)
}

func (w *Tensor) toInt64() (*tensor.Int64, error) {
	if w == nil {
		return nil, nil
	}
	if w.F32 != nil {
		return nil, fmt.Errorf("worker: expected int64 tensor of shape %v, got float32", w.Shape)
	}

	data := w.I64
	if data == nil {
		data = []int64{}
	}

	return tensor.Wrap(data, w.Shape)
}

func fromOutputs(o *model.Outputs) *Outputs {
	return &Outputs{
		Mel:       fromFloat32(o.Mel),
		Linear:    fromFloat32(o.Linear),
		Attention: fromFloat32(o.Attention),
		Done:      fromFloat32(o.Done),
	}
}

func fromGradients(g *model.Gradients) *Outputs {
	return fromOutputs(&model.Outputs{Mel: g.Mel, Linear: g.Linear, Attention: g.Attention, Done: g.Done})
}

func (o *Outputs) decode() (*model.Outputs, error) {
	var (
		out model.Outputs
		err error
	)

	if out.Mel, err = o.Mel.toFloat32(); err != nil {
		return nil, fmt.Errorf("mel: %w", err)
	}
	if out.Linear, err = o.Linear.toFloat32(); err != nil {
		return nil, fmt.Errorf("linear: %w", err)
	}
	if out.Attention, err = o.Attention.toFloat32(); err != nil {
		return nil, fmt.Errorf("attention: %w", err)
	}
	if out.Done, err = o.Done.toFloat32(); err != nil {
		return nil, fmt.Errorf("done: %w", err)
	}

	return &out, nil
}

func fromParams(m map[string]*tensor.Float32) map[string]*Tensor {
	if m == nil {
		return nil
	}

	out := make(map[string]*Tensor, len(m))
	for k, v := range m {
		out[k] = fromFloat32(v)
	}

	return out
}

func decodeParams(m map[string]*Tensor) (map[string]*tensor.Float32, error) {
	if m == nil {
		return nil, nil
	}

	out := make(map[string]*tensor.Float32, len(m))
	for k, v := range m {
		t, err := v.toFloat32()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = t
	}

	return out, nil
}
