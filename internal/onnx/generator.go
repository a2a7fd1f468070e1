package onnx

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/go-deepvoice/internal/model"
	"github.com/example/go-deepvoice/internal/tensor"
)

// graphRunner is the subset of *Runner the generator and vocoder need.
type graphRunner interface {
	Run(ctx context.Context, inputs map[string]any) (map[string]any, error)
	Close()
}

var _ model.Generator = (*Generator)(nil)

// Generator runs greedy decoding through an exported "generate" graph.
//
// Inputs: tokens [1, N] int64, text_positions [1, N] int64 and
// max_decoder_steps [1] int64 (optional in the graph). Outputs: mel, linear,
// alignments and done.
type Generator struct {
	graph    graphRunner
	hasSteps bool
}

// NewGenerator opens the "generate" graph of m on rt.
func NewGenerator(rt *Runtime, m *Manifest) (*Generator, error) {
	g, err := m.Graph(GraphGenerate)
	if err != nil {
		return nil, err
	}

	r, err := rt.Open(g)
	if err != nil {
		return nil, err
	}

	return &Generator{graph: r, hasSteps: g.HasInput("max_decoder_steps")}, nil
}

func (g *Generator) Generate(ctx context.Context, tokens, textPositions *tensor.Int64, maxDecoderSteps int) (*model.Outputs, error) {
	if tokens == nil || textPositions == nil {
		return nil, errors.New("onnx: tokens and text positions are required")
	}

	inputs := map[string]any{
		"tokens":         tokens,
		"text_positions": textPositions,
	}

	if g.hasSteps {
		steps, err := tensor.New([]int64{int64(maxDecoderSteps)}, []int64{1})
		if err != nil {
			return nil, err
		}

		inputs["max_decoder_steps"] = steps
	}

	res, err := g.graph.Run(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("onnx: generate: %w", err)
	}

	out := &model.Outputs{}
	if out.Mel, err = float32Output(res, "mel", true); err != nil {
		return nil, err
	}

	if out.Linear, err = float32Output(res, "linear", true); err != nil {
		return nil, err
	}

	if out.Attention, err = float32Output(res, "alignments", false); err != nil {
		return nil, err
	}

	if out.Done, err = float32Output(res, "done", false); err != nil {
		return nil, err
	}

	// Older exports emit alignments as [B, Tdec, Tenc]; add the layer axis.
	if out.Attention != nil && out.Attention.Rank() == 3 {
		if out.Attention, err = out.Attention.Reshape(append([]int64{1}, out.Attention.Shape()...)); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// LoadState is a no-op: exported graphs carry their weights.
func (g *Generator) LoadState(context.Context, *model.State, bool) error {
	return nil
}

func (g *Generator) Close() {
	g.graph.Close()
}

func float32Output(res map[string]any, name string, required bool) (*tensor.Float32, error) {
	v, ok := res[name]
	if !ok {
		if required {
			return nil, fmt.Errorf("onnx: graph output %q missing", name)
		}

		return nil, nil
	}

	t, ok := v.(*tensor.Float32)
	if !ok {
		return nil, fmt.Errorf("onnx: graph output %q is %T, want float32", name, v)
	}

	return t, nil
}
