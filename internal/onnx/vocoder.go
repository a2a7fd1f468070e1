package onnx

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/example/go-deepvoice/internal/audio"
	"github.com/example/go-deepvoice/internal/tensor"
)

var _ audio.Vocoder = (*Vocoder)(nil)

// Vocoder inverts linear spectrograms with an exported "vocoder" graph that
// maps magnitude [1, T, F] to waveform [1, S].
type Vocoder struct {
	graph  graphRunner
	params audio.Params
}

func NewVocoder(rt *Runtime, m *Manifest, p audio.Params) (*Vocoder, error) {
	g, err := m.Graph(GraphVocoder)
	if err != nil {
		return nil, err
	}

	r, err := rt.Open(g)
	if err != nil {
		return nil, err
	}

	return &Vocoder{graph: r, params: p}, nil
}

// Invert denormalizes the spectrogram, runs phase reconstruction and undoes
// pre-emphasis.
func (v *Vocoder) Invert(ctx context.Context, linear *mat.Dense) ([]float32, error) {
	mag := audio.Magnitude(linear, v.params)
	rows, cols := mag.Dims()

	data := make([]float32, 0, rows*cols)
	for i := range rows {
		for j := range cols {
			data = append(data, float32(mag.At(i, j)))
		}
	}

	in, err := tensor.Wrap(data, []int64{1, int64(rows), int64(cols)})
	if err != nil {
		return nil, err
	}

	res, err := v.graph.Run(ctx, map[string]any{"magnitude": in})
	if err != nil {
		return nil, fmt.Errorf("onnx: vocoder: %w", err)
	}

	wave, err := float32Output(res, "waveform", true)
	if err != nil {
		return nil, err
	}

	samples := append([]float32(nil), wave.RawData()...)

	return audio.InvPreemphasis(samples, v.params.Preemphasis), nil
}

func (v *Vocoder) Close() {
	v.graph.Close()
}
