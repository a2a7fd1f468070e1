package train

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.com/example/go-deepvoice/internal/audio"
	"github.com/example/go-deepvoice/internal/batch"
	"github.com/example/go-deepvoice/internal/events"
	"github.com/example/go-deepvoice/internal/model"
	"github.com/example/go-deepvoice/internal/plot"
	"github.com/example/go-deepvoice/internal/tensor"
)

// saveStates writes alignment heatmaps, spectrogram images and the predicted
// waveform for one utterance of the batch into CheckpointDir. Every artifact
// is best-effort.
func (t *Trainer) saveStates(ctx context.Context, out *model.Outputs, b *batch.Batch, mel *tensor.Float32) {
	step := t.state.GlobalStep
	idx := int64(min(1, b.Size()-1))
	dir := t.opts.CheckpointDir

	t.logger.Info("saving intermediate states", "global_step", step, "sample", idx)

	report := func(op string, fn func() error) {
		events.Try(op, fn).Report(t.logger)
	}

	info := fmt.Sprintf("deepvoice3, step=%d", step)
	alignment := func(path string, m *mat.Dense) error {
		return plot.SaveAlignment(path, m, info)
	}

	if out.Attention != nil && out.Attention.Rank() == 4 {
		for i := range out.Attention.Dim(0) {
			tag := fmt.Sprintf("alignment_layer%d", i+1)
			path := filepath.Join(dir, tag, fmt.Sprintf("step%09d_layer_%d_alignment.png", step, i+1))

			report("save "+tag, func() error {
				layer, err := out.Attention.Select(0, int64(i))
				if err != nil {
					return err
				}

				return t.saveImage(tag, path, layer, idx, alignment)
			})
		}

		report("save averaged alignment", func() error {
			avg, err := tensor.MeanDim0(out.Attention)
			if err != nil {
				return err
			}

			path := filepath.Join(dir, "alignment_ave", fmt.Sprintf("step%09d_alignment.png", step))

			return t.saveImage("averaged_alignment", path, avg, idx, alignment)
		})
	}

	spectrograms := []struct {
		tag  string
		name string
		src  *tensor.Float32
	}{
		{"Predicted mel spectrogram", "predicted_mel", out.Mel},
		{"Predicted linear spectrogram", "predicted_linear", out.Linear},
		{"Target mel spectrogram", "target_mel", mel},
		{"Target linear spectrogram", "target_linear", b.Linear},
	}

	for _, s := range spectrograms {
		path := filepath.Join(dir, fmt.Sprintf("step%09d_%s.png", step, s.name))
		report("save "+s.name, func() error {
			return t.saveImage(s.tag, path, s.src, idx, func(path string, m *mat.Dense) error {
				return plot.SaveSpectrogram(path, audio.Denormalize(m, t.opts.Audio.MinLevelDB))
			})
		})
	}

	if t.vocoder != nil {
		report("save predicted audio", func() error {
			return t.savePredictedAudio(ctx, out.Linear, idx, step)
		})
	}
}

// saveImage renders sample idx of a [B, rows, cols] tensor with save and
// records an image event.
func (t *Trainer) saveImage(tag, path string, src *tensor.Float32, idx int64, save func(string, *mat.Dense) error) error {
	sample, err := src.Select(0, idx)
	if err != nil {
		return err
	}

	m, err := tensor.ToDense(sample)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	if err := save(path, m); err != nil {
		return err
	}

	return t.events.Image(tag, path, t.state.GlobalStep)
}

func (t *Trainer) savePredictedAudio(ctx context.Context, linear *tensor.Float32, idx int64, step int) error {
	sample, err := linear.Select(0, idx)
	if err != nil {
		return err
	}

	m, err := tensor.ToDense(sample)
	if err != nil {
		return err
	}

	signal, err := t.vocoder.Invert(ctx, m)
	if err != nil {
		return fmt.Errorf("invert linear spectrogram: %w", err)
	}

	path := filepath.Join(t.opts.CheckpointDir, fmt.Sprintf("step%09d_predicted.wav", step))
	if err := audio.WriteWAVFile(path, audio.PeakNormalize(signal), t.opts.SampleRate); err != nil {
		return err
	}

	// The audio event is optional on top of the written file.
	events.Try("audio event", func() error {
		return t.events.Audio("Predicted audio signal", path, t.opts.SampleRate, step)
	}).Report(t.logger)

	return nil
}
