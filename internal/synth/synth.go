// Package synth runs greedy decoding over lines of text and writes the
// resulting waveforms and alignment plots.
package synth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"gonum.org/v1/gonum/mat"

	"github.com/example/go-deepvoice/internal/audio"
	"github.com/example/go-deepvoice/internal/checkpoint"
	"github.com/example/go-deepvoice/internal/model"
	"github.com/example/go-deepvoice/internal/plot"
	"github.com/example/go-deepvoice/internal/tensor"
	"github.com/example/go-deepvoice/internal/text"
)

// Driver turns text into audio with a trained model. Logger is optional.
type Driver struct {
	Generator  model.Generator
	Frontend   text.Frontend
	Vocoder    audio.Vocoder
	SampleRate int
	Logger     *slog.Logger
}

type Options struct {
	DstDir string
	// CheckpointPath names the artifacts; it is not loaded by Run.
	CheckpointPath           string
	Suffix                   string
	MaxDecoderSteps          int
	ReplacePronunciationProb float64
}

// Speech is the result of synthesizing one sentence.
type Speech struct {
	Waveform  []float32
	Alignment *mat.Dense // [T_dec × T_enc]
	Linear    *mat.Dense // [T × n_freq], normalized
	Mel       *mat.Dense // [T × n_mels], normalized
}

// Artifact records the files written for one input line.
type Artifact struct {
	Index         int
	Text          string
	WAVPath       string
	AlignmentPath string
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}

	return slog.Default()
}

// Load restores model weights from a training checkpoint. Optimizer state
// is never read.
func (d *Driver) Load(ctx context.Context, path string) error {
	c, err := checkpoint.Load(path, checkpoint.LoadOptions{SkipOptimizer: true})
	if err != nil {
		return err
	}

	if err := d.Generator.LoadState(ctx, c.State(), true); err != nil {
		return fmt.Errorf("synth: load %s: %w", path, err)
	}

	d.logger().Info("loaded checkpoint", "path", path, "global_step", c.GlobalStep)

	return nil
}

// Synthesize decodes a single sentence greedily and inverts the predicted
// linear spectrogram into a peak-normalized waveform.
func (d *Driver) Synthesize(ctx context.Context, sentence string, maxDecoderSteps int, p float64) (*Speech, error) {
	seq, err := d.Frontend.TextToSequence(sentence, p)
	if err != nil {
		return nil, fmt.Errorf("synth: text to sequence: %w", err)
	}

	if len(seq) == 0 {
		return nil, errors.New("synth: empty token sequence")
	}

	tokens, err := tensor.New(seq, []int64{1, int64(len(seq))})
	if err != nil {
		return nil, err
	}

	out, err := d.Generator.Generate(ctx, tokens, model.TextPositions(len(seq)), maxDecoderSteps)
	if err != nil {
		return nil, fmt.Errorf("synth: generate: %w", err)
	}

	sp := &Speech{}
	if sp.Linear, err = first(out.Linear); err != nil {
		return nil, fmt.Errorf("synth: linear output: %w", err)
	}

	if sp.Mel, err = first(out.Mel); err != nil {
		return nil, fmt.Errorf("synth: mel output: %w", err)
	}

	if out.Attention != nil {
		attn := out.Attention
		if attn.Rank() == 4 {
			if attn, err = tensor.MeanDim0(attn); err != nil {
				return nil, err
			}
		}

		if sp.Alignment, err = first(attn); err != nil {
			return nil, fmt.Errorf("synth: alignment output: %w", err)
		}
	}

	wave, err := d.Vocoder.Invert(ctx, sp.Linear)
	if err != nil {
		return nil, fmt.Errorf("synth: invert: %w", err)
	}

	sp.Waveform = audio.PeakNormalize(wave)

	return sp, nil
}

// first returns batch element 0 of a [1, rows, cols] tensor.
func first(t *tensor.Float32) (*mat.Dense, error) {
	if t == nil || t.Rank() != 3 {
		return nil, fmt.Errorf("want [B, T, D], got %v", t.Shape())
	}

	s, err := t.Select(0, 0)
	if err != nil {
		return nil, err
	}

	return tensor.ToDense(s)
}

// Run synthesizes every non-empty line. Artifacts are named
// {index}_{checkpoint}{suffix}.wav and {index}_{checkpoint}{suffix}_alignment.png,
// where index counts every line including skipped ones.
func (d *Driver) Run(ctx context.Context, lines []string, opts Options) ([]Artifact, error) {
	if err := os.MkdirAll(opts.DstDir, 0o755); err != nil {
		return nil, fmt.Errorf("synth: create %s: %w", opts.DstDir, err)
	}

	name := checkpoint.Name(opts.CheckpointPath)
	logger := d.logger()

	var out []Artifact
	for idx, line := range lines {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		if strings.TrimSpace(line) == "" {
			logger.Warn("skipping empty line", "index", idx)
			continue
		}

		sp, err := d.Synthesize(ctx, line, opts.MaxDecoderSteps, opts.ReplacePronunciationProb)
		if err != nil {
			return out, fmt.Errorf("line %d: %w", idx, err)
		}

		base := filepath.Join(opts.DstDir, fmt.Sprintf("%d_%s%s", idx, name, opts.Suffix))
		a := Artifact{Index: idx, Text: line, WAVPath: base + ".wav"}

		if err := audio.WriteWAVFile(a.WAVPath, sp.Waveform, d.SampleRate); err != nil {
			return out, err
		}

		if sp.Alignment != nil {
			a.AlignmentPath = base + "_alignment.png"
			if err := plot.SaveAlignment(a.AlignmentPath, sp.Alignment, "deepvoice3, "+opts.CheckpointPath); err != nil {
				return out, err
			}
		}

		logger.Info("synthesized",
			"index", idx,
			"text", line,
			"chars", utf8.RuneCountInString(line),
			"words", len(strings.Fields(line)),
			"wav", a.WAVPath,
			"seconds", float64(len(sp.Waveform))/float64(d.SampleRate),
		)

		out = append(out, a)
	}

	logger.Info("synthesis finished", "dst_dir", opts.DstDir, "files", len(out))

	return out, nil
}

// ReadLines reads r line by line, dropping line terminators.
func ReadLines(r io.Reader) ([]string, error) {
	var lines []string

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for sc.Scan() {
		lines = append(lines, strings.TrimSuffix(sc.Text(), "\r"))
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("synth: read lines: %w", err)
	}

	return lines, nil
}

// ReadLinesFile reads the lines of the file at path.
func ReadLinesFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("synth: %w", err)
	}
	defer f.Close()

	return ReadLines(f)
}
