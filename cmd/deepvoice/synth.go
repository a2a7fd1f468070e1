package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/example/go-deepvoice/internal/audio"
	"github.com/example/go-deepvoice/internal/config"
	"github.com/example/go-deepvoice/internal/model"
	"github.com/example/go-deepvoice/internal/onnx"
	"github.com/example/go-deepvoice/internal/synth"
	"github.com/spf13/cobra"
)

type synthOptions struct {
	backend                  string
	maxDecoderSteps          int
	suffix                   string
	replacePronunciationProb float64
}

func newSynthCmd() *cobra.Command {
	var opts synthOptions

	cmd := &cobra.Command{
		Use:   "synth <checkpoint> <text_list_file> <dst_dir>",
		Short: "Synthesize every line of a text file to WAV",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("max-decoder-steps") {
				opts.maxDecoderSteps = cfg.HParams.EvalMaxDecoderSteps
			}

			return runSynth(cmd.Context(), cfg, opts, args[0], args[1], args[2], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.backend, "backend", "", "Inference backend (worker|onnx)")
	cmd.Flags().IntVar(&opts.maxDecoderSteps, "max-decoder-steps", 0, "Decoder step limit (default hparams eval_max_decoder_steps)")
	cmd.Flags().StringVar(&opts.suffix, "file-name-suffix", "", "Suffix appended to every output file name")
	cmd.Flags().Float64Var(&opts.replacePronunciationProb, "replace-pronunciation-prob", 0, "Probability of substituting dictionary pronunciations")

	return cmd
}

// synthBackend is a generator and vocoder pair plus their teardown.
type synthBackend struct {
	generator model.Generator
	vocoder   audio.Vocoder
	close     func()
	// weights reports whether checkpoint weights must be loaded into the
	// generator. Exported ONNX graphs carry their own.
	weights bool
}

func openSynthBackend(ctx context.Context, cfg config.Config, name string, nVocab int, logger *slog.Logger) (*synthBackend, error) {
	backend, err := config.NormalizeBackend(name)
	if err != nil {
		return nil, err
	}

	switch backend {
	case config.BackendONNX:
		exp, err := onnx.OpenExport(cfg.Runtime, cfg.HParams.AudioParams())
		if err != nil {
			return nil, err
		}
		logger.Info("onnx runtime", "library", exp.Runtime.LibraryPath, "version", exp.Runtime.Version, "source", exp.Runtime.Source)

		return &synthBackend{
			generator: exp.Generator,
			vocoder:   exp.Vocoder,
			close:     exp.Close,
		}, nil
	default:
		eng, err := startEngine(ctx, cfg, nVocab, logger)
		if err != nil {
			return nil, err
		}

		return &synthBackend{
			generator: eng,
			vocoder:   eng,
			close:     func() { _ = eng.Close() },
			weights:   true,
		}, nil
	}
}

// openDriver builds a synthesis driver on the named backend and loads the
// checkpoint into it when the backend needs weights.
func openDriver(ctx context.Context, cfg config.Config, backend, checkpointPath string, logger *slog.Logger) (*synth.Driver, func(), error) {
	fe, err := loadFrontend(cfg)
	if err != nil {
		return nil, nil, err
	}

	be, err := openSynthBackend(ctx, cfg, backend, fe.NVocab(), logger)
	if err != nil {
		return nil, nil, err
	}

	d := &synth.Driver{
		Generator:  be.generator,
		Frontend:   fe,
		Vocoder:    be.vocoder,
		SampleRate: cfg.HParams.SampleRate,
		Logger:     logger,
	}

	if be.weights {
		if err := d.Load(ctx, checkpointPath); err != nil {
			be.close()
			return nil, nil, err
		}
	}

	return d, be.close, nil
}

func runSynth(ctx context.Context, cfg config.Config, opts synthOptions, checkpointPath, textList, dstDir string, stdout io.Writer) error {
	logger := slog.Default()

	lines, err := synth.ReadLinesFile(textList)
	if err != nil {
		return err
	}

	d, closeDriver, err := openDriver(ctx, cfg, opts.backend, checkpointPath, logger)
	if err != nil {
		return err
	}
	defer closeDriver()

	arts, err := d.Run(ctx, lines, synth.Options{
		DstDir:                   dstDir,
		CheckpointPath:           checkpointPath,
		Suffix:                   opts.suffix,
		MaxDecoderSteps:          opts.maxDecoderSteps,
		ReplacePronunciationProb: opts.replacePronunciationProb,
	})
	for _, a := range arts {
		_, _ = fmt.Fprintf(stdout, "%d\t%s\t%s\n", a.Index, a.WAVPath, a.Text)
	}
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(stdout, "Finished! Check out %s for generated audio samples.\n", dstDir)

	return nil
}
