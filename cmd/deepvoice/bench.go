package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/example/go-deepvoice/internal/audio"
	"github.com/example/go-deepvoice/internal/bench"
	"github.com/example/go-deepvoice/internal/config"
	"github.com/spf13/cobra"
)

type benchOptions struct {
	backend         string
	text            string
	runs            int
	format          string
	rtfThreshold    float64
	maxDecoderSteps int
}

func newBenchCmd() *cobra.Command {
	var opts benchOptions

	cmd := &cobra.Command{
		Use:   "bench <checkpoint>",
		Short: "Measure synthesis latency and real-time factor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("max-decoder-steps") {
				opts.maxDecoderSteps = cfg.HParams.EvalMaxDecoderSteps
			}

			return runBench(cmd.Context(), cfg, opts, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.backend, "backend", "", "Inference backend (worker|onnx)")
	cmd.Flags().StringVar(&opts.text, "text", "Scientists at the CERN laboratory say they have discovered a new particle.", "Sentence to synthesize")
	cmd.Flags().IntVar(&opts.runs, "runs", 5, "Number of synthesis runs")
	cmd.Flags().StringVar(&opts.format, "format", "table", "Output format (table|json)")
	cmd.Flags().Float64Var(&opts.rtfThreshold, "rtf-threshold", 0, "Fail when mean RTF exceeds this value (0 disables)")
	cmd.Flags().IntVar(&opts.maxDecoderSteps, "max-decoder-steps", 0, "Decoder step limit (default hparams eval_max_decoder_steps)")

	return cmd
}

func runBench(ctx context.Context, cfg config.Config, opts benchOptions, checkpointPath string, stdout io.Writer) error {
	format := strings.ToLower(strings.TrimSpace(opts.format))
	if format != "table" && format != "json" {
		return fmt.Errorf("unsupported format %q (expected table|json)", opts.format)
	}

	logger := slog.Default()

	d, closeDriver, err := openDriver(ctx, cfg, opts.backend, checkpointPath, logger)
	if err != nil {
		return err
	}
	defer closeDriver()

	runs, err := bench.Run(ctx, func(ctx context.Context) ([]byte, error) {
		sp, err := d.Synthesize(ctx, opts.text, opts.maxDecoderSteps, 0)
		if err != nil {
			return nil, err
		}
		return audio.EncodeWAV(sp.Waveform, d.SampleRate)
	}, opts.runs)
	if err != nil {
		return err
	}

	stats := bench.ComputeStats(runs)
	if format == "json" {
		if err := bench.FormatJSON(runs, stats, stdout); err != nil {
			return err
		}
	} else {
		bench.FormatTable(runs, stats, stdout)
	}

	return bench.CheckRTFThreshold(stats.MeanRTF, opts.rtfThreshold)
}
