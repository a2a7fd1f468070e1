package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/go-deepvoice/internal/config"
	"github.com/example/go-deepvoice/internal/server"
	"github.com/spf13/cobra"
)

type serveOptions struct {
	backend                  string
	replacePronunciationProb float64
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve <checkpoint>",
		Short: "Serve synthesis over HTTP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			return runServe(cmd.Context(), cfg, opts, args[0], nil)
		},
	}

	cmd.Flags().StringVar(&opts.backend, "backend", "", "Inference backend (worker|onnx)")
	cmd.Flags().Float64Var(&opts.replacePronunciationProb, "replace-pronunciation-prob", 0, "Probability of substituting dictionary pronunciations")

	return cmd
}

// runServe blocks until ctx is cancelled. onReady, if set, receives the bound
// listen address.
func runServe(ctx context.Context, cfg config.Config, opts serveOptions, checkpointPath string, onReady func(addr string)) error {
	logger := slog.Default()

	d, closeDriver, err := openDriver(ctx, cfg, opts.backend, checkpointPath, logger)
	if err != nil {
		return err
	}
	defer closeDriver()

	sc := cfg.Server
	h := server.NewHandler(
		server.DriverSynthesizer{Driver: d, ReplacePronunciationProb: opts.replacePronunciationProb},
		server.WithWorkers(sc.Workers),
		server.WithMaxTextBytes(sc.MaxTextBytes),
		server.WithRequestTimeout(time.Duration(sc.RequestTimeout)*time.Second),
		server.WithMaxDecoderSteps(cfg.HParams.EvalMaxDecoderSteps),
		server.WithLogger(logger),
	)

	srv := server.New(sc.ListenAddr, h).WithShutdownTimeout(time.Duration(sc.ShutdownTimeout) * time.Second)

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case addr := <-srv.Ready():
			logger.Info("serving synthesis", "addr", addr, "checkpoint", checkpointPath, "workers", sc.Workers)
			if onReady != nil {
				onReady(addr)
			}
		case <-done:
		}
	}()

	return srv.Start(ctx)
}
