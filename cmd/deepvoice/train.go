package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/example/go-deepvoice/internal/config"
	"github.com/example/go-deepvoice/internal/dataset"
	"github.com/example/go-deepvoice/internal/events"
	"github.com/example/go-deepvoice/internal/logging"
	"github.com/example/go-deepvoice/internal/text"
	"github.com/example/go-deepvoice/internal/train"
	"github.com/spf13/cobra"
)

type trainOptions struct {
	checkpointPath string
	resetOptimizer bool
	now            func() time.Time
}

func newTrainCmd() *cobra.Command {
	opts := trainOptions{now: time.Now}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model on a preprocessed dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			return runTrain(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.checkpointPath, "checkpoint-path", "", "Resume from this checkpoint")
	cmd.Flags().BoolVar(&opts.resetOptimizer, "reset-optimizer", false, "Discard the optimizer state when resuming")

	return cmd
}

// runDir is where events, diagnostics and the rotated log of one run go.
func runDir(cfg config.Config, now time.Time) string {
	if cfg.Paths.LogEventPath != "" {
		return cfg.Paths.LogEventPath
	}

	return filepath.Join("log", "run-"+now.Format("20060102-150405"))
}

func loadFrontend(cfg config.Config) (text.Frontend, error) {
	var lex text.Lexicon
	if cfg.Paths.Lexicon != "" {
		var err error
		if lex, err = text.LoadLexicon(cfg.Paths.Lexicon); err != nil {
			return nil, err
		}
	}

	return text.New(cfg.HParams.Frontend, lex, cfg.HParams.ShuffleSeed)
}

func runTrain(ctx context.Context, cfg config.Config, opts trainOptions) error {
	h := cfg.HParams

	now := time.Now
	if opts.now != nil {
		now = opts.now
	}

	dir := runDir(cfg, now())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	logger := logging.Setup(logging.Options{Level: cfg.LogLevel, Dir: dir})
	defer func() { _ = logger.Close() }()

	logger.Banner()
	logger.Info("training run", "run_dir", dir, "log_file", logger.LogFile, "hparams", h)

	fe, err := loadFrontend(cfg)
	if err != nil {
		return err
	}

	ds, err := dataset.Open(cfg.Paths.DataRoot, fe, dataset.Options{
		ReplacePronunciationProb: h.ReplacePronunciationProb,
		CacheSize:                h.FeatureCacheSize,
	})
	if err != nil {
		return err
	}

	loader, err := dataset.NewLoader(ds, h.LoaderOptions())
	if err != nil {
		return err
	}

	logger.Info("dataset loaded", "root", cfg.Paths.DataRoot, "utterances", ds.Len(), "batches_per_epoch", loader.Len())

	eng, err := startEngine(ctx, cfg, fe.NVocab(), logger.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = eng.Close() }()

	ev, err := events.NewWriter(dir)
	if err != nil {
		return err
	}
	defer func() { _ = ev.Close() }()

	trainOpts, err := h.TrainOptions(cfg.Paths.CheckpointDir)
	if err != nil {
		return err
	}

	tr, err := train.New(train.Deps{
		Model:   eng,
		Data:    loader,
		Vocoder: eng,
		Events:  ev,
		Logger:  logger.Logger,
	}, trainOpts)
	if err != nil {
		return err
	}

	if opts.checkpointPath != "" {
		if err := tr.Restore(ctx, opts.checkpointPath, opts.resetOptimizer); err != nil {
			return err
		}
	}

	err = tr.Run(ctx)
	st := tr.State()

	switch {
	case errors.Is(err, train.ErrInterrupted):
		logger.Warn("training interrupted", "global_step", st.GlobalStep, "global_epoch", st.GlobalEpoch)
		return nil
	case err != nil:
		return err
	}

	logger.Info("finished", "global_step", st.GlobalStep, "global_epoch", st.GlobalEpoch, "elapsed", time.Since(logger.Start))

	return nil
}
