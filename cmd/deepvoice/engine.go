package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/example/go-deepvoice/internal/config"
	"github.com/example/go-deepvoice/internal/worker"
)

// startEngine launches the configured engine command and builds its network
// for a vocabulary of nVocab symbols.
func startEngine(ctx context.Context, cfg config.Config, nVocab int, logger *slog.Logger) (*worker.Client, error) {
	argv := strings.Fields(cfg.Runtime.Engine)
	if len(argv) == 0 {
		return nil, errors.New("no model engine configured (set --engine or DEEPVOICE_ENGINE)")
	}

	eng, err := worker.Start(ctx, argv, worker.StartOptions{Logger: logger})
	if err != nil {
		return nil, err
	}

	if err := eng.Configure(ctx, nVocab, cfg.HParams.Map()); err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("configure engine: %w", err)
	}

	return eng, nil
}
