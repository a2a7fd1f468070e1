package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/example/go-deepvoice/internal/config"
	"github.com/example/go-deepvoice/internal/dataset"
	"github.com/example/go-deepvoice/internal/doctor"
	"github.com/example/go-deepvoice/internal/onnx"
	"github.com/spf13/cobra"
)

func newDoctorCmd() *cobra.Command {
	var (
		checkpointPath string
		python         bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local engine, runtime and dataset checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			dcfg := doctorConfig(cmd.Context(), cfg)
			dcfg.Checkpoint = checkpointPath
			if python {
				dcfg.PythonVersion = pythonVersion
			}

			return runDoctor(dcfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&checkpointPath, "checkpoint", "", "Checkpoint to validate")
	cmd.Flags().BoolVar(&python, "python", false, "Also check the Python interpreter a Python engine runs on")

	return cmd
}

func doctorConfig(ctx context.Context, cfg config.Config) doctor.Config {
	dcfg := doctor.Config{
		CheckpointDir:     cfg.Paths.CheckpointDir,
		InspectCheckpoint: describeCheckpoint,
		ManifestEntries: func() (int, error) {
			entries, err := dataset.LoadManifest(cfg.Paths.DataRoot)
			return len(entries), err
		},
	}

	if strings.TrimSpace(cfg.Runtime.Engine) != "" {
		dcfg.EngineVersion = func() (string, error) {
			return checkEngine(ctx, cfg)
		}
	}

	if _, err := os.Stat(cfg.Runtime.ONNXManifest); err == nil {
		dcfg.ORTRuntime = func() (string, error) {
			m, err := onnx.LoadManifest(cfg.Runtime.ONNXManifest)
			if err != nil {
				return "", err
			}

			rt, err := onnx.DetectRuntime(cfg.Runtime)
			if err != nil {
				return "", err
			}

			return fmt.Sprintf("%s (%s via %s; graphs %s)", rt.Version, rt.LibraryPath, rt.Source, strings.Join(m.Names(), ",")), nil
		}
	}

	return dcfg
}

func runDoctor(dcfg doctor.Config, stdout, stderr io.Writer) error {
	result := doctor.Run(dcfg, stdout)

	if result.Failed() {
		for _, f := range result.Failures() {
			_, _ = fmt.Fprintf(stderr, "FAIL: %s\n", f)
		}

		return errors.New("doctor checks failed")
	}

	_, _ = fmt.Fprintln(stdout, "doctor checks passed")

	return nil
}

// checkEngine starts the engine, performs the handshake and shuts it down.
func checkEngine(ctx context.Context, cfg config.Config) (string, error) {
	fe, err := loadFrontend(cfg)
	if err != nil {
		return "", err
	}

	eng, err := startEngine(ctx, cfg, fe.NVocab(), nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = eng.Close() }()

	hello, err := eng.Hello(ctx)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s %s (protocol %d)", hello.Name, hello.Version, hello.Protocol), nil
}

// pythonVersion tries python3 then python and returns the version string.
func pythonVersion() (string, error) {
	for _, bin := range []string{"python3", "python"} {
		out, err := exec.CommandContext(context.Background(), bin, "--version").Output()
		if err != nil {
			continue
		}

		raw := strings.TrimSpace(string(out))
		if raw != "" {
			return raw, nil
		}
	}

	return "", errors.New("python3/python not found on PATH")
}
