package main

import (
	"fmt"
	"io"

	"github.com/example/go-deepvoice/internal/checkpoint"
	"github.com/spf13/cobra"
)

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Checkpoint utilities",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "inspect <path>",
		Short: "Print the step counters and tensor counts of a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectCheckpoint(cmd.OutOrStdout(), args[0])
		},
	})

	return cmd
}

func inspectCheckpoint(w io.Writer, path string) error {
	info, err := checkpoint.Inspect(path)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(w, "path:              %s\n", path)
	_, _ = fmt.Fprintf(w, "global_step:       %d\n", info.GlobalStep)
	_, _ = fmt.Fprintf(w, "global_epoch:      %d\n", info.GlobalEpoch)
	_, _ = fmt.Fprintf(w, "model tensors:     %d\n", info.ModelTensors)
	_, _ = fmt.Fprintf(w, "optimizer tensors: %d\n", info.OptimizerTensors)
	_, _ = fmt.Fprintf(w, "data bytes:        %d\n", info.DataBytes)

	return nil
}

func describeCheckpoint(path string) (string, error) {
	info, err := checkpoint.Inspect(path)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("step %d, epoch %d, %d model tensors, %d optimizer tensors",
		info.GlobalStep, info.GlobalEpoch, info.ModelTensors, info.OptimizerTensors), nil
}
