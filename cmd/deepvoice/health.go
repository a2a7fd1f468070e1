package main

import (
	"context"
	"fmt"
	"time"

	"github.com/example/go-deepvoice/internal/server"
	"github.com/spf13/cobra"
)

func newHealthCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running synthesis server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			if addr == "" {
				addr = cfg.Server.ListenAddr
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := server.CheckHealth(ctx, addr); err != nil {
				return fmt.Errorf("health check %s: %w", addr, err)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ok %s\n", addr)

			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Server address (default server.listen_addr)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Health check timeout")

	return cmd
}
