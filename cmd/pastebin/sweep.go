package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pastebin/internal/janitor"
)

func newSweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired pastes once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			port, err := openStore(ctx, &a.cfg, a.logger)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer port.Close()

			sweeper, err := janitor.New(janitor.Config{
				Port:    port,
				Timeout: a.cfg.SweepTimeout,
				Logger:  a.logger,
			})
			if err != nil {
				return err
			}
			res := sweeper.Sweep(ctx)
			a.logger.Info("sweep finished", "removed", res.Removed, "failed", res.Failed)
			if res.Err != nil {
				return fmt.Errorf("sweep: %w", res.Err)
			}
			return nil
		},
	}
}
