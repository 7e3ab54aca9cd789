package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/seantiz/pipelined/internal/dataset"
)

func newSyncCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Update from the sibling, publish local changes and evict once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.requireDataset(); err != nil {
				return err
			}
			if a.cfg.Sibling == "" {
				return dataset.ErrSiblingUnspecified
			}
			if err := a.scheduler.SyncOnce(ctx); err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Synchronized with %s\n", a.cfg.Sibling)
			return nil
		},
	}
}

func newEvictCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "evict",
		Short: "Run one cache eviction pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.requireDataset(); err != nil {
				return err
			}
			if !a.evictor.Enabled() {
				return fmt.Errorf("cache eviction is disabled, set a maximum cache size")
			}

			report, err := a.evictor.Evict(ctx)
			if err != nil {
				return fmt.Errorf("evict: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Freed %s (%d objects dropped, %d failed), cache now %s\n",
				humanize.IBytes(uint64(report.Freed())), len(report.Dropped), len(report.Failed),
				humanize.IBytes(uint64(report.After)))
			return nil
		},
	}
}
