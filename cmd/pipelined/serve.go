package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/pipelined/internal/api"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the execution API and run the dataset sync loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			a.logger.Info("pipelined: starting",
				"listen_addr", a.cfg.ListenAddr,
				"db_path", a.cfg.DBPath,
				"data_dir", a.cfg.DataDir,
				"sibling", a.cfg.Sibling,
			)

			var syncer api.Syncer
			if a.scheduler != nil {
				syncer = a.scheduler
				a.scheduler.Start()
			}

			srv := api.NewServer(a.cfg.ListenAddr, a.store, a.engine, a.catalog, syncer, a.logger)
			runErr := srv.Run(ctx)
			stop()

			return a.shutdown(runErr)
		},
	}
}

// shutdown stops the sync loop and saves the data of users with running
// executions. A failed save makes the process exit non-zero.
func (a *app) shutdown(runErr error) error {
	if a.scheduler == nil {
		return runErr
	}

	a.scheduler.Kill()
	a.scheduler.Wait()
	a.failsafe.Wait()

	if err := a.scheduler.SafetySave(context.Background()); err != nil {
		a.logger.Error("shutdown aborted", "error", err)
		return err
	}
	a.logger.Info("pipelined: stopped")
	return runErr
}
