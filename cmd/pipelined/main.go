// pipelined serves pipeline executions over the shared research dataset.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "pipelined",
		Short:         "Pipeline execution server",
		Long:          "pipelined runs analysis pipelines on a shared dataset and keeps the dataset in sync with its remote sibling.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("PIPELINED_CONFIG"), "YAML configuration file")

	rootCmd.AddCommand(newServeCommand(&configPath))
	rootCmd.AddCommand(newSyncCommand(&configPath))
	rootCmd.AddCommand(newEvictCommand(&configPath))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
