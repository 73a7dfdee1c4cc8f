package main

import (
	"github.com/spf13/cobra"

	"github.com/storygraph/backend/pkg/config"
	"github.com/storygraph/backend/pkg/logger"
)

// NewRootCmd creates the storygraph command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "storygraph",
		Short:         "Story knowledge-graph backend",
		Long:          "storygraph ingests narrative text into a property graph and a relational catalog and keeps the two consistent.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	root.AddCommand(
		newServeCmd(),
		newReconcileCmd(),
		newSyncWorksCmd(),
		newCheckWorksCmd(),
	)

	return root
}

// loadConfig reads the config named by --config and initializes the
// global logger from it.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath); err != nil {
		return nil, err
	}
	return cfg, nil
}
