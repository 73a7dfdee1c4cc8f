package main

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/storygraph/backend/pkg/logger"
)

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Merge works that share a name, keeping the richest",
		Long: "Run one duplicate-cleanup pass under the reconciliation lock. Articles of removed " +
			"works are re-pointed to the surviving work and works without a name are deleted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMaintenance(cmd, func(ctx context.Context, s *services) (any, error) {
				return s.reconciler.CleanDuplicates(ctx)
			})
		},
	}
}

func newSyncWorksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-works",
		Short: "Make the work sets of the graph and the catalog agree",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMaintenance(cmd, func(ctx context.Context, s *services) (any, error) {
				return s.reconciler.SyncWorks(ctx)
			})
		},
	}
}

func newCheckWorksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-works",
		Short: "Report per-work richness, duplicate names and unnamed works",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMaintenance(cmd, func(ctx context.Context, s *services) (any, error) {
				return s.reconciler.CheckWorks(ctx)
			})
		},
	}
}

// runMaintenance wires the stores, runs op and prints its report as JSON.
func runMaintenance(cmd *cobra.Command, op func(ctx context.Context, s *services) (any, error)) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	svc, err := wire(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer svc.Close()

	report, err := op(ctx, svc)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
