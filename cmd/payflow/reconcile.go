package main

import (
	"context"
	"time"

	"github.com/smallbiznis/payflow/internal/reconcile"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func reconcileCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Poll stale payments, resume pending refunds and purge old receipts once",
		RunE: func(cmd *cobra.Command, args []string) error {
			var r *reconcile.Reconciler
			opts := []fx.Option{
				infrastructure(),
				domains(),
				reconcile.Module,
				fx.Populate(&r),
			}
			if olderThan > 0 {
				opts = append(opts, fx.Decorate(func(cfg reconcile.Config) reconcile.Config {
					cfg.StaleAfter = olderThan
					return cfg
				}))
			}

			return runTask(cmd.Context(), fx.New(opts...), func(ctx context.Context) error {
				return r.RunOnce(ctx)
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only touch payments unchanged for this long (default from RECONCILE_STALE_AFTER)")

	return cmd
}
