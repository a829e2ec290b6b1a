package main

import (
	"github.com/smallbiznis/payflow/internal/migration"
	"github.com/smallbiznis/payflow/internal/reconcile"
	"github.com/smallbiznis/payflow/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func serveCmd() *cobra.Command {
	var withReconciler bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and webhook endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []fx.Option{
				infrastructure(),
				migration.Module,
				domains(),
				server.Module,
			}
			if withReconciler {
				opts = append(opts, reconcile.Module, reconcile.Background)
			}
			app := fx.New(opts...)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}

	cmd.Flags().BoolVar(&withReconciler, "reconcile", true, "Run the reconciler alongside the API")

	return cmd
}
