package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	gatewayconfigdomain "github.com/smallbiznis/payflow/internal/gatewayconfig/domain"
	obscontext "github.com/smallbiznis/payflow/internal/observability/context"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func gatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Manage stored gateway credentials",
	}

	cmd.AddCommand(gatewaySetCmd())
	cmd.AddCommand(gatewayListCmd())
	cmd.AddCommand(gatewayToggleCmd("enable", true))
	cmd.AddCommand(gatewayToggleCmd("disable", false))

	return cmd
}

func withGatewayConfigs(cmd *cobra.Command, task func(ctx context.Context, svc gatewayconfigdomain.Service) error) error {
	var svc gatewayconfigdomain.Service
	app := fx.New(infrastructure(), domains(), fx.Populate(&svc))
	return runTask(cmd.Context(), app, func(ctx context.Context) error {
		return task(obscontext.WithActor(ctx, "operator", "cli"), svc)
	})
}

func gatewaySetCmd() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "set [name]",
		Short: "Encrypt and store the settings of a gateway from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(configFile)
			if err != nil {
				return fmt.Errorf("read config file: %w", err)
			}
			var settings map[string]any
			if err := json.Unmarshal(raw, &settings); err != nil {
				return fmt.Errorf("parse config file: %w", err)
			}

			return withGatewayConfigs(cmd, func(ctx context.Context, svc gatewayconfigdomain.Service) error {
				summary, err := svc.Upsert(ctx, gatewayconfigdomain.UpsertRequest{Gateway: args[0], Config: settings})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s stored (active=%t)\n", summary.Gateway, summary.IsActive)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&configFile, "config-file", "", "JSON file with the gateway settings")
	_ = cmd.MarkFlagRequired("config-file")

	return cmd
}

func gatewayListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored gateways without revealing their settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGatewayConfigs(cmd, func(ctx context.Context, svc gatewayconfigdomain.Service) error {
				summaries, err := svc.List(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "GATEWAY\tACTIVE\tCONFIGURED\tUPDATED")
				for _, s := range summaries {
					fmt.Fprintf(w, "%s\t%t\t%t\t%s\n", s.Gateway, s.IsActive, s.Configured, s.UpdatedAt.Format("2006-01-02 15:04"))
				}
				return w.Flush()
			})
		},
	}
}

func gatewayToggleCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [name]",
		Short: "Mark a stored gateway as " + map[bool]string{true: "active", false: "inactive"}[active],
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGatewayConfigs(cmd, func(ctx context.Context, svc gatewayconfigdomain.Service) error {
				summary, err := svc.SetActive(ctx, args[0], active)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s active=%t\n", summary.Gateway, summary.IsActive)
				return nil
			})
		},
	}
}
