package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/payflow/internal/config"
	"github.com/smallbiznis/payflow/internal/migration"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func migrateCmd() *cobra.Command {
	var down int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				conn *gorm.DB
				cfg  config.Config
			)
			app := fx.New(infrastructure(), fx.Populate(&conn, &cfg))

			return runTask(cmd.Context(), app, func(ctx context.Context) error {
				if cfg.DBType != "postgres" {
					if down > 0 {
						return errors.New("rollback needs the versioned postgres schema")
					}
					if err := conn.WithContext(ctx).AutoMigrate(migration.Models()...); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "schema applied from models (%s)\n", cfg.DBType)
					return nil
				}

				sqlDB, err := conn.DB()
				if err != nil {
					return err
				}
				if down > 0 {
					if err := migration.Rollback(sqlDB, down); err != nil {
						return err
					}
				} else if err := migration.RunMigrations(sqlDB); err != nil {
					return err
				}

				version, dirty, err := migration.Version(sqlDB)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty=%t)\n", version, dirty)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&down, "down", 0, "Roll back this many migrations instead of applying")

	return cmd
}
