package main

import (
	"context"
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/payflow/internal/audit"
	"github.com/smallbiznis/payflow/internal/balance"
	"github.com/smallbiznis/payflow/internal/clock"
	"github.com/smallbiznis/payflow/internal/config"
	"github.com/smallbiznis/payflow/internal/events"
	"github.com/smallbiznis/payflow/internal/gatewayconfig"
	"github.com/smallbiznis/payflow/internal/ledger"
	"github.com/smallbiznis/payflow/internal/notify"
	"github.com/smallbiznis/payflow/internal/observability"
	"github.com/smallbiznis/payflow/internal/payable"
	"github.com/smallbiznis/payflow/internal/payment"
	"github.com/smallbiznis/payflow/internal/ratelimit"
	"github.com/smallbiznis/payflow/internal/refund"
	"github.com/smallbiznis/payflow/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// infrastructure is shared by every command.
func infrastructure() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
}

// domains wires the payment core and its collaborators.
func domains() fx.Option {
	return fx.Options(
		audit.Module,
		events.Module,
		ledger.Module,
		balance.Module,
		payable.Module,
		notify.Module,
		gatewayconfig.Module,
		ratelimit.Module,
		payment.Module,
		refund.Module,
	)
}

// RegisterSnowflake reads the node id from SNOWFLAKE_NODE so replicas never
// mint the same id.
func RegisterSnowflake() (*snowflake.Node, error) {
	nodeID := int64(1)
	if raw := os.Getenv("SNOWFLAKE_NODE"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, err
		}
		nodeID = parsed
	}
	return snowflake.NewNode(nodeID)
}

// runTask starts app, runs task and stops app, so one-shot commands get
// the same lifecycle hooks as serve.
func runTask(ctx context.Context, app *fx.App, task func(context.Context) error) error {
	if err := app.Err(); err != nil {
		return err
	}
	if err := app.Start(ctx); err != nil {
		return err
	}
	taskErr := task(ctx)
	stopErr := app.Stop(context.Background())
	if taskErr != nil {
		return taskErr
	}
	return stopErr
}
