package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/metergate/internal/balance"
	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/config"
	"github.com/smallbiznis/metergate/internal/entitlement"
	"github.com/smallbiznis/metergate/internal/feature"
	"github.com/smallbiznis/metergate/internal/migration"
	"github.com/smallbiznis/metergate/internal/observability"
	"github.com/smallbiznis/metergate/internal/plan"
	"github.com/smallbiznis/metergate/internal/server"
	"github.com/smallbiznis/metergate/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),

		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional Domains
		feature.Module,
		entitlement.Module,
		balance.Module,
		plan.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
