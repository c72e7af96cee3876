package balance

import (
	"github.com/smallbiznis/metergate/internal/balance/cache"
	"github.com/smallbiznis/metergate/internal/balance/durable"
	"github.com/smallbiznis/metergate/internal/balance/guard"
	"github.com/smallbiznis/metergate/internal/balance/reset"
	"github.com/smallbiznis/metergate/internal/balance/service"
	"github.com/smallbiznis/metergate/internal/balance/writeback"
	"go.uber.org/fx"
)

var Module = fx.Module("balance",
	fx.Provide(cache.NewClient),
	fx.Provide(cache.NewStore),
	fx.Provide(reset.NewManager),
	fx.Provide(durable.NewExecutor),
	guard.Module,
	writeback.Module,
	fx.Provide(service.New),
)
