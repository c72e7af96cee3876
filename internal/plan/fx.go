package plan

import (
	balanceservice "github.com/smallbiznis/metergate/internal/balance/service"
	"github.com/smallbiznis/metergate/internal/plan/domain"
	"github.com/smallbiznis/metergate/internal/plan/service"
	"go.uber.org/fx"
)

var Module = fx.Module("plan",
	fx.Provide(func(s *balanceservice.Service) domain.Invalidator { return s }),
	fx.Provide(
		service.New,
		func(s *service.Service) domain.Service { return s },
	),
)
