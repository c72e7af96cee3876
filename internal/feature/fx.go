package feature

import (
	"github.com/smallbiznis/metergate/internal/feature/domain"
	"github.com/smallbiznis/metergate/internal/feature/repository"
	"github.com/smallbiznis/metergate/internal/feature/service"
	"go.uber.org/fx"
)

var Module = fx.Module("feature.service",
	fx.Provide(repository.Provide),
	fx.Provide(
		service.NewCatalog,
		func(c *service.Catalog) domain.Catalog { return c },
	),
	fx.Provide(service.New),
)
