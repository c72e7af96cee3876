package entitlement

import (
	entdomain "github.com/smallbiznis/metergate/internal/entitlement/domain"
	"github.com/smallbiznis/metergate/internal/entitlement/repository"
	featuredomain "github.com/smallbiznis/metergate/internal/feature/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("entitlement",
	fx.Provide(repository.Provide),
	fx.Provide(func(db *gorm.DB, repo entdomain.Repository) featuredomain.UsageChecker {
		return repository.UsageChecker{DB: db, Repo: repo}
	}),
)
