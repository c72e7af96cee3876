package guard

import "go.uber.org/fx"

var Module = fx.Module("balance.guard",
	fx.Provide(NewGuard),
	fx.Provide(NewProvisioner),
)
