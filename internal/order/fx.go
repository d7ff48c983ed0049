package order

import (
	"github.com/quotagate/quotagate/internal/order/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("order",
	fx.Provide(repository.New),
)
