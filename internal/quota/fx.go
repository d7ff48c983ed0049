package quota

import (
	"github.com/quotagate/quotagate/internal/quota/repository"
	"github.com/quotagate/quotagate/internal/quota/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quota",
	fx.Provide(
		repository.New,
		service.New,
	),
)
