package signature

import (
	"github.com/quotagate/quotagate/internal/config"
	"github.com/quotagate/quotagate/internal/signature/domain"
	"github.com/quotagate/quotagate/internal/signature/service"
	"github.com/quotagate/quotagate/pkg/repository"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("signature",
	fx.Provide(
		repository.ProvideStore[domain.Credential],
		provideNonceStore,
		service.New,
	),
)

func provideNonceStore(client *redis.Client, cfg config.Config) (domain.NonceStore, error) {
	return service.NewRedisNonceStore(client, cfg.Keys, cfg.Signature.SkewWindow)
}
