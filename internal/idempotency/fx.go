package idempotency

import (
	"github.com/quotagate/quotagate/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("idempotency",
	fx.Provide(provideStore),
)

func provideStore(client *redis.Client, cfg config.Config) (TokenStore, error) {
	return NewRedisStore(client, cfg.Idempotency.TokenTTL)
}
