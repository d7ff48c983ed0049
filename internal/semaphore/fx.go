package semaphore

import (
	"github.com/quotagate/quotagate/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("semaphore",
	fx.Provide(provideSemaphore),
)

func provideSemaphore(client *redis.Client, cfg config.Config) (Semaphore, error) {
	return NewRedisSemaphore(client, cfg.Keys, cfg.Semaphore)
}
