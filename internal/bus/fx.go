package bus

import (
	"context"

	"github.com/quotagate/quotagate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("bus",
	fx.Provide(
		provideKafkaBus,
		func(b *KafkaBus) Publisher { return b },
		func(b *KafkaBus) Subscriber { return b },
		func(b *KafkaBus) TransactionalPublisher { return b },
	),
)

func provideKafkaBus(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*KafkaBus, error) {
	b, err := NewKafkaBus(cfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			b.Start(ctx)
			return nil
		},
		OnStop: b.Stop,
	})
	return b, nil
}
