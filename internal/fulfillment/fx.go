package fulfillment

import (
	"context"
	"time"

	"github.com/quotagate/quotagate/internal/bus"
	"github.com/quotagate/quotagate/internal/config"
	"github.com/quotagate/quotagate/internal/fulfillment/domain"
	"github.com/quotagate/quotagate/internal/fulfillment/service"
	"github.com/quotagate/quotagate/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("fulfillment",
	fx.Provide(
		func(db *gorm.DB) repository.Repository[domain.DeductionIntent] {
			return repository.ProvideStore[domain.DeductionIntent](db)
		},
		service.New,
		func(c *service.Coordinator) domain.Coordinator { return c },
	),
	fx.Invoke(registerHandlers),
	fx.Invoke(runRecovery),
)

func registerHandlers(
	cfg config.Config,
	sub bus.Subscriber,
	txpub bus.TransactionalPublisher,
	coord domain.Coordinator,
) {
	sub.Subscribe(cfg.Topics.StockDeduct, cfg.Groups.Fulfillment, coord.HandleDeductEvent)
	txpub.RegisterChecker(coord.CheckTransaction)
}

// runRecovery sweeps for sends stranded by a crashed predecessor, once at
// startup and then on every resolution window.
func runRecovery(lc fx.Lifecycle, cfg config.Config, coord domain.Coordinator, log *zap.Logger) {
	interval := cfg.Deduction.ResolutionWindow
	if interval <= 0 {
		interval = time.Minute
	}
	sweepLog := log.Named("fulfillment.recovery")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					if err := coord.Recover(ctx); err != nil {
						sweepLog.Warn("recovery sweep failed", zap.Error(err))
					}
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}
