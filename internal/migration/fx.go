package migration

import (
	"github.com/quotagate/quotagate/internal/config"
	fulfillmentdomain "github.com/quotagate/quotagate/internal/fulfillment/domain"
	orderdomain "github.com/quotagate/quotagate/internal/order/domain"
	quotadomain "github.com/quotagate/quotagate/internal/quota/domain"
	signaturedomain "github.com/quotagate/quotagate/internal/signature/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		}
		// mysql and sqlite are dev/self-hosted setups; let gorm derive the
		// schema from the models.
		return conn.AutoMigrate(
			&signaturedomain.Credential{},
			&quotadomain.Subscription{},
			&orderdomain.Order{},
			&fulfillmentdomain.DeductionIntent{},
		)
	}),
)
