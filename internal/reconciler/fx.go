package reconciler

import (
	"github.com/quotagate/quotagate/internal/bus"
	"github.com/quotagate/quotagate/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("reconciler",
	fx.Provide(New),
	fx.Invoke(registerHandlers),
)

func registerHandlers(cfg config.Config, sub bus.Subscriber, r *Reconciler) {
	sub.Subscribe(cfg.Topics.OrderStatus, cfg.Groups.Reconciler, r.OnStatusEvent)
}
