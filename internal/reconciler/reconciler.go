// Package reconciler applies externally reported order outcomes to the
// lifecycle table.
package reconciler

import (
	"context"
	"fmt"

	"github.com/quotagate/quotagate/internal/bus"
	fulfillmentdomain "github.com/quotagate/quotagate/internal/fulfillment/domain"
	orderdomain "github.com/quotagate/quotagate/internal/order/domain"
	orderrepo "github.com/quotagate/quotagate/internal/order/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Orders orderrepo.Repository
	Coord  fulfillmentdomain.Coordinator
}

// Reconciler consumes order-status events and moves orders along the
// transition table. Events that arrive out of order are rejected with an
// error so the broker redelivers them once the intermediate step has
// happened.
type Reconciler struct {
	db     *gorm.DB
	log    *zap.Logger
	orders orderrepo.Repository
	coord  fulfillmentdomain.Coordinator
}

func New(p Params) *Reconciler {
	return &Reconciler{
		db:     p.DB,
		log:    p.Log.Named("reconciler"),
		orders: p.Orders,
		coord:  p.Coord,
	}
}

// OnStatusEvent applies one reported status. Duplicates (the order already
// holds the reported status) are acknowledged without effect; a failure
// report is delegated to the coordinator so the ledger reversal runs under
// its token discipline.
func (r *Reconciler) OnStatusEvent(ctx context.Context, env bus.Envelope) error {
	if env.Operation != bus.OperationStatus {
		return nil
	}

	target := orderdomain.Status(env.Status)
	event, err := orderdomain.EventForStatus(target)
	if err != nil {
		r.log.Error("unresolvable status report",
			zap.String("order_sn", env.OrderSn),
			zap.String("status", env.Status),
		)
		return err
	}

	// Deduction start and failure both carry side effects beyond a status
	// column; the coordinator owns those.
	switch event {
	case orderdomain.EventDeductStarted:
		return r.coord.Deduct(ctx, env.OrderSn)
	case orderdomain.EventFailed:
		return r.coord.Fail(ctx, env.OrderSn)
	}

	order, err := r.orders.FindBySn(ctx, r.db, env.OrderSn)
	if err != nil {
		return err
	}
	if order == nil {
		// The event may have outrun order creation; leave it for redelivery.
		return fmt.Errorf("%w: %s", orderdomain.ErrNotFound, env.OrderSn)
	}
	if order.Status == target {
		return nil
	}

	next, err := orderdomain.Next(order.Status, event)
	if err != nil {
		r.log.Warn("status report ahead of lifecycle, leaving for redelivery",
			zap.String("order_sn", env.OrderSn),
			zap.String("current", string(order.Status)),
			zap.String("reported", string(target)),
		)
		return err
	}

	rows, err := r.orders.Transition(ctx, r.db, env.OrderSn, order.Status, next)
	if err != nil {
		return err
	}
	if rows == 0 {
		// Raced with another writer; re-read and treat "already there" as a
		// duplicate.
		current, err := r.orders.FindBySn(ctx, r.db, env.OrderSn)
		if err != nil {
			return err
		}
		if current != nil && current.Status == target {
			return nil
		}
		return fmt.Errorf("%w: order %s moved during status apply",
			orderdomain.ErrDataInconsistency, env.OrderSn)
	}
	return nil
}
