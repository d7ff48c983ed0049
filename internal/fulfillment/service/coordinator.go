package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/quotagate/quotagate/internal/bus"
	"github.com/quotagate/quotagate/internal/config"
	"github.com/quotagate/quotagate/internal/fulfillment/domain"
	"github.com/quotagate/quotagate/internal/idempotency"
	obsmetrics "github.com/quotagate/quotagate/internal/observability/metrics"
	orderdomain "github.com/quotagate/quotagate/internal/order/domain"
	orderrepo "github.com/quotagate/quotagate/internal/order/repository"
	quotadomain "github.com/quotagate/quotagate/internal/quota/domain"
	"github.com/quotagate/quotagate/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Cfg     config.Config
	Orders  orderrepo.Repository
	Intents repository.Repository[domain.DeductionIntent]
	Quota   quotadomain.Service
	Tokens  idempotency.TokenStore
	TxPub   bus.TransactionalPublisher
	Pub     bus.Publisher
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Coordinator struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	keys    config.Keys
	topics  config.Topics
	window  time.Duration
	orders  orderrepo.Repository
	intents repository.Repository[domain.DeductionIntent]
	quota   quotadomain.Service
	tokens  idempotency.TokenStore
	txpub   bus.TransactionalPublisher
	pub     bus.Publisher
	metrics *obsmetrics.Metrics
	now     func() time.Time
}

func New(p Params) *Coordinator {
	return &Coordinator{
		db:      p.DB,
		log:     p.Log.Named("fulfillment.coordinator"),
		genID:   p.GenID,
		keys:    p.Cfg.Keys,
		topics:  p.Cfg.Topics,
		window:  p.Cfg.Deduction.ResolutionWindow,
		orders:  p.Orders,
		intents: p.Intents,
		quota:   p.Quota,
		tokens:  p.Tokens,
		txpub:   p.TxPub,
		pub:     p.Pub,
		metrics: p.Metrics,
		now:     time.Now,
	}
}

// Deduct stages the deduct message, applies the ledger credit inside one
// local transaction together with the intent commit, then makes the staged
// message visible only when that transaction held. The order reaches
// stock_deducted when the committed message is consumed, which is the
// broker's acknowledgment that the send went through.
func (c *Coordinator) Deduct(ctx context.Context, orderSn string) error {
	order, err := c.orders.FindBySn(ctx, c.db, orderSn)
	if err != nil {
		return err
	}
	if order == nil {
		return orderdomain.ErrNotFound
	}
	switch order.Status {
	case orderdomain.StatusCreated:
	case orderdomain.StatusStockDeducting, orderdomain.StatusStockDeducted, orderdomain.StatusCompleted:
		// Already picked up; deduction is single-shot per order.
		return nil
	default:
		return fmt.Errorf("%w: cannot deduct order %q in state %q",
			orderdomain.ErrDataInconsistency, orderSn, order.Status)
	}

	txID := uuid.NewString()
	deductToken, err := c.tokens.Issue(ctx, c.keys.DeductToken(orderSn))
	if err != nil {
		return err
	}
	reverseToken, err := c.tokens.Issue(ctx, c.keys.ReverseToken(orderSn))
	if err != nil {
		return err
	}

	now := c.now().UTC()
	intent := &domain.DeductionIntent{
		ID:           c.genID.Generate(),
		TxID:         txID,
		OrderSn:      orderSn,
		UserID:       order.AccountID,
		APIDigestID:  order.APIDigestID,
		Quantity:     order.Quantity,
		State:        domain.IntentStatePending,
		DeductToken:  deductToken,
		ReverseToken: reverseToken,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.intents.Create(ctx, intent); err != nil {
		return err
	}

	prepared, err := c.txpub.Prepare(ctx, c.topics.StockDeduct, bus.Envelope{
		OrderSn:   orderSn,
		Operation: bus.OperationDeduct,
		Quantity:  order.Quantity,
		TxID:      txID,
	})
	if err != nil {
		c.abortIntent(ctx, txID)
		return err
	}

	rows, err := c.orders.Transition(ctx, c.db, orderSn,
		orderdomain.StatusCreated, orderdomain.StatusStockDeducting)
	if err != nil || rows == 0 {
		// Lost the race or the store failed; the staged message must never
		// become visible.
		_ = c.txpub.Rollback(ctx, prepared)
		c.abortIntent(ctx, txID)
		return err
	}

	txnErr := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := c.quota.ApplyDeduction(ctx, tx, order.AccountID, order.APIDigestID, order.Quantity); err != nil {
			return err
		}
		committed, err := c.intents.WithTrx(tx).UpdateWhere(ctx,
			map[string]any{"state": domain.IntentStateCommitted, "updated_at": c.now().UTC()},
			"tx_id = ? AND state = ?", txID, domain.IntentStatePending)
		if err != nil {
			return err
		}
		if committed == 0 {
			return fmt.Errorf("intent %s no longer pending", txID)
		}
		return nil
	})
	if txnErr != nil {
		c.log.Error("local deduction failed, rolling back message",
			zap.String("order_sn", orderSn),
			zap.Error(txnErr),
		)
		_ = c.txpub.Rollback(ctx, prepared)
		c.abortIntent(ctx, txID)
		if _, err := c.orders.Transition(ctx, c.db, orderSn,
			orderdomain.StatusStockDeducting, orderdomain.StatusFailed); err != nil {
			c.log.Error("failed to mark order failed", zap.String("order_sn", orderSn), zap.Error(err))
		}
		return txnErr
	}

	c.metrics.RecordDeductionApplied(ctx)

	if err := c.txpub.Commit(ctx, prepared); err != nil {
		// The local outcome is durable in the intent record; the broker
		// resolves the staged message through CheckTransaction, and the
		// recovery sweep republishes from the record if the staged copy
		// is lost entirely.
		c.log.Warn("broker commit failed, leaving resolution to status check",
			zap.String("order_sn", orderSn),
			zap.Error(err),
		)
	}
	return nil
}

// HandleDeductEvent consumes the committed deduct message and advances the
// order to stock_deducted. Redelivery is absorbed by the consumption token.
func (c *Coordinator) HandleDeductEvent(ctx context.Context, env bus.Envelope) error {
	if env.Operation != bus.OperationDeduct {
		return nil
	}

	intent, err := c.intents.FindOne(ctx, &domain.DeductionIntent{TxID: env.TxID})
	if err != nil {
		return err
	}
	if intent == nil {
		return fmt.Errorf("%w: tx %s", domain.ErrIntentNotFound, env.TxID)
	}

	consumed, err := c.tokens.ConsumeIfMatches(ctx, c.keys.DeductToken(env.OrderSn), intent.DeductToken)
	if err != nil {
		return err
	}
	if !consumed {
		// Duplicate delivery. The transition below is conditional, so
		// falling through re-applies nothing; it only finishes the advance
		// if a previous delivery consumed the token and then died before
		// the status update.
		c.log.Debug("deduct token already consumed", zap.String("order_sn", env.OrderSn))
	}

	rows, err := c.orders.Transition(ctx, c.db, env.OrderSn,
		orderdomain.StatusStockDeducting, orderdomain.StatusStockDeducted)
	if err != nil {
		return err
	}
	if rows == 0 {
		order, err := c.orders.FindBySn(ctx, c.db, env.OrderSn)
		if err != nil {
			return err
		}
		if order == nil {
			return fmt.Errorf("%w: %s", orderdomain.ErrNotFound, env.OrderSn)
		}
		if consumed {
			// The order moved on (failed or already deducted) while the
			// message was in flight; nothing left to apply.
			c.log.Warn("deduct event arrived for order no longer deducting",
				zap.String("order_sn", env.OrderSn),
				zap.String("status", string(order.Status)),
			)
		}
	}
	return nil
}

// Fail drives the escape edge to failed. When the order already reached
// stock_deducted, the ledger credit is taken back first; the reverse token
// makes retried failure handling reverse at most once.
func (c *Coordinator) Fail(ctx context.Context, orderSn string) error {
	order, err := c.orders.FindBySn(ctx, c.db, orderSn)
	if err != nil {
		return err
	}
	if order == nil {
		return orderdomain.ErrNotFound
	}
	if order.Status == orderdomain.StatusFailed {
		return nil
	}
	if _, err := orderdomain.Next(order.Status, orderdomain.EventFailed); err != nil {
		return err
	}

	if order.Status != orderdomain.StatusStockDeducted {
		_, err := c.orders.Transition(ctx, c.db, orderSn, order.Status, orderdomain.StatusFailed)
		return err
	}

	intent, err := c.intents.FindOne(ctx, &domain.DeductionIntent{OrderSn: orderSn})
	if err != nil {
		return err
	}
	if intent == nil {
		return fmt.Errorf("%w: order %s", domain.ErrIntentNotFound, orderSn)
	}

	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := c.quota.ReverseDeduction(ctx, tx, order.AccountID, order.APIDigestID, order.Quantity); err != nil {
			return err
		}
		// Consume the token after the ledger mutation but before the
		// transaction commits: a duplicate failure signal rolls the ledger
		// change back here instead of reversing twice.
		consumed, err := c.tokens.ConsumeIfMatches(ctx, c.keys.ReverseToken(orderSn), intent.ReverseToken)
		if err != nil {
			return err
		}
		if !consumed {
			return errAlreadyReversed
		}
		rows, err := c.orders.Transition(ctx, tx, orderSn,
			orderdomain.StatusStockDeducted, orderdomain.StatusFailed)
		if err != nil {
			return err
		}
		if rows == 0 {
			return errAlreadyReversed
		}
		return nil
	})
	if err == errAlreadyReversed {
		return nil
	}
	if err != nil {
		return err
	}
	c.metrics.RecordDeductionReversed(ctx)

	if pubErr := c.pub.Publish(ctx, c.topics.StockDeduct, bus.Envelope{
		OrderSn:   orderSn,
		Operation: bus.OperationReverse,
		Quantity:  order.Quantity,
		TxID:      intent.TxID,
	}); pubErr != nil {
		c.log.Warn("reverse notification publish failed",
			zap.String("order_sn", orderSn),
			zap.Error(pubErr),
		)
	}
	return nil
}

// CheckTransaction re-derives the send outcome from the durable intent
// record. A pending intent older than the resolution window is aborted so
// repeated callbacks converge on rollback instead of staying indeterminate.
func (c *Coordinator) CheckTransaction(ctx context.Context, txID string) (bus.TxState, error) {
	intent, err := c.intents.FindOne(ctx, &domain.DeductionIntent{TxID: txID})
	if err != nil {
		return bus.TxUnknown, err
	}
	if intent == nil {
		// No local record means the local action never happened.
		return bus.TxRollback, nil
	}
	switch intent.State {
	case domain.IntentStateCommitted:
		return bus.TxCommit, nil
	case domain.IntentStateAborted:
		return bus.TxRollback, nil
	}

	if c.now().Sub(intent.CreatedAt) < c.window {
		return bus.TxUnknown, nil
	}
	// The producing process died mid-transaction. Abort the intent first so
	// every later callback sees the same answer.
	c.abortIntent(ctx, txID)
	if _, err := c.orders.Transition(ctx, c.db, intent.OrderSn,
		orderdomain.StatusStockDeducting, orderdomain.StatusFailed); err != nil {
		return bus.TxUnknown, err
	}
	return bus.TxRollback, nil
}

// Recover resolves orders whose in-flight deduct message died with the
// process that staged it. The intent record is the durable source of truth:
// an order still stock_deducting past the resolution window with a committed
// intent means the broker never delivered the message, so it is sent again
// from the record; redelivery of a message that did land is absorbed by the
// consumption token. Without a committed intent the local transaction never
// held, so the order takes the failed edge and any pending intent is
// aborted, matching what the status-check callback would decide.
func (c *Coordinator) Recover(ctx context.Context) error {
	cutoff := c.now().UTC().Add(-c.window)

	stuck, err := c.orders.FindStaleByStatus(ctx, c.db, orderdomain.StatusStockDeducting, cutoff)
	if err != nil {
		return err
	}
	for _, order := range stuck {
		intents, err := c.intents.Find(ctx, &domain.DeductionIntent{OrderSn: order.OrderSn})
		if err != nil {
			return err
		}
		var committed *domain.DeductionIntent
		for _, intent := range intents {
			if intent.State == domain.IntentStateCommitted {
				committed = intent
				break
			}
		}
		if committed == nil {
			for _, intent := range intents {
				if intent.State == domain.IntentStatePending {
					c.abortIntent(ctx, intent.TxID)
				}
			}
			if _, err := c.orders.Transition(ctx, c.db, order.OrderSn,
				orderdomain.StatusStockDeducting, orderdomain.StatusFailed); err != nil {
				return err
			}
			continue
		}

		c.log.Info("republishing deduct message from durable intent",
			zap.String("order_sn", order.OrderSn),
			zap.String("tx_id", committed.TxID),
		)
		if err := c.pub.Publish(ctx, c.topics.StockDeduct, bus.Envelope{
			OrderSn:   order.OrderSn,
			Operation: bus.OperationDeduct,
			Quantity:  committed.Quantity,
			TxID:      committed.TxID,
		}); err != nil {
			return err
		}
	}

	// Pending intents this old can never commit; abort them so the
	// status-check callback answers rollback without waiting to be asked.
	if _, err := c.intents.UpdateWhere(ctx,
		map[string]any{"state": domain.IntentStateAborted, "updated_at": c.now().UTC()},
		"state = ? AND updated_at < ?", domain.IntentStatePending, cutoff); err != nil {
		return err
	}
	return nil
}

func (c *Coordinator) abortIntent(ctx context.Context, txID string) {
	if _, err := c.intents.UpdateWhere(ctx,
		map[string]any{"state": domain.IntentStateAborted, "updated_at": c.now().UTC()},
		"tx_id = ? AND state = ?", txID, domain.IntentStatePending); err != nil {
		c.log.Error("failed to abort intent", zap.String("tx_id", txID), zap.Error(err))
	}
}

// SetNow overrides the clock, for resolution-window tests.
func (c *Coordinator) SetNow(now func() time.Time) { c.now = now }

var errAlreadyReversed = fmt.Errorf("deduction already reversed")
