package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/quotagate/quotagate/internal/bus"
	"github.com/quotagate/quotagate/internal/config"
	"github.com/quotagate/quotagate/internal/fulfillment/domain"
	"github.com/quotagate/quotagate/internal/idempotency"
	obsmetrics "github.com/quotagate/quotagate/internal/observability/metrics"
	orderdomain "github.com/quotagate/quotagate/internal/order/domain"
	orderrepo "github.com/quotagate/quotagate/internal/order/repository"
	quotadomain "github.com/quotagate/quotagate/internal/quota/domain"
	quotarepo "github.com/quotagate/quotagate/internal/quota/repository"
	quotaservice "github.com/quotagate/quotagate/internal/quota/service"
	"github.com/quotagate/quotagate/internal/semaphore"
	"github.com/quotagate/quotagate/pkg/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type coordinatorHarness struct {
	coord  *Coordinator
	db     *gorm.DB
	bus    *bus.MemoryBus
	tokens *idempotency.MemoryStore
	orders orderrepo.Repository
	quota  quotadomain.Service
	node   *snowflake.Node
	cfg    config.Config
}

func newCoordinatorHarness(t *testing.T) *coordinatorHarness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A fresh connection to :memory: is a fresh database.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&orderdomain.Order{},
		&domain.DeductionIntent{},
		&quotadomain.Subscription{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	cfg := config.Config{
		Topics: config.Topics{
			StockDeduct: "quota.stock-deduct",
			OrderStatus: "quota.order-status",
		},
		Groups: config.Groups{
			Fulfillment: "fulfillment",
			Reconciler:  "reconciler",
		},
		Keys: config.Keys{Prefix: "qg-test"},
		Deduction: config.DeductionConfig{
			ResolutionWindow: time.Minute,
		},
	}

	memBus := bus.NewMemoryBus()
	tokens := idempotency.NewMemoryStore(time.Hour)
	orders := orderrepo.New()

	quotaSvc := quotaservice.New(quotaservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  quotarepo.New(),
		Sem:   semaphore.NewMemorySemaphore(64),
	})

	coord := New(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Cfg:     cfg,
		Orders:  orders,
		Intents: repository.ProvideStore[domain.DeductionIntent](db),
		Quota:   quotaSvc,
		Tokens:  tokens,
		TxPub:   memBus,
		Pub:     memBus,
	})

	memBus.Subscribe(cfg.Topics.StockDeduct, cfg.Groups.Fulfillment, coord.HandleDeductEvent)
	memBus.RegisterChecker(coord.CheckTransaction)

	return &coordinatorHarness{
		coord:  coord,
		db:     db,
		bus:    memBus,
		tokens: tokens,
		orders: orders,
		quota:  quotaSvc,
		node:   node,
		cfg:    cfg,
	}
}

// newCoordinator builds a second coordinator on the harness state, standing
// in for an earlier incarnation of the process with its own publisher.
func (h *coordinatorHarness) newCoordinator(txpub bus.TransactionalPublisher) *Coordinator {
	return New(Params{
		DB:      h.db,
		Log:     zap.NewNop(),
		GenID:   h.node,
		Cfg:     h.cfg,
		Orders:  h.orders,
		Intents: repository.ProvideStore[domain.DeductionIntent](h.db),
		Quota:   h.quota,
		Tokens:  h.tokens,
		TxPub:   txpub,
		Pub:     h.bus,
	})
}

func (h *coordinatorHarness) seedOrder(t *testing.T, qty int64, status orderdomain.Status) *orderdomain.Order {
	t.Helper()
	now := time.Now().UTC()
	order := &orderdomain.Order{
		ID:          h.node.Generate(),
		OrderSn:     "ord-" + h.node.Generate().String(),
		AccountID:   h.node.Generate(),
		APIDigestID: h.node.Generate(),
		Quantity:    qty,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, h.orders.Create(context.Background(), h.db, order))
	return order
}

func (h *coordinatorHarness) orderStatus(t *testing.T, orderSn string) orderdomain.Status {
	t.Helper()
	order, err := h.orders.FindBySn(context.Background(), h.db, orderSn)
	require.NoError(t, err)
	require.NotNil(t, order)
	return order.Status
}

func (h *coordinatorHarness) remaining(t *testing.T, order *orderdomain.Order) int64 {
	t.Helper()
	var sub quotadomain.Subscription
	err := h.db.Where("user_id = ? AND api_digest_id = ?", order.AccountID, order.APIDigestID).
		First(&sub).Error
	if err == gorm.ErrRecordNotFound {
		return 0
	}
	require.NoError(t, err)
	return sub.RemainingQuantity
}

func (h *coordinatorHarness) intentByOrder(t *testing.T, orderSn string) *domain.DeductionIntent {
	t.Helper()
	var intent domain.DeductionIntent
	require.NoError(t, h.db.Where("order_sn = ?", orderSn).First(&intent).Error)
	return &intent
}

func TestDeductHappyPath(t *testing.T) {
	h := newCoordinatorHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, 100, orderdomain.StatusCreated)

	require.NoError(t, h.coord.Deduct(ctx, order.OrderSn))

	assert.Equal(t, orderdomain.StatusStockDeducted, h.orderStatus(t, order.OrderSn))
	assert.Equal(t, int64(100), h.remaining(t, order))
	assert.Equal(t, domain.IntentStateCommitted, h.intentByOrder(t, order.OrderSn).State)
	assert.Equal(t, 0, h.bus.PreparedCount())
}

func TestDeductIsSingleShot(t *testing.T) {
	h := newCoordinatorHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, 50, orderdomain.StatusCreated)

	require.NoError(t, h.coord.Deduct(ctx, order.OrderSn))
	require.NoError(t, h.coord.Deduct(ctx, order.OrderSn))

	assert.Equal(t, int64(50), h.remaining(t, order))

	var count int64
	require.NoError(t, h.db.Model(&domain.DeductionIntent{}).
		Where("order_sn = ?", order.OrderSn).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestDeductUnknownOrder(t *testing.T) {
	h := newCoordinatorHarness(t)

	err := h.coord.Deduct(context.Background(), "ord-missing")
	assert.ErrorIs(t, err, orderdomain.ErrNotFound)
}

func TestDeductLocalFailureRollsBackMessage(t *testing.T) {
	h := newCoordinatorHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, 25, orderdomain.StatusCreated)

	// A missing ledger table makes the local transaction fail after the
	// message was staged.
	require.NoError(t, h.db.Migrator().DropTable(&quotadomain.Subscription{}))

	err := h.coord.Deduct(ctx, order.OrderSn)
	require.Error(t, err)

	assert.Equal(t, orderdomain.StatusFailed, h.orderStatus(t, order.OrderSn))
	assert.Equal(t, domain.IntentStateAborted, h.intentByOrder(t, order.OrderSn).State)
	// The staged message must never become visible.
	assert.Equal(t, 0, h.bus.PreparedCount())
	assert.Equal(t, 0, h.bus.FailedCount())
}

func TestDeductEventRedeliveryIsAbsorbed(t *testing.T) {
	h := newCoordinatorHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, 10, orderdomain.StatusCreated)
	require.NoError(t, h.coord.Deduct(ctx, order.OrderSn))

	intent := h.intentByOrder(t, order.OrderSn)
	env := bus.Envelope{
		OrderSn:   order.OrderSn,
		Operation: bus.OperationDeduct,
		Quantity:  order.Quantity,
		TxID:      intent.TxID,
	}

	require.NoError(t, h.coord.HandleDeductEvent(ctx, env))
	require.NoError(t, h.coord.HandleDeductEvent(ctx, env))

	assert.Equal(t, orderdomain.StatusStockDeducted, h.orderStatus(t, order.OrderSn))
	assert.Equal(t, int64(10), h.remaining(t, order))
}

func TestCheckTransactionCommittedIsStable(t *testing.T) {
	h := newCoordinatorHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, 5, orderdomain.StatusCreated)
	require.NoError(t, h.coord.Deduct(ctx, order.OrderSn))

	intent := h.intentByOrder(t, order.OrderSn)
	for i := 0; i < 3; i++ {
		state, err := h.coord.CheckTransaction(ctx, intent.TxID)
		require.NoError(t, err)
		assert.Equal(t, bus.TxCommit, state)
	}
}

func TestCheckTransactionUnknownTxRollsBack(t *testing.T) {
	h := newCoordinatorHarness(t)

	state, err := h.coord.CheckTransaction(context.Background(), "tx-never-existed")
	require.NoError(t, err)
	assert.Equal(t, bus.TxRollback, state)
}

func TestCheckTransactionPendingResolvesAfterWindow(t *testing.T) {
	h := newCoordinatorHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, 5, orderdomain.StatusStockDeducting)

	// A pending intent whose producer died before finishing the local
	// transaction.
	now := time.Now().UTC()
	intent := &domain.DeductionIntent{
		ID:           h.node.Generate(),
		TxID:         "tx-orphaned",
		OrderSn:      order.OrderSn,
		UserID:       order.AccountID,
		APIDigestID:  order.APIDigestID,
		Quantity:     order.Quantity,
		State:        domain.IntentStatePending,
		DeductToken:  "d",
		ReverseToken: "r",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, h.db.Create(intent).Error)

	state, err := h.coord.CheckTransaction(ctx, intent.TxID)
	require.NoError(t, err)
	assert.Equal(t, bus.TxUnknown, state)
	assert.Equal(t, orderdomain.StatusStockDeducting, h.orderStatus(t, order.OrderSn))

	h.coord.SetNow(func() time.Time { return now.Add(2 * time.Minute) })

	state, err = h.coord.CheckTransaction(ctx, intent.TxID)
	require.NoError(t, err)
	assert.Equal(t, bus.TxRollback, state)
	assert.Equal(t, orderdomain.StatusFailed, h.orderStatus(t, order.OrderSn))

	// The answer stays rollback on every later callback.
	state, err = h.coord.CheckTransaction(ctx, intent.TxID)
	require.NoError(t, err)
	assert.Equal(t, bus.TxRollback, state)
	assert.Equal(t, domain.IntentStateAborted, h.intentByOrder(t, order.OrderSn).State)
}

func TestFailAfterDeductedReversesExactlyOnce(t *testing.T) {
	h := newCoordinatorHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, 40, orderdomain.StatusCreated)
	require.NoError(t, h.coord.Deduct(ctx, order.OrderSn))
	require.Equal(t, int64(40), h.remaining(t, order))

	require.NoError(t, h.coord.Fail(ctx, order.OrderSn))
	assert.Equal(t, orderdomain.StatusFailed, h.orderStatus(t, order.OrderSn))
	assert.Equal(t, int64(0), h.remaining(t, order))

	// A duplicate failure signal must not reverse twice.
	require.NoError(t, h.coord.Fail(ctx, order.OrderSn))
	assert.Equal(t, int64(0), h.remaining(t, order))
}

func TestFailBeforeDeductionLeavesLedgerUntouched(t *testing.T) {
	h := newCoordinatorHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, 15, orderdomain.StatusCreated)

	require.NoError(t, h.coord.Fail(ctx, order.OrderSn))

	assert.Equal(t, orderdomain.StatusFailed, h.orderStatus(t, order.OrderSn))
	assert.Equal(t, int64(0), h.remaining(t, order))
}

func TestFailOnCompletedOrderIsRejected(t *testing.T) {
	h := newCoordinatorHarness(t)
	order := h.seedOrder(t, 5, orderdomain.StatusCompleted)

	err := h.coord.Fail(context.Background(), order.OrderSn)
	assert.ErrorIs(t, err, orderdomain.ErrDataInconsistency)
}

// lostCommitPublisher stages messages on the real bus but loses the staged
// copy at commit time, like a producer that dies between its local
// transaction and the broker acknowledgment.
type lostCommitPublisher struct {
	*bus.MemoryBus
}

func (p *lostCommitPublisher) Commit(ctx context.Context, msg *bus.PreparedMessage) error {
	_ = p.MemoryBus.Rollback(ctx, msg)
	return errors.New("connection reset during commit")
}

func TestRecoverRepublishesAfterProducerCrash(t *testing.T) {
	h := newCoordinatorHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, 10, orderdomain.StatusCreated)

	crashed := h.newCoordinator(&lostCommitPublisher{h.bus})
	require.NoError(t, crashed.Deduct(ctx, order.OrderSn))

	// The local outcome is durable but the message never reached the
	// broker, and the replacement process has nothing staged to resolve.
	assert.Equal(t, orderdomain.StatusStockDeducting, h.orderStatus(t, order.OrderSn))
	assert.Equal(t, domain.IntentStateCommitted, h.intentByOrder(t, order.OrderSn).State)
	assert.Equal(t, 0, h.bus.PreparedCount())
	require.NoError(t, h.bus.ResolvePending(ctx))
	assert.Equal(t, orderdomain.StatusStockDeducting, h.orderStatus(t, order.OrderSn))

	h.coord.SetNow(func() time.Time { return time.Now().Add(2 * time.Minute) })
	require.NoError(t, h.coord.Recover(ctx))

	assert.Equal(t, orderdomain.StatusStockDeducted, h.orderStatus(t, order.OrderSn))
	assert.Equal(t, int64(10), h.remaining(t, order))

	state, err := h.coord.CheckTransaction(ctx, h.intentByOrder(t, order.OrderSn).TxID)
	require.NoError(t, err)
	assert.Equal(t, bus.TxCommit, state)

	// A later sweep finds nothing left to republish.
	require.NoError(t, h.coord.Recover(ctx))
	assert.Equal(t, int64(10), h.remaining(t, order))
}

func TestRecoverLeavesFreshDeductionsAlone(t *testing.T) {
	h := newCoordinatorHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, 10, orderdomain.StatusCreated)

	crashed := h.newCoordinator(&lostCommitPublisher{h.bus})
	require.NoError(t, crashed.Deduct(ctx, order.OrderSn))

	// Inside the resolution window the send may still land on its own;
	// the sweep must not race it.
	require.NoError(t, h.coord.Recover(ctx))

	assert.Equal(t, orderdomain.StatusStockDeducting, h.orderStatus(t, order.OrderSn))
	assert.Equal(t, domain.IntentStateCommitted, h.intentByOrder(t, order.OrderSn).State)
}

func TestRecoverAbortsDanglingPendingIntent(t *testing.T) {
	h := newCoordinatorHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, 5, orderdomain.StatusStockDeducting)

	now := time.Now().UTC()
	intent := &domain.DeductionIntent{
		ID:           h.node.Generate(),
		TxID:         "tx-half-done",
		OrderSn:      order.OrderSn,
		UserID:       order.AccountID,
		APIDigestID:  order.APIDigestID,
		Quantity:     order.Quantity,
		State:        domain.IntentStatePending,
		DeductToken:  "d",
		ReverseToken: "r",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, h.db.Create(intent).Error)

	h.coord.SetNow(func() time.Time { return now.Add(2 * time.Minute) })
	require.NoError(t, h.coord.Recover(ctx))

	assert.Equal(t, orderdomain.StatusFailed, h.orderStatus(t, order.OrderSn))
	assert.Equal(t, domain.IntentStateAborted, h.intentByOrder(t, order.OrderSn).State)
	assert.Equal(t, int64(0), h.remaining(t, order))

	state, err := h.coord.CheckTransaction(ctx, intent.TxID)
	require.NoError(t, err)
	assert.Equal(t, bus.TxRollback, state)
}

func TestDeductEventFinishesAfterConsumerCrash(t *testing.T) {
	h := newCoordinatorHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, 20, orderdomain.StatusCreated)
	require.NoError(t, h.coord.Deduct(ctx, order.OrderSn))
	require.Equal(t, orderdomain.StatusStockDeducted, h.orderStatus(t, order.OrderSn))

	// A consumer that consumed the token and then died before the status
	// update leaves the order behind the token state.
	rows, err := h.orders.Transition(ctx, h.db, order.OrderSn,
		orderdomain.StatusStockDeducted, orderdomain.StatusStockDeducting)
	require.NoError(t, err)
	require.Equal(t, int64(1), rows)

	intent := h.intentByOrder(t, order.OrderSn)
	require.NoError(t, h.coord.HandleDeductEvent(ctx, bus.Envelope{
		OrderSn:   order.OrderSn,
		Operation: bus.OperationDeduct,
		Quantity:  order.Quantity,
		TxID:      intent.TxID,
	}))

	assert.Equal(t, orderdomain.StatusStockDeducted, h.orderStatus(t, order.OrderSn))
	assert.Equal(t, int64(20), h.remaining(t, order))
}

func TestDeductionMetricsRecorded(t *testing.T) {
	h := newCoordinatorHarness(t)
	ctx := context.Background()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := obsmetrics.New(obsmetrics.Config{ServiceName: "quotagate-test"}, provider)
	require.NoError(t, err)
	h.coord.metrics = m

	order := h.seedOrder(t, 10, orderdomain.StatusCreated)
	require.NoError(t, h.coord.Deduct(ctx, order.OrderSn))
	require.NoError(t, h.coord.Fail(ctx, order.OrderSn))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	assert.Equal(t, int64(1), counterValue(t, rm, "quotagate_deductions_applied_total"))
	assert.Equal(t, int64(1), counterValue(t, rm, "quotagate_deductions_reversed_total"))
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			if metric.Name != name {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}
