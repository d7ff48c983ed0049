package repository

import (
	"context"
	"errors"
	"time"

	"github.com/quotagate/quotagate/internal/order/domain"
	"gorm.io/gorm"
)

// Repository persists quota orders. Status changes are conditional on the
// current status so a concurrent writer cannot skip a lifecycle step.
type Repository interface {
	Create(ctx context.Context, db *gorm.DB, order *domain.Order) error
	FindBySn(ctx context.Context, db *gorm.DB, orderSn string) (*domain.Order, error)
	// FindStaleByStatus lists orders sitting in `status` since before
	// `before`, oldest first. Used by the recovery sweep to spot orders
	// whose in-flight message died with its producer.
	FindStaleByStatus(ctx context.Context, db *gorm.DB, status domain.Status, before time.Time) ([]*domain.Order, error)
	// Transition moves the order from exactly `from` to `to`, reporting
	// rows affected. Zero rows means the order was no longer in `from`.
	Transition(ctx context.Context, db *gorm.DB, orderSn string, from, to domain.Status) (int64, error)
}

type repo struct{}

func New() Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, order *domain.Order) error {
	return db.WithContext(ctx).Create(order).Error
}

func (r *repo) FindBySn(ctx context.Context, db *gorm.DB, orderSn string) (*domain.Order, error) {
	var order domain.Order
	err := db.WithContext(ctx).Where("order_sn = ?", orderSn).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (r *repo) FindStaleByStatus(ctx context.Context, db *gorm.DB, status domain.Status, before time.Time) ([]*domain.Order, error) {
	var orders []*domain.Order
	err := db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, before.UTC()).
		Order("updated_at asc").
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, orderSn string, from, to domain.Status) (int64, error) {
	result := db.WithContext(ctx).Model(&domain.Order{}).
		Where("order_sn = ? AND status = ?", orderSn, from).
		Updates(map[string]any{
			"status":     to,
			"updated_at": time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}
