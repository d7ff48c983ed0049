package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/quotagate/quotagate/internal/quota/domain"
	"gorm.io/gorm"
)

type repo struct{}

func New() domain.Repository {
	return &repo{}
}

func (r *repo) Create(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Create(sub).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repo) FindByUserAPI(ctx context.Context, db *gorm.DB, userID, apiDigestID snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).
		Where("user_id = ? AND api_digest_id = ?", userID, apiDigestID).
		First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

func (r *repo) ConsumeQuantity(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64) (int64, error) {
	result := db.WithContext(ctx).Model(&domain.Subscription{}).
		Where("id = ? AND status = ? AND remaining_quantity >= ?",
			id, domain.SubscriptionStatusActive, amount).
		Updates(map[string]any{
			"remaining_quantity": gorm.Expr("remaining_quantity - ?", amount),
			"updated_at":         time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}

func (r *repo) AddQuantity(ctx context.Context, db *gorm.DB, id snowflake.ID, qty int64) (int64, error) {
	result := db.WithContext(ctx).Model(&domain.Subscription{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"total_quantity":     gorm.Expr("total_quantity + ?", qty),
			"remaining_quantity": gorm.Expr("remaining_quantity + ?", qty),
			"updated_at":         time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}

func (r *repo) RemoveQuantity(ctx context.Context, db *gorm.DB, id snowflake.ID, qty int64) (int64, error) {
	result := db.WithContext(ctx).Model(&domain.Subscription{}).
		Where("id = ? AND remaining_quantity >= ?", id, qty).
		Updates(map[string]any{
			"total_quantity":     gorm.Expr("total_quantity - ?", qty),
			"remaining_quantity": gorm.Expr("remaining_quantity - ?", qty),
			"updated_at":         time.Now().UTC(),
		})
	return result.RowsAffected, result.Error
}
