// Package domain contains the quota ledger models and contracts.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrNotFound             = errors.New("subscription_not_found")
	ErrSubscriptionDisabled = errors.New("subscription_disabled")
	ErrInsufficientQuota    = errors.New("insufficient_quota")
	ErrInvalidAmount        = errors.New("invalid_amount")
)

// SubscriptionStatus marks whether a subscription may be consumed.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusDisabled SubscriptionStatus = "disabled"
)

// Subscription is one user's purchased access to one API. Remaining quantity
// only grows through a committed stock deduction and never drops below zero;
// rows are soft-disabled, never deleted.
type Subscription struct {
	ID                snowflake.ID       `gorm:"primaryKey"`
	UserID            snowflake.ID       `gorm:"not null;index:idx_quota_user_api,unique"`
	APIDigestID       snowflake.ID       `gorm:"not null;index:idx_quota_user_api,unique"`
	TotalQuantity     int64              `gorm:"not null;default:0"`
	RemainingQuantity int64              `gorm:"not null;default:0"`
	Status            SubscriptionStatus `gorm:"type:text;not null"`
	CreatedAt         time.Time          `gorm:"not null"`
	UpdatedAt         time.Time          `gorm:"not null"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "quota_subscriptions" }

// Repository persists subscriptions. Mutations are single conditional
// updates so concurrent writers can never both pass the balance guard.
type Repository interface {
	Create(ctx context.Context, db *gorm.DB, sub *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByUserAPI(ctx context.Context, db *gorm.DB, userID, apiDigestID snowflake.ID) (*Subscription, error)
	// ConsumeQuantity decrements remaining_quantity by amount when the
	// subscription is active and holds at least amount; reports rows
	// affected (zero means the guard failed).
	ConsumeQuantity(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64) (int64, error)
	// AddQuantity increments total and remaining by qty.
	AddQuantity(ctx context.Context, db *gorm.DB, id snowflake.ID, qty int64) (int64, error)
	// RemoveQuantity decrements total and remaining by qty, guarded by
	// remaining_quantity >= qty; reports rows affected.
	RemoveQuantity(ctx context.Context, db *gorm.DB, id snowflake.ID, qty int64) (int64, error)
}

// Service is the ledger surface the gateway and the fulfillment flow use.
// ApplyDeduction and ReverseDeduction take the transaction handle of the
// caller's local transaction so the ledger change and the caller's intent
// bookkeeping commit or abort together.
type Service interface {
	Consume(ctx context.Context, subscriptionID snowflake.ID, amount int64) (int64, error)
	ConsumeForUser(ctx context.Context, userID, apiDigestID snowflake.ID, amount int64) (int64, error)
	ApplyDeduction(ctx context.Context, tx *gorm.DB, userID, apiDigestID snowflake.ID, qty int64) (int64, error)
	ReverseDeduction(ctx context.Context, tx *gorm.DB, userID, apiDigestID snowflake.ID, qty int64) error
}
