// Package domain contains the quota order model and its lifecycle table.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrNotFound          = errors.New("order_not_found")
	ErrDataInconsistency = errors.New("data_inconsistency")
)

// Status is one state in the order lifecycle.
type Status string

const (
	StatusCreated        Status = "created"
	StatusStockDeducting Status = "stock_deducting"
	StatusStockDeducted  Status = "stock_deducted"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Order is a purchase intent for additional quota. Quantity is immutable
// after creation; status only moves along the transition table.
type Order struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	OrderSn     string       `gorm:"type:text;not null;uniqueIndex"`
	AccountID   snowflake.ID `gorm:"not null;index"`
	APIDigestID snowflake.ID `gorm:"not null;index"`
	Quantity    int64        `gorm:"not null"`
	Status      Status       `gorm:"type:text;not null"`
	CreatedAt   time.Time    `gorm:"not null"`
	UpdatedAt   time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (Order) TableName() string { return "quota_orders" }
