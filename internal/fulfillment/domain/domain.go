// Package domain contains the stock-deduction intent record and the
// coordinator contract.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/quotagate/quotagate/internal/bus"
)

var ErrIntentNotFound = errors.New("intent_not_found")

// IntentState tracks the local outcome of one transactional send.
type IntentState string

const (
	IntentStatePending   IntentState = "pending"
	IntentStateCommitted IntentState = "committed"
	IntentStateAborted   IntentState = "aborted"
)

// DeductionIntent is persisted before the transactional message is staged.
// The broker's status-check callback is answered from this record alone, so
// a replaced process can resolve its predecessor's sends. The token values
// are the expected values for the single-use consumption tokens guarding
// the deduct and reverse side effects.
type DeductionIntent struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	TxID         string       `gorm:"type:text;not null;uniqueIndex"`
	OrderSn      string       `gorm:"type:text;not null;index"`
	UserID       snowflake.ID `gorm:"not null"`
	APIDigestID  snowflake.ID `gorm:"not null"`
	Quantity     int64        `gorm:"not null"`
	State        IntentState  `gorm:"type:text;not null"`
	DeductToken  string       `gorm:"type:text;not null"`
	ReverseToken string       `gorm:"type:text;not null"`
	CreatedAt    time.Time    `gorm:"not null"`
	UpdatedAt    time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (DeductionIntent) TableName() string { return "deduction_intents" }

// Coordinator drives a purchase order through stock deduction and answers
// the broker's transactional status checks.
type Coordinator interface {
	// Deduct moves the order into stock deduction: stage the deduct
	// message, apply the ledger credit in a local transaction, then commit
	// or roll back the staged message to match the local outcome.
	Deduct(ctx context.Context, orderSn string) error
	// HandleDeductEvent consumes a committed deduct message and advances
	// the order to stock_deducted, absorbing redelivery through the
	// consumption token.
	HandleDeductEvent(ctx context.Context, env bus.Envelope) error
	// Fail drives the escape edge to Failed. An order that already reached
	// stock deduction is reversed first, exactly once.
	Fail(ctx context.Context, orderSn string) error
	// CheckTransaction answers the broker's status-check callback from the
	// durable intent record. Answers are stable across invocations, and a
	// pending intent older than the resolution window resolves to rollback
	// so the outcome never stays indeterminate.
	CheckTransaction(ctx context.Context, txID string) (bus.TxState, error)
	// Recover re-derives lost sends from the intent records: orders stuck
	// in stock_deducting past the resolution window get their committed
	// deduct message republished, and dangling pending intents are aborted.
	// The sweep makes a producer crash between local commit and broker
	// acknowledgment survivable by a replacement process.
	Recover(ctx context.Context) error
}
