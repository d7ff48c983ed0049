// Package bus defines the message-bus contract the quota services publish
// and consume through. Delivery is at-least-once; every registered handler
// must be idempotent.
package bus

import (
	"context"
	"errors"
)

// Operation identifies what an envelope asks the consumer to do.
type Operation string

const (
	OperationDeduct  Operation = "deduct"
	OperationReverse Operation = "reverse"
	OperationStatus  Operation = "status"
)

// Envelope is the wire payload for both topics. TxID ties a deduct message
// back to the coordinator's durable intent record.
type Envelope struct {
	OrderSn   string    `json:"order_sn"`
	Operation Operation `json:"operation"`
	Quantity  int64     `json:"quantity"`
	Status    string    `json:"status,omitempty"`
	TxID      string    `json:"tx_id,omitempty"`
}

// Handler processes one delivered envelope. Returning an error leaves the
// message unacknowledged so the broker redelivers it.
type Handler func(ctx context.Context, env Envelope) error

// Subscriber registers a typed handler against a (topic, consumer group)
// pair at startup. Each group sees every message at least once.
type Subscriber interface {
	Subscribe(topic, group string, handler Handler)
}

// Publisher sends committed messages.
type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
}

// TxState is the coordinator's answer to a transactional status check.
type TxState int

const (
	TxUnknown TxState = iota
	TxCommit
	TxRollback
)

// TxChecker is the pull-based status-check callback. The broker may invoke
// it any number of times, at any later time; the answer must be derived
// from durable state and stable across invocations.
type TxChecker func(ctx context.Context, txID string) (TxState, error)

// ErrTxUnresolved reports a prepared message whose outcome is still unknown.
var ErrTxUnresolved = errors.New("transaction outcome unresolved")

// PreparedMessage is a staged, not-yet-visible send.
type PreparedMessage struct {
	Topic    string
	Envelope Envelope
}

// TransactionalPublisher stages a message before the local transaction runs
// and makes it visible only on Commit. When neither Commit nor Rollback
// arrives (producer crash), the transport resolves the staged message by
// polling the registered checker.
type TransactionalPublisher interface {
	Prepare(ctx context.Context, topic string, env Envelope) (*PreparedMessage, error)
	Commit(ctx context.Context, msg *PreparedMessage) error
	Rollback(ctx context.Context, msg *PreparedMessage) error
	RegisterChecker(checker TxChecker)
}
