package bus

import (
	"context"
	"sync"
)

const memoryMaxAttempts = 3

type memorySubscription struct {
	group   string
	handler Handler
}

type failedDelivery struct {
	topic string
	group string
	env   Envelope
}

// MemoryBus is an in-process broker for tests and single-node setups. It
// delivers synchronously, once per consumer group, retrying a failing
// handler a few times; messages still failing park in a redelivery queue
// the caller drains with RedeliverFailed, which models the real broker's
// redelivery policy.
type MemoryBus struct {
	mu       sync.Mutex
	subs     map[string][]memorySubscription
	failed   []failedDelivery
	prepared map[*PreparedMessage]struct{}
	checker  TxChecker
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:     make(map[string][]memorySubscription),
		prepared: make(map[*PreparedMessage]struct{}),
	}
}

func (b *MemoryBus) Subscribe(topic, group string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], memorySubscription{group: group, handler: handler})
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, env Envelope) error {
	b.mu.Lock()
	subs := make([]memorySubscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.Unlock()

	for _, sub := range subs {
		b.deliver(ctx, topic, sub, env)
	}
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, topic string, sub memorySubscription, env Envelope) {
	var err error
	for attempt := 0; attempt < memoryMaxAttempts; attempt++ {
		if err = sub.handler(ctx, env); err == nil {
			return
		}
	}
	b.mu.Lock()
	b.failed = append(b.failed, failedDelivery{topic: topic, group: sub.group, env: env})
	b.mu.Unlock()
}

// RedeliverFailed retries every parked delivery once and reports how many
// are still failing.
func (b *MemoryBus) RedeliverFailed(ctx context.Context) int {
	b.mu.Lock()
	pending := b.failed
	b.failed = nil
	b.mu.Unlock()

	for _, d := range pending {
		b.mu.Lock()
		var handler Handler
		for _, sub := range b.subs[d.topic] {
			if sub.group == d.group {
				handler = sub.handler
				break
			}
		}
		b.mu.Unlock()
		if handler == nil {
			continue
		}
		if err := handler(ctx, d.env); err != nil {
			b.mu.Lock()
			b.failed = append(b.failed, d)
			b.mu.Unlock()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.failed)
}

// FailedCount reports deliveries waiting for redelivery.
func (b *MemoryBus) FailedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.failed)
}

func (b *MemoryBus) Prepare(ctx context.Context, topic string, env Envelope) (*PreparedMessage, error) {
	_ = ctx
	msg := &PreparedMessage{Topic: topic, Envelope: env}
	b.mu.Lock()
	b.prepared[msg] = struct{}{}
	b.mu.Unlock()
	return msg, nil
}

func (b *MemoryBus) Commit(ctx context.Context, msg *PreparedMessage) error {
	b.mu.Lock()
	_, staged := b.prepared[msg]
	delete(b.prepared, msg)
	b.mu.Unlock()
	if !staged {
		return nil
	}
	return b.Publish(ctx, msg.Topic, msg.Envelope)
}

func (b *MemoryBus) Rollback(ctx context.Context, msg *PreparedMessage) error {
	_ = ctx
	b.mu.Lock()
	delete(b.prepared, msg)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBus) RegisterChecker(checker TxChecker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checker = checker
}

// ResolvePending emulates the broker's status-check callback pass over
// staged messages whose producer went silent. Unknown outcomes stay staged.
func (b *MemoryBus) ResolvePending(ctx context.Context) error {
	b.mu.Lock()
	checker := b.checker
	staged := make([]*PreparedMessage, 0, len(b.prepared))
	for msg := range b.prepared {
		staged = append(staged, msg)
	}
	b.mu.Unlock()

	if checker == nil {
		return nil
	}

	var unresolved bool
	for _, msg := range staged {
		state, err := checker(ctx, msg.Envelope.TxID)
		if err != nil {
			return err
		}
		switch state {
		case TxCommit:
			if err := b.Commit(ctx, msg); err != nil {
				return err
			}
		case TxRollback:
			if err := b.Rollback(ctx, msg); err != nil {
				return err
			}
		default:
			unresolved = true
		}
	}
	if unresolved {
		return ErrTxUnresolved
	}
	return nil
}

// PreparedCount reports staged messages not yet committed or rolled back.
func (b *MemoryBus) PreparedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.prepared)
}
