package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/quotagate/quotagate/internal/config"
	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type kafkaSubscription struct {
	topic   string
	group   string
	handler Handler
}

type stagedMessage struct {
	msg      *PreparedMessage
	stagedAt time.Time
}

// KafkaBus carries both topics over Kafka. Transactional sends are staged
// in the producer and resolved through the registered checker when the
// local outcome never arrives; the checker answers from durable state, so
// a replaced producer resolves its predecessor's intents.
type KafkaBus struct {
	log     *zap.Logger
	writer  *kafka.Writer
	brokers []string
	window  time.Duration

	mu      sync.Mutex
	subs    []kafkaSubscription
	staged  map[string]stagedMessage
	checker TxChecker

	cancel  context.CancelFunc
	readers []*kafka.Reader
	wg      sync.WaitGroup
}

func NewKafkaBus(cfg config.Config, log *zap.Logger) (*KafkaBus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka bus requires at least one broker")
	}
	window := cfg.Deduction.ResolutionWindow
	if window <= 0 {
		window = time.Minute
	}
	return &KafkaBus{
		log: log.Named("bus.kafka"),
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		brokers: cfg.Brokers,
		window:  window,
		staged:  make(map[string]stagedMessage),
	}, nil
}

func (b *KafkaBus) Publish(ctx context.Context, topic string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(env.OrderSn),
		Value: payload,
		Time:  time.Now().UTC(),
	})
}

func (b *KafkaBus) Subscribe(topic, group string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, kafkaSubscription{topic: topic, group: group, handler: handler})
}

func (b *KafkaBus) Prepare(ctx context.Context, topic string, env Envelope) (*PreparedMessage, error) {
	_ = ctx
	if env.TxID == "" {
		return nil, errors.New("transactional message requires tx id")
	}
	msg := &PreparedMessage{Topic: topic, Envelope: env}
	b.mu.Lock()
	b.staged[env.TxID] = stagedMessage{msg: msg, stagedAt: time.Now()}
	b.mu.Unlock()
	return msg, nil
}

func (b *KafkaBus) Commit(ctx context.Context, msg *PreparedMessage) error {
	b.mu.Lock()
	_, ok := b.staged[msg.Envelope.TxID]
	delete(b.staged, msg.Envelope.TxID)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return b.Publish(ctx, msg.Topic, msg.Envelope)
}

func (b *KafkaBus) Rollback(ctx context.Context, msg *PreparedMessage) error {
	_ = ctx
	b.mu.Lock()
	delete(b.staged, msg.Envelope.TxID)
	b.mu.Unlock()
	return nil
}

func (b *KafkaBus) RegisterChecker(checker TxChecker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checker = checker
}

// Start launches one reader loop per registered subscription and the
// staged-message sweep.
func (b *KafkaBus) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel

	b.mu.Lock()
	subs := make([]kafkaSubscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  b.brokers,
			GroupID:  sub.group,
			Topic:    sub.topic,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		})
		b.readers = append(b.readers, reader)
		b.wg.Add(1)
		go b.consumeLoop(runCtx, reader, sub)
	}

	b.wg.Add(1)
	go b.sweepLoop(runCtx)
}

func (b *KafkaBus) Stop(ctx context.Context) error {
	_ = ctx
	if b.cancel != nil {
		b.cancel()
	}
	for _, reader := range b.readers {
		_ = reader.Close()
	}
	b.wg.Wait()
	return b.writer.Close()
}

func (b *KafkaBus) consumeLoop(ctx context.Context, reader *kafka.Reader, sub kafkaSubscription) {
	defer b.wg.Done()
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			b.log.Warn("fetch failed",
				zap.String("topic", sub.topic),
				zap.String("group", sub.group),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var env Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			b.log.Error("dropping undecodable message",
				zap.String("topic", sub.topic),
				zap.Error(err),
			)
			_ = reader.CommitMessages(ctx, msg)
			continue
		}

		// Retry with backoff until the handler accepts it; the offset is
		// only committed after a successful handle, so a crash redelivers.
		backoff := time.Second
		for {
			if err := sub.handler(ctx, env); err == nil {
				break
			} else {
				b.log.Warn("handler failed, will retry",
					zap.String("topic", sub.topic),
					zap.String("order_sn", env.OrderSn),
					zap.Error(err),
				)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			b.log.Warn("offset commit failed", zap.Error(err))
		}
	}
}

func (b *KafkaBus) sweepLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.resolveStaged(ctx)
		}
	}
}

func (b *KafkaBus) resolveStaged(ctx context.Context) {
	b.mu.Lock()
	checker := b.checker
	due := make([]*PreparedMessage, 0)
	cutoff := time.Now().Add(-b.window)
	for _, staged := range b.staged {
		if staged.stagedAt.Before(cutoff) {
			due = append(due, staged.msg)
		}
	}
	b.mu.Unlock()

	if checker == nil {
		return
	}

	for _, msg := range due {
		state, err := checker(ctx, msg.Envelope.TxID)
		if err != nil {
			b.log.Warn("status check failed", zap.String("tx_id", msg.Envelope.TxID), zap.Error(err))
			continue
		}
		switch state {
		case TxCommit:
			if err := b.Commit(ctx, msg); err != nil {
				b.log.Warn("late commit failed", zap.String("tx_id", msg.Envelope.TxID), zap.Error(err))
			}
		case TxRollback:
			_ = b.Rollback(ctx, msg)
		}
	}
}
