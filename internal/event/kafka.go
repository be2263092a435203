// Package event publishes order confirmations and dead-lettered settlement
// tasks to Kafka.
package event

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/notify"
	"github.com/xenking/storefront-checkout/internal/domain/outbox"
)

const (
	DefaultConfirmationTopic = "storefront.order.confirmation"
	DefaultDeadLetterTopic   = "storefront.outbox.dlq"
)

// Writer is the part of *kafka.Writer the publishers use.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter returns a synchronous writer that routes messages with the same
// key to the same partition.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              1,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

var _ notify.Sender = (*ConfirmationSender)(nil)

// ConfirmationSender publishes confirmations keyed by order id.
type ConfirmationSender struct {
	w     Writer
	topic string
}

// NewConfirmationSender creates a ConfirmationSender.
func NewConfirmationSender(w Writer, topic string) *ConfirmationSender {
	if topic == "" {
		topic = DefaultConfirmationTopic
	}
	return &ConfirmationSender{w: w, topic: topic}
}

// Send implements notify.Sender.
func (s *ConfirmationSender) Send(ctx context.Context, m notify.Message) error {
	msg := kafka.Message{
		Topic: s.topic,
		Key:   []byte(m.OrderID),
		Value: EncodeConfirmation(m),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte("order.confirmation")},
			{Key: "tenant_id", Value: []byte(m.TenantID)},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "publish confirmation to %s", s.topic)
	}
	return nil
}

// LogSender stands in for Kafka when no brokers are configured.
type LogSender struct {
	lg *zap.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(lg *zap.Logger) *LogSender {
	return &LogSender{lg: lg}
}

// Send logs the confirmation.
func (s *LogSender) Send(_ context.Context, m notify.Message) error {
	s.lg.Info("Order confirmation",
		zap.String("order_id", m.OrderID),
		zap.String("to", m.To),
		zap.String("total", m.Total.StringFixed(2)),
		zap.String("delivery_slot", m.DeliverySlot),
	)
	return nil
}

var _ outbox.DeadLetterPublisher = (*DeadLetterPublisher)(nil)

// DeadLetterPublisher publishes tasks that will not be retried.
type DeadLetterPublisher struct {
	w     Writer
	topic string
}

// NewDeadLetterPublisher creates a DeadLetterPublisher.
func NewDeadLetterPublisher(w Writer, topic string) *DeadLetterPublisher {
	if topic == "" {
		topic = DefaultDeadLetterTopic
	}
	return &DeadLetterPublisher{w: w, topic: topic}
}

// PublishDeadLetter implements outbox.DeadLetterPublisher.
func (p *DeadLetterPublisher) PublishDeadLetter(ctx context.Context, t outbox.Task) error {
	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(t.OrderID),
		Value: EncodeDeadLetter(t),
		Headers: []kafka.Header{
			{Key: "task_kind", Value: []byte(t.Kind)},
			{Key: "attempts", Value: []byte(strconv.Itoa(t.Attempts))},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "publish dead letter to %s", p.topic)
	}
	return nil
}

// Ping reports whether at least one broker answers a metadata request.
func Ping(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return errors.New("kafka: no brokers configured")
	}
	var lastErr error
	for _, addr := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("kafka: all brokers unreachable: %w", lastErr)
}
