package event

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/notify"
	"github.com/xenking/storefront-checkout/internal/domain/outbox"
)

type mockWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *mockWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *mockWriter) Close() error { return nil }

type countingSender struct {
	calls int
	err   error
}

func (s *countingSender) Send(context.Context, notify.Message) error {
	s.calls++
	return s.err
}

func sampleMessage() notify.Message {
	color := "red"
	return notify.Message{
		To:              "ada@example.com",
		RecipientName:   "Ada",
		OrderID:         "o1",
		TenantID:        "t1",
		OrderDate:       time.Date(2024, 5, 30, 9, 0, 0, 0, time.UTC),
		Subtotal:        decimal.NewFromInt(40),
		Shipping:        decimal.NewFromInt(6),
		Tax:             decimal.RequireFromString("3.2"),
		Discount:        decimal.Zero,
		Total:           decimal.RequireFromString("49.2"),
		ShippingAddress: "1 Main St, Springfield, IL 62701",
		PaymentMethod:   "cash",
		DeliverySlot:    "Saturday, June 1, 2024, 10:00 AM - 12:00 PM",
		Items: []notify.MessageItem{
			{Name: "Bouquet", Quantity: 2, UnitPrice: decimal.NewFromInt(20), Color: &color},
		},
	}
}

func TestEncodeConfirmation(t *testing.T) {
	var got struct {
		OrderID string `json:"order_id"`
		To      string `json:"to"`
		Total   string `json:"total"`
		Tax     string `json:"tax"`
		Date    string `json:"order_date"`
		Slot    string `json:"delivery_slot"`
		Items   []struct {
			Name      string  `json:"name"`
			Quantity  int     `json:"quantity"`
			UnitPrice string  `json:"unit_price"`
			Color     *string `json:"color"`
			Size      *string `json:"size"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(EncodeConfirmation(sampleMessage()), &got))

	assert.Equal(t, "o1", got.OrderID)
	assert.Equal(t, "ada@example.com", got.To)
	assert.Equal(t, "49.20", got.Total)
	assert.Equal(t, "3.20", got.Tax)
	assert.Equal(t, "2024-05-30T09:00:00Z", got.Date)
	assert.Equal(t, "Saturday, June 1, 2024, 10:00 AM - 12:00 PM", got.Slot)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "20.00", got.Items[0].UnitPrice)
	assert.Equal(t, "red", *got.Items[0].Color)
	assert.Nil(t, got.Items[0].Size)
}

func TestConfirmationSender(t *testing.T) {
	w := &mockWriter{}
	s := NewConfirmationSender(w, "")

	require.NoError(t, s.Send(context.Background(), sampleMessage()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, DefaultConfirmationTopic, w.msgs[0].Topic)
	assert.Equal(t, []byte("o1"), w.msgs[0].Key)
	assert.True(t, json.Valid(w.msgs[0].Value))

	w.err = errors.New("leader not available")
	err := s.Send(context.Background(), sampleMessage())
	assert.ErrorIs(t, err, w.err)
}

func TestDeadLetterPublisher(t *testing.T) {
	w := &mockWriter{}
	p := NewDeadLetterPublisher(w, "dlq")

	task, err := outbox.NewTask("task1", "o1", 1, outbox.KindReserveStock,
		outbox.ReserveStockPayload{ProductID: "p1", Quantity: 2}, time.Now())
	require.NoError(t, err)
	task.Attempts = 8
	task.LastError = "insufficient stock"

	require.NoError(t, p.PublishDeadLetter(context.Background(), task))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "dlq", w.msgs[0].Topic)

	var got struct {
		Kind     string          `json:"kind"`
		Attempts int             `json:"attempts"`
		Payload  json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "reserve_stock", got.Kind)
	assert.Equal(t, 8, got.Attempts)
	assert.JSONEq(t, `{"product_id":"p1","quantity":2}`, string(got.Payload))
}

func TestBreakerSender_Trips(t *testing.T) {
	next := &countingSender{err: errors.New("broker down")}
	b := NewBreakerSender(next, BreakerConfig{MinRequests: 3, FailureRatio: 0.5, Timeout: time.Hour}, zap.NewNop())

	for range 3 {
		assert.Error(t, b.Send(context.Background(), sampleMessage()))
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.Send(context.Background(), sampleMessage())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, next.calls, "open breaker must not call through")
}

func TestBreakerSender_PassesThrough(t *testing.T) {
	next := &countingSender{}
	b := NewBreakerSender(next, BreakerConfig{}, zap.NewNop())

	require.NoError(t, b.Send(context.Background(), sampleMessage()))
	assert.Equal(t, 1, next.calls)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestLogSender(t *testing.T) {
	assert.NoError(t, NewLogSender(zap.NewNop()).Send(context.Background(), sampleMessage()))
}

func TestPing_NoBrokers(t *testing.T) {
	assert.Error(t, Ping(context.Background(), nil))
}
