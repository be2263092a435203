// Package notify builds order confirmation messages and hands them to a
// Sender without ever failing the caller.
package notify

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/delivery"
	"github.com/xenking/storefront-checkout/internal/domain/order"
)

// ErrNoRecipient is reported when the order carries no email address.
var ErrNoRecipient = errors.New("order has no recipient email")

// MessageItem is one line of a confirmation.
type MessageItem struct {
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	Color     *string
	Size      *string
}

// Message is everything a confirmation renderer needs.
type Message struct {
	To              string
	RecipientName   string
	OrderID         string
	TenantID        string
	OrderDate       time.Time
	Subtotal        decimal.Decimal
	Shipping        decimal.Decimal
	Tax             decimal.Decimal
	Discount        decimal.Decimal
	Total           decimal.Decimal
	ShippingAddress string
	PaymentMethod   string
	DeliverySlot    string
	Items           []MessageItem
}

// NewConfirmation builds the confirmation message of o.
func NewConfirmation(o *order.Order) Message {
	items := make([]MessageItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, MessageItem{
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.PriceAtTime,
			Color:     it.SelectedColor,
			Size:      it.SelectedSize,
		})
	}
	return Message{
		To:              o.Email,
		RecipientName:   o.FullName,
		OrderID:         o.ID,
		TenantID:        o.TenantID,
		OrderDate:       o.CreatedAt,
		Subtotal:        o.Subtotal,
		Shipping:        o.ShippingAmount,
		Tax:             o.Tax,
		Discount:        o.DiscountAmount,
		Total:           o.Total,
		ShippingAddress: o.ShippingAddress,
		PaymentMethod:   o.PaymentMethod,
		DeliverySlot:    delivery.DisplaySlot(o.DeliverySlotID),
		Items:           items,
	}
}

// Sender transmits a message.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// Ack reports whether a confirmation went out.
type Ack struct {
	Delivered bool
	Err       error
}

// Notifier dispatches confirmations with a bounded wait.
type Notifier struct {
	sender  Sender
	timeout time.Duration
	lg      *zap.Logger
}

// NewNotifier creates a Notifier. A zero timeout disables the bound.
func NewNotifier(sender Sender, timeout time.Duration, lg *zap.Logger) *Notifier {
	return &Notifier{sender: sender, timeout: timeout, lg: lg}
}

// SendConfirmation sends the confirmation of o. Failures, timeouts and
// sender panics are logged and reported in the Ack.
func (n *Notifier) SendConfirmation(ctx context.Context, o *order.Order) (ack Ack) {
	lg := n.lg.With(zap.String("order_id", o.ID))
	defer func() {
		if r := recover(); r != nil {
			ack = Ack{Err: errors.Errorf("notifier panic: %v", r)}
			lg.Error("Confirmation sender panicked", zap.Any("panic", r))
		}
	}()

	if o.Email == "" {
		lg.Warn("Confirmation skipped", zap.Error(ErrNoRecipient))
		return Ack{Err: ErrNoRecipient}
	}

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	if err := n.sender.Send(ctx, NewConfirmation(o)); err != nil {
		lg.Warn("Confirmation not delivered", zap.Error(err))
		return Ack{Err: errors.Wrap(err, "send confirmation")}
	}
	lg.Debug("Confirmation sent")
	return Ack{Delivered: true}
}
