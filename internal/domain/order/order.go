// Package order defines the persisted order record.
package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/outbox"
)

var (
	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrDuplicate is returned by Create when an order with the same
	// idempotency key already exists.
	ErrDuplicate = errors.New("order with idempotency key already exists")
)

// Status is the fulfilment status of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipping   Status = "shipping"
	StatusDelivered  Status = "delivered"
	StatusCanceled   Status = "canceled"
)

// Order is an immutable snapshot of a checkout. Only Status changes after
// creation.
type Order struct {
	ID              string
	TenantID        string
	CustomerID      string
	IdempotencyKey  string
	Status          Status
	Items           []Item
	AddressID       string
	ShippingAddress string
	DeliverySlotID  string
	PaymentMethod   string
	Notes           string
	FullName        string
	Email           string
	Phone           string
	DiscountCode    string
	Subtotal        decimal.Decimal
	ShippingAmount  decimal.Decimal
	Tax             decimal.Decimal
	DiscountAmount  decimal.Decimal
	Total           decimal.Decimal
	CreatedAt       time.Time
}

// Item is an order line with its price captured at checkout.
type Item struct {
	ProductID       *string
	CustomizationID *string
	Name            string
	Quantity        int
	PriceAtTime     decimal.Decimal
	SelectedColor   *string
	SelectedSize    *string
}

// Reconciles reports whether Total equals
// round(Subtotal + ShippingAmount + Tax - DiscountAmount, 2).
func (o *Order) Reconciles() bool {
	want := o.Subtotal.Add(o.ShippingAmount).Add(o.Tax).Sub(o.DiscountAmount).Round(2)
	return want.Equal(o.Total)
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create writes the order, its items and its outbox tasks atomically.
	Create(ctx context.Context, o *Order, tasks []outbox.Task) error
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*Order, error)
}
