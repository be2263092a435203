package checkout

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront-checkout/internal/domain/discount"
	"github.com/xenking/storefront-checkout/internal/domain/notify"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/outbox"
	"github.com/xenking/storefront-checkout/internal/domain/stock"
)

// StockReserver commits a stock decrement at most once per effect id.
type StockReserver interface {
	ReserveOnce(ctx context.Context, effectID, productID string, qty int) (bool, error)
}

// UsageCommitter commits one discount redemption at most once per effect id.
type UsageCommitter interface {
	CommitUsageOnce(ctx context.Context, effectID, discountID string) error
}

// Confirmer sends order confirmations.
type Confirmer interface {
	SendConfirmation(ctx context.Context, o *order.Order) notify.Ack
}

// HandlerRegistry accepts outbox task handlers.
type HandlerRegistry interface {
	Handle(kind outbox.Kind, h outbox.Handler)
}

// RegisterSettlement wires the post-commit side effects of an order into the
// outbox: stock reservation, discount usage and the confirmation message.
// Shortfalls and exhausted codes are permanent, everything else is retried.
// Stock and usage effects are keyed by task id, so a task delivered again
// after its effect committed changes nothing.
func RegisterSettlement(reg HandlerRegistry, gate StockReserver, usage UsageCommitter, orders order.Repository, confirmer Confirmer) {
	reg.Handle(outbox.KindReserveStock, func(ctx context.Context, t outbox.Task) error {
		var p outbox.ReserveStockPayload
		if err := t.Decode(&p); err != nil {
			return err
		}
		if _, err := gate.ReserveOnce(ctx, t.ID, p.ProductID, p.Quantity); err != nil {
			var short *stock.InsufficientStockError
			if errors.As(err, &short) {
				return outbox.Permanent(err)
			}
			return err
		}
		return nil
	})

	reg.Handle(outbox.KindCommitDiscount, func(ctx context.Context, t outbox.Task) error {
		var p outbox.CommitDiscountPayload
		if err := t.Decode(&p); err != nil {
			return err
		}
		if err := usage.CommitUsageOnce(ctx, t.ID, p.DiscountID); err != nil {
			if errors.Is(err, discount.ErrUsageExhausted) {
				return outbox.Permanent(err)
			}
			return err
		}
		return nil
	})

	reg.Handle(outbox.KindSendConfirmation, func(ctx context.Context, t outbox.Task) error {
		o, err := orders.GetByID(ctx, t.OrderID)
		if err != nil {
			if errors.Is(err, order.ErrNotFound) {
				return outbox.Permanent(err)
			}
			return errors.Wrap(err, "load order")
		}
		ack := confirmer.SendConfirmation(ctx, o)
		if ack.Delivered {
			return nil
		}
		if errors.Is(ack.Err, notify.ErrNoRecipient) {
			return outbox.Permanent(ack.Err)
		}
		return ack.Err
	})
}
