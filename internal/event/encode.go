package event

import (
	"time"

	"github.com/go-faster/jx"

	"github.com/xenking/storefront-checkout/internal/domain/notify"
	"github.com/xenking/storefront-checkout/internal/domain/outbox"
)

// EncodeConfirmation renders a confirmation message as JSON. Money is
// written as fixed two-place strings.
func EncodeConfirmation(m notify.Message) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("order_id", func(e *jx.Encoder) { e.Str(m.OrderID) })
		e.Field("tenant_id", func(e *jx.Encoder) { e.Str(m.TenantID) })
		e.Field("to", func(e *jx.Encoder) { e.Str(m.To) })
		e.Field("recipient_name", func(e *jx.Encoder) { e.Str(m.RecipientName) })
		e.Field("order_date", func(e *jx.Encoder) { e.Str(m.OrderDate.UTC().Format(time.RFC3339)) })
		e.Field("subtotal", func(e *jx.Encoder) { e.Str(m.Subtotal.StringFixed(2)) })
		e.Field("shipping", func(e *jx.Encoder) { e.Str(m.Shipping.StringFixed(2)) })
		e.Field("tax", func(e *jx.Encoder) { e.Str(m.Tax.StringFixed(2)) })
		e.Field("discount", func(e *jx.Encoder) { e.Str(m.Discount.StringFixed(2)) })
		e.Field("total", func(e *jx.Encoder) { e.Str(m.Total.StringFixed(2)) })
		e.Field("shipping_address", func(e *jx.Encoder) { e.Str(m.ShippingAddress) })
		e.Field("payment_method", func(e *jx.Encoder) { e.Str(m.PaymentMethod) })
		e.Field("delivery_slot", func(e *jx.Encoder) { e.Str(m.DeliverySlot) })
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, it := range m.Items {
					encodeItem(e, it)
				}
			})
		})
	})
	return e.Bytes()
}

func encodeItem(e *jx.Encoder, it notify.MessageItem) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("name", func(e *jx.Encoder) { e.Str(it.Name) })
		e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
		e.Field("unit_price", func(e *jx.Encoder) { e.Str(it.UnitPrice.StringFixed(2)) })
		if it.Color != nil {
			e.Field("color", func(e *jx.Encoder) { e.Str(*it.Color) })
		}
		if it.Size != nil {
			e.Field("size", func(e *jx.Encoder) { e.Str(*it.Size) })
		}
	})
}

// EncodeDeadLetter renders an exhausted outbox task.
func EncodeDeadLetter(t outbox.Task) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("task_id", func(e *jx.Encoder) { e.Str(t.ID) })
		e.Field("order_id", func(e *jx.Encoder) { e.Str(t.OrderID) })
		e.Field("seq", func(e *jx.Encoder) { e.Int(t.Seq) })
		e.Field("kind", func(e *jx.Encoder) { e.Str(string(t.Kind)) })
		e.Field("attempts", func(e *jx.Encoder) { e.Int(t.Attempts) })
		e.Field("last_error", func(e *jx.Encoder) { e.Str(t.LastError) })
		e.Field("payload", func(e *jx.Encoder) {
			if len(t.Payload) == 0 {
				e.Null()
				return
			}
			e.Raw(t.Payload)
		})
	})
	return e.Bytes()
}
