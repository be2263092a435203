package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/cart"
	"github.com/xenking/storefront-checkout/internal/domain/checkout"
	"github.com/xenking/storefront-checkout/internal/domain/delivery"
	"github.com/xenking/storefront-checkout/internal/domain/order"
	"github.com/xenking/storefront-checkout/internal/domain/outbox"
	"github.com/xenking/storefront-checkout/internal/domain/pricing"
)

// money renders amounts with exactly two decimals.
func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

type cartLineResponse struct {
	ID              string  `json:"id"`
	ProductID       *string `json:"productId,omitempty"`
	CustomizationID *string `json:"customizationId,omitempty"`
	Name            string  `json:"name"`
	Quantity        int     `json:"quantity"`
	UnitPrice       string  `json:"unitPrice"`
	LineTotal       string  `json:"lineTotal"`
	SelectedColor   *string `json:"selectedColor,omitempty"`
	SelectedSize    *string `json:"selectedSize,omitempty"`
}

type cartResponse struct {
	Lines     []cartLineResponse `json:"lines"`
	Subtotal  string             `json:"subtotal"`
	UpdatedAt *time.Time         `json:"updatedAt,omitempty"`
}

func toCartResponse(c *cart.Cart) cartResponse {
	lines := make([]cartLineResponse, len(c.Lines))
	for i, l := range c.Lines {
		lines[i] = cartLineResponse{
			ID:              l.ID,
			ProductID:       l.ProductID,
			CustomizationID: l.CustomizationID,
			Name:            l.Name,
			Quantity:        l.Quantity,
			UnitPrice:       money(l.UnitPrice),
			LineTotal:       money(l.Total()),
			SelectedColor:   l.SelectedColor,
			SelectedSize:    l.SelectedSize,
		}
	}
	resp := cartResponse{Lines: lines, Subtotal: money(c.Subtotal())}
	if !c.UpdatedAt.IsZero() {
		resp.UpdatedAt = &c.UpdatedAt
	}
	return resp
}

type quoteResponse struct {
	Subtotal        string `json:"subtotal"`
	RegionFee       string `json:"regionFee"`
	ShippingCharged string `json:"shippingCharged"`
	FreeShipping    bool   `json:"freeShipping"`
	Tax             string `json:"tax"`
	Discount        string `json:"discount"`
	Total           string `json:"total"`
}

func toQuoteResponse(b pricing.Breakdown) *quoteResponse {
	return &quoteResponse{
		Subtotal:        money(b.Subtotal),
		RegionFee:       money(b.RegionFee),
		ShippingCharged: money(b.ShippingCharged),
		FreeShipping:    b.FreeShipping(),
		Tax:             money(b.Tax),
		Discount:        money(b.Discount),
		Total:           money(b.Total),
	}
}

type contactResponse struct {
	FullName       string `json:"fullName,omitempty"`
	Phone          string `json:"phone,omitempty"`
	Email          string `json:"email,omitempty"`
	AlternateEmail string `json:"alternateEmail,omitempty"`
}

type sessionResponse struct {
	ID              string           `json:"id"`
	State           checkout.State   `json:"state"`
	AddressID       string           `json:"addressId,omitempty"`
	ShippingAddress string           `json:"shippingAddress,omitempty"`
	Region          string           `json:"region,omitempty"`
	SlotID          string           `json:"slotId,omitempty"`
	Slot            string           `json:"slot,omitempty"`
	Contact         *contactResponse `json:"contact,omitempty"`
	PaymentMethod   string           `json:"paymentMethod,omitempty"`
	Notes           string           `json:"notes,omitempty"`
	DiscountCode    string           `json:"discountCode,omitempty"`
	DiscountAmount  string           `json:"discountAmount,omitempty"`
	OrderID         string           `json:"orderId,omitempty"`
	FailureReason   string           `json:"failureReason,omitempty"`
	Quote           *quoteResponse   `json:"quote,omitempty"`
	DiscountError   string           `json:"discountError,omitempty"`
}

func toSessionResponse(s *checkout.Session) sessionResponse {
	resp := sessionResponse{
		ID:              s.ID,
		State:           s.State,
		AddressID:       s.AddressID,
		ShippingAddress: s.AddressSnapshot,
		Region:          s.Region,
		SlotID:          s.SlotID,
		PaymentMethod:   s.PaymentMethod,
		Notes:           s.Notes,
		OrderID:         s.OrderID,
		FailureReason:   s.FailureReason,
	}
	if s.SlotID != "" {
		resp.Slot = delivery.DisplaySlot(s.SlotID)
	}
	if s.Contact != (checkout.Contact{}) {
		resp.Contact = &contactResponse{
			FullName:       s.Contact.FullName,
			Phone:          s.Contact.Phone,
			Email:          s.Contact.Email,
			AlternateEmail: s.Contact.AlternateEmail,
		}
	}
	if s.Discount != nil {
		resp.DiscountCode = s.Discount.Code
		resp.DiscountAmount = money(s.Discount.Amount)
	}
	return resp
}

func toPreviewResponse(p *checkout.Preview) sessionResponse {
	resp := toSessionResponse(p.Session)
	resp.Quote = toQuoteResponse(p.Breakdown)
	if p.DiscountError != nil {
		resp.DiscountError = p.DiscountError.Error()
	}
	return resp
}

type orderItemResponse struct {
	ProductID       *string `json:"productId,omitempty"`
	CustomizationID *string `json:"customizationId,omitempty"`
	Name            string  `json:"name"`
	Quantity        int     `json:"quantity"`
	Price           string  `json:"price"`
	SelectedColor   *string `json:"selectedColor,omitempty"`
	SelectedSize    *string `json:"selectedSize,omitempty"`
}

type settlementResponse struct {
	Done    int `json:"done"`
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
}

type orderResponse struct {
	ID              string              `json:"id"`
	Status          order.Status        `json:"status"`
	Items           []orderItemResponse `json:"items"`
	ShippingAddress string              `json:"shippingAddress"`
	DeliverySlotID  string              `json:"deliverySlotId"`
	DeliverySlot    string              `json:"deliverySlot"`
	PaymentMethod   string              `json:"paymentMethod"`
	DiscountCode    string              `json:"discountCode,omitempty"`
	Subtotal        string              `json:"subtotal"`
	Shipping        string              `json:"shipping"`
	Tax             string              `json:"tax"`
	Discount        string              `json:"discount"`
	Total           string              `json:"total"`
	CreatedAt       time.Time           `json:"createdAt"`
	Replayed        bool                `json:"replayed,omitempty"`
	Settlement      *settlementResponse `json:"settlement,omitempty"`
}

func toOrderResponse(o *order.Order) orderResponse {
	items := make([]orderItemResponse, len(o.Items))
	for i, it := range o.Items {
		items[i] = orderItemResponse{
			ProductID:       it.ProductID,
			CustomizationID: it.CustomizationID,
			Name:            it.Name,
			Quantity:        it.Quantity,
			Price:           money(it.PriceAtTime),
			SelectedColor:   it.SelectedColor,
			SelectedSize:    it.SelectedSize,
		}
	}
	return orderResponse{
		ID:              o.ID,
		Status:          o.Status,
		Items:           items,
		ShippingAddress: o.ShippingAddress,
		DeliverySlotID:  o.DeliverySlotID,
		DeliverySlot:    delivery.DisplaySlot(o.DeliverySlotID),
		PaymentMethod:   o.PaymentMethod,
		DiscountCode:    o.DiscountCode,
		Subtotal:        money(o.Subtotal),
		Shipping:        money(o.ShippingAmount),
		Tax:             money(o.Tax),
		Discount:        money(o.DiscountAmount),
		Total:           money(o.Total),
		CreatedAt:       o.CreatedAt,
	}
}

func toSubmitResponse(res *checkout.Result) orderResponse {
	resp := toOrderResponse(res.Order)
	resp.Replayed = res.Replayed
	if !res.Replayed {
		resp.Settlement = toSettlement(res.Settlement)
	}
	return resp
}

func toSettlement(r outbox.Report) *settlementResponse {
	return &settlementResponse{Done: r.Done, Pending: r.Retry, Failed: r.Dead}
}
