// Package pricing turns a cart subtotal, the region's shipping fee, the
// tenant's tax rate and a discount into a priced breakdown.
package pricing

import (
	"context"
	"math"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DefaultFreeShippingThreshold is used when a tenant does not configure one.
var DefaultFreeShippingThreshold = decimal.NewFromInt(50)

// ErrTenantNotFound is returned when no pricing configuration exists for a tenant.
var ErrTenantNotFound = errors.New("tenant pricing config not found")

// TenantPricingConfig carries every pricing input that depends on the tenant.
type TenantPricingConfig struct {
	TenantID              string
	TaxRate               float64
	DefaultShippingFee    decimal.Decimal
	RegionFees            map[string]decimal.Decimal
	FreeShippingThreshold decimal.Decimal
}

// RegionFee returns the shipping fee for region, falling back to the
// tenant's default fee.
func (c TenantPricingConfig) RegionFee(region string) decimal.Decimal {
	if fee, ok := c.RegionFees[region]; ok {
		return fee
	}
	return c.DefaultShippingFee
}

// Threshold returns the free-shipping threshold.
func (c TenantPricingConfig) Threshold() decimal.Decimal {
	if c.FreeShippingThreshold.IsZero() {
		return DefaultFreeShippingThreshold
	}
	return c.FreeShippingThreshold
}

// Breakdown is a fully priced order.
//
// RegionFee is what gets persisted as the order's shipping amount and is
// always part of Total. ShippingCharged is the customer-facing shipping line,
// zero when free shipping applies.
type Breakdown struct {
	Subtotal        decimal.Decimal `json:"subtotal"`
	RegionFee       decimal.Decimal `json:"region_fee"`
	ShippingCharged decimal.Decimal `json:"shipping_charged"`
	Tax             decimal.Decimal `json:"tax"`
	Discount        decimal.Decimal `json:"discount"`
	Total           decimal.Decimal `json:"total"`
}

// FreeShipping reports whether shipping was waived.
func (b Breakdown) FreeShipping() bool {
	return b.ShippingCharged.IsZero()
}

// Quote prices an order against the default free-shipping threshold.
func Quote(subtotal, regionFee decimal.Decimal, taxRate float64, discount decimal.Decimal) Breakdown {
	return quote(subtotal, regionFee, taxRate, discount, DefaultFreeShippingThreshold)
}

func quote(subtotal, regionFee decimal.Decimal, taxRate float64, discount, threshold decimal.Decimal) Breakdown {
	subtotal = subtotal.Round(2)
	regionFee = regionFee.Round(2)

	charged := regionFee
	if subtotal.GreaterThanOrEqual(threshold) || regionFee.IsZero() {
		charged = decimal.Zero
	}

	discount = clamp(discount, subtotal).Round(2)
	tax := Tax(subtotal, taxRate)

	// The region fee is added even when shipping is waived.
	total := subtotal.Add(regionFee).Add(tax).Sub(discount).Round(2)

	return Breakdown{
		Subtotal:        subtotal,
		RegionFee:       regionFee,
		ShippingCharged: charged,
		Tax:             tax,
		Discount:        discount,
		Total:           total,
	}
}

// Tax returns round(subtotal * rate, 2). Non-positive or non-finite rates
// yield zero.
func Tax(subtotal decimal.Decimal, rate float64) decimal.Decimal {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return decimal.Zero
	}
	return subtotal.Mul(decimal.NewFromFloat(rate)).Round(2)
}

func clamp(d, upper decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	if upper.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(d, upper)
}

// Engine prices orders for a single tenant.
type Engine struct {
	cfg TenantPricingConfig
}

// NewEngine binds a tenant's pricing configuration.
func NewEngine(cfg TenantPricingConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Config returns the bound configuration.
func (e *Engine) Config() TenantPricingConfig {
	return e.cfg
}

// Quote prices subtotal for delivery to region with the given discount.
func (e *Engine) Quote(subtotal decimal.Decimal, region string, discount decimal.Decimal) Breakdown {
	return quote(subtotal, e.cfg.RegionFee(region), e.cfg.TaxRate, discount, e.cfg.Threshold())
}

// ConfigRepository loads tenant pricing configuration.
type ConfigRepository interface {
	GetPricingConfig(ctx context.Context, tenantID string) (*TenantPricingConfig, error)
}
