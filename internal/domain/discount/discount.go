// Package discount resolves promotional codes, checks their validity window
// and usage cap, and computes the amount they take off a subtotal.
package discount

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Type enumerates the supported discount strategies.
type Type string

const (
	// TypePercentage takes Value percent off the subtotal.
	TypePercentage Type = "percentage"
	// TypeFixed takes Value off the subtotal.
	TypeFixed Type = "fixed"
)

var (
	// ErrNotFound is returned when no discount exists for a code.
	ErrNotFound = errors.New("discount code not found")
	// ErrInactive is returned for a disabled code.
	ErrInactive = errors.New("discount code is not active")
	// ErrExpired is returned when now is after the code's valid-until time.
	ErrExpired = errors.New("discount code expired")
	// ErrNotYetValid is returned when now is before the code's valid-from time.
	ErrNotYetValid = errors.New("discount code not yet valid")
	// ErrBelowMinimum is returned when the subtotal is below the code's minimum order amount.
	ErrBelowMinimum = errors.New("order subtotal below discount minimum")
	// ErrUsageExhausted is returned when the code has reached its usage limit.
	ErrUsageExhausted = errors.New("discount usage limit reached")
	// ErrInvalidCode is returned for codes that are not upper-case alphanumeric.
	ErrInvalidCode = errors.New("invalid discount code format")
)

var (
	hundred  = decimal.NewFromInt(100)
	codeExpr = regexp.MustCompile(`^[A-Z0-9]+$`)
)

// Discount is a promotional code definition.
type Discount struct {
	ID             string
	Code           string
	Type           Type
	Value          decimal.Decimal
	UsageLimit     *int
	UsedCount      int
	MinOrderAmount decimal.Decimal
	MaxDiscount    *decimal.Decimal
	ValidFrom      *time.Time
	ValidUntil     *time.Time
	IsActive       bool
}

// NormalizeCode trims and upper-cases a user-entered code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCode reports whether code is non-empty upper-case alphanumeric.
func ValidCode(code string) bool {
	return codeExpr.MatchString(code)
}

// Validate checks d against now and subtotal.
func Validate(d *Discount, now time.Time, subtotal decimal.Decimal) error {
	if !d.IsActive {
		return ErrInactive
	}
	if d.ValidFrom != nil && now.Before(*d.ValidFrom) {
		return ErrNotYetValid
	}
	if d.ValidUntil != nil && now.After(*d.ValidUntil) {
		return ErrExpired
	}
	if subtotal.LessThan(d.MinOrderAmount) {
		return ErrBelowMinimum
	}
	if d.UsageLimit != nil && d.UsedCount >= *d.UsageLimit {
		return ErrUsageExhausted
	}
	return nil
}

// Apply returns the amount d takes off subtotal, capped at MaxDiscount and at
// subtotal, never negative, rounded to 2 places.
func Apply(d *Discount, subtotal decimal.Decimal) (decimal.Decimal, error) {
	var amount decimal.Decimal
	switch d.Type {
	case TypePercentage:
		amount = subtotal.Mul(d.Value).Div(hundred)
	case TypeFixed:
		amount = d.Value
	default:
		return decimal.Zero, errors.Errorf("unsupported discount type: %q", d.Type)
	}

	if d.MaxDiscount != nil {
		amount = decimal.Min(amount, *d.MaxDiscount)
	}
	amount = decimal.Min(amount, subtotal)
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	return amount.Round(2), nil
}

// Applied is the outcome of applying a code to a subtotal.
type Applied struct {
	Code       string          `json:"code"`
	DiscountID string          `json:"discount_id"`
	Type       Type            `json:"type"`
	Value      decimal.Decimal `json:"value"`
	Amount     decimal.Decimal `json:"amount"`
}

// Repository provides lookup and usage accounting of discounts.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Discount, error)
	// IncrementUsage adds one use unless the limit has been reached, in which
	// case it returns ErrUsageExhausted.
	IncrementUsage(ctx context.Context, id string) error
	// IncrementUsageOnce is IncrementUsage recorded under effectID in the
	// same transaction. When effectID was already recorded nothing changes
	// and applied is false.
	IncrementUsageOnce(ctx context.Context, effectID, id string) (applied bool, err error)
}
