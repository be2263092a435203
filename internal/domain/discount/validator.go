package discount

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Validator resolves codes through a Repository and applies them.
type Validator struct {
	repo Repository
	now  func() time.Time
}

// NewValidator creates a Validator backed by the given Repository.
func NewValidator(repo Repository) *Validator {
	return &Validator{repo: repo, now: time.Now}
}

// Resolve looks up a code. Malformed codes are reported as ErrInvalidCode
// without touching the repository.
func (v *Validator) Resolve(ctx context.Context, code string) (*Discount, error) {
	code = NormalizeCode(code)
	if !ValidCode(code) {
		return nil, ErrInvalidCode
	}
	d, err := v.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "lookup discount")
	}
	return d, nil
}

// ApplyCode resolves, validates and applies a code to subtotal.
func (v *Validator) ApplyCode(ctx context.Context, code string, subtotal decimal.Decimal) (*Applied, error) {
	d, err := v.Resolve(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := Validate(d, v.now(), subtotal); err != nil {
		return nil, err
	}
	amount, err := Apply(d, subtotal)
	if err != nil {
		return nil, err
	}
	return &Applied{
		Code:       d.Code,
		DiscountID: d.ID,
		Type:       d.Type,
		Value:      d.Value,
		Amount:     amount,
	}, nil
}

// CommitUsage records one redemption of the discount. The repository bounds
// the increment by the usage limit, so ErrUsageExhausted is returned when a
// concurrent redemption consumed the last use.
func (v *Validator) CommitUsage(ctx context.Context, discountID string) error {
	if err := v.repo.IncrementUsage(ctx, discountID); err != nil {
		if errors.Is(err, ErrUsageExhausted) {
			return ErrUsageExhausted
		}
		return errors.Wrapf(err, "commit usage of discount %s", discountID)
	}
	return nil
}

// CommitUsageOnce is CommitUsage for a retried side effect: one effectID
// accounts for at most one redemption.
func (v *Validator) CommitUsageOnce(ctx context.Context, effectID, discountID string) error {
	if _, err := v.repo.IncrementUsageOnce(ctx, effectID, discountID); err != nil {
		if errors.Is(err, ErrUsageExhausted) {
			return ErrUsageExhausted
		}
		return errors.Wrapf(err, "commit usage of discount %s", discountID)
	}
	return nil
}
