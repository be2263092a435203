package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/discount"
)

const (
	getDiscountByCodeSQL = `SELECT id, code, discount_type, value, usage_limit, used_count,
		min_order_amount, max_discount, valid_from, valid_until, is_active
		FROM discounts WHERE code = $1`

	incrementDiscountUsageSQL = `UPDATE discounts SET used_count = used_count + 1
		WHERE id = $1 AND (usage_limit IS NULL OR used_count < usage_limit)`

	discountExistsSQL = `SELECT EXISTS (SELECT 1 FROM discounts WHERE id = $1)`
)

var _ discount.Repository = (*DiscountRepository)(nil)

// DiscountRepository implements discount.Repository backed by PostgreSQL.
type DiscountRepository struct {
	db DB
}

// NewDiscountRepository returns a DiscountRepository that uses the given pool.
func NewDiscountRepository(db DB) *DiscountRepository {
	return &DiscountRepository{db: db}
}

// FindByCode looks up a discount by its normalised code, active or not.
func (r *DiscountRepository) FindByCode(ctx context.Context, code string) (*discount.Discount, error) {
	rows, err := r.db.Query(ctx, getDiscountByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding discount by code %q: %w", code, err)
	}

	d, err := pgx.CollectExactlyOneRow(rows, scanDiscount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, discount.ErrNotFound
		}
		return nil, fmt.Errorf("finding discount by code %q: %w", code, err)
	}
	return &d, nil
}

// IncrementUsage records one redemption. The usage limit is enforced by the
// UPDATE itself, so the counter never passes it under concurrent commits.
func (r *DiscountRepository) IncrementUsage(ctx context.Context, id string) error {
	return incrementUsage(ctx, r.db, id)
}

// IncrementUsageOnce is IncrementUsage recorded under effectID in the same
// transaction.
func (r *DiscountRepository) IncrementUsageOnce(ctx context.Context, effectID, id string) (bool, error) {
	return applyOnce(ctx, r.db, effectID, func(q querier) error {
		return incrementUsage(ctx, q, id)
	})
}

func incrementUsage(ctx context.Context, q querier, id string) error {
	tag, err := q.Exec(ctx, incrementDiscountUsageSQL, id)
	if err != nil {
		return fmt.Errorf("incrementing usage of discount %q: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := q.QueryRow(ctx, discountExistsSQL, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking discount %q: %w", id, err)
	}
	if !exists {
		return discount.ErrNotFound
	}
	return discount.ErrUsageExhausted
}

// Import inserts discounts in one statement, skipping codes that already
// exist, and returns how many rows were written.
func (r *DiscountRepository) Import(ctx context.Context, ds []discount.Discount) (int, error) {
	if len(ds) == 0 {
		return 0, nil
	}
	q := psql.Insert("discounts").Columns(
		"id", "code", "discount_type", "value", "usage_limit", "used_count",
		"min_order_amount", "max_discount", "valid_from", "valid_until", "is_active",
	)
	for _, d := range ds {
		q = q.Values(
			d.ID, d.Code, string(d.Type), d.Value, d.UsageLimit, d.UsedCount,
			d.MinOrderAmount, nullDecimal(d.MaxDiscount), d.ValidFrom, d.ValidUntil, d.IsActive,
		)
	}
	query, args, err := q.Suffix("ON CONFLICT (code) DO NOTHING").ToSql()
	if err != nil {
		return 0, fmt.Errorf("building discount import: %w", err)
	}

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("importing %d discounts: %w", len(ds), err)
	}
	return int(tag.RowsAffected()), nil
}

func scanDiscount(row pgx.CollectableRow) (discount.Discount, error) {
	var (
		d            discount.Discount
		discountType string
		value        decimal.Decimal
		usageLimit   *int
		minOrder     decimal.Decimal
		maxDiscount  decimal.NullDecimal
		validFrom    *time.Time
		validUntil   *time.Time
	)
	err := row.Scan(
		&d.ID, &d.Code, &discountType, &value, &usageLimit, &d.UsedCount,
		&minOrder, &maxDiscount, &validFrom, &validUntil, &d.IsActive,
	)
	d.Type = discount.Type(discountType)
	d.Value = value
	d.UsageLimit = usageLimit
	d.MinOrderAmount = minOrder
	if maxDiscount.Valid {
		d.MaxDiscount = &maxDiscount.Decimal
	}
	d.ValidFrom = validFrom
	d.ValidUntil = validUntil
	return d, err
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
