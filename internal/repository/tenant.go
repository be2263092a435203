package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront-checkout/internal/domain/pricing"
)

const (
	getTenantPricingSQL = `SELECT id, tax_rate::float8, default_shipping_fee, free_shipping_threshold
		FROM tenants WHERE id = $1`

	listRegionFeesSQL = `SELECT region, fee FROM tenant_region_fees WHERE tenant_id = $1`
)

var _ pricing.ConfigRepository = (*TenantRepository)(nil)

// TenantRepository loads per-tenant pricing configuration.
type TenantRepository struct {
	db DB
}

// NewTenantRepository returns a TenantRepository that uses the given pool.
func NewTenantRepository(db DB) *TenantRepository {
	return &TenantRepository{db: db}
}

// GetPricingConfig returns the tax rate, shipping fees and free-shipping
// threshold of a tenant.
func (r *TenantRepository) GetPricingConfig(ctx context.Context, tenantID string) (*pricing.TenantPricingConfig, error) {
	var (
		cfg       pricing.TenantPricingConfig
		fee       decimal.Decimal
		threshold decimal.Decimal
	)
	err := r.db.QueryRow(ctx, getTenantPricingSQL, tenantID).Scan(&cfg.TenantID, &cfg.TaxRate, &fee, &threshold)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pricing.ErrTenantNotFound
		}
		return nil, fmt.Errorf("getting pricing of tenant %q: %w", tenantID, err)
	}
	cfg.DefaultShippingFee = fee
	cfg.FreeShippingThreshold = threshold

	rows, err := r.db.Query(ctx, listRegionFeesSQL, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing region fees of tenant %q: %w", tenantID, err)
	}
	cfg.RegionFees = make(map[string]decimal.Decimal)
	var (
		region    string
		regionFee decimal.Decimal
	)
	_, err = pgx.ForEachRow(rows, []any{&region, &regionFee}, func() error {
		cfg.RegionFees[strings.ToUpper(region)] = regionFee
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing region fees of tenant %q: %w", tenantID, err)
	}
	return &cfg, nil
}
