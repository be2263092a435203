// Command seed-db loads the demo tenant, its pricing, catalog, addresses,
// delivery slots and discounts, and registers an API key for the tenant.
// It is safe to run repeatedly.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/db"
	"github.com/xenking/storefront-checkout/internal/domain/auth"
	"github.com/xenking/storefront-checkout/internal/domain/discount"
	"github.com/xenking/storefront-checkout/internal/repository"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type seedData struct {
	Tenant struct {
		ID                    string                     `json:"id"`
		Name                  string                     `json:"name"`
		TaxRate               decimal.Decimal            `json:"taxRate"`
		DefaultShippingFee    decimal.Decimal            `json:"defaultShippingFee"`
		FreeShippingThreshold decimal.Decimal            `json:"freeShippingThreshold"`
		RegionFees            map[string]decimal.Decimal `json:"regionFees"`
	} `json:"tenant"`
	Products []struct {
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Price decimal.Decimal `json:"price"`
		Stock int             `json:"stock"`
	} `json:"products"`
	Customizations []struct {
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Price decimal.Decimal `json:"price"`
	} `json:"customizations"`
	Addresses []struct {
		ID         string `json:"id"`
		CustomerID string `json:"customerId"`
		Line1      string `json:"line1"`
		Line2      string `json:"line2"`
		City       string `json:"city"`
		State      string `json:"state"`
		PostalCode string `json:"postalCode"`
		IsDefault  bool   `json:"isDefault"`
	} `json:"addresses"`
	Discounts []struct {
		Code           string           `json:"code"`
		Type           string           `json:"type"`
		Value          decimal.Decimal  `json:"value"`
		MinOrderAmount decimal.Decimal  `json:"minOrderAmount"`
		MaxDiscount    *decimal.Decimal `json:"maxDiscount"`
		UsageLimit     *int             `json:"usageLimit"`
		Inactive       bool             `json:"inactive"`
	} `json:"discounts"`
	SlotRanges []string `json:"slotRanges"`
}

type options struct {
	DatabaseURL string
	SeedFile    string
	APIKey      string
	Pepper      string
	SlotDays    int
}

func main() {
	var opts options
	flag.StringVar(&opts.DatabaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.SeedFile, "seed-file", "", "seed JSON file, defaults to the embedded demo data")
	flag.StringVar(&opts.APIKey, "api-key", "", "API key to register (or STOREFRONT_SEED_API_KEY env)")
	flag.StringVar(&opts.Pepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or STOREFRONT_API_KEY_PEPPER env)")
	flag.IntVar(&opts.SlotDays, "slot-days", 7, "days of delivery slots to open from tomorrow")
	flag.Parse()

	if opts.DatabaseURL == "" {
		opts.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.APIKey == "" {
		opts.APIKey = os.Getenv("STOREFRONT_SEED_API_KEY")
	}
	if opts.Pepper == "" {
		opts.Pepper = os.Getenv("STOREFRONT_API_KEY_PEPPER")
	}

	app.Run(func(ctx context.Context, lg *zap.Logger, _ *app.Telemetry) error {
		if err := run(ctx, lg, opts); err != nil {
			return errors.Wrap(err, "seed")
		}
		lg.Info("Seed completed")
		return nil
	})
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	if opts.DatabaseURL == "" {
		return errors.New("database URL is required: set --database-url or DATABASE_URL")
	}
	if opts.APIKey == "" {
		return errors.New("API key is required: set --api-key or STOREFRONT_SEED_API_KEY")
	}

	raw := db.DemoSeed
	if opts.SeedFile != "" {
		b, err := os.ReadFile(opts.SeedFile)
		if err != nil {
			return errors.Wrap(err, "read seed file")
		}
		raw = b
	}
	var data seedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return errors.Wrap(err, "parse seed JSON")
	}

	pool, err := repository.NewPool(ctx, opts.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	stmts, err := buildStatements(&data, opts, time.Now().UTC())
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, s := range stmts {
			query, args, err := s.builder.ToSql()
			if err != nil {
				return errors.Wrapf(err, "build %s", s.what)
			}
			if _, err := tx.Exec(ctx, query, args...); err != nil {
				return errors.Wrapf(err, "upsert %s", s.what)
			}
			lg.Debug("Upserted", zap.String("what", s.what))
		}
		lg.Info("Seeded",
			zap.String("tenant", data.Tenant.ID),
			zap.Int("products", len(data.Products)),
			zap.Int("customizations", len(data.Customizations)),
			zap.Int("addresses", len(data.Addresses)),
			zap.Int("discounts", len(data.Discounts)),
			zap.Int("statements", len(stmts)),
		)
		return nil
	})
}

type statement struct {
	what    string
	builder sq.Sqlizer
}

// buildStatements turns the seed data into idempotent upserts, parents first.
func buildStatements(data *seedData, opts options, now time.Time) ([]statement, error) {
	t := data.Tenant
	if t.ID == "" {
		return nil, errors.New("seed data has no tenant id")
	}
	stmts := []statement{{
		what: "tenant " + t.ID,
		builder: psql.Insert("tenants").
			Columns("id", "name", "tax_rate", "default_shipping_fee", "free_shipping_threshold").
			Values(t.ID, t.Name, t.TaxRate, t.DefaultShippingFee, t.FreeShippingThreshold).
			Suffix(`ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, tax_rate = EXCLUDED.tax_rate,
				default_shipping_fee = EXCLUDED.default_shipping_fee,
				free_shipping_threshold = EXCLUDED.free_shipping_threshold`),
	}}

	if len(t.RegionFees) > 0 {
		fees := psql.Insert("tenant_region_fees").Columns("tenant_id", "region", "fee")
		regions := make([]string, 0, len(t.RegionFees))
		for region := range t.RegionFees {
			regions = append(regions, region)
		}
		sort.Strings(regions)
		for _, region := range regions {
			fees = fees.Values(t.ID, strings.ToUpper(strings.TrimSpace(region)), t.RegionFees[region])
		}
		stmts = append(stmts, statement{
			what:    "region fees",
			builder: fees.Suffix("ON CONFLICT (tenant_id, region) DO UPDATE SET fee = EXCLUDED.fee"),
		})
	}

	stmts = append(stmts, statement{
		what: "api key",
		builder: psql.Insert("api_keys").
			Columns("id", "tenant_id", "key_hash", "name", "active").
			Values(t.ID+"-default", t.ID, auth.HashKey([]byte(opts.Pepper), opts.APIKey), "Default "+t.Name+" key", true).
			Suffix("ON CONFLICT (id) DO UPDATE SET key_hash = EXCLUDED.key_hash, active = TRUE"),
	})

	if len(data.Products) > 0 {
		products := psql.Insert("products").Columns("id", "name", "price", "stock")
		for _, p := range data.Products {
			products = products.Values(p.ID, p.Name, p.Price, p.Stock)
		}
		stmts = append(stmts, statement{
			what: "products",
			builder: products.Suffix(`ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name,
				price = EXCLUDED.price, stock = EXCLUDED.stock`),
		})
	}

	if len(data.Customizations) > 0 {
		custom := psql.Insert("customizations").Columns("id", "name", "price")
		for _, c := range data.Customizations {
			custom = custom.Values(c.ID, c.Name, c.Price)
		}
		stmts = append(stmts, statement{
			what:    "customizations",
			builder: custom.Suffix("ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price"),
		})
	}

	if len(data.Addresses) > 0 {
		addrs := psql.Insert("addresses").
			Columns("id", "customer_id", "line1", "line2", "city", "state", "postal_code", "is_default")
		for _, a := range data.Addresses {
			addrs = addrs.Values(a.ID, a.CustomerID, a.Line1, a.Line2, a.City, a.State, a.PostalCode, a.IsDefault)
		}
		stmts = append(stmts, statement{
			what: "addresses",
			builder: addrs.Suffix(`ON CONFLICT (id) DO UPDATE SET customer_id = EXCLUDED.customer_id,
				line1 = EXCLUDED.line1, line2 = EXCLUDED.line2, city = EXCLUDED.city, state = EXCLUDED.state,
				postal_code = EXCLUDED.postal_code, is_default = EXCLUDED.is_default`),
		})
	}

	if slots := slotIDs(now, opts.SlotDays, data.SlotRanges); len(slots) > 0 {
		ins := psql.Insert("delivery_slots").Columns("id", "available")
		for _, id := range slots {
			ins = ins.Values(id, true)
		}
		stmts = append(stmts, statement{
			what:    "delivery slots",
			builder: ins.Suffix("ON CONFLICT (id) DO NOTHING"),
		})
	}

	if len(data.Discounts) > 0 {
		ds := psql.Insert("discounts").Columns(
			"id", "code", "discount_type", "value", "usage_limit", "min_order_amount", "max_discount", "is_active",
		)
		for _, d := range data.Discounts {
			maxDiscount := decimal.NullDecimal{}
			if d.MaxDiscount != nil {
				maxDiscount = decimal.NewNullDecimal(*d.MaxDiscount)
			}
			ds = ds.Values(uuid.NewString(), discount.NormalizeCode(d.Code), d.Type, d.Value,
				d.UsageLimit, d.MinOrderAmount, maxDiscount, !d.Inactive)
		}
		stmts = append(stmts, statement{
			what: "discounts",
			builder: ds.Suffix(`ON CONFLICT (code) DO UPDATE SET discount_type = EXCLUDED.discount_type,
				value = EXCLUDED.value, usage_limit = EXCLUDED.usage_limit,
				min_order_amount = EXCLUDED.min_order_amount, max_discount = EXCLUDED.max_discount,
				is_active = EXCLUDED.is_active`),
		})
	}
	return stmts, nil
}

// slotIDs returns one slot per range for each of the days after now, in the
// "2006-01-02_<range>" form.
func slotIDs(now time.Time, days int, ranges []string) []string {
	var ids []string
	for d := 1; d <= days; d++ {
		date := now.AddDate(0, 0, d).Format(time.DateOnly)
		for _, r := range ranges {
			ids = append(ids, date+"_"+r)
		}
	}
	return ids
}
