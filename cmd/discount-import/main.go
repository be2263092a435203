// Command discount-import loads partner promo-code feeds into the discounts
// table. A code is imported when it appears in at least --quorum feeds; all
// imported codes share the rule given by flags. Existing codes are left
// untouched.
package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront-checkout/internal/domain/discount"
	"github.com/xenking/storefront-checkout/internal/repository"
)

// maxBatch keeps one INSERT below the PostgreSQL bind parameter limit.
const maxBatch = 5000

type options struct {
	DatabaseURL string
	DataDir     string
	Pattern     string
	BatchSize   int
	Scan        scanConfig
	Rule        rule
}

// rule is the discount definition applied to every imported code.
type rule struct {
	Type        string
	Value       string
	MinOrder    string
	MaxDiscount string
	UsageLimit  int
	ValidFor    time.Duration
}

func (r rule) build(now time.Time) (discount.Discount, error) {
	t := discount.Type(r.Type)
	if t != discount.TypePercentage && t != discount.TypeFixed {
		return discount.Discount{}, errors.Errorf("unsupported discount type %q", r.Type)
	}
	value, err := decimal.NewFromString(r.Value)
	if err != nil {
		return discount.Discount{}, errors.Wrap(err, "parse value")
	}
	if value.IsNegative() || (t == discount.TypePercentage && value.GreaterThan(decimal.NewFromInt(100))) {
		return discount.Discount{}, errors.Errorf("value %s out of range for %s", value, t)
	}
	minOrder := decimal.Zero
	if r.MinOrder != "" {
		if minOrder, err = decimal.NewFromString(r.MinOrder); err != nil {
			return discount.Discount{}, errors.Wrap(err, "parse min order")
		}
	}

	d := discount.Discount{
		Type:           t,
		Value:          value,
		MinOrderAmount: minOrder,
		IsActive:       true,
	}
	if r.MaxDiscount != "" {
		maxDiscount, err := decimal.NewFromString(r.MaxDiscount)
		if err != nil {
			return discount.Discount{}, errors.Wrap(err, "parse max discount")
		}
		d.MaxDiscount = &maxDiscount
	}
	if r.UsageLimit > 0 {
		limit := r.UsageLimit
		d.UsageLimit = &limit
	}
	if r.ValidFor > 0 {
		from := now
		until := now.Add(r.ValidFor)
		d.ValidFrom, d.ValidUntil = &from, &until
	}
	return d, nil
}

// expand returns one discount per code, each a copy of tmpl with its own id.
func expand(tmpl discount.Discount, codes []string, newID func() string) []discount.Discount {
	out := make([]discount.Discount, 0, len(codes))
	for _, code := range codes {
		d := tmpl
		d.ID = newID()
		d.Code = code
		out = append(out, d)
	}
	return out
}

func main() {
	var opts options
	flag.StringVar(&opts.DatabaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.DataDir, "data-dir", "data", "directory containing gzip promo-code feeds")
	flag.StringVar(&opts.Pattern, "pattern", "*.gz", "feed file glob inside data-dir")
	flag.IntVar(&opts.BatchSize, "batch-size", 1000, "codes per INSERT")
	flag.UintVar(&opts.Scan.Capacity, "capacity", 50_000_000, "expected codes per feed")
	flag.Float64Var(&opts.Scan.FPRate, "fp-rate", 0.001, "bloom filter false positive rate")
	flag.IntVar(&opts.Scan.MinLen, "min-len", 4, "shortest accepted code")
	flag.IntVar(&opts.Scan.MaxLen, "max-len", 32, "longest accepted code")
	flag.IntVar(&opts.Scan.Quorum, "quorum", 2, "feeds a code must appear in")
	flag.StringVar(&opts.Rule.Type, "type", string(discount.TypePercentage), "discount type: percentage or fixed")
	flag.StringVar(&opts.Rule.Value, "value", "10", "percent or amount off")
	flag.StringVar(&opts.Rule.MinOrder, "min-order", "", "minimum order subtotal")
	flag.StringVar(&opts.Rule.MaxDiscount, "max-discount", "", "cap on the discount amount")
	flag.IntVar(&opts.Rule.UsageLimit, "usage-limit", 0, "redemptions per code, 0 for unlimited")
	flag.DurationVar(&opts.Rule.ValidFor, "valid-for", 0, "validity window from now, 0 for open-ended")
	flag.Parse()

	if opts.DatabaseURL == "" {
		opts.DatabaseURL = os.Getenv("DATABASE_URL")
	}

	app.Run(func(ctx context.Context, lg *zap.Logger, _ *app.Telemetry) error {
		if err := run(ctx, lg, opts); err != nil {
			return errors.Wrap(err, "discount import")
		}
		lg.Info("Discount import completed")
		return nil
	})
}

func run(ctx context.Context, lg *zap.Logger, opts options) error {
	if opts.DatabaseURL == "" {
		return errors.New("database URL is required: set --database-url or DATABASE_URL")
	}
	if opts.BatchSize <= 0 || opts.BatchSize > maxBatch {
		return errors.Errorf("batch size must be in 1..%d", maxBatch)
	}
	tmpl, err := opts.Rule.build(time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "discount rule")
	}

	feeds, err := filepath.Glob(filepath.Join(opts.DataDir, opts.Pattern))
	if err != nil {
		return errors.Wrap(err, "list feeds")
	}
	if len(feeds) == 0 {
		return errors.Errorf("no feeds match %s in %s", opts.Pattern, opts.DataDir)
	}
	sort.Strings(feeds)

	codes, err := corroborate(ctx, lg, feeds, opts.Scan)
	if err != nil {
		return err
	}
	lg.Info("Corroborated codes", zap.Int("count", len(codes)), zap.Int("quorum", opts.Scan.Quorum))
	if len(codes) == 0 {
		return nil
	}

	pool, err := repository.NewPool(ctx, opts.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	repo := repository.NewDiscountRepository(pool)
	written, err := importBatches(ctx, lg, repo, expand(tmpl, codes, uuid.NewString), opts.BatchSize)
	if err != nil {
		return err
	}
	lg.Info("Discounts written",
		zap.Int("inserted", written),
		zap.Int("skipped_existing", len(codes)-written),
	)
	return nil
}

type importer interface {
	Import(ctx context.Context, ds []discount.Discount) (int, error)
}

func importBatches(ctx context.Context, lg *zap.Logger, repo importer, ds []discount.Discount, size int) (int, error) {
	var written int
	for start := 0; start < len(ds); start += size {
		end := min(start+size, len(ds))
		n, err := repo.Import(ctx, ds[start:end])
		if err != nil {
			return written, errors.Wrapf(err, "import codes %d..%d", start, end)
		}
		written += n
		lg.Info("Import progress", zap.Int("processed", end), zap.Int("total", len(ds)))
	}
	return written, nil
}
