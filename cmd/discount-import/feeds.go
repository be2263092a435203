package main

import (
	"bufio"
	"context"
	"math/bits"
	"os"
	"sort"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront-checkout/internal/domain/discount"
)

const progressEvery = 10_000_000

// scanConfig bounds a feed scan.
type scanConfig struct {
	// Capacity is the expected number of codes per feed.
	Capacity uint
	FPRate   float64
	MinLen   int
	MaxLen   int
	// Quorum is the number of distinct feeds a code must appear in.
	Quorum int
}

// corroborate returns the codes, sorted, that appear in at least cfg.Quorum
// of the given gzip feeds. Each feed is streamed twice: once to fill its
// bloom filter, once to test its codes against the other feeds' filters.
func corroborate(ctx context.Context, lg *zap.Logger, feeds []string, cfg scanConfig) ([]string, error) {
	if len(feeds) > bits.UintSize {
		return nil, errors.Errorf("at most %d feeds are supported, got %d", bits.UintSize, len(feeds))
	}
	if cfg.Quorum < 1 || cfg.Quorum > len(feeds) {
		return nil, errors.Errorf("quorum %d out of range for %d feeds", cfg.Quorum, len(feeds))
	}

	lg.Info("Pass 1: building bloom filters", zap.Int("feeds", len(feeds)))
	filters := make([]*bloom.BloomFilter, len(feeds))
	g, gCtx := errgroup.WithContext(ctx)
	for i, path := range feeds {
		g.Go(func() error {
			f, err := fillFilter(gCtx, lg.With(zap.String("feed", path)), path, cfg)
			if err != nil {
				return errors.Wrapf(err, "fill filter for %s", path)
			}
			filters[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	lg.Info("Pass 2: matching codes across feeds")
	masks := make([]map[string]uint, len(feeds))
	g, gCtx = errgroup.WithContext(ctx)
	for i, path := range feeds {
		g.Go(func() error {
			m, err := matchFeed(gCtx, lg.With(zap.String("feed", path)), i, path, filters, cfg)
			if err != nil {
				return errors.Wrapf(err, "match %s", path)
			}
			masks[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint)
	for _, m := range masks {
		for code, mask := range m {
			merged[code] |= mask
		}
	}
	var codes []string
	for code, mask := range merged {
		if bits.OnesCount(mask) >= cfg.Quorum {
			codes = append(codes, code)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

func fillFilter(ctx context.Context, lg *zap.Logger, path string, cfg scanConfig) (*bloom.BloomFilter, error) {
	filter := bloom.NewWithEstimates(cfg.Capacity, cfg.FPRate)
	var n uint64
	err := streamCodes(ctx, path, cfg, func(code string) {
		filter.AddString(code)
		n++
		if n%progressEvery == 0 {
			lg.Info("Pass 1 progress", zap.Uint64("codes", n))
		}
	})
	if err != nil {
		return nil, err
	}
	lg.Info("Pass 1 complete", zap.Uint64("codes", n))
	return filter, nil
}

// matchFeed marks each code of feed idx that the other feeds' filters may
// contain. A code present only in this feed never gains another feed's bit,
// so bloom false positives cost memory but not correctness.
func matchFeed(ctx context.Context, lg *zap.Logger, idx int, path string, filters []*bloom.BloomFilter, cfg scanConfig) (map[string]uint, error) {
	own := uint(1) << uint(idx)
	candidates := make(map[string]uint)
	var n uint64
	err := streamCodes(ctx, path, cfg, func(code string) {
		n++
		if n%progressEvery == 0 {
			lg.Info("Pass 2 progress", zap.Uint64("codes", n))
		}
		if cfg.Quorum == 1 {
			candidates[code] |= own
			return
		}
		for j, f := range filters {
			if j != idx && f.TestString(code) {
				candidates[code] |= own
				return
			}
		}
	})
	if err != nil {
		return nil, err
	}
	lg.Info("Pass 2 complete", zap.Uint64("codes", n), zap.Int("candidates", len(candidates)))
	return candidates, nil
}

// streamCodes calls fn with every well-formed code of a gzip feed, one code
// per line, normalized to upper case.
func streamCodes(ctx context.Context, path string, cfg scanConfig, fn func(code string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open")
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrap(err, "gzip reader")
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		code := discount.NormalizeCode(scanner.Text())
		if len(code) < cfg.MinLen || len(code) > cfg.MaxLen || !discount.ValidCode(code) {
			continue
		}
		fn(code)
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "scan")
	}
	return nil
}
