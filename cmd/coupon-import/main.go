// Command coupon-import loads coupon rules from gzip-compressed CSV files.
//
// Each line is code,discount_type,value[,min_order_amount[,max_discount[,usage_limit[,expires_at]]]].
// Lines starting with # are skipped. Codes that already exist are left
// untouched, so an import can be re-run after a partial failure.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
)

const progressEvery = 10_000

// Store is the slice of the coupon repository the import writes through.
type Store interface {
	FindByCode(ctx context.Context, code string) (*coupon.Rule, error)
	Create(ctx context.Context, rule *coupon.Rule) error
	ListCodes(ctx context.Context) ([]string, error)
}

// stats counts import outcomes. Parsers and the writer update it concurrently.
type stats struct {
	read     atomic.Int64
	created  atomic.Int64
	existing atomic.Int64
}

func main() {
	var (
		pattern     string
		databaseURL string
	)

	flag.StringVar(&pattern, "files", "data/coupons*.csv.gz", "glob of gzip-compressed CSV files")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	files, err := filepath.Glob(pattern)
	if err != nil {
		lg.Fatal("Bad file pattern", zap.Error(err))
	}
	if len(files) == 0 {
		lg.Fatal("No files match", zap.String("pattern", pattern))
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		lg.Fatal("Connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		lg.Fatal("Run migrations", zap.Error(err))
	}

	var st stats
	if err := run(ctx, lg, postgres.NewCouponRepository(pool), files, &st); err != nil {
		lg.Fatal("Coupon import failed", zap.Error(err))
	}
	lg.Info("Coupon import completed",
		zap.Int64("read", st.read.Load()),
		zap.Int64("created", st.created.Load()),
		zap.Int64("existing", st.existing.Load()),
	)
}

// run parses every file concurrently and writes the rules through a single
// writer. Known codes are screened with a bloom filter so only likely
// duplicates cost a lookup.
func run(ctx context.Context, lg *zap.Logger, store Store, files []string, st *stats) error {
	codes, err := store.ListCodes(ctx)
	if err != nil {
		return errors.Wrap(err, "list existing codes")
	}
	known := coupon.NewCodeFilter(codes)
	lg.Info("Loaded existing codes", zap.Int("count", len(codes)), zap.Int("files", len(files)))

	rules := make(chan coupon.Rule, 256)

	g, gctx := errgroup.WithContext(ctx)
	parsers, pctx := errgroup.WithContext(gctx)
	for _, path := range files {
		parsers.Go(func() error {
			return streamGzFile(pctx, path, func(rule coupon.Rule) error {
				if n := st.read.Add(1); n%progressEvery == 0 {
					lg.Info("Import progress", zap.Int64("read", n))
				}
				select {
				case rules <- rule:
					return nil
				case <-pctx.Done():
					return pctx.Err()
				}
			})
		})
	}
	g.Go(func() error {
		defer close(rules)
		return parsers.Wait()
	})
	g.Go(func() error {
		for rule := range rules {
			if err := write(gctx, store, known, rule, st); err != nil {
				return err
			}
		}
		return nil
	})
	return g.Wait()
}

func write(ctx context.Context, store Store, known *coupon.CodeFilter, rule coupon.Rule, st *stats) error {
	if known.MayContain(rule.Code) {
		_, err := store.FindByCode(ctx, rule.Code)
		switch {
		case err == nil:
			st.existing.Add(1)
			return nil
		case !errors.Is(err, coupon.ErrNotFound):
			return err
		}
	}

	err := store.Create(ctx, &rule)
	switch {
	case errors.Is(err, coupon.ErrCodeTaken):
		st.existing.Add(1)
	case err != nil:
		return err
	default:
		st.created.Add(1)
	}
	known.Add(rule.Code)
	return nil
}

// streamGzFile opens a gzip-compressed CSV file and calls fn for each rule.
func streamGzFile(ctx context.Context, path string, fn func(coupon.Rule) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	return parseRules(ctx, gz, func(line int, rule coupon.Rule, err error) error {
		switch {
		case err != nil && line > 0:
			return errors.Wrapf(err, "%s:%d", path, line)
		case err != nil:
			return errors.Wrap(err, path)
		}
		return fn(rule)
	})
}

// parseRules reads CSV records from r. fn receives each parsed rule or the
// error that prevented parsing it.
func parseRules(ctx context.Context, r io.Reader, fn func(line int, rule coupon.Rule, err error) error) error {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			// csv.ParseError carries its own position.
			return fn(0, coupon.Rule{}, err)
		}
		line, _ := cr.FieldPos(0)
		rule, err := parseRecord(record)
		if err := fn(line, rule, err); err != nil {
			return err
		}
	}
}

func parseRecord(record []string) (coupon.Rule, error) {
	if len(record) < 3 {
		return coupon.Rule{}, errors.Errorf("want at least 3 fields, got %d", len(record))
	}
	field := func(i int) string {
		if i < len(record) {
			return strings.TrimSpace(record[i])
		}
		return ""
	}

	rule := coupon.Rule{
		Code:         coupon.NormalizeCode(field(0)),
		DiscountType: coupon.DiscountType(strings.ToLower(field(1))),
		Active:       true,
	}

	var err error
	if rule.Value, err = parseAmount(field(2)); err != nil {
		return rule, errors.Wrap(err, "value")
	}
	if rule.MinOrderAmount, err = parseAmount(field(3)); err != nil {
		return rule, errors.Wrap(err, "min_order_amount")
	}
	if s := field(4); s != "" {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return rule, errors.Wrap(err, "max_discount")
		}
		rule.MaxDiscount = decimal.NewNullDecimal(v)
	}
	if s := field(5); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil {
			return rule, errors.Wrap(err, "usage_limit")
		}
		rule.UsageLimit = &limit
	}
	if s := field(6); s != "" {
		at, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return rule, errors.Wrap(err, "expires_at")
		}
		rule.ExpiresAt = &at
	}
	return rule, rule.Validate()
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
