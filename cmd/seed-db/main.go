package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/auth"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
)

type productJSON struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
}

type seedConfig struct {
	databaseURL  string
	productsFile string
	shopperKey   string
	adminKey     string
	pepper       string
	userID       int64
}

func main() {
	var cfg seedConfig

	flag.StringVar(&cfg.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&cfg.productsFile, "products-file", "db/seed/products.json", "path to products JSON file")
	flag.StringVar(&cfg.shopperKey, "api-key", "", "shopper API key to seed (or CHECKOUT_SEED_API_KEY env)")
	flag.StringVar(&cfg.adminKey, "admin-key", "", "admin API key to seed (or CHECKOUT_SEED_ADMIN_KEY env)")
	flag.StringVar(&cfg.pepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or CHECKOUT_API_KEY_PEPPER env)")
	flag.Int64Var(&cfg.userID, "user-id", 1, "user the shopper key acts for")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	cfg.databaseURL = orEnv(cfg.databaseURL, "DATABASE_URL")
	cfg.shopperKey = orEnv(cfg.shopperKey, "CHECKOUT_SEED_API_KEY")
	cfg.adminKey = orEnv(cfg.adminKey, "CHECKOUT_SEED_ADMIN_KEY")
	cfg.pepper = orEnv(cfg.pepper, "CHECKOUT_API_KEY_PEPPER")

	if cfg.databaseURL == "" {
		lg.Fatal("database URL is required: set --database-url or DATABASE_URL")
	}
	if cfg.shopperKey == "" {
		lg.Fatal("API key is required: set --api-key or CHECKOUT_SEED_API_KEY")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, cfg); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func orEnv(v, env string) string {
	if v != "" {
		return v
	}
	return os.Getenv(env)
}

func run(ctx context.Context, lg *zap.Logger, cfg seedConfig) error {
	lg.Info("Connecting to database")

	pool, err := postgres.NewPool(ctx, cfg.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, lg, postgres.NewProductRepository(pool), cfg.productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}
	if err := seedCoupons(ctx, lg, postgres.NewCouponRepository(pool)); err != nil {
		return errors.Wrap(err, "seed coupons")
	}
	if err := seedAPIKeys(ctx, lg, pool, cfg); err != nil {
		return errors.Wrap(err, "seed api keys")
	}
	return nil
}

func seedProducts(ctx context.Context, lg *zap.Logger, repo *postgres.ProductRepository, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read products file")
	}

	var products []productJSON
	if err := json.Unmarshal(data, &products); err != nil {
		return errors.Wrap(err, "parse products JSON")
	}

	lg.Info("Upserting products", zap.String("path", path), zap.Int("count", len(products)))
	for _, p := range products {
		if p.ID <= 0 || p.Price.IsNegative() || p.Stock < 0 {
			return errors.Errorf("invalid product %d %q", p.ID, p.Name)
		}
		if err := repo.Upsert(ctx, product.Product{
			ID:            p.ID,
			Name:          p.Name,
			Price:         p.Price,
			StockQuantity: p.Stock,
		}, p.Description); err != nil {
			return err
		}
		lg.Debug("Upserted product", zap.Int64("id", p.ID), zap.String("name", p.Name))
	}
	return nil
}

func seedCoupons(ctx context.Context, lg *zap.Logger, repo *postgres.CouponRepository) error {
	limit := 100
	rules := []coupon.Rule{
		{
			Code:         "HAPPYHOURS",
			Description:  "Happy Hours: 18% off the order",
			DiscountType: coupon.DiscountPercentage,
			Value:        decimal.NewFromInt(18),
			MaxDiscount:  decimal.NewNullDecimal(decimal.NewFromInt(50)),
			Active:       true,
		},
		{
			Code:           "TENOFF",
			Description:    "$10 off orders over $40",
			DiscountType:   coupon.DiscountFixed,
			Value:          decimal.NewFromInt(10),
			MinOrderAmount: decimal.NewFromInt(40),
			UsageLimit:     &limit,
			Active:         true,
		},
		{
			Code:         "FREESHIP",
			Description:  "Free shipping",
			DiscountType: coupon.DiscountFreeShipping,
			Active:       true,
		},
	}

	for i := range rules {
		rule := &rules[i]
		if err := rule.Validate(); err != nil {
			return errors.Wrapf(err, "coupon %s", rule.Code)
		}
		err := repo.Create(ctx, rule)
		switch {
		case errors.Is(err, coupon.ErrCodeTaken):
			lg.Info("Coupon already exists", zap.String("code", rule.Code))
		case err != nil:
			return err
		default:
			lg.Info("Created coupon", zap.String("code", rule.Code), zap.String("description", rule.Description))
		}
	}
	return nil
}

func seedAPIKeys(ctx context.Context, lg *zap.Logger, pool *pgxpool.Pool, cfg seedConfig) error {
	repo := postgres.NewAPIKeyRepository(pool)
	pepper := []byte(cfg.pepper)

	keys := []auth.APIKeyInfo{{
		ID:      "default",
		KeyHash: handler.HashAPIKey(pepper, cfg.shopperKey),
		Name:    "Default shopper key",
		UserID:  cfg.userID,
		Scopes:  []string{auth.ScopeCheckout},
	}}
	if cfg.adminKey != "" {
		keys = append(keys, auth.APIKeyInfo{
			ID:      "admin",
			KeyHash: handler.HashAPIKey(pepper, cfg.adminKey),
			Name:    "Back office key",
			Scopes:  []string{auth.ScopeAdmin},
		})
	}

	for _, key := range keys {
		if err := repo.Upsert(ctx, key); err != nil {
			return err
		}
		lg.Info("Upserted API key",
			zap.String("id", key.ID),
			zap.Int64("user_id", key.UserID),
			zap.Strings("scopes", key.Scopes),
		)
	}
	return nil
}
