package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/checkout"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/fulfillment"
	"github.com/xenking/kart-checkout/internal/gateway/sandbox"
	"github.com/xenking/kart-checkout/internal/gateway/stripe"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/internal/notify"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
	"github.com/xenking/kart-checkout/internal/storage/redis"
	"github.com/xenking/kart-checkout/pkg/health"
	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
)

// sandboxWebhookSecret signs sandbox events when no secret is configured.
const sandboxWebhookSecret = "whsec_sandbox"

// Run creates all dependencies, starts the HTTP server and the sweeper, and
// handles graceful shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	return run(ctx, lg, cfg, m.TracerProvider(), m.MeterProvider())
}

func run(ctx context.Context, lg *zap.Logger, cfg *Config, tp trace.TracerProvider, mp metric.MeterProvider) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("gateway", cfg.Gateway.Mode),
	)

	pricing, err := cfg.Checkout.pricing()
	if err != nil {
		return errors.Wrap(err, "pricing")
	}

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Redis for carts and shared rate limits.
	redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return errors.Wrap(err, "parse redis url")
	}
	rdb := goredis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PostgresCheck(pool))
	healthSvc.AddReadinessCheck("redis", 2*time.Second, health.RedisCheck(rdb))
	if len(cfg.Kafka.Brokers) > 0 {
		healthSvc.AddReadinessCheck("kafka", 5*time.Second, health.KafkaCheck(cfg.Kafka.Brokers), health.Optional())
	}
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.AddLivenessCheck("gc_pause", time.Second, health.GCMaxPauseCheck(time.Second), health.Optional())

	// Repositories.
	productRepo := postgres.NewProductRepository(pool)
	couponRepo := postgres.NewCouponRepository(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)
	ledger := postgres.NewLedger(pool)
	cartStore := redis.NewCartStore(rdb, cfg.Redis.CartTTL)

	// Coupons.
	var couponOpts []coupon.Option
	if cfg.Checkout.CouponFilter {
		couponOpts = append(couponOpts, coupon.WithCodeFilter(coupon.NewCodeFilter(nil)))
	}
	evaluator := coupon.NewEvaluator(couponRepo, pricing.ShippingCost, couponOpts...)
	if err := evaluator.RefreshFilter(ctx); err != nil {
		return errors.Wrap(err, "load coupon filter")
	}

	// Notifications.
	var notifier notify.Notifier = notify.LogNotifier{}
	if len(cfg.Kafka.Brokers) > 0 {
		kn := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Timeout)
		defer func() {
			if err := kn.Close(); err != nil {
				lg.Warn("Close notifier", zap.Error(err))
			}
		}()
		notifier = kn
	}

	gateway, verifier, sb := newGateway(cfg.Gateway, tp, mp)

	// Domain services.
	checkoutSvc, err := checkout.NewService(checkout.Deps{
		Carts:    cartStore,
		Products: productRepo,
		Coupons:  evaluator,
		Gateway:  gateway,
		Verifier: verifier,
		Ledger:   ledger,
		Notifier: notifier,
	}, pricing, checkout.Config{
		Currency:        cfg.Checkout.Currency,
		StrictCoupons:   cfg.Checkout.StrictCoupons,
		HoldTTL:         cfg.Checkout.HoldTTL,
		FinalizeTimeout: cfg.Checkout.FinalizeTimeout,
	},
		checkout.WithTracerProvider(tp),
		checkout.WithMeterProvider(mp),
	)
	if err != nil {
		return errors.Wrap(err, "create checkout service")
	}
	fulfillmentSvc := fulfillment.NewService(ledger, gateway)
	cartSvc := cart.NewService(cartStore, productRepo)

	sweeper := checkout.NewSweeper(checkoutSvc, checkout.SweeperConfig{
		Interval:       cfg.Sweeper.Interval,
		PendingTTL:     cfg.Sweeper.PendingTTL,
		ReconcileGrace: cfg.Sweeper.ReconcileGrace,
		BatchSize:      cfg.Sweeper.BatchSize,
	}, evaluator.RefreshFilter)

	// HTTP handlers.
	hcfg := handler.HandlerConfig{}
	if sb != nil {
		hcfg.Sandbox = sb
	}
	h := handler.NewHandler(hcfg, cartSvc, evaluator, checkoutSvc, fulfillmentSvc)
	securityHandler := handler.NewSecurityHandler(apikeyRepo, []byte(cfg.APIKeyPepper))

	router := chi.NewRouter()
	router.Use(httpmiddleware.LogRequests())
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	router.Mount("/api", h.Routes(securityHandler))

	limit := httpmiddleware.RateLimitConfig{
		Max:     cfg.RateLimit.Max,
		Window:  cfg.RateLimit.Window,
		KeyFunc: httpmiddleware.APIKeyOrIP(handler.APIKeyHeader),
	}
	if cfg.RateLimit.Shared {
		limit.Redis = rdb
	}

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.Gateway.Timeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.Recovery(),
			httpmiddleware.RateLimit(ctx, limit),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("checkout-api", tp, mp),
		),
	}

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		if ctx.Err() != nil {
			time.Sleep(cfg.Graceful.ReadinessDelay)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})

	return g.Wait()
}

// newGateway builds the payment gateway for the configured mode. The sandbox
// is also returned so its settle routes can be mounted.
func newGateway(cfg GatewayConfig, tp trace.TracerProvider, mp metric.MeterProvider) (payment.Gateway, payment.WebhookVerifier, *sandbox.Gateway) {
	if cfg.Mode == GatewayStripe {
		httpClient := &http.Client{
			Timeout: cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithTracerProvider(tp),
				otelhttp.WithMeterProvider(mp),
			),
		}
		client := stripe.NewClient(cfg.BaseURL, cfg.SecretKey, httpClient, cfg.Timeout)
		return client, stripe.NewVerifier(cfg.WebhookSecret, cfg.WebhookTolerance), nil
	}

	secret := cfg.WebhookSecret
	if secret == "" {
		secret = sandboxWebhookSecret
	}
	sb := sandbox.New(secret)
	return sb, stripe.NewVerifier(secret, cfg.WebhookTolerance), sb
}
