package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

// Gateway modes.
const (
	GatewayStripe  = "stripe"
	GatewaySandbox = "sandbox"
)

// Config holds the complete application configuration, loadable from
// environment variables (CHECKOUT_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (CHECKOUT_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (CHECKOUT_API_KEY_PEPPER)" flag:"api-key-pepper"`
	Redis        RedisConfig
	Kafka        KafkaConfig
	Gateway      GatewayConfig
	Checkout     CheckoutConfig
	Sweeper      SweeperConfig
	RateLimit    RateLimitConfig
	Graceful     GracefulConfig
}

// RedisConfig locates the cart store.
type RedisConfig struct {
	URL     string        `default:"redis://localhost:6379/0" usage:"Redis URL for carts and rate limits (or REDIS_URL)"`
	CartTTL time.Duration `default:"168h" usage:"Cart expiry after the last write" flag:"cart-ttl"`
}

// KafkaConfig configures order notifications. Without brokers
// notifications are only logged.
type KafkaConfig struct {
	Brokers []string      `usage:"Kafka bootstrap brokers"`
	Topic   string        `default:"order-events" usage:"Topic for order confirmations"`
	Timeout time.Duration `default:"5s" usage:"Publish timeout"`
}

// GatewayConfig selects and configures the payment gateway.
type GatewayConfig struct {
	Mode             string        `default:"sandbox" usage:"Payment gateway: stripe or sandbox"`
	BaseURL          string        `default:"https://api.stripe.com" usage:"Gateway API base URL" flag:"gateway-base-url"`
	SecretKey        string        `usage:"Gateway secret API key" flag:"gateway-secret-key"`
	WebhookSecret    string        `usage:"Webhook signing secret" flag:"webhook-secret"`
	WebhookTolerance time.Duration `default:"5m" usage:"Maximum webhook timestamp age" flag:"webhook-tolerance"`
	Timeout          time.Duration `default:"10s" usage:"Gateway request timeout" flag:"gateway-timeout"`
}

// CheckoutConfig tunes pricing and the orchestrator.
type CheckoutConfig struct {
	Currency        string        `default:"usd" usage:"ISO currency of all prices"`
	TaxRate         string        `default:"0.10" usage:"Tax rate applied to the subtotal" flag:"tax-rate"`
	ShippingCost    string        `default:"10.00" usage:"Flat shipping cost" flag:"shipping-cost"`
	StrictCoupons   bool          `default:"false" usage:"Reject checkouts whose coupon does not apply" flag:"strict-coupons"`
	HoldTTL         time.Duration `default:"30m" usage:"How long stock stays held for an unpaid order" flag:"hold-ttl"`
	FinalizeTimeout time.Duration `default:"10s" usage:"Bound on post-payment bookkeeping" flag:"finalize-timeout"`
	CouponFilter    bool          `default:"true" usage:"Screen unknown coupon codes with a bloom filter" flag:"coupon-filter"`
}

// SweeperConfig tunes the background sweeper.
type SweeperConfig struct {
	Interval       time.Duration `default:"1m" usage:"Sweep interval" flag:"sweep-interval"`
	PendingTTL     time.Duration `default:"30m" usage:"Unpaid orders older than this are cancelled" flag:"pending-ttl"`
	ReconcileGrace time.Duration `default:"2m" usage:"Paid orders unfinalized for this long are re-driven" flag:"reconcile-grace"`
	BatchSize      int           `default:"100" usage:"Orders handled per sweep step" flag:"sweep-batch"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
	Shared bool          `default:"true" usage:"Keep counters in Redis instead of process memory" flag:"rate-limit-shared"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CHECKOUT",
		Files:     []string{"config.yaml", "/etc/checkout/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's CHECKOUT_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if v := os.Getenv("DATABASE_URL"); v != "" && c.DatabaseURL == "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" && os.Getenv("CHECKOUT_REDIS_URL") == "" {
		c.Redis.URL = v
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

func (c *Config) validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set CHECKOUT_DATABASE_URL or DATABASE_URL")
	case c.APIKeyPepper == "":
		return errors.New("API key pepper is required: set CHECKOUT_API_KEY_PEPPER")
	case c.Gateway.Mode != GatewayStripe && c.Gateway.Mode != GatewaySandbox:
		return errors.Errorf("unknown gateway mode %q", c.Gateway.Mode)
	case c.Gateway.Mode == GatewayStripe && (c.Gateway.SecretKey == "" || c.Gateway.WebhookSecret == ""):
		return errors.New("stripe gateway needs a secret key and a webhook secret")
	}
	if _, err := c.Checkout.pricing(); err != nil {
		return err
	}
	return nil
}

func (c CheckoutConfig) pricing() (order.Pricing, error) {
	taxRate, err := decimal.NewFromString(c.TaxRate)
	if err != nil || taxRate.IsNegative() {
		return order.Pricing{}, errors.Errorf("invalid tax rate %q", c.TaxRate)
	}
	shipping, err := decimal.NewFromString(c.ShippingCost)
	if err != nil || shipping.IsNegative() {
		return order.Pricing{}, errors.Errorf("invalid shipping cost %q", c.ShippingCost)
	}
	return order.Pricing{TaxRate: taxRate, ShippingCost: shipping}, nil
}
