// Package checkout drives a cart to a paid order.
//
// Begin freezes prices, reserves stock and creates a payment intent before
// materializing the order in a single ledger transaction. The gateway's
// webhook then confirms payment, after which finalization commits the stock
// holds, the coupon redemption and dispatches a notification. Finalization
// steps are idempotent and re-driven by the Sweeper, which also cancels
// orders whose payment never arrives.
package checkout

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/kart-checkout/internal/apperr"
	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/notify"
)

var (
	// ErrDuplicateCheckout is returned by the ledger when the idempotency key
	// was claimed concurrently by another request.
	ErrDuplicateCheckout = apperr.Conflict("duplicate_checkout", "checkout already submitted")
	// ErrInvalidRequest is returned for malformed checkout input.
	ErrInvalidRequest = apperr.Validation("invalid_checkout", "invalid checkout request")
)

// Outcome classifies the result of a payment confirmation.
type Outcome int

const (
	// OutcomeUnknownIntent means no local payment matches the intent.
	OutcomeUnknownIntent Outcome = iota
	// OutcomeDuplicate means the payment was already confirmed.
	OutcomeDuplicate
	// OutcomeConfirmed means this call moved the payment to succeeded and
	// the order to processing.
	OutcomeConfirmed
	// OutcomeOrderCancelled means the payment succeeded for an order that
	// had already been cancelled; a refund is required.
	OutcomeOrderCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeOrderCancelled:
		return "order_cancelled"
	default:
		return "unknown_intent"
	}
}

// Confirmation is the ledger's answer to ConfirmPayment.
type Confirmation struct {
	Outcome Outcome
	Order   *order.Order
	Payment *payment.Payment
}

// Draft is everything materialized by CreateOrder in one transaction.
type Draft struct {
	Order          *order.Order
	Intent         *payment.Intent
	Currency       string
	IdempotencyKey string
	HoldExpiresAt  time.Time
}

// PendingOrder identifies an order awaiting payment.
type PendingOrder struct {
	OrderID  int64
	IntentID string
}

// Ledger is the durable store behind the orchestrator. Every method is a
// single transaction.
type Ledger interface {
	// FindCheckout returns the order created under (userID, key), or
	// order.ErrNotFound.
	FindCheckout(ctx context.Context, userID int64, key string) (*order.Order, *payment.Payment, error)
	// CreateOrder inserts the order, its items, the pending payment, stock
	// holds and the idempotency record. It fails with order.ErrNumberTaken,
	// ErrDuplicateCheckout or product.ErrInsufficientStock without side effects.
	CreateOrder(ctx context.Context, d *Draft) (*order.Order, *payment.Payment, error)
	GetOrder(ctx context.Context, id int64) (*order.Order, error)
	GetPayment(ctx context.Context, orderID int64) (*payment.Payment, error)
	// ReplaceIntent attaches a new intent to a failed or cancelled payment
	// and resets it to pending.
	ReplaceIntent(ctx context.Context, orderID int64, intent *payment.Intent) (*payment.Payment, error)
	// ConfirmPayment locks the order and payment rows and applies the
	// succeeded transition exactly once.
	ConfirmPayment(ctx context.Context, intentID string, at time.Time) (*Confirmation, error)
	// FailPayment moves a pending payment to failed. It reports whether a row changed.
	FailPayment(ctx context.Context, intentID string) (bool, error)
	// CommitStock turns held stock into sold stock. Idempotent.
	CommitStock(ctx context.Context, orderID int64) error
	MarkFinalized(ctx context.Context, orderID int64, at time.Time) error
	ListExpiredPending(ctx context.Context, createdBefore time.Time, limit int) ([]PendingOrder, error)
	// CancelOrder cancels a non-terminal order, releasing holds and
	// cancelling a pending payment. With onlyPending it refuses any status
	// other than pending_payment.
	CancelOrder(ctx context.Context, orderID int64, onlyPending bool) (*order.Order, error)
	ListUnfinalized(ctx context.Context, paidBefore time.Time, limit int) ([]order.Order, error)
}

// Coupons evaluates and redeems coupons.
type Coupons interface {
	Apply(ctx context.Context, code string, orderTotal decimal.Decimal) (coupon.Result, error)
	CommitUsage(ctx context.Context, code string, orderID int64) (bool, error)
}

// Config tunes the orchestrator.
type Config struct {
	Currency string
	// StrictCoupons rejects checkouts whose coupon does not apply. When
	// false an invalid coupon only removes the discount.
	StrictCoupons bool
	// HoldTTL is how long stock stays reserved for an unpaid order.
	HoldTTL time.Duration
	// NumberAttempts bounds order number regeneration on collision.
	NumberAttempts int
	// FinalizeTimeout bounds post-confirmation bookkeeping.
	FinalizeTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Currency == "" {
		c.Currency = "usd"
	}
	if c.HoldTTL <= 0 {
		c.HoldTTL = 30 * time.Minute
	}
	if c.NumberAttempts <= 0 {
		c.NumberAttempts = 5
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 10 * time.Second
	}
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Carts    cart.Store
	Products product.Repository
	Coupons  Coupons
	Gateway  payment.Gateway
	Verifier payment.WebhookVerifier
	Ledger   Ledger
	Notifier notify.Notifier
}

// Service is the checkout orchestrator.
type Service struct {
	carts    cart.Store
	products product.Repository
	coupons  Coupons
	gateway  payment.Gateway
	verifier payment.WebhookVerifier
	ledger   Ledger
	notifier notify.Notifier

	pricing   order.Pricing
	cfg       Config
	now       func() time.Time
	newNumber func() string

	tracer  trace.Tracer
	metrics *metrics
}

// Option configures a Service.
type Option func(*options)

type options struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithTracerProvider sets the tracer provider for orchestrator spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider for orchestrator counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// NewService creates the orchestrator.
func NewService(deps Deps, pricing order.Pricing, cfg Config, opts ...Option) (*Service, error) {
	o := options{
		tracerProvider: tracenoop.NewTracerProvider(),
		meterProvider:  metricnoop.NewMeterProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	cfg.setDefaults()

	m, err := newMetrics(o.meterProvider.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}

	return &Service{
		carts:     deps.Carts,
		products:  deps.Products,
		coupons:   deps.Coupons,
		gateway:   deps.Gateway,
		verifier:  deps.Verifier,
		ledger:    deps.Ledger,
		notifier:  notifier,
		pricing:   pricing,
		cfg:       cfg,
		now:       time.Now,
		newNumber: order.NewNumber,
		tracer:    o.tracerProvider.Tracer(instrumentationName),
		metrics:   m,
	}, nil
}
