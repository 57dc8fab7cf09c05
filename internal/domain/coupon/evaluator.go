package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Evaluator validates coupon codes against an order total and commits usage
// once a payment is confirmed.
type Evaluator struct {
	repo         Repository
	filter       *CodeFilter
	shippingCost decimal.Decimal
	now          func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithCodeFilter short-circuits lookups of codes the filter has never seen.
func WithCodeFilter(f *CodeFilter) Option {
	return func(e *Evaluator) { e.filter = f }
}

// NewEvaluator creates an Evaluator backed by repo. shippingCost is the
// credit granted by free-shipping coupons.
func NewEvaluator(repo Repository, shippingCost decimal.Decimal, opts ...Option) *Evaluator {
	e := &Evaluator{
		repo:         repo,
		shippingCost: shippingCost,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply evaluates code against orderTotal without touching the usage counter.
// Only infrastructure failures are returned as errors; every business
// rejection is a Result with Valid=false.
func (e *Evaluator) Apply(ctx context.Context, code string, orderTotal decimal.Decimal) (Result, error) {
	code = NormalizeCode(code)
	if code == "" {
		return rejected(msgNotFound), nil
	}
	if e.filter != nil && !e.filter.MayContain(code) {
		return rejected(msgNotFound), nil
	}

	rule, err := e.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return rejected(msgNotFound), nil
		}
		return Result{}, errors.Wrap(err, "lookup coupon")
	}

	return Evaluate(rule, orderTotal, e.shippingCost, e.now()), nil
}

// CommitUsage increments the usage counter of code on behalf of orderID.
// Repeated calls for the same order are no-ops and report false.
func (e *Evaluator) CommitUsage(ctx context.Context, code string, orderID int64) (bool, error) {
	committed, err := e.repo.CommitUsage(ctx, NormalizeCode(code), orderID)
	if err != nil {
		return false, errors.Wrapf(err, "commit usage of %q", code)
	}
	return committed, nil
}

// Create validates and stores a new coupon.
func (e *Evaluator) Create(ctx context.Context, rule Rule) (*Rule, error) {
	rule.Code = NormalizeCode(rule.Code)
	rule.UsageCount = 0
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if err := e.repo.Create(ctx, &rule); err != nil {
		return nil, errors.Wrap(err, "create coupon")
	}
	if e.filter != nil {
		e.filter.Add(rule.Code)
	}
	return &rule, nil
}

// Update applies upd to the coupon identified by code.
func (e *Evaluator) Update(ctx context.Context, code string, upd Update) (*Rule, error) {
	if upd.Empty() {
		return nil, ErrInvalidRule.WithMessage("no fields to update")
	}
	rule, err := e.repo.Update(ctx, NormalizeCode(code), upd)
	if err != nil {
		return nil, errors.Wrap(err, "update coupon")
	}
	// The filter is loaded from active codes only; a reactivated code must
	// become visible before the next refresh.
	if e.filter != nil && rule.Active {
		e.filter.Add(rule.Code)
	}
	return rule, nil
}

// List returns all coupons.
func (e *Evaluator) List(ctx context.Context) ([]Rule, error) {
	rules, err := e.repo.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list coupons")
	}
	return rules, nil
}

// RefreshFilter reloads the code filter from the repository.
func (e *Evaluator) RefreshFilter(ctx context.Context) error {
	if e.filter == nil {
		return nil
	}
	codes, err := e.repo.ListCodes(ctx)
	if err != nil {
		return errors.Wrap(err, "list coupon codes")
	}
	e.filter.Reset(codes)
	return nil
}
