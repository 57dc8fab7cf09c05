package checkout

import (
	"context"
	"slices"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/product"
)

// checkoutRefNamespace derives stable checkout references from
// (user, idempotency key) so retries tag the gateway intent identically.
var checkoutRefNamespace = uuid.MustParse("6f1c2a52-3c0e-4f43-9d0a-64a3b1e0c9d1")

// BeginRequest is the input of Begin.
type BeginRequest struct {
	UserID int64
	// IdempotencyKey deduplicates retries of the same user action. When
	// empty, a random key is used and the request is not replayable.
	IdempotencyKey string
	// Items, when present, are checked out instead of the stored cart.
	Items           []cart.Item
	CouponCode      string
	ShippingAddress string
	BillingAddress  string
	Phone           string
	Notes           string
}

func (r *BeginRequest) validate() error {
	switch {
	case r.UserID <= 0:
		return ErrInvalidRequest.WithMessage("user id is required")
	case strings.TrimSpace(r.ShippingAddress) == "":
		return ErrInvalidRequest.WithMessage("shipping address is required")
	case strings.TrimSpace(r.Phone) == "":
		return ErrInvalidRequest.WithMessage("phone is required")
	case len(r.IdempotencyKey) > 255:
		return ErrInvalidRequest.WithMessage("idempotency key is too long")
	}
	return nil
}

// Receipt is returned to the shopper after Begin or ResumePayment.
type Receipt struct {
	Order   *order.Order
	Payment *payment.Payment
	// Coupon is the evaluation of the requested coupon, nil when none was
	// requested or the receipt is a replay.
	Coupon *coupon.Result
	// Replayed is set when the idempotency key matched an earlier checkout.
	Replayed bool
}

// Begin converts the user's cart into a pending_payment order with a
// payment intent. Stock is held, not decremented, and coupon usage is not
// counted until the payment is confirmed.
func (s *Service) Begin(ctx context.Context, req BeginRequest) (_ *Receipt, rerr error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Begin",
		trace.WithAttributes(attribute.Int64("user_id", req.UserID)),
	)
	defer func() {
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
			s.metrics.recordBegin(ctx, "error")
		}
		span.End()
	}()

	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.BillingAddress == "" {
		req.BillingAddress = req.ShippingAddress
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	} else if r, err := s.replay(ctx, req.UserID, req.IdempotencyKey); err != nil || r != nil {
		return r, err
	}

	lg := zctx.From(ctx).With(zap.Int64("user_id", req.UserID))

	snapshot, fromCart, err := s.snapshot(ctx, req)
	if err != nil {
		return nil, err
	}
	lines := snapshot.Lines()

	names, err := s.resolveProducts(ctx, snapshot, fromCart)
	if err != nil {
		return nil, err
	}

	subtotal := order.Subtotal(lines)
	discount := decimal.Zero
	var couponResult *coupon.Result
	if code := coupon.NormalizeCode(req.CouponCode); code != "" {
		res, err := s.coupons.Apply(ctx, code, subtotal)
		if err != nil {
			return nil, errors.Wrap(err, "apply coupon")
		}
		if !res.Valid {
			if s.cfg.StrictCoupons {
				return nil, coupon.ErrRejected.WithMessage(res.Message)
			}
			lg.Info("Coupon not applied", zap.String("code", code), zap.String("reason", res.Message))
		} else {
			discount = res.Discount
		}
		couponResult = &res
	}
	totals := s.pricing.Price(lines, discount)

	ref := uuid.NewSHA1(checkoutRefNamespace, []byte(strconv.FormatInt(req.UserID, 10)+":"+req.IdempotencyKey)).String()
	intent, err := s.createCheckoutIntent(ctx, req, ref, totals.Total)
	if err != nil {
		if errors.Is(err, payment.ErrOutcomeUnknown) {
			lg.Warn("Payment intent outcome unknown; retry with the same idempotency key",
				zap.String("idempotency_key", req.IdempotencyKey), zap.Error(err))
		}
		return nil, errors.Wrap(err, "create payment intent")
	}

	o := &order.Order{
		UserID:          req.UserID,
		Status:          order.StatusPendingPayment,
		Items:           order.BuildItems(lines, names),
		Totals:          totals,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		Phone:           req.Phone,
		Notes:           req.Notes,
		CheckoutRef:     ref,
		FromCart:        fromCart,
	}
	if couponResult != nil && couponResult.Valid {
		o.CouponCode = couponResult.Rule.Code
	}

	created, pay, err := s.materialize(ctx, &Draft{
		Order:          o,
		Intent:         intent,
		Currency:       s.cfg.Currency,
		IdempotencyKey: req.IdempotencyKey,
		HoldExpiresAt:  s.now().Add(s.cfg.HoldTTL),
	})
	switch {
	case errors.Is(err, ErrDuplicateCheckout):
		r, replayErr := s.replay(ctx, req.UserID, req.IdempotencyKey)
		if replayErr == nil && r == nil {
			return nil, err
		}
		return r, replayErr
	case errors.Is(err, product.ErrInsufficientStock):
		s.abandonIntent(ctx, intent.ID)
		return nil, err
	case err != nil:
		return nil, errors.Wrap(err, "create order")
	}

	lg.Info("Checkout started",
		zap.Int64("order_id", created.ID),
		zap.String("order_number", created.Number),
		zap.String("intent_id", intent.ID),
		zap.Stringer("total", created.Totals.Total),
	)
	s.metrics.recordBegin(ctx, "created")
	return &Receipt{Order: created, Payment: pay, Coupon: couponResult}, nil
}

// intentAttempts bounds how many cancelled intents a single idempotency key
// can step over.
const intentAttempts = 5

// createCheckoutIntent creates the intent for a new checkout. The gateway
// idempotency key is derived from the request key so an ambiguous timeout
// resolves to the same intent on retry. An earlier attempt whose order could
// not be created leaves a cancelled intent under that key; the next attempt
// suffix is used instead.
func (s *Service) createCheckoutIntent(ctx context.Context, req BeginRequest, ref string, total decimal.Decimal) (*payment.Intent, error) {
	base := "checkout:" + strconv.FormatInt(req.UserID, 10) + ":" + req.IdempotencyKey
	for attempt := range intentAttempts {
		key := base
		if attempt > 0 {
			key += ":attempt:" + strconv.Itoa(attempt)
		}
		intent, err := s.gateway.CreateIntent(ctx, payment.IntentRequest{
			AmountMinor:    payment.ToMinorUnits(total),
			Currency:       s.cfg.Currency,
			IdempotencyKey: key,
			Metadata: map[string]string{
				"checkout_ref": ref,
				"user_id":      strconv.FormatInt(req.UserID, 10),
			},
		})
		if err != nil {
			return nil, err
		}
		if !intent.Canceled() {
			return intent, nil
		}
		zctx.From(ctx).Debug("Idempotent intent already cancelled",
			zap.String("intent_id", intent.ID), zap.Int("attempt", attempt))
	}
	return nil, payment.ErrRejected.WithMessage("payment intents for this checkout were cancelled; retry with a new idempotency key")
}

// replay returns the receipt of an earlier checkout with the same key, or
// nil when there is none.
func (s *Service) replay(ctx context.Context, userID int64, key string) (*Receipt, error) {
	o, p, err := s.ledger.FindCheckout(ctx, userID, key)
	if errors.Is(err, order.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find checkout")
	}
	s.metrics.recordBegin(ctx, "replayed")
	return &Receipt{Order: o, Payment: p, Replayed: true}, nil
}

// snapshot returns the items to check out and whether they came from the
// stored cart.
func (s *Service) snapshot(ctx context.Context, req BeginRequest) (*cart.Cart, bool, error) {
	if len(req.Items) > 0 {
		c, err := cart.FromItems(req.UserID, req.Items)
		if err != nil {
			return nil, false, err
		}
		return c, false, nil
	}

	c, err := s.carts.Get(ctx, req.UserID)
	if err != nil {
		return nil, false, errors.Wrap(err, "read cart")
	}
	if c.Empty() {
		return nil, false, cart.ErrEmpty
	}
	for _, it := range c.Items {
		if it.Quantity <= 0 {
			return nil, false, cart.ErrInvalidQuantity
		}
	}
	return c, true, nil
}

// resolveProducts returns product names for the snapshot. Directly supplied
// items must carry the current catalog price; cart items keep the price
// snapshotted when they were added.
func (s *Service) resolveProducts(ctx context.Context, c *cart.Cart, fromCart bool) (map[int64]string, error) {
	ids := make([]int64, 0, len(c.Items))
	for _, it := range c.Items {
		ids = append(ids, it.ProductID)
	}
	slices.Sort(ids)

	products, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "fetch products")
	}
	byID := product.Index(products)

	names := make(map[int64]string, len(byID))
	for _, it := range c.Items {
		p, ok := byID[it.ProductID]
		if !ok {
			return nil, product.ErrNotFound.WithMessage("product " + strconv.FormatInt(it.ProductID, 10) + " not found")
		}
		if !fromCart && !it.UnitPrice.Equal(p.Price) {
			return nil, cart.ErrPriceMismatch.WithMessage("price of product " + strconv.FormatInt(it.ProductID, 10) + " changed")
		}
		names[p.ID] = p.Name
	}
	return names, nil
}

// materialize persists the draft, regenerating the order number on collision.
func (s *Service) materialize(ctx context.Context, d *Draft) (*order.Order, *payment.Payment, error) {
	var lastErr error
	for range s.cfg.NumberAttempts {
		d.Order.Number = s.newNumber()
		o, p, err := s.ledger.CreateOrder(ctx, d)
		if errors.Is(err, order.ErrNumberTaken) {
			zctx.From(ctx).Debug("Order number collision", zap.String("order_number", d.Order.Number))
			lastErr = err
			continue
		}
		return o, p, err
	}
	return nil, nil, errors.Wrapf(lastErr, "no free order number after %d attempts", s.cfg.NumberAttempts)
}

// abandonIntent cancels an intent whose order could not be created.
func (s *Service) abandonIntent(ctx context.Context, intentID string) {
	if err := s.gateway.CancelIntent(ctx, intentID); err != nil {
		zctx.From(ctx).Warn("Cancel abandoned intent",
			zap.String("intent_id", intentID), zap.Error(err))
	}
}

// ResumePayment lets the owner of a pending_payment order pay again. A still
// pending payment is returned as is; a failed or cancelled one gets a fresh
// intent attached to the same order.
func (s *Service) ResumePayment(ctx context.Context, userID, orderID int64) (*Receipt, error) {
	ctx, span := s.tracer.Start(ctx, "checkout.ResumePayment",
		trace.WithAttributes(attribute.Int64("order_id", orderID)),
	)
	defer span.End()

	o, err := s.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if o.UserID != userID {
		return nil, order.ErrNotFound
	}
	if o.Status != order.StatusPendingPayment {
		return nil, order.ErrNotPayable
	}

	p, err := s.ledger.GetPayment(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get payment")
	}
	switch p.Status {
	case payment.StatusPending:
		return &Receipt{Order: o, Payment: p}, nil
	case payment.StatusSucceeded:
		return nil, order.ErrNotPayable
	}

	// A failed intent can still be retried by the customer at the gateway;
	// retire it so only the new one can capture funds.
	retired, err := s.retireIntent(ctx, p.IntentID)
	if err != nil {
		return nil, errors.Wrap(err, "retire previous intent")
	}
	if !retired {
		return nil, order.ErrNotPayable
	}

	intent, err := s.gateway.CreateIntent(ctx, payment.IntentRequest{
		AmountMinor:    payment.ToMinorUnits(o.Totals.Total),
		Currency:       p.Currency,
		IdempotencyKey: "order:" + o.Number + ":attempt:" + strconv.Itoa(p.Attempt+1),
		Metadata: map[string]string{
			"checkout_ref": o.CheckoutRef,
			"user_id":      strconv.FormatInt(o.UserID, 10),
			"order_id":     strconv.FormatInt(o.ID, 10),
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "create payment intent")
	}
	p, err = s.ledger.ReplaceIntent(ctx, orderID, intent)
	if err != nil {
		return nil, errors.Wrap(err, "replace intent")
	}

	zctx.From(ctx).Info("Payment retried",
		zap.Int64("order_id", orderID),
		zap.String("intent_id", intent.ID),
		zap.Int("attempt", p.Attempt),
	)
	return &Receipt{Order: o, Payment: p}, nil
}
