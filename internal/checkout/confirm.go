package checkout

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/apperr"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/notify"
)

// Finalization steps, used in logs and the integrity gap counter.
const (
	stepStockCommit  = "stock_commit"
	stepCouponUsage  = "coupon_usage"
	stepMarkFinal    = "mark_finalized"
	stepNotification = "notification"
	stepRefund       = "refund_required"
)

var errPaidAfterCancel = errors.New("payment succeeded for a cancelled order")

// HandleWebhook authenticates a gateway callback and applies it. Signature
// failures return payment.ErrUnauthorizedWebhook before the payload is
// interpreted. Events for unknown intents and repeated deliveries succeed
// without effect.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	ev, err := s.verifier.Verify(payload, signature)
	if err != nil {
		return err
	}

	ctx = zctx.With(ctx,
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
		zap.String("intent_id", ev.IntentID),
	)
	lg := zctx.From(ctx)

	switch ev.Type {
	case payment.EventIntentSucceeded:
		return s.Confirm(ctx, ev.IntentID)
	case payment.EventIntentFailed:
		changed, err := s.ledger.FailPayment(ctx, ev.IntentID)
		if err != nil {
			return errors.Wrap(err, "fail payment")
		}
		lg.Info("Payment failed", zap.Bool("changed", changed))
		return nil
	default:
		lg.Debug("Ignoring webhook event")
		return nil
	}
}

// Confirm records a successful payment for intentID and finalizes the order.
// Only the payment and order status change is transactional; the remaining
// bookkeeping is best effort and re-driven by the Sweeper on failure.
func (s *Service) Confirm(ctx context.Context, intentID string) error {
	ctx, span := s.tracer.Start(ctx, "checkout.Confirm",
		trace.WithAttributes(attribute.String("intent_id", intentID)),
	)
	defer span.End()
	lg := zctx.From(ctx)

	c, err := s.ledger.ConfirmPayment(ctx, intentID, s.now())
	if err != nil {
		return errors.Wrap(err, "confirm payment")
	}
	s.metrics.recordConfirm(ctx, c.Outcome)
	span.SetAttributes(attribute.String("outcome", c.Outcome.String()))

	switch c.Outcome {
	case OutcomeUnknownIntent:
		lg.Warn("Payment event for unknown intent")
		return nil
	case OutcomeDuplicate:
		lg.Info("Duplicate payment confirmation", zap.Int64("order_id", c.Order.ID))
		return nil
	case OutcomeOrderCancelled:
		s.reportGap(ctx, &apperr.IntegrityGapError{OrderID: c.Order.ID, Step: stepRefund, Err: errPaidAfterCancel})
		return nil
	}

	lg.Info("Payment confirmed",
		zap.Int64("order_id", c.Order.ID),
		zap.String("order_number", c.Order.Number),
	)

	// Bookkeeping must survive the webhook client disconnecting.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FinalizeTimeout)
	defer cancel()

	s.finalize(fctx, c.Order)
	s.releaseCart(fctx, c.Order)
	s.notify(fctx, c.Order, c.Payment)
	return nil
}

// finalize commits stock and coupon usage for a paid order and stamps it
// finalized when both succeed. Every step is idempotent.
func (s *Service) finalize(ctx context.Context, o *order.Order) bool {
	done := true

	if err := s.ledger.CommitStock(ctx, o.ID); err != nil {
		s.reportGap(ctx, &apperr.IntegrityGapError{OrderID: o.ID, Step: stepStockCommit, Err: err})
		done = false
	}

	if o.CouponCode != "" {
		if _, err := s.coupons.CommitUsage(ctx, o.CouponCode, o.ID); err != nil {
			s.reportGap(ctx, &apperr.IntegrityGapError{OrderID: o.ID, Step: stepCouponUsage, Err: err})
			// An exhausted coupon will never accept the redemption; the
			// discount has been granted and the gap is left for review.
			if !errors.Is(err, coupon.ErrUsageLimitReached) {
				done = false
			}
		}
	}

	if !done {
		return false
	}
	if err := s.ledger.MarkFinalized(ctx, o.ID, s.now()); err != nil {
		s.reportGap(ctx, &apperr.IntegrityGapError{OrderID: o.ID, Step: stepMarkFinal, Err: err})
		return false
	}
	return true
}

// releaseCart takes the purchased quantities out of the stored cart. Units
// added while the payment was in flight stay in the cart.
func (s *Service) releaseCart(ctx context.Context, o *order.Order) {
	if !o.FromCart {
		return
	}
	for _, it := range o.Items {
		if err := s.carts.Take(ctx, o.UserID, it.ProductID, it.Quantity); err != nil {
			zctx.From(ctx).Warn("Remove purchased item from cart",
				zap.Int64("order_id", o.ID),
				zap.Int64("product_id", it.ProductID),
				zap.Error(err),
			)
			return
		}
	}
}

func (s *Service) notify(ctx context.Context, o *order.Order, p *payment.Payment) {
	c := notify.Confirmation{
		OrderID:     o.ID,
		OrderNumber: o.Number,
		UserID:      o.UserID,
		Total:       o.Totals.Total,
		Currency:    s.cfg.Currency,
		PaidAt:      s.now(),
	}
	if p != nil {
		c.Currency = p.Currency
	}
	if o.PaidAt != nil {
		c.PaidAt = *o.PaidAt
	}
	if err := s.notifier.OrderConfirmed(ctx, c); err != nil {
		s.reportGap(ctx, &apperr.IntegrityGapError{OrderID: o.ID, Step: stepNotification, Err: err})
	}
}

func (s *Service) reportGap(ctx context.Context, gap *apperr.IntegrityGapError) {
	s.metrics.recordGap(ctx, gap.Step)
	zctx.From(ctx).Error("Integrity gap",
		zap.Int64("order_id", gap.OrderID),
		zap.String("step", gap.Step),
		zap.Error(gap),
	)
}
