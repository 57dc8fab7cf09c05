package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// SweeperConfig tunes the background sweeper.
type SweeperConfig struct {
	Interval time.Duration
	// PendingTTL is how long an order may stay unpaid before it is cancelled.
	PendingTTL time.Duration
	// ReconcileGrace is how long after payment finalization may lag before
	// the sweeper re-drives it.
	ReconcileGrace time.Duration
	BatchSize      int
}

func (c *SweeperConfig) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = 30 * time.Minute
	}
	if c.ReconcileGrace <= 0 {
		c.ReconcileGrace = 2 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// Sweeper periodically cancels abandoned orders and re-drives unfinished
// finalization.
type Sweeper struct {
	svc     *Service
	cfg     SweeperConfig
	refresh func(context.Context) error
}

// NewSweeper creates a Sweeper. refresh, when set, runs at the end of every
// pass; it is used to rebuild the coupon code filter.
func NewSweeper(svc *Service, cfg SweeperConfig, refresh func(context.Context) error) *Sweeper {
	cfg.setDefaults()
	return &Sweeper{svc: svc, cfg: cfg, refresh: refresh}
}

// Run sweeps until ctx is cancelled.
func (w *Sweeper) Run(ctx context.Context) error {
	lg := zctx.From(ctx).Named("sweeper")
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		w.pass(ctx, lg)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Sweeper) pass(ctx context.Context, lg *zap.Logger) {
	if n, err := w.svc.ExpirePending(ctx, w.cfg.PendingTTL, w.cfg.BatchSize); err != nil {
		lg.Error("Expire pending orders", zap.Error(err))
	} else if n > 0 {
		lg.Info("Cancelled unpaid orders", zap.Int("count", n))
	}
	if n, err := w.svc.Reconcile(ctx, w.cfg.ReconcileGrace, w.cfg.BatchSize); err != nil {
		lg.Error("Reconcile paid orders", zap.Error(err))
	} else if n > 0 {
		lg.Info("Finalized paid orders", zap.Int("count", n))
	}
	if w.refresh != nil {
		if err := w.refresh(ctx); err != nil {
			lg.Warn("Refresh coupon filter", zap.Error(err))
		}
	}
}

// ExpirePending cancels orders left in pending_payment longer than ttl and
// releases their stock holds. The gateway intent is retired first; an intent
// that was paid or is being paid leaves its order for the webhook. It returns
// the number of cancelled orders.
func (s *Service) ExpirePending(ctx context.Context, ttl time.Duration, limit int) (int, error) {
	pending, err := s.ledger.ListExpiredPending(ctx, s.now().Add(-ttl), limit)
	if err != nil {
		return 0, errors.Wrap(err, "list expired orders")
	}

	lg := zctx.From(ctx)
	var cancelled int
	for _, p := range pending {
		if ctx.Err() != nil {
			return cancelled, ctx.Err()
		}
		if p.IntentID != "" {
			retired, err := s.retireIntent(ctx, p.IntentID)
			if err != nil {
				lg.Warn("Retire expired intent",
					zap.Int64("order_id", p.OrderID), zap.String("intent_id", p.IntentID), zap.Error(err))
				continue
			}
			if !retired {
				lg.Info("Intent paid at the gateway, awaiting webhook",
					zap.Int64("order_id", p.OrderID), zap.String("intent_id", p.IntentID))
				continue
			}
		}

		_, err := s.ledger.CancelOrder(ctx, p.OrderID, true)
		if errors.Is(err, order.ErrInvalidTransition) {
			// Paid between listing and cancelling.
			continue
		}
		if err != nil {
			lg.Error("Cancel expired order", zap.Int64("order_id", p.OrderID), zap.Error(err))
			continue
		}
		s.metrics.reaped.Add(ctx, 1)
		cancelled++
	}
	return cancelled, nil
}

// retireIntent makes sure an intent can no longer capture funds. It reports
// false when the intent succeeded or is still being processed by the gateway.
// An intent the gateway does not know about cannot be paid and counts as
// retired.
func (s *Service) retireIntent(ctx context.Context, intentID string) (bool, error) {
	err := s.gateway.CancelIntent(ctx, intentID)
	switch {
	case err == nil, errors.Is(err, payment.ErrIntentNotFound):
		return true, nil
	case !errors.Is(err, payment.ErrNotCancellable):
		return false, errors.Wrap(err, "cancel intent")
	}

	// Refused: either already cancelled or already paid.
	intent, err := s.gateway.GetIntent(ctx, intentID)
	switch {
	case errors.Is(err, payment.ErrIntentNotFound):
		return true, nil
	case err != nil:
		return false, errors.Wrap(err, "get intent")
	}
	return intent.Canceled(), nil
}

// Reconcile re-runs finalization for orders paid more than grace ago whose
// bookkeeping never completed. It returns the number of orders finalized.
func (s *Service) Reconcile(ctx context.Context, grace time.Duration, limit int) (int, error) {
	orders, err := s.ledger.ListUnfinalized(ctx, s.now().Add(-grace), limit)
	if err != nil {
		return 0, errors.Wrap(err, "list unfinalized orders")
	}

	var done int
	for i := range orders {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if s.finalize(ctx, &orders[i]) {
			done++
		}
	}
	return done, nil
}
