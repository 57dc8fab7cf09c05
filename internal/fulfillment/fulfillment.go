// Package fulfillment covers everything that happens to an order after
// checkout: shopper queries, shipping, courier updates and cancellation.
package fulfillment

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/delivery"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// Store is the persistence used by the Service. Every method is a single
// transaction.
type Store interface {
	ListOrders(ctx context.Context, userID int64) ([]order.Order, error)
	GetOrder(ctx context.Context, id int64) (*order.Order, error)
	GetPayment(ctx context.Context, orderID int64) (*payment.Payment, error)
	GetDelivery(ctx context.Context, id int64) (*delivery.Delivery, error)
	// GetDeliveryByOrder returns delivery.ErrNotFound for unshipped orders.
	GetDeliveryByOrder(ctx context.Context, orderID int64) (*delivery.Delivery, error)
	// CreateShipment moves a processing order to shipped and inserts d.
	// It fails with order.ErrInvalidTransition or delivery.ErrTrackingTaken.
	CreateShipment(ctx context.Context, orderID int64, d *delivery.Delivery) (*delivery.Delivery, error)
	// SaveDelivery persists d if the stored delivery is still in status from,
	// failing with delivery.ErrInvalidTransition otherwise. When
	// orderDelivered is set the order moves from shipped to delivered in the
	// same transaction.
	SaveDelivery(ctx context.Context, d *delivery.Delivery, from delivery.Status, orderDelivered bool) error
	// CancelOrder cancels a non-terminal order, releasing stock holds,
	// cancelling a pending payment and failing an open delivery.
	CancelOrder(ctx context.Context, orderID int64, onlyPending bool) (*order.Order, error)
}

// ShipRequest carries the courier assignment for a new shipment.
type ShipRequest struct {
	CourierName       string
	CourierPhone      string
	EstimatedDelivery *time.Time
	Notes             string
}

// Service implements order fulfillment.
type Service struct {
	store   Store
	gateway payment.Gateway

	now              func() time.Time
	newTracking      func() string
	trackingAttempts int
}

// NewService creates a fulfillment Service. gateway is used to cancel
// pending intents of cancelled orders.
func NewService(store Store, gateway payment.Gateway) *Service {
	return &Service{
		store:            store,
		gateway:          gateway,
		now:              time.Now,
		newTracking:      delivery.NewTrackingNumber,
		trackingAttempts: 5,
	}
}

// ListOrders returns the user's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, userID int64) ([]order.Order, error) {
	orders, err := s.store.ListOrders(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// GetOrder returns an order owned by userID. Orders of other users are
// reported as not found.
func (s *Service) GetOrder(ctx context.Context, userID, orderID int64) (*order.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if o.UserID != userID {
		return nil, order.ErrNotFound
	}
	return o, nil
}

// Track returns the delivery of an order owned by userID.
func (s *Service) Track(ctx context.Context, userID, orderID int64) (*delivery.Delivery, error) {
	if _, err := s.GetOrder(ctx, userID, orderID); err != nil {
		return nil, err
	}
	d, err := s.store.GetDeliveryByOrder(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get delivery")
	}
	return d, nil
}

// Ship hands a processing order to a courier.
func (s *Service) Ship(ctx context.Context, orderID int64, req ShipRequest) (*delivery.Delivery, error) {
	if strings.TrimSpace(req.CourierName) == "" {
		return nil, delivery.ErrInvalidUpdate.WithMessage("courier name is required")
	}

	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if !o.Status.CanTransitionTo(order.StatusShipped) {
		return nil, order.ErrInvalidTransition.WithMessage("only processing orders can be shipped, order is " + string(o.Status))
	}

	now := s.now()
	d := &delivery.Delivery{
		OrderID:           orderID,
		CourierName:       req.CourierName,
		CourierPhone:      req.CourierPhone,
		Status:            delivery.StatusAssigned,
		EstimatedDelivery: req.EstimatedDelivery,
		Notes:             req.Notes,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	var lastErr error
	for range s.trackingAttempts {
		d.TrackingNumber = s.newTracking()
		created, err := s.store.CreateShipment(ctx, orderID, d)
		if errors.Is(err, delivery.ErrTrackingTaken) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "create shipment")
		}
		zctx.From(ctx).Info("Order shipped",
			zap.Int64("order_id", orderID),
			zap.String("tracking_number", created.TrackingNumber),
		)
		return created, nil
	}
	return nil, errors.Wrapf(lastErr, "no free tracking number after %d attempts", s.trackingAttempts)
}

// UpdateDelivery applies a courier update. A delivery reaching delivered
// also completes its order.
func (s *Service) UpdateDelivery(ctx context.Context, id int64, upd delivery.Update) (*delivery.Delivery, error) {
	d, err := s.store.GetDelivery(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get delivery")
	}
	before := d.Status
	if err := upd.ApplyTo(d, s.now()); err != nil {
		return nil, err
	}

	delivered := before != delivery.StatusDelivered && d.Status == delivery.StatusDelivered
	if err := s.store.SaveDelivery(ctx, d, before, delivered); err != nil {
		return nil, errors.Wrap(err, "save delivery")
	}
	if before != d.Status {
		zctx.From(ctx).Info("Delivery status changed",
			zap.Int64("delivery_id", id),
			zap.Int64("order_id", d.OrderID),
			zap.String("from", string(before)),
			zap.String("to", string(d.Status)),
		)
	}
	return d, nil
}

// Cancel cancels a non-terminal order. A pending payment intent is cancelled
// at the gateway first; when the gateway reports it already paid, the
// cancellation still proceeds and the late webhook is flagged for refund.
func (s *Service) Cancel(ctx context.Context, orderID int64) (*order.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if o.Status.Terminal() {
		return nil, order.ErrInvalidTransition.WithMessage("order is already " + string(o.Status))
	}

	lg := zctx.From(ctx).With(zap.Int64("order_id", orderID))
	if o.Status == order.StatusPendingPayment {
		p, err := s.store.GetPayment(ctx, orderID)
		switch {
		case errors.Is(err, payment.ErrNotFound):
		case err != nil:
			return nil, errors.Wrap(err, "get payment")
		case p.Status == payment.StatusPending:
			if err := s.gateway.CancelIntent(ctx, p.IntentID); err != nil {
				lg.Warn("Cancel payment intent", zap.String("intent_id", p.IntentID), zap.Error(err))
			}
		}
	}

	cancelled, err := s.store.CancelOrder(ctx, orderID, false)
	if err != nil {
		return nil, errors.Wrap(err, "cancel order")
	}
	lg.Info("Order cancelled", zap.String("previous_status", string(o.Status)))
	return cancelled, nil
}
