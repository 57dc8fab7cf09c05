package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/kart-checkout/internal/domain/delivery"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

const (
	deliveryColumns = `id, order_id, tracking_number, courier_name, courier_phone, status,
		estimated_delivery, actual_delivery, notes, created_at, updated_at`

	getDeliverySQL        = `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1`
	getDeliveryByOrderSQL = `SELECT ` + deliveryColumns + ` FROM deliveries WHERE order_id = $1`
	lockDeliverySQL       = `SELECT order_id, status FROM deliveries WHERE id = $1 FOR UPDATE`

	insertDeliverySQL = `INSERT INTO deliveries (order_id, tracking_number, courier_name, courier_phone,
		status, estimated_delivery, notes, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	RETURNING ` + deliveryColumns

	updateDeliverySQL = `UPDATE deliveries SET courier_name = $2, courier_phone = $3, status = $4,
		estimated_delivery = $5, actual_delivery = $6, notes = $7, updated_at = $8
	WHERE id = $1`

	markDeliveredSQL = `UPDATE orders SET status = 'delivered', updated_at = now()
	WHERE id = $1 AND status = 'shipped'`
)

// GetDelivery returns a delivery by id.
func (l *Ledger) GetDelivery(ctx context.Context, id int64) (*delivery.Delivery, error) {
	return l.getDelivery(ctx, getDeliverySQL, id)
}

// GetDeliveryByOrder returns the delivery of an order.
func (l *Ledger) GetDeliveryByOrder(ctx context.Context, orderID int64) (*delivery.Delivery, error) {
	return l.getDelivery(ctx, getDeliveryByOrderSQL, orderID)
}

func (l *Ledger) getDelivery(ctx context.Context, sql string, arg int64) (*delivery.Delivery, error) {
	rows, err := l.pool.Query(ctx, sql, arg)
	if err != nil {
		return nil, errors.Wrap(err, "get delivery")
	}
	d, err := pgx.CollectExactlyOneRow(rows, scanDelivery)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, delivery.ErrNotFound
		}
		return nil, errors.Wrap(err, "get delivery")
	}
	return &d, nil
}

// CreateShipment ships a processing order and records its delivery.
func (l *Ledger) CreateShipment(ctx context.Context, orderID int64, d *delivery.Delivery) (*delivery.Delivery, error) {
	var out delivery.Delivery
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		o, err := getOrder(ctx, tx, getOrderForUpdateSQL, orderID)
		if err != nil {
			return err
		}
		if !o.Status.CanTransitionTo(order.StatusShipped) {
			return order.ErrInvalidTransition.WithMessage("only processing orders can be shipped, order is " + string(o.Status))
		}

		rows, err := tx.Query(ctx, insertDeliverySQL,
			orderID, d.TrackingNumber, d.CourierName, d.CourierPhone,
			string(d.Status), d.EstimatedDelivery, d.Notes, d.CreatedAt,
		)
		if err != nil {
			return errors.Wrap(err, "insert delivery")
		}
		out, err = pgx.CollectExactlyOneRow(rows, scanDelivery)
		switch {
		case violates(err, trackingNumberConstraint):
			return delivery.ErrTrackingTaken
		case violates(err, deliveryOrderConstraint):
			return order.ErrInvalidTransition.WithMessage("order already has a delivery")
		case err != nil:
			return errors.Wrap(err, "insert delivery")
		}

		if _, err := tx.Exec(ctx, setOrderStatusSQL, orderID, string(order.StatusShipped)); err != nil {
			return errors.Wrap(err, "mark order shipped")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveDelivery writes d back if the stored delivery is still in status from,
// completing the order when orderDelivered. The order row is locked before
// the delivery row, the same order CancelOrder uses.
func (l *Ledger) SaveDelivery(ctx context.Context, d *delivery.Delivery, from delivery.Status, orderDelivered bool) error {
	return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		o, err := getOrder(ctx, tx, getOrderForUpdateSQL, d.OrderID)
		if err != nil {
			return err
		}

		var (
			orderID int64
			current string
		)
		err = tx.QueryRow(ctx, lockDeliverySQL, d.ID).Scan(&orderID, &current)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return delivery.ErrNotFound
		case err != nil:
			return errors.Wrap(err, "lock delivery")
		case orderID != d.OrderID:
			return delivery.ErrNotFound
		case delivery.Status(current) != from:
			return delivery.ErrInvalidTransition.WithMessage(
				"delivery moved from " + string(from) + " to " + current + " concurrently")
		}
		if orderDelivered && o.Status != order.StatusShipped {
			return order.ErrInvalidTransition.WithMessage("order is " + string(o.Status) + ", not shipped")
		}

		if _, err := tx.Exec(ctx, updateDeliverySQL, d.ID,
			d.CourierName, d.CourierPhone, string(d.Status),
			d.EstimatedDelivery, d.ActualDelivery, d.Notes, d.UpdatedAt,
		); err != nil {
			return errors.Wrap(err, "update delivery")
		}
		if orderDelivered {
			if _, err := tx.Exec(ctx, markDeliveredSQL, d.OrderID); err != nil {
				return errors.Wrap(err, "mark order delivered")
			}
		}
		return nil
	})
}

func scanDelivery(row pgx.CollectableRow) (delivery.Delivery, error) {
	var (
		d      delivery.Delivery
		status string
	)
	err := row.Scan(
		&d.ID, &d.OrderID, &d.TrackingNumber, &d.CourierName, &d.CourierPhone, &status,
		&d.EstimatedDelivery, &d.ActualDelivery, &d.Notes, &d.CreatedAt, &d.UpdatedAt,
	)
	d.Status = delivery.Status(status)
	return d, err
}
