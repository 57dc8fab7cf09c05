package postgres

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/checkout"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/fulfillment"
)

const (
	orderColumns = `id, order_number, user_id, status, subtotal, tax, shipping_cost, discount, total,
		coupon_code, shipping_address, billing_address, phone, notes, checkout_ref::text, from_cart,
		created_at, updated_at, paid_at, finalized_at`

	paymentColumns = `id, order_id, user_id, intent_id, client_secret, amount, currency, status,
		attempt, created_at, updated_at`

	getOrderSQL          = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	getOrderForUpdateSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE`
	listOrdersByUserSQL  = `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC`

	listUnfinalizedSQL = `SELECT ` + orderColumns + ` FROM orders
	WHERE paid_at IS NOT NULL AND paid_at < $1 AND finalized_at IS NULL AND status <> 'cancelled'
	ORDER BY paid_at LIMIT $2`

	listItemsSQL = `SELECT order_id, product_id, product_name, quantity, unit_price, line_total
	FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`

	insertOrderSQL = `INSERT INTO orders (order_number, user_id, status, subtotal, tax, shipping_cost,
		discount, total, coupon_code, shipping_address, billing_address, phone, notes, checkout_ref, from_cart)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::uuid, $15)
	RETURNING id, created_at, updated_at`

	insertItemSQL = `INSERT INTO order_items (order_id, position, product_id, product_name, quantity, unit_price, line_total)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

	reserveStockSQL = `UPDATE products SET stock_reserved = stock_reserved + $2, updated_at = now()
	WHERE id = $1 AND stock_quantity - stock_reserved >= $2`

	insertHoldSQL = `INSERT INTO stock_holds (order_id, product_id, quantity, expires_at) VALUES ($1, $2, $3, $4)`

	insertPaymentSQL = `INSERT INTO payments (order_id, user_id, intent_id, client_secret, amount, currency)
	VALUES ($1, $2, $3, $4, $5, $6)
	RETURNING ` + paymentColumns

	insertCheckoutSQL = `INSERT INTO checkout_requests (user_id, idempotency_key, order_id) VALUES ($1, $2, $3)`

	findCheckoutSQL = `SELECT order_id FROM checkout_requests WHERE user_id = $1 AND idempotency_key = $2`

	getPaymentSQL          = `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1`
	getPaymentForUpdateSQL = `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1 FOR UPDATE`
	findPaymentOrderSQL    = `SELECT order_id FROM payments WHERE intent_id = $1`

	replaceIntentSQL = `UPDATE payments SET intent_id = $2, client_secret = $3, status = 'pending',
		attempt = attempt + 1, updated_at = now()
	WHERE order_id = $1 AND status IN ('failed', 'cancelled')
		AND EXISTS (SELECT 1 FROM orders WHERE id = $1 AND status = 'pending_payment')
	RETURNING ` + paymentColumns

	setPaymentStatusSQL = `UPDATE payments SET status = $2, updated_at = now() WHERE order_id = $1`

	failPaymentSQL = `UPDATE payments SET status = 'failed', updated_at = now()
	WHERE intent_id = $1 AND status = 'pending'`

	cancelPendingPaymentSQL = `UPDATE payments SET status = 'cancelled', updated_at = now()
	WHERE order_id = $1 AND status = 'pending'`

	markPaidSQL = `UPDATE orders SET status = 'processing', paid_at = $2, updated_at = now() WHERE id = $1`

	setOrderStatusSQL = `UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`

	markFinalizedSQL = `UPDATE orders SET finalized_at = COALESCE(finalized_at, $2) WHERE id = $1`

	commitStockSQL = `WITH held AS (
		UPDATE stock_holds SET status = 'committed'
		WHERE order_id = $1 AND status = 'held'
		RETURNING product_id, quantity
	)
	UPDATE products p SET stock_quantity = p.stock_quantity - h.quantity,
		stock_reserved = p.stock_reserved - h.quantity, updated_at = now()
	FROM held h WHERE p.id = h.product_id`

	releaseStockSQL = `WITH held AS (
		UPDATE stock_holds SET status = 'released'
		WHERE order_id = $1 AND status = 'held'
		RETURNING product_id, quantity
	)
	UPDATE products p SET stock_reserved = p.stock_reserved - h.quantity, updated_at = now()
	FROM held h WHERE p.id = h.product_id`

	failOpenDeliverySQL = `UPDATE deliveries SET status = 'failed', updated_at = now()
	WHERE order_id = $1 AND status NOT IN ('delivered', 'failed')`

	listExpiredPendingSQL = `SELECT o.id, p.intent_id FROM orders o
	JOIN payments p ON p.order_id = o.id
	WHERE o.status = 'pending_payment' AND o.created_at < $1 AND p.updated_at < $1
	ORDER BY o.created_at LIMIT $2`

	orderNumberConstraint    = "orders_order_number_key"
	checkoutRefConstraint    = "orders_checkout_ref_key"
	checkoutRequestPKey      = "checkout_requests_pkey"
	paymentIntentConstraint  = "payments_intent_id_key"
	trackingNumberConstraint = "deliveries_tracking_number_key"
	deliveryOrderConstraint  = "deliveries_order_id_key"
)

var (
	_ checkout.Ledger   = (*Ledger)(nil)
	_ fulfillment.Store = (*Ledger)(nil)
)

// Ledger stores orders, payments, stock holds and deliveries. Transactions
// that touch both an order and its payment lock the order row first.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger returns a Ledger that uses the given pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// FindCheckout returns the order created for (userID, key).
func (l *Ledger) FindCheckout(ctx context.Context, userID int64, key string) (*order.Order, *payment.Payment, error) {
	var orderID int64
	if err := l.pool.QueryRow(ctx, findCheckoutSQL, userID, key).Scan(&orderID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, order.ErrNotFound
		}
		return nil, nil, errors.Wrap(err, "find checkout")
	}
	o, err := getOrder(ctx, l.pool, getOrderSQL, orderID)
	if err != nil {
		return nil, nil, err
	}
	p, err := getPayment(ctx, l.pool, getPaymentSQL, orderID)
	if err != nil {
		return nil, nil, err
	}
	return o, p, nil
}

// CreateOrder materializes a checkout draft in one transaction.
func (l *Ledger) CreateOrder(ctx context.Context, d *checkout.Draft) (*order.Order, *payment.Payment, error) {
	o := *d.Order
	o.Items = slices.Clone(d.Order.Items)
	var p *payment.Payment

	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		t := o.Totals
		err := tx.QueryRow(ctx, insertOrderSQL,
			o.Number, o.UserID, string(o.Status), t.Subtotal, t.Tax, t.Shipping, t.Discount, t.Total,
			o.CouponCode, o.ShippingAddress, o.BillingAddress, o.Phone, o.Notes, o.CheckoutRef, o.FromCart,
		).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
		switch {
		case violates(err, orderNumberConstraint):
			return order.ErrNumberTaken
		case violates(err, checkoutRefConstraint):
			return checkout.ErrDuplicateCheckout
		case err != nil:
			return errors.Wrap(err, "insert order")
		}

		if _, err := tx.Exec(ctx, insertCheckoutSQL, o.UserID, d.IdempotencyKey, o.ID); err != nil {
			if violates(err, checkoutRequestPKey) {
				return checkout.ErrDuplicateCheckout
			}
			return errors.Wrap(err, "insert checkout request")
		}

		for i, it := range o.Items {
			if _, err := tx.Exec(ctx, insertItemSQL,
				o.ID, i, it.ProductID, it.ProductName, it.Quantity, it.UnitPrice, it.LineTotal,
			); err != nil {
				return errors.Wrap(err, "insert order item")
			}
		}

		// Reserve in product id order so concurrent checkouts lock rows
		// in the same sequence.
		holds := slices.Clone(o.Items)
		slices.SortFunc(holds, func(a, b order.Item) int { return cmp.Compare(a.ProductID, b.ProductID) })
		for _, it := range holds {
			tag, err := tx.Exec(ctx, reserveStockSQL, it.ProductID, it.Quantity)
			if err != nil {
				return errors.Wrap(err, "reserve stock")
			}
			if tag.RowsAffected() == 0 {
				return product.ErrInsufficientStock.WithMessage("insufficient stock for " + it.ProductName)
			}
			if _, err := tx.Exec(ctx, insertHoldSQL, o.ID, it.ProductID, it.Quantity, d.HoldExpiresAt); err != nil {
				return errors.Wrap(err, "insert stock hold")
			}
		}

		rows, err := tx.Query(ctx, insertPaymentSQL,
			o.ID, o.UserID, d.Intent.ID, d.Intent.ClientSecret, t.Total, d.Currency,
		)
		if err != nil {
			return errors.Wrap(err, "insert payment")
		}
		created, err := pgx.CollectExactlyOneRow(rows, scanPayment)
		if err != nil {
			if violates(err, paymentIntentConstraint) {
				return checkout.ErrDuplicateCheckout
			}
			return errors.Wrap(err, "insert payment")
		}
		p = &created
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &o, p, nil
}

// GetOrder returns the order with its items.
func (l *Ledger) GetOrder(ctx context.Context, id int64) (*order.Order, error) {
	return getOrder(ctx, l.pool, getOrderSQL, id)
}

// ListOrders returns the user's orders, newest first.
func (l *Ledger) ListOrders(ctx context.Context, userID int64) ([]order.Order, error) {
	return listOrders(ctx, l.pool, listOrdersByUserSQL, userID)
}

// GetPayment returns the payment of an order.
func (l *Ledger) GetPayment(ctx context.Context, orderID int64) (*payment.Payment, error) {
	return getPayment(ctx, l.pool, getPaymentSQL, orderID)
}

// ReplaceIntent attaches a new gateway intent to a failed or cancelled
// payment of a still unpaid order.
func (l *Ledger) ReplaceIntent(ctx context.Context, orderID int64, intent *payment.Intent) (*payment.Payment, error) {
	rows, err := l.pool.Query(ctx, replaceIntentSQL, orderID, intent.ID, intent.ClientSecret)
	if err != nil {
		return nil, errors.Wrap(err, "replace intent")
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotPayable
		}
		return nil, errors.Wrap(err, "replace intent")
	}
	return &p, nil
}

// ConfirmPayment applies a succeeded payment event exactly once.
func (l *Ledger) ConfirmPayment(ctx context.Context, intentID string, at time.Time) (*checkout.Confirmation, error) {
	var orderID int64
	if err := l.pool.QueryRow(ctx, findPaymentOrderSQL, intentID).Scan(&orderID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &checkout.Confirmation{Outcome: checkout.OutcomeUnknownIntent}, nil
		}
		return nil, errors.Wrap(err, "find payment")
	}

	var c checkout.Confirmation
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		o, err := getOrder(ctx, tx, getOrderForUpdateSQL, orderID)
		if err != nil {
			return err
		}
		p, err := getPayment(ctx, tx, getPaymentForUpdateSQL, orderID)
		if err != nil {
			return err
		}
		c.Order, c.Payment = o, p

		switch {
		case p.IntentID != intentID:
			// The intent was replaced after it failed.
			c = checkout.Confirmation{Outcome: checkout.OutcomeUnknownIntent}
			return nil
		case p.Status == payment.StatusSucceeded || o.Status != order.StatusPendingPayment && o.Status != order.StatusCancelled:
			c.Outcome = checkout.OutcomeDuplicate
			return nil
		}

		if _, err := tx.Exec(ctx, setPaymentStatusSQL, orderID, string(payment.StatusSucceeded)); err != nil {
			return errors.Wrap(err, "mark payment succeeded")
		}
		p.Status = payment.StatusSucceeded

		if o.Status == order.StatusCancelled {
			c.Outcome = checkout.OutcomeOrderCancelled
			return nil
		}
		if _, err := tx.Exec(ctx, markPaidSQL, orderID, at); err != nil {
			return errors.Wrap(err, "mark order paid")
		}
		o.Status = order.StatusProcessing
		paid := at
		o.PaidAt = &paid
		c.Outcome = checkout.OutcomeConfirmed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FailPayment marks a pending payment as failed.
func (l *Ledger) FailPayment(ctx context.Context, intentID string) (bool, error) {
	tag, err := l.pool.Exec(ctx, failPaymentSQL, intentID)
	if err != nil {
		return false, errors.Wrap(err, "fail payment")
	}
	return tag.RowsAffected() > 0, nil
}

// CommitStock converts the order's active holds into sold stock.
func (l *Ledger) CommitStock(ctx context.Context, orderID int64) error {
	if _, err := l.pool.Exec(ctx, commitStockSQL, orderID); err != nil {
		return errors.Wrap(err, "commit stock")
	}
	return nil
}

// MarkFinalized stamps the order as fully finalized. The first stamp wins.
func (l *Ledger) MarkFinalized(ctx context.Context, orderID int64, at time.Time) error {
	if _, err := l.pool.Exec(ctx, markFinalizedSQL, orderID, at); err != nil {
		return errors.Wrap(err, "mark finalized")
	}
	return nil
}

// ListExpiredPending returns unpaid orders whose latest payment attempt is
// older than createdBefore.
func (l *Ledger) ListExpiredPending(ctx context.Context, createdBefore time.Time, limit int) ([]checkout.PendingOrder, error) {
	rows, err := l.pool.Query(ctx, listExpiredPendingSQL, createdBefore, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list expired orders")
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (checkout.PendingOrder, error) {
		var p checkout.PendingOrder
		err := row.Scan(&p.OrderID, &p.IntentID)
		return p, err
	})
}

// CancelOrder cancels the order, releases its holds, cancels a pending
// payment and fails an open delivery.
func (l *Ledger) CancelOrder(ctx context.Context, orderID int64, onlyPending bool) (*order.Order, error) {
	var out *order.Order
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		o, err := getOrder(ctx, tx, getOrderForUpdateSQL, orderID)
		if err != nil {
			return err
		}
		if onlyPending && o.Status != order.StatusPendingPayment {
			return order.ErrInvalidTransition
		}
		if !o.Status.CanTransitionTo(order.StatusCancelled) {
			return order.ErrInvalidTransition.WithMessage("order is already " + string(o.Status))
		}

		if _, err := tx.Exec(ctx, setOrderStatusSQL, orderID, string(order.StatusCancelled)); err != nil {
			return errors.Wrap(err, "cancel order")
		}
		if _, err := tx.Exec(ctx, releaseStockSQL, orderID); err != nil {
			return errors.Wrap(err, "release stock")
		}
		if _, err := tx.Exec(ctx, cancelPendingPaymentSQL, orderID); err != nil {
			return errors.Wrap(err, "cancel payment")
		}
		if _, err := tx.Exec(ctx, failOpenDeliverySQL, orderID); err != nil {
			return errors.Wrap(err, "fail delivery")
		}
		o.Status = order.StatusCancelled
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListUnfinalized returns paid orders whose finalization never completed.
func (l *Ledger) ListUnfinalized(ctx context.Context, paidBefore time.Time, limit int) ([]order.Order, error) {
	return listOrders(ctx, l.pool, listUnfinalizedSQL, paidBefore, limit)
}

func getOrder(ctx context.Context, q querier, sql string, id int64) (*order.Order, error) {
	rows, err := q.Query(ctx, sql, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get order %d", id)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get order %d", id)
	}
	orders := []order.Order{o}
	if err := loadItems(ctx, q, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func listOrders(ctx context.Context, q querier, sql string, args ...any) ([]order.Order, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	if err := loadItems(ctx, q, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func loadItems(ctx context.Context, q querier, orders []order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]int64, len(orders))
	index := make(map[int64]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
	}

	rows, err := q.Query(ctx, listItemsSQL, ids)
	if err != nil {
		return errors.Wrap(err, "list order items")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			orderID int64
			it      order.Item
		)
		if err := rows.Scan(&orderID, &it.ProductID, &it.ProductName, &it.Quantity, &it.UnitPrice, &it.LineTotal); err != nil {
			return errors.Wrap(err, "scan order item")
		}
		i := index[orderID]
		orders[i].Items = append(orders[i].Items, it)
	}
	return rows.Err()
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o      order.Order
		status string
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.UserID, &status,
		&o.Totals.Subtotal, &o.Totals.Tax, &o.Totals.Shipping, &o.Totals.Discount, &o.Totals.Total,
		&o.CouponCode, &o.ShippingAddress, &o.BillingAddress, &o.Phone, &o.Notes, &o.CheckoutRef, &o.FromCart,
		&o.CreatedAt, &o.UpdatedAt, &o.PaidAt, &o.FinalizedAt,
	)
	o.Status = order.Status(status)
	return o, err
}

func getPayment(ctx context.Context, q querier, sql string, orderID int64) (*payment.Payment, error) {
	rows, err := q.Query(ctx, sql, orderID)
	if err != nil {
		return nil, errors.Wrapf(err, "get payment of order %d", orderID)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrNotFound
		}
		return nil, errors.Wrapf(err, "get payment of order %d", orderID)
	}
	return &p, nil
}

func scanPayment(row pgx.CollectableRow) (payment.Payment, error) {
	var (
		p      payment.Payment
		status string
	)
	err := row.Scan(
		&p.ID, &p.OrderID, &p.UserID, &p.IntentID, &p.ClientSecret, &p.Amount, &p.Currency,
		&status, &p.Attempt, &p.CreatedAt, &p.UpdatedAt,
	)
	p.Status = payment.Status(status)
	return p, err
}
