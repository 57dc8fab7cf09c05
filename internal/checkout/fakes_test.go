package checkout

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/gateway/sandbox"
	"github.com/xenking/kart-checkout/internal/notify"
)

// --- Mock implementations ---

type holdState int

const (
	holdActive holdState = iota + 1
	holdCommitted
	holdReleased
)

// memLedger is an in-memory Ledger that also serves the catalog, so stock
// holds and catalog reads see the same counters.
type memLedger struct {
	mu sync.Mutex

	products  map[int64]*product.Product
	orders    map[int64]*order.Order
	payments  map[int64]*payment.Payment
	checkouts map[string]int64
	numbers   map[string]bool
	holds     map[int64]holdState

	nextID         int64
	createErr      error
	commitStockErr error
	stockCommits   int
}

func newMemLedger() *memLedger {
	return &memLedger{
		products:  make(map[int64]*product.Product),
		orders:    make(map[int64]*order.Order),
		payments:  make(map[int64]*payment.Payment),
		checkouts: make(map[string]int64),
		numbers:   make(map[string]bool),
		holds:     make(map[int64]holdState),
	}
}

func (l *memLedger) addProduct(p product.Product) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.products[p.ID] = &p
}

func (l *memLedger) product(id int64) product.Product {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.products[id]
}

func (l *memLedger) orderCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.orders)
}

func checkoutKey(userID int64, key string) string {
	return strconv.FormatInt(userID, 10) + ":" + key
}

func (l *memLedger) GetByIDs(_ context.Context, ids []int64) ([]product.Product, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []product.Product
	for _, id := range ids {
		if p, ok := l.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (l *memLedger) FindCheckout(_ context.Context, userID int64, key string) (*order.Order, *payment.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.checkouts[checkoutKey(userID, key)]
	if !ok {
		return nil, nil, order.ErrNotFound
	}
	o, p := *l.orders[id], *l.payments[id]
	return &o, &p, nil
}

func (l *memLedger) CreateOrder(_ context.Context, d *Draft) (*order.Order, *payment.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.createErr != nil {
		return nil, nil, l.createErr
	}
	if _, ok := l.checkouts[checkoutKey(d.Order.UserID, d.IdempotencyKey)]; ok {
		return nil, nil, ErrDuplicateCheckout
	}
	if l.numbers[d.Order.Number] {
		return nil, nil, order.ErrNumberTaken
	}
	for _, it := range d.Order.Items {
		p, ok := l.products[it.ProductID]
		if !ok || p.Available() < it.Quantity {
			return nil, nil, product.ErrInsufficientStock
		}
	}
	for _, it := range d.Order.Items {
		l.products[it.ProductID].StockReserved += it.Quantity
	}

	l.nextID++
	o := *d.Order
	o.ID = l.nextID
	o.CreatedAt = testNow
	o.UpdatedAt = testNow
	p := payment.Payment{
		ID:           l.nextID,
		OrderID:      o.ID,
		UserID:       o.UserID,
		IntentID:     d.Intent.ID,
		ClientSecret: d.Intent.ClientSecret,
		Amount:       o.Totals.Total,
		Currency:     d.Currency,
		Status:       payment.StatusPending,
		Attempt:      1,
	}
	l.orders[o.ID] = &o
	l.payments[o.ID] = &p
	l.numbers[o.Number] = true
	l.holds[o.ID] = holdActive
	l.checkouts[checkoutKey(o.UserID, d.IdempotencyKey)] = o.ID

	oc, pc := o, p
	return &oc, &pc, nil
}

func (l *memLedger) GetOrder(_ context.Context, id int64) (*order.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (l *memLedger) GetPayment(_ context.Context, orderID int64) (*payment.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[orderID]
	if !ok {
		return nil, payment.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (l *memLedger) ReplaceIntent(_ context.Context, orderID int64, intent *payment.Intent) (*payment.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.payments[orderID]
	if !ok {
		return nil, payment.ErrNotFound
	}
	if p.Status != payment.StatusFailed && p.Status != payment.StatusCancelled {
		return nil, order.ErrNotPayable
	}
	p.IntentID = intent.ID
	p.ClientSecret = intent.ClientSecret
	p.Status = payment.StatusPending
	p.Attempt++
	cp := *p
	return &cp, nil
}

func (l *memLedger) paymentByIntent(intentID string) *payment.Payment {
	for _, p := range l.payments {
		if p.IntentID == intentID {
			return p
		}
	}
	return nil
}

func (l *memLedger) ConfirmPayment(_ context.Context, intentID string, at time.Time) (*Confirmation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.paymentByIntent(intentID)
	if p == nil {
		return &Confirmation{Outcome: OutcomeUnknownIntent}, nil
	}
	o := l.orders[p.OrderID]

	outcome := OutcomeConfirmed
	switch {
	case p.Status == payment.StatusSucceeded:
		outcome = OutcomeDuplicate
	case o.Status == order.StatusCancelled:
		p.Status = payment.StatusSucceeded
		outcome = OutcomeOrderCancelled
	default:
		p.Status = payment.StatusSucceeded
		o.Status = order.StatusProcessing
		paid := at
		o.PaidAt = &paid
	}
	oc, pc := *o, *p
	return &Confirmation{Outcome: outcome, Order: &oc, Payment: &pc}, nil
}

func (l *memLedger) FailPayment(_ context.Context, intentID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.paymentByIntent(intentID)
	if p == nil || p.Status != payment.StatusPending {
		return false, nil
	}
	p.Status = payment.StatusFailed
	return true, nil
}

func (l *memLedger) CommitStock(_ context.Context, orderID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.commitStockErr != nil {
		return l.commitStockErr
	}
	if l.holds[orderID] != holdActive {
		return nil
	}
	for _, it := range l.orders[orderID].Items {
		p := l.products[it.ProductID]
		p.StockQuantity -= it.Quantity
		p.StockReserved -= it.Quantity
	}
	l.holds[orderID] = holdCommitted
	l.stockCommits++
	return nil
}

func (l *memLedger) MarkFinalized(_ context.Context, orderID int64, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[orderID]
	if !ok {
		return order.ErrNotFound
	}
	if o.FinalizedAt == nil {
		ts := at
		o.FinalizedAt = &ts
	}
	return nil
}

func (l *memLedger) ListExpiredPending(_ context.Context, createdBefore time.Time, limit int) ([]PendingOrder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []PendingOrder
	for id, o := range l.orders {
		if o.Status == order.StatusPendingPayment && o.CreatedAt.Before(createdBefore) && len(out) < limit {
			out = append(out, PendingOrder{OrderID: id, IntentID: l.payments[id].IntentID})
		}
	}
	return out, nil
}

func (l *memLedger) CancelOrder(_ context.Context, orderID int64, onlyPending bool) (*order.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[orderID]
	if !ok {
		return nil, order.ErrNotFound
	}
	if onlyPending && o.Status != order.StatusPendingPayment {
		return nil, order.ErrInvalidTransition
	}
	if !o.Status.CanTransitionTo(order.StatusCancelled) {
		return nil, order.ErrInvalidTransition
	}
	if l.holds[orderID] == holdActive {
		for _, it := range o.Items {
			l.products[it.ProductID].StockReserved -= it.Quantity
		}
		l.holds[orderID] = holdReleased
	}
	if p := l.payments[orderID]; p.Status == payment.StatusPending {
		p.Status = payment.StatusCancelled
	}
	o.Status = order.StatusCancelled
	cp := *o
	return &cp, nil
}

func (l *memLedger) ListUnfinalized(_ context.Context, paidBefore time.Time, limit int) ([]order.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []order.Order
	for _, o := range l.orders {
		if o.PaidAt != nil && o.FinalizedAt == nil && o.PaidAt.Before(paidBefore) &&
			o.Status != order.StatusCancelled && len(out) < limit {
			out = append(out, *o)
		}
	}
	return out, nil
}

type memCarts struct {
	mu    sync.Mutex
	carts map[int64][]cart.Item
}

func newMemCarts() *memCarts {
	return &memCarts{carts: make(map[int64][]cart.Item)}
}

func (m *memCarts) Get(_ context.Context, userID int64) (*cart.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &cart.Cart{UserID: userID, Items: append([]cart.Item(nil), m.carts[userID]...)}, nil
}

func (m *memCarts) Add(_ context.Context, userID int64, item cart.Item) (cart.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.carts[userID]
	for i := range items {
		if items[i].ProductID == item.ProductID {
			items[i].Quantity += item.Quantity
			return items[i], nil
		}
	}
	m.carts[userID] = append(items, item)
	return item, nil
}

func (m *memCarts) SetQuantity(_ context.Context, userID, productID int64, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, it := range m.carts[userID] {
		if it.ProductID == productID {
			m.carts[userID][i].Quantity = quantity
			return nil
		}
	}
	return cart.ErrItemNotFound
}

func (m *memCarts) Remove(_ context.Context, userID, productID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.carts[userID]
	for i, it := range items {
		if it.ProductID == productID {
			m.carts[userID] = append(items[:i], items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memCarts) Take(_ context.Context, userID, productID int64, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.carts[userID]
	for i, it := range items {
		if it.ProductID != productID {
			continue
		}
		if it.Quantity > quantity {
			items[i].Quantity -= quantity
		} else {
			m.carts[userID] = append(items[:i], items[i+1:]...)
		}
		return nil
	}
	return nil
}

func (m *memCarts) Clear(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.carts, userID)
	return nil
}

type memCoupons struct {
	mu          sync.Mutex
	rules       map[string]*coupon.Rule
	redemptions map[int64]string
	commitErr   error
}

func newMemCoupons(rules ...*coupon.Rule) *memCoupons {
	m := &memCoupons{
		rules:       make(map[string]*coupon.Rule),
		redemptions: make(map[int64]string),
	}
	for _, r := range rules {
		m.rules[r.Code] = r
	}
	return m
}

func (m *memCoupons) Apply(_ context.Context, code string, total decimal.Decimal) (coupon.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rules[code]
	if r != nil {
		cp := *r
		r = &cp
	}
	return coupon.Evaluate(r, total, order.DefaultPricing.ShippingCost, testNow), nil
}

func (m *memCoupons) CommitUsage(_ context.Context, code string, orderID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return false, m.commitErr
	}
	if _, ok := m.redemptions[orderID]; ok {
		return false, nil
	}
	r, ok := m.rules[code]
	if !ok {
		return false, coupon.ErrNotFound
	}
	if r.Exhausted() {
		return false, coupon.ErrUsageLimitReached
	}
	r.UsageCount++
	m.redemptions[orderID] = code
	return true, nil
}

func (m *memCoupons) usage(code string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rules[code].UsageCount
}

// flakyGateway wraps the sandbox gateway with injectable failures.
type flakyGateway struct {
	*sandbox.Gateway

	mu        sync.Mutex
	createErr error
	cancelErr error
	cancelled []string
}

func (g *flakyGateway) CreateIntent(ctx context.Context, req payment.IntentRequest) (*payment.Intent, error) {
	g.mu.Lock()
	err := g.createErr
	g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return g.Gateway.CreateIntent(ctx, req)
}

func (g *flakyGateway) CancelIntent(ctx context.Context, intentID string) error {
	g.mu.Lock()
	err := g.cancelErr
	g.cancelled = append(g.cancelled, intentID)
	g.mu.Unlock()
	if err != nil {
		return err
	}
	return g.Gateway.CancelIntent(ctx, intentID)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Confirmation
	err  error
}

func (n *recordingNotifier) OrderConfirmed(_ context.Context, c notify.Confirmation) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, c)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

var errBoom = errors.New("boom")
