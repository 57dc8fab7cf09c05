package order

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/apperr"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusProcessing     Status = "processing"
	StatusShipped        Status = "shipped"
	StatusDelivered      Status = "delivered"
	StatusCancelled      Status = "cancelled"
)

// Sentinel errors for order lookups and transitions.
var (
	ErrNotFound          = apperr.NotFound("order_not_found", "order not found")
	ErrInvalidTransition = apperr.Conflict("invalid_order_transition", "order status transition not allowed")
	ErrNumberTaken       = apperr.Conflict("order_number_taken", "order number already in use")
	ErrNotPayable        = apperr.Conflict("order_not_payable", "order is not awaiting payment")
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingPayment, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// Cancellation is allowed from every non-terminal state.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	switch s {
	case StatusPendingPayment:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusShipped
	case StatusShipped:
		return next == StatusDelivered
	}
	return false
}

// Item is an order line captured at creation time.
type Item struct {
	ProductID   int64
	ProductName string
	Quantity    int
	UnitPrice   decimal.Decimal
	LineTotal   decimal.Decimal
}

// Order is a materialized checkout. Everything except Status and the
// lifecycle timestamps is frozen at creation.
type Order struct {
	ID              int64
	Number          string
	UserID          int64
	Status          Status
	Items           []Item
	Totals          Totals
	CouponCode      string
	ShippingAddress string
	BillingAddress  string
	Phone           string
	Notes           string
	CheckoutRef     string
	FromCart        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PaidAt          *time.Time
	FinalizedAt     *time.Time
}

// NewNumber returns a human-readable order number, ORD- followed by six
// digits. Uniqueness is enforced by the store; callers retry on ErrNumberTaken.
func NewNumber() string {
	return fmt.Sprintf("ORD-%06d", 100000+rand.IntN(900000))
}
