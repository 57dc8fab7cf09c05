package delivery

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/xenking/kart-checkout/internal/apperr"
)

// Status is the courier-side delivery state.
type Status string

const (
	StatusPending        Status = "pending"
	StatusAssigned       Status = "assigned"
	StatusPickedUp       Status = "picked_up"
	StatusInTransit      Status = "in_transit"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusFailed         Status = "failed"
)

var (
	ErrNotFound          = apperr.NotFound("delivery_not_found", "delivery not found")
	ErrInvalidTransition = apperr.Conflict("invalid_delivery_transition", "delivery status transition not allowed")
	ErrTrackingTaken     = apperr.Conflict("tracking_number_taken", "tracking number already in use")
	ErrInvalidUpdate     = apperr.Validation("invalid_delivery_update", "invalid delivery update")
)

var progression = map[Status]int{
	StatusPending:        0,
	StatusAssigned:       1,
	StatusPickedUp:       2,
	StatusInTransit:      3,
	StatusOutForDelivery: 4,
	StatusDelivered:      5,
}

// Terminal reports whether the delivery is finished.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := progression[s]
	return ok || s == StatusFailed
}

// CanTransitionTo allows forward moves along the courier progression (steps
// may be skipped) and failure from any non-terminal state.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return progression[next] > progression[s]
}

// Delivery tracks the shipment of one order.
type Delivery struct {
	ID                int64
	OrderID           int64
	TrackingNumber    string
	CourierName       string
	CourierPhone      string
	Status            Status
	EstimatedDelivery *time.Time
	ActualDelivery    *time.Time
	Notes             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Update enumerates the mutable delivery fields. Nil fields are left unchanged.
type Update struct {
	Status            *Status
	CourierName       *string
	CourierPhone      *string
	EstimatedDelivery *time.Time
	Notes             *string
}

// Empty reports whether the update changes nothing.
func (u Update) Empty() bool {
	return u.Status == nil && u.CourierName == nil && u.CourierPhone == nil &&
		u.EstimatedDelivery == nil && u.Notes == nil
}

// ApplyTo validates and applies u to d. Reaching StatusDelivered stamps the
// actual delivery time with now.
func (u Update) ApplyTo(d *Delivery, now time.Time) error {
	if u.Empty() {
		return ErrInvalidUpdate.WithMessage("no fields to update")
	}
	if u.Status != nil && *u.Status != d.Status {
		if !d.Status.CanTransitionTo(*u.Status) {
			return ErrInvalidTransition.WithMessage(
				fmt.Sprintf("cannot move delivery from %s to %s", d.Status, *u.Status))
		}
		d.Status = *u.Status
		if d.Status == StatusDelivered {
			at := now
			d.ActualDelivery = &at
		}
	}
	if u.CourierName != nil {
		d.CourierName = *u.CourierName
	}
	if u.CourierPhone != nil {
		d.CourierPhone = *u.CourierPhone
	}
	if u.EstimatedDelivery != nil {
		at := *u.EstimatedDelivery
		d.EstimatedDelivery = &at
	}
	if u.Notes != nil {
		d.Notes = *u.Notes
	}
	d.UpdatedAt = now
	return nil
}

// NewTrackingNumber returns TRK- followed by seven digits. Uniqueness is
// enforced by the store; callers retry on ErrTrackingTaken.
func NewTrackingNumber() string {
	return fmt.Sprintf("TRK-%07d", 1000000+rand.IntN(9000000))
}
